package state

import (
	"context"
	"sort"
	"sync"

	"github.com/fyield/treasury/internal/types"
)

// Store is the audit log used by the orchestrator and the dashboard.
type Store interface {
	NextCycleNumber(ctx context.Context) (int, error)
	SaveCycleRecord(ctx context.Context, rec types.CycleRecord) (int64, error)
	RecentCycles(ctx context.Context, limit int) ([]types.CycleRecord, error)
	CycleByID(ctx context.Context, cycleID string) (*types.CycleRecord, error)
	LatestCycle(ctx context.Context) (*types.CycleRecord, error)
	Summary(ctx context.Context) (*TreasurySummary, error)
}

// PostgresStore implements Store over the global DB pool.
type PostgresStore struct{}

// NewPostgresStore returns a Store backed by the initialized DB.
func NewPostgresStore() (*PostgresStore, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}
	return &PostgresStore{}, nil
}

func (PostgresStore) NextCycleNumber(ctx context.Context) (int, error) {
	return IncrementCycleNumber(ctx)
}

func (PostgresStore) SaveCycleRecord(ctx context.Context, rec types.CycleRecord) (int64, error) {
	return SaveCycleRecord(ctx, rec)
}

func (PostgresStore) RecentCycles(ctx context.Context, limit int) ([]types.CycleRecord, error) {
	return GetRecentCycles(ctx, limit)
}

func (PostgresStore) CycleByID(ctx context.Context, cycleID string) (*types.CycleRecord, error) {
	return GetCycleByID(ctx, cycleID)
}

func (PostgresStore) LatestCycle(ctx context.Context) (*types.CycleRecord, error) {
	return GetLatestCycle(ctx)
}

func (PostgresStore) Summary(ctx context.Context) (*TreasurySummary, error) {
	return GetTreasurySummary(ctx)
}

// MemoryStore is an in-process Store for tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	counter int
	records []types.CycleRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) NextCycleNumber(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	return m.counter, nil
}

func (m *MemoryStore) SaveCycleRecord(_ context.Context, rec types.CycleRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.RecordID = int64(len(m.records) + 1)
	m.records = append(m.records, rec)
	return rec.RecordID, nil
}

// RecentCycles returns records newest first.
func (m *MemoryStore) RecentCycles(_ context.Context, limit int) ([]types.CycleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = clampLimit(limit)
	out := make([]types.CycleRecord, len(m.records))
	copy(out, m.records)
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordID > out[j].RecordID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CycleByID(_ context.Context, cycleID string) (*types.CycleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].CycleID == cycleID {
			rec := m.records[i]
			return &rec, nil
		}
	}
	return nil, ErrCycleNotFound
}

func (m *MemoryStore) LatestCycle(ctx context.Context) (*types.CycleRecord, error) {
	recs, err := m.RecentCycles(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrCycleNotFound
	}
	return &recs[0], nil
}

func (m *MemoryStore) Summary(context.Context) (*TreasurySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return summarize(m.records), nil
}

// All returns every stored record in insertion order.
func (m *MemoryStore) All() []types.CycleRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.CycleRecord(nil), m.records...)
}

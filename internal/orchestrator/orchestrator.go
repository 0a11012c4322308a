package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fyield/treasury/internal/emergency"
	"github.com/fyield/treasury/internal/logger"
	"github.com/fyield/treasury/internal/reconciler"
	"github.com/fyield/treasury/internal/types"
	"github.com/fyield/treasury/internal/vault"
	"github.com/fyield/treasury/internal/wallet"
	"github.com/fyield/treasury/internal/withdrawal"
)

const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerStartup   = "startup"
	TriggerEmergency = "emergency"
)

var (
	ErrCycleInProgress  = errors.New("a cycle is already in progress")
	ErrNoEmergencyDrain = errors.New("emergency controller not configured")
)

// Snapshotter produces consistent ledger snapshots.
type Snapshotter interface {
	Read(ctx context.Context) (types.LedgerSnapshot, error)
}

// Submitter is the write path for supply and position withdrawals.
type Submitter interface {
	From() common.Address
	Submit(ctx context.Context, call types.ContractCall) (*types.PendingTransaction, error)
	WaitForConfirmation(ctx context.Context, pending *types.PendingTransaction, opts wallet.ConfirmOptions) (*types.TransactionResult, error)
}

// AuditStore persists one record per cycle.
type AuditStore interface {
	NextCycleNumber(ctx context.Context) (int, error)
	SaveCycleRecord(ctx context.Context, rec types.CycleRecord) (int64, error)
}

// WriteLock serializes transaction sending with other processes that sign
// with the same key.
type WriteLock interface {
	TryAcquire(ctx context.Context) (release func(), err error)
}

// Metrics receives state changes and finished cycles.
type Metrics interface {
	SetState(state types.OrchestratorState)
	SetHalted(halted bool)
	ObserveCycle(rec *types.CycleRecord)
}

// Orchestrator drives the snapshot, reconcile, act, confirm cycle.
type Orchestrator struct {
	logger zerolog.Logger

	snapshots   Snapshotter
	chain       vault.LedgerReader
	reconciler  *reconciler.Reconciler
	submitter   Submitter
	withdrawals *withdrawal.Processor
	emergency   *emergency.Controller
	contracts   vault.Contracts
	store       AuditStore
	writeLock   WriteLock
	metrics     Metrics
	params      types.ReconcileParameters

	// held for the whole of a cycle or drain
	cycleMu sync.Mutex
	trigger chan struct{}

	mu        sync.RWMutex
	state     types.OrchestratorState
	halted    bool
	lastCycle *types.CycleRecord
	cyclesRun int
}

// Config holds the dependencies for creating an Orchestrator.
type Config struct {
	Snapshots   Snapshotter
	Chain       vault.LedgerReader
	Reconciler  *reconciler.Reconciler
	Submitter   Submitter
	Withdrawals *withdrawal.Processor
	Emergency   *emergency.Controller // optional
	Contracts   vault.Contracts
	Store       AuditStore
	WriteLock   WriteLock // optional
	Metrics     Metrics   // optional
}

// New creates an Orchestrator from cfg.
func New(cfg Config) (*Orchestrator, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("orchestrator configuration validation failed: %w", err)
	}

	o := &Orchestrator{
		logger:      logger.GetForComponent("orchestrator"),
		snapshots:   cfg.Snapshots,
		chain:       cfg.Chain,
		reconciler:  cfg.Reconciler,
		submitter:   cfg.Submitter,
		withdrawals: cfg.Withdrawals,
		emergency:   cfg.Emergency,
		contracts:   cfg.Contracts,
		store:       cfg.Store,
		writeLock:   cfg.WriteLock,
		metrics:     cfg.Metrics,
		params:      cfg.Reconciler.Parameters(),
		trigger:     make(chan struct{}, 1),
		state:       types.StateIdle,
	}

	o.logger.Info().
		Str("vault", cfg.Contracts.Vault.Hex()).
		Str("manager", cfg.Contracts.Manager.Hex()).
		Str("operator", cfg.Submitter.From().Hex()).
		Msg("Orchestrator created")
	return o, nil
}

func validateConfig(cfg Config) error {
	var errs []error
	if cfg.Snapshots == nil {
		errs = append(errs, errors.New("snapshot reader cannot be nil"))
	}
	if cfg.Chain == nil {
		errs = append(errs, errors.New("chain reader cannot be nil"))
	}
	if cfg.Reconciler == nil {
		errs = append(errs, errors.New("reconciler cannot be nil"))
	}
	if cfg.Submitter == nil {
		errs = append(errs, errors.New("submitter cannot be nil"))
	}
	if cfg.Withdrawals == nil {
		errs = append(errs, errors.New("withdrawal processor cannot be nil"))
	}
	if cfg.Store == nil {
		errs = append(errs, errors.New("audit store cannot be nil"))
	}
	if err := cfg.Contracts.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	State     types.OrchestratorState `json:"state"`
	Halted    bool                    `json:"halted"`
	CyclesRun int                     `json:"cycles_run"`
	LastCycle *types.CycleRecord      `json:"last_cycle,omitempty"`
	Operator  string                  `json:"operator"`
}

// Status returns the current state and the last finished cycle.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Status{
		State:     o.state,
		Halted:    o.halted,
		CyclesRun: o.cyclesRun,
		LastCycle: o.lastCycle,
		Operator:  o.submitter.From().Hex(),
	}
}

// Parameters returns the active reconciliation parameters.
func (o *Orchestrator) Parameters() types.ReconcileParameters {
	return o.params
}

// Trigger requests a cycle from the running loop. It returns false when a
// request is already queued.
func (o *Orchestrator) Trigger() bool {
	select {
	case o.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Resume clears an unauthorized halt once the operator has fixed the signer.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	wasHalted := o.halted
	o.halted = false
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.SetHalted(false)
	}
	if wasHalted {
		o.logger.Warn().Msg("Acting resumed by operator")
	}
}

// RunLoop runs a cycle immediately, then on every tick or trigger until ctx is done.
func (o *Orchestrator) RunLoop(ctx context.Context, interval time.Duration) {
	o.logger.Info().Dur("interval", interval).Msg("Starting orchestrator loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.RunCycle(ctx, TriggerStartup)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info().Msg("Orchestrator loop stopped due to context cancellation")
			return
		case <-ticker.C:
			o.RunCycle(ctx, TriggerScheduled)
		case <-o.trigger:
			o.RunCycle(ctx, TriggerManual)
		}
	}
}

// cycle carries the working state of one run.
type cycle struct {
	record   *types.CycleRecord
	logger   zerolog.Logger
	snapshot types.LedgerSnapshot
	recon    types.ReconciliationRecord
	pending  *types.PendingTransaction
	payout   *types.WithdrawalOutcome
	release  func()
}

// RunCycle executes one cycle. It returns nil without doing anything when
// another cycle or drain holds the operator lock.
func (o *Orchestrator) RunCycle(ctx context.Context, trigger string) *types.CycleRecord {
	if !o.cycleMu.TryLock() {
		o.logger.Warn().Str("trigger", trigger).Msg("Cycle skipped: another cycle is in progress")
		return nil
	}
	defer o.cycleMu.Unlock()

	c := o.newCycle(ctx, trigger)
	c.logger.Info().Int("cycleNumber", c.record.CycleNumber).Str("trigger", trigger).Msg("--- Starting treasury cycle ---")

	state := types.StateSnapshotting
	for state != types.StateIdle && state != types.StateFaulted {
		o.setState(state)
		switch state {
		case types.StateSnapshotting:
			state = o.snapshotStep(ctx, c)
		case types.StateReconciling:
			state = o.reconcileStep(c)
		case types.StateActing:
			state = o.actStep(ctx, c)
		case types.StateConfirming:
			state = o.confirmStep(ctx, c)
		default:
			state = o.fault(c, types.FaultChainUnavailable, fmt.Sprintf("unknown state %q", state))
		}
	}

	o.finish(ctx, c, state)
	return c.record
}

func (o *Orchestrator) newCycle(ctx context.Context, trigger string) *cycle {
	cycleID := uuid.New().String()
	rec := &types.CycleRecord{
		CycleID:     cycleID,
		CycleNumber: o.nextCycleNumber(ctx),
		Trigger:     trigger,
		StartedAt:   time.Now(),
		Action:      types.ActionNone,
		Amount:      sdkmath.ZeroInt(),
	}
	return &cycle{
		record: rec,
		logger: o.logger.With().Str("cycle_id", cycleID).Logger(),
	}
}

func (o *Orchestrator) nextCycleNumber(ctx context.Context) int {
	n, err := o.store.NextCycleNumber(ctx)
	if err != nil {
		o.logger.Error().Err(err).Msg("Failed to increment cycle number, using 0")
		return 0
	}
	return n
}

func (o *Orchestrator) snapshotStep(ctx context.Context, c *cycle) types.OrchestratorState {
	c.logger.Info().Msg("Step 1: Reading ledger snapshot...")
	snap, err := o.snapshots.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return o.cancel(c, "cancelled while snapshotting")
		}
		if errors.Is(err, types.ErrMalformedSnapshot) {
			return o.faultErr(c, types.FaultMalformedSnapshot, err)
		}
		return o.faultErr(c, types.FaultChainUnavailable, err)
	}
	c.snapshot = snap
	c.record.Snapshot = &snap
	c.logger.Info().
		Uint64("block", snap.BlockNumber).
		Str("liquid", snap.Position.LiquidBalance.String()).
		Str("position", snap.Position.PositionBalance.String()).
		Uint64("pendingCount", snap.Vault.PendingCount).
		Msg("Step 1: Snapshot complete.")
	return types.StateReconciling
}

func (o *Orchestrator) reconcileStep(c *cycle) types.OrchestratorState {
	c.logger.Info().Msg("Step 2: Reconciling ledgers...")
	rec, err := o.reconciler.Evaluate(c.snapshot)
	if err != nil {
		return o.faultErr(c, types.FaultMalformedSnapshot, err)
	}
	c.recon = rec
	c.record.Reconciliation = &c.recon

	c.logger.Info().
		Str("liability", rec.VaultLiability.String()).
		Str("available", rec.AvailableLiquidity.String()).
		Str("gap", rec.Gap.String()).
		Str("pendingQueueTotal", rec.PendingQueueTotal.String()).
		Str("yield", rec.YieldEarned.String()).
		Bool("queueTruncated", rec.QueueTruncated).
		Str("recommendedAction", string(rec.RecommendedAction)).
		Str("recommendedAmount", rec.RecommendedAmount.String()).
		Msg("Step 2: Reconciliation complete.")

	if rec.SolvencyAlarm {
		return o.faultErr(c, types.FaultSolvencyAlarm,
			fmt.Errorf("%w: liability %s exceeds available %s by %s", types.ErrSolvencyAlarm, rec.VaultLiability, rec.AvailableLiquidity, rec.Gap))
	}
	if rec.RecommendedAction == types.ActionNone {
		c.record.Outcome = types.OutcomeNoAction
		return types.StateIdle
	}
	return types.StateActing
}

func (o *Orchestrator) actStep(ctx context.Context, c *cycle) types.OrchestratorState {
	if ctx.Err() != nil {
		return o.cancel(c, "cancelled before acting")
	}
	if o.isHalted() {
		return o.fault(c, types.FaultHalted, "acting halted after unauthorized signer; operator must resume")
	}
	if state, ok := o.checkAuthorized(ctx, c, c.recon.RecommendedAction); !ok {
		return state
	}
	release, err := o.acquireWriteLock(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Write lock unavailable, skipping action this cycle")
		c.record.Outcome = types.OutcomeSkipped
		return types.StateIdle
	}
	c.release = release

	action := c.recon.RecommendedAction
	amount := c.recon.RecommendedAmount
	c.record.Action = action
	c.record.Amount = amount
	c.recon.ActionTaken = action
	c.logger.Info().Str("action", string(action)).Str("amount", amount.String()).Msg("Step 3: Acting...")

	if action == types.ActionProcessWithdrawal {
		return o.submitPayout(ctx, c)
	}

	var call types.ContractCall
	switch action {
	case types.ActionSupply:
		call, err = o.contracts.Supply(amount)
	case types.ActionWithdrawFromPosition:
		call, err = o.contracts.WithdrawFromPosition(amount)
	default:
		err = fmt.Errorf("unsupported action %q", action)
	}
	if err != nil {
		return o.faultErr(c, types.FaultSubmissionFailed, err)
	}

	pending, err := o.submitter.Submit(ctx, call)
	if err != nil {
		c.logger.Error().
			Err(err).
			Str("action", string(action)).
			Str("amount", amount.String()).
			Str("liquid", c.snapshot.Position.LiquidBalance.String()).
			Str("position", c.snapshot.Position.PositionBalance.String()).
			Msg("Action submission failed")
		return o.faultErr(c, submissionFault(err), err)
	}
	c.pending = pending
	c.record.TxHash = pending.Hash.Hex()
	return types.StateConfirming
}

func (o *Orchestrator) submitPayout(ctx context.Context, c *cycle) types.OrchestratorState {
	outcome := o.withdrawals.Submit(ctx, c.snapshot)
	if outcome.Request != nil {
		id := outcome.Request.RequestID
		c.record.RequestID = &id
	}
	switch outcome.Kind {
	case types.WithdrawalSubmitted:
		c.payout = &outcome
		c.pending = outcome.Pending
		c.record.TxHash = outcome.Pending.Hash.Hex()
		return types.StateConfirming
	case types.WithdrawalSkipped:
		c.logger.Info().Str("reason", outcome.Reason).Msg("Payout skipped")
		c.record.Outcome = types.OutcomeSkipped
		return types.StateIdle
	case types.WithdrawalInsufficientLiquidity:
		c.logger.Info().Str("reason", outcome.Reason).Msg("Payout blocked on liquidity")
		c.record.Outcome = types.OutcomeBlocked
		return types.StateIdle
	default:
		return o.faultErr(c, submissionFault(outcome.Err), outcome.Err)
	}
}

// checkAuthorized verifies the signer may send action. Withdrawing from the
// position calls the manager's owner-only emergencyWithdrawFromAAVE; every
// other action accepts the operator or the owner.
func (o *Orchestrator) checkAuthorized(ctx context.Context, c *cycle, action types.ActionType) (types.OrchestratorState, bool) {
	signer := o.submitter.From()
	owner, err := o.chain.ManagerOwner(ctx)
	if err != nil {
		return o.faultErr(c, types.FaultChainUnavailable, errors.Join(types.ErrChainUnavailable, err)), false
	}
	if owner == signer {
		return "", true
	}

	var reason error
	if action == types.ActionWithdrawFromPosition {
		reason = fmt.Errorf("%w: %s requires owner %s, signer is %s", types.ErrUnauthorized, action, owner.Hex(), signer.Hex())
	} else {
		operator, err := o.chain.ManagerOperator(ctx)
		if err != nil {
			return o.faultErr(c, types.FaultChainUnavailable, errors.Join(types.ErrChainUnavailable, err)), false
		}
		if operator == signer {
			return "", true
		}
		reason = fmt.Errorf("%w: signer %s is neither operator %s nor owner %s", types.ErrUnauthorized, signer.Hex(), operator.Hex(), owner.Hex())
	}

	o.mu.Lock()
	o.halted = true
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.SetHalted(true)
	}
	return o.faultErr(c, types.FaultUnauthorized, reason), false
}

// acquireWriteLock takes the cross-process write lock; finish releases it.
func (o *Orchestrator) acquireWriteLock(ctx context.Context) (func(), error) {
	if o.writeLock == nil {
		return nil, nil
	}
	return o.writeLock.TryAcquire(ctx)
}

// confirmStep waits for the submitted transaction. The wait is detached from
// ctx: once a transaction is out, only its outcome matters.
func (o *Orchestrator) confirmStep(ctx context.Context, c *cycle) types.OrchestratorState {
	c.logger.Info().Str("txHash", c.record.TxHash).Msg("Step 4: Awaiting confirmation...")
	waitCtx := context.WithoutCancel(ctx)

	var err error
	if c.payout != nil {
		outcome := o.withdrawals.Confirm(waitCtx, *c.payout)
		if outcome.Kind != types.WithdrawalPaid {
			err = outcome.Err
		}
	} else {
		_, err = o.submitter.WaitForConfirmation(waitCtx, c.pending, wallet.ConfirmOptionsFrom(o.params))
	}
	if err != nil {
		switch {
		case errors.Is(err, types.ErrTransactionReverted):
			return o.faultErr(c, types.FaultTransactionReverted, err)
		case errors.Is(err, types.ErrConfirmationTimeout):
			return o.faultErr(c, types.FaultConfirmationTimeout, err)
		default:
			return o.faultErr(c, types.FaultChainUnavailable, err)
		}
	}

	c.record.Outcome = types.OutcomeConfirmed
	o.capturePostState(waitCtx, c)
	return types.StateIdle
}

// capturePostState records balances after a confirmed action. Failures only log.
func (o *Orchestrator) capturePostState(ctx context.Context, c *cycle) {
	after, err := o.snapshots.Read(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read post-action snapshot")
		return
	}
	liquid := after.Position.LiquidBalance
	position := after.Position.PositionBalance
	c.record.PostLiquid = &liquid
	c.record.PostPosition = &position
	c.logger.Info().
		Str("liquid", liquid.String()).
		Str("position", position.String()).
		Uint64("pendingCount", after.Vault.PendingCount).
		Msg("Post-action state")
}

func (o *Orchestrator) cancel(c *cycle, reason string) types.OrchestratorState {
	c.logger.Info().Str("reason", reason).Msg("Cycle cancelled, no action taken")
	c.record.Outcome = types.OutcomeCancelled
	return types.StateIdle
}

func (o *Orchestrator) faultErr(c *cycle, kind types.FaultKind, err error) types.OrchestratorState {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	return o.fault(c, kind, reason)
}

func (o *Orchestrator) fault(c *cycle, kind types.FaultKind, reason string) types.OrchestratorState {
	c.logger.Error().Str("faultKind", string(kind)).Str("reason", reason).Msg("Cycle faulted")
	c.record.Outcome = types.OutcomeFaulted
	c.record.FaultKind = kind
	c.record.FaultReason = reason
	return types.StateFaulted
}

func (o *Orchestrator) finish(ctx context.Context, c *cycle, final types.OrchestratorState) {
	if c.release != nil {
		c.release()
		c.release = nil
	}
	c.record.FinalState = final
	c.record.FinishedAt = time.Now()

	if id, err := o.store.SaveCycleRecord(context.WithoutCancel(ctx), *c.record); err != nil {
		c.logger.Error().Err(err).Msg("Failed to save cycle record")
	} else {
		c.record.RecordID = id
	}

	o.mu.Lock()
	o.state = final
	o.lastCycle = c.record
	o.cyclesRun++
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.SetState(final)
		o.metrics.ObserveCycle(c.record)
	}

	c.logger.Info().
		Str("outcome", string(c.record.Outcome)).
		Str("finalState", string(final)).
		Str("cycleDuration", c.record.FinishedAt.Sub(c.record.StartedAt).String()).
		Msg("--- Treasury cycle finished ---")
}

func (o *Orchestrator) setState(state types.OrchestratorState) {
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.SetState(state)
	}
}

func (o *Orchestrator) isHalted() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.halted
}

func submissionFault(err error) types.FaultKind {
	if errors.Is(err, types.ErrChainUnavailable) {
		return types.FaultChainUnavailable
	}
	return types.FaultSubmissionFailed
}

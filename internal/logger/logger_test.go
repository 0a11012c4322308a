package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zerolog.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("verbose"))
}

func TestFileWriterWritesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "treasury.log")
	w := FileWriter(Options{FilePath: path})
	_, err := w.Write([]byte(`{"level":"info","message":"hello"}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestGetForComponentAddsField(t *testing.T) {
	InitializeWithOptions("info", Options{})
	l := GetForComponent("ledger")
	assert.NotNil(t, l)
}

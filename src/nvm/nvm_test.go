package nvm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead_DefaultsWhenNeverWritten(t *testing.T) {
	s := NewMemory()

	snap, err := s.Read(BlockSoc)
	require.NoError(t, err)
	assert.Equal(t, DefaultPercent, snap.AveragePercent[0])
	assert.Equal(t, DefaultPercent, snap.MaximumPercent[2])
	assert.Equal(t, 0.0, snap.ChargeThroughput[1])
}

func TestWrite_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bms.nvm")

	s, err := Open(path)
	require.NoError(t, err)

	snap := DefaultSnapshot()
	snap.AveragePercent[1] = 72.25
	snap.DischargeThroughput[1] = 13.5
	require.NoError(t, s.Write(BlockSoe, snap))

	// Simulated power cycle
	reopened, err := Open(path)
	require.NoError(t, err)

	got, err := reopened.Read(BlockSoe)
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	// Other blocks are unaffected
	soc, err := reopened.Read(BlockSoc)
	require.NoError(t, err)
	assert.Equal(t, DefaultSnapshot(), soc)
}

func TestWrite_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "bms.nvm"))
	require.NoError(t, err)

	require.NoError(t, s.Write(BlockSoc, DefaultSnapshot()))
	require.NoError(t, s.Write(BlockSoc, DefaultSnapshot()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOpen_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bms.nvm")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0x00, 0x13}, 0o600))

	_, err := Open(path)
	assert.Error(t, err)
}

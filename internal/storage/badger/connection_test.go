package badger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/portalguard/internal/common"
)

func TestResolvePath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	path, err := ResolvePath("~/portalguard/db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "portalguard", "db"), path)

	path, err = ResolvePath("  ")
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(DefaultPath), path)

	path, err = ResolvePath("./data/../store/")
	require.NoError(t, err)
	assert.Equal(t, "store", path)
}

func TestNewBadgerDB_ResetOnStartup(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	marker := filepath.Join(dir, "stale")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o600))

	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{Path: dir, ResetOnStartup: true})
	require.NoError(t, err)
	defer db.Close()

	assert.NoFileExists(t, marker)
	assert.Equal(t, dir, db.Path())
}

func TestNewBadgerDB_SecondOpenIsLocked(t *testing.T) {
	dir := t.TempDir()
	config := &common.BadgerConfig{Path: dir}

	first, err := NewBadgerDB(arbor.NewLogger(), config)
	require.NoError(t, err)

	_, err = NewBadgerDB(arbor.NewLogger(), config)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.Close())
	require.NoError(t, first.Close(), "second close is a no-op")

	again, err := NewBadgerDB(arbor.NewLogger(), config)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

package state

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablefs/internal/table"
)

func setupTestManager(t *testing.T, opts Options) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	statePath := filepath.Join(dir, "file.tablefs")

	manager, err := NewManager(statePath, opts)
	require.NoError(t, err)
	return manager, dir
}

func TestLoadMissingImage(t *testing.T) {
	manager, _ := setupTestManager(t, Options{})

	tbl, err := manager.Load()
	require.NoError(t, err)
	require.NotNil(t, tbl)
	assert.Equal(t, 1, tbl.Len())
	assert.NotEqual(t, uuid.Nil, manager.VolumeID())

	_, statErr := os.Stat(manager.Path())
	assert.True(t, os.IsNotExist(statErr), "loading must not create the image")
}

func TestLoadEmptyImage(t *testing.T) {
	manager, _ := setupTestManager(t, Options{})
	require.NoError(t, os.WriteFile(manager.Path(), nil, 0600))

	tbl, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Len())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	opts := Options{Compression: CompressionZstd, Table: table.Options{Capacity: 16}}
	manager, dir := setupTestManager(t, opts)

	tbl, err := manager.Load()
	require.NoError(t, err)
	volume := manager.VolumeID()

	_, err = tbl.Allocate("/a", table.KindDirectory, 0o755, 1, 1)
	require.NoError(t, err)
	slot, err := tbl.Allocate("/a/b.txt", table.KindFile, 0o644, 1, 1)
	require.NoError(t, err)
	_, err = tbl.Write(slot, 0, []byte("hello"))
	require.NoError(t, err)

	require.NoError(t, manager.Save(tbl))

	info, err := os.Stat(manager.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// a second manager on the same path sees the saved table
	reopened, err := NewManager(filepath.Join(dir, "file.tablefs"), opts)
	require.NoError(t, err)
	loaded, err := reopened.Load()
	require.NoError(t, err)

	assert.Equal(t, tbl.Snapshot(), loaded.Snapshot())
	assert.Equal(t, volume, reopened.VolumeID())

	slot, ok := loaded.Find("/a/b.txt")
	require.True(t, ok)
	e := loaded.Entry(slot)
	assert.Equal(t, 5, e.Size())
}

func TestLoadKeepsWiderImage(t *testing.T) {
	wide, dir := setupTestManager(t, Options{Table: table.Options{Capacity: 200, MaxContent: 4096}})
	tbl, err := wide.Load()
	require.NoError(t, err)

	var last int
	for i := range 150 {
		last, err = tbl.Allocate(fmt.Sprintf("/f%03d", i), table.KindFile, 0o644, 1, 1)
		require.NoError(t, err)
	}
	_, err = tbl.Write(last, 0, bytes.Repeat([]byte("x"), 3000))
	require.NoError(t, err)
	require.NoError(t, wide.Save(tbl))

	// reopened with narrower configured bounds
	narrow, err := NewManager(filepath.Join(dir, "file.tablefs"), Options{Table: table.Options{Capacity: 16}})
	require.NoError(t, err)
	loaded, err := narrow.Load()
	require.NoError(t, err)

	assert.Equal(t, 200, loaded.Capacity())
	assert.Equal(t, tbl.Snapshot(), loaded.Snapshot())
	assert.Equal(t, wide.VolumeID(), narrow.VolumeID())

	require.NoError(t, narrow.Save(loaded))
	again, err := narrow.Load()
	require.NoError(t, err)
	assert.Equal(t, 151, again.Len())
}

func TestLoadRecoversFromBackup(t *testing.T) {
	manager, _ := setupTestManager(t, Options{Table: table.Options{Capacity: 8}})

	tbl, err := manager.Load()
	require.NoError(t, err)
	_, err = tbl.Allocate("/first", table.KindFile, 0o644, 0, 0)
	require.NoError(t, err)
	require.NoError(t, manager.Save(tbl))

	_, err = tbl.Allocate("/second", table.KindFile, 0o644, 0, 0)
	require.NoError(t, err)
	require.NoError(t, manager.Save(tbl))

	// damage the current image; the backup holds the first save
	require.NoError(t, os.WriteFile(manager.Path(), []byte("garbage that is not an image at all, really not"), 0600))

	loaded, err := manager.Load()
	require.Error(t, err)
	require.NotNil(t, loaded)

	_, ok := loaded.Find("/first")
	assert.True(t, ok)
	_, ok = loaded.Find("/second")
	assert.False(t, ok)
}

func TestLoadCorruptWithoutBackups(t *testing.T) {
	manager, _ := setupTestManager(t, Options{BackupCount: -1})
	require.NoError(t, os.WriteFile(manager.Path(), []byte("TBLFS\x00 truncated"), 0600))

	tbl, err := manager.Load()
	assert.ErrorIs(t, err, ErrShortImage)
	require.NotNil(t, tbl)
	assert.Equal(t, 1, tbl.Len(), "a fresh table replaces an unreadable image")
}

func TestBackupRotation(t *testing.T) {
	manager, dir := setupTestManager(t, Options{BackupCount: 2})

	tbl, err := manager.Load()
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := tbl.Allocate(table.JoinPath(table.Root, string(rune('a'+i))), table.KindFile, 0o644, 0, 0)
		require.NoError(t, err)
		require.NoError(t, manager.Save(tbl))
	}

	entries, err := os.ReadDir(filepath.Join(dir, backupDirName))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSaveFailureLeavesTableUsable(t *testing.T) {
	manager, dir := setupTestManager(t, Options{BackupCount: -1})
	tbl, err := manager.Load()
	require.NoError(t, err)

	// a directory in place of the image makes the rename fail
	require.NoError(t, os.Mkdir(manager.Path(), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(manager.Path(), "keep"), []byte("x"), 0600))

	assert.Error(t, manager.Save(tbl))
	assert.Equal(t, 1, tbl.Len())

	leftovers, err := filepath.Glob(filepath.Join(dir, ".tablefs-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "temporary images must be cleaned up")
}

package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"tablefs/internal/logging"
	"tablefs/internal/table"
)

var (
	logger = logging.GetLogger().WithPrefix("state")
)

const (
	// DefaultBackupCount is the number of previous images kept
	DefaultBackupCount = 5

	backupDirName = ".tablefs-backups"
	backupExt     = ".tablefs"
)

// Options configures a Manager.
type Options struct {
	// BackupCount is the number of previous images kept. Negative
	// disables backups; zero selects DefaultBackupCount.
	BackupCount int

	// Compression applied to saved images.
	Compression Compression

	// Table configures tables created or restored by Load.
	Table table.Options
}

// Manager handles loading and saving table images at a single backing
// storage path.
type Manager struct {
	statePath   string
	backupDir   string
	backupCount int
	compression Compression
	tableOpts   table.Options
	volumeID    uuid.UUID
	mu          sync.Mutex
}

// NewManager creates a new state manager for the given image path.
// It ensures the image and backup directories exist.
func NewManager(statePath string, opts Options) (*Manager, error) {
	logger.Debug("Creating new state manager with path: %s", statePath)

	absPath, err := filepath.Abs(statePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state path %s: %w", statePath, err)
	}
	logger.Debug("Resolved state path: %s", absPath)

	// Create parent directory if it doesn't exist
	stateDir := filepath.Dir(absPath)
	if mkdirErr := os.MkdirAll(stateDir, 0755); mkdirErr != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, mkdirErr)
	}

	backupCount := opts.BackupCount
	if backupCount == 0 {
		backupCount = DefaultBackupCount
	}

	backupDir := filepath.Join(stateDir, backupDirName)
	if backupCount > 0 {
		logger.Debug("Creating backup directory: %s", backupDir)
		if backupDirErr := os.MkdirAll(backupDir, 0755); backupDirErr != nil {
			return nil, fmt.Errorf("failed to create backup directory %s: %w", backupDir, backupDirErr)
		}
	}

	logger.Info("State manager initialization complete")
	return &Manager{
		statePath:   absPath,
		backupDir:   backupDir,
		backupCount: backupCount,
		compression: opts.Compression,
		tableOpts:   opts.Table,
	}, nil
}

// Path returns the absolute image path.
func (sm *Manager) Path() string {
	return sm.statePath
}

// VolumeID returns the identity of the currently loaded volume.
func (sm *Manager) VolumeID() uuid.UUID {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.volumeID
}

// Load reads the table image from disk. It always returns a usable
// table: a missing or empty image yields a fresh table and a nil error;
// an unreadable or corrupt image yields the newest valid backup, or a
// fresh table when none decodes, together with the error that forced
// the fallback.
func (sm *Manager) Load() (*table.Table, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	logger.Debug("Loading table image from: %s", sm.statePath)

	info, err := os.Stat(sm.statePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return sm.fallback(fmt.Errorf("failed to check image %s: %w", sm.statePath, err))
	}
	if err != nil || info.Size() == 0 {
		logger.Info("No table image at %s, initializing fresh table", sm.statePath)
		return sm.fresh(), nil
	}

	data, err := os.ReadFile(sm.statePath)
	if err != nil {
		return sm.fallback(fmt.Errorf("failed to read image %s: %w", sm.statePath, err))
	}

	tbl, meta, err := Decode(data, sm.tableOpts)
	if err != nil {
		return sm.fallback(fmt.Errorf("failed to decode image %s: %w", sm.statePath, err))
	}

	sm.adopt(meta)
	logger.Info("Loaded table image (%s, %d entries, volume %s)",
		humanize.Bytes(uint64(len(data))), tbl.Len(), sm.volumeID)
	return tbl, nil
}

// fallback falls back to the newest decodable backup, then to a fresh
// table. cause is returned so the caller can report it.
func (sm *Manager) fallback(cause error) (*table.Table, error) {
	logger.Warn("%v", cause)

	for _, b := range sm.listBackups() {
		data, err := os.ReadFile(b.path)
		if err != nil {
			logger.Debug("Skipping unreadable backup %s: %v", b.path, err)
			continue
		}
		tbl, meta, err := Decode(data, sm.tableOpts)
		if err != nil {
			logger.Debug("Skipping invalid backup %s: %v", b.path, err)
			continue
		}
		sm.adopt(meta)
		logger.Warn("Recovered table from backup %s", b.path)
		return tbl, cause
	}

	logger.Warn("No usable backup, initializing fresh table")
	return sm.fresh(), cause
}

func (sm *Manager) fresh() *table.Table {
	sm.volumeID = uuid.New()
	return table.New(sm.tableOpts)
}

func (sm *Manager) adopt(meta Meta) {
	sm.volumeID = meta.VolumeID
	if sm.volumeID == uuid.Nil {
		sm.volumeID = uuid.New()
	}
}

// Save writes the table image to disk, replacing the previous image
// atomically. The previous image is kept as a backup first.
func (sm *Manager) Save(tbl *table.Table) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	logger.Debug("Saving table image to: %s", sm.statePath)

	if sm.volumeID == uuid.Nil {
		sm.volumeID = uuid.New()
	}
	data, err := Encode(tbl, Meta{VolumeID: sm.volumeID, SavedAt: time.Now()}, sm.compression)
	if err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}

	// Create backup before saving
	if sm.backupCount > 0 {
		if backupErr := sm.createBackup(); backupErr != nil {
			logger.Warn("Failed to create backup: %v", backupErr)
			// Continue with save even if backup fails
		}
	}

	if err := sm.writeAtomic(data); err != nil {
		return err
	}

	// Verify the write
	info, verifyErr := os.Stat(sm.statePath)
	if verifyErr != nil {
		return fmt.Errorf("failed to verify written image: %w", verifyErr)
	}
	if info.Size() != int64(len(data)) {
		return fmt.Errorf("image is %d bytes after write, expected %d", info.Size(), len(data))
	}

	logger.Debug("Table image saved (%s, %d entries)", humanize.Bytes(uint64(len(data))), tbl.Len())
	return nil
}

func (sm *Manager) writeAtomic(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(sm.statePath), ".tablefs-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary image: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write image: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close image: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set image permissions: %w", err)
	}
	if err := os.Rename(tmpPath, sm.statePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace image: %w", err)
	}
	return nil
}

// createBackup creates a timestamped backup of the current image
func (sm *Manager) createBackup() error {
	// Skip if image doesn't exist yet
	info, err := os.Stat(sm.statePath)
	if errors.Is(err, os.ErrNotExist) || (err == nil && info.Size() == 0) {
		return nil
	}

	data, err := os.ReadFile(sm.statePath)
	if err != nil {
		return err
	}

	timestamp := time.Now().Format("20060102-150405.000000")
	backupPath := filepath.Join(sm.backupDir, fmt.Sprintf("state-%s%s", timestamp, backupExt))

	logger.Debug("Creating backup: %s", backupPath)
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}

	return sm.cleanupOldBackups()
}

type backup struct {
	path    string
	modTime time.Time
}

// listBackups returns backups newest first
func (sm *Manager) listBackups() []backup {
	entries, err := os.ReadDir(sm.backupDir)
	if err != nil {
		return nil
	}

	backups := make([]backup, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != backupExt {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backup{
			path:    filepath.Join(sm.backupDir, entry.Name()),
			modTime: info.ModTime(),
		})
	}

	// Sort by modification time, newest first; names break ties since
	// they embed the creation time
	sort.Slice(backups, func(i, j int) bool {
		if backups[i].modTime.Equal(backups[j].modTime) {
			return backups[i].path > backups[j].path
		}
		return backups[i].modTime.After(backups[j].modTime)
	})
	return backups
}

// cleanupOldBackups removes old backup files, keeping only the most recent ones
func (sm *Manager) cleanupOldBackups() error {
	backups := sm.listBackups()

	// Remove old backups
	for i := sm.backupCount; i < len(backups); i++ {
		logger.Debug("Removing old backup: %s", backups[i].path)
		if err := os.Remove(backups[i].path); err != nil {
			return fmt.Errorf("failed to remove old backup %s: %w", backups[i].path, err)
		}
	}

	return nil
}

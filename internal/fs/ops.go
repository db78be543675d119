package fs

import (
	"sync"
	"time"

	"tablefs/internal/logging"
	"tablefs/internal/table"
)

var (
	opsLogger = logging.GetLogger().WithPrefix("ops")
)

// RemovePolicy selects what RemoveDirectory frees besides the directory.
type RemovePolicy int

const (
	// RemovePolicyDirect frees the directory and its direct children.
	// Deeper entries stay occupied and reappear if their parent path is
	// created again.
	RemovePolicyDirect RemovePolicy = iota

	// RemovePolicyRecursive frees the whole subtree.
	RemovePolicyRecursive
)

// String returns the policy name.
func (p RemovePolicy) String() string {
	if p == RemovePolicyRecursive {
		return "recursive"
	}
	return "direct"
}

// Storage loads and saves table images. *state.Manager implements it.
type Storage interface {
	// Load always returns a usable table; a non-nil error reports a
	// storage failure that was recovered from.
	Load() (*table.Table, error)
	Save(tbl *table.Table) error
}

// Caller identifies the principal creating an entry.
type Caller struct {
	UID uint32
	GID uint32
}

// Attributes describes one entry.
type Attributes struct {
	Kind       table.Kind
	Mode       uint32 // type bits + permission bits
	UID        uint32
	GID        uint32
	AccessedAt time.Time
	ModifiedAt time.Time
	Size       int64
	Nlink      uint32
}

// DirEntry is one name in a directory listing.
type DirEntry struct {
	Name string
	Kind table.Kind
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// Table configures the table used before MountInit and when no
	// storage is attached.
	Table table.Options

	RemovePolicy RemovePolicy
}

// Dispatcher runs filesystem operations against a table. Every
// operation holds one lock for its whole duration, persistence
// included, so operations are serialized.
type Dispatcher struct {
	mu      sync.Mutex
	table   *table.Table
	storage Storage
	policy  RemovePolicy
	mounted bool
}

// NewDispatcher creates a dispatcher over a fresh table. storage may be
// nil, in which case persistence operations are no-ops.
func NewDispatcher(storage Storage, opts DispatcherOptions) *Dispatcher {
	opsLogger.Debug("Creating dispatcher (remove policy %s)", opts.RemovePolicy)
	return &Dispatcher{
		table:   table.New(opts.Table),
		storage: storage,
		policy:  opts.RemovePolicy,
	}
}

// resolve validates path and returns the slot of its entry.
func (d *Dispatcher) resolve(op, path string) (int, error) {
	if err := table.ValidatePath(path, d.table.Options().MaxPath); err != nil {
		return -1, NewFSError(op, path, err)
	}
	slot, ok := d.table.Find(path)
	if !ok {
		return -1, NewFSError(op, path, table.ErrNotFound)
	}
	return slot, nil
}

// GetAttributes returns the attributes of the entry at path.
func (d *Dispatcher) GetAttributes(path string) (Attributes, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	opsLogger.Trace("getattr %q", path)
	slot, err := d.resolve(OpGetattr, path)
	if err != nil {
		return Attributes{}, err
	}

	e := d.table.Entry(slot)
	attrs := Attributes{
		Kind:       e.Kind,
		Mode:       e.Mode,
		UID:        e.UID,
		GID:        e.GID,
		AccessedAt: time.Unix(e.AccessedAt, 0),
		ModifiedAt: time.Unix(e.ModifiedAt, 0),
		Nlink:      1,
	}
	if e.IsDir() {
		attrs.Nlink = 2
	} else {
		attrs.Size = int64(e.Size())
	}
	return attrs, nil
}

// ListDirectory returns "." and ".." followed by the direct children of
// the directory at path.
func (d *Dispatcher) ListDirectory(path string) ([]DirEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	opsLogger.Trace("readdir %q", path)
	slot, err := d.resolve(OpReadDir, path)
	if err != nil {
		return nil, err
	}
	if e := d.table.Entry(slot); !e.IsDir() {
		return nil, NewFSError(OpReadDir, path, table.ErrNotDirectory)
	}

	names := d.table.List(path)
	entries := make([]DirEntry, 0, len(names))
	for _, name := range names {
		entry := DirEntry{Name: name, Kind: table.KindDirectory}
		if name != "." && name != ".." {
			child, _ := d.table.Find(table.JoinPath(path, name))
			entry.Kind = d.table.Entry(child).Kind
		}
		entries = append(entries, entry)
	}
	opsLogger.Debug("Directory %q contains %d entries", path, len(entries))
	return entries, nil
}

// Read returns up to length bytes of the file at path from offset.
// Reading at or past the end of the file returns no bytes.
func (d *Dispatcher) Read(path string, offset int64, length int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	opsLogger.Trace("read %q offset=%d length=%d", path, offset, length)
	slot, err := d.resolve(OpRead, path)
	if err != nil {
		return nil, err
	}
	data, err := d.table.Read(slot, offset, length)
	if err != nil {
		return nil, NewFSError(OpRead, path, err)
	}
	return data, nil
}

// Write stores data in the file at path at offset and returns the
// number of bytes written.
func (d *Dispatcher) Write(path string, offset int64, data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	opsLogger.Trace("write %q offset=%d length=%d", path, offset, len(data))
	slot, err := d.resolve(OpWrite, path)
	if err != nil {
		return 0, err
	}
	n, err := d.table.Write(slot, offset, data)
	if err != nil {
		return 0, NewFSError(OpWrite, path, err)
	}
	return n, nil
}

// CreateFile creates an empty file at path owned by caller.
func (d *Dispatcher) CreateFile(path string, mode uint32, caller Caller) error {
	return d.create(OpCreate, path, table.KindFile, mode, caller)
}

// CreateDirectory creates an empty directory at path owned by caller.
func (d *Dispatcher) CreateDirectory(path string, mode uint32, caller Caller) error {
	return d.create(OpMkdir, path, table.KindDirectory, mode, caller)
}

func (d *Dispatcher) create(op, path string, kind table.Kind, mode uint32, caller Caller) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	opsLogger.Debug("%s %q mode=%#o uid=%d gid=%d", op, path, mode, caller.UID, caller.GID)
	if err := table.ValidatePath(path, d.table.Options().MaxPath); err != nil {
		return NewFSError(op, path, err)
	}
	if _, exists := d.table.Find(path); exists {
		return NewFSError(op, path, table.ErrExists)
	}

	parent, ok := d.table.Find(table.ParentPath(path))
	if !ok {
		return NewFSError(op, path, table.ErrNotFound)
	}
	if e := d.table.Entry(parent); !e.IsDir() {
		return NewFSError(op, path, table.ErrNotDirectory)
	}

	slot, err := d.table.Allocate(path, kind, mode, caller.UID, caller.GID)
	if err != nil {
		opsLogger.Warn("Cannot create %q: %v", path, err)
		return NewFSError(op, path, err)
	}
	opsLogger.Debug("Created %s %q in slot %d", kind, path, slot)
	return nil
}

// RemoveFile frees the file at path.
func (d *Dispatcher) RemoveFile(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	opsLogger.Debug("unlink %q", path)
	slot, err := d.resolve(OpUnlink, path)
	if err != nil {
		return err
	}
	if e := d.table.Entry(slot); e.IsDir() {
		return NewFSError(OpUnlink, path, table.ErrIsDirectory)
	}
	d.table.Free(slot)
	return nil
}

// RemoveDirectory frees the directory at path together with the entries
// selected by the remove policy. Directories need not be empty.
func (d *Dispatcher) RemoveDirectory(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	opsLogger.Debug("rmdir %q (%s)", path, d.policy)
	slot, err := d.resolve(OpRmdir, path)
	if err != nil {
		return err
	}
	if path == table.Root {
		return NewFSError(OpRmdir, path, table.ErrBusy)
	}
	if e := d.table.Entry(slot); !e.IsDir() {
		return NewFSError(OpRmdir, path, table.ErrNotDirectory)
	}

	var victims []int
	switch d.policy {
	case RemovePolicyRecursive:
		victims = d.subtree(path)
	default:
		victims = d.table.Children(path)
	}
	for _, child := range victims {
		d.table.Free(child)
	}
	d.table.Free(slot)
	opsLogger.Debug("Removed %q and %d entries below it", path, len(victims))
	return nil
}

// subtree returns every slot below dir, deepest first.
func (d *Dispatcher) subtree(dir string) []int {
	var slots []int
	for _, child := range d.table.Children(dir) {
		if e := d.table.Entry(child); e.IsDir() {
			slots = append(slots, d.subtree(e.Path)...)
		}
		slots = append(slots, child)
	}
	return slots
}

// Truncate shortens the file at path to size bytes. Larger sizes leave
// the file unchanged.
func (d *Dispatcher) Truncate(path string, size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	opsLogger.Debug("truncate %q size=%d", path, size)
	slot, err := d.resolve(OpTrunc, path)
	if err != nil {
		return err
	}
	if err := d.table.Truncate(slot, size); err != nil {
		return NewFSError(OpTrunc, path, err)
	}
	return nil
}

// UpdateTimestamps sets the access and modification times of the entry
// at path. Sub-second precision is dropped.
func (d *Dispatcher) UpdateTimestamps(path string, accessedAt, modifiedAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	opsLogger.Debug("utimens %q atime=%v mtime=%v", path, accessedAt, modifiedAt)
	slot, err := d.resolve(OpUtimens, path)
	if err != nil {
		return err
	}
	if err := d.table.Touch(slot, accessedAt.Unix(), modifiedAt.Unix()); err != nil {
		return NewFSError(OpUtimens, path, err)
	}
	return nil
}

// Chmod replaces the permission bits of the entry at path.
func (d *Dispatcher) Chmod(path string, mode uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	opsLogger.Debug("chmod %q mode=%#o", path, mode)
	slot, err := d.resolve(OpChmod, path)
	if err != nil {
		return err
	}
	if err := d.table.Chmod(slot, mode); err != nil {
		return NewFSError(OpChmod, path, err)
	}
	return nil
}

// Stats returns the table's slot usage.
func (d *Dispatcher) Stats() table.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.table.Stats()
}

// Flush writes the table to storage. A failure leaves the in-memory
// table untouched and is returned for reporting only.
func (d *Dispatcher) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.save(OpFlush)
}

// MountInit replaces the table with the one held by storage. Storage
// always yields a usable table; a returned error reports the failure
// it recovered from.
func (d *Dispatcher) MountInit() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.mounted = true
	if d.storage == nil {
		return nil
	}

	tbl, err := d.storage.Load()
	if tbl != nil {
		d.table = tbl
	}
	if err != nil {
		opsLogger.Warn("Storage read failed, continuing with recovered table: %v", err)
		return NewFSError(OpInit, "", err)
	}
	stats := d.table.Stats()
	opsLogger.Info("Table ready: %d of %d slots used", stats.Used, stats.Capacity)
	return nil
}

// UnmountCleanup writes the table to storage once per mount. Later calls
// are no-ops until the next MountInit.
func (d *Dispatcher) UnmountCleanup() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.mounted {
		opsLogger.Debug("Not mounted, nothing to persist")
		return nil
	}
	d.mounted = false
	return d.save(OpDestroy)
}

func (d *Dispatcher) save(op string) error {
	if d.storage == nil {
		return nil
	}
	if err := d.storage.Save(d.table); err != nil {
		opsLogger.Error("Storage write failed, table kept in memory: %v", err)
		return NewFSError(op, "", err)
	}
	return nil
}

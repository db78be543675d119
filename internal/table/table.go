// Package table implements the fixed-capacity entry table behind tablefs:
// slot allocation, path lookup, hierarchy resolution and bounded content
// buffers.
//
// A Table is not safe for concurrent use. The dispatcher in internal/fs
// serializes every access with a single lock.
package table

import (
	"fmt"
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// DefaultCapacity is the number of slots in a table
	DefaultCapacity = 100
	// DefaultMaxContent is the per-file content bound in bytes
	DefaultMaxContent = 1024
	// DefaultMaxPath is the longest accepted absolute path
	DefaultMaxPath = 100
	// RootMode is the mode of a freshly initialized root directory
	RootMode = unix.S_IFDIR | 0o755
)

// Options configures a table. Zero values select the defaults.
type Options struct {
	Capacity   int
	MaxContent int
	MaxPath    int

	// RootUID and RootGID own the root of a fresh table.
	RootUID uint32
	RootGID uint32

	// ZeroFillGaps clears the bytes between the logical end of a file
	// and the offset of a write that starts past it. When false the
	// previous buffer contents are left in place.
	ZeroFillGaps bool

	// Clock supplies timestamps. Defaults to time.Now.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.MaxContent <= 0 {
		o.MaxContent = DefaultMaxContent
	}
	if o.MaxPath <= 0 {
		o.MaxPath = DefaultMaxPath
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Table is a fixed-capacity collection of entry slots.
type Table struct {
	opts    Options
	entries []Entry

	// free is a stack of unoccupied slots; the next allocation pops
	// from the end.
	free []int

	// index maps occupied paths to their slot.
	index map[string]int

	// children maps a parent path to the slots whose ParentPath equals
	// it. Keys may outlive the directory they name.
	children map[string]map[int]struct{}
}

// New returns a freshly initialized table holding only the root
// directory in slot 0.
func New(opts Options) *Table {
	t := newEmpty(opts)
	now := t.opts.Clock().Unix()
	t.entries[0] = Entry{
		Occupied:   true,
		Kind:       KindDirectory,
		Mode:       RootMode,
		UID:        t.opts.RootUID,
		GID:        t.opts.RootGID,
		AccessedAt: now,
		ModifiedAt: now,
		Path:       Root,
		ParentPath: "",
	}
	t.index[Root] = 0
	t.rebuildFreeList()
	return t
}

func newEmpty(opts Options) *Table {
	opts = opts.withDefaults()
	return &Table{
		opts:     opts,
		entries:  make([]Entry, opts.Capacity),
		index:    make(map[string]int),
		children: make(map[string]map[int]struct{}),
	}
}

// rebuildFreeList pushes free slots in descending order so the lowest
// free slot is handed out first.
func (t *Table) rebuildFreeList() {
	t.free = t.free[:0]
	for i := len(t.entries) - 1; i >= 0; i-- {
		if !t.entries[i].Occupied {
			t.free = append(t.free, i)
		}
	}
}

// Options returns the effective options of the table.
func (t *Table) Options() Options {
	return t.opts
}

// Capacity returns the number of slots.
func (t *Table) Capacity() int {
	return len(t.entries)
}

// Len returns the number of occupied slots.
func (t *Table) Len() int {
	return len(t.index)
}

// Now returns the table clock's current unix time in seconds.
func (t *Table) Now() int64 {
	return t.opts.Clock().Unix()
}

// Find returns the slot of the occupied entry with the given path.
func (t *Table) Find(path string) (int, bool) {
	slot, ok := t.index[path]
	return slot, ok
}

// Entry returns a copy of the entry in slot. The copy shares the
// content buffer and must not outlive the caller's lock.
func (t *Table) Entry(slot int) Entry {
	return t.entries[slot]
}

// entry returns the occupied entry in slot or ErrNotFound.
func (t *Table) entry(slot int) (*Entry, error) {
	if slot < 0 || slot >= len(t.entries) || !t.entries[slot].Occupied {
		return nil, ErrNotFound
	}
	return &t.entries[slot], nil
}

// Allocate populates the first free slot with a new entry and returns
// its index. The caller must have checked that path is unused.
func (t *Table) Allocate(path string, kind Kind, mode, uid, gid uint32) (int, error) {
	if len(t.free) == 0 {
		return -1, ErrNoSpace
	}
	slot := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	now := t.opts.Clock().Unix()
	e := &t.entries[slot]
	buf := e.content
	*e = Entry{
		Occupied:   true,
		Kind:       kind,
		Mode:       (mode &^ unix.S_IFMT) | kind.typeBits(),
		UID:        uid,
		GID:        gid,
		AccessedAt: now,
		ModifiedAt: now,
		Path:       path,
		ParentPath: ParentPath(path),
	}
	if kind == KindFile {
		if len(buf) != t.opts.MaxContent+1 {
			buf = make([]byte, t.opts.MaxContent+1)
		} else {
			clear(buf)
		}
		e.content = buf
	}

	t.index[path] = slot
	t.linkChild(e.ParentPath, slot)
	return slot, nil
}

// Free releases slot. The root entry is never freed; Free reports
// whether the slot was released.
func (t *Table) Free(slot int) bool {
	e, err := t.entry(slot)
	if err != nil || e.Path == Root {
		return false
	}
	e.Occupied = false
	delete(t.index, e.Path)
	t.unlinkChild(e.ParentPath, slot)
	t.free = append(t.free, slot)
	return true
}

func (t *Table) linkChild(parent string, slot int) {
	set, ok := t.children[parent]
	if !ok {
		set = make(map[int]struct{})
		t.children[parent] = set
	}
	set[slot] = struct{}{}
}

func (t *Table) unlinkChild(parent string, slot int) {
	set, ok := t.children[parent]
	if !ok {
		return
	}
	delete(set, slot)
	if len(set) == 0 {
		delete(t.children, parent)
	}
}

// Each calls fn for every occupied slot in slot order.
func (t *Table) Each(fn func(slot int, e Entry)) {
	for i := range t.entries {
		if t.entries[i].Occupied {
			fn(i, t.entries[i])
		}
	}
}

// Children returns the slots of the direct children of dir in slot order.
func (t *Table) Children(dir string) []int {
	set := t.children[dir]
	slots := make([]int, 0, len(set))
	for slot := range set {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	return slots
}

// Stats summarizes slot usage.
type Stats struct {
	Capacity   int
	Used       int
	Free       int
	MaxContent int
}

// Stats returns the current slot usage.
func (t *Table) Stats() Stats {
	return Stats{
		Capacity:   len(t.entries),
		Used:       len(t.index),
		Free:       len(t.free),
		MaxContent: t.opts.MaxContent,
	}
}

// Snapshot is the persisted form of one occupied slot.
type Snapshot struct {
	Slot       int
	Kind       Kind
	Mode       uint32
	UID        uint32
	GID        uint32
	AccessedAt int64
	ModifiedAt int64
	Path       string
	ParentPath string
	Content    []byte
}

// Snapshot returns every occupied slot in slot order. File content is
// the raw buffer up to its last non-zero byte, so bytes hidden past the
// terminator survive a round trip.
func (t *Table) Snapshot() []Snapshot {
	out := make([]Snapshot, 0, len(t.index))
	t.Each(func(slot int, e Entry) {
		s := Snapshot{
			Slot:       slot,
			Kind:       e.Kind,
			Mode:       e.Mode,
			UID:        e.UID,
			GID:        e.GID,
			AccessedAt: e.AccessedAt,
			ModifiedAt: e.ModifiedAt,
			Path:       e.Path,
			ParentPath: e.ParentPath,
		}
		if e.Kind == KindFile {
			s.Content = e.rawContent()
		}
		out = append(out, s)
	})
	return out
}

// Restore builds a table from snapshots. Every table invariant is checked
// except parent existence, which a direct-children rmdir may legitimately
// break; any violation rejects the whole set.
func Restore(opts Options, snapshots []Snapshot) (*Table, error) {
	t := newEmpty(opts)
	for _, s := range snapshots {
		if s.Slot < 0 || s.Slot >= len(t.entries) {
			return nil, fmt.Errorf("slot %d outside capacity %d", s.Slot, len(t.entries))
		}
		if t.entries[s.Slot].Occupied {
			return nil, fmt.Errorf("slot %d restored twice", s.Slot)
		}
		if s.Kind != KindFile && s.Kind != KindDirectory {
			return nil, fmt.Errorf("slot %d: unknown kind %d", s.Slot, s.Kind)
		}
		if err := ValidatePath(s.Path, t.opts.MaxPath); err != nil {
			return nil, fmt.Errorf("slot %d: %q: %w", s.Slot, s.Path, err)
		}
		if _, dup := t.index[s.Path]; dup {
			return nil, fmt.Errorf("slot %d: duplicate path %q", s.Slot, s.Path)
		}
		if s.ParentPath != ParentPath(s.Path) {
			return nil, fmt.Errorf("slot %d: parent %q does not match path %q", s.Slot, s.ParentPath, s.Path)
		}
		if len(s.Content) > t.opts.MaxContent {
			return nil, fmt.Errorf("slot %d: content of %d bytes exceeds %d", s.Slot, len(s.Content), t.opts.MaxContent)
		}
		if s.Path == Root && s.Kind != KindDirectory {
			return nil, fmt.Errorf("slot %d: root is not a directory", s.Slot)
		}

		e := Entry{
			Occupied:   true,
			Kind:       s.Kind,
			Mode:       s.Mode,
			UID:        s.UID,
			GID:        s.GID,
			AccessedAt: s.AccessedAt,
			ModifiedAt: s.ModifiedAt,
			Path:       s.Path,
			ParentPath: s.ParentPath,
		}
		if s.Kind == KindFile {
			e.content = make([]byte, t.opts.MaxContent+1)
			copy(e.content, s.Content)
		}
		t.entries[s.Slot] = e
		t.index[s.Path] = s.Slot
		if s.Path != Root {
			t.linkChild(s.ParentPath, s.Slot)
		}
	}
	if _, ok := t.index[Root]; !ok {
		return nil, fmt.Errorf("no root directory")
	}
	t.rebuildFreeList()
	return t, nil
}

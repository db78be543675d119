package fs

import (
	"context"
	"fmt"
	"os"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"tablefs/internal/logging"
	"tablefs/internal/table"
)

var (
	vfsLogger = logging.GetLogger().WithPrefix("vfs")
)

// MountOptions configures how the filesystem is mounted.
type MountOptions struct {
	// AllowOther lets users other than the mounting user access files.
	AllowOther bool
}

// TableFS exposes a Dispatcher to the kernel through FUSE.
type TableFS struct {
	ops    *Dispatcher
	conn   *fuse.Conn
	served chan error // receives the result of Serve once it stops
}

// NewTableFS creates a filesystem serving ops.
func NewTableFS(ops *Dispatcher) *TableFS {
	vfsLogger.Debug("Creating table filesystem")
	return &TableFS{ops: ops}
}

// Dispatcher returns the operation dispatcher behind the filesystem.
func (tfs *TableFS) Dispatcher() *Dispatcher {
	return tfs.ops
}

// Root implements the fusefs.FS interface, returning the root directory node.
func (tfs *TableFS) Root() (fusefs.Node, error) {
	vfsLogger.Trace("Getting root directory node")
	return &Dir{fs: tfs, path: table.Root}, nil
}

// Destroy implements the fusefs.FSDestroyer interface, persisting the
// table when the kernel tears the connection down.
func (tfs *TableFS) Destroy() {
	vfsLogger.Info("Filesystem destroyed, persisting table")
	if err := tfs.ops.UnmountCleanup(); err != nil {
		vfsLogger.Error("Failed to persist table: %v", err)
	}
}

// Statfs implements the fusefs.FSStatfser interface. Each slot counts
// as one inode and MaxContent bytes of blocks.
func (tfs *TableFS) Statfs(_ context.Context, _ *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	stats := tfs.ops.Stats()
	perEntry := safeIntToUint64((stats.MaxContent + blockSize - 1) / blockSize)

	resp.Bsize = blockSize
	resp.Frsize = blockSize
	resp.Blocks = safeIntToUint64(stats.Capacity) * perEntry
	resp.Bfree = safeIntToUint64(stats.Free) * perEntry
	resp.Bavail = resp.Bfree
	resp.Files = safeIntToUint64(stats.Capacity)
	resp.Ffree = safeIntToUint64(stats.Free)
	resp.Namelen = 255
	vfsLogger.Trace("Statfs: %d of %d slots free", stats.Free, stats.Capacity)
	return nil
}

func waitForMount(mountpoint string) error {
	for i := 0; i < 30; i++ {
		info, err := os.Stat(mountpoint)
		if err == nil && info.IsDir() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("mount point not available after 3 seconds")
}

// Mount loads the table from storage, mounts the filesystem at
// mountPoint and starts serving it in the background.
func (tfs *TableFS) Mount(mountPoint string, opts MountOptions) error {
	vfsLogger.Info("Mounting table filesystem")
	vfsLogger.Debug("Mount point: %s", mountPoint)

	if err := tfs.ops.MountInit(); err != nil {
		// a usable table was still installed
		vfsLogger.Warn("Continuing after storage failure: %v", err)
	}

	mountOpts := []fuse.MountOption{
		fuse.FSName("tablefs"),
		fuse.Subtype("tablefs"),
		fuse.DefaultPermissions(),
		fuse.AsyncRead(),
		fuse.AllowNonEmptyMount(),
	}
	if opts.AllowOther {
		mountOpts = append(mountOpts, fuse.AllowOther())
	}

	vfsLogger.Debug("Mounting with %d options (allow other: %v)", len(mountOpts), opts.AllowOther)

	c, err := fuse.Mount(mountPoint, mountOpts...)
	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}
	tfs.conn = c
	tfs.served = make(chan error, 1)

	go func() {
		err := fusefs.Serve(c, tfs)
		if err != nil {
			vfsLogger.Error("FUSE server error: %v", err)
		}
		tfs.served <- err
	}()

	// Wait for mount to be ready
	if err := waitForMount(mountPoint); err != nil {
		c.Close()
		vfsLogger.Error("Mount point not ready: %v", err)
		return fmt.Errorf("mount point failed to initialize: %w", err)
	}

	vfsLogger.Info("Filesystem mounted successfully")
	return nil
}

// Wait blocks until the FUSE server stops, which happens once the
// filesystem is unmounted.
func (tfs *TableFS) Wait() error {
	if tfs.served == nil {
		return nil
	}
	return <-tfs.served
}

// Unmount cleanly unmounts the filesystem.
func (tfs *TableFS) Unmount(mountPoint string) error {
	vfsLogger.Info("Unmounting filesystem from: %s", mountPoint)
	if tfs.conn != nil {
		err := fuse.Unmount(mountPoint)
		if err != nil {
			vfsLogger.Error("Unmount failed: %v", err)
		} else {
			vfsLogger.Info("Unmount completed successfully")
		}
		return err
	}
	return nil
}

// Close persists the table and releases the FUSE connection.
func (tfs *TableFS) Close() error {
	err := tfs.ops.UnmountCleanup()
	if tfs.conn != nil {
		if closeErr := tfs.conn.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		tfs.conn = nil
	}
	return err
}

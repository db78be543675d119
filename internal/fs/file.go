package fs

import (
	"context"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"tablefs/internal/logging"
)

var (
	fileLogger = logging.GetLogger().WithPrefix("file")
)

// File represents a file entry in the table.
type File struct {
	fs   *TableFS
	path string
}

// Attr implements the Node interface, returning the file's attributes.
func (f *File) Attr(_ context.Context, a *fuse.Attr) error {
	fileLogger.Trace("Getting attributes for file: %q", f.path)

	attrs, err := f.fs.ops.GetAttributes(f.path)
	if err != nil {
		return ToFuseError(err)
	}
	fillAttr(a, attrs)

	fileLogger.Trace("File attributes: mode=%v, size=%d, mtime=%v", a.Mode, a.Size, a.Mtime)
	return nil
}

// Open implements the NodeOpener interface. The handle reads and writes
// through the dispatcher, so opening only checks the entry still exists.
func (f *File) Open(_ context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	fileLogger.Debug("Opening file %q with flags %v", f.path, req.Flags)

	if _, err := f.fs.ops.GetAttributes(f.path); err != nil {
		return nil, ToFuseError(err)
	}

	// sizes come from the table, not the page cache
	resp.Flags |= fuse.OpenDirectIO

	return &FileHandle{fs: f.fs, path: f.path}, nil
}

// Setattr implements the NodeSetattrer interface, handling truncation,
// chmod and timestamp updates.
func (f *File) Setattr(_ context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	fileLogger.Debug("Setting attributes for file %q: %v", f.path, req.Valid)
	return setattr(f.fs.ops, f.path, req, resp)
}

// Fsync implements the NodeFsyncer interface by persisting the table.
func (f *File) Fsync(_ context.Context, _ *fuse.FsyncRequest) error {
	fileLogger.Debug("Fsync %q", f.path)
	if err := f.fs.ops.Flush(); err != nil {
		fileLogger.Warn("Fsync could not persist table: %v", err)
	}
	return nil
}

// FileHandle represents an open file. It carries no state of its own.
type FileHandle struct {
	fs   *TableFS
	path string
}

// Read implements the HandleReader interface, reading data from the file.
func (fh *FileHandle) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	fileLogger.Trace("Reading %d bytes from file %q at offset %d", req.Size, fh.path, req.Offset)

	data, err := fh.fs.ops.Read(fh.path, req.Offset, req.Size)
	if err != nil {
		return ToFuseError(err)
	}
	resp.Data = data

	fileLogger.Trace("Successfully read %d bytes", len(data))
	return nil
}

// Write implements the HandleWriter interface, writing data to the file.
func (fh *FileHandle) Write(_ context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	fileLogger.Trace("Writing %d bytes to file %q at offset %d", len(req.Data), fh.path, req.Offset)

	n, err := fh.fs.ops.Write(fh.path, req.Offset, req.Data)
	if err != nil {
		return ToFuseError(err)
	}
	resp.Size = n
	return nil
}

// Flush implements the HandleFlusher interface by persisting the table.
// Storage failures are logged and the in-memory table stays authoritative.
func (fh *FileHandle) Flush(_ context.Context, _ *fuse.FlushRequest) error {
	fileLogger.Debug("Flushing %q", fh.path)
	if err := fh.fs.ops.Flush(); err != nil {
		fileLogger.Warn("Flush could not persist table: %v", err)
	}
	return nil
}

// Release implements the HandleReleaser interface.
func (fh *FileHandle) Release(_ context.Context, _ *fuse.ReleaseRequest) error {
	fileLogger.Debug("Closing file %q", fh.path)
	return nil
}

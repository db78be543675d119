package fs

import (
	"context"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"tablefs/internal/logging"
	"tablefs/internal/table"
)

var (
	dirLogger = logging.GetLogger().WithPrefix("dir")
)

// Dir represents a directory entry. It holds only the path; every call
// resolves it against the table again.
type Dir struct {
	fs   *TableFS
	path string
}

func (d *Dir) child(name string) string {
	return table.JoinPath(d.path, name)
}

// Attr implements the Node interface, returning directory attributes.
func (d *Dir) Attr(_ context.Context, a *fuse.Attr) error {
	dirLogger.Trace("Getting attributes for directory: %q", d.path)

	attrs, err := d.fs.ops.GetAttributes(d.path)
	if err != nil {
		return ToFuseError(err)
	}
	fillAttr(a, attrs)
	return nil
}

// Lookup implements the NodeStringLookuper interface, finding a child node.
func (d *Dir) Lookup(_ context.Context, name string) (fusefs.Node, error) {
	dirLogger.Debug("Looking up %q in directory %q", name, d.path)
	childPath := d.child(name)

	attrs, err := d.fs.ops.GetAttributes(childPath)
	if err != nil {
		dirLogger.Debug("Path not found: %q", childPath)
		return nil, ToFuseError(err)
	}

	if attrs.Kind == table.KindDirectory {
		return &Dir{fs: d.fs, path: childPath}, nil
	}
	return &File{fs: d.fs, path: childPath}, nil
}

// ReadDirAll implements the HandleReadDirAller interface, listing directory contents.
func (d *Dir) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	dirLogger.Debug("Reading directory contents: %q", d.path)

	listing, err := d.fs.ops.ListDirectory(d.path)
	if err != nil {
		return nil, ToFuseError(err)
	}

	entries := make([]fuse.Dirent, 0, len(listing))
	for _, e := range listing {
		dirent := fuse.Dirent{Name: e.Name, Type: fuse.DT_File}
		if e.Kind == table.KindDirectory {
			dirent.Type = fuse.DT_Dir
		}
		entries = append(entries, dirent)
	}

	dirLogger.Debug("Directory %q contains %d entries", d.path, len(entries))
	return entries, nil
}

// Mkdir implements the NodeMkdirer interface, creating a new directory.
func (d *Dir) Mkdir(_ context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	dirLogger.Info("Creating new directory %q in %q", req.Name, d.path)
	newPath := d.child(req.Name)

	caller := Caller{UID: req.Uid, GID: req.Gid}
	if err := d.fs.ops.CreateDirectory(newPath, posixPerm(req.Mode), caller); err != nil {
		dirLogger.Warn("Failed to create directory %q: %v", newPath, err)
		return nil, ToFuseError(err)
	}

	dirLogger.Info("Successfully created directory: %s", newPath)
	return &Dir{fs: d.fs, path: newPath}, nil
}

// Create implements the NodeCreater interface, creating and opening a
// new file.
func (d *Dir) Create(_ context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	dirLogger.Info("Creating new file %q in %q", req.Name, d.path)
	newPath := d.child(req.Name)

	caller := Caller{UID: req.Uid, GID: req.Gid}
	if err := d.fs.ops.CreateFile(newPath, posixPerm(req.Mode), caller); err != nil {
		dirLogger.Warn("Failed to create file %q: %v", newPath, err)
		return nil, nil, ToFuseError(err)
	}

	attrs, err := d.fs.ops.GetAttributes(newPath)
	if err != nil {
		return nil, nil, ToFuseError(err)
	}
	fillAttr(&resp.Attr, attrs)
	resp.Flags |= fuse.OpenDirectIO

	dirLogger.Info("Successfully created file: %s", newPath)
	return &File{fs: d.fs, path: newPath}, &FileHandle{fs: d.fs, path: newPath}, nil
}

// Remove implements the NodeRemover interface, removing a file or directory.
func (d *Dir) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	dirLogger.Info("Removing %q from directory %q (isDir=%v)", req.Name, d.path, req.Dir)
	childPath := d.child(req.Name)

	var err error
	if req.Dir {
		err = d.fs.ops.RemoveDirectory(childPath)
	} else {
		err = d.fs.ops.RemoveFile(childPath)
	}
	if err != nil {
		dirLogger.Warn("Failed to remove %q: %v", childPath, err)
		return ToFuseError(err)
	}

	dirLogger.Info("Successfully removed %q", childPath)
	return nil
}

// Setattr implements the NodeSetattrer interface, updating mode and
// timestamps.
func (d *Dir) Setattr(_ context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	dirLogger.Debug("Setting attributes for directory %q: %v", d.path, req.Valid)
	return setattr(d.fs.ops, d.path, req, resp)
}

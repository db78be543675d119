package fs

import (
	"os"
	"time"

	"bazil.org/fuse"
	"golang.org/x/sys/unix"
)

const blockSize = 4096

func safeInt64ToUint64(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func safeIntToUint64(n int) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// fileMode converts a POSIX mode into an os.FileMode.
func fileMode(mode uint32) os.FileMode {
	m := os.FileMode(mode & 0o777)
	if mode&unix.S_IFMT == unix.S_IFDIR {
		m |= os.ModeDir
	}
	if mode&unix.S_ISUID != 0 {
		m |= os.ModeSetuid
	}
	if mode&unix.S_ISGID != 0 {
		m |= os.ModeSetgid
	}
	if mode&unix.S_ISVTX != 0 {
		m |= os.ModeSticky
	}
	return m
}

// posixPerm returns the permission and special bits of m as a POSIX mode
// without type bits.
func posixPerm(m os.FileMode) uint32 {
	mode := uint32(m.Perm())
	if m&os.ModeSetuid != 0 {
		mode |= unix.S_ISUID
	}
	if m&os.ModeSetgid != 0 {
		mode |= unix.S_ISGID
	}
	if m&os.ModeSticky != 0 {
		mode |= unix.S_ISVTX
	}
	return mode
}

// fillAttr copies attrs into a FUSE attribute block.
func fillAttr(a *fuse.Attr, attrs Attributes) {
	a.Mode = fileMode(attrs.Mode)
	a.Nlink = attrs.Nlink
	a.Uid = attrs.UID
	a.Gid = attrs.GID
	a.Size = safeInt64ToUint64(attrs.Size)
	a.Atime = attrs.AccessedAt
	a.Mtime = attrs.ModifiedAt
	a.Ctime = attrs.ModifiedAt // no change time is kept
	a.BlockSize = blockSize
	a.Blocks = safeInt64ToUint64((attrs.Size + 511) / 512)
}

// setattr applies the attribute changes in req to the entry at path and
// reports the resulting attributes in resp.
func setattr(ops *Dispatcher, path string, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	// size goes first: it is the only change that can be refused for an
	// entry that exists, and nothing may be applied when it is
	if req.Valid.Size() {
		if err := ops.Truncate(path, int64(req.Size)); err != nil {
			return ToFuseError(err)
		}
	}

	if req.Valid.Mode() {
		if err := ops.Chmod(path, posixPerm(req.Mode)); err != nil {
			return ToFuseError(err)
		}
	}

	if req.Valid.Atime() || req.Valid.Mtime() || req.Valid.AtimeNow() || req.Valid.MtimeNow() {
		current, err := ops.GetAttributes(path)
		if err != nil {
			return ToFuseError(err)
		}
		now := time.Now()
		atime, mtime := current.AccessedAt, current.ModifiedAt
		switch {
		case req.Valid.AtimeNow():
			atime = now
		case req.Valid.Atime():
			atime = req.Atime
		}
		switch {
		case req.Valid.MtimeNow():
			mtime = now
		case req.Valid.Mtime():
			mtime = req.Mtime
		}
		if err := ops.UpdateTimestamps(path, atime, mtime); err != nil {
			return ToFuseError(err)
		}
	}

	attrs, err := ops.GetAttributes(path)
	if err != nil {
		return ToFuseError(err)
	}
	fillAttr(&resp.Attr, attrs)
	return nil
}

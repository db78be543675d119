package table

import (
	"bytes"

	"golang.org/x/sys/unix"
)

// Kind distinguishes files from directories.
type Kind uint8

const (
	// KindFile is a regular file with a content buffer
	KindFile Kind = iota
	// KindDirectory is a directory; its content buffer is unused
	KindDirectory
)

// String returns "file" or "directory".
func (k Kind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// typeBits returns the S_IFMT bits for the kind.
func (k Kind) typeBits() uint32 {
	if k == KindDirectory {
		return unix.S_IFDIR
	}
	return unix.S_IFREG
}

// Entry is one slot of the table. When Occupied is false every other
// field is meaningless.
type Entry struct {
	Occupied   bool
	Kind       Kind
	Mode       uint32 // type bits + permission bits
	UID        uint32
	GID        uint32
	AccessedAt int64 // unix seconds
	ModifiedAt int64 // unix seconds
	Path       string
	ParentPath string // "" only for the root

	// content holds MaxContent+1 bytes for files so a full write still
	// has room for its terminator. The logical length is the index of
	// the first zero byte.
	content []byte
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool {
	return e.Kind == KindDirectory
}

// Size returns the logical content length.
func (e *Entry) Size() int {
	if e.Kind != KindFile {
		return 0
	}
	if i := bytes.IndexByte(e.content, 0); i >= 0 {
		return i
	}
	return len(e.content)
}

// Content returns a copy of the logical content.
func (e *Entry) Content() []byte {
	out := make([]byte, e.Size())
	copy(out, e.content)
	return out
}

// rawContent returns the buffer up to its last non-zero byte. Bytes past
// the terminator left behind by gap writes or truncation are included.
func (e *Entry) rawContent() []byte {
	end := len(e.content)
	for end > 0 && e.content[end-1] == 0 {
		end--
	}
	out := make([]byte, end)
	copy(out, e.content[:end])
	return out
}

// Permissions returns the permission bits without the type bits.
func (e *Entry) Permissions() uint32 {
	return e.Mode &^ unix.S_IFMT
}

// Package fs serves a table over FUSE.
//
// This file contains error types and error handling utilities.
package fs

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"tablefs/internal/logging"
	"tablefs/internal/table"
)

var (
	errLogger = logging.GetLogger().WithPrefix("error")
)

// FSError (renamed to Error because of linter) wraps filesystem
// errors with context about the operation and affected path.
type Error struct {
	Op   string // Operation that failed (e.g., "getattr", "write")
	Path string // Affected path
	Err  error  // Underlying error
}

// Error implements the error interface, providing a formatted error message
func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("operation %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("operation %s on %s failed: %v", e.Op, e.Path, e.Err)
}

// Unwrap implements error unwrapping for the errors.Is/As functions
func (e *Error) Unwrap() error {
	return e.Err
}

// errno maps err onto the errno reported to the kernel.
func errno(err error) syscall.Errno {
	switch {
	case errors.Is(err, table.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, table.ErrExists):
		return syscall.EEXIST
	case errors.Is(err, table.ErrIsDirectory):
		return syscall.EISDIR
	case errors.Is(err, table.ErrNotDirectory):
		return syscall.ENOTDIR
	case errors.Is(err, table.ErrNoSpace):
		return syscall.ENOSPC
	case errors.Is(err, table.ErrInvalidPath), errors.Is(err, table.ErrInvalidArgument):
		return syscall.EINVAL
	case errors.Is(err, table.ErrNameTooLong):
		return syscall.ENAMETOOLONG
	case errors.Is(err, table.ErrBusy):
		return syscall.EBUSY
	case errors.Is(err, os.ErrPermission):
		return syscall.EACCES
	}

	var en syscall.Errno
	if errors.As(err, &en) {
		return en
	}
	errLogger.Debug("Unknown error type, returning EIO: %v", err)
	return syscall.EIO
}

// ToFuseError converts an error to the appropriate FUSE error code.
// This is used to translate our internal errors into the correct
// syscall errors that FUSE expects.
func ToFuseError(err error) error {
	if err == nil {
		return nil
	}
	errLogger.Trace("Converting error to FUSE error: %v", err)
	return errno(err)
}

// ResultCode returns the POSIX-style result of an operation: zero on
// success, the negated errno otherwise.
func ResultCode(err error) int {
	if err == nil {
		return 0
	}
	return -int(errno(err))
}

// NewFSError creates a new FSError with the given operation, path, and underlying error
func NewFSError(op string, path string, err error) *Error {
	fsErr := &Error{
		Op:   op,
		Path: path,
		Err:  err,
	}
	errLogger.Debug("Created new FSError: %v", fsErr)
	return fsErr
}

// Common operation names for consistent logging and error reporting
const (
	OpGetattr = "getattr" // Getting entry attributes
	OpReadDir = "readdir" // Reading directory contents
	OpRead    = "read"    // Reading from a file
	OpWrite   = "write"   // Writing to a file
	OpCreate  = "create"  // Creating a new file
	OpMkdir   = "mkdir"   // Creating a new directory
	OpUnlink  = "unlink"  // Removing a file
	OpRmdir   = "rmdir"   // Removing a directory
	OpTrunc   = "truncate"
	OpUtimens = "utimens" // Setting timestamps
	OpChmod   = "chmod"
	OpFlush   = "flush"   // Persisting the table
	OpInit    = "init"    // Loading the table at mount
	OpDestroy = "destroy" // Persisting the table at unmount
)

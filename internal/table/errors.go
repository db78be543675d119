package table

import "errors"

// Errors returned by the table. They name POSIX concepts so the bridge
// layer can map them onto errno values without inspecting messages.
var (
	// ErrNotFound indicates no occupied entry has the requested path
	ErrNotFound = errors.New("no such file or directory")

	// ErrExists indicates an entry already occupies the path
	ErrExists = errors.New("file exists")

	// ErrIsDirectory indicates a file operation was attempted on a directory
	ErrIsDirectory = errors.New("is a directory")

	// ErrNotDirectory indicates a directory operation was attempted on a file
	ErrNotDirectory = errors.New("not a directory")

	// ErrNoSpace indicates the table is full or a write exceeds the content bound
	ErrNoSpace = errors.New("no space left on device")

	// ErrInvalidPath indicates an empty, relative or malformed path
	ErrInvalidPath = errors.New("invalid path")

	// ErrNameTooLong indicates a path longer than the table's path bound
	ErrNameTooLong = errors.New("file name too long")

	// ErrInvalidArgument indicates a negative offset, length or size
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBusy indicates an attempt to remove the root directory
	ErrBusy = errors.New("device or resource busy")
)

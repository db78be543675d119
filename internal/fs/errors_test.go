package fs

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"tablefs/internal/table"
)

func TestToFuseError(t *testing.T) {
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{table.ErrNotFound, syscall.ENOENT},
		{table.ErrExists, syscall.EEXIST},
		{table.ErrIsDirectory, syscall.EISDIR},
		{table.ErrNotDirectory, syscall.ENOTDIR},
		{table.ErrNoSpace, syscall.ENOSPC},
		{table.ErrInvalidPath, syscall.EINVAL},
		{table.ErrInvalidArgument, syscall.EINVAL},
		{table.ErrNameTooLong, syscall.ENAMETOOLONG},
		{table.ErrBusy, syscall.EBUSY},
		{os.ErrNotExist, syscall.ENOENT},
		{os.ErrPermission, syscall.EACCES},
		{syscall.EROFS, syscall.EROFS},
		{errors.New("anything else"), syscall.EIO},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			wrapped := NewFSError(OpWrite, "/f", fmt.Errorf("context: %w", tt.err))
			assert.Equal(t, tt.want, ToFuseError(wrapped))
			assert.Equal(t, -int(tt.want), ResultCode(wrapped))
		})
	}

	assert.NoError(t, ToFuseError(nil))
	assert.Equal(t, 0, ResultCode(nil))
}

func TestErrorFormatting(t *testing.T) {
	err := NewFSError(OpRmdir, "/a", table.ErrBusy)
	assert.Equal(t, "operation rmdir on /a failed: device or resource busy", err.Error())
	assert.ErrorIs(t, err, table.ErrBusy)

	err = NewFSError(OpFlush, "", errors.New("disk full"))
	assert.Equal(t, "operation flush failed: disk full", err.Error())
}

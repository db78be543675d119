package table

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWriteRoundTrip(t *testing.T) {
	tbl := newTestTable(t, Options{})
	slot := mustAllocate(t, tbl, "/f", KindFile)
	payload := []byte("the quick brown fox")

	n, err := tbl.Write(slot, 0, payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	got, err := tbl.Read(slot, 0, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	e := tbl.Entry(slot)
	assert.Equal(t, len(payload), e.Size())
}

func TestReadTimestamps(t *testing.T) {
	tbl := newTestTable(t, Options{})
	slot := mustAllocate(t, tbl, "/f", KindFile)
	_, err := tbl.Write(slot, 0, []byte("abc"))
	require.NoError(t, err)

	before := tbl.Entry(slot)
	_, err = tbl.Read(slot, 0, 3)
	require.NoError(t, err)
	after := tbl.Entry(slot)

	assert.Greater(t, after.AccessedAt, before.AccessedAt)
	assert.Equal(t, before.ModifiedAt, after.ModifiedAt)
}

func TestReadAtEndOfFile(t *testing.T) {
	tbl := newTestTable(t, Options{})
	slot := mustAllocate(t, tbl, "/f", KindFile)
	_, err := tbl.Write(slot, 0, []byte("hello"))
	require.NoError(t, err)

	for _, offset := range []int64{5, 6, 1000} {
		got, err := tbl.Read(slot, offset, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	}

	got, err := tbl.Read(slot, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("lo"), got, "short read at the end of the file")
}

func TestWriteBounds(t *testing.T) {
	tbl := newTestTable(t, Options{MaxContent: 8})
	slot := mustAllocate(t, tbl, "/f", KindFile)

	n, err := tbl.Write(slot, 0, []byte("12345678"))
	require.NoError(t, err, "a write filling the buffer exactly fits")
	assert.Equal(t, 8, n)

	_, err = tbl.Write(slot, 4, []byte("56789"))
	assert.ErrorIs(t, err, ErrNoSpace)

	got, err := tbl.Read(slot, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("12345678"), got, "a failed write must not modify content")

	_, err = tbl.Write(slot, -1, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestWriteOverwritesAndTerminates(t *testing.T) {
	tbl := newTestTable(t, Options{})
	slot := mustAllocate(t, tbl, "/f", KindFile)

	_, err := tbl.Write(slot, 0, []byte("hello world"))
	require.NoError(t, err)
	_, err = tbl.Write(slot, 0, []byte("HEL"))
	require.NoError(t, err)

	got, err := tbl.Read(slot, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("HEL"), got, "every write terminates the content after its last byte")
}

func TestWriteGapKeepsPriorBytes(t *testing.T) {
	tbl := newTestTable(t, Options{})
	slot := mustAllocate(t, tbl, "/f", KindFile)

	_, err := tbl.Write(slot, 0, []byte("abcdefgh"))
	require.NoError(t, err)
	require.NoError(t, tbl.Truncate(slot, 2))

	// the terminator sits at offset 2, so a write at 5 does not extend
	// the logical content and the stale "de" stays in the buffer
	_, err = tbl.Write(slot, 5, []byte("XY"))
	require.NoError(t, err)
	e := tbl.Entry(slot)
	assert.Equal(t, 2, e.Size())

	got, err := tbl.Read(slot, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), got)

	raw := tbl.Snapshot()[1].Content
	assert.Equal(t, []byte("ab\x00deXY"), raw)
}

func TestWriteGapZeroFill(t *testing.T) {
	tbl := newTestTable(t, Options{ZeroFillGaps: true})
	slot := mustAllocate(t, tbl, "/f", KindFile)

	_, err := tbl.Write(slot, 0, []byte("abcdefgh"))
	require.NoError(t, err)
	require.NoError(t, tbl.Truncate(slot, 2))
	_, err = tbl.Write(slot, 5, []byte("XY"))
	require.NoError(t, err)

	raw := tbl.Snapshot()[1].Content
	assert.Equal(t, []byte("ab\x00\x00\x00XY"), raw)
}

func TestTruncate(t *testing.T) {
	tbl := newTestTable(t, Options{})
	slot := mustAllocate(t, tbl, "/f", KindFile)
	_, err := tbl.Write(slot, 0, []byte("hello"))
	require.NoError(t, err)

	t.Run("current length is a no-op", func(t *testing.T) {
		before := tbl.Entry(slot)
		require.NoError(t, tbl.Truncate(slot, 5))
		after := tbl.Entry(slot)
		assert.Equal(t, 5, after.Size())
		assert.Equal(t, before.ModifiedAt, after.ModifiedAt)
	})

	t.Run("growing is a no-op", func(t *testing.T) {
		require.NoError(t, tbl.Truncate(slot, 50))
		e := tbl.Entry(slot)
		assert.Equal(t, 5, e.Size())
	})

	t.Run("shrinking twice equals shrinking once", func(t *testing.T) {
		require.NoError(t, tbl.Truncate(slot, 2))
		once := tbl.Snapshot()
		require.NoError(t, tbl.Truncate(slot, 2))
		assert.Equal(t, once, tbl.Snapshot())

		got, err := tbl.Read(slot, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, []byte("he"), got)
	})

	t.Run("negative size", func(t *testing.T) {
		assert.ErrorIs(t, tbl.Truncate(slot, -1), ErrInvalidArgument)
	})
}

func TestContentOpsRejectDirectories(t *testing.T) {
	tbl := newTestTable(t, Options{})
	dir := mustAllocate(t, tbl, "/d", KindDirectory)

	_, err := tbl.Read(dir, 0, 1)
	assert.ErrorIs(t, err, ErrIsDirectory)
	_, err = tbl.Write(dir, 0, []byte("x"))
	assert.ErrorIs(t, err, ErrIsDirectory)
	assert.ErrorIs(t, tbl.Truncate(dir, 0), ErrIsDirectory)
}

func TestContentOpsOnFreedSlot(t *testing.T) {
	tbl := newTestTable(t, Options{})
	slot := mustAllocate(t, tbl, "/f", KindFile)
	require.True(t, tbl.Free(slot))

	_, err := tbl.Read(slot, 0, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tbl.Write(slot, 0, []byte("x"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, tbl.Touch(slot, 1, 2), ErrNotFound)
}

func TestTouchAndChmod(t *testing.T) {
	tbl := newTestTable(t, Options{})
	slot := mustAllocate(t, tbl, "/f", KindFile)

	require.NoError(t, tbl.Touch(slot, 100, 200))
	require.NoError(t, tbl.Chmod(slot, 0o600))

	e := tbl.Entry(slot)
	assert.Equal(t, int64(100), e.AccessedAt)
	assert.Equal(t, int64(200), e.ModifiedAt)
	assert.Equal(t, uint32(0o600), e.Permissions())
	assert.False(t, e.IsDir())
}

func TestAllocateClearsReusedBuffer(t *testing.T) {
	tbl := newTestTable(t, Options{Capacity: 2})
	slot := mustAllocate(t, tbl, "/old", KindFile)
	_, err := tbl.Write(slot, 0, []byte("secret"))
	require.NoError(t, err)
	require.True(t, tbl.Free(slot))

	reused := mustAllocate(t, tbl, "/new", KindFile)
	require.Equal(t, slot, reused)
	_, err = tbl.Write(reused, 0, []byte("x"))
	require.NoError(t, err)

	assert.Equal(t, []byte("x"), tbl.Snapshot()[1].Content)
}

func TestExtremeOffsetsAndLengths(t *testing.T) {
	tbl := newTestTable(t, Options{})
	slot := mustAllocate(t, tbl, "/f", KindFile)
	_, err := tbl.Write(slot, 0, []byte("hello"))
	require.NoError(t, err)

	_, err = tbl.Write(slot, math.MaxInt64, []byte("x"))
	assert.ErrorIs(t, err, ErrNoSpace)
	_, err = tbl.Write(slot, math.MaxInt64-2, []byte("xyz"))
	assert.ErrorIs(t, err, ErrNoSpace)

	got, err := tbl.Read(slot, 1, math.MaxInt)
	require.NoError(t, err)
	assert.Equal(t, []byte("ello"), got)

	e := tbl.Entry(slot)
	assert.Equal(t, []byte("hello"), e.Content(), "rejected writes leave content untouched")
}

func TestEmptyReadKeepsAccessTime(t *testing.T) {
	tbl := newTestTable(t, Options{})
	slot := mustAllocate(t, tbl, "/f", KindFile)
	_, err := tbl.Write(slot, 0, []byte("abc"))
	require.NoError(t, err)

	before := tbl.Entry(slot)
	got, err := tbl.Read(slot, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, before.AccessedAt, tbl.Entry(slot).AccessedAt)
}

package state

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablefs/internal/table"
)

func sampleTable(t *testing.T) *table.Table {
	t.Helper()
	tbl := table.New(table.Options{Capacity: 16, RootUID: 1717, RootGID: 100})

	_, err := tbl.Allocate("/a", table.KindDirectory, 0o755, 1000, 1000)
	require.NoError(t, err)
	slot, err := tbl.Allocate("/a/b.txt", table.KindFile, 0o644, 1000, 1000)
	require.NoError(t, err)
	_, err = tbl.Write(slot, 0, []byte("hello"))
	require.NoError(t, err)

	big, err := tbl.Allocate("/big.txt", table.KindFile, 0o600, 0, 0)
	require.NoError(t, err)
	_, err = tbl.Write(big, 0, bytes.Repeat([]byte("compressible "), 60))
	require.NoError(t, err)
	return tbl
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	volume := uuid.New()
	saved := time.Unix(1_700_000_000, 0)

	for _, compression := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			tbl := sampleTable(t)

			data, err := Encode(tbl, Meta{VolumeID: volume, SavedAt: saved}, compression)
			require.NoError(t, err)
			assert.Equal(t, byte(compression), data[len(imageMagic)+1], "payload should compress")

			restored, meta, err := Decode(data, table.Options{})
			require.NoError(t, err)
			assert.Equal(t, volume, meta.VolumeID)
			assert.Equal(t, saved.Unix(), meta.SavedAt.Unix())
			assert.Equal(t, tbl.Snapshot(), restored.Snapshot())
			assert.Equal(t, tbl.Capacity(), restored.Capacity())

			slot, ok := restored.Find("/a/b.txt")
			require.True(t, ok)
			e := restored.Entry(slot)
			assert.Equal(t, 5, e.Size())
			got, err := restored.Read(slot, 0, 5)
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), got)
		})
	}
}

func TestCompressFallsBackWhenIncompressible(t *testing.T) {
	noise := make([]byte, 4096)
	_, err := rand.Read(noise)
	require.NoError(t, err)

	for _, compression := range []Compression{CompressionLZ4, CompressionZstd} {
		body, used, err := compress(noise, compression)
		require.NoError(t, err)
		assert.Equal(t, CompressionNone, used, compression.String())
		assert.Equal(t, noise, body)
	}
}

func TestDecodeUsesConfiguredCapacity(t *testing.T) {
	data, err := Encode(sampleTable(t), Meta{VolumeID: uuid.New()}, CompressionZstd)
	require.NoError(t, err)

	larger, _, err := Decode(data, table.Options{Capacity: 64})
	require.NoError(t, err)
	assert.Equal(t, 64, larger.Capacity())

	// smaller configured bounds give way to the image's
	smaller, _, err := Decode(data, table.Options{Capacity: 2, MaxContent: 8, MaxPath: 4})
	require.NoError(t, err)
	assert.Equal(t, 16, smaller.Capacity())
	assert.Equal(t, table.DefaultMaxContent, smaller.Options().MaxContent)
	assert.Equal(t, table.DefaultMaxPath, smaller.Options().MaxPath)
	slot, ok := smaller.Find("/big.txt")
	require.True(t, ok)
	e := smaller.Entry(slot)
	assert.Equal(t, strings.Repeat("compressible ", 60), string(e.Content()))
}

func TestDecodeRejectsDamage(t *testing.T) {
	data, err := Encode(sampleTable(t), Meta{VolumeID: uuid.New()}, CompressionNone)
	require.NoError(t, err)

	t.Run("short header", func(t *testing.T) {
		_, _, err := Decode(data[:10], table.Options{})
		assert.ErrorIs(t, err, ErrShortImage)
	})

	t.Run("short body", func(t *testing.T) {
		_, _, err := Decode(data[:len(data)-3], table.Options{})
		assert.ErrorIs(t, err, ErrShortImage)
	})

	t.Run("trailing bytes", func(t *testing.T) {
		_, _, err := Decode(append(bytes.Clone(data), 0), table.Options{})
		assert.Error(t, err)
	})

	t.Run("bad magic", func(t *testing.T) {
		damaged := bytes.Clone(data)
		damaged[0] = 'X'
		_, _, err := Decode(damaged, table.Options{})
		assert.ErrorIs(t, err, ErrBadMagic)
	})

	t.Run("unknown version", func(t *testing.T) {
		damaged := bytes.Clone(data)
		damaged[len(imageMagic)] = 99
		_, _, err := Decode(damaged, table.Options{})
		assert.ErrorIs(t, err, ErrUnsupportedVersion)
	})

	t.Run("flipped payload bit", func(t *testing.T) {
		damaged := bytes.Clone(data)
		damaged[len(damaged)-1] ^= 0x01
		_, _, err := Decode(damaged, table.Options{})
		assert.ErrorIs(t, err, ErrChecksum)
	})

	t.Run("oversized payload length", func(t *testing.T) {
		damaged := bytes.Clone(data)
		damaged[len(imageMagic)+1] = byte(CompressionLZ4)
		binary.BigEndian.PutUint32(damaged[len(imageMagic)+2:], 3<<30)
		_, _, err := Decode(damaged, table.Options{})
		assert.ErrorIs(t, err, ErrPayloadSize)
	})

	t.Run("lz4 length beyond body ratio", func(t *testing.T) {
		damaged := bytes.Clone(data)
		damaged[len(imageMagic)+1] = byte(CompressionLZ4)
		binary.BigEndian.PutUint32(damaged[len(imageMagic)+2:], 1<<29)
		_, _, err := Decode(damaged, table.Options{})
		assert.ErrorIs(t, err, ErrPayloadSize)
	})

	t.Run("zstd length beyond cap", func(t *testing.T) {
		damaged := bytes.Clone(data)
		damaged[len(imageMagic)+1] = byte(CompressionZstd)
		binary.BigEndian.PutUint32(damaged[len(imageMagic)+2:], 0xFFFFFFFF)
		_, _, err := Decode(damaged, table.Options{})
		assert.ErrorIs(t, err, ErrPayloadSize)
	})

	t.Run("uncompressed length mismatch", func(t *testing.T) {
		damaged := bytes.Clone(data)
		binary.BigEndian.PutUint32(damaged[len(imageMagic)+2:], 1<<20)
		_, _, err := Decode(damaged, table.Options{})
		assert.ErrorIs(t, err, ErrPayloadSize)
	})

	t.Run("unknown compression", func(t *testing.T) {
		damaged := bytes.Clone(data)
		damaged[len(imageMagic)+1] = 7
		_, _, err := Decode(damaged, table.Options{})
		assert.Error(t, err)
	})
}

func TestParseCompression(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		parsed, err := ParseCompression(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}

	_, err := ParseCompression("gzip")
	assert.Error(t, err)
	assert.True(t, strings.HasPrefix(Compression(9).String(), "unknown"))
}

package state

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"tablefs/internal/table"
)

// An image is laid out as
//
//	magic[6] | version u8 | compression u8 | payload length u32 |
//	body length u32 | blake3-256(payload)[32] | body
//
// where body is the payload after compression and payload is the CBOR
// encoding of an Image. Integers are big-endian.
var imageMagic = [6]byte{'T', 'B', 'L', 'F', 'S', 0}

const headerSize = len(imageMagic) + 1 + 1 + 4 + 4 + blake3Size

const blake3Size = 32

// maxPayloadSize caps the decoded payload whatever the header claims.
const maxPayloadSize = 1 << 30

// lz4MaxRatio is the largest expansion an LZ4 block can encode.
const lz4MaxRatio = 255

var (
	// ErrShortImage indicates the image ends before its declared length
	ErrShortImage = errors.New("image truncated")

	// ErrBadMagic indicates the data is not a table image
	ErrBadMagic = errors.New("not a table image")

	// ErrUnsupportedVersion indicates an image written by an incompatible build
	ErrUnsupportedVersion = errors.New("unsupported image version")

	// ErrChecksum indicates the payload does not match its recorded digest
	ErrChecksum = errors.New("image checksum mismatch")

	// ErrPayloadSize indicates a payload length the body cannot produce
	ErrPayloadSize = errors.New("image payload length out of range")
)

// Compression identifies how the image body is compressed. Values are
// stored in the image header.
type Compression uint8

const (
	// CompressionNone stores the payload as is
	CompressionNone Compression = 0
	// CompressionLZ4 uses LZ4 block compression
	CompressionLZ4 Compression = 1
	// CompressionZstd uses zstd at the default level
	CompressionZstd Compression = 2
)

// String returns the configuration name of the compression.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression: %q", name)
	}
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("state: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("state: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("state: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayloadSize))
	if err != nil {
		panic("state: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes every occupied slot of tbl into one image.
// Incompressible payloads are stored with CompressionNone regardless of
// the requested compression.
func Encode(tbl *table.Table, meta Meta, compression Compression) ([]byte, error) {
	opts := tbl.Options()
	img := Image{
		Version:    ImageVersion,
		VolumeID:   meta.VolumeID.String(),
		SavedAt:    meta.SavedAt.Unix(),
		Capacity:   tbl.Capacity(),
		MaxContent: opts.MaxContent,
		MaxPath:    opts.MaxPath,
	}
	for _, s := range tbl.Snapshot() {
		img.Entries = append(img.Entries, Record{
			Slot:       s.Slot,
			Kind:       uint8(s.Kind),
			Mode:       s.Mode,
			UID:        s.UID,
			GID:        s.GID,
			AccessedAt: s.AccessedAt,
			ModifiedAt: s.ModifiedAt,
			Path:       s.Path,
			ParentPath: s.ParentPath,
			Content:    s.Content,
		})
	}

	payload, err := encMode.Marshal(img)
	if err != nil {
		return nil, fmt.Errorf("encoding image: %w", err)
	}

	body, used, err := compress(payload, compression)
	if err != nil {
		return nil, err
	}

	sum := blake3.Sum256(payload)
	var buf bytes.Buffer
	buf.Grow(headerSize + len(body))
	buf.Write(imageMagic[:])
	buf.WriteByte(ImageVersion)
	buf.WriteByte(byte(used))
	buf.Write(binary.BigEndian.AppendUint32(nil, uint32(len(payload))))
	buf.Write(binary.BigEndian.AppendUint32(nil, uint32(len(body))))
	buf.Write(sum[:])
	buf.Write(body)
	return buf.Bytes(), nil
}

// Decode parses an image and rebuilds the table it describes. Capacity,
// MaxContent and MaxPath in opts are raised to the image's values when
// those are larger, so a table saved under wider bounds still loads.
// Decoding is all-or-nothing: any inconsistency fails the whole image.
func Decode(data []byte, opts table.Options) (*table.Table, Meta, error) {
	var meta Meta

	if len(data) < headerSize {
		return nil, meta, fmt.Errorf("%w: %d bytes, header needs %d", ErrShortImage, len(data), headerSize)
	}
	if !bytes.Equal(data[:len(imageMagic)], imageMagic[:]) {
		return nil, meta, ErrBadMagic
	}
	offset := len(imageMagic)
	if version := data[offset]; version != ImageVersion {
		return nil, meta, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	compression := Compression(data[offset+1])
	payloadLen := int(binary.BigEndian.Uint32(data[offset+2:]))
	bodyLen := int(binary.BigEndian.Uint32(data[offset+6:]))
	var sum [blake3Size]byte
	copy(sum[:], data[offset+10:headerSize])

	body := data[headerSize:]
	if len(body) < bodyLen {
		return nil, meta, fmt.Errorf("%w: body has %d of %d bytes", ErrShortImage, len(body), bodyLen)
	}
	if len(body) > bodyLen {
		return nil, meta, fmt.Errorf("image has %d trailing bytes", len(body)-bodyLen)
	}
	if err := checkPayloadLength(compression, payloadLen, bodyLen); err != nil {
		return nil, meta, err
	}

	payload, err := decompress(body, compression, payloadLen)
	if err != nil {
		return nil, meta, err
	}
	if blake3.Sum256(payload) != sum {
		return nil, meta, ErrChecksum
	}

	var img Image
	if err := decMode.Unmarshal(payload, &img); err != nil {
		return nil, meta, fmt.Errorf("decoding image payload: %w", err)
	}
	if img.Version != ImageVersion {
		return nil, meta, fmt.Errorf("%w: payload version %d", ErrUnsupportedVersion, img.Version)
	}

	opts.Capacity = max(opts.Capacity, img.Capacity)
	opts.MaxContent = max(opts.MaxContent, img.MaxContent)
	opts.MaxPath = max(opts.MaxPath, img.MaxPath)

	snapshots := make([]table.Snapshot, 0, len(img.Entries))
	for _, r := range img.Entries {
		snapshots = append(snapshots, table.Snapshot{
			Slot:       r.Slot,
			Kind:       table.Kind(r.Kind),
			Mode:       r.Mode,
			UID:        r.UID,
			GID:        r.GID,
			AccessedAt: r.AccessedAt,
			ModifiedAt: r.ModifiedAt,
			Path:       r.Path,
			ParentPath: r.ParentPath,
			Content:    r.Content,
		})
	}
	tbl, err := table.Restore(opts, snapshots)
	if err != nil {
		return nil, meta, fmt.Errorf("restoring table: %w", err)
	}

	meta.SavedAt = time.Unix(img.SavedAt, 0)
	if img.VolumeID != "" {
		meta.VolumeID, err = uuid.Parse(img.VolumeID)
		if err != nil {
			return nil, meta, fmt.Errorf("parsing volume id: %w", err)
		}
	}
	return tbl, meta, nil
}

func compress(payload []byte, compression Compression) ([]byte, Compression, error) {
	switch compression {
	case CompressionNone:
		return payload, CompressionNone, nil

	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(payload)))
		written, err := lz4.CompressBlock(payload, destination, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		// zero means lz4 found the data incompressible
		if written == 0 || written >= len(payload) {
			return payload, CompressionNone, nil
		}
		return destination[:written], CompressionLZ4, nil

	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(payload, nil)
		if len(compressed) >= len(payload) {
			return payload, CompressionNone, nil
		}
		return compressed, CompressionZstd, nil

	default:
		return nil, 0, fmt.Errorf("unsupported compression: %d", compression)
	}
}

// checkPayloadLength rejects header lengths that no valid body of the
// given compression could decode to, before anything is allocated.
func checkPayloadLength(compression Compression, payloadLen, bodyLen int) error {
	if payloadLen > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadSize, payloadLen, maxPayloadSize)
	}
	switch compression {
	case CompressionNone:
		if payloadLen != bodyLen {
			return fmt.Errorf("%w: %d bytes stored uncompressed in %d", ErrPayloadSize, payloadLen, bodyLen)
		}
	case CompressionLZ4:
		if bodyLen >= payloadLen || payloadLen > lz4MaxRatio*bodyLen {
			return fmt.Errorf("%w: %d bytes from a %d byte lz4 body", ErrPayloadSize, payloadLen, bodyLen)
		}
	case CompressionZstd:
		if bodyLen >= payloadLen {
			return fmt.Errorf("%w: %d bytes from a %d byte zstd body", ErrPayloadSize, payloadLen, bodyLen)
		}
	}
	return nil
}

func decompress(body []byte, compression Compression, size int) ([]byte, error) {
	switch compression {
	case CompressionNone:
		if len(body) != size {
			return nil, fmt.Errorf("%w: payload has %d of %d bytes", ErrShortImage, len(body), size)
		}
		return body, nil

	case CompressionLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(body, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil

	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported compression: %d", compression)
	}
}

// Package state provides persistent state management for the table filesystem.
package state

import (
	"time"

	"github.com/google/uuid"
)

// ImageVersion is the current image format version. Decode rejects any
// other value.
const ImageVersion = 1

// Image is the CBOR payload of a table image.
type Image struct {
	Version    uint8    `cbor:"version"`
	VolumeID   string   `cbor:"volume_id"`
	SavedAt    int64    `cbor:"saved_at"`
	Capacity   int      `cbor:"capacity"`
	MaxContent int      `cbor:"max_content"`
	MaxPath    int      `cbor:"max_path"`
	Entries    []Record `cbor:"entries"`
}

// Record is one occupied slot.
type Record struct {
	Slot       int    `cbor:"slot"`
	Kind       uint8  `cbor:"kind"`
	Mode       uint32 `cbor:"mode"`
	UID        uint32 `cbor:"uid"`
	GID        uint32 `cbor:"gid"`
	AccessedAt int64  `cbor:"atime"`
	ModifiedAt int64  `cbor:"mtime"`
	Path       string `cbor:"path"`
	ParentPath string `cbor:"parent"`
	Content    []byte `cbor:"content,omitempty"`
}

// Meta describes an image beyond the table itself.
type Meta struct {
	VolumeID uuid.UUID
	SavedAt  time.Time
}

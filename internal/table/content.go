package table

import "golang.org/x/sys/unix"

// Read returns up to length bytes of the file in slot starting at
// offset. Reading at or past the logical end returns no bytes and no
// error. A read that returns data updates the access time.
func (t *Table) Read(slot int, offset int64, length int) ([]byte, error) {
	e, err := t.entry(slot)
	if err != nil {
		return nil, err
	}
	if e.Kind != KindFile {
		return nil, ErrIsDirectory
	}
	if offset < 0 || length < 0 {
		return nil, ErrInvalidArgument
	}

	size := int64(e.Size())
	if offset >= size {
		return []byte{}, nil
	}
	n := int64(length)
	if n > size-offset {
		n = size - offset
	}

	out := make([]byte, n)
	copy(out, e.content[offset:offset+n])
	if n > 0 {
		e.AccessedAt = t.opts.Clock().Unix()
	}
	return out, nil
}

// Write copies data into the file in slot at offset and terminates the
// content right after it. A write that would end past MaxContent fails
// with ErrNoSpace and leaves the buffer untouched.
//
// Bytes between the current logical end and offset keep whatever the
// buffer held before unless the table zero-fills gaps.
func (t *Table) Write(slot int, offset int64, data []byte) (int, error) {
	e, err := t.entry(slot)
	if err != nil {
		return 0, err
	}
	if e.Kind != KindFile {
		return 0, ErrIsDirectory
	}
	if offset < 0 {
		return 0, ErrInvalidArgument
	}
	limit := int64(t.opts.MaxContent)
	if offset > limit || int64(len(data)) > limit-offset {
		return 0, ErrNoSpace
	}
	end := offset + int64(len(data))

	if t.opts.ZeroFillGaps {
		if size := int64(e.Size()); offset > size {
			clear(e.content[size:offset])
		}
	}
	copy(e.content[offset:], data)
	e.content[end] = 0
	e.ModifiedAt = t.opts.Clock().Unix()
	return len(data), nil
}

// Truncate shortens the file in slot to size bytes. Sizes at or beyond
// the current length are a no-op; content is never extended.
func (t *Table) Truncate(slot int, size int64) error {
	e, err := t.entry(slot)
	if err != nil {
		return err
	}
	if e.Kind != KindFile {
		return ErrIsDirectory
	}
	if size < 0 {
		return ErrInvalidArgument
	}
	if size < int64(e.Size()) {
		e.content[size] = 0
		e.ModifiedAt = t.opts.Clock().Unix()
	}
	return nil
}

// Touch sets both timestamps of the entry in slot.
func (t *Table) Touch(slot int, accessedAt, modifiedAt int64) error {
	e, err := t.entry(slot)
	if err != nil {
		return err
	}
	e.AccessedAt = accessedAt
	e.ModifiedAt = modifiedAt
	return nil
}

// Chmod replaces the permission bits of the entry in slot. Type bits
// are kept.
func (t *Table) Chmod(slot int, mode uint32) error {
	e, err := t.entry(slot)
	if err != nil {
		return err
	}
	e.Mode = (e.Mode & unix.S_IFMT) | (mode &^ unix.S_IFMT)
	return nil
}

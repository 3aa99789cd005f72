// https://github.com/usbarmory/liveupdate
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package image

import (
	"encoding/binary"
	"fmt"
)

// View is a read-only, bounds-checked cursor over a staged update image.
// Every sub-slice it hands out is checked against the buffer it was built
// from; callers never perform raw address arithmetic into the underlying
// bytes, which is the one thing the original firmware's unchecked pointer
// walk got wrong (spec DESIGN NOTES, "typed cursors").
type View struct {
	Header *Header
	raw    []byte // the full staged buffer, header included

	text   []byte
	rodata []byte

	predicates []byte // predicate records, header stripped
	transfers  []byte // transfer records, header stripped
	hwInits    []byte // hw_init records, header stripped
	memInits   []byte // mem_init records, header stripped
}

// Decode parses buf (a complete header+payload buffer) into a View,
// validating the header and every inter-section cursor against the buffer
// length. It does not walk predicate bodies - that is Predicates' job,
// since only the predicate evaluator and swap engine know how to interpret
// a predicate's variable-length sub-records.
func Decode(buf []byte, currentVersion uint32) (*View, error) {
	h, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}

	if err := h.Validate(currentVersion); err != nil {
		return nil, err
	}

	if uint64(HeaderSize)+uint64(h.PayloadSize) != uint64(len(buf)) {
		return nil, fmt.Errorf("%w: header+payload_size=%d, got %d bytes", ErrSizeMismatch,
			uint64(HeaderSize)+uint64(h.PayloadSize), len(buf))
	}

	v := &View{Header: h, raw: buf}

	off := HeaderSize

	v.text, off, err = take(buf, off, int(h.TextSize))
	if err != nil {
		return nil, fmt.Errorf("text section: %w", err)
	}

	v.rodata, off, err = take(buf, off, int(h.RodataSize))
	if err != nil {
		return nil, fmt.Errorf("rodata section: %w", err)
	}

	v.predicates, off, err = takeSized(buf, off)
	if err != nil {
		return nil, fmt.Errorf("predicates section: %w", err)
	}

	v.transfers, off, err = takeSized(buf, off)
	if err != nil {
		return nil, fmt.Errorf("transfers section: %w", err)
	}

	v.hwInits, off, err = takeSized(buf, off)
	if err != nil {
		return nil, fmt.Errorf("hw_init section: %w", err)
	}

	v.memInits, off, err = takeSized(buf, off)
	if err != nil {
		return nil, fmt.Errorf("mem_init section: %w", err)
	}

	if off != len(buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes after mem_init section", ErrCorrupt, len(buf)-off)
	}

	return v, nil
}

// take returns buf[off:off+n] and the offset following it, failing if that
// range runs past the end of buf.
func take(buf []byte, off, n int) ([]byte, int, error) {
	if n < 0 || off+n > len(buf) {
		return nil, 0, fmt.Errorf("%w: range [%d:%d) exceeds buffer of length %d", ErrCorrupt, off, off+n, len(buf))
	}
	return buf[off : off+n], off + n, nil
}

// takeSized reads a 4-byte size header (size includes itself) at off and
// returns the section body (size-4 bytes) along with the offset following
// the whole section.
func takeSized(buf []byte, off int) ([]byte, int, error) {
	if off+4 > len(buf) {
		return nil, 0, fmt.Errorf("%w: size header at %d exceeds buffer of length %d", ErrCorrupt, off, len(buf))
	}

	size := binary.LittleEndian.Uint32(buf[off:])
	if size < 4 {
		return nil, 0, fmt.Errorf("%w: section size %d smaller than its own header", ErrCorrupt, size)
	}

	body, next, err := take(buf, off+4, int(size)-4)
	if err != nil {
		return nil, 0, err
	}

	return body, next, nil
}

// Text returns the new code segment bytes.
func (v *View) Text() []byte { return v.text }

// Rodata returns the new read-only data segment bytes.
func (v *View) Rodata() []byte { return v.rodata }

// CheckTotals verifies the §3 invariant that section sizes sum to
// PayloadSize. Decode already enforces this implicitly (it would run out
// of buffer otherwise), but CheckTotals is exposed for lu-imgtool's
// standalone "verify" subcommand, which wants to report the invariant
// without walking predicate bodies.
func (v *View) CheckTotals() error {
	sum := uint64(v.Header.TextSize) + uint64(v.Header.RodataSize) +
		uint64(len(v.predicates)+4) + uint64(len(v.transfers)+4) +
		uint64(len(v.hwInits)+4) + uint64(len(v.memInits)+4)

	if sum != uint64(v.Header.PayloadSize) {
		return fmt.Errorf("%w: sections sum to %d, payload_size is %d", ErrSizeMismatch, sum, v.Header.PayloadSize)
	}

	return nil
}

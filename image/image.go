// Update image format
// https://github.com/usbarmory/liveupdate
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package image implements the on-wire and on-flash layout of a live
// update payload: a fixed-size header followed by new .text/.rodata
// segments and a sequence of length-prefixed sections (predicates,
// transfers, hardware initialization, memory initialization).
//
// All multi-byte fields are little-endian 32-bit, all records are packed
// without padding, and section boundaries are computed by summing the
// declared size of each preceding section - there is no separate offset
// table.
package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the packed, on-wire size of Header in bytes.
const HeaderSize = 14 * 4

// Flag bits for Header.Flags.
const (
	// FlagPredicateOnly instructs the evaluator to run to completion but
	// never report a match, used to instrument predicate evaluation cost
	// without committing an update.
	FlagPredicateOnly uint32 = 1 << 0
	// FlagWriteOnly instructs the flash writer to stop after writing the
	// image, without arming the predicate evaluator.
	FlagWriteOnly uint32 = 1 << 1
)

// Header is the fixed-size prefix of an update image.
type Header struct {
	Version        uint32
	MainPtrAddr    uint32
	MainPtr        uint32
	UpdateFlagAddr uint32
	TextStart      uint32
	TextSize       uint32
	RodataStart    uint32
	RodataSize     uint32
	BssStart       uint32
	BssSize        uint32
	BssStartAddr   uint32
	BssSizeAddr    uint32
	PayloadSize    uint32
	Flags          uint32
}

// PredicateOnly reports whether FlagPredicateOnly is set.
func (h *Header) PredicateOnly() bool { return h.Flags&FlagPredicateOnly != 0 }

// WriteOnly reports whether FlagWriteOnly is set.
func (h *Header) WriteOnly() bool { return h.Flags&FlagWriteOnly != 0 }

// HasBSS reports whether the image carries a non-empty BSS segment.
func (h *Header) HasBSS() bool { return h.BssStart != 0 }

// DecodeHeaderPrefix reads just the Header from the front of buf,
// without running Validate. It exists for package serial, which needs
// version and payload_size to frame an image before the rest of the
// header is necessarily meaningful.
func DecodeHeaderPrefix(buf []byte) (*Header, error) {
	return decodeHeader(buf)
}

// decodeHeader reads a Header from the front of buf.
func decodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: short header (%d < %d)", ErrCorrupt, len(buf), HeaderSize)
	}

	r := bytes.NewReader(buf[:HeaderSize])
	h := &Header{}

	fields := []*uint32{
		&h.Version, &h.MainPtrAddr, &h.MainPtr, &h.UpdateFlagAddr,
		&h.TextStart, &h.TextSize, &h.RodataStart, &h.RodataSize,
		&h.BssStart, &h.BssSize, &h.BssStartAddr, &h.BssSizeAddr,
		&h.PayloadSize, &h.Flags,
	}

	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}

	return h, nil
}

// Bytes encodes the header in its packed little-endian on-wire form.
func (h *Header) Bytes() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(HeaderSize)

	fields := []uint32{
		h.Version, h.MainPtrAddr, h.MainPtr, h.UpdateFlagAddr,
		h.TextStart, h.TextSize, h.RodataStart, h.RodataSize,
		h.BssStart, h.BssSize, h.BssStartAddr, h.BssSizeAddr,
		h.PayloadSize, h.Flags,
	}

	for _, f := range fields {
		binary.Write(buf, binary.LittleEndian, f)
	}

	return buf.Bytes()
}

// Errors returned while decoding or walking an image.
var (
	// ErrCorrupt indicates a structural mismatch while walking sections:
	// a declared size runs past the staging buffer, or the bytes consumed
	// while walking a record's body don't match its declared sub-counts.
	ErrCorrupt = errors.New("image: corrupt")
	// ErrVersionMismatch indicates the image header's format version does
	// not match CurrentVersion.
	ErrVersionMismatch = errors.New("image: version mismatch")
	// ErrSizeMismatch indicates the sum of section sizes does not equal
	// PayloadSize.
	ErrSizeMismatch = errors.New("image: payload size mismatch")
)

// Validate checks header-level invariants that do not require walking
// variable-length sections: the format version and word alignment of the
// text and rodata lengths. Checking payload_size against the buffer
// length is left to Decode.
func (h *Header) Validate(currentVersion uint32) error {
	if h.Version != currentVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, h.Version, currentVersion)
	}

	if h.TextSize%4 != 0 {
		return fmt.Errorf("%w: text_size %d not word-aligned", ErrCorrupt, h.TextSize)
	}

	if h.RodataSize%4 != 0 {
		return fmt.Errorf("%w: rodata_size %d not word-aligned", ErrCorrupt, h.RodataSize)
	}

	return nil
}

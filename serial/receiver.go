// Byte sink and framer
// https://github.com/usbarmory/liveupdate
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package serial implements the fixed-capacity staging buffer that
// accumulates an incoming update image from serial ISR chunks and
// recognizes a complete, well-formed payload (spec.md §4.1).
package serial

import (
	"errors"
	"fmt"

	"github.com/usbarmory/liveupdate/image"
)

// ErrVersionMismatch indicates the staged header's format version does
// not match CurrentVersion. The image is discarded silently: it will
// never complete, and a later Reset clears the counter for the next
// attempt (spec.md §4.1, §7).
var ErrVersionMismatch = image.ErrVersionMismatch

// ErrOverflow indicates the incoming chunk would exceed the staging
// buffer's capacity. The chunk is not copied and the whole staged image is
// discarded (the received-byte counter returns to zero), so this image
// never completes (spec.md §4.1 "Failure mode").
var ErrOverflow = errors.New("serial: staging buffer overflow")

// Receiver accumulates bytes from the serial ISR into a fixed-capacity
// staging buffer and recognizes a complete payload by cross-checking the
// declared header.payload_size against the accumulated byte count. The
// staging buffer is allocated once, at construction; Write copies into it
// and does not grow it.
type Receiver struct {
	CurrentVersion uint32

	buf      []byte
	received int
}

// NewReceiver returns a Receiver with a staging buffer of the given
// capacity (spec.md §6 "max image bytes").
func NewReceiver(capacity int, currentVersion uint32) *Receiver {
	return &Receiver{
		CurrentVersion: currentVersion,
		buf:            make([]byte, capacity),
	}
}

// Reset clears the received-byte counter, discarding any partially
// staged image.
func (r *Receiver) Reset() {
	r.received = 0
}

// Len reports the number of bytes currently staged.
func (r *Receiver) Len() int {
	return r.received
}

// Write appends chunk to the staging buffer and reports whether the
// image is now complete. It never blocks. It does allocate: decoding the
// staged header on each call once HeaderSize bytes are present, and
// building each returned error.
//
// Per spec.md §4.1: fewer than HeaderSize bytes staged is a no-op (ok,
// false, nil); a version mismatch once the header is staged discards the
// image in place (the caller should Reset); exactly
// HeaderSize+payload_size bytes staged reports completion; more than
// that is corruption and the image is discarded.
func (r *Receiver) Write(chunk []byte) (complete bool, err error) {
	if r.received+len(chunk) > len(r.buf) {
		r.Reset()
		return false, fmt.Errorf("%w: %d bytes would exceed %d-byte buffer", ErrOverflow, r.received+len(chunk), len(r.buf))
	}

	copy(r.buf[r.received:], chunk)
	r.received += len(chunk)

	if r.received < image.HeaderSize {
		return false, nil
	}

	h, err := image.DecodeHeaderPrefix(r.buf[:image.HeaderSize])
	if err != nil {
		return false, err
	}

	if h.Version != r.CurrentVersion {
		return false, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, h.Version, r.CurrentVersion)
	}

	want := image.HeaderSize + int(h.PayloadSize)

	switch {
	case r.received == want:
		return true, nil
	case r.received > want:
		r.Reset()
		return false, fmt.Errorf("%w: received %d bytes, want %d", image.ErrSizeMismatch, r.received, want)
	default:
		return false, nil
	}
}

// Bytes returns the staged buffer up to the currently received length.
// The caller must not retain it past the next Write or Reset.
func (r *Receiver) Bytes() []byte {
	return r.buf[:r.received]
}

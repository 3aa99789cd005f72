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

// Transfer is a bulk memcpy instruction: copy Size bytes from Origin to
// Dest, migrating application-level state from old memory locations to
// new ones.
type Transfer struct {
	Origin uint32
	Dest   uint32
	Size   uint32
}

const transferRecordSize = 12

// Transfers decodes the fixed-size transfer records in the transfers
// section.
func (v *View) Transfers() ([]Transfer, error) {
	if len(v.transfers)%transferRecordSize != 0 {
		return nil, fmt.Errorf("%w: transfers section length %d not a multiple of %d", ErrCorrupt, len(v.transfers), transferRecordSize)
	}

	le := binary.LittleEndian
	out := make([]Transfer, 0, len(v.transfers)/transferRecordSize)

	for off := 0; off < len(v.transfers); off += transferRecordSize {
		out = append(out, Transfer{
			Origin: le.Uint32(v.transfers[off:]),
			Dest:   le.Uint32(v.transfers[off+4:]),
			Size:   le.Uint32(v.transfers[off+8:]),
		})
	}

	return out, nil
}

// HwInits decodes the variable-size hw_init records, in declaration
// order, as raw {fn_token, args} pairs. Interpreting fn_token into a
// concrete hardware operation is package hw's job (hw.DecodeOp).
func (v *View) HwInits() ([]HwRecord, error) {
	recs, err := decodeHwRecords(v.hwInits)
	if err != nil {
		return nil, fmt.Errorf("hw_init section: %w", err)
	}
	return recs, nil
}

// MemInit writes the 32-bit value Val at byte address Addr+Offset,
// initializing a global in the new image's data segment.
type MemInit struct {
	Addr   uint32
	Offset uint32
	Val    uint32
}

const memInitRecordSize = 12

// MemInits decodes the fixed-size mem_init records.
func (v *View) MemInits() ([]MemInit, error) {
	if len(v.memInits)%memInitRecordSize != 0 {
		return nil, fmt.Errorf("%w: mem_init section length %d not a multiple of %d", ErrCorrupt, len(v.memInits), memInitRecordSize)
	}

	le := binary.LittleEndian
	out := make([]MemInit, 0, len(v.memInits)/memInitRecordSize)

	for off := 0; off < len(v.memInits); off += memInitRecordSize {
		out = append(out, MemInit{
			Addr:   le.Uint32(v.memInits[off:]),
			Offset: le.Uint32(v.memInits[off+4:]),
			Val:    le.Uint32(v.memInits[off+8:]),
		})
	}

	return out, nil
}

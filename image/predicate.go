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

// Operation is a pointer to a timer in the old image whose activity state
// gates (inactive-op) or is cancelled by (reset-op) a predicate.
type Operation struct {
	TimerPtr uint32
}

// ConstraintRange is an inclusive [Lower, Upper] bound on a constrained
// value.
type ConstraintRange struct {
	Lower, Upper uint32
}

// Constraint requires the value at SymbolAddr, read at the declared Width,
// to lie within at least one of Ranges.
type Constraint struct {
	SymbolAddr uint32
	Width      uint8 // 1, 2, or 4
	Ranges     []ConstraintRange
}

// Satisfied reports whether val lies within at least one of c's ranges.
func (c *Constraint) Satisfied(val uint32) bool {
	for _, r := range c.Ranges {
		if r.Lower <= val && val <= r.Upper {
			return true
		}
	}
	return false
}

// StateTransfer writes a 32-bit value at byte address Addr+Offset.
type StateTransfer struct {
	Addr   uint32
	Offset uint32
	Val    uint32
}

// HwRecord is one raw {size, fn_ptr, args...} record from a hw-init or
// hw-transfer block. Decoding the fn_ptr/args pair into a typed hw.Op is
// the job of package hw (see hw.DecodeOp); image only knows how to walk
// the packed bytes.
type HwRecord struct {
	FnToken uint32
	Args    []uint32
}

// Predicate is the conjunction of {event identity, required timer states,
// data constraints} whose satisfaction authorizes a swap, plus the
// predicate-local state and hardware initialization applied at commit
// time.
type Predicate struct {
	EventHandlerAddr        uint32
	UpdatedEventHandlerAddr uint32

	InactiveOps []Operation
	ResetOps    []Operation
	Constraints []Constraint
	StateInit   []StateTransfer
	HwTransfer  []HwRecord

	// size is the record's declared total byte length, as decoded.
	size int
}

// Predicates walks the predicates section, decoding each record in
// declaration order. A short read, a sub-count that doesn't account for
// all of the record's declared size, or a size that runs past the section
// returns ErrCorrupt - the conformant bounds checking the original
// firmware lacked (spec DESIGN NOTES / Open Questions).
func (v *View) Predicates() ([]*Predicate, error) {
	buf := v.predicates
	var out []*Predicate

	for off := 0; off < len(buf); {
		p, n, err := decodePredicate(buf[off:])
		if err != nil {
			return nil, fmt.Errorf("predicate at offset %d: %w", off, err)
		}
		out = append(out, p)
		off += n
	}

	return out, nil
}

const predicateHeaderSize = 4 * 8 // size, event_handler_addr, updated_event_handler_addr,
// n_inactive_ops, n_reset_ops, n_constraints, n_state_init, hw_transfer_size

func decodePredicate(buf []byte) (*Predicate, int, error) {
	if len(buf) < predicateHeaderSize {
		return nil, 0, fmt.Errorf("%w: short predicate header", ErrCorrupt)
	}

	le := binary.LittleEndian
	size := le.Uint32(buf[0:4])
	p := &Predicate{
		EventHandlerAddr:        le.Uint32(buf[4:8]),
		UpdatedEventHandlerAddr: le.Uint32(buf[8:12]),
	}
	nInactive := le.Uint32(buf[12:16])
	nReset := le.Uint32(buf[16:20])
	nConstraints := le.Uint32(buf[20:24])
	nStateInit := le.Uint32(buf[24:28])
	hwTransferSize := le.Uint32(buf[28:32])

	if size < predicateHeaderSize || int(size) > len(buf) {
		return nil, 0, fmt.Errorf("%w: predicate size %d out of range (have %d bytes)", ErrCorrupt, size, len(buf))
	}

	body := buf[predicateHeaderSize:size]
	off := 0

	for i := uint32(0); i < nInactive; i++ {
		op, n, err := decodeOperation(body[off:])
		if err != nil {
			return nil, 0, fmt.Errorf("inactive-op %d: %w", i, err)
		}
		p.InactiveOps = append(p.InactiveOps, op)
		off += n
	}

	for i := uint32(0); i < nReset; i++ {
		op, n, err := decodeOperation(body[off:])
		if err != nil {
			return nil, 0, fmt.Errorf("reset-op %d: %w", i, err)
		}
		p.ResetOps = append(p.ResetOps, op)
		off += n
	}

	for i := uint32(0); i < nConstraints; i++ {
		c, n, err := decodeConstraint(body[off:])
		if err != nil {
			return nil, 0, fmt.Errorf("constraint %d: %w", i, err)
		}
		p.Constraints = append(p.Constraints, c)
		off += n
	}

	for i := uint32(0); i < nStateInit; i++ {
		st, n, err := decodeStateTransfer(body[off:])
		if err != nil {
			return nil, 0, fmt.Errorf("state-init %d: %w", i, err)
		}
		p.StateInit = append(p.StateInit, st)
		off += n
	}

	if off+int(hwTransferSize) > len(body) {
		return nil, 0, fmt.Errorf("%w: hw_transfer_size %d exceeds remaining predicate body", ErrCorrupt, hwTransferSize)
	}

	hw, err := decodeHwRecords(body[off : off+int(hwTransferSize)])
	if err != nil {
		return nil, 0, fmt.Errorf("hw-transfer: %w", err)
	}
	p.HwTransfer = hw
	off += int(hwTransferSize)

	if off != len(body) {
		return nil, 0, fmt.Errorf("%w: predicate declared sub-counts consumed %d of %d body bytes", ErrCorrupt, off, len(body))
	}

	p.size = int(size)

	return p, int(size), nil
}

func decodeOperation(buf []byte) (Operation, int, error) {
	if len(buf) < 4 {
		return Operation{}, 0, fmt.Errorf("%w: short operation record", ErrCorrupt)
	}
	return Operation{TimerPtr: binary.LittleEndian.Uint32(buf)}, 4, nil
}

// constraintHeaderSize covers size, symbol_addr, bytes (width) and
// n_ranges. The original C predicate_constraint struct predates the
// width field; spec.md §3 promotes width to an explicit wire field so a
// constraint can validate 1/2/4-byte reads without the evaluator having
// to guess, and encoders targeting this format emit it.
const constraintHeaderSize = 4 + 4 + 4 + 4

func decodeConstraint(buf []byte) (Constraint, int, error) {
	if len(buf) < constraintHeaderSize {
		return Constraint{}, 0, fmt.Errorf("%w: short constraint header", ErrCorrupt)
	}

	le := binary.LittleEndian
	size := le.Uint32(buf[0:4])
	symbolAddr := le.Uint32(buf[4:8])
	width := le.Uint32(buf[8:12])
	nRanges := le.Uint32(buf[12:16])

	if width != 1 && width != 2 && width != 4 {
		return Constraint{}, 0, fmt.Errorf("%w: constraint width %d not in {1,2,4}", ErrCorrupt, width)
	}

	if size < constraintHeaderSize || int(size) > len(buf) {
		return Constraint{}, 0, fmt.Errorf("%w: constraint size %d out of range", ErrCorrupt, size)
	}

	want := constraintHeaderSize + int(nRanges)*8
	if want != int(size) {
		return Constraint{}, 0, fmt.Errorf("%w: constraint declares %d ranges but size is %d", ErrCorrupt, nRanges, size)
	}

	c := Constraint{SymbolAddr: symbolAddr, Width: uint8(width)}

	off := constraintHeaderSize
	for i := uint32(0); i < nRanges; i++ {
		c.Ranges = append(c.Ranges, ConstraintRange{
			Lower: le.Uint32(buf[off:]),
			Upper: le.Uint32(buf[off+4:]),
		})
		off += 8
	}

	return c, int(size), nil
}

const stateTransferSize = 12 // addr, offset, val

func decodeStateTransfer(buf []byte) (StateTransfer, int, error) {
	if len(buf) < stateTransferSize {
		return StateTransfer{}, 0, fmt.Errorf("%w: short state-transfer record", ErrCorrupt)
	}
	le := binary.LittleEndian
	return StateTransfer{
		Addr:   le.Uint32(buf[0:4]),
		Offset: le.Uint32(buf[4:8]),
		Val:    le.Uint32(buf[8:12]),
	}, stateTransferSize, nil
}

func decodeHwRecords(buf []byte) ([]HwRecord, error) {
	var out []HwRecord

	for off := 0; off < len(buf); {
		if off+8 > len(buf) {
			return nil, fmt.Errorf("%w: short hw record header", ErrCorrupt)
		}

		le := binary.LittleEndian
		size := le.Uint32(buf[off:])
		fn := le.Uint32(buf[off+4:])

		if size < 8 || off+int(size) > len(buf) {
			return nil, fmt.Errorf("%w: hw record size %d out of range", ErrCorrupt, size)
		}

		argBytes := buf[off+8 : off+int(size)]
		if len(argBytes)%4 != 0 {
			return nil, fmt.Errorf("%w: hw record args not word-multiple (%d bytes)", ErrCorrupt, len(argBytes))
		}

		var args []uint32
		for i := 0; i < len(argBytes); i += 4 {
			args = append(args, le.Uint32(argBytes[i:]))
		}

		out = append(out, HwRecord{FnToken: fn, Args: args})
		off += int(size)
	}

	return out, nil
}

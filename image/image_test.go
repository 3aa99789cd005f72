// https://github.com/usbarmory/liveupdate
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package image

import (
	"errors"
	"testing"
)

const testVersion = 11

func simpleBuilder() *Builder {
	return &Builder{
		Header: Header{
			Version:        testVersion,
			MainPtrAddr:    0x1000,
			MainPtr:        0x2000,
			UpdateFlagAddr: 0x1004,
			TextStart:      0x2000,
			RodataStart:    0x3000,
		},
		Text:   []byte{0xde, 0xad, 0xbe, 0xef},
		Rodata: []byte{0x01, 0x02, 0x03, 0x04},
		Predicates: []PredicateBuilder{
			{
				EventHandlerAddr:        0x4000,
				UpdatedEventHandlerAddr: 0x5000,
				Constraints: []ConstraintBuilder{
					{SymbolAddr: 0x6000, Width: 4, Ranges: []ConstraintRange{{Lower: 5, Upper: 10}}},
				},
			},
		},
		Transfers: []Transfer{
			{Origin: 0x100, Dest: 0x200, Size: 16},
		},
		HwInits: []HwRecord{
			{FnToken: 1, Args: []uint32{0xaa, 0xbb}},
		},
		MemInits: []MemInit{
			{Addr: 0x300, Offset: 4, Val: 0x42},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	b := simpleBuilder()
	buf := b.Bytes()

	v, err := Decode(buf, testVersion)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if v.Header.MainPtr != 0x2000 {
		t.Errorf("MainPtr = %#x, want 0x2000", v.Header.MainPtr)
	}

	if string(v.Text()) != string(b.Text) {
		t.Errorf("Text mismatch: got %x, want %x", v.Text(), b.Text)
	}

	preds, err := v.Predicates()
	if err != nil {
		t.Fatalf("Predicates: %v", err)
	}
	if len(preds) != 1 {
		t.Fatalf("got %d predicates, want 1", len(preds))
	}
	if preds[0].EventHandlerAddr != 0x4000 {
		t.Errorf("EventHandlerAddr = %#x, want 0x4000", preds[0].EventHandlerAddr)
	}
	if len(preds[0].Constraints) != 1 || preds[0].Constraints[0].Width != 4 {
		t.Fatalf("constraint decode mismatch: %+v", preds[0].Constraints)
	}

	transfers, err := v.Transfers()
	if err != nil {
		t.Fatalf("Transfers: %v", err)
	}
	if len(transfers) != 1 || transfers[0].Dest != 0x200 {
		t.Errorf("transfers mismatch: %+v", transfers)
	}

	hwInits, err := v.HwInits()
	if err != nil {
		t.Fatalf("HwInits: %v", err)
	}
	if len(hwInits) != 1 || hwInits[0].FnToken != 1 || len(hwInits[0].Args) != 2 {
		t.Errorf("hwInits mismatch: %+v", hwInits)
	}

	memInits, err := v.MemInits()
	if err != nil {
		t.Fatalf("MemInits: %v", err)
	}
	if len(memInits) != 1 || memInits[0].Val != 0x42 {
		t.Errorf("memInits mismatch: %+v", memInits)
	}

	if err := v.CheckTotals(); err != nil {
		t.Errorf("CheckTotals: %v", err)
	}
}

func TestVersionMismatch(t *testing.T) {
	b := simpleBuilder()
	b.Header.Version = testVersion + 1
	buf := b.Bytes()

	_, err := Decode(buf, testVersion)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("Decode err = %v, want ErrVersionMismatch", err)
	}
}

func TestEmptyPayload(t *testing.T) {
	b := &Builder{Header: Header{Version: testVersion}}
	buf := b.Bytes()

	v, err := Decode(buf, testVersion)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	preds, err := v.Predicates()
	if err != nil {
		t.Fatalf("Predicates: %v", err)
	}
	if len(preds) != 0 {
		t.Errorf("got %d predicates for empty image, want 0", len(preds))
	}
}

func TestTruncatedBufferIsCorrupt(t *testing.T) {
	b := simpleBuilder()
	buf := b.Bytes()

	_, err := Decode(buf[:len(buf)-4], testVersion)
	if !errors.Is(err, ErrCorrupt) && !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("Decode err = %v, want ErrCorrupt or ErrSizeMismatch", err)
	}
}

func TestOversizedPredicateSizeIsCorrupt(t *testing.T) {
	b := simpleBuilder()
	buf := b.Bytes()

	// corrupt the predicate record's own size field (first 4 bytes of the
	// predicate body, right after the 4-byte predicates-section header)
	predOff := HeaderSize + len(b.Text) + len(b.Rodata) + 4
	buf[predOff] = 0xff
	buf[predOff+1] = 0xff

	v, err := Decode(buf, testVersion)
	if err != nil {
		// section-level bounds check may already reject it
		if errors.Is(err, ErrCorrupt) {
			return
		}
		t.Fatalf("Decode: %v", err)
	}

	if _, err := v.Predicates(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Predicates err = %v, want ErrCorrupt", err)
	}
}

func TestConstraintWidths(t *testing.T) {
	for _, width := range []uint8{1, 2, 4} {
		b := &Builder{
			Header: Header{Version: testVersion},
			Predicates: []PredicateBuilder{
				{
					Constraints: []ConstraintBuilder{
						{SymbolAddr: 0x1001, Width: width, Ranges: []ConstraintRange{{Lower: 0, Upper: 255}}},
					},
				},
			},
		}

		v, err := Decode(b.Bytes(), testVersion)
		if err != nil {
			t.Fatalf("width %d: Decode: %v", width, err)
		}

		preds, err := v.Predicates()
		if err != nil {
			t.Fatalf("width %d: Predicates: %v", width, err)
		}

		if preds[0].Constraints[0].Width != width {
			t.Errorf("width %d: got %d", width, preds[0].Constraints[0].Width)
		}
	}
}

func TestBssStartZeroMeansNoBSS(t *testing.T) {
	h := &Header{BssStart: 0}
	if h.HasBSS() {
		t.Errorf("HasBSS() = true for BssStart == 0")
	}

	h.BssStart = 0x7000
	if !h.HasBSS() {
		t.Errorf("HasBSS() = false for non-zero BssStart")
	}
}

func TestWriteOnlyAndPredicateOnlyFlags(t *testing.T) {
	h := &Header{Flags: FlagWriteOnly}
	if !h.WriteOnly() || h.PredicateOnly() {
		t.Errorf("flag decode mismatch for write-only: %+v", h)
	}

	h = &Header{Flags: FlagPredicateOnly}
	if !h.PredicateOnly() || h.WriteOnly() {
		t.Errorf("flag decode mismatch for predicate-only: %+v", h)
	}
}

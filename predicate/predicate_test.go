// https://github.com/usbarmory/liveupdate
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package predicate_test

import (
	"testing"

	"github.com/usbarmory/liveupdate/hw/hwtest"
	"github.com/usbarmory/liveupdate/image"
	"github.com/usbarmory/liveupdate/predicate"
)

const testVersion = 11

func decode(t *testing.T, b *image.Builder) *image.View {
	t.Helper()
	v, err := image.Decode(b.Bytes(), testVersion)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return v
}

// TestEvaluateSimpleConstraintMatch is spec.md §8 scenario 1.
func TestEvaluateSimpleConstraintMatch(t *testing.T) {
	mem := hwtest.NewMemory()
	mem.Set(0xa000, []byte{7, 0, 0, 0})

	b := &image.Builder{
		Header: image.Header{Version: testVersion},
		Predicates: []image.PredicateBuilder{
			{
				EventHandlerAddr:        0x1000,
				UpdatedEventHandlerAddr: 0x2000,
				Constraints: []image.ConstraintBuilder{
					{SymbolAddr: 0xa000, Width: 4, Ranges: []image.ConstraintRange{{Lower: 5, Upper: 10}}},
				},
			},
		},
	}
	v := decode(t, b)

	matched, ok, err := predicate.Evaluate(v, 0x1000, nil, mem, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !ok {
		t.Fatalf("got no match, want a match")
	}
	if matched.UpdatedEventHandlerAddr != 0x2000 {
		t.Errorf("UpdatedEventHandlerAddr = %#x, want 0x2000", matched.UpdatedEventHandlerAddr)
	}
}

// TestEvaluateOutOfRangeConstraint is spec.md §8 scenario 2.
func TestEvaluateOutOfRangeConstraint(t *testing.T) {
	mem := hwtest.NewMemory()
	mem.Set(0xa000, []byte{11, 0, 0, 0})

	b := &image.Builder{
		Header: image.Header{Version: testVersion},
		Predicates: []image.PredicateBuilder{
			{
				EventHandlerAddr: 0x1000,
				Constraints: []image.ConstraintBuilder{
					{SymbolAddr: 0xa000, Width: 4, Ranges: []image.ConstraintRange{{Lower: 5, Upper: 10}}},
				},
			},
		},
	}
	v := decode(t, b)

	_, ok, err := predicate.Evaluate(v, 0x1000, nil, mem, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ok {
		t.Errorf("got a match, want none for out-of-range constraint")
	}
}

// TestEvaluateInactiveOpRequired is spec.md §8 scenario 3.
func TestEvaluateInactiveOpRequired(t *testing.T) {
	timer := hwtest.NewTimer()
	mem := hwtest.NewMemory()

	b := &image.Builder{
		Header: image.Header{Version: testVersion},
		Predicates: []image.PredicateBuilder{
			{
				EventHandlerAddr: 0x1000,
				InactiveOps:      []uint32{0x55},
			},
		},
	}
	v := decode(t, b)

	timer.Arm(0x55)
	if _, ok, err := predicate.Evaluate(v, 0x1000, timer, mem, nil); err != nil || ok {
		t.Fatalf("Evaluate while pending: ok=%v err=%v, want ok=false", ok, err)
	}

	if err := timer.Abort(0x55); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, ok, err := predicate.Evaluate(v, 0x1000, timer, mem, nil); err != nil || !ok {
		t.Fatalf("Evaluate after expiry: ok=%v err=%v, want ok=true", ok, err)
	}
}

// TestEvaluatePredicateOnlyNeverMatches is spec.md §8 scenario 4.
func TestEvaluatePredicateOnlyNeverMatches(t *testing.T) {
	mem := hwtest.NewMemory()
	mem.Set(0xa000, []byte{7, 0, 0, 0})

	b := &image.Builder{
		Header: image.Header{Version: testVersion, Flags: image.FlagPredicateOnly},
		Predicates: []image.PredicateBuilder{
			{
				EventHandlerAddr: 0x1000,
				Constraints: []image.ConstraintBuilder{
					{SymbolAddr: 0xa000, Width: 4, Ranges: []image.ConstraintRange{{Lower: 5, Upper: 10}}},
				},
			},
		},
	}
	v := decode(t, b)

	_, ok, err := predicate.Evaluate(v, 0x1000, nil, mem, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ok {
		t.Errorf("got a match in predicate_only mode, want none")
	}
}

// TestEvaluateFirstMatchWins is spec.md §8 scenario 5.
func TestEvaluateFirstMatchWins(t *testing.T) {
	mem := hwtest.NewMemory()

	b := &image.Builder{
		Header: image.Header{Version: testVersion},
		Predicates: []image.PredicateBuilder{
			{EventHandlerAddr: 0x1000, UpdatedEventHandlerAddr: 0x2000},
			{EventHandlerAddr: 0x1000, UpdatedEventHandlerAddr: 0x3000},
		},
	}
	v := decode(t, b)

	matched, ok, err := predicate.Evaluate(v, 0x1000, nil, mem, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !ok {
		t.Fatalf("got no match, want the first predicate")
	}
	if matched.UpdatedEventHandlerAddr != 0x2000 {
		t.Errorf("UpdatedEventHandlerAddr = %#x, want 0x2000 (first in declaration order)", matched.UpdatedEventHandlerAddr)
	}
}

func TestEvaluateThumbBitIgnoredOnBothSides(t *testing.T) {
	mem := hwtest.NewMemory()

	b := &image.Builder{
		Header: image.Header{Version: testVersion},
		Predicates: []image.PredicateBuilder{
			{EventHandlerAddr: 0x1001, UpdatedEventHandlerAddr: 0x2001},
		},
	}
	v := decode(t, b)

	if _, ok, err := predicate.Evaluate(v, 0x1000, nil, mem, nil); err != nil || !ok {
		t.Fatalf("Evaluate: ok=%v err=%v, want ok=true (thumb bit ignored)", ok, err)
	}
}

func TestEvaluateNoMatchingEvent(t *testing.T) {
	mem := hwtest.NewMemory()

	b := &image.Builder{
		Header:     image.Header{Version: testVersion},
		Predicates: []image.PredicateBuilder{{EventHandlerAddr: 0x1000}},
	}
	v := decode(t, b)

	if _, ok, err := predicate.Evaluate(v, 0x9999, nil, mem, nil); err != nil || ok {
		t.Fatalf("Evaluate: ok=%v err=%v, want ok=false", ok, err)
	}
}

func TestEvaluateClockInstrumentation(t *testing.T) {
	mem := hwtest.NewMemory()
	clk := &hwtest.Clock{}
	clk.Advance(10)

	b := &image.Builder{
		Header:     image.Header{Version: testVersion},
		Predicates: []image.PredicateBuilder{{EventHandlerAddr: 0x1000}},
	}
	v := decode(t, b)

	before := clk.Now()
	if _, _, err := predicate.Evaluate(v, 0x1000, nil, mem, clk); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if clk.Now() != before {
		t.Errorf("fake clock advanced on its own, Evaluate should only read it")
	}
}

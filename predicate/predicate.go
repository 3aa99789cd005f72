// Predicate evaluation
// https://github.com/usbarmory/liveupdate
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package predicate implements the pure, non-blocking query that
// decides whether the running application has reached a state in which
// a staged update may safely take over a given event (spec.md §4.3).
package predicate

import (
	"github.com/usbarmory/liveupdate/hw"
	"github.com/usbarmory/liveupdate/image"
)

// Clock is an optional cycle or nanosecond counter. Evaluate reads it at
// entry and exit but does not report or store the elapsed count. A nil
// Clock disables timing without changing behavior.
type Clock = hw.Clock

// thumbMask clears the low bit some architectures use to encode
// instruction-set state in a function address; event addresses are
// compared with this bit ignored, per spec.md §4.3(1).
const thumbMask = ^uint32(1)

// Evaluate walks v's predicates in declaration order and returns the
// first one that matches eventAddr under the current timer liveness
// (timer) and data values (mem), plus whether a match was found. It
// returns (nil, false) whenever v is in predicate-only mode, even if a
// predicate would otherwise have matched (spec.md §4.3, §8 scenario 4) -
// the walk still runs to completion.
//
// Evaluate calls nothing that can block, provided timer and mem do not.
// It is not allocation-free: every call decodes v's predicate records
// afresh through v.Predicates, which allocates.
func Evaluate(v *image.View, eventAddr uint32, timer hw.Timer, mem hw.Memory, clk Clock) (*image.Predicate, bool, error) {
	var start uint64
	if clk != nil {
		start = clk.Now()
	}

	preds, err := v.Predicates()
	if err != nil {
		return nil, false, err
	}

	var matched *image.Predicate

	for _, p := range preds {
		if p.EventHandlerAddr&thumbMask != eventAddr&thumbMask {
			continue
		}

		if !inactiveOpsSatisfied(p, timer) {
			continue
		}

		ok, err := constraintsSatisfied(p, mem)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}

		matched = p
		break
	}

	if clk != nil {
		_ = clk.Now() - start // elapsed is the caller's to log; Evaluate itself has nowhere to put it
	}

	if v.Header.PredicateOnly() {
		return nil, false, nil
	}

	return matched, matched != nil, nil
}

// inactiveOpsSatisfied reports whether every inactive-op timer named by
// p currently has no pending expiry (spec.md §4.3(2)). An empty list is
// trivially satisfied.
func inactiveOpsSatisfied(p *image.Predicate, timer hw.Timer) bool {
	if len(p.InactiveOps) == 0 {
		return true
	}
	if timer == nil {
		return false
	}
	for _, op := range p.InactiveOps {
		if !timer.Inactive(hw.TimerHandle(op.TimerPtr)) {
			return false
		}
	}
	return true
}

// constraintsSatisfied reports whether every constraint in p is
// satisfied by the current value at its symbol address (spec.md
// §4.3(3)).
func constraintsSatisfied(p *image.Predicate, mem hw.Memory) (bool, error) {
	for _, c := range p.Constraints {
		val, err := readConstraintValue(mem, c.SymbolAddr, c.Width)
		if err != nil {
			return false, err
		}
		if !c.Satisfied(val) {
			return false, nil
		}
	}
	return true, nil
}

func readConstraintValue(mem hw.Memory, addr uint32, width uint8) (uint32, error) {
	switch width {
	case 1:
		v, err := mem.Read8(addr)
		return uint32(v), err
	case 2:
		v, err := mem.Read16(addr)
		return uint32(v), err
	default:
		return mem.Read32(addr)
	}
}

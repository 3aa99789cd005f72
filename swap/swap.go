// Quiescent-swap commit engine
// https://github.com/usbarmory/liveupdate
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package swap implements the atomic handler rebinding and state
// migration that runs once the predicate evaluator has found a match
// (spec.md §4.4).
package swap

import (
	"errors"
	"fmt"

	"github.com/usbarmory/liveupdate/hw"
	"github.com/usbarmory/liveupdate/image"
)

// EventKind distinguishes the three event classes a commit can be
// triggered from, since the binding-rebind step (§4.4 step 8) resolves
// the new-image handle differently for each.
type EventKind int

const (
	EventTimer EventKind = iota
	EventGPIO
	EventUART
)

// ErrUnresolvedBinding is returned when no new-image hw-init record
// installs a handler matching the triggering predicate's
// UpdatedEventHandlerAddr (spec.md §7: "UnresolvedBinding"). Commit
// retries the scan up to MaxBindingRetries times before giving up
// instead of busy-looping forever, per spec.md §7's documented (and
// hardened, see DESIGN.md) behavior.
var ErrUnresolvedBinding = errors.New("swap: no new-image binding for triggering event")

// thumbMask clears the instruction-set bit before comparing handler
// addresses, matching predicate.Evaluate's treatment of event_handler_addr.
const thumbMask = ^uint32(1)

// Engine commits a matched predicate: it owns the hardware and memory
// collaborators the commit steps dispatch against.
type Engine struct {
	GPIO     hw.GPIOPort
	Timer    hw.Timer
	Mem      hw.Memory
	Inverted hw.InvertedPins // optional, forwarded to hw.DecodeOp

	// MaxBindingRetries bounds the busy-retry described in spec.md §7.
	// Zero means use the default of 3.
	MaxBindingRetries int

	// RetryDelay is called between binding-scan retries, if non-nil. Tests
	// typically leave it nil for an immediate retry.
	RetryDelay func(attempt int)

	Logf func(format string, args ...any)
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logf != nil {
		e.Logf(format, args...)
	}
}

func (e *Engine) maxRetries() int {
	if e.MaxBindingRetries > 0 {
		return e.MaxBindingRetries
	}
	return 3
}

// Commit runs, in order, the eight steps of spec.md §4.4 for the given
// matched predicate, and returns the new-image binding handle the
// caller should install in its triggering event's slot: an
// hw.TimerHandle value for EventTimer, an hw.CallbackHandle value for
// EventGPIO, or a raw handler address for EventUART.
//
// It is the caller's responsibility (the runtime package) to clear the
// matched-predicate cell, the staged-image pointer, and
// update_write_completed after a successful Commit.
func (e *Engine) Commit(v *image.View, matched *image.Predicate, kind EventKind) (uint32, error) {
	if err := e.cancelCallbacks(); err != nil {
		return 0, fmt.Errorf("cancel callbacks: %w", err)
	}

	if err := e.abortResetOps(matched); err != nil {
		return 0, fmt.Errorf("abort reset-ops: %w", err)
	}

	if err := e.applyStateInit(matched.StateInit); err != nil {
		return 0, fmt.Errorf("state init: %w", err)
	}

	if err := e.applyHwRecords(matched.HwTransfer); err != nil {
		return 0, fmt.Errorf("predicate-local hw transfer: %w", err)
	}

	transfers, err := v.Transfers()
	if err != nil {
		return 0, fmt.Errorf("transfers: %w", err)
	}
	if err := e.applyTransfers(transfers); err != nil {
		return 0, fmt.Errorf("bulk transfer: %w", err)
	}

	hwInits, err := v.HwInits()
	if err != nil {
		return 0, fmt.Errorf("hw_init: %w", err)
	}
	decodedInits, err := e.applyHwInits(hwInits)
	if err != nil {
		return 0, fmt.Errorf("hw init: %w", err)
	}

	memInits, err := v.MemInits()
	if err != nil {
		return 0, fmt.Errorf("mem_init: %w", err)
	}
	if err := e.applyMemInits(memInits); err != nil {
		return 0, fmt.Errorf("mem init: %w", err)
	}

	return e.rebind(matched, kind, decodedInits)
}

// cancelCallbacks removes every currently-registered GPIO callback on
// the affected port (§4.4 step 1), via the enumerate-and-unregister
// contract instead of reaching into driver internals.
func (e *Engine) cancelCallbacks() error {
	if e.GPIO == nil {
		return nil
	}

	cbs, err := e.GPIO.EnumerateCallbacks()
	if err != nil {
		return err
	}

	for _, cb := range cbs {
		if err := e.GPIO.ManageCallback(cb, false); err != nil {
			return err
		}
	}

	return nil
}

// abortResetOps cancels the pending expiry of every reset-op timer
// (§4.4 step 2).
func (e *Engine) abortResetOps(p *image.Predicate) error {
	for _, op := range p.ResetOps {
		if err := e.Timer.Abort(hw.TimerHandle(op.TimerPtr)); err != nil {
			return err
		}
	}
	return nil
}

// applyStateInit writes each predicate-local StateTransfer (§4.4 step 3).
func (e *Engine) applyStateInit(transfers []image.StateTransfer) error {
	for _, st := range transfers {
		if err := e.Mem.Write32(st.Addr+st.Offset, st.Val); err != nil {
			return err
		}
	}
	return nil
}

// applyTransfers performs each bulk Transfer's memcpy (§4.4 step 5).
func (e *Engine) applyTransfers(transfers []image.Transfer) error {
	for _, t := range transfers {
		if err := e.Mem.Copy(t.Dest, t.Origin, t.Size); err != nil {
			return err
		}
	}
	return nil
}

// applyMemInits writes every MemInit (§4.4 step 7).
func (e *Engine) applyMemInits(inits []image.MemInit) error {
	for _, m := range inits {
		if err := e.Mem.Write32(m.Addr+m.Offset, m.Val); err != nil {
			return err
		}
	}
	return nil
}

// applyHwRecords decodes and dispatches a raw hw-record block without
// retaining the decoded ops, used for the predicate-local hw-transfer
// (§4.4 step 4), which the rebind step never needs to scan back through.
func (e *Engine) applyHwRecords(recs []image.HwRecord) error {
	_, err := e.decodeAndApply(recs)
	return err
}

// applyHwInits decodes and dispatches the image-wide hw-init block
// (§4.4 step 6), returning the decoded ops so rebind can scan them for
// the triggering event's new binding.
func (e *Engine) applyHwInits(recs []image.HwRecord) ([]hw.Op, error) {
	return e.decodeAndApply(recs)
}

func (e *Engine) decodeAndApply(recs []image.HwRecord) ([]hw.Op, error) {
	ops := make([]hw.Op, 0, len(recs))

	for i, r := range recs {
		op, err := hw.DecodeOp(r.FnToken, r.Args, e.Inverted)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if err := e.applyOp(op); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		ops = append(ops, op)
	}

	return ops, nil
}

func (e *Engine) applyOp(op hw.Op) error {
	switch o := op.(type) {
	case hw.TimerInit:
		return e.Timer.Init(o.Timer, o.Expiry, o.Stop)
	case hw.GPIOPinConfigure:
		return e.GPIO.PinConfigure(o.Pin, o.Flags)
	case hw.GPIOPinInterruptConfigure:
		return e.GPIO.PinInterruptConfigure(o.Pin, o.Mode, o.Trigger)
	case hw.GPIOInitCallback:
		return e.GPIO.InitCallback(o.Callback, o.Handler, o.PinMask)
	case hw.GPIOManageCallback:
		return e.GPIO.ManageCallback(o.Callback, o.Add)
	case hw.GPIOSetBits:
		return e.GPIO.SetBitsRaw(o.Mask)
	case hw.GPIOClearBits:
		return e.GPIO.ClearBitsRaw(o.Mask)
	default:
		return fmt.Errorf("swap: unhandled op type %T", op)
	}
}

// rebind resolves the new-image binding for the triggering event (§4.4
// step 8). UART needs no scan: the updated handler address is the
// binding. Timer and GPIO events scan the decoded hw-init ops for the
// record that installed matched.UpdatedEventHandlerAddr.
func (e *Engine) rebind(matched *image.Predicate, kind EventKind, inits []hw.Op) (uint32, error) {
	if kind == EventUART {
		return matched.UpdatedEventHandlerAddr, nil
	}

	want := matched.UpdatedEventHandlerAddr & thumbMask

	for attempt := 0; attempt < e.maxRetries(); attempt++ {
		for _, op := range inits {
			switch kind {
			case EventTimer:
				if ti, ok := op.(hw.TimerInit); ok && ti.Expiry&thumbMask == want {
					return uint32(ti.Timer), nil
				}
			case EventGPIO:
				if cb, ok := op.(hw.GPIOInitCallback); ok && cb.Handler&thumbMask == want {
					return uint32(cb.Callback), nil
				}
			}
		}

		e.logf("swap: no binding for updated handler %#x, attempt %d/%d", matched.UpdatedEventHandlerAddr, attempt+1, e.maxRetries())
		if e.RetryDelay != nil {
			e.RetryDelay(attempt)
		}
	}

	return 0, fmt.Errorf("%w: updated handler %#x", ErrUnresolvedBinding, matched.UpdatedEventHandlerAddr)
}

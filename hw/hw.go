// Hardware collaborator interfaces
// https://github.com/usbarmory/liveupdate
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hw defines the small set of collaborator interfaces the
// liveupdate runtime needs from its host application - a timer bank, a
// GPIO port, application memory, status pins and an optional cycle
// counter (the flash device interface is flash.Flash) - plus the
// closed enumeration of hardware-configuration operations an update image
// is allowed to request (see Op and DecodeOp).
//
// None of these interfaces is implemented by this module: wiring them to
// real silicon (an SoC's flash controller, its GPIO block) is the
// application's job, the same way tamago board packages own driver
// selection and the runtime above them only consumes small interfaces.
// Package hwtest provides in-memory fakes for tests.
package hw

import "errors"

// TimerHandle identifies a timer binding in application memory (the
// address of a k_timer-equivalent struct, in the original firmware's
// terms). It is opaque to this module - only the application and the
// update image's encoder agree on its meaning.
type TimerHandle uint32

// CallbackHandle identifies a GPIO callback binding in application
// memory.
type CallbackHandle uint32

// Memory is application RAM/flash addressed the way the update image
// addresses it: by absolute 32-bit address. Predicate constraints and
// state transfers read and write through this interface instead of
// dereferencing raw pointers, so the evaluator and swap engine can be
// exercised on a host without real memory-mapped hardware.
type Memory interface {
	// Read8/Read16/Read32 return the value stored at addr, at the given
	// width. Constraint evaluation uses whichever matches Constraint.Width.
	Read8(addr uint32) (uint8, error)
	Read16(addr uint32) (uint16, error)
	Read32(addr uint32) (uint32, error)

	// Write32 stores a 32-bit value at addr, used by StateTransfer and
	// MemInit application.
	Write32(addr uint32, val uint32) error

	// Copy moves size bytes from src to dst, used by Transfer application.
	Copy(dst, src uint32, size uint32) error
}

// Timer is the subset of the application's timer API the swap engine
// needs: querying whether a pending expiry exists (inactive-op) and
// cancelling one (reset-op).
type Timer interface {
	// Inactive reports whether the timer identified by h currently has no
	// pending expiry.
	Inactive(h TimerHandle) bool
	// Abort cancels a pending expiry for h, if any.
	Abort(h TimerHandle) error
	// Init (re)initializes the timer identified by h with new expiry and
	// stop handler addresses, applying a TimerInit op at swap time.
	Init(h TimerHandle, expiry, stop uint32) error
}

// GPIOPort is the subset of a GPIO driver the swap engine needs: bulk
// raw pin set/clear, pin configuration, interrupt configuration, and
// callback registration/enumeration.
//
// EnumerateCallbacks plus ManageCallback(cb, false) replace the original firmware's
// practice of reaching into the driver's private callback list (spec
// DESIGN NOTES: "a layering violation"): a port that cannot enumerate its
// own registered callbacks cannot support live update's GPIO cancellation
// step and should return ErrNotSupported from EnumerateCallbacks.
type GPIOPort interface {
	SetBitsRaw(mask uint32) error
	ClearBitsRaw(mask uint32) error
	PinConfigure(pin uint32, flags uint32) error
	PinInterruptConfigure(pin uint32, mode, trigger uint32) error
	InitCallback(cb CallbackHandle, handlerAddr uint32, pinMask uint32) error
	ManageCallback(cb CallbackHandle, add bool) error

	// EnumerateCallbacks returns the currently registered callback
	// handles on this port, in registration order.
	EnumerateCallbacks() ([]CallbackHandle, error)
}

// Clock is an optional cycle or nanosecond counter used to instrument
// predicate evaluation cost (spec.md §4.3: "Duration is measured via a
// hardware cycle counter"). A nil Clock disables timing.
type Clock interface {
	Now() uint64
}

// StatusPin is a single GPIO line pulsed to signal an external test
// harness (spec.md §6: "written"/"finished" pins).
type StatusPin interface {
	Pulse() error
}

// ErrNotSupported is returned by a collaborator that cannot perform an
// operation the runtime needs (e.g. a GPIOPort that cannot enumerate its
// callbacks).
var ErrNotSupported = errors.New("hw: not supported by this collaborator")

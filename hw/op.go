// https://github.com/usbarmory/liveupdate
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hw

import (
	"fmt"

	"github.com/usbarmory/liveupdate/bits"
)

// Interrupt trigger/mode bits, decoded from the packed config word passed
// to GPIOPinInterruptConfigure (spec.md §6 gpio_pin_interrupt_configure).
const (
	IntLow0         uint32 = 1 << 0
	IntHigh1        uint32 = 1 << 1
	IntEdge         uint32 = 1 << 2
	IntDisable      uint32 = 1 << 3
	IntEnable       uint32 = 1 << 4
	IntLevelsLogical uint32 = 1 << 5
)

// Op is a decoded hardware-configuration call, one of the closed set
// recognized by the runtime (spec.md §6). Image generators are expected
// to emit only tokens DecodeOp understands; anything else is rejected as
// ErrUnknownOp instead of being silently skipped, per the spec's DESIGN
// NOTES re-implementation guidance ("the image generator emits tags, not
// pointers").
type Op interface {
	isOp()
}

// TimerInit initializes a timer with its expiry and stop callbacks.
type TimerInit struct {
	Timer  TimerHandle
	Expiry uint32 // address of the new expiry handler, thumb-bit forced
	Stop   uint32 // address of the new stop handler, thumb-bit forced (may be 0)
}

func (TimerInit) isOp() {}

// GPIOPinConfigure configures a pin's direction and pull.
type GPIOPinConfigure struct {
	Pin   uint32
	Flags uint32
}

func (GPIOPinConfigure) isOp() {}

// GPIOPinInterruptConfigure configures a pin's interrupt trigger and mode.
// Mode and Trigger are decoded from the raw packed config word, with
// signal inversion already applied when IntLevelsLogical is set and the
// pin is inverted (spec.md §6); the raw word itself is not kept.
type GPIOPinInterruptConfigure struct {
	Pin     uint32
	Mode    uint32
	Trigger uint32
}

func (GPIOPinInterruptConfigure) isOp() {}

// GPIOInitCallback initializes a callback record.
type GPIOInitCallback struct {
	Callback CallbackHandle
	Handler  uint32 // address of the new handler, thumb-bit forced
	PinMask  uint32
}

func (GPIOInitCallback) isOp() {}

// GPIOManageCallback registers (Add == true) or unregisters a callback.
type GPIOManageCallback struct {
	Callback CallbackHandle
	Add      bool
}

func (GPIOManageCallback) isOp() {}

// GPIOSetBits sets the given pin bits on a port.
type GPIOSetBits struct {
	Mask uint32
}

func (GPIOSetBits) isOp() {}

// GPIOClearBits clears the given pin bits on a port.
type GPIOClearBits struct {
	Mask uint32
}

func (GPIOClearBits) isOp() {}

// Function tokens. The image generator emits one of these instead of a
// raw function pointer (spec DESIGN NOTES, "raw function-pointer dispatch
// -> tagged variant"); using small integers instead of link-layout
// addresses also keeps the format independent of where the runtime's own
// code ends up being linked.
const (
	FnTimerInit uint32 = iota + 1
	FnGPIOPinConfigure
	FnGPIOPinInterruptConfigure
	FnGPIOInitCallback
	FnGPIOManageCallback
	FnGPIOPortSetBitsRaw
	FnGPIOPortClearBitsRaw
)

// ErrUnknownOp is returned by DecodeOp for a function token outside the
// closed enumeration.
var ErrUnknownOp = fmt.Errorf("hw: function token not in closed enumeration")

// invertedPins reports, for a given pin, whether its interrupt trigger
// bits are logically inverted at the board level. Pin inversion is a
// board-level fact the original firmware read out of the GPIO driver's
// private data; here it is supplied by the caller (typically from the
// same GPIOPort collaborator) rather than reached into.
type InvertedPins interface {
	Inverted(pin uint32) bool
}

// DecodeOp interprets a raw {fn_token, args} hw record, as produced by
// image.HwRecord, into a typed Op. inv may be nil, in which case no pin is
// treated as inverted (GPIOPinInterruptConfigure's invert-flip rule never
// applies).
func DecodeOp(fn uint32, args []uint32, inv InvertedPins) (Op, error) {
	switch fn {
	case FnTimerInit:
		if len(args) != 3 {
			return nil, fmt.Errorf("%w: timer_init wants 3 args, got %d", ErrUnknownOp, len(args))
		}
		return TimerInit{
			Timer:  TimerHandle(args[0]),
			Expiry: forceThumb(args[1]),
			Stop:   forceThumb(args[2]),
		}, nil

	case FnGPIOPinConfigure:
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: gpio_pin_configure wants 2 args, got %d", ErrUnknownOp, len(args))
		}
		return GPIOPinConfigure{Pin: args[0], Flags: args[1]}, nil

	case FnGPIOPinInterruptConfigure:
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: gpio_pin_interrupt_configure wants 2 args, got %d", ErrUnknownOp, len(args))
		}
		pin, config := args[0], args[1]

		if bits.Get(config, 5) && inv != nil && inv.Inverted(pin) {
			// Invert signal bits.
			config ^= (IntLow0 | IntHigh1)
		}

		trigger := config & (IntLow0 | IntHigh1)
		mode := config & (IntEdge | IntDisable | IntEnable)

		return GPIOPinInterruptConfigure{Pin: pin, Mode: mode, Trigger: trigger}, nil

	case FnGPIOInitCallback:
		if len(args) != 3 {
			return nil, fmt.Errorf("%w: gpio_init_callback wants 3 args, got %d", ErrUnknownOp, len(args))
		}
		return GPIOInitCallback{
			Callback: CallbackHandle(args[0]),
			Handler:  forceThumb(args[1]),
			PinMask:  args[2],
		}, nil

	case FnGPIOManageCallback:
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: gpio_manage_callback wants 2 args, got %d", ErrUnknownOp, len(args))
		}
		return GPIOManageCallback{Callback: CallbackHandle(args[0]), Add: args[1] != 0}, nil

	case FnGPIOPortSetBitsRaw:
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: gpio_port_set_bits_raw wants 1 arg, got %d", ErrUnknownOp, len(args))
		}
		return GPIOSetBits{Mask: args[0]}, nil

	case FnGPIOPortClearBitsRaw:
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: gpio_port_clear_bits_raw wants 1 arg, got %d", ErrUnknownOp, len(args))
		}
		return GPIOClearBits{Mask: args[0]}, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOp, fn)
	}
}

// forceThumb sets the low bit of a non-zero handler address, matching the
// original firmware's instruction-set convention (spec.md §6 timer_init:
// "Callback low bit forced to the instruction-set convention").
func forceThumb(addr uint32) uint32 {
	if addr == 0 {
		return 0
	}
	return addr | 1
}

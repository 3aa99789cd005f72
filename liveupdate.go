// Live-update runtime
// https://github.com/usbarmory/liveupdate
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package liveupdate composes the byte sink, image parser, flash writer,
// predicate evaluator and swap engine behind the trigger/commit hooks an
// application wires into its timer and GPIO/UART event dispatch paths
// (spec.md §4.5, §4.6).
package liveupdate

import (
	"log"
	"sync"

	"github.com/usbarmory/liveupdate/flash"
	"github.com/usbarmory/liveupdate/hw"
	"github.com/usbarmory/liveupdate/image"
	"github.com/usbarmory/liveupdate/predicate"
	"github.com/usbarmory/liveupdate/serial"
	"github.com/usbarmory/liveupdate/swap"
)

// runtimeState is the lifecycle state machine of spec.md §4.6.
type runtimeState int

const (
	stateIdle runtimeState = iota
	stateReceiving
	stateFlashWriting
	stateArmed
	stateCommitting
)

// Config configures a Runtime at construction time.
type Config struct {
	// CurrentVersion is the runtime's compiled-in format version
	// (spec.md §3 "version").
	CurrentVersion uint32

	// MaxImageBytes sizes the staging buffer (spec.md §6).
	MaxImageBytes int

	// FlashPageSize is the erase/program granularity flash.Writer uses.
	FlashPageSize uint32

	Flash    flash.Flash
	GPIO     hw.GPIOPort
	Timer    hw.Timer
	Mem      hw.Memory
	Clock    hw.Clock // optional
	Inverted hw.InvertedPins // optional

	// Written and Finished are the two external test-instrumentation
	// signal pins of spec.md §6.
	Written  hw.StatusPin
	Finished hw.StatusPin

	Persist flash.Persist

	// MaxBindingRetries is forwarded to swap.Engine.
	MaxBindingRetries int

	// Logf receives every log line the runtime would otherwise print via
	// the standard log package. Defaults to log.Printf.
	Logf func(format string, args ...any)
}

// Runtime holds all live-update state for one application. It is not
// safe for concurrent use by multiple goroutines beyond the ISR/idle-loop
// discipline spec.md §5 describes: trigger/commit pairs run with the same
// exclusivity real interrupt dispatch provides, and Step runs from the
// idle loop.
type Runtime struct {
	cfg Config

	mu    sync.Mutex
	state runtimeState

	receiver *serial.Receiver
	writer   *flash.Writer
	engine   *swap.Engine

	view    *image.View
	matched *image.Predicate

	logf func(format string, args ...any)
}

// New constructs a Runtime from cfg.
func New(cfg Config) *Runtime {
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}

	r := &Runtime{
		cfg:      cfg,
		state:    stateIdle,
		receiver: serial.NewReceiver(cfg.MaxImageBytes, cfg.CurrentVersion),
		logf:     logf,
	}

	r.writer = &flash.Writer{
		Flash:    cfg.Flash,
		PageSize: cfg.FlashPageSize,
		Persist:  cfg.Persist,
		Written:  cfg.Written,
		Logf:     logf,
	}

	r.engine = &swap.Engine{
		GPIO:              cfg.GPIO,
		Timer:             cfg.Timer,
		Mem:               cfg.Mem,
		Inverted:          cfg.Inverted,
		MaxBindingRetries: cfg.MaxBindingRetries,
		Logf:              logf,
	}

	return r
}

// Reset discards any staged image and returns the runtime to Idle
// (spec.md §4.1's reset operation).
func (r *Runtime) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
}

func (r *Runtime) resetLocked() {
	r.receiver.Reset()
	r.view = nil
	r.matched = nil
	r.state = stateIdle
}

// Receive feeds chunk bytes into the staging buffer, as the serial ISR
// would (spec.md §4.1). Once a complete, valid image has accumulated it
// is parsed and handed to the flash writer, and the runtime transitions
// to FlashWriting.
func (r *Runtime) Receive(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == stateIdle {
		r.state = stateReceiving
	}

	complete, err := r.receiver.Write(chunk)
	if err != nil {
		r.logf("liveupdate: receive error: %v", err)
		r.resetLocked()
		return err
	}
	if !complete {
		return nil
	}

	v, err := image.Decode(r.receiver.Bytes(), r.cfg.CurrentVersion)
	if err != nil {
		r.logf("liveupdate: decode error: %v", err)
		r.resetLocked()
		return err
	}

	r.view = v
	r.writer.Start(v)
	r.state = stateFlashWriting

	return nil
}

// Step runs at most one flash-writer step from the idle loop (spec.md
// §4.2, §5 "idle context"). Once the writer finishes, the runtime arms
// the predicate evaluator.
func (r *Runtime) Step() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != stateFlashWriting {
		return nil
	}

	if err := r.writer.Step(); err != nil {
		r.logf("liveupdate: flash write error: %v", err)
		return err
	}

	if r.writer.Done() {
		if r.writer.Completed() {
			r.state = stateArmed
		} else {
			// write_only image: flash writing finished but the evaluator is
			// never armed (spec.md §8 boundary).
			r.resetLocked()
		}
	}

	return nil
}

// triggerLocked runs the evaluator for eventAddr, recording a match in
// the single-slot matched-predicate cell (spec DESIGN NOTES: "a typed
// single-producer-single-consumer cell owned by the runtime module").
func (r *Runtime) triggerLocked(eventAddr uint32) bool {
	if r.state != stateArmed || r.view == nil {
		return false
	}

	matched, ok, err := predicate.Evaluate(r.view, eventAddr, r.cfg.Timer, r.cfg.Mem, r.cfg.Clock)
	if err != nil {
		r.logf("liveupdate: predicate evaluation error: %v", err)
		return false
	}
	if !ok {
		return false
	}

	r.matched = matched
	r.state = stateCommitting

	return true
}

// commitLocked runs the swap engine against the currently matched
// predicate and returns the new-image binding handle.
func (r *Runtime) commitLocked(kind swap.EventKind) (uint32, bool) {
	if r.matched == nil || r.view == nil {
		return 0, false
	}

	binding, err := r.engine.Commit(r.view, r.matched, kind)
	if err != nil {
		r.logf("liveupdate: commit error: %v", err)
		r.matched = nil
		r.state = stateArmed
		return 0, false
	}

	if r.cfg.Finished != nil {
		if err := r.cfg.Finished.Pulse(); err != nil {
			r.logf("liveupdate: finished-pin pulse failed: %v", err)
		}
	}

	// Clear the matched-predicate cell, null the staged-image pointer,
	// reset the byte-sink counter and return to Idle. The flash writer's
	// Completed flag is not cleared here (the next Start clears it);
	// triggers only fire in the Armed state, which is left here.
	r.resetLocked()

	return binding, true
}

// TriggerOnTimer reports whether a staged, fully-written image has a
// predicate matching timer's expiry handler (spec.md §4.5).
func (r *Runtime) TriggerOnTimer(timerHandlerAddr uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.triggerLocked(timerHandlerAddr)
}

// CommitAtTimer applies the matched predicate and writes the new timer
// handle through slot. It is unconditional given a prior positive
// TriggerOnTimer (spec.md §4.5).
func (r *Runtime) CommitAtTimer(slot *hw.TimerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	binding, ok := r.commitLocked(swap.EventTimer)
	if !ok || slot == nil {
		return
	}
	*slot = hw.TimerHandle(binding)
}

// TriggerOnGPIO reports whether a staged, fully-written image has a
// predicate matching callbackAddr (spec.md §4.5).
func (r *Runtime) TriggerOnGPIO(callbackAddr uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.triggerLocked(callbackAddr)
}

// CommitAtGPIO applies the matched predicate and writes the new callback
// handle through slot (spec.md §4.5).
func (r *Runtime) CommitAtGPIO(slot *hw.CallbackHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	binding, ok := r.commitLocked(swap.EventGPIO)
	if !ok || slot == nil {
		return
	}
	*slot = hw.CallbackHandle(binding)
}

// TriggerOnUART reports whether a staged, fully-written image has a
// predicate matching callbackAddr (spec.md §4.5).
func (r *Runtime) TriggerOnUART(callbackAddr uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.triggerLocked(callbackAddr)
}

// CommitAtUART applies the matched predicate and writes the new handler
// address through slot directly - no hw-init scan is needed for UART
// (spec.md §4.4 step 8).
func (r *Runtime) CommitAtUART(slot *uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	binding, ok := r.commitLocked(swap.EventUART)
	if !ok || slot == nil {
		return
	}
	*slot = binding
}

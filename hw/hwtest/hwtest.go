// In-memory hardware fakes for tests
// https://github.com/usbarmory/liveupdate
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hwtest provides in-memory fakes of the hw package's collaborator
// interfaces, for exercising the predicate evaluator, swap engine and
// flash writer without real hardware. The addressing model is adapted
// from tamago's dma.Region (a synchronized, address-keyed byte region);
// unlike dma.Region there is no allocator, since update-image addresses
// are fixed by the header rather than dynamically assigned.
package hwtest

import (
	"fmt"
	"sync"

	"github.com/usbarmory/liveupdate/hw"
)

// Memory is a flat, synchronized byte-addressable space simulating
// application RAM for constraint reads, state transfers, and mem-inits.
type Memory struct {
	mu   sync.Mutex
	data map[uint32]byte
}

// NewMemory returns an empty simulated address space.
func NewMemory() *Memory {
	return &Memory{data: make(map[uint32]byte)}
}

// Set writes buf starting at addr, for test setup.
func (m *Memory) Set(addr uint32, buf []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range buf {
		m.data[addr+uint32(i)] = b
	}
}

// Bytes reads n bytes starting at addr, for test assertions.
func (m *Memory) Bytes(addr uint32, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		out[i] = m.data[addr+uint32(i)]
	}
	return out
}

func (m *Memory) Read8(addr uint32) (uint8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[addr], nil
}

func (m *Memory) Read16(addr uint32) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint16(m.data[addr]) | uint16(m.data[addr+1])<<8, nil
}

func (m *Memory) Read32(addr uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(m.data[addr]) | uint32(m.data[addr+1])<<8 |
		uint32(m.data[addr+2])<<16 | uint32(m.data[addr+3])<<24, nil
}

func (m *Memory) Write32(addr uint32, val uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[addr] = byte(val)
	m.data[addr+1] = byte(val >> 8)
	m.data[addr+2] = byte(val >> 16)
	m.data[addr+3] = byte(val >> 24)
	return nil
}

func (m *Memory) Copy(dst, src uint32, size uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// copy via a staging slice first: src and dst ranges may overlap, and
	// memcpy semantics (spec.md §3 Transfer) don't define overlap
	// behavior, so match Go's copy() which tolerates it via an
	// intermediate buffer here.
	tmp := make([]byte, size)
	for i := range tmp {
		tmp[i] = m.data[src+uint32(i)]
	}
	for i, b := range tmp {
		m.data[dst+uint32(i)] = b
	}

	return nil
}

var _ hw.Memory = (*Memory)(nil)

// Timer is a fake timer bank keyed by hw.TimerHandle.
type Timer struct {
	mu       sync.Mutex
	pending  map[hw.TimerHandle]bool
	bindings map[hw.TimerHandle][2]uint32 // handle -> {expiry, stop}
}

// NewTimer returns a fake timer collaborator with no pending expiries.
func NewTimer() *Timer {
	return &Timer{
		pending:  make(map[hw.TimerHandle]bool),
		bindings: make(map[hw.TimerHandle][2]uint32),
	}
}

// Arm marks a timer as having a pending expiry.
func (t *Timer) Arm(h hw.TimerHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[h] = true
}

func (t *Timer) Inactive(h hw.TimerHandle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.pending[h]
}

func (t *Timer) Abort(h hw.TimerHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, h)
	return nil
}

func (t *Timer) Init(h hw.TimerHandle, expiry, stop uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bindings[h] = [2]uint32{expiry, stop}
	return nil
}

// Binding returns the (expiry, stop) pair last installed via Init for h,
// for test assertions.
func (t *Timer) Binding(h hw.TimerHandle) (expiry, stop uint32, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.bindings[h]
	return b[0], b[1], ok
}

var _ hw.Timer = (*Timer)(nil)

// GPIOPort is a fake GPIO controller recording pin state and registered
// callbacks, in registration order, mirroring the enumerate/unregister
// contract hw.GPIOPort requires instead of the original firmware's
// driver-internal list walk.
type GPIOPort struct {
	mu sync.Mutex

	Bits uint32

	pinFlags      map[uint32]uint32
	pinInterrupts map[uint32][2]uint32 // pin -> {mode, trigger}

	callbackOrder []hw.CallbackHandle
	callbacks     map[hw.CallbackHandle]struct {
		handlerAddr uint32
		pinMask     uint32
		registered  bool
	}

	invertedPins map[uint32]bool
}

// NewGPIOPort returns an empty fake GPIO port.
func NewGPIOPort() *GPIOPort {
	return &GPIOPort{
		pinFlags:      make(map[uint32]uint32),
		pinInterrupts: make(map[uint32][2]uint32),
		callbacks: make(map[hw.CallbackHandle]struct {
			handlerAddr uint32
			pinMask     uint32
			registered  bool
		}),
		invertedPins: make(map[uint32]bool),
	}
}

// SetInverted marks pin as level-inverted at the board level, for testing
// the IntLevelsLogical trigger-flip rule.
func (p *GPIOPort) SetInverted(pin uint32, inverted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invertedPins[pin] = inverted
}

// Inverted implements hw.InvertedPins.
func (p *GPIOPort) Inverted(pin uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invertedPins[pin]
}

func (p *GPIOPort) SetBitsRaw(mask uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Bits |= mask
	return nil
}

func (p *GPIOPort) ClearBitsRaw(mask uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Bits &^= mask
	return nil
}

func (p *GPIOPort) PinConfigure(pin uint32, flags uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pinFlags[pin] = flags
	return nil
}

func (p *GPIOPort) PinInterruptConfigure(pin uint32, mode, trigger uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pinInterrupts[pin] = [2]uint32{mode, trigger}
	return nil
}

func (p *GPIOPort) InitCallback(cb hw.CallbackHandle, handlerAddr uint32, pinMask uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks[cb] = struct {
		handlerAddr uint32
		pinMask     uint32
		registered  bool
	}{handlerAddr, pinMask, false}
	return nil
}

func (p *GPIOPort) ManageCallback(cb hw.CallbackHandle, add bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.callbacks[cb]
	if !ok {
		return fmt.Errorf("hwtest: manage_callback on uninitialized callback %v", cb)
	}

	if add && !c.registered {
		p.callbackOrder = append(p.callbackOrder, cb)
	}
	if !add && c.registered {
		for i, h := range p.callbackOrder {
			if h == cb {
				p.callbackOrder = append(p.callbackOrder[:i], p.callbackOrder[i+1:]...)
				break
			}
		}
	}

	c.registered = add
	p.callbacks[cb] = c

	return nil
}

func (p *GPIOPort) EnumerateCallbacks() ([]hw.CallbackHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]hw.CallbackHandle, len(p.callbackOrder))
	copy(out, p.callbackOrder)
	return out, nil
}

// Registered reports whether cb is currently a registered callback.
func (p *GPIOPort) Registered(cb hw.CallbackHandle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callbacks[cb].registered
}

var _ hw.GPIOPort = (*GPIOPort)(nil)

// Clock is a fake cycle counter, advanced explicitly by tests.
type Clock struct {
	mu  sync.Mutex
	now uint64
}

// Advance moves the clock forward by n ticks.
func (c *Clock) Advance(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += n
}

func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

var _ hw.Clock = (*Clock)(nil)

// StatusPin counts how many times it has been pulsed.
type StatusPin struct {
	mu     sync.Mutex
	pulses int
}

func (p *StatusPin) Pulse() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pulses++
	return nil
}

// Pulses returns how many times Pulse has been called.
func (p *StatusPin) Pulses() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pulses
}

var _ hw.StatusPin = (*StatusPin)(nil)

// https://github.com/usbarmory/liveupdate
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package swap_test

import (
	"errors"
	"testing"

	"github.com/usbarmory/liveupdate/hw"
	"github.com/usbarmory/liveupdate/hw/hwtest"
	"github.com/usbarmory/liveupdate/image"
	"github.com/usbarmory/liveupdate/swap"
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

// TestCommitGPIO is spec.md §8 scenario 6: a GPIO-triggered image cancels
// all prior port callbacks, registers the new callback recorded in its
// gpio_init_callback hw-init, and the caller's slot resolves to it.
func TestCommitGPIO(t *testing.T) {
	gpio := hwtest.NewGPIOPort()
	timer := hwtest.NewTimer()
	mem := hwtest.NewMemory()

	// a stale callback registered under the old image
	if err := gpio.InitCallback(0xaa, 0x1000, 0x1); err != nil {
		t.Fatalf("InitCallback: %v", err)
	}
	if err := gpio.ManageCallback(0xaa, true); err != nil {
		t.Fatalf("ManageCallback: %v", err)
	}

	b := &image.Builder{
		Header: image.Header{Version: testVersion},
		Predicates: []image.PredicateBuilder{
			{EventHandlerAddr: 0x1000, UpdatedEventHandlerAddr: 0x2000},
		},
		HwInits: []image.HwRecord{
			{FnToken: hw.FnGPIOInitCallback, Args: []uint32{0xbb, 0x2000, 0x2}},
			{FnToken: hw.FnGPIOManageCallback, Args: []uint32{0xbb, 1}},
		},
	}
	v := decode(t, b)
	preds, err := v.Predicates()
	if err != nil {
		t.Fatalf("Predicates: %v", err)
	}
	matched := preds[0]

	e := &swap.Engine{GPIO: gpio, Timer: timer, Mem: mem}

	binding, err := e.Commit(v, matched, swap.EventGPIO)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if hw.CallbackHandle(binding) != 0xbb {
		t.Errorf("binding = %#x, want 0xbb", binding)
	}

	if gpio.Registered(0xaa) {
		t.Errorf("stale callback 0xaa still registered after commit")
	}
	if !gpio.Registered(0xbb) {
		t.Errorf("new callback 0xbb not registered after commit")
	}
}

func TestCommitTimer(t *testing.T) {
	gpio := hwtest.NewGPIOPort()
	timer := hwtest.NewTimer()
	mem := hwtest.NewMemory()

	timer.Arm(0x10) // a reset-op timer with a pending expiry

	b := &image.Builder{
		Header: image.Header{Version: testVersion},
		Predicates: []image.PredicateBuilder{
			{
				EventHandlerAddr:        0x1000,
				UpdatedEventHandlerAddr: 0x2000,
				ResetOps:                []uint32{0x10},
			},
		},
		HwInits: []image.HwRecord{
			{FnToken: hw.FnTimerInit, Args: []uint32{0x20, 0x2000, 0x3000}},
		},
	}
	v := decode(t, b)
	preds, _ := v.Predicates()
	matched := preds[0]

	e := &swap.Engine{GPIO: gpio, Timer: timer, Mem: mem}

	binding, err := e.Commit(v, matched, swap.EventTimer)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if hw.TimerHandle(binding) != 0x20 {
		t.Errorf("binding = %#x, want 0x20", binding)
	}

	if !timer.Inactive(0x10) {
		t.Errorf("reset-op timer 0x10 still pending after commit")
	}

	expiry, stop, ok := timer.Binding(0x20)
	if !ok {
		t.Fatalf("timer 0x20 was never initialized")
	}
	if expiry != 0x2001 || stop != 0x3001 {
		t.Errorf("binding = (%#x, %#x), want thumb-forced (0x2001, 0x3001)", expiry, stop)
	}
}

func TestCommitUARTSkipsScan(t *testing.T) {
	gpio := hwtest.NewGPIOPort()
	timer := hwtest.NewTimer()
	mem := hwtest.NewMemory()

	b := &image.Builder{
		Header: image.Header{Version: testVersion},
		Predicates: []image.PredicateBuilder{
			{EventHandlerAddr: 0x1000, UpdatedEventHandlerAddr: 0x2000},
		},
	}
	v := decode(t, b)
	preds, _ := v.Predicates()

	e := &swap.Engine{GPIO: gpio, Timer: timer, Mem: mem}

	binding, err := e.Commit(v, preds[0], swap.EventUART)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if binding != 0x2000 {
		t.Errorf("binding = %#x, want 0x2000 (direct, no scan)", binding)
	}
}

func TestCommitUnresolvedBinding(t *testing.T) {
	gpio := hwtest.NewGPIOPort()
	timer := hwtest.NewTimer()
	mem := hwtest.NewMemory()

	b := &image.Builder{
		Header: image.Header{Version: testVersion},
		Predicates: []image.PredicateBuilder{
			{EventHandlerAddr: 0x1000, UpdatedEventHandlerAddr: 0x2000},
		},
		// no hw-init record installs a timer bound to 0x2000
	}
	v := decode(t, b)
	preds, _ := v.Predicates()

	retries := 0
	e := &swap.Engine{
		GPIO:              gpio,
		Timer:             timer,
		Mem:               mem,
		MaxBindingRetries: 2,
		RetryDelay:        func(attempt int) { retries++ },
	}

	_, err := e.Commit(v, preds[0], swap.EventTimer)
	if !errors.Is(err, swap.ErrUnresolvedBinding) {
		t.Fatalf("Commit err = %v, want ErrUnresolvedBinding", err)
	}
	if retries != 2 {
		t.Errorf("RetryDelay called %d times, want 2", retries)
	}
}

func TestCommitStateAndBulkTransferOrder(t *testing.T) {
	gpio := hwtest.NewGPIOPort()
	timer := hwtest.NewTimer()
	mem := hwtest.NewMemory()

	mem.Set(0x100, []byte{9, 0, 0, 0})

	b := &image.Builder{
		Header: image.Header{Version: testVersion},
		Predicates: []image.PredicateBuilder{
			{
				EventHandlerAddr:        0x1000,
				UpdatedEventHandlerAddr: 0x2000,
				StateInit: []image.StateTransfer{
					{Addr: 0x200, Offset: 0, Val: 0xaaaa},
				},
			},
		},
		Transfers: []image.Transfer{
			{Origin: 0x100, Dest: 0x200, Size: 4},
		},
	}
	v := decode(t, b)
	preds, _ := v.Predicates()

	e := &swap.Engine{GPIO: gpio, Timer: timer, Mem: mem}

	if _, err := e.Commit(v, preds[0], swap.EventUART); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// declaration order: predicate-local state init runs before the bulk
	// transfer, so the bulk memcpy from 0x100 (value 9) overwrites it.
	if got := mem.Bytes(0x200, 4); got[0] != 9 {
		t.Errorf("0x200 = %v, want bulk transfer value 9 to have overwritten state init", got)
	}
}

func TestCommitMemInit(t *testing.T) {
	gpio := hwtest.NewGPIOPort()
	timer := hwtest.NewTimer()
	mem := hwtest.NewMemory()

	b := &image.Builder{
		Header: image.Header{Version: testVersion},
		Predicates: []image.PredicateBuilder{
			{EventHandlerAddr: 0x1000, UpdatedEventHandlerAddr: 0x2000},
		},
		MemInits: []image.MemInit{
			{Addr: 0x300, Offset: 4, Val: 0x42},
		},
	}
	v := decode(t, b)
	preds, _ := v.Predicates()

	e := &swap.Engine{GPIO: gpio, Timer: timer, Mem: mem}

	if _, err := e.Commit(v, preds[0], swap.EventUART); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if got := mem.Bytes(0x304, 4); got[0] != 0x42 {
		t.Errorf("mem_init not applied: 0x304 = %v", got)
	}
}

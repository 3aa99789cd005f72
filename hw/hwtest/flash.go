// https://github.com/usbarmory/liveupdate
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hwtest

import (
	"fmt"
	"sync"

	"github.com/usbarmory/liveupdate/flash"
)

// Flash is a fake page-erasable flash device backed by a plain byte
// slice, for exercising flash.Writer without real hardware.
type Flash struct {
	mu       sync.Mutex
	data     []byte
	pageSize uint32

	// FailOn, if set, causes the named operation ("read", "erase",
	// "write") to fail once on the given page base, then clears itself.
	FailOn     string
	FailOnBase uint32
}

// NewFlash returns a fake flash device of size bytes, addressed from 0,
// with the given page size. It starts fully erased: every byte reads 0xff.
func NewFlash(size int, pageSize uint32) *Flash {
	data := make([]byte, size)
	for i := range data {
		data[i] = 0xff
	}
	return &Flash{data: data, pageSize: pageSize}
}

func (f *Flash) maybeFail(op string, base uint32) error {
	if f.FailOn == op && f.FailOnBase == base {
		f.FailOn = ""
		return fmt.Errorf("hwtest: injected %s failure at %#x", op, base)
	}
	return nil
}

func (f *Flash) ReadPage(base uint32, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.maybeFail("read", base); err != nil {
		return err
	}

	copy(buf, f.data[base:base+f.pageSize])
	return nil
}

func (f *Flash) ErasePage(base uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.maybeFail("erase", base); err != nil {
		return err
	}

	for i := uint32(0); i < f.pageSize; i++ {
		f.data[base+i] = 0xff
	}
	return nil
}

func (f *Flash) WritePage(base uint32, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.maybeFail("write", base); err != nil {
		return err
	}

	copy(f.data[base:base+f.pageSize], buf)
	return nil
}

// Bytes returns a copy of n bytes starting at addr, for test assertions.
func (f *Flash) Bytes(addr uint32, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, n)
	copy(out, f.data[addr:addr+uint32(n)])
	return out
}

var _ flash.Flash = (*Flash)(nil)

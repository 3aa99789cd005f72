// Flash write state machine
// https://github.com/usbarmory/liveupdate
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package flash implements the page-granular, erase-then-program update
// of flash regions named in an update image header, as a cooperatively
// scheduled state machine driven one step at a time from the idle loop
// (spec.md §4.2).
package flash

import (
	"errors"
	"fmt"

	"github.com/usbarmory/liveupdate/hw"
	"github.com/usbarmory/liveupdate/image"
)

// Flash is the external flash driver collaborator. ReadPage/ErasePage/
// WritePage all operate on exactly PageSize bytes at a page-aligned base
// address.
type Flash interface {
	ReadPage(base uint32, buf []byte) error
	ErasePage(base uint32) error
	WritePage(base uint32, buf []byte) error
}

// ErrIO wraps a non-nil error returned by the Flash collaborator. Per
// spec.md §7, the step machine logs and continues rather than retrying or
// backing off - a partial write leaves the firmware in an undefined state
// and repeated failures are the caller's to treat as fatal.
var ErrIO = errors.New("flash: i/o error")

// Persist selects which of the optional persistence steps (spec.md §4.2:
// "may be disabled per build policy") actually touch flash. A successful
// swap never reboots, so these steps exist solely to make an update
// survive a reset; an application with no use for that can disable them
// to shave flash wear and write latency. DefaultPersist enables all three;
// the zero value disables all three. The BSS size is never written to
// flash, whatever the setting.
type Persist struct {
	BSSLocation bool
	MainPtr     bool
	UpdateFlag  bool
}

// DefaultPersist enables every optional persistence step.
func DefaultPersist() Persist {
	return Persist{BSSLocation: true, MainPtr: true, UpdateFlag: true}
}

// Progress is a point-in-time snapshot of writer state, for status
// reporting: the name of the next scheduled step, the bytes still left in
// the write currently in flight, and whether the writer is done. It
// carries no overall "percent done" figure.
type Progress struct {
	Step           string
	BytesRemaining uint32
	Done           bool
}

// step identifies the current or next high-level phase.
type step int

const (
	stepNone step = iota
	stepWriteText
	stepWriteRodata
	stepWriteBSSLoc
	stepWriteMainPtr
	stepWriteUpdateFlag
	stepWriteSinglePage
	stepFinalize
)

func (s step) String() string {
	switch s {
	case stepWriteText:
		return "write_text"
	case stepWriteRodata:
		return "write_rodata"
	case stepWriteBSSLoc:
		return "write_bss_loc"
	case stepWriteMainPtr:
		return "write_main_ptr"
	case stepWriteUpdateFlag:
		return "write_update_flag"
	case stepWriteSinglePage:
		return "write_single_page"
	case stepFinalize:
		return "finalize"
	default:
		return "idle"
	}
}

// Writer drives the page-write state machine. It holds exactly two
// registers of scheduling state (next, continuation) plus the payload for
// whichever single-page write is in flight, mirroring the original
// firmware's next/continuation coroutine shape (spec DESIGN NOTES:
// "keep that shape - a single-slot successor plus a single-slot
// after-current-page-completes handle - do not upgrade to threads or to
// an unbounded queue").
type Writer struct {
	Flash    Flash
	PageSize uint32
	Persist  Persist
	Written  hw.StatusPin // pulsed once, at the end of Finalize

	Logf func(format string, args ...any)

	view *image.View

	next         step
	continuation step

	writeData    []byte
	writeDest    uint32
	writeRemain  uint32
	pageScratch  []byte

	completed bool // update_write_completed
	writeOnly bool
}

func (w *Writer) logf(format string, args ...any) {
	if w.Logf != nil {
		w.Logf(format, args...)
	}
}

// Start begins writing a validated, staged image. It resets all writer
// state and schedules write_text as the first step; Step must then be
// called from the idle loop until Done reports true.
func (w *Writer) Start(v *image.View) {
	w.view = v
	w.completed = false
	w.writeOnly = v.Header.WriteOnly()
	w.next = stepWriteText
	w.continuation = stepNone

	if w.pageScratch == nil || uint32(len(w.pageScratch)) != w.PageSize {
		w.pageScratch = make([]byte, w.PageSize)
	}
}

// Done reports whether the writer has no more work scheduled.
func (w *Writer) Done() bool {
	return w.next == stepNone
}

// Completed reports update_write_completed: true once Finalize has run
// for an image that is not write-only.
func (w *Writer) Completed() bool {
	return w.completed
}

// Progress reports a snapshot of writer state for status reporting.
func (w *Writer) Progress() Progress {
	return Progress{
		Step:           w.next.String(),
		BytesRemaining: w.writeRemain,
		Done:           w.Done(),
	}
}

// Step runs at most one scheduled step. It is meant to be called
// repeatedly from the idle loop; each call advances exactly one step,
// clearing `next` before running it, exactly as spec.md §4.2 describes.
func (w *Writer) Step() error {
	cur := w.next
	w.next = stepNone

	switch cur {
	case stepNone:
		return nil
	case stepWriteText:
		w.beginWriteText()
	case stepWriteRodata:
		w.beginWriteRodata()
	case stepWriteBSSLoc:
		w.beginWriteBSSLoc()
	case stepWriteMainPtr:
		w.beginWriteMainPtr()
	case stepWriteUpdateFlag:
		w.beginWriteUpdateFlag()
	case stepWriteSinglePage:
		return w.writeSinglePage()
	case stepFinalize:
		w.finalize()
	default:
		return fmt.Errorf("flash: unknown step %d", cur)
	}

	return nil
}

func (w *Writer) beginWriteText() {
	w.writeData = w.view.Text()
	w.writeDest = w.view.Header.TextStart
	w.writeRemain = w.view.Header.TextSize

	w.next = stepWriteSinglePage
	w.continuation = stepWriteRodata
}

func (w *Writer) beginWriteRodata() {
	w.writeData = w.view.Rodata()
	w.writeDest = w.view.Header.RodataStart
	w.writeRemain = w.view.Header.RodataSize

	w.next = stepWriteSinglePage
	if w.view.Header.HasBSS() {
		w.continuation = stepWriteBSSLoc
	} else {
		w.continuation = stepWriteMainPtr
	}
}

func (w *Writer) beginWriteBSSLoc() {
	if !w.Persist.BSSLocation {
		w.next = stepWriteMainPtr
		return
	}

	buf := make([]byte, 4)
	putLE32(buf, w.view.Header.BssStart)

	w.writeData = buf
	w.writeDest = w.view.Header.BssStartAddr
	w.writeRemain = 4

	w.next = stepWriteSinglePage
	w.continuation = stepWriteMainPtr
}

func (w *Writer) beginWriteMainPtr() {
	if !w.Persist.MainPtr {
		w.next = stepWriteUpdateFlag
		return
	}

	buf := make([]byte, 4)
	putLE32(buf, w.view.Header.MainPtr)

	w.writeData = buf
	w.writeDest = w.view.Header.MainPtrAddr
	w.writeRemain = 4

	w.next = stepWriteSinglePage
	w.continuation = stepWriteUpdateFlag
}

func (w *Writer) beginWriteUpdateFlag() {
	if !w.Persist.UpdateFlag {
		w.next = stepFinalize
		return
	}

	w.writeData = []byte{1}
	w.writeDest = w.view.Header.UpdateFlagAddr
	w.writeRemain = 1

	w.next = stepWriteSinglePage
	w.continuation = stepFinalize
}

// writeSinglePage performs one page-granular read-modify-erase-program
// cycle for the destination address and byte count currently in flight,
// then advances the (data, dest, remaining) cursors. When remaining
// reaches zero it installs continuation as next (spec.md §4.2). A failed
// flash driver call is logged and returned as ErrIO, the rest of that
// page's driver calls are skipped, and the cursors advance all the same,
// so the next Step moves on without retrying the page.
func (w *Writer) writeSinglePage() error {
	pageOffset := w.writeDest % w.PageSize
	pageBase := w.writeDest - pageOffset
	bytesLeftInPage := w.PageSize - pageOffset

	n := w.writeRemain
	if bytesLeftInPage < n {
		n = bytesLeftInPage
	}

	var ioErr error

	if n != w.PageSize {
		if err := w.Flash.ReadPage(pageBase, w.pageScratch); err != nil {
			w.logf("flash: read page %#x failed: %v", pageBase, err)
			ioErr = fmt.Errorf("%w: read page %#x: %v", ErrIO, pageBase, err)
		}
	}

	if ioErr == nil {
		copy(w.pageScratch[pageOffset:], w.writeData[:n])

		if err := w.Flash.ErasePage(pageBase); err != nil {
			w.logf("flash: erase page %#x failed: %v", pageBase, err)
			ioErr = fmt.Errorf("%w: erase page %#x: %v", ErrIO, pageBase, err)
		} else if err := w.Flash.WritePage(pageBase, w.pageScratch); err != nil {
			w.logf("flash: write page %#x failed: %v", pageBase, err)
			ioErr = fmt.Errorf("%w: write page %#x: %v", ErrIO, pageBase, err)
		}
	}

	w.writeData = w.writeData[n:]
	w.writeDest += n
	w.writeRemain -= n

	if w.writeRemain == 0 {
		w.next = w.continuation
		w.continuation = stepNone
	} else {
		w.next = stepWriteSinglePage
	}

	return ioErr
}

func (w *Writer) finalize() {
	if !w.writeOnly {
		w.completed = true
	}

	w.writeData = nil
	w.writeDest = 0
	w.writeRemain = 0
	w.next = stepNone
	w.continuation = stepNone

	if w.Written != nil {
		if err := w.Written.Pulse(); err != nil {
			w.logf("flash: written-pin pulse failed: %v", err)
		}
	}
}

func putLE32(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

// lu-imgtool inspects and verifies live-update image files
// https://github.com/usbarmory/liveupdate
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command lu-imgtool is a read-only diagnostic for update images already
// produced by a host-side compiler (out of scope for this module): it
// decodes a staged image file and reports its header, section sizes, and
// any structural corruption, without touching any hardware collaborator.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/usbarmory/liveupdate/image"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: lu-imgtool <inspect|verify> <version> <file>\n")
	os.Exit(2)
}

func main() {
	log.SetFlags(0)

	if len(os.Args) != 4 {
		usage()
	}

	cmd := os.Args[1]
	version, err := parseVersion(os.Args[2])
	if err != nil {
		log.Fatalf("lu-imgtool: %v", err)
	}
	path := os.Args[3]

	buf, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("lu-imgtool: %v", err)
	}

	switch cmd {
	case "inspect":
		if err := inspect(buf, version); err != nil {
			log.Fatalf("lu-imgtool: %v", err)
		}
	case "verify":
		if err := verify(buf, version); err != nil {
			log.Fatalf("lu-imgtool: %v", err)
		}
	default:
		usage()
	}
}

func parseVersion(s string) (uint32, error) {
	var v uint32
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", s, err)
	}
	return v, nil
}

// inspect decodes buf and prints the header and section sizes, the way
// an operator would confirm an image was compiled as expected before
// transmitting it over serial.
func inspect(buf []byte, version uint32) error {
	v, err := image.Decode(buf, version)
	if err != nil {
		return err
	}

	h := v.Header
	fmt.Printf("version:          %d\n", h.Version)
	fmt.Printf("main_ptr:         %#010x -> %#010x\n", h.MainPtrAddr, h.MainPtr)
	fmt.Printf("update_flag_addr: %#010x\n", h.UpdateFlagAddr)
	fmt.Printf("text:             %#010x (%d bytes)\n", h.TextStart, h.TextSize)
	fmt.Printf("rodata:           %#010x (%d bytes)\n", h.RodataStart, h.RodataSize)
	if h.HasBSS() {
		fmt.Printf("bss:              %#010x (%d bytes)\n", h.BssStart, h.BssSize)
	} else {
		fmt.Printf("bss:              none\n")
	}
	fmt.Printf("payload_size:     %d\n", h.PayloadSize)
	fmt.Printf("predicate_only:   %v\n", h.PredicateOnly())
	fmt.Printf("write_only:       %v\n", h.WriteOnly())

	preds, err := v.Predicates()
	if err != nil {
		return fmt.Errorf("predicates: %w", err)
	}
	fmt.Printf("predicates:       %d\n", len(preds))
	for i, p := range preds {
		fmt.Printf("  [%d] event %#010x -> %#010x, %d constraint(s), %d inactive-op(s), %d reset-op(s)\n",
			i, p.EventHandlerAddr, p.UpdatedEventHandlerAddr, len(p.Constraints), len(p.InactiveOps), len(p.ResetOps))
	}

	transfers, err := v.Transfers()
	if err != nil {
		return fmt.Errorf("transfers: %w", err)
	}
	fmt.Printf("transfers:        %d\n", len(transfers))

	hwInits, err := v.HwInits()
	if err != nil {
		return fmt.Errorf("hw_init: %w", err)
	}
	fmt.Printf("hw_init records:  %d\n", len(hwInits))

	memInits, err := v.MemInits()
	if err != nil {
		return fmt.Errorf("mem_init: %w", err)
	}
	fmt.Printf("mem_init records: %d\n", len(memInits))

	return nil
}

// verify runs the bounds checks the runtime applies when it decodes and
// walks an image, plus CheckTotals' section-sum check, and reports the
// first violation found, without decoding for display.
func verify(buf []byte, version uint32) error {
	v, err := image.Decode(buf, version)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	if err := v.CheckTotals(); err != nil {
		return fmt.Errorf("section totals: %w", err)
	}

	if _, err := v.Predicates(); err != nil {
		return fmt.Errorf("predicates: %w", err)
	}
	if _, err := v.Transfers(); err != nil {
		return fmt.Errorf("transfers: %w", err)
	}
	if _, err := v.HwInits(); err != nil {
		return fmt.Errorf("hw_init: %w", err)
	}
	if _, err := v.MemInits(); err != nil {
		return fmt.Errorf("mem_init: %w", err)
	}

	fmt.Println("ok")
	return nil
}

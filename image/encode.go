// https://github.com/usbarmory/liveupdate
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package image

import (
	"bytes"
	"encoding/binary"
)

// Builder assembles a complete update image buffer from its header and
// section contents. It exists for this module's own test suite - the
// out-of-scope host-side compiler that produces real images is free to
// build the same bytes by any means.
type Builder struct {
	Header Header

	Text   []byte
	Rodata []byte

	Predicates []PredicateBuilder
	Transfers  []Transfer
	HwInits    []HwRecord
	MemInits   []MemInit
}

// PredicateBuilder is the encodable form of Predicate.
type PredicateBuilder struct {
	EventHandlerAddr        uint32
	UpdatedEventHandlerAddr uint32
	InactiveOps             []uint32
	ResetOps                []uint32
	Constraints             []ConstraintBuilder
	StateInit               []StateTransfer
	HwTransfer              []HwRecord
}

// ConstraintBuilder is the encodable form of Constraint.
type ConstraintBuilder struct {
	SymbolAddr uint32
	Width      uint8
	Ranges     []ConstraintRange
}

func le32(buf *bytes.Buffer, v uint32) {
	binary.Write(buf, binary.LittleEndian, v)
}

func encodeHwRecords(recs []HwRecord) []byte {
	buf := new(bytes.Buffer)
	for _, r := range recs {
		size := uint32(8 + 4*len(r.Args))
		le32(buf, size)
		le32(buf, r.FnToken)
		for _, a := range r.Args {
			le32(buf, a)
		}
	}
	return buf.Bytes()
}

func (pb *PredicateBuilder) encode() []byte {
	body := new(bytes.Buffer)

	for _, op := range pb.InactiveOps {
		le32(body, op)
	}
	for _, op := range pb.ResetOps {
		le32(body, op)
	}

	for _, c := range pb.Constraints {
		csize := uint32(constraintHeaderSize + 8*len(c.Ranges))
		le32(body, csize)
		le32(body, c.SymbolAddr)
		le32(body, uint32(c.Width))
		le32(body, uint32(len(c.Ranges)))
		for _, r := range c.Ranges {
			le32(body, r.Lower)
			le32(body, r.Upper)
		}
	}

	for _, st := range pb.StateInit {
		le32(body, st.Addr)
		le32(body, st.Offset)
		le32(body, st.Val)
	}

	hwBytes := encodeHwRecords(pb.HwTransfer)
	body.Write(hwBytes)

	full := new(bytes.Buffer)
	size := uint32(predicateHeaderSize + body.Len())
	le32(full, size)
	le32(full, pb.EventHandlerAddr)
	le32(full, pb.UpdatedEventHandlerAddr)
	le32(full, uint32(len(pb.InactiveOps)))
	le32(full, uint32(len(pb.ResetOps)))
	le32(full, uint32(len(pb.Constraints)))
	le32(full, uint32(len(pb.StateInit)))
	le32(full, uint32(len(hwBytes)))
	full.Write(body.Bytes())

	return full.Bytes()
}

func sizedSection(body []byte) []byte {
	buf := new(bytes.Buffer)
	le32(buf, uint32(4+len(body)))
	buf.Write(body)
	return buf.Bytes()
}

// Bytes encodes the full image (header + payload) in on-wire form,
// computing PayloadSize and every section's size header from the
// builder's contents.
func (b *Builder) Bytes() []byte {
	predicatesBody := new(bytes.Buffer)
	for _, pb := range b.Predicates {
		predicatesBody.Write(pb.encode())
	}
	predicatesSection := sizedSection(predicatesBody.Bytes())

	transfersBody := new(bytes.Buffer)
	for _, t := range b.Transfers {
		le32(transfersBody, t.Origin)
		le32(transfersBody, t.Dest)
		le32(transfersBody, t.Size)
	}
	transfersSection := sizedSection(transfersBody.Bytes())

	hwInitsSection := sizedSection(encodeHwRecords(b.HwInits))

	memInitsBody := new(bytes.Buffer)
	for _, m := range b.MemInits {
		le32(memInitsBody, m.Addr)
		le32(memInitsBody, m.Offset)
		le32(memInitsBody, m.Val)
	}
	memInitsSection := sizedSection(memInitsBody.Bytes())

	h := b.Header
	h.TextSize = uint32(len(b.Text))
	h.RodataSize = uint32(len(b.Rodata))
	h.PayloadSize = uint32(len(b.Text) + len(b.Rodata) + len(predicatesSection) +
		len(transfersSection) + len(hwInitsSection) + len(memInitsSection))

	out := new(bytes.Buffer)
	out.Write(h.Bytes())
	out.Write(b.Text)
	out.Write(b.Rodata)
	out.Write(predicatesSection)
	out.Write(transfersSection)
	out.Write(hwInitsSection)
	out.Write(memInitsSection)

	return out.Bytes()
}

// https://github.com/usbarmory/liveupdate
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package bits provides primitives for bitwise operations on uint32 values,
// used to decode the packed hardware-configuration argument words carried
// by an update image.
package bits

// Get returns whether a specific bit position is set in v.
func Get(v uint32, pos int) bool {
	return (v>>uint(pos))&1 == 1
}

// GetN returns the value at a specific bit position with a bitmask applied.
func GetN(v uint32, pos int, mask uint32) uint32 {
	return (v >> uint(pos)) & mask
}

// Set returns v with an individual bit set at the position argument.
func Set(v uint32, pos int) uint32 {
	return v | (1 << uint(pos))
}

// Clear returns v with an individual bit cleared at the position argument.
func Clear(v uint32, pos int) uint32 {
	return v &^ (1 << uint(pos))
}

// SetTo returns v with the bit at pos set or cleared according to val.
func SetTo(v uint32, pos int, val bool) uint32 {
	if val {
		return Set(v, pos)
	}
	return Clear(v, pos)
}

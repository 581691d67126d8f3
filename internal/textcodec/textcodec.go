// Package textcodec converts between UTF-8 bytes and UTF-16 code units the
// way the script runtime's TextEncoder and TextDecoder do.
//
// Decoding is lenient and never fails: stray continuation bytes and the
// invalid lead bytes 0xF8-0xFF are skipped, multi-byte sequences are decoded
// positionally from the lead byte's length without checking the
// continuation bytes, and a sequence cut short by the end of input is
// dropped. Encoding drops unpaired surrogates. For every unit sequence u
// without lone surrogates, Decode(Encode(u)) equals u.
package textcodec

import (
	"encoding/binary"
	"unicode/utf16"
)

const (
	surrHighMin = 0xD800
	surrHighMax = 0xDBFF
	surrLowMin  = 0xDC00
	surrLowMax  = 0xDFFF
)

// Decode converts bytes to UTF-16 code units.
func Decode(b []byte) []uint16 {
	out := make([]uint16, 0, len(b))
	for i := 0; i < len(b); {
		lead := b[i]
		var n int
		var cp uint32
		switch {
		case lead < 0x80:
			out = append(out, uint16(lead))
			i++
			continue
		case lead < 0xC0, lead >= 0xF8:
			i++
			continue
		case lead < 0xE0:
			n, cp = 2, uint32(lead&0x1F)
		case lead < 0xF0:
			n, cp = 3, uint32(lead&0x0F)
		default:
			n, cp = 4, uint32(lead&0x07)
		}
		if i+n > len(b) {
			break
		}
		for k := 1; k < n; k++ {
			cp = cp<<6 | uint32(b[i+k]&0x3F)
		}
		i += n
		if cp > 0xFFFF {
			cp -= 0x10000
			out = append(out,
				uint16(surrHighMin|(cp>>10)&0x3FF),
				uint16(surrLowMin|cp&0x3FF))
			continue
		}
		out = append(out, uint16(cp))
	}
	return out
}

// Encode converts UTF-16 code units to UTF-8. A high surrogate followed by
// a low surrogate is combined; any other surrogate produces no bytes.
func Encode(u []uint16) []byte {
	out := make([]byte, 0, len(u))
	for i := 0; i < len(u); i++ {
		c := uint32(u[i])
		switch {
		case c >= surrHighMin && c <= surrHighMax:
			if i+1 < len(u) && u[i+1] >= surrLowMin && u[i+1] <= surrLowMax {
				c = 0x10000 + (c-surrHighMin)<<10 + (uint32(u[i+1]) - surrLowMin)
				i++
			} else {
				continue
			}
		case c >= surrLowMin && c <= surrLowMax:
			continue
		}
		out = appendUTF8(out, c)
	}
	return out
}

func appendUTF8(out []byte, c uint32) []byte {
	switch {
	case c < 0x80:
		return append(out, byte(c))
	case c < 0x800:
		return append(out, 0xC0|byte(c>>6), 0x80|byte(c&0x3F))
	case c < 0x10000:
		return append(out, 0xE0|byte(c>>12), 0x80|byte(c>>6&0x3F), 0x80|byte(c&0x3F))
	default:
		return append(out, 0xF0|byte(c>>18), 0x80|byte(c>>12&0x3F), 0x80|byte(c>>6&0x3F), 0x80|byte(c&0x3F))
	}
}

// DecodeString decodes b and returns it as a Go string. Lone surrogates
// produced by the decoder become U+FFFD.
func DecodeString(b []byte) string {
	return string(utf16.Decode(Decode(b)))
}

// EncodeString encodes a Go string. Invalid UTF-8 in s has already been
// replaced by U+FFFD when ranging over it.
func EncodeString(s string) []byte {
	return Encode(utf16.Encode([]rune(s)))
}

// UnitsToBytes packs code units little-endian, two bytes per unit.
func UnitsToBytes(u []uint16) []byte {
	out := make([]byte, 2*len(u))
	for i, c := range u {
		binary.LittleEndian.PutUint16(out[2*i:], c)
	}
	return out
}

// BytesToUnits is the inverse of UnitsToBytes. A trailing odd byte is
// ignored.
func BytesToUnits(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return out
}

package modbus

import (
	"encoding/binary"
	"math"
)

// FloatMode selects how a 32-bit float is laid out across a pair of
// 16-bit registers. Letters name the bytes of the IEEE 754 value from most
// (A) to least (D) significant, in the order they appear on the wire.
type FloatMode uint

const (
	FloatABCD FloatMode = iota // big endian, high word first
	FloatCDAB                  // big endian, low word first
	FloatBADC                  // little endian, high word first
	FloatDCBA                  // little endian, low word first
)

// Returns the byte and word ordering used to decode mode.
func (mode FloatMode) ordering() (endianness Endianness, wordOrder WordOrder) {
	switch mode {
	case FloatCDAB:
		endianness, wordOrder = BIG_ENDIAN, LOW_WORD_FIRST
	case FloatBADC:
		endianness, wordOrder = LITTLE_ENDIAN, HIGH_WORD_FIRST
	case FloatDCBA:
		endianness, wordOrder = LITTLE_ENDIAN, LOW_WORD_FIRST
	default:
		endianness, wordOrder = BIG_ENDIAN, HIGH_WORD_FIRST
	}

	return
}

func (mode FloatMode) String() (s string) {
	switch mode {
	case FloatABCD:
		s = "ABCD"
	case FloatCDAB:
		s = "CDAB"
	case FloatBADC:
		s = "BADC"
	case FloatDCBA:
		s = "DCBA"
	default:
		s = "unknown"
	}

	return
}

func bytesToUint32s(endianness Endianness, wordOrder WordOrder, in []byte) (out []uint32) {
	var u32 uint32

	for i := 0; i+3 < len(in); i += 4 {
		switch endianness {
		case BIG_ENDIAN:
			if wordOrder == HIGH_WORD_FIRST {
				u32 = binary.BigEndian.Uint32(in[i : i+4])
			} else {
				u32 = binary.BigEndian.Uint32(
					[]byte{in[i+2], in[i+3], in[i+0], in[i+1]})
			}
		case LITTLE_ENDIAN:
			if wordOrder == LOW_WORD_FIRST {
				u32 = binary.LittleEndian.Uint32(in[i : i+4])
			} else {
				u32 = binary.LittleEndian.Uint32(
					[]byte{in[i+2], in[i+3], in[i+0], in[i+1]})
			}
		}

		out = append(out, u32)
	}

	return
}

func uint32ToBytes(endianness Endianness, wordOrder WordOrder, in uint32) (out []byte) {
	out = make([]byte, 4)

	switch endianness {
	case BIG_ENDIAN:
		binary.BigEndian.PutUint32(out, in)

		// swap words if needed
		if wordOrder == LOW_WORD_FIRST {
			out[0], out[1], out[2], out[3] = out[2], out[3], out[0], out[1]
		}
	case LITTLE_ENDIAN:
		binary.LittleEndian.PutUint32(out, in)

		// swap words if needed
		if wordOrder == HIGH_WORD_FIRST {
			out[0], out[1], out[2], out[3] = out[2], out[3], out[0], out[1]
		}
	}

	return
}

func bytesToFloat32s(endianness Endianness, wordOrder WordOrder, in []byte) (out []float32) {
	var u32s []uint32

	u32s = bytesToUint32s(endianness, wordOrder, in)

	for _, u32 := range u32s {
		out = append(out, math.Float32frombits(u32))
	}

	return
}

func float32ToBytes(endianness Endianness, wordOrder WordOrder, in float32) (out []byte) {
	out = uint32ToBytes(endianness, wordOrder, math.Float32bits(in))

	return
}

// Decodes a register pair (as read off the wire) into a float.
func registersToFloat32(mode FloatMode, regs [2]uint16) (out float32) {
	var endianness Endianness
	var wordOrder WordOrder

	endianness, wordOrder = mode.ordering()
	out = bytesToFloat32s(endianness, wordOrder,
		uint16sToBytes(BIG_ENDIAN, regs[:]))[0]

	return
}

// Encodes a float into a register pair ready to be put on the wire.
func float32ToRegisters(mode FloatMode, in float32) (regs [2]uint16) {
	var endianness Endianness
	var wordOrder WordOrder
	var u16s []uint16

	endianness, wordOrder = mode.ordering()
	u16s = bytesToUint16s(BIG_ENDIAN, float32ToBytes(endianness, wordOrder, in))
	regs[0], regs[1] = u16s[0], u16s[1]

	return
}

func encodeBools(in []bool) (out []byte) {
	var byteCount uint
	var i uint

	byteCount = uint(len(in)) / 8
	if len(in)%8 != 0 {
		byteCount++
	}

	out = make([]byte, byteCount)
	for i = 0; i < uint(len(in)); i++ {
		if in[i] {
			out[i/8] |= (0x01 << (i % 8))
		}
	}

	return
}

func decodeBools(quantity uint16, in []byte) (out []bool) {
	var i uint

	for i = 0; i < uint(quantity); i++ {
		out = append(out, (((in[i/8] >> (i % 8)) & 0x01) == 0x01))
	}

	return
}

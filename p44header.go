package modbus

import (
	"encoding/binary"
)

const (
	p44HeaderLength   int    = 20
	p44HeaderWords    int    = p44HeaderLength / 2
	p44Magic          uint32 = 0x42932544
	noneMissing       uint32 = 0xffffffff
	maxChunkWords     int    = 118
	recordsPerSegment uint32 = 0x10000
)

// p44Header describes a file transferred over modbus file records: its size
// and CRC32, how it is laid out in record space, and (when read back from a
// receiver) the first data record still missing.
type p44Header struct {
	size               uint32
	crc                uint32
	neededSegments     uint8
	singleRecordLength uint8
	firstDataRecord    uint16
	firstMissing       uint32
}

// Serializes the header (big endian).
func (h *p44Header) marshal() (out []byte) {
	out = make([]byte, p44HeaderLength)

	binary.BigEndian.PutUint32(out[0:4], p44Magic)
	binary.BigEndian.PutUint32(out[4:8], h.size)
	binary.BigEndian.PutUint32(out[8:12], h.crc)
	out[12] = h.neededSegments
	out[13] = h.singleRecordLength
	binary.BigEndian.PutUint16(out[14:16], h.firstDataRecord)
	binary.BigEndian.PutUint32(out[16:20], h.firstMissing)

	return
}

// Parses a header, rejecting wrong magic and impossible layouts. The size
// is not checked against the segment count: a header read back from a
// receiver in mid-transfer declares the full layout but the partial size.
func parseP44Header(in []byte) (h *p44Header, err error) {
	if len(in) < p44HeaderLength {
		err = ErrShortFrame
		return
	}

	if binary.BigEndian.Uint32(in[0:4]) != p44Magic {
		err = ErrHeaderMismatch
		return
	}

	h = &p44Header{
		size:               binary.BigEndian.Uint32(in[4:8]),
		crc:                binary.BigEndian.Uint32(in[8:12]),
		neededSegments:     in[12],
		singleRecordLength: in[13],
		firstDataRecord:    binary.BigEndian.Uint16(in[14:16]),
		firstMissing:       binary.BigEndian.Uint32(in[16:20]),
	}

	if h.neededSegments == 0 || h.singleRecordLength == 0 ||
		int(h.singleRecordLength) > maxChunkWords ||
		h.firstDataRecord != headerRecords(h.singleRecordLength) {
		h = nil
		err = ErrHeaderMismatch
	}

	return
}

// Returns true if the segment count is the one the size needs. Holds for
// every header describing a complete file.
func (h *p44Header) consistent() (ok bool) {
	ok = uint32(h.neededSegments) == segmentsNeeded(h.size, h.singleRecordLength, h.firstDataRecord)

	return
}

// Returns true if both headers describe the same record layout.
func (h *p44Header) sameLayout(other *p44Header) (same bool) {
	same = h.neededSegments == other.neededSegments &&
		h.singleRecordLength == other.singleRecordLength &&
		h.firstDataRecord == other.firstDataRecord

	return
}

// Number of records occupied by the header for a given record length.
func headerRecords(singleRecordLength uint8) (n uint16) {
	n = uint16((p44HeaderWords + int(singleRecordLength) - 1) / int(singleRecordLength))

	return
}

// Number of data records needed to hold size bytes.
func dataRecords(size uint32, singleRecordLength uint8) (n uint32) {
	var recordBytes = uint64(singleRecordLength) * 2

	n = uint32((uint64(size) + recordBytes - 1) / recordBytes)

	return
}

// Number of segments (file numbers) needed for a file of size bytes.
func segmentsNeeded(size uint32, singleRecordLength uint8, firstDataRecord uint16) (n uint32) {
	var total uint64

	total = uint64(firstDataRecord) + uint64(dataRecords(size, singleRecordLength))
	n = uint32((total + uint64(recordsPerSegment) - 1) / uint64(recordsPerSegment))
	if n == 0 {
		n = 1
	}

	return
}

// Computes the record layout for a file of size bytes: fixedRecordLength
// words per record if non-zero, else the smallest record length for which
// the file fits into maxSegments segments.
func computeLayout(size uint32, maxSegments uint16, fixedRecordLength uint8,
	useHeader bool) (h *p44Header, err error) {
	var srl uint8
	var first uint16
	var segs uint32

	for srl = 1; int(srl) <= maxChunkWords; srl++ {
		if fixedRecordLength != 0 && srl != fixedRecordLength {
			continue
		}

		first = 0
		if useHeader {
			first = headerRecords(srl)
		}

		segs = segmentsNeeded(size, srl, first)
		if segs <= uint32(maxSegments) && segs <= 0xff {
			h = &p44Header{
				size:               size,
				neededSegments:     uint8(segs),
				singleRecordLength: srl,
				firstDataRecord:    first,
				firstMissing:       noneMissing,
			}
			return
		}

		if fixedRecordLength != 0 {
			break
		}
	}

	err = ErrFileTooLarge

	return
}

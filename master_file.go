package modbus

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

// TransferStats summarizes a file transfer.
type TransferStats struct {
	// data chunks sent or received
	Chunks int
	// requests repeated after a communication error
	Retries int
	// chunks sent again after a broadcast receiver reported them missing
	Retransmits int
	// file data bytes sent or received
	Bytes int64
}

// Reads words 16-bit words from file fileNo starting at record recordNo.
func (m *Master) ReadFileRecords(fileNo uint16, recordNo uint16, words uint16) (data []byte, err error) {
	err = m.withConnection(func() (err error) {
		var unit uint8

		unit, err = m.unitId(false)
		if err != nil {
			return
		}

		data, err = m.readFileRecords(unit, []fileSubRequest{{
			fileNo: fileNo, recordNo: recordNo, words: words,
		}})

		return
	})

	return
}

// Writes data (an even number of bytes) to file fileNo starting at record
// recordNo.
func (m *Master) WriteFileRecords(fileNo uint16, recordNo uint16, data []byte) (err error) {
	if len(data) == 0 || len(data)%2 != 0 {
		err = ErrUnexpectedParameters
		return
	}

	err = m.withConnection(func() (err error) {
		var unit uint8

		unit, err = m.unitId(true)
		if err != nil {
			return
		}

		err = m.writeFileRecords(unit, []fileSubRequest{{
			fileNo: fileNo, recordNo: recordNo, words: uint16(len(data) / 2), data: data,
		}})

		return
	})

	return
}

// SendFile sends the local file at path to the addressed slave, starting at
// file number fileNo. With useHeader, the file is preceded by a P44 header
// so that the slave can verify it once complete.
func (m *Master) SendFile(path string, fileNo uint16, useHeader bool, opts ...FileHandlerOption) (stats TransferStats, err error) {
	var fh *FileHandler
	var h *p44Header

	fh = NewFileHandler(fileNo, 0xff, 1, useHeader, path, append(opts, WithReadOnly())...)
	defer fh.Close()

	h, err = fh.prepareSend()
	if err != nil {
		m.logger.Errorf("cannot send '%s': %v", path, err)
		return
	}

	err = m.withConnection(func() (err error) {
		var unit uint8

		unit, err = m.unitId(true)
		if err != nil {
			return
		}

		err = m.sendFileTo(unit, fh, h, &stats)

		return
	})

	if err == nil {
		m.logger.Infof("sent '%s': %d chunks, %d retries", path, stats.Chunks, stats.Retries)
	}

	return
}

// ReceiveFile fetches a file from the addressed slave, starting at file
// number fileNo, into the local file at path. With useHeader, the transfer
// is sized and verified through the P44 header; without, the file is read
// until the slave answers with an illegal data address exception, and the
// last chunk ends up padded with 0xff.
func (m *Master) ReceiveFile(path string, fileNo uint16, useHeader bool, opts ...FileHandlerOption) (stats TransferStats, err error) {
	var fh *FileHandler

	fh = NewFileHandler(fileNo, 0xff, 1, useHeader, path, opts...)
	defer fh.Close()

	err = m.withConnection(func() (err error) {
		var unit uint8

		unit, err = m.unitId(false)
		if err != nil {
			return
		}

		err = m.receiveFileFrom(unit, fh, &stats)

		return
	})

	if err == nil {
		m.logger.Infof("received '%s': %d chunks, %d retries", path, stats.Chunks, stats.Retries)
	}

	return
}

// BroadcastFile sends the file at path to all slaves in addrs. With
// useHeader, the file goes out once as a broadcast; each slave is then
// checked through its header and sent whatever it reports missing. Without
// header, the file is sent to one slave after the other, unverified.
// Failing slaves do not stop the others; the returned error joins all
// failures.
func (m *Master) BroadcastFile(addrs []int, path string, fileNo uint16, useHeader bool,
	opts ...FileHandlerOption) (stats TransferStats, err error) {
	var fh *FileHandler
	var h *p44Header
	var errs []error
	var saved int

	if !useHeader {
		saved = m.SlaveAddress()
		defer m.SetSlaveAddress(saved)

		for _, addr := range addrs {
			var s TransferStats

			err = m.SetSlaveAddress(addr)
			if err == nil {
				s, err = m.SendFile(path, fileNo, false, opts...)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("slave %d: %w", addr, err))
			}
			stats.add(&s)
		}

		err = errors.Join(errs...)

		return
	}

	fh = NewFileHandler(fileNo, 0xff, 1, true, path, append(opts, WithReadOnly())...)
	defer fh.Close()

	h, err = fh.prepareSend()
	if err != nil {
		m.logger.Errorf("cannot send '%s': %v", path, err)
		return
	}

	err = m.withConnection(func() (err error) {
		err = m.sendFileTo(broadcastUnitId, fh, h, &stats)
		if err != nil {
			return
		}

		for _, addr := range addrs {
			if addr < 1 || addr > 0xff {
				errs = append(errs, fmt.Errorf("slave %d: %w", addr, ErrInvalidSlaveAddr))
				continue
			}

			err = m.verifyTarget(uint8(addr), fh, h, &stats)
			if err != nil {
				m.logger.Errorf("slave %d did not get '%s': %v", addr, path, err)
				errs = append(errs, fmt.Errorf("slave %d: %w", addr, err))
			}
		}

		err = errors.Join(errs...)

		return
	})

	m.logger.Infof("broadcast '%s' to %d slaves: %d chunks, %d retransmits, %d failed",
		path, len(addrs), stats.Chunks, stats.Retransmits, len(errs))

	return
}

func (ts *TransferStats) add(other *TransferStats) {
	ts.Chunks += other.Chunks
	ts.Retries += other.Retries
	ts.Retransmits += other.Retransmits
	ts.Bytes += other.Bytes

	return
}

// Writes the header (if any) and all data chunks of fh to unit.
func (m *Master) sendFileTo(unit uint8, fh *FileHandler, h *p44Header, stats *TransferStats) (err error) {
	var fileNo uint16
	var recordNo uint16
	var words uint16
	var data []byte
	var headerData []byte

	if fh.useP44Header {
		// header padded to fill all header records
		headerData = make([]byte, int(h.firstDataRecord)*int(h.singleRecordLength)*2)
		copy(headerData, h.marshal())

		err = m.writeChunk(unit, fh.baseFileNo, 0, headerData, h.singleRecordLength, stats)
		if err != nil {
			return
		}
	}

	for k := uint32(0); !fh.IsEOFForChunk(k, false); k++ {
		fileNo, recordNo, words, err = fh.AddressForMaxChunk(k, false)
		if err != nil {
			return
		}

		data, err = fh.readLocalFile(fileNo, recordNo, words)
		if err != nil {
			return
		}

		err = m.writeChunk(unit, fileNo, recordNo, data, fh.recordLength(), stats)
		if err != nil {
			return
		}

		stats.Chunks++
	}

	stats.Bytes += int64(h.size)

	return
}

// Reads the header (if any) and all data chunks from unit into fh.
func (m *Master) receiveFileFrom(unit uint8, fh *FileHandler, stats *TransferStats) (err error) {
	var fileNo uint16
	var recordNo uint16
	var words uint16
	var data []byte

	if fh.useP44Header {
		data, err = m.readChunk(unit, fh.baseFileNo, 0, uint16(p44HeaderWords), 1, stats)
		if err != nil {
			return
		}

		err = fh.writeLocalFile(fh.baseFileNo, 0, data)
		if err != nil {
			return
		}
	} else {
		err = fh.prepareReceive()
		if err != nil {
			return
		}
	}

	for k := uint32(0); !fh.IsEOFForChunk(k, true); k++ {
		fileNo, recordNo, words, err = fh.AddressForMaxChunk(k, true)
		if errors.Is(err, ErrFileTooLarge) && !fh.useP44Header {
			// end of the addressable space
			err = nil
			break
		}
		if err != nil {
			return
		}

		data, err = m.readChunk(unit, fileNo, recordNo, words, fh.recordLength(), stats)
		if !fh.useP44Header && IsException(err, exIllegalDataAddress) {
			// past the end of the remote file
			err = nil
			break
		}
		if err != nil {
			return
		}

		err = fh.writeLocalFile(fileNo, recordNo, data)
		if err != nil {
			return
		}

		stats.Chunks++
		stats.Bytes += int64(len(data))
	}

	if !fh.useP44Header {
		return
	}

	err = fh.Finalize()
	if err == nil && !fh.FileIntegrityOK() {
		err = ErrCRCMismatch
	}

	return
}

// Checks that unit got the whole file after a broadcast, sending it what it
// reports missing. Falls back to a unicast transfer once if the receiver
// has no usable state.
func (m *Master) verifyTarget(unit uint8, fh *FileHandler, h *p44Header, stats *TransferStats) (err error) {
	var data []byte
	var remote *p44Header
	var sameLayout bool
	var sameFile bool
	var unicastDone bool
	var retransmits int
	var maxRetransmits int
	var fileNo uint16
	var recordNo uint16
	var words uint16

	maxRetransmits = int(dataRecords(h.size, h.singleRecordLength)/fh.recordsPerChunk()) + 3

	for {
		data, err = m.readChunk(unit, fh.baseFileNo, 0, uint16(p44HeaderWords), 1, stats)
		if err == nil {
			remote, sameLayout, sameFile, err = fh.remoteHeaderMatches(data)
		}
		if err != nil && IsCommErr(err) {
			return
		}

		switch {
		case err == nil && sameLayout && remote.firstMissing != noneMissing && retransmits < maxRetransmits:
			fileNo, recordNo, words, err = fh.AddrForNextRetransmit(remote.firstMissing)
			if err == nil {
				data, err = fh.readLocalFile(fileNo, recordNo, words)
			}
			if err == nil {
				m.logger.Debugf("slave %d misses data record %d, retransmitting", unit, remote.firstMissing)
				err = m.writeChunk(unit, fileNo, recordNo, data, h.singleRecordLength, stats)
			}
			if err != nil {
				return
			}
			retransmits++
			stats.Retransmits++

		case err == nil && sameLayout && sameFile && remote.firstMissing == noneMissing:
			return

		case !unicastDone:
			m.logger.Warningf("slave %d needs a full transfer (%v)", unit, err)
			unicastDone = true
			err = m.sendFileTo(unit, fh, h, stats)
			if err != nil {
				return
			}

		default:
			if err == nil {
				err = ErrCRCMismatch
			}
			return
		}
	}
}

// Splits a chunk crossing a segment boundary into two sub-requests.
func splitAtSegment(fileNo uint16, recordNo uint16, words uint16, data []byte, srl uint8) (subs []fileSubRequest) {
	var records uint32
	var firstWords uint16

	records = (uint32(words) + uint32(srl) - 1) / uint32(srl)
	if uint32(recordNo)+records <= recordsPerSegment {
		subs = []fileSubRequest{{fileNo: fileNo, recordNo: recordNo, words: words, data: data}}
		return
	}

	firstWords = uint16((recordsPerSegment - uint32(recordNo)) * uint32(srl))
	subs = []fileSubRequest{
		{fileNo: fileNo, recordNo: recordNo, words: firstWords},
		{fileNo: fileNo + 1, recordNo: 0, words: words - firstWords},
	}
	if data != nil {
		subs[0].data = data[:2*int(firstWords)]
		subs[1].data = data[2*int(firstWords):]
	}

	return
}

// Writes a chunk, retrying on communication errors.
func (m *Master) writeChunk(unit uint8, fileNo uint16, recordNo uint16, data []byte,
	srl uint8, stats *TransferStats) (err error) {
	var subs = splitAtSegment(fileNo, recordNo, uint16(len(data)/2), data, srl)

	err = m.withRetries(fileWriteRetries, 0, stats, func() error {
		return m.writeFileRecords(unit, subs)
	})

	return
}

// Reads a chunk, retrying on communication errors. Header reads (record 0)
// wait longer after timeouts.
func (m *Master) readChunk(unit uint8, fileNo uint16, recordNo uint16, words uint16,
	srl uint8, stats *TransferStats) (data []byte, err error) {
	var subs = splitAtSegment(fileNo, recordNo, words, nil, srl)
	var extra time.Duration

	if recordNo == 0 {
		extra = m.CRCWaitDelay
	}

	err = m.withRetries(fileReadRetries, extra, stats, func() (err error) {
		data, err = m.readFileRecords(unit, subs)
		return
	})

	return
}

// Runs op, repeating it up to retries times after communication errors.
// extraOnTimeout is added to the retry delay after timeouts.
func (m *Master) withRetries(retries int, extraOnTimeout time.Duration, stats *TransferStats,
	op func() error) (err error) {
	var delay time.Duration

	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !IsCommErr(err) || attempt >= retries {
			return
		}

		m.logger.Warningf("file record request failed (attempt %d of %d): %v", attempt+1, retries+1, err)
		stats.Retries++

		m.Flush()

		delay = m.RetryDelay
		if errors.Is(err, ErrRequestTimedOut) {
			delay += extraOnTimeout
		}
		time.Sleep(delay)
	}
}

// Writes one or more sub-requests in a single write file record request.
func (m *Master) writeFileRecords(unit uint8, subs []fileSubRequest) (err error) {
	var req *pdu
	var res *pdu
	var body []byte

	for _, sub := range subs {
		body = append(body, fileRefType)
		body = append(body, uint16ToBytes(BIG_ENDIAN, sub.fileNo)...)
		body = append(body, uint16ToBytes(BIG_ENDIAN, sub.recordNo)...)
		body = append(body, uint16ToBytes(BIG_ENDIAN, sub.words)...)
		body = append(body, sub.data...)
	}

	req = &pdu{unitId: unit, functionCode: fcWriteFileRecord}
	if len(body) > 0xff || !appendToMessage(req, byte(len(body))) || !appendToMessage(req, body...) {
		err = ErrPDUSizeExceeded
		return
	}

	res, err = m.executeRequest(req)
	if err != nil || res == nil {
		return
	}

	// the response echoes the request
	if !bytes.Equal(res.payload, req.payload) {
		err = ErrProtocolError
	}

	return
}

// Reads one or more sub-requests in a single read file record request and
// returns their data concatenated.
func (m *Master) readFileRecords(unit uint8, subs []fileSubRequest) (data []byte, err error) {
	var req *pdu
	var res *pdu
	var body []byte
	var subLen int

	for _, sub := range subs {
		body = append(body, fileRefType)
		body = append(body, uint16ToBytes(BIG_ENDIAN, sub.fileNo)...)
		body = append(body, uint16ToBytes(BIG_ENDIAN, sub.recordNo)...)
		body = append(body, uint16ToBytes(BIG_ENDIAN, sub.words)...)
	}

	req = &pdu{unitId: unit, functionCode: fcReadFileRecord}
	if !appendToMessage(req, byte(len(body))) || !appendToMessage(req, body...) {
		err = ErrPDUSizeExceeded
		return
	}

	res, err = m.executeRequest(req)
	if err != nil {
		return
	}

	if len(res.payload) < 1 || int(res.payload[0]) != len(res.payload)-1 {
		err = ErrProtocolError
		return
	}

	body = res.payload[1:]
	for _, sub := range subs {
		if len(body) < 2 {
			err = ErrProtocolError
			return
		}

		subLen = int(body[0])
		if body[1] != fileRefType || subLen != 1+2*int(sub.words) || len(body) < 1+subLen {
			err = ErrProtocolError
			return
		}

		data = append(data, body[2:1+subLen]...)
		body = body[1+subLen:]
	}

	if len(body) != 0 {
		err = ErrProtocolError
		data = nil
	}

	return
}

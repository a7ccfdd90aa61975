package modbus

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

const (
	maxRTUFrameLength int           = 256
	minFrameTimeout   time.Duration = 100 * time.Millisecond
	minSilenceTimeout time.Duration = 20 * time.Millisecond
)

type rtuTransport struct {
	logger       *logger
	link         rtuLink
	timeout      time.Duration
	lastActivity time.Time
	t35          time.Duration
	t1           time.Duration
}

type rtuLink interface {
	Close() error
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	SetDeadline(time.Time) error
}

// Returns a new RTU transport. byteTime, when non-zero, overrides the
// character time derived from speed.
func newRTUTransport(link rtuLink, addr string, speed uint, byteTime time.Duration,
	timeout time.Duration, customLogger *zerolog.Logger) (rt *rtuTransport) {
	rt = &rtuTransport{
		logger:  newLogger(fmt.Sprintf("rtu-transport(%s)", addr), customLogger),
		link:    link,
		timeout: timeout,
		t1:      serialCharTime(speed),
	}

	if byteTime > 0 {
		rt.t1 = byteTime
		rt.t35 = (byteTime * 35) / 10
	} else if speed >= 19200 {
		// for baud rates equal to or greater than 19200 bauds, a fixed value of
		// 1750 uS is specified for t3.5.
		rt.t35 = 1750 * time.Microsecond
	} else {
		// for lower baud rates, the inter-frame delay should be 3.5 character times
		rt.t35 = (rt.t1 * 35) / 10
	}

	return
}

// Closes the rtu link.
func (rt *rtuTransport) Close() (err error) {
	err = rt.link.Close()

	return
}

// Drops any pending rx data.
func (rt *rtuTransport) Flush() (err error) {
	if r, ok := rt.link.(interface{ Reset() error }); ok {
		err = r.Reset()
		return
	}

	discard(rt.link)

	return
}

// Runs a request across the rtu link and returns a response.
// Broadcast requests return a nil response once the request is on the wire.
func (rt *rtuTransport) ExecuteRequest(req *pdu) (res *pdu, err error) {
	// set an i/o deadline on the link
	err = rt.link.SetDeadline(time.Now().Add(rt.timeout))
	if err != nil {
		return
	}

	err = rt.send(req)
	if err != nil {
		return
	}

	// nobody answers broadcasts
	if req.unitId == broadcastUnitId {
		return
	}

	// read the response back from the wire
	res, err = rt.readRTUFrame(false)

	if err == ErrBadCRC || err == ErrProtocolError || err == ErrShortFrame {
		rt.resync()
	}

	// mark the time if we heard anything back
	if err != ErrRequestTimedOut {
		rt.lastActivity = time.Now()
	}

	return
}

// Reads a request from the rtu link. Returns ErrRequestTimedOut if the line
// stayed idle for the transport timeout.
func (rt *rtuTransport) ReadRequest() (req *pdu, err error) {
	// wait for the start of a frame
	err = rt.link.SetDeadline(time.Now().Add(rt.timeout))
	if err != nil {
		return
	}

	req, err = rt.readRTUFrame(true)

	if err == ErrBadCRC || err == ErrProtocolError || err == ErrShortFrame {
		rt.logger.Warningf("dropping malformed request: %v", err)
		rt.resync()
	}

	if err != ErrRequestTimedOut {
		rt.lastActivity = time.Now()
	}

	return
}

// Writes a response to the rtu link.
func (rt *rtuTransport) WriteResponse(res *pdu) (err error) {
	err = rt.link.SetDeadline(time.Now().Add(rt.timeout))
	if err != nil {
		return
	}

	err = rt.send(res)

	return
}

// Puts a frame on the wire, observing inter-frame delays before and after.
func (rt *rtuTransport) send(p *pdu) (err error) {
	var ts time.Time
	var t time.Duration
	var n int

	// if the line was active less than 3.5 char times ago,
	// let t3.5 expire before transmitting
	t = time.Since(rt.lastActivity.Add(rt.t35))
	if t < 0 {
		time.Sleep(t * (-1))
	}

	ts = time.Now()

	// build an RTU ADU out of the PDU and send the final ADU+CRC on the wire
	n, err = rt.link.Write(rt.assembleRTUFrame(p))
	if err != nil {
		return
	}

	// estimate how long the serial line was busy for.
	// note that on most platforms, Write() will be buffered and return
	// immediately rather than block until the buffer is drained
	rt.lastActivity = ts.Add(time.Duration(n) * rt.t1)

	// observe inter-frame delays
	time.Sleep(time.Until(rt.lastActivity.Add(rt.t35)))

	return
}

// Waits for and flushes any data coming off the link to allow
// devices to re-sync.
func (rt *rtuTransport) resync() {
	time.Sleep(time.Duration(maxRTUFrameLength) * rt.t1)
	discard(rt.link)

	return
}

// Returns how long the remainder of a frame may take to arrive once its
// first bytes have been received.
func (rt *rtuTransport) frameTimeout() (ft time.Duration) {
	ft = time.Duration(maxRTUFrameLength)*rt.t1 + rt.t35
	if ft < minFrameTimeout {
		ft = minFrameTimeout
	}

	return
}

// Reads exactly len(buf) bytes, turning partial reads into ErrShortFrame.
func (rt *rtuTransport) readFull(buf []byte) (err error) {
	var byteCount int

	byteCount, err = io.ReadFull(rt.link, buf)
	if err != nil && byteCount > 0 {
		rt.logger.Warningf("expected %v bytes, received %v", len(buf), byteCount)
		err = ErrShortFrame
	}

	return
}

// Reads bytes until the line goes quiet. Returns the total frame length.
func (rt *rtuTransport) readUntilSilence(rxbuf []byte, from int) (frameLength int, err error) {
	var silence time.Duration
	var n int

	silence = rt.t35
	if silence < minSilenceTimeout {
		silence = minSilenceTimeout
	}

	frameLength = from
	for {
		rt.link.SetDeadline(time.Now().Add(silence))

		n, err = rt.link.Read(rxbuf[frameLength:])
		frameLength += n
		if err == ErrRequestTimedOut || err == io.EOF {
			err = nil
			break
		}
		if err != nil {
			return
		}
		if frameLength >= len(rxbuf) {
			err = ErrProtocolError
			return
		}
	}

	// unit id, function code and crc at the very least
	if frameLength < 4 {
		err = ErrShortFrame
	}

	return
}

// Waits for, reads and decodes a frame from the rtu link.
func (rt *rtuTransport) readRTUFrame(isRequest bool) (p *pdu, err error) {
	var rxbuf []byte
	var fixed int
	var countIdx int
	var bytesNeeded int
	var frameLength int
	var crc crc

	rxbuf = make([]byte, maxRTUFrameLength)

	// read the serial ADU header: unit id (1 byte) and function code (1 byte)
	err = rt.readFull(rxbuf[0:2])
	if err != nil {
		return
	}

	if isRequest {
		// the rest of the request must follow without gaps
		rt.link.SetDeadline(time.Now().Add(rt.frameTimeout()))

		fixed, countIdx, err = expectedRequestLength(rxbuf[1])
		if err != nil {
			// unknown function code: pick up whatever arrives until the
			// line goes quiet so that an exception can be returned
			frameLength, err = rt.readUntilSilence(rxbuf, 2)
			if err != nil {
				return
			}
		} else {
			err = rt.readFull(rxbuf[2 : 2+fixed])
			if err != nil {
				return
			}
			if countIdx >= 0 {
				bytesNeeded = int(rxbuf[2+countIdx])
			}
		}
	} else {
		// PDU length/exception code (1 byte)
		fixed = 1
		err = rt.readFull(rxbuf[2:3])
		if err != nil {
			return
		}

		bytesNeeded, err = expectedResponseLength(rxbuf[1], rxbuf[2])
		if err != nil {
			return
		}
	}

	if frameLength == 0 {
		// header, payload and 2 bytes of CRC
		frameLength = 2 + fixed + bytesNeeded + 2

		// never read more than the max allowed frame length
		if frameLength > maxRTUFrameLength {
			err = ErrProtocolError
			return
		}

		err = rt.readFull(rxbuf[2+fixed : frameLength])
		if err != nil {
			return
		}
	}

	// compute the CRC on the entire frame, excluding the CRC
	crc.init()
	crc.add(rxbuf[0 : frameLength-2])

	// compare CRC values
	if !crc.isEqual(rxbuf[frameLength-2], rxbuf[frameLength-1]) {
		err = ErrBadCRC
		return
	}

	p = &pdu{
		unitId:       rxbuf[0],
		functionCode: rxbuf[1],
		// pass the byte count + trailing data as payload, without the CRC
		payload: rxbuf[2 : frameLength-2],
	}

	return
}

// Turns a PDU object into bytes.
func (rt *rtuTransport) assembleRTUFrame(p *pdu) (adu []byte) {
	var crc crc

	adu = append(adu, p.unitId)
	adu = append(adu, p.functionCode)
	adu = append(adu, p.payload...)

	// run the ADU through the CRC generator
	crc.init()
	crc.add(adu)

	// append the CRC to the ADU
	adu = append(adu, crc.value()...)

	return
}

// Computes the expected length of a modbus RTU request payload. fixed is the
// number of bytes always present; if countIdx is not negative, the byte at
// that offset in the payload holds the number of bytes following the fixed part.
func expectedRequestLength(functionCode uint8) (fixed int, countIdx int, err error) {
	countIdx = -1

	switch functionCode {
	case fcReadCoils,
		fcReadDiscreteInputs,
		fcReadHoldingRegisters,
		fcReadInputRegisters,
		fcWriteSingleCoil,
		fcWriteSingleRegister:
		fixed = 4
	case fcWriteMultipleCoils,
		fcWriteMultipleRegisters:
		fixed, countIdx = 5, 4
	case fcReportSlaveId:
		fixed = 0
	case fcReadFileRecord,
		fcWriteFileRecord:
		fixed, countIdx = 1, 0
	default:
		err = ErrProtocolError
	}

	return
}

// Computes the expected length of a modbus RTU response, following the
// third byte of the frame.
func expectedResponseLength(responseCode uint8, responseLength uint8) (byteCount int, err error) {
	switch responseCode {
	case fcReadHoldingRegisters,
		fcReadInputRegisters,
		fcReadCoils,
		fcReadDiscreteInputs,
		fcReportSlaveId,
		fcReadFileRecord,
		fcWriteFileRecord:
		byteCount = int(responseLength)
	case fcWriteSingleRegister,
		fcWriteMultipleRegisters,
		fcWriteSingleCoil,
		fcWriteMultipleCoils:
		byteCount = 3
	default:
		if responseCode&0x80 != 0 {
			// exception responses only carry the exception code
			byteCount = 0
		} else {
			err = ErrProtocolError
		}
	}

	return
}

// Discards the contents of the link's rx buffer, eating up to 1kB of data.
// Note that on a serial line, this call may block for up to serialConf.Timeout
// i.e. 10ms.
func discard(link rtuLink) {
	var rxbuf = make([]byte, 1024)

	link.SetDeadline(time.Now().Add(500 * time.Microsecond))
	io.ReadFull(link, rxbuf)

	return
}

// Returns how long it takes to send 1 byte on a serial line at the
// specified baud rate.
func serialCharTime(rate_bps uint) (ct time.Duration) {
	if rate_bps == 0 {
		rate_bps = 9600
	}

	// note: an RTU byte on the wire is:
	// - 1 start bit,
	// - 8 data bits,
	// - 1 parity or stop bit
	// - 1 stop bit
	ct = (11) * time.Second / time.Duration(rate_bps)

	return
}

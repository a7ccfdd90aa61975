package modbus

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MBAP header plus the largest PDU
	maxTCPFrameLength int    = 260
	mbapHeaderLength  int    = 7
	mbapProtocolId    uint16 = 0x0000
)

// The 7 byte MBAP header preceding every PDU on a Modbus/TCP stream.
// length counts the unit id, the function code and the payload.
type mbapHeader struct {
	txnId      uint16
	protocolId uint16
	length     uint16
	unitId     uint8
}

func decodeMBAPHeader(in []byte) (h mbapHeader) {
	h.txnId = bytesToUint16(BIG_ENDIAN, in[0:2])
	h.protocolId = bytesToUint16(BIG_ENDIAN, in[2:4])
	h.length = bytesToUint16(BIG_ENDIAN, in[4:6])
	h.unitId = in[6]

	return
}

// tcpTransport carries PDUs over a TCP stream for both the master and the
// slave side. txnId is the id of the request in flight (master) or of the
// request being answered (slave).
type tcpTransport struct {
	logger  *logger
	socket  *socketWrapper
	timeout time.Duration
	txnId   uint16
}

func newTCPTransport(socket *socketWrapper, timeout time.Duration, customLogger *zerolog.Logger) (tt *tcpTransport) {
	tt = &tcpTransport{
		socket:  socket,
		timeout: timeout,
		logger:  newLogger(fmt.Sprintf("mbap(%s)", socket.RemoteAddr()), customLogger),
	}

	return
}

func (tt *tcpTransport) Close() (err error) {
	err = tt.socket.Close()

	return
}

// Flush discards whatever the peer sent that nobody asked for.
func (tt *tcpTransport) Flush() (err error) {
	err = tt.socket.Reset()

	return
}

// ExecuteRequest sends req under a fresh transaction id and waits for the
// matching response. Broadcasts return as soon as they are written.
func (tt *tcpTransport) ExecuteRequest(req *pdu) (res *pdu, err error) {
	if err = tt.armDeadline(); err != nil {
		return
	}

	tt.txnId++
	if err = tt.send(req); err != nil {
		return
	}

	if req.unitId == broadcastUnitId {
		return
	}

	res, err = tt.readResponse()

	return
}

// ReadRequest waits for the next request and remembers its transaction id
// for the response.
func (tt *tcpTransport) ReadRequest() (req *pdu, err error) {
	var h mbapHeader

	if err = tt.armDeadline(); err != nil {
		return
	}

	h, req, err = tt.readFrame()
	if err != nil {
		return
	}
	tt.txnId = h.txnId

	return
}

func (tt *tcpTransport) WriteResponse(res *pdu) (err error) {
	if err = tt.armDeadline(); err != nil {
		return
	}

	err = tt.send(res)

	return
}

// A single deadline covers the write and the read that follows it.
func (tt *tcpTransport) armDeadline() (err error) {
	err = tt.socket.SetDeadline(time.Now().Add(tt.timeout))

	return
}

func (tt *tcpTransport) send(p *pdu) (err error) {
	_, err = tt.socket.Write(tt.encodeFrame(tt.txnId, p))

	return
}

// Returns the first frame answering the request in flight. Frames of other
// protocols and late answers to earlier requests are skipped.
func (tt *tcpTransport) readResponse() (res *pdu, err error) {
	var h mbapHeader

	for {
		h, res, err = tt.readFrame()
		switch {
		case err == ErrUnknownProtocolId:
			continue
		case err != nil:
			return
		case h.txnId != tt.txnId:
			tt.logger.Warningf("skipping response to transaction 0x%04x while waiting for 0x%04x",
				h.txnId, tt.txnId)
			continue
		}

		return
	}
}

// Reads one MBAP frame off the stream. A frame with a foreign protocol id
// is consumed in full before being rejected, which keeps the stream in sync.
func (tt *tcpTransport) readFrame() (h mbapHeader, p *pdu, err error) {
	var hdr = make([]byte, mbapHeaderLength)
	var body []byte

	if _, err = io.ReadFull(tt.socket, hdr); err != nil {
		return
	}
	h = decodeMBAPHeader(hdr)

	// the unit id is part of the header already, a function code must follow
	if h.length < 2 || int(h.length)-1+mbapHeaderLength > maxTCPFrameLength {
		tt.logger.Warningf("bad MBAP length %d", h.length)
		err = ErrProtocolError
		return
	}

	body = make([]byte, int(h.length)-1)
	if _, err = io.ReadFull(tt.socket, body); err != nil {
		return
	}

	if h.protocolId != mbapProtocolId {
		tt.logger.Warningf("dropping frame with protocol id 0x%04x", h.protocolId)
		err = ErrUnknownProtocolId
		return
	}

	p = &pdu{
		unitId:       h.unitId,
		functionCode: body[0],
		payload:      body[1:],
	}

	return
}

func (tt *tcpTransport) encodeFrame(txnId uint16, p *pdu) (frame []byte) {
	frame = make([]byte, 0, mbapHeaderLength+1+len(p.payload))
	frame = append(frame, uint16ToBytes(BIG_ENDIAN, txnId)...)
	frame = append(frame, uint16ToBytes(BIG_ENDIAN, mbapProtocolId)...)
	frame = append(frame, uint16ToBytes(BIG_ENDIAN, uint16(2+len(p.payload)))...)
	frame = append(frame, p.unitId, p.functionCode)
	frame = append(frame, p.payload...)

	return
}

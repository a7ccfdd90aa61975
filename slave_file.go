package modbus

const fileSubRequestHeaderLength int = 7

// A single file record sub-request.
type fileSubRequest struct {
	fileNo   uint16
	recordNo uint16
	words    uint16
	data     []byte
}

// Decodes the sub-requests of a read (fc 0x14) or write (fc 0x15) file
// record request.
func decodeFileSubRequests(req *pdu) (subs []fileSubRequest, err error) {
	var byteCount int
	var body []byte
	var sub fileSubRequest

	if len(req.payload) < 1 {
		err = ErrIllegalDataValue
		return
	}

	byteCount = int(req.payload[0])
	body = req.payload[1:]
	if byteCount != len(body) || byteCount < fileSubRequestHeaderLength {
		err = ErrIllegalDataValue
		return
	}

	if req.functionCode == fcReadFileRecord && byteCount%fileSubRequestHeaderLength != 0 {
		err = ErrIllegalDataValue
		return
	}

	for len(body) > 0 {
		if len(body) < fileSubRequestHeaderLength || body[0] != fileRefType {
			err = ErrIllegalDataValue
			return
		}

		sub = fileSubRequest{
			fileNo:   bytesToUint16(BIG_ENDIAN, body[1:3]),
			recordNo: bytesToUint16(BIG_ENDIAN, body[3:5]),
			words:    bytesToUint16(BIG_ENDIAN, body[5:7]),
		}
		body = body[fileSubRequestHeaderLength:]

		if req.functionCode == fcWriteFileRecord {
			if len(body) < 2*int(sub.words) {
				err = ErrIllegalDataValue
				return
			}
			sub.data = body[:2*int(sub.words)]
			body = body[2*int(sub.words):]
		}

		subs = append(subs, sub)
	}

	return
}

// Returns the file handler serving fileNo.
func (s *Slave) fileHandlerFor(fileNo uint16) (fh *FileHandler) {
	s.fileLock.Lock()
	defer s.fileLock.Unlock()

	for _, h := range s.fileHandlers {
		if h.Handles(fileNo) {
			fh = h
			return
		}
	}

	return
}

// Serves read and write file record requests through the file handlers.
// Any failing sub-request fails the whole request.
func (s *Slave) handleFileAccess(req *pdu) (res *pdu, err error) {
	var subs []fileSubRequest
	var fh *FileHandler
	var data []byte

	subs, err = decodeFileSubRequests(req)
	if err != nil {
		return
	}

	res = buildResponseBase(req)

	if req.functionCode == fcWriteFileRecord {
		for _, sub := range subs {
			fh = s.fileHandlerFor(sub.fileNo)
			if fh == nil {
				err = ErrIllegalDataAddress
				res = nil
				return
			}

			err = fh.writeLocalFile(sub.fileNo, sub.recordNo, sub.data)
			if err != nil {
				res = nil
				return
			}
		}

		// write responses echo the request
		res.payload = append(res.payload, req.payload...)

		return
	}

	// response data length, filled in last
	appendToMessage(res, 0)

	for _, sub := range subs {
		fh = s.fileHandlerFor(sub.fileNo)
		if fh == nil {
			err = ErrIllegalDataAddress
			res = nil
			return
		}

		// reserve room before touching the file
		if 1+len(res.payload)+2+2*int(sub.words) > maxPDULength {
			err = ErrPDUSizeExceeded
			res = nil
			return
		}

		data, err = fh.readLocalFile(sub.fileNo, sub.recordNo, sub.words)
		if err != nil {
			res = nil
			return
		}

		appendToMessage(res, byte(1+len(data)), fileRefType)
		appendToMessage(res, data...)
	}

	res.payload[0] = byte(len(res.payload) - 1)

	return
}

package modbus

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RawRequestHandler gets first refusal on every request addressed to the
// slave. Returning handled=false passes the request on to the built-in
// handling. When handled, res is the response payload (after the function
// code), or err selects the exception to return.
type RawRequestHandler func(unitId uint8, functionCode uint8, payload []byte) (res []byte, handled bool, err error)

const slaveRecoveryDelay time.Duration = 1 * time.Second

// Slave serves a register/bit model, a slave identification string and any
// number of file handlers to remote masters. Serving starts on Connect and
// runs in the background until Close.
type Slave struct {
	*Connection

	modelLock     sync.Mutex
	model         *registerModel
	slaveID       string
	rawHandler    RawRequestHandler
	accessHandler ValueAccessHandler

	fileLock     sync.Mutex
	fileHandlers []*FileHandler

	stop chan struct{}
}

// NewSlave returns a slave. customLogger may be nil.
func NewSlave(customLogger *zerolog.Logger) (s *Slave) {
	s = &Slave{
		Connection: newConnection(roleSlave, customLogger),
	}
	s.onConnect = s.startServing
	s.onClose = s.stopServing

	return
}

// SetSlaveID sets the text returned to report slave id (0x11) requests.
func (s *Slave) SetSlaveID(text string) {
	s.modelLock.Lock()
	defer s.modelLock.Unlock()

	s.slaveID = text

	return
}

// SetRawRequestHandler installs a handler seeing requests before the
// built-in handling.
func (s *Slave) SetRawRequestHandler(h RawRequestHandler) {
	s.modelLock.Lock()
	defer s.modelLock.Unlock()

	s.rawHandler = h

	return
}

// SetValueAccessHandler installs a handler invoked once for every bit and
// register touched by a remote.
func (s *Slave) SetValueAccessHandler(h ValueAccessHandler) {
	s.modelLock.Lock()
	defer s.modelLock.Unlock()

	s.accessHandler = h

	return
}

// AddFileHandler makes fh serve file record requests for the file numbers
// it handles.
func (s *Slave) AddFileHandler(fh *FileHandler) {
	s.fileLock.Lock()
	defer s.fileLock.Unlock()

	s.fileHandlers = append(s.fileHandlers, fh)

	return
}

// Addr returns the local address a TCP slave listens on, if any.
func (s *Slave) Addr() (addr net.Addr) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.listener != nil {
		addr = s.listener.Addr()
	}

	return
}

// Starts the serving goroutine once the link is up.
func (s *Slave) startServing() (err error) {
	var stop = make(chan struct{})

	s.lock.Lock()
	defer s.lock.Unlock()

	s.stop = stop

	switch {
	case s.listener != nil:
		go s.acceptConnections(s.listener, stop)
	case s.transport != nil:
		go s.serve(s.transport, false, stop)
	}

	return
}

// Signals the serving goroutines to stop. Called with the lock held.
func (s *Slave) stopServing() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}

	return
}

// Accepts TCP connections. Each new connection replaces the active one.
func (s *Slave) acceptConnections(l net.Listener, stop chan struct{}) {
	var sock net.Conn
	var err error
	var active transport
	var timeout time.Duration

	s.lock.Lock()
	timeout = s.opts.timeout
	s.lock.Unlock()

	for {
		sock, err = l.Accept()
		if err != nil {
			select {
			case <-stop:
				if active != nil {
					active.Close()
				}
				return
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return
			}

			s.logger.Warningf("failed to accept client connection: %v", err)
			continue
		}

		if active != nil {
			s.logger.Infof("replacing active connection with %v", sock.RemoteAddr())
			active.Close()
		}

		active = newTCPTransport(newSocketWrapper(sock), timeout, s.customLogger)
		go s.serve(active, true, stop)
	}
}

// Reads requests from t and answers them until stopped or the link fails.
func (s *Slave) serve(t transport, isTCP bool, stop chan struct{}) {
	var req *pdu
	var res *pdu
	var err error

	for {
		select {
		case <-stop:
			return
		default:
		}

		req, err = t.ReadRequest()
		if err != nil {
			if s.servingError(t, isTCP, stop, err) {
				return
			}
			continue
		}

		res = s.handleRequest(req, isTCP)
		if res != nil {
			err = t.WriteResponse(res)
			if err != nil {
				s.logger.Errorf("failed to send response: %v", err)
			}
		}

		// slow file completion only after the response is out
		s.finalizeFiles()
	}
}

// Decides how serving goes on after a read error. Returns true if the
// serving goroutine must exit.
func (s *Slave) servingError(t transport, isTCP bool, stop chan struct{}, err error) (exit bool) {
	select {
	case <-stop:
		exit = true
		return
	default:
	}

	switch {
	case errors.Is(err, ErrRequestTimedOut):
		// idle line
	case errors.Is(err, ErrBadCRC), errors.Is(err, ErrShortFrame), errors.Is(err, ErrProtocolError),
		errors.Is(err, ErrUnknownProtocolId):
		// dropped, the transport has resynced already
	case isTCP:
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			s.logger.Warningf("client connection failed: %v", err)
		}
		t.Close()
		exit = true
	default:
		s.logger.Errorf("serial link failed: %v", err)
		exit = true
		go s.reopen(err)
	}

	return
}

// Re-opens the serial link after a failure, if recovery mode is enabled.
func (s *Slave) reopen(cause error) {
	s.lock.Lock()
	recovery := s.opts.recoveryMode
	s.lock.Unlock()

	if !recovery {
		s.logger.Errorf("stopped serving after: %v", cause)
		return
	}

	s.Close()
	time.Sleep(slaveRecoveryDelay)

	if err := s.Connect(true); err != nil {
		s.logger.Errorf("failed to re-open link: %v", err)
	}

	return
}

// Returns true if the slave must process requests for unitId.
func (s *Slave) accepts(unitId uint8, isTCP bool) (ok bool) {
	var own = s.SlaveAddress()

	switch {
	case unitId == broadcastUnitId:
		ok = true
	case isTCP && (unitId == tcpAnyUnitId || own == noSlaveAddress):
		ok = true
	default:
		ok = own != noSlaveAddress && int(unitId) == own
	}

	return
}

// Processes a request and returns the response to send, if any.
func (s *Slave) handleRequest(req *pdu, isTCP bool) (res *pdu) {
	var err error
	var accessErr *AccessError

	if !s.accepts(req.unitId, isTCP) {
		return
	}

	res, err = s.dispatch(req)
	if err != nil {
		if errors.As(err, &accessErr) && accessErr.Msg != "" {
			s.logger.Warningf("fc 0x%02x rejected: %s", req.functionCode, accessErr.Msg)
		} else {
			s.logger.Debugf("fc 0x%02x failed: %v", req.functionCode, err)
		}
		res = buildExceptionResponse(req, err)
	}

	// broadcasts are never answered
	if req.unitId == broadcastUnitId {
		res = nil
	}

	return
}

// Routes a request to the raw handler, the file handlers or the register model.
func (s *Slave) dispatch(req *pdu) (res *pdu, err error) {
	var raw RawRequestHandler
	var payload []byte
	var handled bool

	s.modelLock.Lock()
	raw = s.rawHandler
	s.modelLock.Unlock()

	if raw != nil {
		payload, handled, err = raw(req.unitId, req.functionCode, req.payload)
		if handled {
			if err == nil {
				res = buildResponseBase(req)
				if !appendToMessage(res, payload...) {
					res = nil
					err = ErrPDUSizeExceeded
				}
			}
			return
		}
		err = nil
	}

	switch req.functionCode {
	case fcReadFileRecord, fcWriteFileRecord:
		res, err = s.handleFileAccess(req)
	case fcReportSlaveId:
		res, err = s.reportSlaveId(req)
	default:
		res, err = s.handleRegisterAccess(req)
	}

	return
}

// Answers report slave id requests: byte count, slave address, run
// indicator and the identification text.
func (s *Slave) reportSlaveId(req *pdu) (res *pdu, err error) {
	var text string
	var addr = s.SlaveAddress()

	s.modelLock.Lock()
	text = s.slaveID
	s.modelLock.Unlock()

	if addr == noSlaveAddress {
		addr = int(tcpAnyUnitId)
	}

	// byte count + address + run indicator
	if 3+len(text) > maxPDULength-1 {
		text = text[:maxPDULength-4]
	}

	res = buildResponseBase(req)
	appendToMessage(res, byte(2+len(text)), byte(addr), 0xff)
	appendToMessage(res, []byte(text)...)

	return
}

// Completes pending file transfers.
func (s *Slave) finalizeFiles() {
	var err error

	s.fileLock.Lock()
	defer s.fileLock.Unlock()

	for _, fh := range s.fileHandlers {
		if !fh.PendingFinalize() {
			continue
		}

		err = fh.Finalize()
		if err != nil {
			s.logger.Errorf("file transfer failed: %v", err)
		}
	}

	return
}

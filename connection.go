package modbus

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type connRole uint

const (
	roleMaster connRole = 1
	roleSlave  connRole = 2
)

const (
	noSlaveAddress       int           = -1
	defaultRTUTimeout    time.Duration = 300 * time.Millisecond
	defaultTCPTimeout    time.Duration = 1 * time.Second
	defaultSlaveIdleTick time.Duration = 1 * time.Second
)

// ConnectionOption tunes a connection specification.
type ConnectionOption func(*connOptions)

type connOptions struct {
	txEnableSpec   string
	rxEnableSpec   string
	txDisableDelay time.Duration
	byteTime       time.Duration
	recoveryMode   bool
	timeout        time.Duration
	pinFactory     PinFactory
}

// WithTxEnable selects RS485 transmit-enable control: "" or "RS232" for none,
// "RTS" for the native RTS line, anything else is a pin spec resolved through
// the pin factory.
func WithTxEnable(spec string) ConnectionOption {
	return func(o *connOptions) {
		o.txEnableSpec = spec
	}
}

// WithRxEnable selects a pin driven as the inverse of transmit-enable.
func WithRxEnable(spec string) ConnectionOption {
	return func(o *connOptions) {
		o.rxEnableSpec = spec
	}
}

// WithTxDisableDelay adds a delay between the end of a transmission and
// the release of the transmit-enable line.
func WithTxDisableDelay(d time.Duration) ConnectionOption {
	return func(o *connOptions) {
		o.txDisableDelay = d
	}
}

// WithByteTime overrides the per-character time derived from the baud rate.
func WithByteTime(d time.Duration) ConnectionOption {
	return func(o *connOptions) {
		o.byteTime = d
	}
}

// WithRecoveryMode enables re-opening the link after i/o errors.
func WithRecoveryMode(enabled bool) ConnectionOption {
	return func(o *connOptions) {
		o.recoveryMode = enabled
	}
}

// WithTimeout sets the response timeout (masters) or idle poll interval (slaves).
func WithTimeout(d time.Duration) ConnectionOption {
	return func(o *connOptions) {
		o.timeout = d
	}
}

// WithPinFactory sets the factory used to resolve pin specs.
// Defaults to SysfsPinFactory.
func WithPinFactory(pf PinFactory) ConnectionOption {
	return func(o *connOptions) {
		o.pinFactory = pf
	}
}

// Connection is the protocol context shared by Master and Slave: transport
// parameters, the open link, the addressed slave and the float layout.
type Connection struct {
	logger       *logger
	customLogger *zerolog.Logger
	role         connRole
	lock         sync.Mutex
	spec         *connSpec
	opts         connOptions
	txEnable     DigitalOutput
	rxEnable     DigitalOutput
	transport    transport
	listener     net.Listener
	slaveAddr    int
	floatMode    FloatMode

	// called (without lock held) once the link is up
	onConnect func() error
	// called (with lock held) before the link goes down
	onClose func()
}

func newConnection(role connRole, customLogger *zerolog.Logger) (c *Connection) {
	c = &Connection{
		role:         role,
		customLogger: customLogger,
		slaveAddr:    noSlaveAddress,
		floatMode:    FloatABCD,
	}
	c.logger = newLogger(c.logPrefix(""), customLogger)

	return
}

func (c *Connection) logPrefix(addr string) (prefix string) {
	if c.role == roleSlave {
		prefix = fmt.Sprintf("modbus-slave(%s)", addr)
	} else {
		prefix = fmt.Sprintf("modbus-master(%s)", addr)
	}

	return
}

// SetConnectionSpecification parses spec (see parseConnectionSpec) and sets
// up the connection accordingly. Any open link is closed first.
func (c *Connection) SetConnectionSpecification(spec string, defaultPort uint16,
	defaultCommParams string, opts ...ConnectionOption) (err error) {
	var cs *connSpec
	var o connOptions
	var txEnable DigitalOutput
	var rxEnable DigitalOutput

	cs, err = parseConnectionSpec(spec, defaultPort, defaultCommParams)
	if err != nil {
		c.logger.Errorf("invalid connection specification '%s': %v", spec, err)
		return
	}

	o.pinFactory = SysfsPinFactory
	for _, opt := range opts {
		opt(&o)
	}

	if cs.kind == modbusTCP && c.role == roleMaster && cs.host == "" {
		err = fmt.Errorf("%w: no host to connect to in '%s'", ErrInvalidConnParams, spec)
		return
	}

	if o.timeout <= 0 {
		switch {
		case c.role == roleSlave:
			o.timeout = defaultSlaveIdleTick
		case cs.kind == modbusRTU:
			o.timeout = defaultRTUTimeout
		default:
			o.timeout = defaultTCPTimeout
		}
	}

	// direction control only makes sense on serial lines
	if cs.kind == modbusRTU {
		switch o.txEnableSpec {
		case "", txEnableNone, txEnableRTS:
			// none, or resolved once the port is open
		default:
			txEnable, err = o.pinFactory(o.txEnableSpec)
			if err != nil {
				err = fmt.Errorf("tx enable pin '%s': %w", o.txEnableSpec, err)
				return
			}
		}

		if o.rxEnableSpec != "" {
			rxEnable, err = o.pinFactory(o.rxEnableSpec)
			if err != nil {
				err = fmt.Errorf("rx enable pin '%s': %w", o.rxEnableSpec, err)
				return
			}
		}
	}

	c.Close()

	c.lock.Lock()
	defer c.lock.Unlock()

	c.spec = cs
	c.opts = o
	c.txEnable = txEnable
	c.rxEnable = rxEnable
	c.logger = newLogger(c.logPrefix(cs.String()), c.customLogger)

	return
}

// Connect opens the link. For slaves, serving starts once connected.
// autoFlush drops any stale bytes sitting in the receive buffer.
// Connecting an already connected connection is a no-op.
func (c *Connection) Connect(autoFlush bool) (err error) {
	c.lock.Lock()

	if c.transport != nil || c.listener != nil {
		c.lock.Unlock()
		return
	}

	if c.spec == nil {
		c.lock.Unlock()
		err = ErrNotConnected
		return
	}

	switch c.spec.kind {
	case modbusRTU:
		err = c.openSerial()
	case modbusTCP:
		err = c.openTCP()
	}

	if err == nil && autoFlush && c.transport != nil {
		c.transport.Flush()
	}
	c.lock.Unlock()

	if err != nil {
		c.logger.Errorf("failed to connect: %v", err)
		return
	}

	if c.onConnect != nil {
		err = c.onConnect()
	}

	return
}

// Opens the serial port and wraps it in direction control if needed.
// Must be called with the lock held.
func (c *Connection) openSerial() (err error) {
	var spw *serialPortWrapper
	var link rtuLink
	var txEnable DigitalOutput

	spw = newSerialPortWrapper(&serialPortConfig{
		Device:   c.spec.device,
		Speed:    c.spec.speed,
		DataBits: c.spec.dataBits,
		Parity:   c.spec.parity,
		StopBits: c.spec.stopBits,
	})

	err = spw.Open()
	if err != nil {
		err = fmt.Errorf("failed to open %s: %w", c.spec.device, err)
		return
	}

	link = spw
	txEnable = c.txEnable
	if c.opts.txEnableSpec == txEnableRTS {
		txEnable = &rtsPin{spw: spw}
	}

	if txEnable != nil || c.rxEnable != nil {
		link = &directionControlLink{
			rtuLink:        spw,
			txEnable:       txEnable,
			rxEnable:       c.rxEnable,
			txDisableDelay: c.opts.txDisableDelay,
			charTime:       serialCharTime(uint(c.spec.speed)),
			logger:         c.logger,
		}
		// start out receiving
		link.(*directionControlLink).setDirection(false)
	}

	c.attachLink(link)

	return
}

// Installs an rtu transport over link. Must be called with the lock held.
func (c *Connection) attachLink(link rtuLink) {
	var speed uint = 9600
	var addr string

	if c.spec != nil {
		speed = uint(c.spec.speed)
		addr = c.spec.String()
	}

	c.transport = newRTUTransport(link, addr, speed, c.opts.byteTime,
		c.opts.timeout, c.customLogger)

	return
}

// Dials (masters) or listens (slaves). Must be called with the lock held.
func (c *Connection) openTCP() (err error) {
	var sock net.Conn

	if c.role == roleSlave {
		c.listener, err = net.Listen("tcp", c.spec.String())
		if err != nil {
			err = fmt.Errorf("failed to listen on %s: %w", c.spec, err)
		}
		return
	}

	sock, err = net.DialTimeout("tcp", c.spec.String(), c.opts.timeout)
	if err != nil {
		err = fmt.Errorf("failed to connect to %s: %w", c.spec, err)
		return
	}

	c.transport = newTCPTransport(newSocketWrapper(sock), c.opts.timeout, c.customLogger)

	return
}

// Close releases the link. Safe to call when not connected.
func (c *Connection) Close() (err error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.onClose != nil {
		c.onClose()
	}

	if c.listener != nil {
		err = c.listener.Close()
		c.listener = nil
	}

	if c.transport != nil {
		err = c.transport.Close()
		c.transport = nil
	}

	return
}

// Flush drops unread buffered bytes. Safe to call when not connected.
func (c *Connection) Flush() (err error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.transport != nil {
		err = c.transport.Flush()
	}

	return
}

// IsConnected returns true if the link is open (or, for TCP slaves, listening).
func (c *Connection) IsConnected() (connected bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	connected = c.transport != nil || c.listener != nil

	return
}

// Reopens the link after an i/o error, if recovery mode is enabled.
func (c *Connection) recoverLink(cause error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.opts.recoveryMode || c.spec == nil || c.spec.kind != modbusRTU || c.transport == nil {
		return
	}

	c.logger.Warningf("re-opening %s after i/o error: %v", c.spec, cause)

	c.transport.Close()
	c.transport = nil

	if err := c.openSerial(); err != nil {
		c.logger.Errorf("failed to re-open %s: %v", c.spec, err)
	}

	return
}

// SetSlaveAddress sets the addressed slave (masters) or own address (slaves).
// -1 means none, 0 is the broadcast address.
func (c *Connection) SetSlaveAddress(addr int) (err error) {
	if addr < noSlaveAddress || addr > 0xff {
		err = ErrInvalidSlaveAddr
		return
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	c.slaveAddr = addr

	return
}

// SlaveAddress returns the addressed slave, or -1 if none is set.
func (c *Connection) SlaveAddress() (addr int) {
	c.lock.Lock()
	defer c.lock.Unlock()

	addr = c.slaveAddr

	return
}

// SetFloatMode sets the register layout used by GetAsDouble and SetAsDouble.
func (c *Connection) SetFloatMode(mode FloatMode) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.floatMode = mode

	return
}

// GetAsDouble decodes the first two registers of regs into a float.
func (c *Connection) GetAsDouble(regs []uint16) (value float64) {
	if len(regs) < 2 {
		return
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	value = float64(registersToFloat32(c.floatMode, [2]uint16{regs[0], regs[1]}))

	return
}

// SetAsDouble encodes value into a register pair.
func (c *Connection) SetAsDouble(value float64) (regs [2]uint16) {
	c.lock.Lock()
	defer c.lock.Unlock()

	regs = float32ToRegisters(c.floatMode, float32(value))

	return
}

// Returns a response PDU header for req.
func buildResponseBase(req *pdu) (res *pdu) {
	res = &pdu{
		unitId:       req.unitId,
		functionCode: req.functionCode,
	}

	return
}

// Returns an exception response for req, carrying the exception code of err.
func buildExceptionResponse(req *pdu, err error) (res *pdu) {
	res = &pdu{
		unitId:       req.unitId,
		functionCode: req.functionCode | 0x80,
		payload:      []byte{mapErrorToExceptionCode(err)},
	}

	return
}

// Appends data to msg unless the PDU would outgrow the maximum PDU size.
func appendToMessage(msg *pdu, data ...byte) (ok bool) {
	// function code + payload
	if 1+len(msg.payload)+len(data) > maxPDULength {
		return
	}

	msg.payload = append(msg.payload, data...)
	ok = true

	return
}

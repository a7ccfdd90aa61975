package modbus

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	fileWriteRetries int = 3
	fileReadRetries  int = 3

	defaultRetryDelay          time.Duration = 500 * time.Millisecond
	defaultCRCWaitDelay        time.Duration = 10 * time.Second
	defaultBroadcastTurnaround time.Duration = 100 * time.Millisecond
)

// Master issues requests to slaves. Calls made while not connected open
// the connection for the duration of the call.
type Master struct {
	*Connection

	// delay between attempts of a failed file record request
	RetryDelay time.Duration
	// extra delay when a header read times out, leaving the remote time
	// to compute the file CRC
	CRCWaitDelay time.Duration
	// delay after each broadcast, letting slaves process the request
	BroadcastTurnaround time.Duration
}

// NewMaster returns a master. customLogger may be nil.
func NewMaster(customLogger *zerolog.Logger) (m *Master) {
	m = &Master{
		Connection:          newConnection(roleMaster, customLogger),
		RetryDelay:          defaultRetryDelay,
		CRCWaitDelay:        defaultCRCWaitDelay,
		BroadcastTurnaround: defaultBroadcastTurnaround,
	}

	return
}

// Reads multiple 16-bit holding (input=false) or input registers.
func (m *Master) ReadRegisters(addr uint16, quantity uint16, input bool) (values []uint16, err error) {
	var payload []byte

	err = m.withConnection(func() (err error) {
		payload, err = m.readRegisters(addr, quantity, input)
		return
	})
	if err != nil {
		return
	}

	values = bytesToUint16s(BIG_ENDIAN, payload)

	return
}

// Reads a single 16-bit register.
func (m *Master) ReadRegister(addr uint16, input bool) (value uint16, err error) {
	var values []uint16

	values, err = m.ReadRegisters(addr, 1, input)
	if err == nil {
		value = values[0]
	}

	return
}

// Reads a float stored in two consecutive registers, decoded using the
// float mode.
func (m *Master) ReadFloatRegister(addr uint16, input bool) (value float64, err error) {
	var values []uint16

	values, err = m.ReadRegisters(addr, 2, input)
	if err == nil {
		value = m.GetAsDouble(values)
	}

	return
}

// Writes a single 16-bit holding register.
func (m *Master) WriteRegister(addr uint16, value uint16) (err error) {
	err = m.withConnection(func() (err error) {
		err = m.writeSingle(fcWriteSingleRegister, addr, value)
		return
	})

	return
}

// Writes multiple 16-bit holding registers.
func (m *Master) WriteRegisters(addr uint16, values []uint16) (err error) {
	err = m.withConnection(func() (err error) {
		err = m.writeMultiple(fcWriteMultipleRegisters, addr, uint16(len(values)),
			uint16sToBytes(BIG_ENDIAN, values))
		return
	})

	return
}

// Writes a float into two consecutive holding registers, encoded using the
// float mode.
func (m *Master) WriteFloatRegister(addr uint16, value float64) (err error) {
	var regs [2]uint16

	regs = m.SetAsDouble(value)
	err = m.WriteRegisters(addr, regs[:])

	return
}

// Reads multiple coils (input=false) or discrete inputs.
func (m *Master) ReadBits(addr uint16, quantity uint16, input bool) (values []bool, err error) {
	err = m.withConnection(func() (err error) {
		values, err = m.readBits(addr, quantity, input)
		return
	})

	return
}

// Reads a single coil or discrete input.
func (m *Master) ReadBit(addr uint16, input bool) (value bool, err error) {
	var values []bool

	values, err = m.ReadBits(addr, 1, input)
	if err == nil {
		value = values[0]
	}

	return
}

// Writes a single coil.
func (m *Master) WriteBit(addr uint16, state bool) (err error) {
	var value uint16

	if state {
		value = 0xff00
	}

	err = m.withConnection(func() (err error) {
		err = m.writeSingle(fcWriteSingleCoil, addr, value)
		return
	})

	return
}

// Writes multiple coils.
func (m *Master) WriteBits(addr uint16, states []bool) (err error) {
	err = m.withConnection(func() (err error) {
		err = m.writeMultiple(fcWriteMultipleCoils, addr, uint16(len(states)), encodeBools(states))
		return
	})

	return
}

// ReadSlaveInfo queries the slave identification (report slave id).
// Returns the identification bytes and the run indicator.
func (m *Master) ReadSlaveInfo() (id []byte, running bool, err error) {
	err = m.withConnection(func() (err error) {
		id, running, err = m.readSlaveInfo()
		return
	})

	return
}

// FindSlaves scans addresses first to last (1..255) and returns those whose
// identification contains match, in ascending order. An empty match finds
// every responding slave. Unresponsive addresses are skipped. The slave
// address is restored afterwards.
func (m *Master) FindSlaves(match string, first int, last int) (addrs []int, err error) {
	var saved int

	if first < 1 || last > 0xff || first > last {
		err = ErrInvalidSlaveAddr
		m.logger.Errorf("invalid scan range %d..%d", first, last)
		return
	}

	saved = m.SlaveAddress()
	defer m.SetSlaveAddress(saved)

	err = m.withConnection(func() (err error) {
		var id []byte

		for addr := first; addr <= last; addr++ {
			m.SetSlaveAddress(addr)

			id, _, err = m.readSlaveInfo()
			if err != nil {
				m.logger.Debugf("no slave info from %d: %v", addr, err)
				// drop late responses
				m.Flush()
				err = nil
				continue
			}

			if strings.Contains(string(id), match) {
				addrs = append(addrs, addr)
			}
		}

		return
	})

	return
}

// Runs fn with the connection open, opening and closing it around the call
// if it is not open yet.
func (m *Master) withConnection(fn func() error) (err error) {
	var opened bool

	if !m.IsConnected() {
		err = m.Connect(false)
		if err != nil {
			return
		}
		opened = true
	}

	err = fn()

	if opened {
		m.Close()
	}

	return
}

// Returns the unit id to address requests to. broadcastOK allows the
// broadcast address (writes only).
func (m *Master) unitId(broadcastOK bool) (id uint8, err error) {
	var addr int
	var isTCP bool

	m.lock.Lock()
	addr = m.slaveAddr
	isTCP = m.spec != nil && m.spec.kind == modbusTCP
	m.lock.Unlock()

	switch {
	case addr == noSlaveAddress && isTCP:
		id = tcpAnyUnitId
	case addr == noSlaveAddress:
		err = ErrInvalidSlaveAddr
		m.logger.Error("no slave address set")
	case addr == int(broadcastUnitId) && !broadcastOK:
		err = ErrInvalidSlaveAddr
		m.logger.Error("reads cannot be broadcast")
	default:
		id = uint8(addr)
	}

	return
}

// Runs a request through the transport, checking the response for unit id,
// function code and exceptions. Broadcasts return a nil response.
func (m *Master) executeRequest(req *pdu) (res *pdu, err error) {
	var t transport

	m.lock.Lock()
	t = m.transport
	if t == nil {
		m.lock.Unlock()
		err = ErrNotConnected
		return
	}
	res, err = t.ExecuteRequest(req)
	m.lock.Unlock()

	if err != nil {
		if !IsCommErr(err) {
			m.recoverLink(err)
		}
		return
	}

	if res == nil {
		time.Sleep(m.BroadcastTurnaround)
		return
	}

	if res.unitId != req.unitId && !(res.functionCode&0x80 != 0 && res.unitId == tcpAnyUnitId) {
		err = ErrBadUnitId
		res = nil
		return
	}

	switch {
	case res.functionCode == req.functionCode:
	case res.functionCode == req.functionCode|0x80:
		if len(res.payload) != 1 {
			err = ErrProtocolError
		} else {
			err = mapExceptionCodeToError(req.functionCode, res.payload[0])
		}
		res = nil
	default:
		m.logger.Warningf("unexpected response code (%v)", res.functionCode)
		err = ErrProtocolError
		res = nil
	}

	return
}

func (m *Master) readRegisters(addr uint16, quantity uint16, input bool) (bytes []byte, err error) {
	var req *pdu
	var res *pdu

	if quantity == 0 || quantity > 125 {
		err = ErrUnexpectedParameters
		m.logger.Errorf("quantity of registers (%d) out of range", quantity)
		return
	}

	if uint32(addr)+uint32(quantity)-1 > 0xffff {
		err = ErrUnexpectedParameters
		m.logger.Error("end register address is past 0xffff")
		return
	}

	req = &pdu{functionCode: fcReadHoldingRegisters}
	if input {
		req.functionCode = fcReadInputRegisters
	}

	req.unitId, err = m.unitId(false)
	if err != nil {
		return
	}

	req.payload = uint16ToBytes(BIG_ENDIAN, addr)
	req.payload = append(req.payload, uint16ToBytes(BIG_ENDIAN, quantity)...)

	res, err = m.executeRequest(req)
	if err != nil {
		return
	}

	if len(res.payload) != 1+2*int(quantity) || int(res.payload[0]) != 2*int(quantity) {
		err = ErrProtocolError
		return
	}

	bytes = res.payload[1:]

	return
}

func (m *Master) readBits(addr uint16, quantity uint16, input bool) (values []bool, err error) {
	var req *pdu
	var res *pdu
	var expected int

	if quantity == 0 || quantity > 2000 {
		err = ErrUnexpectedParameters
		m.logger.Errorf("quantity of bits (%d) out of range", quantity)
		return
	}

	if uint32(addr)+uint32(quantity)-1 > 0xffff {
		err = ErrUnexpectedParameters
		m.logger.Error("end bit address is past 0xffff")
		return
	}

	req = &pdu{functionCode: fcReadCoils}
	if input {
		req.functionCode = fcReadDiscreteInputs
	}

	req.unitId, err = m.unitId(false)
	if err != nil {
		return
	}

	req.payload = uint16ToBytes(BIG_ENDIAN, addr)
	req.payload = append(req.payload, uint16ToBytes(BIG_ENDIAN, quantity)...)

	res, err = m.executeRequest(req)
	if err != nil {
		return
	}

	expected = (int(quantity) + 7) / 8
	if len(res.payload) != 1+expected || int(res.payload[0]) != expected {
		err = ErrProtocolError
		return
	}

	values = decodeBools(quantity, res.payload[1:])

	return
}

// Writes a single coil or register and checks the echo.
func (m *Master) writeSingle(fc uint8, addr uint16, value uint16) (err error) {
	var req *pdu
	var res *pdu

	req = &pdu{functionCode: fc}
	req.unitId, err = m.unitId(true)
	if err != nil {
		return
	}

	req.payload = uint16ToBytes(BIG_ENDIAN, addr)
	req.payload = append(req.payload, uint16ToBytes(BIG_ENDIAN, value)...)

	res, err = m.executeRequest(req)
	if err != nil || res == nil {
		return
	}

	if len(res.payload) != 4 ||
		bytesToUint16(BIG_ENDIAN, res.payload[0:2]) != addr ||
		bytesToUint16(BIG_ENDIAN, res.payload[2:4]) != value {
		err = ErrProtocolError
	}

	return
}

// Writes multiple coils or registers and checks address and quantity echoed.
func (m *Master) writeMultiple(fc uint8, addr uint16, quantity uint16, values []byte) (err error) {
	var req *pdu
	var res *pdu
	var maxQuantity uint16 = 123

	if fc == fcWriteMultipleCoils {
		maxQuantity = 1968
	}

	if quantity == 0 || quantity > maxQuantity {
		err = ErrUnexpectedParameters
		m.logger.Errorf("quantity (%d) out of range", quantity)
		return
	}

	if uint32(addr)+uint32(quantity)-1 > 0xffff {
		err = ErrUnexpectedParameters
		m.logger.Error("end address is past 0xffff")
		return
	}

	req = &pdu{functionCode: fc}
	req.unitId, err = m.unitId(true)
	if err != nil {
		return
	}

	req.payload = uint16ToBytes(BIG_ENDIAN, addr)
	req.payload = append(req.payload, uint16ToBytes(BIG_ENDIAN, quantity)...)
	req.payload = append(req.payload, byte(len(values)))
	req.payload = append(req.payload, values...)

	res, err = m.executeRequest(req)
	if err != nil || res == nil {
		return
	}

	if len(res.payload) != 4 ||
		bytesToUint16(BIG_ENDIAN, res.payload[0:2]) != addr ||
		bytesToUint16(BIG_ENDIAN, res.payload[2:4]) != quantity {
		err = ErrProtocolError
	}

	return
}

func (m *Master) readSlaveInfo() (id []byte, running bool, err error) {
	var req *pdu
	var res *pdu

	req = &pdu{functionCode: fcReportSlaveId}
	req.unitId, err = m.unitId(false)
	if err != nil {
		return
	}

	res, err = m.executeRequest(req)
	if err != nil {
		return
	}

	// byte count, slave address, run indicator
	if len(res.payload) < 3 || int(res.payload[0]) != len(res.payload)-1 {
		err = ErrProtocolError
		return
	}

	running = res.payload[2] == 0xff
	id = res.payload[3:]

	return
}

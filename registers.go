package modbus

// RegisterModel describes the four address spaces served by a slave. Each
// space starts at its base address and holds the given number of elements.
// A zero count disables the space.
type RegisterModel struct {
	CoilsBase          int
	NumCoils           int
	InputBitsBase      int
	NumInputBits       int
	RegistersBase      int
	NumRegisters       int
	InputRegistersBase int
	NumInputRegisters  int
}

// ValueAccess describes a single bit or register access, passed to the
// value access handler. On reads, the handler may update Value before it is
// returned to the remote. On writes, Value holds the new value, already
// stored in the model.
type ValueAccess struct {
	Addr  int
	Bit   bool
	Input bool
	Write bool
	Value uint16
}

// ValueAccessHandler observes bit and register accesses made by remotes.
// Returning an error rejects the access: reads are answered with an
// exception, writes are undone. Use *AccessError to select the exception
// code and attach a message for the log.
type ValueAccessHandler func(va *ValueAccess) error

type addressSpace struct {
	base   int
	values []uint16
}

func (as *addressSpace) offset(addr int) (off int, ok bool) {
	off = addr - as.base
	ok = off >= 0 && off < len(as.values)

	return
}

type registerModel struct {
	coils          addressSpace
	inputBits      addressSpace
	registers      addressSpace
	inputRegisters addressSpace
}

func newRegisterModel(m RegisterModel) (rm *registerModel) {
	rm = &registerModel{
		coils:          addressSpace{base: m.CoilsBase, values: make([]uint16, max(m.NumCoils, 0))},
		inputBits:      addressSpace{base: m.InputBitsBase, values: make([]uint16, max(m.NumInputBits, 0))},
		registers:      addressSpace{base: m.RegistersBase, values: make([]uint16, max(m.NumRegisters, 0))},
		inputRegisters: addressSpace{base: m.InputRegistersBase, values: make([]uint16, max(m.NumInputRegisters, 0))},
	}

	return
}

// Returns the space holding bits or registers, read-write or input.
func (rm *registerModel) space(bit bool, input bool) (as *addressSpace) {
	switch {
	case bit && input:
		as = &rm.inputBits
	case bit:
		as = &rm.coils
	case input:
		as = &rm.inputRegisters
	default:
		as = &rm.registers
	}

	return
}

// Returns true if all of [addr, addr+quantity) lies within the space.
func (rm *registerModel) covers(bit bool, input bool, addr int, quantity int) (ok bool) {
	var as = rm.space(bit, input)

	_, ok = as.offset(addr)
	if ok && quantity > 1 {
		_, ok = as.offset(addr + quantity - 1)
	}

	return
}

// Reads a single element. Out of range addresses read as zero.
func (rm *registerModel) get(bit bool, input bool, addr int) (value uint16, ok bool) {
	var as = rm.space(bit, input)
	var off int

	if off, ok = as.offset(addr); ok {
		value = as.values[off]
	}

	return
}

// Writes a single element. Out of range addresses are ignored.
func (rm *registerModel) set(bit bool, input bool, addr int, value uint16) (ok bool) {
	var as = rm.space(bit, input)
	var off int

	if bit && value != 0 {
		value = 1
	}

	if off, ok = as.offset(addr); ok {
		as.values[off] = value
	}

	return
}

// SetRegisterModel (re)creates the register model. All values start at zero.
func (s *Slave) SetRegisterModel(m RegisterModel) {
	s.modelLock.Lock()
	defer s.modelLock.Unlock()

	s.model = newRegisterModel(m)

	return
}

// GetReg returns the value of a holding (input=false) or input register.
// Returns 0 for addresses outside the model.
func (s *Slave) GetReg(addr int, input bool) (value uint16) {
	s.modelLock.Lock()
	defer s.modelLock.Unlock()

	if s.model != nil {
		value, _ = s.model.get(false, input, addr)
	}

	return
}

// SetReg sets the value of a holding or input register.
// Addresses outside the model are ignored.
func (s *Slave) SetReg(addr int, input bool, value uint16) {
	s.modelLock.Lock()
	defer s.modelLock.Unlock()

	if s.model != nil {
		s.model.set(false, input, addr, value)
	}

	return
}

// GetBit returns the state of a coil (input=false) or discrete input.
func (s *Slave) GetBit(addr int, input bool) (state bool) {
	var value uint16

	s.modelLock.Lock()
	defer s.modelLock.Unlock()

	if s.model != nil {
		value, _ = s.model.get(true, input, addr)
	}
	state = value != 0

	return
}

// SetBit sets the state of a coil or discrete input.
func (s *Slave) SetBit(addr int, input bool, state bool) {
	var value uint16

	if state {
		value = 1
	}

	s.modelLock.Lock()
	defer s.modelLock.Unlock()

	if s.model != nil {
		s.model.set(true, input, addr, value)
	}

	return
}

// GetFloatReg decodes the register pair at addr, addr+1 using the float mode.
func (s *Slave) GetFloatReg(addr int, input bool) (value float64) {
	var regs [2]uint16

	regs[0] = s.GetReg(addr, input)
	regs[1] = s.GetReg(addr+1, input)
	value = s.GetAsDouble(regs[:])

	return
}

// SetFloatReg encodes value into the register pair at addr, addr+1.
func (s *Slave) SetFloatReg(addr int, input bool, value float64) {
	var regs [2]uint16

	regs = s.SetAsDouble(value)
	s.SetReg(addr, input, regs[0])
	s.SetReg(addr+1, input, regs[1])

	return
}

// Reads one element on behalf of a remote, passing it by the value access
// handler first.
func (s *Slave) readElement(bit bool, input bool, addr int) (value uint16, err error) {
	var hook ValueAccessHandler
	var va *ValueAccess
	var ok bool

	s.modelLock.Lock()
	value, ok = s.model.get(bit, input, addr)
	hook = s.accessHandler
	s.modelLock.Unlock()

	if !ok {
		err = ErrIllegalDataAddress
		return
	}

	if hook == nil {
		return
	}

	va = &ValueAccess{Addr: addr, Bit: bit, Input: input, Value: value}
	err = hook(va)
	if err != nil {
		return
	}

	if va.Value != value {
		// the handler refreshed the value
		s.modelLock.Lock()
		s.model.set(bit, input, addr, va.Value)
		value, _ = s.model.get(bit, input, addr)
		s.modelLock.Unlock()
	}

	return
}

// Writes one element on behalf of a remote. The value access handler may
// veto the write, in which case the previous value is restored.
func (s *Slave) writeElement(bit bool, input bool, addr int, value uint16) (err error) {
	var hook ValueAccessHandler
	var old uint16
	var ok bool

	s.modelLock.Lock()
	old, ok = s.model.get(bit, input, addr)
	if ok {
		s.model.set(bit, input, addr, value)
		value, _ = s.model.get(bit, input, addr)
	}
	hook = s.accessHandler
	s.modelLock.Unlock()

	if !ok {
		err = ErrIllegalDataAddress
		return
	}

	if hook == nil {
		return
	}

	err = hook(&ValueAccess{Addr: addr, Bit: bit, Input: input, Write: true, Value: value})
	if err != nil {
		s.modelLock.Lock()
		s.model.set(bit, input, addr, old)
		s.modelLock.Unlock()
	}

	return
}

// Serves the bit and register function codes from the register model.
func (s *Slave) handleRegisterAccess(req *pdu) (res *pdu, err error) {
	var addr uint16
	var quantity uint16
	var value uint16
	var bit bool
	var input bool
	var values []uint16

	s.modelLock.Lock()
	hasModel := s.model != nil
	s.modelLock.Unlock()

	if !hasModel {
		err = ErrIllegalFunction
		return
	}

	switch req.functionCode {
	case fcReadCoils, fcReadDiscreteInputs,
		fcReadHoldingRegisters, fcReadInputRegisters:
		if len(req.payload) != 4 {
			err = ErrIllegalDataValue
			return
		}

		bit = req.functionCode == fcReadCoils || req.functionCode == fcReadDiscreteInputs
		input = req.functionCode == fcReadDiscreteInputs || req.functionCode == fcReadInputRegisters

		addr = bytesToUint16(BIG_ENDIAN, req.payload[0:2])
		quantity = bytesToUint16(BIG_ENDIAN, req.payload[2:4])

		// keep the response within the maximum PDU length
		if quantity == 0 || (bit && quantity > 2000) || (!bit && quantity > 125) {
			err = ErrIllegalDataValue
			return
		}

		if !s.covers(bit, input, int(addr), int(quantity)) {
			err = ErrIllegalDataAddress
			return
		}

		values = make([]uint16, quantity)
		for i := range values {
			values[i], err = s.readElement(bit, input, int(addr)+i)
			if err != nil {
				return
			}
		}

		res = buildResponseBase(req)
		if bit {
			var bools = make([]bool, quantity)

			for i, v := range values {
				bools[i] = v != 0
			}
			res.payload = append([]byte{byte((quantity + 7) / 8)}, encodeBools(bools)...)
		} else {
			res.payload = append([]byte{byte(quantity * 2)}, uint16sToBytes(BIG_ENDIAN, values)...)
		}

	case fcWriteSingleCoil, fcWriteSingleRegister:
		if len(req.payload) != 4 {
			err = ErrIllegalDataValue
			return
		}

		bit = req.functionCode == fcWriteSingleCoil
		addr = bytesToUint16(BIG_ENDIAN, req.payload[0:2])
		value = bytesToUint16(BIG_ENDIAN, req.payload[2:4])

		if bit {
			// either 0xff00 (on) or 0x0000 (off)
			if value != 0xff00 && value != 0x0000 {
				err = ErrIllegalDataValue
				return
			}
			if value != 0 {
				value = 1
			}
		}

		err = s.writeElement(bit, false, int(addr), value)
		if err != nil {
			return
		}

		// echo the request
		res = buildResponseBase(req)
		res.payload = append(res.payload, req.payload...)

	case fcWriteMultipleCoils, fcWriteMultipleRegisters:
		var byteCount int

		if len(req.payload) < 6 {
			err = ErrIllegalDataValue
			return
		}

		bit = req.functionCode == fcWriteMultipleCoils
		addr = bytesToUint16(BIG_ENDIAN, req.payload[0:2])
		quantity = bytesToUint16(BIG_ENDIAN, req.payload[2:4])
		byteCount = int(req.payload[4])

		if quantity == 0 || (bit && quantity > 1968) || (!bit && quantity > 123) {
			err = ErrIllegalDataValue
			return
		}

		if (bit && byteCount != int(quantity+7)/8) ||
			(!bit && byteCount != 2*int(quantity)) ||
			len(req.payload) != 5+byteCount {
			err = ErrIllegalDataValue
			return
		}

		if !s.covers(bit, false, int(addr), int(quantity)) {
			err = ErrIllegalDataAddress
			return
		}

		if bit {
			for i, state := range decodeBools(quantity, req.payload[5:]) {
				value = 0
				if state {
					value = 1
				}
				err = s.writeElement(true, false, int(addr)+i, value)
				if err != nil {
					return
				}
			}
		} else {
			for i, v := range bytesToUint16s(BIG_ENDIAN, req.payload[5:]) {
				err = s.writeElement(false, false, int(addr)+i, v)
				if err != nil {
					return
				}
			}
		}

		// echo address and quantity
		res = buildResponseBase(req)
		res.payload = append(res.payload, req.payload[0:4]...)

	default:
		err = ErrIllegalFunction
	}

	return
}

func (s *Slave) covers(bit bool, input bool, addr int, quantity int) (ok bool) {
	s.modelLock.Lock()
	defer s.modelLock.Unlock()

	ok = s.model.covers(bit, input, addr, quantity)

	return
}

package modbus

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func newTestSlave(t *testing.T) (s *Slave) {
	t.Helper()

	s = NewSlave(nil)
	if err := s.SetSlaveAddress(5); err != nil {
		t.Fatalf("SetSlaveAddress() failed: %v", err)
	}
	s.SetRegisterModel(RegisterModel{
		CoilsBase:          0,
		NumCoils:           20,
		InputBitsBase:      10,
		NumInputBits:       8,
		RegistersBase:      100,
		NumRegisters:       20,
		InputRegistersBase: 300,
		NumInputRegisters:  4,
	})

	return
}

// Sends a request to s and returns its response.
func exchange(s *Slave, unitId uint8, fc uint8, payload ...byte) (res *pdu) {
	res = s.handleRequest(&pdu{unitId: unitId, functionCode: fc, payload: payload}, false)

	return
}

func expectException(t *testing.T, res *pdu, fc uint8, code uint8) {
	t.Helper()

	if res == nil {
		t.Fatalf("expected an exception response, got none")
	}
	if res.functionCode != fc|0x80 || len(res.payload) != 1 || res.payload[0] != code {
		t.Errorf("expected exception 0x%02x/0x%02x, got 0x%02x/%v", fc|0x80, code,
			res.functionCode, res.payload)
	}

	return
}

func expectPayload(t *testing.T, res *pdu, fc uint8, payload ...byte) {
	t.Helper()

	if res == nil {
		t.Fatalf("expected a response, got none")
	}
	if res.functionCode != fc || !bytes.Equal(res.payload, payload) {
		t.Errorf("expected 0x%02x/%v, got 0x%02x/%v", fc, payload, res.functionCode, res.payload)
	}

	return
}

func TestSlaveRegisterRange(t *testing.T) {
	var s = newTestSlave(t)
	var res *pdu

	s.SetReg(119, false, 0x1234)
	s.SetReg(120, false, 0x5678)

	res = exchange(s, 5, fcReadHoldingRegisters, 0x00, 119, 0x00, 0x01)
	expectPayload(t, res, fcReadHoldingRegisters, 0x02, 0x12, 0x34)

	// just past the end of the model
	res = exchange(s, 5, fcReadHoldingRegisters, 0x00, 120, 0x00, 0x01)
	expectException(t, res, fcReadHoldingRegisters, exIllegalDataAddress)

	if s.GetReg(120, false) != 0 {
		t.Errorf("registers outside the model should read as 0")
	}

	// partially outside
	res = exchange(s, 5, fcReadHoldingRegisters, 0x00, 118, 0x00, 0x03)
	expectException(t, res, fcReadHoldingRegisters, exIllegalDataAddress)

	res = exchange(s, 5, fcReadHoldingRegisters, 0x00, 99, 0x00, 0x01)
	expectException(t, res, fcReadHoldingRegisters, exIllegalDataAddress)

	// quantity limits
	res = exchange(s, 5, fcReadHoldingRegisters, 0x00, 100, 0x00, 0x00)
	expectException(t, res, fcReadHoldingRegisters, exIllegalDataValue)
	res = exchange(s, 5, fcReadHoldingRegisters, 0x00, 100, 0x00, 126)
	expectException(t, res, fcReadHoldingRegisters, exIllegalDataValue)

	// malformed
	res = exchange(s, 5, fcReadHoldingRegisters, 0x00, 100, 0x00)
	expectException(t, res, fcReadHoldingRegisters, exIllegalDataValue)
}

func TestSlaveRegisters(t *testing.T) {
	var s = newTestSlave(t)
	var res *pdu

	res = exchange(s, 5, fcWriteSingleRegister, 0x00, 101, 0xbe, 0xef)
	expectPayload(t, res, fcWriteSingleRegister, 0x00, 101, 0xbe, 0xef)
	if s.GetReg(101, false) != 0xbeef {
		t.Errorf("expected 0xbeef, got 0x%04x", s.GetReg(101, false))
	}

	res = exchange(s, 5, fcWriteMultipleRegisters,
		0x00, 110, 0x00, 0x02, 0x04, 0x11, 0x22, 0x33, 0x44)
	expectPayload(t, res, fcWriteMultipleRegisters, 0x00, 110, 0x00, 0x02)
	if s.GetReg(110, false) != 0x1122 || s.GetReg(111, false) != 0x3344 {
		t.Errorf("unexpected register values")
	}

	res = exchange(s, 5, fcReadHoldingRegisters, 0x00, 110, 0x00, 0x02)
	expectPayload(t, res, fcReadHoldingRegisters, 0x04, 0x11, 0x22, 0x33, 0x44)

	// byte count disagreeing with quantity
	res = exchange(s, 5, fcWriteMultipleRegisters,
		0x00, 110, 0x00, 0x02, 0x02, 0x11, 0x22)
	expectException(t, res, fcWriteMultipleRegisters, exIllegalDataValue)

	// a write running off the end changes nothing
	res = exchange(s, 5, fcWriteMultipleRegisters,
		0x00, 119, 0x00, 0x02, 0x04, 0xaa, 0xaa, 0xbb, 0xbb)
	expectException(t, res, fcWriteMultipleRegisters, exIllegalDataAddress)
	if s.GetReg(119, false) != 0 {
		t.Errorf("partial write should not have been applied")
	}

	// input registers are read-only to remotes
	s.SetReg(301, true, 0x0102)
	res = exchange(s, 5, fcReadInputRegisters, 0x01, 0x2d, 0x00, 0x01)
	expectPayload(t, res, fcReadInputRegisters, 0x02, 0x01, 0x02)

	res = exchange(s, 5, fcWriteSingleRegister, 0x01, 0x2d, 0x00, 0x01)
	expectException(t, res, fcWriteSingleRegister, exIllegalDataAddress)

	// floats span two registers
	s.SetFloatReg(104, false, 21.5)
	if v := s.GetFloatReg(104, false); v != 21.5 {
		t.Errorf("expected 21.5, got %v", v)
	}
}

func TestSlaveBits(t *testing.T) {
	var s = newTestSlave(t)
	var res *pdu

	res = exchange(s, 5, fcWriteSingleCoil, 0x00, 0x03, 0xff, 0x00)
	expectPayload(t, res, fcWriteSingleCoil, 0x00, 0x03, 0xff, 0x00)
	if !s.GetBit(3, false) {
		t.Errorf("coil 3 should be on")
	}

	res = exchange(s, 5, fcWriteSingleCoil, 0x00, 0x03, 0x12, 0x34)
	expectException(t, res, fcWriteSingleCoil, exIllegalDataValue)
	if !s.GetBit(3, false) {
		t.Errorf("invalid value should not have changed coil 3")
	}

	// coils 8..17: 1010 0101 11
	res = exchange(s, 5, fcWriteMultipleCoils, 0x00, 0x08, 0x00, 0x0a, 0x02, 0xa5, 0x03)
	expectPayload(t, res, fcWriteMultipleCoils, 0x00, 0x08, 0x00, 0x0a)
	for i, expected := range []bool{true, false, true, false, false, true, false, true, true, true} {
		if s.GetBit(8+i, false) != expected {
			t.Errorf("coil %d: expected %v", 8+i, expected)
		}
	}

	res = exchange(s, 5, fcReadCoils, 0x00, 0x03, 0x00, 0x07)
	expectPayload(t, res, fcReadCoils, 0x01, 0x21)

	s.SetBit(11, true, true)
	s.SetBit(17, true, true)
	res = exchange(s, 5, fcReadDiscreteInputs, 0x00, 0x0a, 0x00, 0x08)
	expectPayload(t, res, fcReadDiscreteInputs, 0x01, 0x82)

	res = exchange(s, 5, fcReadDiscreteInputs, 0x00, 0x0a, 0x00, 0x09)
	expectException(t, res, fcReadDiscreteInputs, exIllegalDataAddress)

	res = exchange(s, 5, fcReadCoils, 0x00, 0x00, 0x07, 0xd1)
	expectException(t, res, fcReadCoils, exIllegalDataValue)
}

func TestSlaveValueAccessHandler(t *testing.T) {
	var s = newTestSlave(t)
	var res *pdu
	var seen []ValueAccess

	s.SetReg(105, false, 7)
	s.SetValueAccessHandler(func(va *ValueAccess) (err error) {
		seen = append(seen, *va)

		switch {
		case !va.Write && va.Addr == 105:
			// refresh before the value goes out
			va.Value = 42
		case va.Write && va.Addr == 106:
			err = NewAccessError(exServerDeviceBusy, "register 106 is locked")
		}

		return
	})

	res = exchange(s, 5, fcReadHoldingRegisters, 0x00, 105, 0x00, 0x01)
	expectPayload(t, res, fcReadHoldingRegisters, 0x02, 0x00, 42)
	if s.GetReg(105, false) != 42 {
		t.Errorf("refreshed value should have been stored, got %v", s.GetReg(105, false))
	}

	s.SetReg(106, false, 9)
	res = exchange(s, 5, fcWriteSingleRegister, 0x00, 106, 0x00, 0x01)
	expectException(t, res, fcWriteSingleRegister, exServerDeviceBusy)
	if s.GetReg(106, false) != 9 {
		t.Errorf("vetoed write should have been undone, got %v", s.GetReg(106, false))
	}

	res = exchange(s, 5, fcWriteSingleRegister, 0x00, 107, 0x00, 0x02)
	expectPayload(t, res, fcWriteSingleRegister, 0x00, 107, 0x00, 0x02)

	if len(seen) != 3 {
		t.Fatalf("expected 3 accesses, got %d", len(seen))
	}
	if !seen[2].Write || seen[2].Addr != 107 || seen[2].Value != 2 || seen[2].Bit {
		t.Errorf("unexpected access %+v", seen[2])
	}

	// one call per element
	seen = nil
	res = exchange(s, 5, fcReadCoils, 0x00, 0x00, 0x00, 0x05)
	expectPayload(t, res, fcReadCoils, 0x01, 0x00)
	if len(seen) != 5 || !seen[4].Bit || seen[4].Addr != 4 {
		t.Errorf("unexpected accesses %+v", seen)
	}
}

func TestSlaveRawRequestHandler(t *testing.T) {
	var s = newTestSlave(t)
	var res *pdu

	s.SetRawRequestHandler(func(unitId uint8, fc uint8, payload []byte) (res []byte, handled bool, err error) {
		switch fc {
		case 0x41:
			handled = true
			res = append([]byte{unitId}, payload...)
		case fcWriteSingleRegister:
			handled = true
			err = ErrServerDeviceBusy
		}

		return
	})

	res = exchange(s, 5, 0x41, 0xca, 0xfe)
	expectPayload(t, res, 0x41, 0x05, 0xca, 0xfe)

	res = exchange(s, 5, fcWriteSingleRegister, 0x00, 100, 0x00, 0x01)
	expectException(t, res, fcWriteSingleRegister, exServerDeviceBusy)

	// not handled: falls through to the model
	res = exchange(s, 5, fcReadHoldingRegisters, 0x00, 100, 0x00, 0x01)
	expectPayload(t, res, fcReadHoldingRegisters, 0x02, 0x00, 0x00)

	// unknown function codes
	s.SetRawRequestHandler(nil)
	res = exchange(s, 5, 0x41)
	expectException(t, res, 0x41, exIllegalFunction)
}

func TestSlaveAddressing(t *testing.T) {
	var s = newTestSlave(t)
	var res *pdu

	// other slaves' requests are ignored
	res = exchange(s, 6, fcWriteSingleRegister, 0x00, 100, 0x00, 0x01)
	if res != nil || s.GetReg(100, false) != 0 {
		t.Errorf("request to another slave should have been ignored")
	}

	// broadcasts are processed, never answered
	res = exchange(s, 0, fcWriteSingleRegister, 0x00, 100, 0x00, 0x02)
	if res != nil {
		t.Errorf("broadcast should not have been answered")
	}
	if s.GetReg(100, false) != 2 {
		t.Errorf("broadcast should have been applied")
	}

	res = exchange(s, 0, fcReadHoldingRegisters, 0x00, 200, 0x00, 0x01)
	if res != nil {
		t.Errorf("failing broadcast should not have been answered")
	}

	// 0xff only reaches tcp slaves
	res = exchange(s, 0xff, fcReadHoldingRegisters, 0x00, 100, 0x00, 0x01)
	if res != nil {
		t.Errorf("unit 0xff should be ignored on serial links")
	}

	res = s.handleRequest(&pdu{unitId: 0xff, functionCode: fcReadHoldingRegisters,
		payload: []byte{0x00, 100, 0x00, 0x01}}, true)
	expectPayload(t, res, fcReadHoldingRegisters, 0x02, 0x00, 0x02)

	// tcp slaves without address answer anything
	s.SetSlaveAddress(-1)
	res = s.handleRequest(&pdu{unitId: 17, functionCode: fcReadHoldingRegisters,
		payload: []byte{0x00, 100, 0x00, 0x01}}, true)
	expectPayload(t, res, fcReadHoldingRegisters, 0x02, 0x00, 0x02)

	res = exchange(s, 17, fcReadHoldingRegisters, 0x00, 100, 0x00, 0x01)
	if res != nil {
		t.Errorf("serial slave without address should ignore unicasts")
	}
}

func TestSlaveNoModel(t *testing.T) {
	var s = NewSlave(nil)
	var res *pdu

	s.SetSlaveAddress(1)

	res = exchange(s, 1, fcReadHoldingRegisters, 0x00, 0x00, 0x00, 0x01)
	expectException(t, res, fcReadHoldingRegisters, exIllegalFunction)

	if s.GetReg(0, false) != 0 || s.GetBit(0, false) {
		t.Errorf("no model should read as zero")
	}
	s.SetReg(0, false, 1)
}

func TestSlaveReportSlaveId(t *testing.T) {
	var s = newTestSlave(t)
	var res *pdu

	s.SetSlaveID("p44 test")

	res = exchange(s, 5, fcReportSlaveId)
	expectPayload(t, res, fcReportSlaveId,
		append([]byte{10, 5, 0xff}, []byte("p44 test")...)...)

	// overlong ids are cut to fit the PDU
	s.SetSlaveID(string(bytes.Repeat([]byte{'x'}, 300)))
	res = exchange(s, 5, fcReportSlaveId)
	if res == nil || len(res.payload) != maxPDULength-1 || int(res.payload[0]) != len(res.payload)-1 {
		t.Errorf("unexpected response %+v", res)
	}
}

func TestSlaveFileRecords(t *testing.T) {
	var dir = t.TempDir()
	var s = newTestSlave(t)
	var res *pdu
	var path = filepath.Join(dir, "plain.bin")
	var got []byte

	s.AddFileHandler(NewFileHandler(20, 1, 1, false, path))

	res = exchange(s, 5, fcWriteFileRecord,
		0x09, 0x06, 0x00, 20, 0x00, 0x00, 0x00, 0x01, 0xab, 0xcd)
	expectPayload(t, res, fcWriteFileRecord,
		0x09, 0x06, 0x00, 20, 0x00, 0x00, 0x00, 0x01, 0xab, 0xcd)

	// two sub-requests in one request
	res = exchange(s, 5, fcWriteFileRecord,
		0x12,
		0x06, 0x00, 20, 0x00, 0x01, 0x00, 0x01, 0x01, 0x02,
		0x06, 0x00, 20, 0x00, 0x02, 0x00, 0x01, 0x03, 0x04)
	if res == nil || res.functionCode != fcWriteFileRecord {
		t.Fatalf("expected an echo, got %+v", res)
	}

	// the response of the write must be out before finalizing
	s.finalizeFiles()

	got, _ = os.ReadFile(path)
	if !bytes.Equal(got, []byte{0xab, 0xcd, 0x01, 0x02, 0x03, 0x04}) {
		t.Errorf("unexpected file content %v", got)
	}

	res = exchange(s, 5, fcReadFileRecord,
		0x0e,
		0x06, 0x00, 20, 0x00, 0x00, 0x00, 0x02,
		0x06, 0x00, 20, 0x00, 0x02, 0x00, 0x02)
	expectPayload(t, res, fcReadFileRecord,
		0x0c,
		0x05, 0x06, 0xab, 0xcd, 0x01, 0x02,
		0x05, 0x06, 0x03, 0x04, 0xff, 0xff)

	// past the end of the file
	res = exchange(s, 5, fcReadFileRecord, 0x07, 0x06, 0x00, 20, 0x00, 0x03, 0x00, 0x01)
	expectException(t, res, fcReadFileRecord, exIllegalDataAddress)

	// no handler for the file
	res = exchange(s, 5, fcReadFileRecord, 0x07, 0x06, 0x00, 21, 0x00, 0x00, 0x00, 0x01)
	expectException(t, res, fcReadFileRecord, exIllegalDataAddress)

	// bad reference type
	res = exchange(s, 5, fcReadFileRecord, 0x07, 0x07, 0x00, 20, 0x00, 0x00, 0x00, 0x01)
	expectException(t, res, fcReadFileRecord, exIllegalDataValue)

	// byte count mismatch
	res = exchange(s, 5, fcWriteFileRecord, 0x0a, 0x06, 0x00, 20, 0x00, 0x00, 0x00, 0x01, 0xab, 0xcd)
	expectException(t, res, fcWriteFileRecord, exIllegalDataValue)

	// responses larger than a PDU
	res = exchange(s, 5, fcReadFileRecord, 0x07, 0x06, 0x00, 20, 0x00, 0x00, 0x00, 0x7d)
	expectException(t, res, fcReadFileRecord, exIllegalDataValue)
}

func TestSlaveFileHeaderErrors(t *testing.T) {
	var dir = t.TempDir()
	var s = newTestSlave(t)
	var res *pdu
	var err error

	s.AddFileHandler(NewFileHandler(30, 1, 1, true, filepath.Join(dir, "framed.bin")))
	s.AddFileHandler(NewFileHandler(31, 1, 1, true, filepath.Join(dir, "ro.bin"), WithReadOnly()))

	// data without a header first
	res = exchange(s, 5, fcWriteFileRecord, 0x09, 0x06, 0x00, 30, 0x00, 0x0a, 0x00, 0x01, 0x01, 0x02)
	expectException(t, res, fcWriteFileRecord, exIllegalDataValue)

	res = exchange(s, 5, fcWriteFileRecord, 0x09, 0x06, 0x00, 31, 0x00, 0x00, 0x00, 0x01, 0x01, 0x02)
	expectException(t, res, fcWriteFileRecord, exIllegalFunction)

	err = mapExceptionCodeToError(fcWriteFileRecord, res.payload[0])
	if !IsException(err, exIllegalFunction) {
		t.Errorf("expected an illegal function exception, got: %v", err)
	}
}

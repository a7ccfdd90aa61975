package modbus

import (
	"github.com/sigurn/crc16"
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Modbus RTU frame check sequence.
type crc struct {
	crc uint16
}

func (c *crc) init() {
	c.crc = crc16.Init(crcTable)

	return
}

func (c *crc) add(in []byte) {
	c.crc = crc16.Update(c.crc, in, crcTable)

	return
}

// Returns the CRC as it goes on the wire (low byte first).
func (c *crc) value() (value []byte) {
	var sum uint16

	sum = crc16.Complete(c.crc, crcTable)
	value = []byte{byte(sum), byte(sum >> 8)}

	return
}

func (c *crc) isEqual(low byte, high byte) (isEqual bool) {
	var v []byte

	v = c.value()
	isEqual = (v[0] == low && v[1] == high)

	return
}

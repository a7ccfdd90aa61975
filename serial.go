package modbus

import (
	"time"

	"go.bug.st/serial"
)

// serialPortWrapper wraps a serial.Port (i.e. physical port) to
// 1) satisfy the rtuLink interface and
// 2) add Read() deadline/timeout support.
type serialPortWrapper struct {
	conf     *serialPortConfig
	port     serial.Port
	deadline time.Time
}

type serialPortConfig struct {
	Device   string
	Speed    int
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits
}

func newSerialPortWrapper(conf *serialPortConfig) (spw *serialPortWrapper) {
	spw = &serialPortWrapper{
		conf: conf,
	}

	return
}

func (spw *serialPortWrapper) Open() (err error) {
	spw.port, err = serial.Open(spw.conf.Device, &serial.Mode{
		BaudRate: spw.conf.Speed,
		DataBits: spw.conf.DataBits,
		Parity:   spw.conf.Parity,
		StopBits: spw.conf.StopBits,
	})
	if err != nil {
		return
	}

	// let reads return every 10ms so that deadlines are honoured
	err = spw.port.SetReadTimeout(10 * time.Millisecond)
	if err != nil {
		spw.port.Close()
		spw.port = nil
	}

	return
}

// Closes the serial port.
func (spw *serialPortWrapper) Close() (err error) {
	if spw.port == nil {
		return
	}

	err = spw.port.Close()
	spw.port = nil

	return
}

// Reads bytes from the underlying serial port.
// If Read() is called after the deadline, a timeout error is returned without
// attempting to read from the serial port.
// If Read() is called before the deadline, a read attempt to the serial port
// is made. At this point, one of two things can happen:
//   - the serial port's receive buffer has one or more bytes and port.Read()
//     returns immediately (partial or full read),
//   - the serial port's receive buffer is empty: port.Read() blocks for
//     up to 10ms and returns with no data.
//
// A zero deadline never expires.
// As the higher-level methods use io.ReadFull(), Read() will be called
// as many times as necessary until either enough bytes have been read or an
// error is returned (ErrRequestTimedOut or any other i/o error).
func (spw *serialPortWrapper) Read(rxbuf []byte) (cnt int, err error) {
	if spw.port == nil {
		err = ErrNotConnected
		return
	}

	// return a timeout error if the deadline has passed
	if !spw.deadline.IsZero() && time.Now().After(spw.deadline) {
		err = ErrRequestTimedOut
		return
	}

	cnt, err = spw.port.Read(rxbuf)

	return
}

// Sends the bytes over the wire.
func (spw *serialPortWrapper) Write(txbuf []byte) (cnt int, err error) {
	if spw.port == nil {
		err = ErrNotConnected
		return
	}

	cnt, err = spw.port.Write(txbuf)

	return
}

// Saves the i/o deadline (only used by Read).
func (spw *serialPortWrapper) SetDeadline(deadline time.Time) (err error) {
	spw.deadline = deadline

	return
}

// Drops whatever sits in the port's rx buffer.
func (spw *serialPortWrapper) Reset() (err error) {
	if spw.port == nil {
		return
	}

	err = spw.port.ResetInputBuffer()

	return
}

// Waits until all written bytes have left the port.
func (spw *serialPortWrapper) Drain() (err error) {
	if spw.port == nil {
		return
	}

	err = spw.port.Drain()

	return
}

// Drives the native RTS line.
func (spw *serialPortWrapper) SetRTS(state bool) (err error) {
	if spw.port == nil {
		err = ErrNotConnected
		return
	}

	err = spw.port.SetRTS(state)

	return
}

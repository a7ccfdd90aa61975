package modbus

import (
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// socketWrapper wraps a net.Conn to satisfy the rtuLink interface and to
// report i/o deadline expiry as ErrRequestTimedOut.
type socketWrapper struct {
	socket net.Conn
}

func newSocketWrapper(s net.Conn) (sw *socketWrapper) {
	sw = &socketWrapper{
		socket: s,
	}

	return
}

// Closes the socket.
func (sw *socketWrapper) Close() (err error) {
	err = sw.socket.Close()

	return
}

// Discards the contents of the socket's rx buffer, eating up to 1kB of data.
func (sw *socketWrapper) Reset() (err error) {
	var rxbuf = make([]byte, 1024)

	err = sw.socket.SetReadDeadline(time.Now().Add(500 * time.Microsecond))
	if err != nil {
		return
	}
	io.ReadFull(sw.socket, rxbuf)

	// leave the socket without a read deadline
	err = sw.socket.SetReadDeadline(time.Time{})

	return
}

// Reads bytes from the socket. An expired deadline yields ErrRequestTimedOut.
func (sw *socketWrapper) Read(rxbuf []byte) (cnt int, err error) {
	cnt, err = sw.socket.Read(rxbuf)
	if err != nil && isTimeoutErr(err) {
		err = ErrRequestTimedOut
	}

	return
}

// Sends the bytes over the wire.
func (sw *socketWrapper) Write(txbuf []byte) (cnt int, err error) {
	cnt, err = sw.socket.Write(txbuf)
	if err != nil && isTimeoutErr(err) {
		err = ErrRequestTimedOut
	}

	return
}

// Sets the i/o deadline of the socket. A zero deadline disables timeouts.
func (sw *socketWrapper) SetDeadline(deadline time.Time) (err error) {
	err = sw.socket.SetDeadline(deadline)

	return
}

func (sw *socketWrapper) RemoteAddr() (addr string) {
	if sw.socket.RemoteAddr() != nil {
		addr = sw.socket.RemoteAddr().String()
	}

	return
}

func isTimeoutErr(err error) (isTimeout bool) {
	var netErr net.Error

	isTimeout = errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout())

	return
}

package modbus

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"go.bug.st/serial"
)

const defaultCommParams = "9600,8,N,1"

var windowsSerialPort = regexp.MustCompile(`^(?i)COM[0-9]+$`)

// Parsed form of a connection specification string.
type connSpec struct {
	kind transportType

	// serial
	device    string
	speed     int
	dataBits  int
	parity    serial.Parity
	stopBits  serial.StopBits
	handshake bool

	// tcp
	host string
	port uint16
}

// Address of the connection, for logging and dialing/listening.
func (cs *connSpec) String() (s string) {
	switch cs.kind {
	case modbusRTU:
		s = cs.device
	case modbusTCP:
		s = net.JoinHostPort(cs.host, strconv.Itoa(int(cs.port)))
	}

	return
}

// Parses a connection specification of the form
// device[:baud,bits,parity,stopbits,handshake] (serial) or host[:port] (tcp).
// Missing serial parameters are taken from defaultComm, then from 9600,8,N,1.
func parseConnectionSpec(spec string, defaultPort uint16, defaultComm string) (cs *connSpec, err error) {
	var device string
	var params string
	var hasParams bool

	spec = strings.TrimSpace(spec)
	if spec == "" {
		err = fmt.Errorf("%w: empty connection specification", ErrInvalidConnParams)
		return
	}

	cs = &connSpec{}

	device, params, hasParams = strings.Cut(spec, ":")
	if isSerialDevice(device) {
		cs.kind = modbusRTU
		cs.device = device

		// built-in defaults, then caller defaults, then explicit parameters
		err = cs.applyCommParams(defaultCommParams)
		if err == nil && defaultComm != "" {
			err = cs.applyCommParams(defaultComm)
		}
		if err == nil && hasParams {
			err = cs.applyCommParams(params)
		}
		if err != nil {
			cs = nil
		}

		return
	}

	cs.kind = modbusTCP
	cs.port = defaultPort

	err = cs.parseHostPort(spec)
	if err != nil {
		cs = nil
	}

	return
}

func isSerialDevice(device string) (isSerial bool) {
	isSerial = strings.HasPrefix(device, "/") ||
		strings.HasPrefix(device, "tty") ||
		windowsSerialPort.MatchString(device)

	return
}

// Applies a comma separated baud,bits,parity,stopbits,handshake list.
// Empty fields leave the current value untouched.
func (cs *connSpec) applyCommParams(params string) (err error) {
	var fields []string
	var n int

	fields = strings.Split(params, ",")
	if len(fields) > 5 {
		err = fmt.Errorf("%w: too many serial parameters in '%s'", ErrInvalidConnParams, params)
		return
	}

	for i, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}

		switch i {
		case 0:
			n, err = strconv.Atoi(f)
			if err != nil || n <= 0 {
				err = fmt.Errorf("%w: bad baud rate '%s'", ErrInvalidConnParams, f)
				return
			}
			cs.speed = n
		case 1:
			n, err = strconv.Atoi(f)
			if err != nil || n < 5 || n > 8 {
				err = fmt.Errorf("%w: bad data bits '%s'", ErrInvalidConnParams, f)
				return
			}
			cs.dataBits = n
		case 2:
			switch strings.ToUpper(f) {
			case "N":
				cs.parity = serial.NoParity
			case "E":
				cs.parity = serial.EvenParity
			case "O":
				cs.parity = serial.OddParity
			default:
				err = fmt.Errorf("%w: bad parity '%s'", ErrInvalidConnParams, f)
				return
			}
		case 3:
			switch f {
			case "1":
				cs.stopBits = serial.OneStopBit
			case "2":
				cs.stopBits = serial.TwoStopBits
			default:
				err = fmt.Errorf("%w: bad stop bits '%s'", ErrInvalidConnParams, f)
				return
			}
		case 4:
			if strings.ToUpper(f) != "H" {
				err = fmt.Errorf("%w: bad handshake '%s'", ErrInvalidConnParams, f)
				return
			}
			cs.handshake = true
		}
	}

	return
}

func (cs *connSpec) parseHostPort(spec string) (err error) {
	var host string
	var port string
	var n int

	host, port, err = net.SplitHostPort(spec)
	if err != nil {
		// no port given
		err = nil
		host = strings.TrimSuffix(strings.TrimPrefix(spec, "["), "]")
		port = ""
	}

	if host == "*" {
		host = ""
	}
	cs.host = host

	if port != "" {
		// an explicit port 0 picks any free port when listening
		n, err = strconv.Atoi(port)
		if err != nil || n < 0 || n > 0xffff {
			err = fmt.Errorf("%w: bad port '%s'", ErrInvalidConnParams, port)
			return
		}
		cs.port = uint16(n)
	} else if cs.port == 0 {
		err = fmt.Errorf("%w: no port in '%s'", ErrInvalidConnParams, spec)
	}

	return
}

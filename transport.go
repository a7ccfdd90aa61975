package modbus

type transportType uint

const (
	modbusRTU transportType = 1
	modbusTCP transportType = 2
)

func (tt transportType) String() (s string) {
	switch tt {
	case modbusRTU:
		s = "rtu"
	case modbusTCP:
		s = "tcp"
	default:
		s = "none"
	}

	return
}

type transport interface {
	Close() error
	// ExecuteRequest returns a nil response and no error for broadcast
	// requests, which are never answered.
	ExecuteRequest(*pdu) (*pdu, error)
	ReadRequest() (*pdu, error)
	WriteResponse(*pdu) error
	// Flush drops any unread data.
	Flush() error
}

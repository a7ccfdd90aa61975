package modbus

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DigitalOutput is a single output line, such as a GPIO driving the
// transmit-enable input of an RS485 transceiver.
type DigitalOutput interface {
	Set(state bool) error
}

// PinFactory resolves a pin specification into a DigitalOutput.
type PinFactory func(spec string) (DigitalOutput, error)

const (
	sysfsGPIOPath = "/sys/class/gpio"
	txEnableRTS   = "RTS"
	txEnableNone  = "RS232"
)

// sysfsPin is a GPIO line driven through the Linux sysfs interface.
type sysfsPin struct {
	number   int
	inverted bool
	root     string
}

// SysfsPinFactory resolves specs of the form "gpio.N" (or "/gpio.N" for an
// inverted output) to sysfs GPIO lines, exporting them as outputs if needed.
func SysfsPinFactory(spec string) (pin DigitalOutput, err error) {
	var sp *sysfsPin

	sp, err = newSysfsPin(sysfsGPIOPath, spec)
	if err == nil {
		pin = sp
	}

	return
}

func newSysfsPin(root string, spec string) (sp *sysfsPin, err error) {
	var inverted bool
	var number int
	var dir string

	if strings.HasPrefix(spec, "/") {
		inverted = true
		spec = spec[1:]
	}

	if !strings.HasPrefix(spec, "gpio.") {
		err = fmt.Errorf("%w: unsupported pin '%s'", ErrInvalidConnParams, spec)
		return
	}

	number, err = strconv.Atoi(strings.TrimPrefix(spec, "gpio."))
	if err != nil || number < 0 {
		err = fmt.Errorf("%w: bad gpio number in '%s'", ErrInvalidConnParams, spec)
		return
	}

	sp = &sysfsPin{
		number:   number,
		inverted: inverted,
		root:     root,
	}

	dir = fmt.Sprintf("%s/gpio%d", root, number)
	if _, err = os.Stat(dir); os.IsNotExist(err) {
		err = os.WriteFile(root+"/export", []byte(strconv.Itoa(number)), 0644)
		if err != nil {
			err = fmt.Errorf("failed to export gpio %d: %w", number, err)
			return
		}
	}

	err = os.WriteFile(dir+"/direction", []byte("out"), 0644)
	if err != nil {
		err = fmt.Errorf("failed to configure gpio %d: %w", number, err)
		return
	}

	// start out released
	err = sp.Set(false)

	return
}

func (sp *sysfsPin) Set(state bool) (err error) {
	var value = []byte("0")

	if state != sp.inverted {
		value = []byte("1")
	}

	err = os.WriteFile(fmt.Sprintf("%s/gpio%d/value", sp.root, sp.number), value, 0644)

	return
}

// rtsPin drives the native RTS line of a serial port.
type rtsPin struct {
	spw *serialPortWrapper
}

func (rp *rtsPin) Set(state bool) (err error) {
	err = rp.spw.SetRTS(state)

	return
}

// directionControlLink wraps an rtuLink and asserts the transmit-enable line
// (and releases the receive-enable line) for the duration of each write.
type directionControlLink struct {
	rtuLink
	txEnable       DigitalOutput
	rxEnable       DigitalOutput
	txDisableDelay time.Duration
	charTime       time.Duration
	logger         *logger
}

func (dcl *directionControlLink) Write(txbuf []byte) (cnt int, err error) {
	var ts time.Time
	var drainer interface{ Drain() error }
	var ok bool

	err = dcl.setDirection(true)
	if err != nil {
		return
	}

	ts = time.Now()
	cnt, err = dcl.rtuLink.Write(txbuf)

	// wait for the last bit to leave the wire before turning around
	drainer, ok = dcl.rtuLink.(interface{ Drain() error })
	if ok {
		if drainErr := drainer.Drain(); drainErr != nil {
			dcl.logger.Warningf("failed to drain tx buffer, waiting instead: %v", drainErr)
			ok = false
		}
	}
	if !ok {
		time.Sleep(time.Until(ts.Add(time.Duration(cnt) * dcl.charTime)))
	}

	if dcl.txDisableDelay > 0 {
		time.Sleep(dcl.txDisableDelay)
	}

	if dirErr := dcl.setDirection(false); err == nil {
		err = dirErr
	}

	return
}

// Passes rx buffer resets on to the wrapped link.
func (dcl *directionControlLink) Reset() (err error) {
	if r, ok := dcl.rtuLink.(interface{ Reset() error }); ok {
		err = r.Reset()
		return
	}

	discard(dcl.rtuLink)

	return
}

func (dcl *directionControlLink) setDirection(transmit bool) (err error) {
	if dcl.txEnable != nil {
		err = dcl.txEnable.Set(transmit)
		if err != nil {
			return
		}
	}

	if dcl.rxEnable != nil {
		err = dcl.rxEnable.Set(!transmit)
	}

	return
}

package espboot

import (
	"io"
	"time"

	"github.com/pkg/errors"
	tarm "github.com/tarm/serial"
	bugst "go.bug.st/serial"
)

// ErrNoModemControl is returned by ports that cannot drive RTS/DTR.
var ErrNoModemControl = errors.New("port has no modem control lines")

// Lines drives the two control lines wired to the chip's EN and IO0 pins.
type Lines interface {
	SetRTS(bool) error
	SetDTR(bool) error
}

// Port is a serial connection to the bootloader. Read must return (0, nil),
// io.EOF or a timeout error when no data is available within the read timeout.
type Port interface {
	io.ReadWriteCloser
	Lines
}

// PortConfig holds the line settings for opening a port. The bootloader
// always runs 8 data bits, 1 stop bit, no parity, no flow control.
type PortConfig struct {
	Name        string
	Baud        int
	ReadTimeout time.Duration
}

// PortOpener opens a Port.
type PortOpener func(PortConfig) (Port, error)

// Transport drivers.
const (
	DriverBugst = "bugst"
	DriverTarm  = "tarm"
)

// OpenerForDriver returns the PortOpener registered under name.
func OpenerForDriver(name string) (PortOpener, error) {
	switch name {
	case "", DriverBugst:
		return OpenSerialPort, nil
	case DriverTarm:
		return OpenTarmPort, nil
	default:
		return nil, errors.Errorf("unknown serial driver %q", name)
	}
}

// OpenSerialPort opens a port with full modem line control.
func OpenSerialPort(cfg PortConfig) (Port, error) {
	mode := &bugst.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	port, err := bugst.Open(cfg.Name, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", cfg.Name)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, errors.Wrap(err, "failed to set read timeout")
	}
	// Start with both lines released so opening the port does not reset the chip.
	port.SetDTR(false)
	port.SetRTS(false)
	port.ResetInputBuffer()
	return port, nil
}

type tarmPort struct {
	port *tarm.Port
}

// OpenTarmPort opens a port without modem line control. It suits boards that
// are put into download mode by hand.
func OpenTarmPort(cfg PortConfig) (Port, error) {
	c := &tarm.Config{
		Name:        cfg.Name,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
		Size:        8,
		Parity:      tarm.ParityNone,
		StopBits:    tarm.Stop1,
	}
	port, err := tarm.OpenPort(c)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", cfg.Name)
	}
	// On Linux with USB serial ports, flushing right after open can miss
	// data still travelling up the driver stack.
	time.Sleep(100 * time.Millisecond)
	port.Flush()
	return &tarmPort{port: port}, nil
}

func (p *tarmPort) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	if err == io.EOF {
		// tarm reports an expired read timeout as EOF
		return n, nil
	}
	return n, err
}

func (p *tarmPort) Write(b []byte) (int, error) { return p.port.Write(b) }
func (p *tarmPort) Close() error                { return p.port.Close() }
func (p *tarmPort) SetRTS(bool) error           { return ErrNoModemControl }
func (p *tarmPort) SetDTR(bool) error           { return ErrNoModemControl }

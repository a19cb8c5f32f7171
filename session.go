package espboot

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotOpen is returned when a command is issued without an open session.
var ErrNotOpen = errors.New("session is not open")

// State is the session lifecycle state.
type State int

// Session states.
const (
	StateClosed State = iota
	StateOpening
	StateAwaitingBanner
	// StateConnected means the boot banner was seen but SYNC has not
	// completed yet.
	StateConnected
	StateSynced
	StateReady
	StateClosing
	StateError
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateAwaitingBanner:
		return "awaiting banner"
	case StateConnected:
		return "connected"
	case StateSynced:
		return "synced"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	default:
		return "invalid"
	}
}

type resetter interface {
	USBJTAG(context.Context, Lines) error
	Classic(context.Context, Lines) error
	RunApp(context.Context, Lines) error
	Manual(context.Context, Lines) error
}

// Session runs one bootloader session over a serial port. Its methods must
// be called from a single goroutine.
type Session struct {
	cfg      Config
	openPort PortOpener
	reset    resetter
	table    *CommandTable

	port  Port
	rx    *Receiver
	resp  *ResponseAnalyzer
	drain *ResponseAnalyzer

	state   State
	banner  string
	lastErr string
	info    HardwareInfo
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithPortOpener replaces the opener selected by Config.Driver.
func WithPortOpener(open PortOpener) SessionOption {
	return func(s *Session) {
		s.openPort = open
	}
}

// NewSession creates a closed session.
func NewSession(cfg Config, opts ...SessionOption) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	open, err := OpenerForDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	table := NewCommandTable()
	s := &Session{
		cfg:      cfg,
		openPort: open,
		reset:    NewSequencer(cfg.ResetDelay),
		table:    table,
		resp:     NewResponseAnalyzer(table),
		drain:    NewResponseAnalyzer(table),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Banner returns the boot text captured by the last successful Open.
func (s *Session) Banner() string { return s.banner }

// LastError returns the most recent diagnostic message.
func (s *Session) LastError() string { return s.lastErr }

// Info returns the identity read by the last successful Query.
func (s *Session) Info() HardwareInfo { return s.info }

func (s *Session) setState(state State) {
	if s.state != state {
		pkgLog.Debugf("session %v -> %v", s.state, state)
		s.state = state
	}
}

func (s *Session) fail(err *Error) error {
	s.setState(StateError)
	if s.lastErr == "" {
		s.lastErr = err.Msg
	}
	pkgLog.Warnf("%v", err)
	return err
}

// Open opens the port, resets the chip into download mode and waits for the
// boot banner, which it returns. With ResetAuto the classic sequence is tried
// once when the USB-JTAG sequence produces no banner. A cancelled ctx is
// reported as BannerTimeout wrapping ctx.Err().
func (s *Session) Open(ctx context.Context, name string) (string, error) {
	if s.port != nil {
		s.closePort()
	}
	s.setState(StateOpening)
	s.banner, s.lastErr = "", ""

	port, err := s.openPort(PortConfig{
		Name:        name,
		Baud:        s.cfg.Baud,
		ReadTimeout: s.cfg.PollInterval,
	})
	if err != nil {
		return "", s.fail(newError(TransportOpenFailed, err, "cannot open %s", name))
	}
	s.port = port
	s.rx = NewReceiver(port, s.cfg.receiverConfig())
	pkgLog.Debugf("opened %s at %d baud", name, s.cfg.Baud)

	s.setState(StateAwaitingBanner)
	for _, strategy := range s.bootStrategies() {
		ok, err := s.awaitBanner(ctx, strategy)
		if err != nil {
			s.Close()
			s.lastErr = err.Error()
			return "", s.fail(newError(BannerTimeout, err, "bootloader start aborted"))
		}
		if ok {
			s.banner = s.resp.Banner()
			s.setState(StateConnected)
			pkgLog.Infof("bootloader banner received")
			pkgLog.Debugf("banner: %q", s.banner)
			return s.banner, nil
		}
	}

	s.Close()
	s.lastErr = "failed to start the bootloader"
	return "", s.fail(newError(BannerTimeout, nil, "no boot banner on %s", name))
}

type bootStrategy struct {
	name  string
	reset func(context.Context, Lines) error
}

func (s *Session) bootStrategies() []bootStrategy {
	usbJTAG := bootStrategy{string(ResetUSBJTAG), s.reset.USBJTAG}
	classic := bootStrategy{string(ResetClassic), s.reset.Classic}
	switch s.cfg.Reset {
	case ResetUSBJTAG:
		return []bootStrategy{usbJTAG}
	case ResetClassic:
		return []bootStrategy{classic}
	case ResetManual:
		return []bootStrategy{{string(ResetManual), s.reset.Manual}}
	default:
		return []bootStrategy{usbJTAG, classic}
	}
}

func (s *Session) awaitBanner(ctx context.Context, strategy bootStrategy) (bool, error) {
	s.rx.Reset()
	if err := strategy.reset(ctx, s.port); err != nil {
		if errors.Cause(err) != ErrNoModemControl {
			return false, err
		}
		pkgLog.Warnf("%s reset skipped: %v", strategy.name, err)
	}

	s.resp.Reset(ModeHeader)
	// Boot output comes in bursts, so only the banner timeout applies.
	result, err := s.rx.Run(ctx, s.resp,
		WithCompleteTimeout(s.cfg.BannerTimeout),
		WithIntervalTimeout(s.cfg.BannerTimeout))
	if err != nil {
		return false, err
	}
	if result == RecvCancel {
		return false, ctx.Err()
	}
	if s.resp.Kind() != KindBanner {
		pkgLog.Debugf("no banner after %s reset: %v (%v)", strategy.name, result, s.resp.Kind())
		return false, nil
	}
	return true, nil
}

// exchange sends req, waits for a protocol response and then drains any
// trailing output.
func (s *Session) exchange(ctx context.Context, req Request, opts ...RunOption) (RecvResult, error) {
	// drop anything left over from a drain that hit its pass limit
	s.rx.Reset()
	s.resp.Reset(ModeProtocol)
	if _, err := req.WriteTo(s.port); err != nil {
		return RecvEmpty, errors.Wrapf(err, "failed to send %v", req.Command)
	}
	result, err := s.rx.Run(ctx, s.resp, opts...)
	if err != nil {
		return result, err
	}
	if result == RecvCancel {
		return result, ctx.Err()
	}
	if _, err := s.rx.Drain(ctx, s.drain, s.cfg.DrainTimeout); err != nil {
		return result, err
	}
	return result, nil
}

// SendSync performs the SYNC handshake. The chip may still be booting, so
// the request is repeated up to Config.SyncRetries times.
func (s *Session) SendSync(ctx context.Context) error {
	if s.port == nil {
		return ErrNotOpen
	}
	req := NewSyncRequest()
	for i := 0; i < s.cfg.SyncRetries; i++ {
		result, err := s.exchange(ctx, req, WithCompleteTimeout(s.cfg.SyncTimeout))
		if err != nil {
			s.lastErr = err.Error()
			return s.fail(newError(SyncFailed, err, "sync attempt %d", i+1))
		}
		if s.resp.Kind() == KindFrame && s.resp.Frame().Command == CommandSync {
			s.setState(StateSynced)
			pkgLog.Infof("synced after %d attempt(s)", i+1)
			return nil
		}
		s.lastErr = s.resp.Error()
		pkgLog.Debugf("sync attempt %d/%d: %v, %v: %s", i+1, s.cfg.SyncRetries, result, s.resp.Kind(), s.lastErr)
	}
	s.lastErr = "initial communication (SYNC) failed"
	return s.fail(newError(SyncFailed, nil, "no response after %d attempts", s.cfg.SyncRetries))
}

// ReadReg reads a 32-bit register. It makes a single attempt.
func (s *Session) ReadReg(ctx context.Context, address uint32) (uint32, error) {
	if s.port == nil {
		return 0, ErrNotOpen
	}
	result, err := s.exchange(ctx, NewReadRegRequest(address), WithCompleteTimeout(s.cfg.CommandTimeout))
	if err != nil {
		s.lastErr = err.Error()
		return 0, s.fail(newError(QueryTimeout, err, "read register 0x%08X", address))
	}

	s.lastErr = s.resp.Error()
	switch s.resp.Kind() {
	case KindFrame:
		frame := s.resp.Frame()
		if frame.Command != CommandReadReg {
			s.lastErr = "unexpected " + frame.Command.String() + " response"
			return 0, s.fail(newError(UnexpectedResponse, nil, "read register 0x%08X: %s", address, s.lastErr))
		}
		if status, code, ok := frame.Status(); ok && status != 0 {
			s.lastErr = ROMErrorString(code)
			return 0, s.fail(newError(DeviceReportedError, nil, "read register 0x%08X: %s", address, s.lastErr))
		}
		pkgLog.Debugf("register 0x%08X = 0x%08X", address, frame.Value)
		return frame.Value, nil
	case KindDeviceText:
		return 0, s.fail(newError(DeviceReportedError, nil, "read register 0x%08X: %q", address, s.lastErr))
	case KindNone, KindBinary:
		return 0, s.fail(newError(QueryTimeout, nil, "read register 0x%08X: %v: %s", address, result, s.lastErr))
	default:
		return 0, s.fail(newError(UnexpectedResponse, nil, "read register 0x%08X: %s", address, s.lastErr))
	}
}

// Query reads the efuse MAC registers and derives the MAC address and chip id.
func (s *Session) Query(ctx context.Context) (HardwareInfo, error) {
	reg0, err := s.ReadReg(ctx, s.cfg.MACRegister0)
	if err != nil {
		return HardwareInfo{}, err
	}
	reg1, err := s.ReadReg(ctx, s.cfg.MACRegister1)
	if err != nil {
		return HardwareInfo{}, err
	}
	s.info = NewHardwareInfo(reg0, reg1)
	s.setState(StateReady)
	pkgLog.Infof("MAC addr: %v, chip id: %04X", s.info.MAC(), s.info.ChipID)
	return s.info, nil
}

// Close resets the chip back into its application and closes the port. It
// runs whatever state the session is in, and may be called repeatedly.
func (s *Session) Close() {
	if s.port == nil {
		s.setState(StateClosed)
		return
	}
	s.setState(StateClosing)
	if s.cfg.Reset != ResetManual {
		if err := s.reset.RunApp(context.Background(), s.port); err != nil {
			pkgLog.Warnf("application reset failed: %v", err)
		}
	}
	s.closePort()
	s.setState(StateClosed)
}

func (s *Session) closePort() {
	if err := s.port.Close(); err != nil {
		pkgLog.Warnf("failed to close port: %v", err)
	}
	s.port = nil
	s.rx = nil
}

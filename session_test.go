package espboot

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const testBanner = "ESP-ROM:esp32c3-api1-20210207\r\nbuild:Feb  7 2021\r\nrst:0x15 (USB_UART_CHIP_RESET),boot:0x4 (DOWNLOAD(USB/UART0/1))\r\nwaiting for download\r\n"

// fakeResetter records the sequences run and prints the boot banner after
// the one named in bannerOn.
type fakeResetter struct {
	calls    []string
	bannerOn string
}

func (r *fakeResetter) do(name string, l Lines) error {
	r.calls = append(r.calls, name)
	if name == r.bannerOn {
		l.(*fakePort).feed(now([]byte(testBanner)...))
	}
	return nil
}

func (r *fakeResetter) USBJTAG(_ context.Context, l Lines) error { return r.do("usb-jtag", l) }
func (r *fakeResetter) Classic(_ context.Context, l Lines) error { return r.do("classic", l) }
func (r *fakeResetter) RunApp(_ context.Context, l Lines) error  { return r.do("run-app", l) }
func (r *fakeResetter) Manual(_ context.Context, l Lines) error  { return r.do("manual", l) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.BannerTimeout = 50 * time.Millisecond
	cfg.SyncTimeout = 20 * time.Millisecond
	cfg.CommandTimeout = 50 * time.Millisecond
	cfg.IntervalTimeout = 20 * time.Millisecond
	cfg.DrainTimeout = 5 * time.Millisecond
	return cfg
}

func newTestSession(t *testing.T, cfg Config, bannerOn string) (*Session, *fakePort, *fakeResetter) {
	port := newFakePort()
	s, err := NewSession(cfg, WithPortOpener(func(PortConfig) (Port, error) { return port, nil }))
	require.NoError(t, err)
	r := &fakeResetter{bannerOn: bannerOn}
	s.reset = r
	return s, port, r
}

func openTestSession(t *testing.T) (*Session, *fakePort, *fakeResetter) {
	s, port, r := newTestSession(t, testConfig(), "usb-jtag")
	banner, err := s.Open(context.Background(), "/dev/ttyACM0")
	require.NoError(t, err)
	require.Equal(t, testBanner, banner)
	return s, port, r
}

func syncedTestSession(t *testing.T) (*Session, *fakePort, *fakeResetter) {
	s, port, r := openTestSession(t)
	port.reply(now(responseFrame(CommandSync, 0, 0, 0)...))
	require.NoError(t, s.SendSync(context.Background()))
	return s, port, r
}

func TestSessionHappyPath(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	SetLogger(logger)
	defer SetLogger(nil)

	s, port, r := openTestSession(t)
	require.Equal(t, StateConnected, s.State())
	require.Equal(t, testBanner, s.Banner())

	// The ROM answers SYNC several times; the extra replies are drained.
	sync := responseFrame(CommandSync, 0, 0, 0)
	port.reply(now(join(sync, sync, sync)...))
	require.NoError(t, s.SendSync(context.Background()))
	require.Equal(t, StateSynced, s.State())

	port.reply(now(responseFrame(CommandReadReg, 0xAABBCCDD, 0, 0)...))
	port.reply(now(responseFrame(CommandReadReg, 0x1234EEFF, 0, 0)...))
	info, err := s.Query(context.Background())
	require.NoError(t, err)
	require.Equal(t, net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, info.MAC())
	require.Equal(t, uint16(0xEEFF), info.ChipID)
	require.Equal(t, info, s.Info())
	require.Equal(t, StateReady, s.State())

	require.Len(t, port.writes, 3)
	require.Equal(t, NewSyncRequest().Bytes(), port.writes[0])
	require.Equal(t, NewReadRegRequest(EfuseMACReg0).Bytes(), port.writes[1])
	require.Equal(t, NewReadRegRequest(EfuseMACReg1).Bytes(), port.writes[2])

	s.Close()
	require.Equal(t, StateClosed, s.State())
	require.True(t, port.closed)
	require.Equal(t, []string{"usb-jtag", "run-app"}, r.calls)

	var messages []string
	for _, entry := range hook.AllEntries() {
		messages = append(messages, entry.Message)
	}
	require.Contains(t, messages, "bootloader banner received")
}

func TestSessionSyncAfterDeviceBoots(t *testing.T) {
	s, port, _ := openTestSession(t)
	port.reply()
	port.reply()
	port.reply(now(responseFrame(CommandSync, 0, 0, 0)...))

	require.NoError(t, s.SendSync(context.Background()))
	require.Equal(t, 3, port.writeCount())
}

func TestSessionSyncRetryBound(t *testing.T) {
	s, port, r := openTestSession(t)

	err := s.SendSync(context.Background())
	require.Error(t, err)
	require.True(t, IsKind(err, SyncFailed))
	require.Equal(t, 5, port.writeCount())
	require.Equal(t, StateError, s.State())
	require.Contains(t, s.LastError(), "SYNC")

	s.Close()
	require.Equal(t, []string{"usb-jtag", "run-app"}, r.calls)
	require.True(t, port.closed)
}

func TestSessionSyncIgnoresOtherFrames(t *testing.T) {
	cfg := testConfig()
	cfg.SyncRetries = 2
	s, port, _ := newTestSession(t, cfg, "usb-jtag")
	_, err := s.Open(context.Background(), "/dev/ttyACM0")
	require.NoError(t, err)

	port.reply(now(responseFrame(CommandReadReg, 0, 0, 0)...))
	port.reply(now(responseFrame(CommandSync, 0, 0, 0)...))
	require.NoError(t, s.SendSync(context.Background()))
	require.Equal(t, 2, port.writeCount())
}

func TestSessionBannerFallback(t *testing.T) {
	t.Run("classic after usb-jtag", func(t *testing.T) {
		s, _, r := newTestSession(t, testConfig(), "classic")
		banner, err := s.Open(context.Background(), "/dev/ttyUSB0")
		require.NoError(t, err)
		require.Contains(t, banner, BannerMarker)
		require.Equal(t, []string{"usb-jtag", "classic"}, r.calls)
	})
	t.Run("no banner", func(t *testing.T) {
		s, port, r := newTestSession(t, testConfig(), "")
		_, err := s.Open(context.Background(), "/dev/ttyUSB0")
		require.Error(t, err)
		require.True(t, IsKind(err, BannerTimeout))
		require.Equal(t, []string{"usb-jtag", "classic", "run-app"}, r.calls)
		require.True(t, port.closed)
		require.Equal(t, "failed to start the bootloader", s.LastError())

		require.Equal(t, ErrNotOpen, s.SendSync(context.Background()))
	})
	t.Run("single strategy", func(t *testing.T) {
		cfg := testConfig()
		cfg.Reset = ResetClassic
		s, _, r := newTestSession(t, cfg, "")
		_, err := s.Open(context.Background(), "/dev/ttyUSB0")
		require.True(t, IsKind(err, BannerTimeout))
		require.Equal(t, []string{"classic", "run-app"}, r.calls)
	})
	t.Run("boot noise is not a banner", func(t *testing.T) {
		s, port, r := newTestSession(t, testConfig(), "")
		port.feed(now([]byte("rst:0x1 (POWERON),boot:0x8 (SPI_FAST_FLASH_BOOT)\r\n")...))
		_, err := s.Open(context.Background(), "/dev/ttyUSB0")
		require.True(t, IsKind(err, BannerTimeout))
		require.Len(t, r.calls, 3)
	})
}

func TestSessionOpenCancelled(t *testing.T) {
	s, port, r := newTestSession(t, testConfig(), "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Open(ctx, "/dev/ttyUSB0")
	require.Error(t, err)
	require.True(t, IsKind(err, BannerTimeout))
	require.Equal(t, context.Canceled, errors.Cause(err))
	require.Contains(t, err.Error(), "bootloader start aborted")
	require.Equal(t, []string{"usb-jtag", "run-app"}, r.calls)
	require.True(t, port.closed)
}

func TestSessionTransportOpenFailed(t *testing.T) {
	busy := errors.New("device or resource busy")
	s, err := NewSession(testConfig(), WithPortOpener(func(PortConfig) (Port, error) { return nil, busy }))
	require.NoError(t, err)

	_, err = s.Open(context.Background(), "/dev/ttyUSB0")
	require.Error(t, err)
	require.True(t, IsKind(err, TransportOpenFailed))
	require.Equal(t, busy, errors.Cause(err))
	require.Equal(t, StateError, s.State())

	s.Close()
	require.Equal(t, StateClosed, s.State())
}

func TestSessionPassesPortConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Baud = 460800
	var got PortConfig
	s, err := NewSession(cfg, WithPortOpener(func(c PortConfig) (Port, error) {
		got = c
		return nil, errors.New("not found")
	}))
	require.NoError(t, err)
	s.Open(context.Background(), "COM7")
	require.Equal(t, PortConfig{Name: "COM7", Baud: 460800, ReadTimeout: time.Millisecond}, got)
}

func TestSessionReadRegFailures(t *testing.T) {
	testCases := []struct {
		name    string
		reply   []chunk
		kind    ErrorKind
		message string
	}{
		{
			name:    "device text",
			reply:   []chunk{now([]byte("invalid command\r\n")...)},
			kind:    DeviceReportedError,
			message: "invalid command\r\n",
		},
		{
			name:    "status byte",
			reply:   []chunk{now(responseFrame(CommandReadReg, 0, 0x01, 0x05)...)},
			kind:    DeviceReportedError,
			message: "invalid message",
		},
		{
			name:    "command mismatch",
			reply:   []chunk{now(responseFrame(CommandSync, 0, 0, 0)...)},
			kind:    UnexpectedResponse,
			message: "unexpected sync response",
		},
		{
			name:    "malformed frame",
			reply:   []chunk{now(0xC0, 0x01, 0x0A, 0x02, 0x00, 0x01, 0x02, 0x03, 0x04, 0x00, 0x00, 0x55, 0xC0)},
			kind:    UnexpectedResponse,
			message: "invalid stop byte",
		},
		{
			name:    "no reply",
			reply:   nil,
			kind:    QueryTimeout,
			message: "no response received",
		},
		{
			name:    "partial frame",
			reply:   []chunk{now(0xC0, 0x01, 0x0A, 0x02)},
			kind:    QueryTimeout,
			message: "incomplete frame",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, port, _ := syncedTestSession(t)
			port.reply(tc.reply...)

			_, err := s.ReadReg(context.Background(), EfuseMACReg0)
			require.Error(t, err)
			require.True(t, IsKind(err, tc.kind), "got %v", err)
			require.Contains(t, s.LastError(), tc.message)
			require.Equal(t, StateError, s.State())
			s.Close()
		})
	}
}

func TestSessionQueryAbortsOnFirstFailure(t *testing.T) {
	s, port, _ := syncedTestSession(t)
	port.reply(now(responseFrame(CommandSync, 0, 0, 0)...))

	_, err := s.Query(context.Background())
	require.True(t, IsKind(err, UnexpectedResponse))
	require.Equal(t, 2, port.writeCount())
	require.Equal(t, HardwareInfo{}, s.Info())
}

func TestSessionClose(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		s, port, r := openTestSession(t)
		s.Close()
		s.Close()
		require.True(t, port.closed)
		require.Equal(t, []string{"usb-jtag", "run-app"}, r.calls)
		require.Equal(t, StateClosed, s.State())
	})
	t.Run("manual leaves the lines alone", func(t *testing.T) {
		cfg := testConfig()
		cfg.Reset = ResetManual
		s, port, r := newTestSession(t, cfg, "manual")
		_, err := s.Open(context.Background(), "/dev/ttyUSB0")
		require.NoError(t, err)
		s.Close()
		require.True(t, port.closed)
		require.Equal(t, []string{"manual"}, r.calls)
	})
	t.Run("before open", func(t *testing.T) {
		s, _, r := newTestSession(t, testConfig(), "usb-jtag")
		s.Close()
		require.Empty(t, r.calls)
		require.Equal(t, StateClosed, s.State())
	})
}

func TestSessionReopen(t *testing.T) {
	s, port, r := openTestSession(t)
	_, err := s.Open(context.Background(), "/dev/ttyACM0")
	require.NoError(t, err)
	require.Equal(t, []string{"usb-jtag", "usb-jtag"}, r.calls)
	require.True(t, port.closed)
}

func TestNewSessionRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Driver = "ftdi"
	_, err := NewSession(cfg)
	require.Error(t, err)
}

// linelessPort behaves like a port opened through a driver without modem
// line control.
type linelessPort struct {
	*fakePort
}

func (linelessPort) SetRTS(bool) error { return ErrNoModemControl }
func (linelessPort) SetDTR(bool) error { return ErrNoModemControl }

func TestSessionWithoutModemLines(t *testing.T) {
	logger, hook := test.NewNullLogger()
	SetLogger(logger)
	defer SetLogger(nil)

	cfg := testConfig()
	cfg.ResetDelay = time.Millisecond
	port := newFakePort()
	s, err := NewSession(cfg, WithPortOpener(func(PortConfig) (Port, error) {
		return linelessPort{port}, nil
	}))
	require.NoError(t, err)

	// the chip was put into download mode by hand
	port.feed(now([]byte(testBanner)...))
	banner, err := s.Open(context.Background(), "/dev/ttyUSB0")
	require.NoError(t, err)
	require.Equal(t, testBanner, banner)
	require.Equal(t, StateConnected, s.State())

	var warnings []string
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			warnings = append(warnings, entry.Message)
		}
	}
	require.NotEmpty(t, warnings)
	require.Contains(t, warnings[0], "reset skipped")

	s.Close()
	require.True(t, port.closed)
	require.Equal(t, StateClosed, s.State())
}

func TestSessionDiscardsStaleInput(t *testing.T) {
	s, port, _ := syncedTestSession(t)
	push(s.rx.Window(), responseFrame(CommandReadReg, 0xBAADF00D, 0, 0))
	port.reply(now(responseFrame(CommandReadReg, 0x00C0FFEE, 0, 0)...))

	value, err := s.ReadReg(context.Background(), EfuseMACReg0)
	require.NoError(t, err)
	require.Equal(t, uint32(0x00C0FFEE), value)
}

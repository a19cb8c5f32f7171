package espboot

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Boot mode selection follows
// https://docs.espressif.com/projects/esptool/en/latest/esp32/advanced-topics/boot-mode-selection.html
//
// With the usual auto-reset circuit, asserting RTS pulls EN low (chip held in
// reset) and asserting DTR pulls IO0 low (download mode on release):
//
//	RTS DTR -> EN IO0
//	 0   0      1   1
//	 1   1      1   1
//	 1   0      0   1
//	 0   1      1   0

// DefaultResetDelay is the hold time between line transitions.
const DefaultResetDelay = 100 * time.Millisecond

// ResetStrategy names a way of getting the chip into download mode.
type ResetStrategy string

// Reset strategies.
const (
	// ResetAuto tries ResetUSBJTAG and falls back to ResetClassic.
	ResetAuto    ResetStrategy = "auto"
	ResetUSBJTAG ResetStrategy = "usb-jtag"
	ResetClassic ResetStrategy = "classic"
	// ResetManual leaves the lines alone; the user holds BOOT and taps EN.
	ResetManual ResetStrategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s ResetStrategy) Valid() bool {
	switch s {
	case ResetAuto, ResetUSBJTAG, ResetClassic, ResetManual:
		return true
	}
	return false
}

// Sequencer toggles the control lines through the reset sequences.
type Sequencer struct {
	Delay time.Duration

	timer Timer
}

// NewSequencer returns a sequencer waiting delay between transitions.
func NewSequencer(delay time.Duration) *Sequencer {
	if delay <= 0 {
		delay = DefaultResetDelay
	}
	return &Sequencer{Delay: delay}
}

type line int

const (
	lineNone line = iota
	lineRTS
	lineDTR
)

// lineStep sets one line, or waits one Delay when line is lineNone.
type lineStep struct {
	line  line
	level bool
}

func rts(level bool) lineStep { return lineStep{line: lineRTS, level: level} }
func dtr(level bool) lineStep { return lineStep{line: lineDTR, level: level} }
func hold() lineStep          { return lineStep{} }

// USBJTAG resets into download mode in a single toggle. It is the sequence
// for chips using the built-in USB-Serial/JTAG controller.
func (s *Sequencer) USBJTAG(ctx context.Context, l Lines) error {
	return s.run(ctx, l, "usb-jtag",
		rts(false), dtr(false), hold(),
		dtr(true), rts(false), hold(),
		rts(true), dtr(false), rts(true), hold(),
		dtr(false), rts(false),
	)
}

// Classic resets into download mode through a USB-UART bridge wired to the
// auto-reset transistors, with an extra EN pulse before IO0 is released.
func (s *Sequencer) Classic(ctx context.Context, l Lines) error {
	return s.run(ctx, l, "classic",
		rts(false), dtr(false), hold(),
		rts(true), hold(),
		dtr(true), rts(false), hold(),
		dtr(false),
	)
}

// RunApp resets the chip into the user application.
func (s *Sequencer) RunApp(ctx context.Context, l Lines) error {
	return s.run(ctx, l, "run-app",
		rts(false), dtr(false), hold(),
		rts(true), hold(),
		rts(false), dtr(false),
	)
}

// Manual does not touch the lines.
func (s *Sequencer) Manual(ctx context.Context, l Lines) error {
	pkgLog.Infof("waiting for the chip to be put into download mode by hand")
	return nil
}

func (s *Sequencer) run(ctx context.Context, l Lines, name string, steps ...lineStep) error {
	pkgLog.Debugf("reset sequence %s", name)
	for _, step := range steps {
		var err error
		switch step.line {
		case lineNone:
			s.timer.Start()
			err = s.timer.Wait(ctx, s.Delay)
		case lineRTS:
			err = l.SetRTS(step.level)
		case lineDTR:
			err = l.SetDTR(step.level)
		}
		if err != nil {
			return errors.Wrapf(err, "%s reset failed", name)
		}
	}
	return nil
}

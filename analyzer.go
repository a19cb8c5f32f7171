package espboot

import (
	"bytes"
	"fmt"
)

// BannerMarker is the text the ROM bootloader prints once it is waiting for
// a host in download mode.
const BannerMarker = "waiting for download"

// Analyzer consumes bytes from a Window and reports when a complete unit has
// been recognized. Finish is called once the Receiver run has ended,
// whatever the outcome.
type Analyzer interface {
	Analyze(w *Window) bool
	Finish(w *Window)
}

// Mode selects how the ResponseAnalyzer interprets incoming bytes.
type Mode int

const (
	// ModeAuto picks Protocol when the first byte is a frame marker and
	// Header otherwise.
	ModeAuto Mode = iota
	// ModeHeader treats input as boot text and waits for BannerMarker.
	ModeHeader
	// ModeProtocol decodes binary response frames.
	ModeProtocol
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeHeader:
		return "header"
	case ModeProtocol:
		return "protocol"
	default:
		return "invalid"
	}
}

// RecvKind classifies what the analyzer has seen.
type RecvKind int

const (
	// KindNone means no bytes were received.
	KindNone RecvKind = iota
	// KindText is unterminated text that never contained the banner.
	KindText
	// KindBinary is an incomplete binary frame.
	KindBinary
	// KindBanner is boot text containing BannerMarker.
	KindBanner
	// KindFrame is a complete, well-formed response frame.
	KindFrame
	// KindUnrecognized is a frame that was discarded up to the next marker.
	KindUnrecognized
	// KindDeviceText is plain text received where a frame was expected.
	KindDeviceText
)

func (k RecvKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	case KindBanner:
		return "banner"
	case KindFrame:
		return "frame"
	case KindUnrecognized:
		return "unrecognized"
	case KindDeviceText:
		return "device text"
	default:
		return "invalid"
	}
}

type parseState int

const (
	stateFirstByte parseState = iota // nothing received yet
	stateHeader                      // accumulating boot text
	stateStartByte                   // waiting for 0xC0
	stateDirection                   // waiting for the response direction byte
	stateCommand                     // waiting for the opcode
	stateSize                        // 2 bytes, little endian
	stateValue                       // 4 bytes, little endian
	stateData                        // Size bytes
	stateStopByte                    // waiting for the closing 0xC0
	stateDiscard                     // invalid frame, skip to the next 0xC0
	stateDone                        // unit complete
)

// ResponseAnalyzer decodes bootloader output: boot banner text in Header
// mode, response frames in Protocol mode.
type ResponseAnalyzer struct {
	table *CommandTable

	mode   Mode
	active Mode
	state  parseState
	count  int

	frame Response
	text  bytes.Buffer
	// preamble is set when Protocol mode was requested but the first byte
	// was not a frame marker.
	preamble bool

	kind   RecvKind
	banner string
	err    string
}

// NewResponseAnalyzer returns an analyzer in auto mode using the given table.
func NewResponseAnalyzer(table *CommandTable) *ResponseAnalyzer {
	a := &ResponseAnalyzer{table: table}
	a.Reset(ModeAuto)
	return a
}

// Reset clears all state and selects the mode for the next receive attempt.
func (a *ResponseAnalyzer) Reset(mode Mode) {
	a.mode = mode
	a.active = mode
	a.state = stateFirstByte
	a.count = 0
	a.frame.Reset()
	a.text.Reset()
	a.preamble = false
	a.kind = KindNone
	a.banner = ""
	a.err = ""
}

// Kind returns the classification of what has been received so far.
func (a *ResponseAnalyzer) Kind() RecvKind { return a.kind }

// Mode returns the mode in effect; ModeAuto until the first byte arrives.
func (a *ResponseAnalyzer) Mode() Mode { return a.active }

// Frame returns the decoded response frame. It is only meaningful when Kind
// is KindFrame.
func (a *ResponseAnalyzer) Frame() *Response { return &a.frame }

// Banner returns the boot text captured in Header mode.
func (a *ResponseAnalyzer) Banner() string { return a.banner }

// Text returns the raw text collected so far.
func (a *ResponseAnalyzer) Text() string { return a.text.String() }

// Error returns a description of a failed receive, or "" on success.
func (a *ResponseAnalyzer) Error() string { return a.err }

func (a *ResponseAnalyzer) String() string {
	switch a.kind {
	case KindBanner:
		return a.banner
	case KindFrame:
		return a.frame.String()
	case KindText, KindDeviceText:
		return a.text.String()
	default:
		return fmt.Sprintf("<%v>", a.kind)
	}
}

// Analyze consumes pending bytes from w and reports whether a banner or a
// frame (well-formed or discarded) has been completed.
func (a *ResponseAnalyzer) Analyze(w *Window) bool {
	if a.state == stateDone {
		return true
	}
	pending := w.Pending()
	if len(pending) == 0 {
		return false
	}
	if a.state == stateFirstByte {
		a.selectMode(pending[0])
	}
	if a.active == ModeHeader {
		return a.analyzeHeader(w)
	}
	return a.analyzeProtocol(w)
}

// Finish settles the outcome of an attempt that ended without completion.
func (a *ResponseAnalyzer) Finish(w *Window) {
	switch a.state {
	case stateDone:
		return
	case stateFirstByte:
		a.kind = KindNone
		a.err = "no response received"
	case stateHeader:
		a.kind = KindText
		a.err = "unexpected text: " + a.text.String()
	case stateStartByte:
		if a.preamble && a.text.Len() > 0 {
			a.kind = KindDeviceText
			a.err = a.text.String()
		} else {
			a.kind = KindBinary
			a.err = "no frame start received"
		}
	case stateDiscard:
		a.kind = KindBinary
	default:
		a.kind = KindBinary
		a.err = fmt.Sprintf("incomplete frame (%v)", a.frame.Command)
	}
}

func (a *ResponseAnalyzer) selectMode(first byte) {
	if a.mode == ModeAuto {
		if first == frameEnd {
			a.active = ModeProtocol
		} else {
			a.active = ModeHeader
		}
	}
	if a.active == ModeHeader {
		a.state = stateHeader
		a.kind = KindText
		return
	}
	a.state = stateStartByte
	a.kind = KindBinary
	a.preamble = first != frameEnd
}

func (a *ResponseAnalyzer) analyzeHeader(w *Window) bool {
	a.text.Write(w.Pending())
	w.Advance(len(w.Pending()))
	if !bytes.Contains(a.text.Bytes(), []byte(BannerMarker)) {
		return false
	}
	a.banner = a.text.String()
	a.kind = KindBanner
	a.state = stateDone
	return true
}

func (a *ResponseAnalyzer) analyzeProtocol(w *Window) bool {
	pending := w.Pending()
	done := false
	n := 0
	for n < len(pending) && !done {
		done = a.parseByte(pending[n])
		n++
	}
	w.Advance(n)
	return done
}

func (a *ResponseAnalyzer) parseByte(b byte) bool {
	switch a.state {
	case stateStartByte:
		if b == frameEnd {
			a.state = stateDirection
		} else if a.preamble {
			a.text.WriteByte(b)
		}
	case stateDirection:
		switch b {
		case dirResponse:
			a.state = stateCommand
		case frameEnd:
			// back-to-back markers, the second one starts the frame
		default:
			a.discard("invalid direction 0x%02X", b)
		}
	case stateCommand:
		a.frame.Command = a.table.Lookup(b)
		if a.frame.Command == CommandNone {
			a.discard("unknown command 0x%02X", b)
			break
		}
		a.state, a.count = stateSize, 0
	case stateSize:
		a.frame.Size |= uint16(b) << (8 * uint(a.count))
		a.count++
		if a.count < 2 {
			break
		}
		if int(a.frame.Size) > maxResponseData {
			a.discard("frame size %d too large", a.frame.Size)
			break
		}
		a.state, a.count = stateValue, 0
	case stateValue:
		a.frame.Value |= uint32(b) << (8 * uint(a.count))
		a.count++
		if a.count < 4 {
			break
		}
		a.count = 0
		if a.frame.Size == 0 {
			a.state = stateStopByte
		} else {
			a.state = stateData
		}
	case stateData:
		a.frame.Data[a.count] = b
		a.count++
		if a.count >= int(a.frame.Size) {
			a.state = stateStopByte
		}
	case stateStopByte:
		if b != frameEnd {
			a.discard("invalid stop byte 0x%02X", b)
			break
		}
		a.kind = KindFrame
		a.state = stateDone
		return true
	case stateDiscard:
		if b == frameEnd {
			a.kind = KindUnrecognized
			a.state = stateDone
			return true
		}
	}
	return false
}

func (a *ResponseAnalyzer) discard(format string, args ...interface{}) {
	a.err = "unrecognized frame: " + fmt.Sprintf(format, args...)
	a.state = stateDiscard
}

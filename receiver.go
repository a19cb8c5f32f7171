package espboot

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
)

// RecvResult is the outcome of one Receiver run.
type RecvResult int

const (
	// RecvEmpty means the run has not produced a result yet.
	RecvEmpty RecvResult = iota
	// RecvMatch means the analyzer completed a unit.
	RecvMatch
	// RecvTimeout means the completion timeout expired.
	RecvTimeout
	// RecvIntervalTimeout means no byte arrived for the interval timeout
	// after at least one byte was received.
	RecvIntervalTimeout
	// RecvCancel means the context was cancelled.
	RecvCancel
)

func (r RecvResult) String() string {
	switch r {
	case RecvEmpty:
		return "empty"
	case RecvMatch:
		return "match"
	case RecvTimeout:
		return "timeout"
	case RecvIntervalTimeout:
		return "interval timeout"
	case RecvCancel:
		return "cancel"
	default:
		return "invalid"
	}
}

// ReceiverConfig holds the poll period and default timeouts of a Receiver.
type ReceiverConfig struct {
	PollInterval    time.Duration
	CompleteTimeout time.Duration
	IntervalTimeout time.Duration
}

const maxDrainPasses = 16

// Receiver polls a port, feeds new bytes to an Analyzer and classifies the
// outcome. It owns the receive window; only Run and Drain mutate it.
type Receiver struct {
	port   io.Reader
	cfg    ReceiverConfig
	window Window

	pollTimer     Timer
	completeTimer Timer
	intervalTimer Timer
}

// NewReceiver creates a receiver reading from port.
func NewReceiver(port io.Reader, cfg ReceiverConfig) *Receiver {
	return &Receiver{port: port, cfg: cfg}
}

// Window exposes the receive window, mostly for inspection.
func (r *Receiver) Window() *Window {
	return &r.window
}

// Reset discards any buffered bytes.
func (r *Receiver) Reset() {
	r.window.Reset()
}

type runSettings struct {
	complete time.Duration
	interval time.Duration
}

// RunOption overrides a default timeout for a single run.
type RunOption func(*runSettings)

// WithCompleteTimeout sets the time allowed for the whole receive attempt.
func WithCompleteTimeout(d time.Duration) RunOption {
	return func(s *runSettings) {
		if d > 0 {
			s.complete = d
		}
	}
}

// WithIntervalTimeout sets the maximum silence allowed once data has started.
func WithIntervalTimeout(d time.Duration) RunOption {
	return func(s *runSettings) {
		if d > 0 {
			s.interval = d
		}
	}
}

// Run polls the port until a completes a unit, a timeout fires or ctx is
// cancelled. Cancellation is observed once per poll cycle and takes
// precedence over everything else. a.Finish is always called before Run
// returns. An error is returned only for transport failures.
func (r *Receiver) Run(ctx context.Context, a Analyzer, opts ...RunOption) (RecvResult, error) {
	s := runSettings{
		complete: r.cfg.CompleteTimeout,
		interval: r.cfg.IntervalTimeout,
	}
	for _, opt := range opts {
		opt(&s)
	}

	r.window.Result = RecvEmpty
	r.completeTimer.Start()
	r.intervalTimer.Stop()
	defer a.Finish(&r.window)

	for {
		r.pollTimer.Start()
		result, err := r.poll(ctx, a, s)
		if err != nil {
			return RecvEmpty, err
		}
		if result != RecvEmpty {
			r.window.Result = result
			return result, nil
		}
		// a cancelled wait is picked up at the top of the next cycle
		r.pollTimer.Wait(ctx, r.cfg.PollInterval)
	}
}

func (r *Receiver) poll(ctx context.Context, a Analyzer, s runSettings) (RecvResult, error) {
	select {
	case <-ctx.Done():
		return RecvCancel, nil
	default:
	}

	if r.completeTimer.Elapsed(s.complete) {
		return RecvTimeout, nil
	}
	if r.intervalTimer.Running() && r.intervalTimer.Elapsed(s.interval) {
		return RecvIntervalTimeout, nil
	}

	// Only read once everything buffered has been analyzed, so a read that
	// delivered more than one frame is handed over frame by frame.
	if r.window.Empty() {
		r.window.Compact()
		n, err := r.port.Read(r.window.Free())
		if err != nil && !isNoData(err) {
			return RecvEmpty, errors.Wrap(err, "serial read failed")
		}
		if n == 0 {
			return RecvEmpty, nil
		}
		r.window.Commit(n)
		r.intervalTimer.Start()
	}

	matched := a.Analyze(&r.window)
	r.window.Compact()
	if matched {
		r.window.Stamp = r.intervalTimer.Time()
		return RecvMatch, nil
	}
	return RecvEmpty, nil
}

// Drain reads and discards output until the port stays silent for a full
// quiet period. It returns the number of passes that saw data.
func (r *Receiver) Drain(ctx context.Context, a *ResponseAnalyzer, quiet time.Duration) (int, error) {
	passes := 0
	for passes < maxDrainPasses {
		a.Reset(ModeAuto)
		result, err := r.Run(ctx, a, WithCompleteTimeout(quiet), WithIntervalTimeout(quiet))
		if err != nil {
			return passes, err
		}
		if result == RecvCancel {
			return passes, ctx.Err()
		}
		if a.Kind() == KindNone {
			return passes, nil
		}
		passes++
		pkgLog.Debugf("drained %v: %v", a.Kind(), a)
	}
	pkgLog.Warnf("output still arriving after %d drain passes", passes)
	return passes, nil
}

func isNoData(err error) bool {
	return err == io.EOF || os.IsTimeout(err)
}

package espboot

import (
	"sync"
	"time"
)

// chunk is delivered by fakePort once its delay since the previous chunk
// (or since the port was armed) has passed.
type chunk struct {
	delay time.Duration
	data  []byte
}

type lineEvent struct {
	line  string
	level bool
}

// fakePort is a scripted Port. Each write pops the next scripted reply and
// arms it for reading; unsolicited chunks can be queued with feed.
type fakePort struct {
	mu      sync.Mutex
	pending []chunk
	armed   time.Time
	replies [][]chunk
	writes  [][]byte
	lines   []lineEvent
	closed  bool

	// onLine, when set, is called after each line change.
	onLine func(p *fakePort)
}

func newFakePort() *fakePort {
	return &fakePort{armed: time.Now()}
}

// feed queues chunks for reading, timed from now.
func (p *fakePort) feed(chunks ...chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feedLocked(chunks...)
}

func (p *fakePort) feedLocked(chunks ...chunk) {
	if len(p.pending) == 0 {
		p.armed = time.Now()
	}
	p.pending = append(p.pending, chunks...)
}

// reply scripts the chunks delivered after the next write.
func (p *fakePort) reply(chunks ...chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, chunks)
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return 0, nil
	}
	next := &p.pending[0]
	if time.Since(p.armed) < next.delay {
		return 0, nil
	}
	n := copy(b, next.data)
	next.data = next.data[n:]
	if len(next.data) == 0 {
		p.pending = p.pending[1:]
		p.armed = time.Now()
	}
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte{}, b...))
	if len(p.replies) > 0 {
		p.feedLocked(p.replies[0]...)
		p.replies = p.replies[1:]
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) SetRTS(v bool) error { return p.setLine("rts", v) }
func (p *fakePort) SetDTR(v bool) error { return p.setLine("dtr", v) }

func (p *fakePort) setLine(name string, v bool) error {
	p.mu.Lock()
	p.lines = append(p.lines, lineEvent{name, v})
	hook := p.onLine
	p.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *fakePort) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writes)
}

func now(data ...byte) chunk {
	return chunk{data: data}
}

func after(d time.Duration, data ...byte) chunk {
	return chunk{delay: d, data: data}
}

// responseFrame encodes a device to host frame.
func responseFrame(cmd Command, value uint32, data ...byte) []byte {
	b := Request{Command: cmd, Size: uint16(len(data)), Value: value, Data: data}.Bytes()
	b[1] = dirResponse
	return b
}

func join(parts ...[]byte) []byte {
	var b []byte
	for _, p := range parts {
		b = append(b, p...)
	}
	return b
}

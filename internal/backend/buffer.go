package backend

import "sync"

// pcmBuffer accumulates inbound PCM16LE bytes between commits. When the cap
// is exceeded the oldest bytes are evicted so the end of the utterance, which
// carries the most recent speech, survives.
type pcmBuffer struct {
	mu      sync.Mutex
	data    []byte
	max     int
	evicted int
}

func newPCMBuffer(max int) *pcmBuffer {
	if max <= 0 {
		max = 10 << 20
	}
	return &pcmBuffer{max: max}
}

// Append adds b and reports how many old bytes were evicted to stay under
// the cap.
func (p *pcmBuffer) Append(b []byte) (evicted int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data = append(p.data, b...)
	if over := len(p.data) - p.max; over > 0 {
		p.data = p.data[over:]
		p.evicted += over
		evicted = over
	}
	return evicted
}

// Take returns the buffered bytes and resets the buffer.
func (p *pcmBuffer) Take() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.data
	p.data = nil
	return out
}

func (p *pcmBuffer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.data)
}

func (p *pcmBuffer) Evicted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evicted
}

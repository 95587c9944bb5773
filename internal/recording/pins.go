package recording

import (
	"sync"

	"github.com/google/uuid"
)

// PinSet arbitrates between extraction jobs reading segments and the
// retention pruner deleting them. Readers pin a stream; the pruner
// takes the exclusive side and waits for readers to drain.
type PinSet struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.RWMutex
}

func NewPinSet() *PinSet {
	return &PinSet{locks: map[uuid.UUID]*sync.RWMutex{}}
}

func (p *PinSet) lockFor(streamID uuid.UUID) *sync.RWMutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[streamID]
	if !ok {
		l = &sync.RWMutex{}
		p.locks[streamID] = l
	}
	return l
}

// Pin holds the stream's segments against deletion. The returned
// function releases the pin.
func (p *PinSet) Pin(streamID uuid.UUID) func() {
	l := p.lockFor(streamID)
	l.RLock()
	return l.RUnlock
}

// Exclusive blocks until no pins are held, then holds off new ones.
func (p *PinSet) Exclusive(streamID uuid.UUID) func() {
	l := p.lockFor(streamID)
	l.Lock()
	return l.Unlock
}

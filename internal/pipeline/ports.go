package pipeline

import (
	"fmt"
	"hash/fnv"
	"net"
	"sync"

	"github.com/google/uuid"
)

// PortBroker hands out UDP ports from a configured range for RTP
// ingress, one per active stream. The deterministic stream->port
// mapping is an optimization only; the ownership maps are authoritative.
type PortBroker struct {
	min int
	max int

	mu       sync.Mutex
	byPort   map[int]uuid.UUID
	byStream map[uuid.UUID]int
}

func NewPortBroker(min, max int) *PortBroker {
	return &PortBroker{
		min:      min,
		max:      max,
		byPort:   map[int]uuid.UUID{},
		byStream: map[uuid.UUID]int{},
	}
}

// Reserve assigns a port to the stream. Re-reserving for the same
// stream returns the existing assignment.
func (b *PortBroker) Reserve(streamID uuid.UUID) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if port, ok := b.byStream[streamID]; ok {
		return port, nil
	}

	size := b.max - b.min + 1
	start := int(hashID(streamID) % uint32(size))

	for i := 0; i < size; i++ {
		port := b.min + (start+i)%size
		if _, held := b.byPort[port]; held {
			continue
		}
		if !probeUDP(port) {
			continue
		}
		b.byPort[port] = streamID
		b.byStream[streamID] = port
		return port, nil
	}
	return 0, ErrNoPortsAvailable
}

// Release reclaims the stream's port. Idempotent.
func (b *PortBroker) Release(streamID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if port, ok := b.byStream[streamID]; ok {
		delete(b.byPort, port)
		delete(b.byStream, streamID)
	}
}

// Held reports the port currently assigned to the stream, if any.
func (b *PortBroker) Held(streamID uuid.UUID) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	port, ok := b.byStream[streamID]
	return port, ok
}

// InUse reports how many ports are currently reserved.
func (b *PortBroker) InUse() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byPort)
}

func hashID(id uuid.UUID) uint32 {
	h := fnv.New32a()
	h.Write(id[:])
	return h.Sum32()
}

// probeUDP checks the port is actually bindable right now. Something
// outside the broker may hold it (another process, TIME_WAIT).
func probeUDP(port int) bool {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (b *PortBroker) String() string {
	return fmt.Sprintf("PortBroker[%d-%d, %d in use]", b.min, b.max, b.InUse())
}

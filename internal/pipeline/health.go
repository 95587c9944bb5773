package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-mediagw/internal/data"
	"github.com/technosupport/ts-mediagw/internal/sfu"
)

// HealthReport is the latest sample for one LIVE stream, served on the
// stream detail endpoint.
type HealthReport struct {
	StreamID        uuid.UUID `json:"stream_id"`
	ProducerRef     string    `json:"producer_ref"`
	Bitrate         int64     `json:"bitrate"`
	PacketsReceived int64     `json:"packets_received"`
	PacketsLost     int64     `json:"packets_lost"`
	Jitter          int64     `json:"jitter"`
	FractionLost    int64     `json:"fraction_lost"`
	Score           int       `json:"score"`
	Stale           bool      `json:"stale"`
	FlatWindows     int       `json:"flat_windows"`
	SampledAt       time.Time `json:"sampled_at"`
}

// HealthMonitor polls producer counters on a fixed interval. A LIVE
// stream whose packetsReceived has not moved for StaleThreshold
// consecutive windows is declared unhealthy and its coordinator
// restarts the pipeline.
type HealthMonitor struct {
	registry  *Registry
	sfuClient *sfu.Client

	Interval       time.Duration
	StaleThreshold int
	Cooldown       time.Duration // grace after going LIVE before staleness counts

	mu      sync.RWMutex
	reports map[uuid.UUID]*HealthReport
	lastRx  map[uuid.UUID]int64
	flat    map[uuid.UUID]int
}

func NewHealthMonitor(registry *Registry, sfuClient *sfu.Client, interval time.Duration, staleThreshold int, cooldown time.Duration) *HealthMonitor {
	if interval == 0 {
		interval = 10 * time.Second
	}
	if staleThreshold == 0 {
		staleThreshold = 3
	}
	return &HealthMonitor{
		registry:       registry,
		sfuClient:      sfuClient,
		Interval:       interval,
		StaleThreshold: staleThreshold,
		Cooldown:       cooldown,
		reports:        map[uuid.UUID]*HealthReport{},
		lastRx:         map[uuid.UUID]int64{},
		flat:           map[uuid.UUID]int{},
	}
}

// Run blocks until ctx is cancelled.
func (h *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sample(ctx)
		}
	}
}

func (h *HealthMonitor) sample(ctx context.Context) {
	live := map[uuid.UUID]*Coordinator{}
	for id, c := range h.registry.All() {
		if c.State() == data.StreamLive && c.ProducerRef() != "" {
			live[id] = c
		}
	}
	h.dropDeparted(live)
	if len(live) == 0 {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, h.Interval/2)
	stats, err := h.sfuClient.GetAllProducerStats(callCtx)
	cancel()
	if err != nil {
		// A control-channel blip is not evidence of a dead stream.
		log.Printf("[health] producer stats unavailable: %v", err)
		return
	}

	byProducer := make(map[string]sfu.ProducerStats, len(stats))
	for _, s := range stats {
		byProducer[s.ProducerID] = s
	}

	now := time.Now()
	for id, c := range live {
		s, ok := byProducer[c.ProducerRef()]
		if !ok {
			// The SFU no longer knows the producer. Same treatment as
			// flat counters, without waiting for the window budget.
			log.Printf("[health] stream %s producer %s missing from stats", id, c.ProducerRef())
			c.MarkUnhealthy("producer missing from media router")
			h.reset(id)
			continue
		}

		h.mu.Lock()
		prev, seen := h.lastRx[id]
		h.lastRx[id] = s.PacketsReceived

		if seen && s.PacketsReceived == prev && now.Sub(c.LiveSince()) > h.Cooldown {
			h.flat[id]++
		} else {
			h.flat[id] = 0
		}
		flat := h.flat[id]

		h.reports[id] = &HealthReport{
			StreamID:        id,
			ProducerRef:     c.ProducerRef(),
			Bitrate:         s.Bitrate,
			PacketsReceived: s.PacketsReceived,
			PacketsLost:     s.PacketsLost,
			Jitter:          s.Jitter,
			FractionLost:    s.FractionLost,
			Score:           s.Score,
			Stale:           flat >= h.StaleThreshold,
			FlatWindows:     flat,
			SampledAt:       now,
		}
		h.mu.Unlock()

		if flat >= h.StaleThreshold {
			log.Printf("[health] stream %s flat for %d windows, restarting", id, flat)
			c.MarkUnhealthy("media counters flat")
			h.reset(id)
		}
	}
}

// Report returns the latest sample for the stream, nil when the stream
// has not been sampled since going LIVE.
func (h *HealthMonitor) Report(streamID uuid.UUID) *HealthReport {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.reports[streamID]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

func (h *HealthMonitor) reset(id uuid.UUID) {
	h.mu.Lock()
	delete(h.lastRx, id)
	delete(h.flat, id)
	delete(h.reports, id)
	h.mu.Unlock()
}

func (h *HealthMonitor) dropDeparted(live map[uuid.UUID]*Coordinator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.lastRx {
		if _, ok := live[id]; !ok {
			delete(h.lastRx, id)
			delete(h.flat, id)
			delete(h.reports, id)
		}
	}
}

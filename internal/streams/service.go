package streams

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-mediagw/internal/data"
	"github.com/technosupport/ts-mediagw/internal/pipeline"
	"github.com/technosupport/ts-mediagw/internal/sfu"
)

// Service orchestrates stream lifecycles: one pipeline coordinator per
// active stream, indexed by the registry.
type Service struct {
	models   data.Models
	registry *pipeline.Registry
	sfu      *sfu.Client
	health   *pipeline.HealthMonitor
	deps     pipeline.Deps
	set      pipeline.Settings
}

func NewService(models data.Models, registry *pipeline.Registry, sfuClient *sfu.Client,
	health *pipeline.HealthMonitor, deps pipeline.Deps, set pipeline.Settings) *Service {
	return &Service{
		models:   models,
		registry: registry,
		sfu:      sfuClient,
		health:   health,
		deps:     deps,
		set:      set,
	}
}

// StreamDetail is the full view served on GET /streams/{id}.
type StreamDetail struct {
	Stream          *data.Stream           `json:"stream"`
	Producer        *data.Producer         `json:"producer,omitempty"`
	ActiveConsumers int                    `json:"active_consumers"`
	Health          *pipeline.HealthReport `json:"health,omitempty"`
}

// StartResult is the start-stream outcome: the stream, its active
// producer ref, and whether an already running stream was matched
// instead of starting a new one.
type StartResult struct {
	Stream     *data.Stream
	ProducerID string
	Reconnect  bool
}

// StartStream activates ingest for the device. A device holds at most
// one non-terminal stream: matching a running one returns its
// identifiers with Reconnect set and performs no work, while an ERROR
// stream is restarted in place. A fresh start blocks until the stream
// settles (LIVE or ERROR) or the start deadline passes.
func (s *Service) StartStream(ctx context.Context, deviceID uuid.UUID) (*StartResult, error) {
	device, err := s.models.Devices.GetByID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}

	existing, err := s.models.Streams.GetActiveByCamera(ctx, deviceID)
	if err != nil && !errors.Is(err, data.ErrRecordNotFound) {
		return nil, err
	}

	if existing != nil && existing.State != data.StreamError {
		return s.startResult(ctx, existing.ID, true)
	}

	if existing != nil {
		// Restart the errored stream in place.
		coord := s.coordinatorFor(existing, device.RtspURL)
		if err := coord.Start(ctx, false); err != nil && !errors.Is(err, pipeline.ErrAlreadyRunning) {
			return nil, err
		}
		s.awaitSettled(ctx, coord)
		return s.startResult(ctx, existing.ID, false)
	}

	stream := &data.Stream{
		CameraID: deviceID,
		State:    data.StreamInitializing,
	}
	if err := s.models.Streams.Create(ctx, stream); err != nil {
		if data.IsUniqueViolation(err) {
			// Lost a race with a concurrent start; report theirs.
			if winner, werr := s.models.Streams.GetActiveByCamera(ctx, deviceID); werr == nil {
				return s.startResult(ctx, winner.ID, true)
			}
			return nil, ErrStreamExists
		}
		return nil, err
	}

	coord := pipeline.NewCoordinator(stream.ID, deviceID, device.RtspURL, stream.State, s.deps, s.set)
	winner, inserted := s.registry.Insert(stream.ID, coord)
	if !inserted {
		coord.Close(ctx)
		coord = winner
	}

	if err := coord.Start(ctx, false); err != nil && !errors.Is(err, pipeline.ErrAlreadyRunning) {
		return nil, err
	}
	s.awaitSettled(ctx, coord)
	return s.startResult(ctx, stream.ID, false)
}

// awaitSettled blocks until the coordinator leaves INITIALIZING/READY
// or the start deadline elapses. The coordinator enforces its own
// deadline and parks the stream in ERROR, so timing out here only
// means the caller sees an intermediate state.
func (s *Service) awaitSettled(ctx context.Context, coord *pipeline.Coordinator) {
	deadline := time.NewTimer(s.set.StartDeadline)
	defer deadline.Stop()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()

	for {
		switch coord.State() {
		case data.StreamInitializing, data.StreamReady:
		default:
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

func (s *Service) startResult(ctx context.Context, streamID uuid.UUID, reconnect bool) (*StartResult, error) {
	stream, err := s.models.Streams.GetByID(ctx, streamID)
	if err != nil {
		return nil, err
	}
	res := &StartResult{Stream: stream, Reconnect: reconnect}
	if producer, err := s.models.Producers.GetActiveByStream(ctx, streamID); err == nil {
		res.ProducerID = producer.SfuID
	}
	return res, nil
}

// StopStream stops whatever non-terminal stream the device holds.
// Idempotent: a device with nothing running is not an error.
func (s *Service) StopStream(ctx context.Context, deviceID uuid.UUID) error {
	if _, err := s.models.Devices.GetByID(ctx, deviceID); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return ErrDeviceNotFound
		}
		return err
	}

	stream, err := s.models.Streams.GetActiveByCamera(ctx, deviceID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	return s.Stop(ctx, stream.ID)
}

// Stop tears the stream down and parks it STOPPED. Idempotent.
func (s *Service) Stop(ctx context.Context, streamID uuid.UUID) error {
	stream, err := s.models.Streams.GetByID(ctx, streamID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return ErrStreamNotFound
		}
		return err
	}

	if coord, ok := s.registry.Get(streamID); ok {
		if err := coord.Stop(ctx); err != nil && !errors.Is(err, pipeline.ErrStreamNotFound) {
			return err
		}
	} else if stream.State != data.StreamStopped && stream.State != data.StreamClosed {
		// No coordinator (gateway restarted); clean up directly.
		if err := s.models.Streams.SetState(ctx, streamID, data.StreamStopped, nil); err != nil {
			return err
		}
		s.models.Streams.ClearIngress(ctx, streamID)
		s.models.Producers.CloseAllForStream(ctx, streamID)
		s.sfu.CloseTransportsForRoom(ctx, streamID.String())
	}

	s.closeConsumers(ctx, streamID, "stream stopped")
	return nil
}

// Delete stops the stream and moves it to its terminal state. The
// recording stays on disk until retention reclaims it.
func (s *Service) Delete(ctx context.Context, streamID uuid.UUID) error {
	stream, err := s.models.Streams.GetByID(ctx, streamID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return ErrStreamNotFound
		}
		return err
	}

	if coord, ok := s.registry.Get(streamID); ok {
		if err := coord.Close(ctx); err != nil && !errors.Is(err, pipeline.ErrStreamNotFound) {
			return err
		}
		s.registry.Remove(streamID)
	} else if stream.State != data.StreamClosed {
		if err := s.models.Streams.SetState(ctx, streamID, data.StreamClosed, nil); err != nil {
			return err
		}
		s.models.Streams.ClearIngress(ctx, streamID)
		s.models.Producers.CloseAllForStream(ctx, streamID)
		s.sfu.CloseTransportsForRoom(ctx, streamID.String())
	}

	s.closeConsumers(ctx, streamID, "stream deleted")
	return nil
}

// Get assembles the stream detail view.
func (s *Service) Get(ctx context.Context, streamID uuid.UUID) (*StreamDetail, error) {
	stream, err := s.models.Streams.GetByID(ctx, streamID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil, ErrStreamNotFound
		}
		return nil, err
	}

	detail := &StreamDetail{Stream: stream}

	if producer, err := s.models.Producers.GetActiveByStream(ctx, streamID); err == nil {
		detail.Producer = producer
	}
	if active, err := s.models.Consumers.CountActiveForStream(ctx, streamID); err == nil {
		detail.ActiveConsumers = active
	}
	if s.health != nil {
		detail.Health = s.health.Report(streamID)
	}
	return detail, nil
}

// List returns streams matching the filter.
func (s *Service) List(ctx context.Context, filter data.StreamFilter, limit, offset int) ([]*data.Stream, int, error) {
	return s.models.Streams.List(ctx, filter, limit, offset)
}

// RouterCapabilities proxies the SFU router's RTP capability blob,
// which WebRTC clients need before attaching.
func (s *Service) RouterCapabilities(ctx context.Context) (sfu.RtpCapabilities, error) {
	return s.sfu.GetRouterRtpCapabilities(ctx)
}

// Recover rebuilds coordinators for streams left non-terminal by a
// previous process. Their transcoders are gone, so they restart from
// ERROR through the usual retry path.
func (s *Service) Recover(ctx context.Context) error {
	for _, state := range []string{data.StreamInitializing, data.StreamReady, data.StreamLive, data.StreamError} {
		streams, _, err := s.models.Streams.List(ctx, data.StreamFilter{State: state}, 1000, 0)
		if err != nil {
			return err
		}
		for _, stream := range streams {
			if stream.RestartCount > s.set.MaxRestarts {
				// The restart budget was spent before the crash; close
				// instead of looping through another failure cycle.
				msg := "restart budget exhausted"
				if err := s.models.Streams.SetState(ctx, stream.ID, data.StreamClosed, &msg); err != nil {
					log.Printf("[streams] recover %s: close exhausted: %v", stream.ID, err)
					continue
				}
				s.models.Streams.ClearIngress(ctx, stream.ID)
				s.models.Producers.CloseAllForStream(ctx, stream.ID)
				s.closeConsumers(ctx, stream.ID, "stream closed after repeated failures")
				continue
			}

			device, err := s.models.Devices.GetByID(ctx, stream.CameraID)
			if err != nil {
				log.Printf("[streams] recover %s: device lookup: %v", stream.ID, err)
				continue
			}

			if stream.State != data.StreamError {
				msg := "gateway restarted"
				if err := s.models.Streams.SetState(ctx, stream.ID, data.StreamError, &msg); err != nil {
					log.Printf("[streams] recover %s: mark error: %v", stream.ID, err)
					continue
				}
				stream.State = data.StreamError
			}

			coord := s.coordinatorFor(stream, device.RtspURL)
			if err := coord.Start(ctx, true); err != nil && !errors.Is(err, pipeline.ErrAlreadyRunning) {
				log.Printf("[streams] recover %s: start: %v", stream.ID, err)
			}
		}
	}
	return nil
}

// WatchControlChannel reacts to SFU connectivity: on disconnect every
// LIVE or READY stream loses its producer and moves to ERROR for the
// retry cycle.
func (s *Service) WatchControlChannel(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.sfu.Events():
			if !ok {
				return
			}
			if ev.Type != "disconnected" {
				continue
			}
			for id, coord := range s.registry.All() {
				st := coord.State()
				if st == data.StreamLive || st == data.StreamReady {
					log.Printf("[streams] sfu disconnect, failing stream %s", id)
					coord.MarkUnhealthy("media router connection lost")
				}
			}
		}
	}
}

// Shutdown stops every running pipeline without changing stream state
// semantics beyond STOPPED.
func (s *Service) Shutdown(ctx context.Context) {
	for id, coord := range s.registry.All() {
		if err := coord.Stop(ctx); err != nil && !errors.Is(err, pipeline.ErrStreamNotFound) {
			log.Printf("[streams] shutdown %s: %v", id, err)
		}
	}
}

func (s *Service) coordinatorFor(stream *data.Stream, rtspURL string) *pipeline.Coordinator {
	if coord, ok := s.registry.Get(stream.ID); ok {
		return coord
	}
	coord := pipeline.NewCoordinator(stream.ID, stream.CameraID, rtspURL, stream.State, s.deps, s.set)
	winner, inserted := s.registry.Insert(stream.ID, coord)
	if !inserted {
		coord.Close(context.Background())
		return winner
	}
	return coord
}

func (s *Service) closeConsumers(ctx context.Context, streamID uuid.UUID, reason string) {
	refs, err := s.models.Consumers.CloseAllForStream(ctx, streamID, reason)
	if err != nil {
		log.Printf("[streams] close consumers for %s: %v", streamID, err)
		return
	}
	for _, ref := range refs {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		s.sfu.CloseTransport(cctx, ref)
		cancel()
	}
}

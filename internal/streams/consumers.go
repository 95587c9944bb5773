package streams

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-mediagw/internal/data"
	"github.com/technosupport/ts-mediagw/internal/sfu"
)

// ConsumerMetrics is the gauge the service keeps current.
type ConsumerMetrics interface {
	ConsumersActive(n int)
}

// ConsumerService manages WebRTC downstream attachments. Consumers
// are created PENDING with the SFU-side consumer paused; connecting
// the transport resumes media.
type ConsumerService struct {
	models  data.Models
	sfu     *sfu.Client
	metrics ConsumerMetrics

	PendingTTL time.Duration
}

func NewConsumerService(models data.Models, sfuClient *sfu.Client, metrics ConsumerMetrics) *ConsumerService {
	return &ConsumerService{
		models:     models,
		sfu:        sfuClient,
		metrics:    metrics,
		PendingTTL: 30 * time.Second,
	}
}

// AttachResult carries everything the client needs to complete ICE,
// DTLS and consumer setup on its side.
type AttachResult struct {
	ConsumerID     uuid.UUID       `json:"consumer_id"`
	TransportID    string          `json:"transport_id"`
	IceParameters  json.RawMessage `json:"ice_parameters"`
	IceCandidates  json.RawMessage `json:"ice_candidates"`
	DtlsParameters json.RawMessage `json:"dtls_parameters"`
	SfuConsumerID  string          `json:"sfu_consumer_id"`
	ProducerID     string          `json:"producer_id"`
	Kind           string          `json:"kind"`
	RtpParameters  json.RawMessage `json:"rtp_parameters"`
}

// Attach creates a transport and a paused consumer for the client.
// Only LIVE streams accept consumers.
func (s *ConsumerService) Attach(ctx context.Context, streamID uuid.UUID, clientID string, rtpCapabilities json.RawMessage) (*AttachResult, error) {
	stream, err := s.models.Streams.GetByID(ctx, streamID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil, ErrStreamNotFound
		}
		return nil, err
	}
	if stream.State != data.StreamLive {
		return nil, &NotLiveError{CurrentState: stream.State}
	}

	existing, _, err := s.models.Consumers.ListForStream(ctx, streamID)
	if err != nil {
		return nil, err
	}
	for _, c := range existing {
		if c.ClientID == clientID && c.State != data.ConsumerClosed {
			return nil, ErrConsumerExists
		}
	}

	producer, err := s.models.Producers.GetActiveByStream(ctx, streamID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil, &NotLiveError{CurrentState: stream.State}
		}
		return nil, err
	}

	transport, err := s.sfu.CreateWebRtcTransport(ctx, streamID.String())
	if err != nil {
		return nil, err
	}

	consumer, err := s.sfu.CreateConsumer(ctx, transport.ID, producer.SfuID, rtpCapabilities)
	if err != nil {
		s.sfu.CloseTransport(context.Background(), transport.ID)
		return nil, err
	}

	row := &data.Consumer{
		StreamID:      streamID,
		ClientID:      clientID,
		State:         data.ConsumerPending,
		SfuConsumerID: consumer.ID,
		TransportRef:  transport.ID,
	}
	if err := s.models.Consumers.Create(ctx, row); err != nil {
		s.sfu.CloseTransport(context.Background(), transport.ID)
		return nil, err
	}
	s.refreshGauge(ctx)

	return &AttachResult{
		ConsumerID:     row.ID,
		TransportID:    transport.ID,
		IceParameters:  transport.IceParameters,
		IceCandidates:  transport.IceCandidates,
		DtlsParameters: transport.DtlsParameters,
		SfuConsumerID:  consumer.ID,
		ProducerID:     consumer.ProducerID,
		Kind:           consumer.Kind,
		RtpParameters:  consumer.RtpParameters,
	}, nil
}

// Connect finishes the DTLS handshake and resumes media. Connecting an
// already connected consumer just refreshes its liveness.
func (s *ConsumerService) Connect(ctx context.Context, consumerID uuid.UUID, dtlsParameters json.RawMessage) error {
	row, err := s.models.Consumers.GetByID(ctx, consumerID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return ErrConsumerNotFound
		}
		return err
	}

	switch row.State {
	case data.ConsumerClosed:
		return ErrConsumerClosed
	case data.ConsumerConnected:
		return s.models.Consumers.Touch(ctx, consumerID)
	}

	if err := s.sfu.ConnectWebRtcTransport(ctx, row.TransportRef, dtlsParameters); err != nil {
		return err
	}
	if err := s.sfu.ResumeConsumer(ctx, row.SfuConsumerID); err != nil {
		return err
	}

	if err := s.models.Consumers.MarkConnected(ctx, consumerID); err != nil {
		if errors.Is(err, data.ErrEditConflict) {
			// Lost a race with the reaper or a stream stop.
			return ErrConsumerClosed
		}
		return err
	}
	return nil
}

// Detach closes the consumer. Idempotent; detaching an unknown
// consumer is not an error for the caller.
func (s *ConsumerService) Detach(ctx context.Context, consumerID uuid.UUID) error {
	row, err := s.models.Consumers.GetByID(ctx, consumerID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if row.State == data.ConsumerClosed {
		return nil
	}

	if row.TransportRef != "" {
		if err := s.sfu.CloseTransport(ctx, row.TransportRef); err != nil &&
			!errors.Is(err, sfu.ErrSfuDisconnected) && !errors.Is(err, sfu.ErrSfuUnavailable) {
			log.Printf("[consumers] close transport %s: %v", row.TransportRef, err)
		}
	}
	if err := s.models.Consumers.Close(ctx, consumerID, "client detached"); err != nil {
		return err
	}
	s.refreshGauge(ctx)
	return nil
}

// Get returns a single consumer row.
func (s *ConsumerService) Get(ctx context.Context, consumerID uuid.UUID) (*data.Consumer, error) {
	row, err := s.models.Consumers.GetByID(ctx, consumerID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil, ErrConsumerNotFound
		}
		return nil, err
	}
	return row, nil
}

// List returns the stream's consumers with the active count.
func (s *ConsumerService) List(ctx context.Context, streamID uuid.UUID) ([]*data.Consumer, int, error) {
	if _, err := s.models.Streams.GetByID(ctx, streamID); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil, 0, ErrStreamNotFound
		}
		return nil, 0, err
	}
	return s.models.Consumers.ListForStream(ctx, streamID)
}

// RunReaper closes PENDING consumers whose client never connected.
func (s *ConsumerService) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(s.PendingTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapStale(ctx)
		}
	}
}

func (s *ConsumerService) reapStale(ctx context.Context) {
	stale, err := s.models.Consumers.ListStalePending(ctx, s.PendingTTL)
	if err != nil {
		log.Printf("[consumers] reaper list: %v", err)
		return
	}
	for _, c := range stale {
		if c.TransportRef != "" {
			s.sfu.CloseTransport(ctx, c.TransportRef)
		}
		if err := s.models.Consumers.Close(ctx, c.ID, "attach timeout"); err != nil {
			log.Printf("[consumers] reap %s: %v", c.ID, err)
			continue
		}
		log.Printf("[consumers] reaped stale pending consumer %s (stream %s)", c.ID, c.StreamID)
	}
	if len(stale) > 0 {
		s.refreshGauge(ctx)
	}
}

func (s *ConsumerService) refreshGauge(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	// Cheap global count via the models; failures only affect the gauge.
	total := 0
	streams, _, err := s.models.Streams.List(ctx, data.StreamFilter{State: data.StreamLive}, 1000, 0)
	if err != nil {
		return
	}
	for _, st := range streams {
		n, err := s.models.Consumers.CountActiveForStream(ctx, st.ID)
		if err == nil {
			total += n
		}
	}
	s.metrics.ConsumersActive(total)
}

package clips

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-mediagw/internal/data"
	"github.com/technosupport/ts-mediagw/internal/extract"
)

var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrBacklogged    = errors.New("extraction queue full")
	ErrStreamUnknown = errors.New("stream not found")
	ErrStreamNotLive = errors.New("stream is not live")
)

// MaxWindowSeconds caps a bookmark's total clip length.
const MaxWindowSeconds = 300

// futureSkew tolerates client clock drift on "now" snapshots.
const futureSkew = 5 * time.Second

// Service validates snapshot and bookmark requests, persists the
// PROCESSING records and hands the media work to the extraction pool.
type Service struct {
	models   data.Models
	pool     *extract.Pool
	executor *extract.Executor

	// settle is how long past a live bookmark's window the job waits
	// so the last covering segment lands on disk.
	settle time.Duration
}

func NewService(models data.Models, pool *extract.Pool, executor *extract.Executor, segmentSeconds int) *Service {
	return &Service{
		models:   models,
		pool:     pool,
		executor: executor,
		settle:   time.Duration(segmentSeconds+2) * time.Second,
	}
}

// SnapshotRequest is the validated input for snapshot creation. A nil
// Timestamp means "now"; an empty Source is inferred from the stream
// state and the timestamp.
type SnapshotRequest struct {
	StreamID  uuid.UUID
	Source    string // data.SourceLive, data.SourceHistorical or empty
	Timestamp *time.Time
	Metadata  json.RawMessage
}

// CreateSnapshot persists a PROCESSING snapshot and queues the
// extraction. Live streams serve "now" requests straight off the
// source; everything else goes through the recording.
func (s *Service) CreateSnapshot(ctx context.Context, req SnapshotRequest) (*data.Snapshot, error) {
	stream, err := s.models.Streams.GetByID(ctx, req.StreamID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil, ErrStreamUnknown
		}
		return nil, err
	}

	now := time.Now()
	ts := now
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}
	if ts.After(now.Add(futureSkew)) {
		return nil, fmt.Errorf("%w: timestamp is in the future", ErrValidation)
	}

	source := req.Source
	switch source {
	case data.SourceLive:
		if stream.State != data.StreamLive {
			return nil, ErrStreamNotLive
		}
		if now.Sub(ts) >= 2*time.Second {
			return nil, fmt.Errorf("%w: live snapshots capture the current frame; use a historical source for a timestamp", ErrValidation)
		}
	case data.SourceHistorical:
		if req.Timestamp == nil {
			return nil, fmt.Errorf("%w: historical snapshots require a timestamp", ErrValidation)
		}
	case "":
		source = data.SourceHistorical
		if stream.State == data.StreamLive && now.Sub(ts) < 2*time.Second {
			source = data.SourceLive
		}
	default:
		return nil, fmt.Errorf("%w: source must be live or historical", ErrValidation)
	}

	var rtspURL string
	if source == data.SourceLive {
		if device, err := s.models.Devices.GetByID(ctx, stream.CameraID); err == nil {
			rtspURL = device.RtspURL
		}
	}

	snap := &data.Snapshot{
		StreamID:  req.StreamID,
		Timestamp: ts,
		Source:    source,
		Status:    data.ExtractProcessing,
		Metadata:  req.Metadata,
	}
	if err := s.models.Snapshots.Create(ctx, snap); err != nil {
		return nil, err
	}

	job := extract.Job{
		Kind: "snapshot",
		Run: func(jctx context.Context) {
			s.executor.RunSnapshot(jctx, snap, rtspURL)
		},
	}
	if err := s.pool.Enqueue(job); err != nil {
		s.models.Snapshots.Purge(ctx, snap.ID)
		return nil, ErrBacklogged
	}
	return snap, nil
}

func (s *Service) GetSnapshot(ctx context.Context, id uuid.UUID) (*data.Snapshot, error) {
	snap, err := s.models.Snapshots.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if snap.Deleted {
		return nil, ErrNotFound
	}
	return snap, nil
}

func (s *Service) ListSnapshots(ctx context.Context, filter data.SnapshotFilter, limit, offset int) ([]*data.Snapshot, int, error) {
	return s.models.Snapshots.List(ctx, filter, limit, offset)
}

// DeleteSnapshot tombstones in-flight records (the worker purges them
// at completion) and fully removes finished ones.
func (s *Service) DeleteSnapshot(ctx context.Context, id uuid.UUID) error {
	snap, err := s.models.Snapshots.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}

	status, err := s.models.Snapshots.MarkDeleted(ctx, id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	if status == data.ExtractProcessing {
		// The worker observes the tombstone and purges.
		return nil
	}

	if snap.ImagePath != nil {
		if err := os.Remove(*snap.ImagePath); err != nil && !os.IsNotExist(err) {
			log.Printf("[clips] remove snapshot file %s: %v", *snap.ImagePath, err)
		}
	}
	return s.models.Snapshots.Purge(ctx, id)
}

// BookmarkRequest is the validated input for bookmark creation. A live
// source centers the window on "now"; a historical one needs Center. An
// empty Source is inferred from where the window falls.
type BookmarkRequest struct {
	StreamID      uuid.UUID
	Source        string // data.SourceLive, data.SourceHistorical or empty
	Center        time.Time
	BeforeSeconds float64
	AfterSeconds  float64
	Label         string
	EventType     string
	Confidence    *float64
	Tags          []string
	Metadata      json.RawMessage
}

func (r BookmarkRequest) validate() error {
	if r.BeforeSeconds < 0 || r.AfterSeconds < 0 {
		return fmt.Errorf("%w: window seconds must not be negative", ErrValidation)
	}
	if r.BeforeSeconds+r.AfterSeconds <= 0 {
		return fmt.Errorf("%w: window must be longer than zero", ErrValidation)
	}
	if r.BeforeSeconds+r.AfterSeconds > MaxWindowSeconds {
		return fmt.Errorf("%w: window exceeds %d seconds", ErrValidation, MaxWindowSeconds)
	}
	switch r.Source {
	case data.SourceLive, data.SourceHistorical, "":
	default:
		return fmt.Errorf("%w: source must be live or historical", ErrValidation)
	}
	if r.Source != data.SourceLive && r.Center.IsZero() {
		return fmt.Errorf("%w: center timestamp is required", ErrValidation)
	}
	if r.Confidence != nil && (*r.Confidence < 0 || *r.Confidence > 1) {
		return fmt.Errorf("%w: confidence must be within [0,1]", ErrValidation)
	}
	return nil
}

// CreateBookmark persists a PROCESSING bookmark and queues clip
// extraction. Windows that extend past now wait until the recording
// catches up before the job runs.
func (s *Service) CreateBookmark(ctx context.Context, req BookmarkRequest) (*data.Bookmark, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	stream, err := s.models.Streams.GetByID(ctx, req.StreamID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil, ErrStreamUnknown
		}
		return nil, err
	}

	now := time.Now()
	center := req.Center
	if req.Source == data.SourceLive {
		if stream.State != data.StreamLive {
			return nil, ErrStreamNotLive
		}
		if center.IsZero() {
			center = now
		}
	}

	start := center.Add(-time.Duration(req.BeforeSeconds * float64(time.Second)))
	end := center.Add(time.Duration(req.AfterSeconds * float64(time.Second)))

	if start.After(now.Add(futureSkew)) {
		return nil, fmt.Errorf("%w: window is entirely in the future", ErrValidation)
	}
	if req.Source == data.SourceHistorical && end.After(now.Add(futureSkew)) {
		return nil, fmt.Errorf("%w: a historical window must lie in the past", ErrValidation)
	}

	source := req.Source
	if source == "" {
		source = data.SourceHistorical
		if end.After(now) {
			source = data.SourceLive
		}
	}
	var notBefore time.Time
	if end.After(now) {
		// Wait until the last covering segment lands on disk.
		notBefore = end.Add(s.settle)
	}

	bm := &data.Bookmark{
		StreamID:        req.StreamID,
		CenterTimestamp: center,
		StartTime:       start,
		EndTime:         end,
		DurationSeconds: req.BeforeSeconds + req.AfterSeconds,
		Source:          source,
		Label:           req.Label,
		EventType:       req.EventType,
		Confidence:      req.Confidence,
		Tags:            req.Tags,
		Status:          data.ExtractProcessing,
		Metadata:        req.Metadata,
	}
	if err := s.models.Bookmarks.Create(ctx, bm); err != nil {
		return nil, err
	}

	job := extract.Job{
		Kind:      "bookmark",
		NotBefore: notBefore,
		Run: func(jctx context.Context) {
			s.executor.RunBookmark(jctx, bm)
		},
	}
	if err := s.pool.Enqueue(job); err != nil {
		s.models.Bookmarks.Purge(ctx, bm.ID)
		return nil, ErrBacklogged
	}
	return bm, nil
}

func (s *Service) GetBookmark(ctx context.Context, id uuid.UUID) (*data.Bookmark, error) {
	bm, err := s.models.Bookmarks.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if bm.Deleted {
		return nil, ErrNotFound
	}
	return bm, nil
}

func (s *Service) ListBookmarks(ctx context.Context, filter data.BookmarkFilter, limit, offset int) ([]*data.Bookmark, int, error) {
	return s.models.Bookmarks.List(ctx, filter, limit, offset)
}

// UpdateBookmark edits the descriptive fields only; the clip itself is
// immutable once extracted.
func (s *Service) UpdateBookmark(ctx context.Context, id uuid.UUID, label, eventType string, tags []string) (*data.Bookmark, error) {
	if err := s.models.Bookmarks.UpdateLabels(ctx, id, label, eventType, tags); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.GetBookmark(ctx, id)
}

// DeleteBookmark mirrors DeleteSnapshot: tombstone while PROCESSING,
// purge with artifacts otherwise.
func (s *Service) DeleteBookmark(ctx context.Context, id uuid.UUID) error {
	bm, err := s.models.Bookmarks.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}

	status, err := s.models.Bookmarks.MarkDeleted(ctx, id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	if status == data.ExtractProcessing {
		return nil
	}

	for _, path := range []*string{bm.VideoPath, bm.ThumbnailPath} {
		if path != nil && *path != "" {
			if err := os.Remove(*path); err != nil && !os.IsNotExist(err) {
				log.Printf("[clips] remove bookmark file %s: %v", *path, err)
			}
		}
	}
	return s.models.Bookmarks.Purge(ctx, id)
}

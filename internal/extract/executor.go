package extract

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-mediagw/internal/data"
	"github.com/technosupport/ts-mediagw/internal/events"
	"github.com/technosupport/ts-mediagw/internal/recording"
)

// EventSink receives extraction lifecycle events.
type EventSink interface {
	PublishExtractEvent(ctx context.Context, resourceID, streamID uuid.UUID, event string, fields map[string]any)
}

// Recorder is the metrics surface for finished jobs.
type Recorder interface {
	ExtractJobFinished(kind, outcome string, seconds float64)
}

type nopSink struct{}

func (nopSink) PublishExtractEvent(context.Context, uuid.UUID, uuid.UUID, string, map[string]any) {}

type nopRecorder struct{}

func (nopRecorder) ExtractJobFinished(string, string, float64) {}

type Config struct {
	FFmpegPath         string
	SnapshotsRoot      string
	BookmarksRoot      string
	LiveDeadline       time.Duration
	HistoricalDeadline time.Duration
	ClipDeadline       time.Duration
}

// Executor performs the actual media extraction for snapshot and
// bookmark records. The records are created PROCESSING by the API
// layer; the executor moves them to READY or FAILED, honoring the
// deletion tombstone on the way out.
type Executor struct {
	cfg Config
	run runner

	index     *recording.Index
	pins      *recording.PinSet
	guard     *recording.DiskGuard
	snapshots data.SnapshotModel
	bookmarks data.BookmarkModel
	sink      EventSink
	metrics   Recorder
}

func NewExecutor(cfg Config, index *recording.Index, pins *recording.PinSet, guard *recording.DiskGuard,
	snapshots data.SnapshotModel, bookmarks data.BookmarkModel, sink EventSink, metrics Recorder) *Executor {
	if sink == nil {
		sink = nopSink{}
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Executor{
		cfg:       cfg,
		run:       runner{ffmpegPath: cfg.FFmpegPath},
		index:     index,
		pins:      pins,
		guard:     guard,
		snapshots: snapshots,
		bookmarks: bookmarks,
		sink:      sink,
		metrics:   metrics,
	}
}

// RunSnapshot extracts a still for the given PROCESSING record.
// rtspURL is the live source; empty means historical-only.
func (e *Executor) RunSnapshot(ctx context.Context, snap *data.Snapshot, rtspURL string) {
	started := time.Now()
	outcome := "ready"
	defer func() {
		e.metrics.ExtractJobFinished("snapshot", outcome, time.Since(started).Seconds())
	}()

	if e.guard != nil && e.guard.Level() >= recording.DiskKill {
		outcome = "failed"
		e.failSnapshot(snap, ReasonDiskFull)
		return
	}

	outPath, err := e.outputPath(e.cfg.SnapshotsRoot, snap.StreamID, snap.ID, ".jpg")
	if err != nil {
		outcome = "failed"
		e.failSnapshot(snap, ReasonExtractionError)
		return
	}

	var stderr string
	if snap.Source == data.SourceLive && rtspURL != "" {
		stderr, err = e.run.snapshotFromLive(ctx, e.cfg.LiveDeadline, rtspURL, outPath)
		if err != nil {
			// The source may have dropped between request and worker
			// pickup; recent recording can still satisfy the request.
			log.Printf("[extract] snapshot %s live grab failed (%v), trying recording", snap.ID, err)
			stderr, err = e.snapshotFromRecording(ctx, snap, outPath)
		}
	} else {
		stderr, err = e.snapshotFromRecording(ctx, snap, outPath)
	}

	if err != nil {
		outcome = "failed"
		os.Remove(outPath)
		reason := classifyFailure(err, stderr)
		if errors.Is(err, recording.ErrNoRecording) {
			reason = ReasonNoRecordingData
		}
		e.failSnapshot(snap, reason)
		return
	}

	if e.snapshotTombstoned(snap.ID) {
		outcome = "cancelled"
		os.Remove(outPath)
		e.purgeSnapshot(snap.ID)
		return
	}

	if err := e.snapshots.MarkReady(context.Background(), snap.ID, outPath); err != nil {
		// Lost the race with a delete; clean up the artifact.
		outcome = "cancelled"
		os.Remove(outPath)
		return
	}
	e.sink.PublishExtractEvent(context.Background(), snap.ID, snap.StreamID,
		events.EventSnapshotReady, map[string]any{"image_path": outPath})
}

func (e *Executor) snapshotFromRecording(ctx context.Context, snap *data.Snapshot, outPath string) (string, error) {
	unpin := e.pins.Pin(snap.StreamID)
	defer unpin()

	seg, offset, err := e.index.Lookup(snap.StreamID, snap.Timestamp)
	if err != nil {
		return "", err
	}
	return e.run.snapshotFromSegment(ctx, e.cfg.HistoricalDeadline, seg.Path, offset, outPath)
}

// RunBookmark extracts the clip and thumbnail for a PROCESSING
// bookmark. The window is truncated to available coverage rather than
// failed when it brushes the retention horizon.
func (e *Executor) RunBookmark(ctx context.Context, bm *data.Bookmark) {
	started := time.Now()
	outcome := "ready"
	defer func() {
		e.metrics.ExtractJobFinished("bookmark", outcome, time.Since(started).Seconds())
	}()

	if e.guard != nil && e.guard.Level() >= recording.DiskKill {
		outcome = "failed"
		e.failBookmark(bm, ReasonDiskFull)
		return
	}

	videoPath, err := e.outputPath(e.cfg.BookmarksRoot, bm.StreamID, bm.ID, ".mp4")
	if err != nil {
		outcome = "failed"
		e.failBookmark(bm, ReasonExtractionError)
		return
	}
	thumbPath := videoPath[:len(videoPath)-len(".mp4")] + ".jpg"

	unpin := e.pins.Pin(bm.StreamID)
	stderr, from, to, err := e.extractClip(ctx, bm, videoPath)
	unpin()

	if err != nil {
		outcome = "failed"
		os.Remove(videoPath)
		reason := classifyFailure(err, stderr)
		if errors.Is(err, recording.ErrNoRecording) {
			reason = ReasonNoRecordingData
		}
		e.failBookmark(bm, reason)
		return
	}

	if stderr, err = e.run.thumbnail(ctx, e.cfg.HistoricalDeadline, videoPath, to.Sub(from), thumbPath); err != nil {
		// A clip without a thumbnail is still useful; log and go on.
		log.Printf("[extract] bookmark %s thumbnail failed: %v (%s)", bm.ID, err, tailString(stderr, 200))
		thumbPath = ""
	}

	if e.bookmarkTombstoned(bm.ID) {
		outcome = "cancelled"
		os.Remove(videoPath)
		if thumbPath != "" {
			os.Remove(thumbPath)
		}
		e.purgeBookmark(bm.ID)
		return
	}

	if err := e.bookmarks.MarkReady(context.Background(), bm.ID, videoPath, thumbPath); err != nil {
		outcome = "cancelled"
		os.Remove(videoPath)
		if thumbPath != "" {
			os.Remove(thumbPath)
		}
		return
	}
	e.sink.PublishExtractEvent(context.Background(), bm.ID, bm.StreamID,
		events.EventBookmarkReady, map[string]any{
			"video_path":     videoPath,
			"thumbnail_path": thumbPath,
			"start":          from,
			"end":            to,
		})
}

func (e *Executor) extractClip(ctx context.Context, bm *data.Bookmark, videoPath string) (string, time.Time, time.Time, error) {
	from, to := bm.StartTime, bm.EndTime

	// Truncate against what actually exists on disk.
	covFrom, covTo, err := e.index.Coverage(bm.StreamID)
	if err != nil {
		return "", from, to, err
	}
	if from.Before(covFrom) {
		from = covFrom
	}
	if to.After(covTo) {
		to = covTo
	}
	if !from.Before(to) {
		return "", from, to, recording.ErrNoRecording
	}

	segs, err := e.index.Range(bm.StreamID, from, to)
	if err != nil {
		return "", from, to, err
	}

	stderr, err := e.run.clipFromSegments(ctx, e.cfg.ClipDeadline, segs, from, to, videoPath)
	return stderr, from, to, err
}

func (e *Executor) outputPath(root string, streamID, id uuid.UUID, ext string) (string, error) {
	dir := filepath.Join(root, streamID.String())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return filepath.Join(dir, id.String()+ext), nil
}

func (e *Executor) failSnapshot(snap *data.Snapshot, reason string) {
	if e.snapshotTombstoned(snap.ID) {
		e.purgeSnapshot(snap.ID)
		return
	}
	if err := e.snapshots.MarkFailed(context.Background(), snap.ID, reason); err != nil {
		log.Printf("[extract] snapshot %s mark failed: %v", snap.ID, err)
		return
	}
	e.sink.PublishExtractEvent(context.Background(), snap.ID, snap.StreamID,
		events.EventSnapshotFailed, map[string]any{"reason": reason})
}

func (e *Executor) failBookmark(bm *data.Bookmark, reason string) {
	if e.bookmarkTombstoned(bm.ID) {
		e.purgeBookmark(bm.ID)
		return
	}
	if err := e.bookmarks.MarkFailed(context.Background(), bm.ID, reason); err != nil {
		log.Printf("[extract] bookmark %s mark failed: %v", bm.ID, err)
		return
	}
	e.sink.PublishExtractEvent(context.Background(), bm.ID, bm.StreamID,
		events.EventBookmarkFailed, map[string]any{"reason": reason})
}

func (e *Executor) snapshotTombstoned(id uuid.UUID) bool {
	s, err := e.snapshots.GetByID(context.Background(), id)
	if err != nil {
		return errors.Is(err, data.ErrRecordNotFound)
	}
	return s.Deleted
}

func (e *Executor) bookmarkTombstoned(id uuid.UUID) bool {
	b, err := e.bookmarks.GetByID(context.Background(), id)
	if err != nil {
		return errors.Is(err, data.ErrRecordNotFound)
	}
	return b.Deleted
}

func (e *Executor) purgeSnapshot(id uuid.UUID) {
	if err := e.snapshots.Purge(context.Background(), id); err != nil {
		log.Printf("[extract] purge snapshot %s: %v", id, err)
	}
}

func (e *Executor) purgeBookmark(id uuid.UUID) {
	if err := e.bookmarks.Purge(context.Background(), id); err != nil {
		log.Printf("[extract] purge bookmark %s: %v", id, err)
	}
}

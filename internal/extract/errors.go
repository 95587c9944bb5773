package extract

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrQueueFull = errors.New("extraction queue full")
	ErrCancelled = errors.New("extraction cancelled")
)

// Failure reasons persisted on the record and reported to clients.
const (
	ReasonNoRecordingData   = "NO_RECORDING_DATA"
	ReasonExtractionTimeout = "EXTRACTION_TIMEOUT"
	ReasonDiskFull          = "DISK_FULL"
	ReasonSourceStreamGone  = "SOURCE_STREAM_GONE"
	ReasonExtractionError   = "EXTRACTION_ERROR"
)

// classifyFailure maps a job error and the ffmpeg stderr tail onto a
// stable reason code.
func classifyFailure(err error, stderr string) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonExtractionTimeout
	case strings.Contains(strings.ToLower(stderr), "no space left"):
		return ReasonDiskFull
	case strings.Contains(strings.ToLower(stderr), "connection refused"),
		strings.Contains(strings.ToLower(stderr), "timed out"):
		return ReasonSourceStreamGone
	default:
		return ReasonExtractionError
	}
}

package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorExposesDomainMetrics(t *testing.T) {
	c := NewCollector()

	c.StreamStateChanged("", "INITIALIZING")
	c.StreamStateChanged("INITIALIZING", "READY")
	c.StreamStateChanged("READY", "LIVE")
	c.SsrcCaptureObserved(0.8, true)
	c.SsrcCaptureObserved(8.0, false)
	c.StreamRestarted()
	c.ExtractQueueDepth(3)
	c.ExtractJobFinished("snapshot", "ready", 1.2)
	c.SfuCall("createProducer", "ok")
	c.ConsumersActive(2)
	c.DiskUsedPercent(42.5)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)

	assert.Contains(t, out, `mediagw_streams{state="LIVE"} 1`)
	assert.Contains(t, out, `mediagw_streams{state="READY"} 0`)
	assert.Contains(t, out, "mediagw_ssrc_capture_failures_total 1")
	assert.Contains(t, out, "mediagw_stream_restarts_total 1")
	assert.Contains(t, out, "mediagw_extract_queue_depth 3")
	assert.Contains(t, out, `mediagw_extract_jobs_total{kind="snapshot",outcome="ready"} 1`)
	assert.Contains(t, out, `mediagw_sfu_calls_total{outcome="ok",type="createProducer"} 1`)
	assert.Contains(t, out, "mediagw_consumers_active 2")
	assert.Contains(t, out, "mediagw_recordings_disk_used_percent 42.5")
}

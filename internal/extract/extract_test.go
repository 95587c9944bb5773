package extract

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-mediagw/internal/recording"
)

func TestClassifyFailure(t *testing.T) {
	assert.Equal(t, ReasonExtractionTimeout, classifyFailure(context.DeadlineExceeded, ""))
	assert.Equal(t, ReasonDiskFull, classifyFailure(assert.AnError, "No space left on device"))
	assert.Equal(t, ReasonSourceStreamGone, classifyFailure(assert.AnError, "Connection refused"))
	assert.Equal(t, ReasonSourceStreamGone, classifyFailure(assert.AnError, "rtsp read timed out"))
	assert.Equal(t, ReasonExtractionError, classifyFailure(assert.AnError, "mystery"))
}

func TestFormatOffset(t *testing.T) {
	assert.Equal(t, "0.000", formatOffset(0))
	assert.Equal(t, "1.500", formatOffset(1500*time.Millisecond))
	assert.Equal(t, "63.250", formatOffset(63*time.Second+250*time.Millisecond))
}

func TestWriteConcatList(t *testing.T) {
	dir := t.TempDir()
	segs := []recording.Segment{
		{Path: filepath.Join(dir, "segment-100.ts")},
		{Path: filepath.Join(dir, "segment-106.ts")},
	}

	listPath, err := writeConcatList(segs, filepath.Join(dir, "out.mp4"))
	require.NoError(t, err)
	defer os.Remove(listPath)

	raw, err := os.ReadFile(listPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "file '"+segs[0].Path+"'", lines[0])
	assert.Equal(t, "file '"+segs[1].Path+"'", lines[1])
}

func TestTailString(t *testing.T) {
	assert.Equal(t, "short", tailString("short", 100))
	long := strings.Repeat("x", 50) + "tail"
	assert.Equal(t, "xxtail", tailString(long, 6))
}

func TestRunnerDeadline(t *testing.T) {
	r := runner{ffmpegPath: "sleep"}
	start := time.Now()
	_, err := r.run(context.Background(), 200*time.Millisecond, []string{"5"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunnerSuccess(t *testing.T) {
	r := runner{ffmpegPath: "true"}
	stderr, err := r.run(context.Background(), time.Second, nil)
	require.NoError(t, err)
	assert.Empty(t, stderr)
}

func TestPoolRunsJobsInOrder(t *testing.T) {
	p := NewPool(1, 8, nil)
	defer p.Shutdown()

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, p.Enqueue(Job{
			Kind: "snapshot",
			Run: func(ctx context.Context) {
				defer wg.Done()
				mu.Lock()
				got = append(got, i)
				mu.Unlock()
			},
		}))
	}
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3}, got)
}

func TestPoolRejectsWhenFull(t *testing.T) {
	p := NewPool(1, 1, nil)
	defer p.Shutdown()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Enqueue(Job{Kind: "snapshot", Run: func(ctx context.Context) {
		close(started)
		<-block
	}}))
	<-started

	// fill the single queue slot
	require.NoError(t, p.Enqueue(Job{Kind: "snapshot", Run: func(ctx context.Context) {}}))

	err := p.Enqueue(Job{Kind: "snapshot", Run: func(ctx context.Context) {}})
	assert.ErrorIs(t, err, ErrQueueFull)

	close(block)
}

func TestPoolHonoursNotBefore(t *testing.T) {
	p := NewPool(1, 4, nil)
	defer p.Shutdown()

	done := make(chan time.Time, 1)
	notBefore := time.Now().Add(150 * time.Millisecond)
	require.NoError(t, p.Enqueue(Job{
		Kind:      "bookmark",
		NotBefore: notBefore,
		Run: func(ctx context.Context) {
			done <- time.Now()
		},
	}))

	select {
	case ran := <-done:
		assert.False(t, ran.Before(notBefore))
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestPoolShutdownDrainsAndRejects(t *testing.T) {
	p := NewPool(2, 8, nil)

	ran := 0
	var mu sync.Mutex
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Enqueue(Job{Kind: "snapshot", Run: func(ctx context.Context) {
			mu.Lock()
			ran++
			mu.Unlock()
		}}))
	}

	p.Shutdown()
	mu.Lock()
	assert.Equal(t, 4, ran)
	mu.Unlock()

	err := p.Enqueue(Job{Kind: "snapshot", Run: func(ctx context.Context) {}})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPoolShutdownSurvivesEnqueueBurst(t *testing.T) {
	p := NewPool(2, 4, nil)

	// Producers hammering Enqueue while Shutdown closes the queue: a
	// send on the closed channel would panic and fail the test.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				p.Enqueue(Job{Kind: "snapshot", Run: func(ctx context.Context) {}})
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	p.Shutdown()
	close(stop)
	wg.Wait()

	err := p.Enqueue(Job{Kind: "snapshot", Run: func(ctx context.Context) {}})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPoolRecoversFromPanic(t *testing.T) {
	p := NewPool(1, 4, nil)
	defer p.Shutdown()

	require.NoError(t, p.Enqueue(Job{Kind: "snapshot", Run: func(ctx context.Context) {
		panic("boom")
	}}))

	done := make(chan struct{})
	require.NoError(t, p.Enqueue(Job{Kind: "snapshot", Run: func(ctx context.Context) {
		close(done)
	}}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
}

package recording

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func writeSegmentFixture(t *testing.T, dir string, start int64, count, segSeconds int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o750))

	playlist := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXT-X-MEDIA-SEQUENCE:0\n"
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("segment-%d.ts", start+int64(i*segSeconds))
		playlist += fmt.Sprintf("#EXTINF:%d.000000,\n%s\n", segSeconds, name)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("ts-data"), 0o640))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "playlist.m3u8"), []byte(playlist), 0o640))
}

func TestSegmentEpoch(t *testing.T) {
	epoch, ok := segmentEpoch("segment-1700000000.ts")
	require.True(t, ok)
	assert.Equal(t, int64(1700000000), epoch)

	for _, bad := range []string{"segment-.ts", "segment-abc.ts", "other-170.ts", "segment-170.mp4", "segment--5.ts"} {
		_, ok := segmentEpoch(bad)
		assert.False(t, ok, bad)
	}
}

func TestParsePlaylist(t *testing.T) {
	dir := t.TempDir()
	writeSegmentFixture(t, dir, 1700000000, 3, 6)

	segs, err := ParsePlaylist(filepath.Join(dir, "playlist.m3u8"))
	require.NoError(t, err)
	require.Len(t, segs, 3)

	assert.Equal(t, "segment-1700000000.ts", segs[0].Name)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), segs[0].Start)
	assert.Equal(t, 6*time.Second, segs[0].Duration)
	assert.Equal(t, time.Unix(1700000006, 0).UTC(), segs[0].End())
	assert.True(t, segs[0].Covers(time.Unix(1700000003, 0)))
	assert.False(t, segs[0].Covers(time.Unix(1700000006, 0)))
}

func TestIndexLookup(t *testing.T) {
	root := t.TempDir()
	streamID := uuid.New()
	start := time.Now().Add(-time.Hour).Unix()
	writeSegmentFixture(t, filepath.Join(root, streamID.String()), start, 5, 6)

	idx, err := NewIndex(root)
	require.NoError(t, err)
	defer idx.Close()

	at := time.Unix(start+13, 0)
	seg, offset, err := idx.Lookup(streamID, at)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("segment-%d.ts", start+12), seg.Name)
	assert.Equal(t, time.Second, offset)

	// before the recording began
	_, _, err = idx.Lookup(streamID, time.Unix(start-10, 0))
	assert.ErrorIs(t, err, ErrNoRecording)

	// after it ended
	_, _, err = idx.Lookup(streamID, time.Unix(start+1000, 0))
	assert.ErrorIs(t, err, ErrNoRecording)

	// unknown stream
	_, _, err = idx.Lookup(uuid.New(), at)
	assert.ErrorIs(t, err, ErrNoRecording)
}

func TestIndexRangeSkipsPrunedFiles(t *testing.T) {
	root := t.TempDir()
	streamID := uuid.New()
	start := time.Now().Add(-time.Hour).Unix()
	writeSegmentFixture(t, filepath.Join(root, streamID.String()), start, 4, 6)

	idx, err := NewIndex(root)
	require.NoError(t, err)
	defer idx.Close()

	// delete the second segment behind the index's back
	require.NoError(t, os.Remove(filepath.Join(root, streamID.String(), fmt.Sprintf("segment-%d.ts", start+6))))

	segs, err := idx.Range(streamID, time.Unix(start, 0), time.Unix(start+24, 0))
	require.NoError(t, err)
	assert.Len(t, segs, 3)
}

func TestIndexCoverage(t *testing.T) {
	root := t.TempDir()
	streamID := uuid.New()
	start := int64(1700000000)
	writeSegmentFixture(t, filepath.Join(root, streamID.String()), start, 3, 6)

	idx, err := NewIndex(root)
	require.NoError(t, err)
	defer idx.Close()

	from, to, err := idx.Coverage(streamID)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(start, 0).UTC(), from)
	assert.Equal(t, time.Unix(start+18, 0).UTC(), to)
}

func TestIndexReparsesOnPlaylistChange(t *testing.T) {
	root := t.TempDir()
	streamID := uuid.New()
	dir := filepath.Join(root, streamID.String())
	start := time.Now().Add(-30 * time.Minute).Unix()
	writeSegmentFixture(t, dir, start, 2, 6)

	idx, err := NewIndex(root)
	require.NoError(t, err)
	defer idx.Close()

	segs, err := idx.Segments(streamID)
	require.NoError(t, err)
	require.Len(t, segs, 2)

	// grow the playlist; mtime changes force a reparse even without
	// the watcher running
	time.Sleep(1100 * time.Millisecond)
	writeSegmentFixture(t, dir, start, 4, 6)

	segs, err = idx.Segments(streamID)
	require.NoError(t, err)
	assert.Len(t, segs, 4)
}

func TestPrunerRemovesExpiredSegments(t *testing.T) {
	root := t.TempDir()
	streamID := uuid.New()
	dir := filepath.Join(root, streamID.String())

	old := time.Now().Add(-8 * 24 * time.Hour).Unix()
	fresh := time.Now().Add(-time.Hour).Unix()
	writeSegmentFixture(t, dir, old, 2, 6)

	// add fresh segments alongside
	for i := 0; i < 2; i++ {
		name := fmt.Sprintf("segment-%d.ts", fresh+int64(i*6))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("ts-data"), 0o640))
	}

	p := NewPruner(root, 7*24*time.Hour, time.Hour, nil, NewPinSet())
	p.Prune(context.Background())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.NotContains(t, names, fmt.Sprintf("segment-%d.ts", old))
	assert.NotContains(t, names, fmt.Sprintf("segment-%d.ts", old+6))
	assert.Contains(t, names, fmt.Sprintf("segment-%d.ts", fresh))
	assert.Contains(t, names, "playlist.m3u8")
}

func TestPrunerWaitsForPins(t *testing.T) {
	root := t.TempDir()
	streamID := uuid.New()
	dir := filepath.Join(root, streamID.String())
	old := time.Now().Add(-8 * 24 * time.Hour).Unix()
	writeSegmentFixture(t, dir, old, 1, 6)

	pins := NewPinSet()
	unpin := pins.Pin(streamID)

	p := NewPruner(root, 7*24*time.Hour, time.Hour, nil, pins)

	done := make(chan struct{})
	go func() {
		p.Prune(context.Background())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("prune finished while segment was pinned")
	case <-time.After(150 * time.Millisecond):
	}

	unpin()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("prune did not finish after unpin")
	}

	_, err := os.Stat(filepath.Join(dir, fmt.Sprintf("segment-%d.ts", old)))
	assert.True(t, os.IsNotExist(err))
}

func TestPinSetConcurrentReaders(t *testing.T) {
	pins := NewPinSet()
	id := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unpin := pins.Pin(id)
			time.Sleep(10 * time.Millisecond)
			unpin()
		}()
	}
	wg.Wait()

	unlock := pins.Exclusive(id)
	unlock()
}

func TestDiskGuardLevels(t *testing.T) {
	g := NewDiskGuard("/", 85, 90, 95)

	assert.Equal(t, DiskOK, g.levelFor(50))
	assert.Equal(t, DiskSoft, g.levelFor(85))
	assert.Equal(t, DiskHard, g.levelFor(92))
	assert.Equal(t, DiskKill, g.levelFor(99))
}

func TestDiskGuardUsedPercent(t *testing.T) {
	g := NewDiskGuard("/", 85, 90, 95)
	g.statfs = func(path string, buf *unix.Statfs_t) error {
		buf.Blocks = 1000
		buf.Bavail = 250
		buf.Bsize = 4096
		return nil
	}

	used, err := g.UsedPercent()
	require.NoError(t, err)
	assert.InDelta(t, 75.0, used, 0.01)
}

func TestSafeJoin(t *testing.T) {
	base := t.TempDir()

	p, err := SafeJoin(base, "abc", "playlist.m3u8")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "abc", "playlist.m3u8"), p)

	_, err = SafeJoin(base, "..", "etc", "passwd")
	assert.Error(t, err)

	_, err = SafeJoin(base, "/etc/passwd")
	assert.Error(t, err)

	_, err = SafeJoin(base, "abc", "../../escape.ts")
	assert.Error(t, err)
}

func TestValidFile(t *testing.T) {
	assert.True(t, ValidFile("playlist.m3u8"))
	assert.True(t, ValidFile("segment-1700000000.ts"))
	assert.False(t, ValidFile("segment-1700000000.mp4"))
	assert.False(t, ValidFile("../playlist.m3u8"))
	assert.False(t, ValidFile("other.m3u8"))
}

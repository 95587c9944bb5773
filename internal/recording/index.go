package recording

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// Index maps wall-clock instants onto HLS segments. One instance
// covers the whole recordings root; per-stream playlists are parsed
// lazily and invalidated by filesystem events.
type Index struct {
	root    string
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	streams map[uuid.UUID]*streamCache
}

type streamCache struct {
	segments []Segment
	loadedAt time.Time
	dirty    bool
}

func NewIndex(root string) (*Index, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(root); err != nil {
		w.Close()
		return nil, err
	}

	idx := &Index{
		root:    root,
		watcher: w,
		streams: map[uuid.UUID]*streamCache{},
	}

	// Watch the stream directories that already exist.
	entries, err := os.ReadDir(root)
	if err != nil {
		w.Close()
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			if _, perr := uuid.Parse(e.Name()); perr == nil {
				w.Add(filepath.Join(root, e.Name()))
			}
		}
	}
	return idx, nil
}

func (i *Index) Close() error {
	return i.watcher.Close()
}

// Run consumes watcher events until ctx is cancelled. New stream
// directories get watched; playlist writes invalidate the cache.
func (i *Index) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-i.watcher.Events:
			if !ok {
				return
			}
			i.handleEvent(ev)

		case err, ok := <-i.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[recording] watcher: %v", err)
		}
	}
}

func (i *Index) handleEvent(ev fsnotify.Event) {
	rel, err := filepath.Rel(i.root, ev.Name)
	if err != nil {
		return
	}
	parts := splitPath(rel)
	if len(parts) == 0 {
		return
	}
	streamID, err := uuid.Parse(parts[0])
	if err != nil {
		return
	}

	switch {
	case len(parts) == 1 && ev.Op.Has(fsnotify.Create):
		// New stream directory appeared.
		i.watcher.Add(ev.Name)

	case len(parts) == 1 && (ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename)):
		i.mu.Lock()
		delete(i.streams, streamID)
		i.mu.Unlock()

	case len(parts) == 2 && parts[1] == "playlist.m3u8":
		i.mu.Lock()
		if c, ok := i.streams[streamID]; ok {
			c.dirty = true
		}
		i.mu.Unlock()
	}
}

// Segments returns the stream's segments in start order, reparsing the
// playlist when the cache is stale.
func (i *Index) Segments(streamID uuid.UUID) ([]Segment, error) {
	playlist := filepath.Join(i.root, streamID.String(), "playlist.m3u8")

	i.mu.Lock()
	c, ok := i.streams[streamID]
	if ok && !c.dirty {
		// The watcher can miss events across restarts; double-check
		// against the playlist mtime.
		if fi, err := os.Stat(playlist); err == nil && !fi.ModTime().After(c.loadedAt) {
			segs := c.segments
			i.mu.Unlock()
			return segs, nil
		}
	}
	i.mu.Unlock()

	segs, err := ParsePlaylist(playlist)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoRecording
		}
		return nil, err
	}
	sort.Slice(segs, func(a, b int) bool { return segs[a].Start.Before(segs[b].Start) })

	i.mu.Lock()
	i.streams[streamID] = &streamCache{segments: segs, loadedAt: time.Now()}
	i.mu.Unlock()
	return segs, nil
}

// Lookup finds the segment covering t and the offset of t within it.
func (i *Index) Lookup(streamID uuid.UUID, t time.Time) (Segment, time.Duration, error) {
	segs, err := i.Segments(streamID)
	if err != nil {
		return Segment{}, 0, err
	}

	n := sort.Search(len(segs), func(k int) bool { return segs[k].End().After(t) })
	if n == len(segs) || !segs[n].Covers(t) {
		return Segment{}, 0, ErrNoRecording
	}
	seg := segs[n]
	if _, err := os.Stat(seg.Path); err != nil {
		return Segment{}, 0, ErrNoRecording
	}
	return seg, t.Sub(seg.Start), nil
}

// Range returns the segments overlapping [from, to), skipping any
// whose file has already been pruned.
func (i *Index) Range(streamID uuid.UUID, from, to time.Time) ([]Segment, error) {
	segs, err := i.Segments(streamID)
	if err != nil {
		return nil, err
	}

	var out []Segment
	for _, s := range segs {
		if s.End().After(from) && s.Start.Before(to) {
			if _, err := os.Stat(s.Path); err != nil {
				continue
			}
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoRecording
	}
	return out, nil
}

// Coverage reports the earliest and latest instants with recording
// data, used for window truncation against retention.
func (i *Index) Coverage(streamID uuid.UUID) (time.Time, time.Time, error) {
	segs, err := i.Segments(streamID)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if len(segs) == 0 {
		return time.Time{}, time.Time{}, ErrNoRecording
	}
	return segs[0].Start, segs[len(segs)-1].End(), nil
}

func splitPath(rel string) []string {
	var parts []string
	for _, p := range strings.Split(filepath.ToSlash(rel), "/") {
		if p != "" && p != "." {
			parts = append(parts, p)
		}
	}
	return parts
}

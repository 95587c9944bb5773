package recording

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Pruner deletes segments past the retention horizon on a fixed
// interval, and earlier than that when the disk guard escalates.
type Pruner struct {
	Root      string
	Retention time.Duration
	Interval  time.Duration
	Guard     *DiskGuard
	Pins      *PinSet
}

func NewPruner(root string, retention, interval time.Duration, guard *DiskGuard, pins *PinSet) *Pruner {
	return &Pruner{
		Root:      root,
		Retention: retention,
		Interval:  interval,
		Guard:     guard,
		Pins:      pins,
	}
}

// Run blocks until ctx is cancelled. One pass runs immediately so a
// restart does not defer cleanup by a whole interval.
func (p *Pruner) Run(ctx context.Context) {
	p.Prune(ctx)

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune walks every stream directory once. Under hard disk pressure
// the horizon is pulled in by a quarter until usage recovers.
func (p *Pruner) Prune(ctx context.Context) {
	horizon := p.Retention
	if p.Guard != nil && p.Guard.Level() >= DiskHard {
		horizon = p.Retention * 3 / 4
		log.Printf("[retention] disk pressure %s, tightening horizon to %v", p.Guard.Level(), horizon)
	}
	cutoff := time.Now().Add(-horizon)

	entries, err := os.ReadDir(p.Root)
	if err != nil {
		log.Printf("[retention] read root: %v", err)
		return
	}

	var removed, bytes int64
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if !e.IsDir() {
			continue
		}
		streamID, err := uuid.Parse(e.Name())
		if err != nil {
			continue
		}
		n, b := p.pruneStream(streamID, cutoff)
		removed += n
		bytes += b
	}
	if removed > 0 {
		log.Printf("[retention] removed %d segments (%d bytes)", removed, bytes)
	}
}

func (p *Pruner) pruneStream(streamID uuid.UUID, cutoff time.Time) (int64, int64) {
	dir := filepath.Join(p.Root, streamID.String())

	unlock := p.Pins.Exclusive(streamID)
	defer unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0
	}

	type victim struct {
		path  string
		epoch int64
		size  int64
	}
	var victims []victim
	live := 0

	for _, e := range entries {
		epoch, ok := segmentEpoch(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if time.Unix(epoch, 0).Before(cutoff) {
			victims = append(victims, victim{filepath.Join(dir, e.Name()), epoch, info.Size()})
		} else {
			live++
		}
	}

	sort.Slice(victims, func(a, b int) bool { return victims[a].epoch < victims[b].epoch })

	var removed, bytes int64
	for _, v := range victims {
		if err := os.Remove(v.path); err != nil {
			log.Printf("[retention] remove %s: %v", v.path, err)
			continue
		}
		removed++
		bytes += v.size
	}

	// A directory with no segments left and no playlist activity for a
	// full horizon is an artifact of a deleted stream.
	if live == 0 && removed > 0 {
		playlist := filepath.Join(dir, "playlist.m3u8")
		if fi, err := os.Stat(playlist); err == nil && fi.ModTime().Before(cutoff) {
			os.Remove(playlist)
			if os.Remove(dir) == nil {
				log.Printf("[retention] removed empty recording dir %s", streamID)
			}
		}
	}
	return removed, bytes
}

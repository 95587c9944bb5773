package recording

import (
	"golang.org/x/sys/unix"
)

// Pressure levels for the recordings volume.
type DiskLevel int

const (
	DiskOK DiskLevel = iota
	DiskSoft
	DiskHard
	DiskKill
)

func (l DiskLevel) String() string {
	switch l {
	case DiskSoft:
		return "soft"
	case DiskHard:
		return "hard"
	case DiskKill:
		return "kill"
	default:
		return "ok"
	}
}

// DiskGuard samples filesystem usage under the recordings root.
type DiskGuard struct {
	Root        string
	SoftPercent float64
	HardPercent float64
	KillPercent float64

	// statfs is swappable for tests
	statfs func(path string, buf *unix.Statfs_t) error
}

func NewDiskGuard(root string, soft, hard, kill float64) *DiskGuard {
	return &DiskGuard{
		Root:        root,
		SoftPercent: soft,
		HardPercent: hard,
		KillPercent: kill,
		statfs:      unix.Statfs,
	}
}

// UsedPercent reports how full the volume is.
func (g *DiskGuard) UsedPercent() (float64, error) {
	var st unix.Statfs_t
	if err := g.statfs(g.Root, &st); err != nil {
		return 0, err
	}
	total := st.Blocks * uint64(st.Bsize)
	if total == 0 {
		return 0, nil
	}
	free := st.Bavail * uint64(st.Bsize)
	return 100 * float64(total-free) / float64(total), nil
}

// Level maps current usage onto a pressure level. On stat failure the
// guard reports OK; refusing all work over an unreadable statfs would
// be worse than recording into the unknown.
func (g *DiskGuard) Level() DiskLevel {
	used, err := g.UsedPercent()
	if err != nil {
		return DiskOK
	}
	return g.levelFor(used)
}

func (g *DiskGuard) levelFor(used float64) DiskLevel {
	switch {
	case used >= g.KillPercent:
		return DiskKill
	case used >= g.HardPercent:
		return DiskHard
	case used >= g.SoftPercent:
		return DiskSoft
	default:
		return DiskOK
	}
}

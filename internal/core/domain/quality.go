package domain

import (
	"fmt"
	"sort"
)

// QualityLevel is one rung of the encoding ladder parsed from a master
// playlist. The set is immutable once parsed and replaced wholesale on
// manifest reload.
type QualityLevel struct {
	Index   int
	Width   int
	Height  int
	Bitrate int // bits per second
	Label   string
	Codec   string
}

// QualityMode indicates whether level selection is automatic or pinned.
type QualityMode string

const (
	QualityAuto   QualityMode = "auto"
	QualityManual QualityMode = "manual"
)

// AutoLevel is the sentinel level index meaning "let ABR decide".
const AutoLevel = -1

var qualityLabels = []struct {
	height int
	label  string
}{
	{2160, "4K Ultra HD"},
	{1440, "2K QHD"},
	{1080, "Full HD"},
	{720, "HD"},
	{480, "SD"},
	{360, "360p"},
	{240, "240p"},
}

// LabelForHeight maps a video height to a display label. Heights within
// 40px of a known rung share its label.
func LabelForHeight(height int) string {
	for _, q := range qualityLabels {
		if height >= q.height-40 {
			return q.label
		}
	}
	return fmt.Sprintf("%dp", height)
}

// FormatBitrate renders a bitrate in bps as a human-readable string.
func FormatBitrate(bps int) string {
	switch {
	case bps >= 1_000_000:
		return fmt.Sprintf("%.1f Mbps", float64(bps)/1_000_000)
	case bps >= 1_000:
		return fmt.Sprintf("%.0f Kbps", float64(bps)/1_000)
	default:
		return fmt.Sprintf("%d bps", bps)
	}
}

// SortLevelsByHeight orders levels descending by height for presentation.
func SortLevelsByHeight(levels []QualityLevel) {
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].Height > levels[j].Height
	})
}

// ClosestLevelByHeight returns the level whose height is nearest to the
// target by absolute difference, or false when the set is empty.
func ClosestLevelByHeight(levels []QualityLevel, target int) (QualityLevel, bool) {
	if len(levels) == 0 {
		return QualityLevel{}, false
	}
	closest := levels[0]
	for _, l := range levels[1:] {
		if abs(l.Height-target) < abs(closest.Height-target) {
			closest = l
		}
	}
	return closest, true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

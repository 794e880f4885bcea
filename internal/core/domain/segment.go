package domain

// SegmentDescriptor is one fetchable media segment from a media playlist.
// Descriptors are ephemeral and regenerated on every manifest load.
type SegmentDescriptor struct {
	URI      string
	Duration float64 // seconds
}

// TotalDuration sums the durations of a segment list.
func TotalDuration(segments []SegmentDescriptor) float64 {
	var total float64
	for _, s := range segments {
		total += s.Duration
	}
	return total
}

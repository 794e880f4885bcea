// Package m3u8 parses HLS playlists. Media playlists go through a small
// line scanner shared by the streaming and preload paths; master playlists
// are decoded with github.com/grafov/m3u8 and mapped onto quality levels.
package m3u8

import (
	"bufio"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	gm3u8 "github.com/grafov/m3u8"

	"hybridcast/internal/core/domain"
)

const (
	tagExtInf     = "#EXTINF:"
	tagStreamInf  = "#EXT-X-STREAM-INF:"
	commentPrefix = "#"
)

// IsMasterPlaylist reports whether the document announces stream variants.
func IsMasterPlaylist(manifest string) bool {
	return strings.Contains(manifest, tagStreamInf)
}

// ParseMediaPlaylist turns a media playlist into ordered segment
// descriptors. A duration tag sets the pending duration for the next
// non-comment line, which is taken as the segment URI and resolved against
// baseURL when relative. Duration-less entries are skipped. A master
// playlist signature anywhere short-circuits to an empty list; the caller
// must resolve to a concrete media playlist first. The function is pure:
// identical input yields identical output.
func ParseMediaPlaylist(manifest, baseURL string) []domain.SegmentDescriptor {
	var segments []domain.SegmentDescriptor
	pendingDuration := 0.0

	scanner := bufio.NewScanner(strings.NewReader(manifest))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, tagStreamInf) {
			return nil
		}

		if strings.HasPrefix(line, tagExtInf) {
			if d, ok := parseExtInfDuration(line); ok {
				pendingDuration = d
			}
			continue
		}

		if line == "" || strings.HasPrefix(line, commentPrefix) {
			continue
		}

		if pendingDuration > 0 {
			segments = append(segments, domain.SegmentDescriptor{
				URI:      ResolveURI(line, baseURL),
				Duration: pendingDuration,
			})
			pendingDuration = 0
		}
	}

	return segments
}

// parseExtInfDuration extracts the duration from an #EXTINF tag line.
func parseExtInfDuration(line string) (float64, bool) {
	value := strings.TrimPrefix(line, tagExtInf)
	if i := strings.IndexAny(value, ","); i >= 0 {
		value = value[:i]
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// ResolveURI resolves a possibly-relative segment URI against the
// manifest's own URL.
func ResolveURI(uri, baseURL string) string {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return uri
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return uri
	}
	ref, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	return base.ResolveReference(ref).String()
}

// Variant couples a quality level with the media playlist it points at.
type Variant struct {
	Level domain.QualityLevel
	URI   string
}

// ParseMasterPlaylist decodes a master playlist into quality levels ordered
// descending by height, with variant playlist URIs resolved against baseURL.
func ParseMasterPlaylist(manifest, baseURL string) ([]Variant, error) {
	playlist, listType, err := gm3u8.DecodeFrom(bufio.NewReader(strings.NewReader(manifest)), false)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master playlist: %w", err)
	}
	if listType != gm3u8.MASTER {
		return nil, fmt.Errorf("not a master playlist")
	}

	master, ok := playlist.(*gm3u8.MasterPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type %T", playlist)
	}

	var variants []Variant
	for _, v := range master.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		width, height := parseResolution(v.Resolution)
		variants = append(variants, Variant{
			Level: domain.QualityLevel{
				Width:   width,
				Height:  height,
				Bitrate: int(v.Bandwidth),
				Label:   domain.LabelForHeight(height),
				Codec:   v.Codecs,
			},
			URI: ResolveURI(v.URI, baseURL),
		})
	}

	// Order descending by height for presentation, then re-index.
	sortVariantsByHeight(variants)
	for i := range variants {
		variants[i].Level.Index = i
	}

	return variants, nil
}

func sortVariantsByHeight(variants []Variant) {
	sort.SliceStable(variants, func(i, j int) bool {
		return variants[i].Level.Height > variants[j].Level.Height
	})
}

// parseResolution splits a "WIDTHxHEIGHT" attribute. Unknown resolutions
// yield zero dimensions.
func parseResolution(res string) (int, int) {
	parts := strings.SplitN(strings.ToLower(res), "x", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return w, h
}

// Package transcodertest writes HLS output the way ffmpeg lays it out, for
// tests that must not depend on a real encoder.
package transcodertest

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// SegmentName returns the filename ffmpeg gives segment i.
func SegmentName(i int) string {
	return fmt.Sprintf("segment%03d.ts", i)
}

// Durations splits total seconds into chunks of at most segment seconds.
func Durations(total, segment float64) []float64 {
	n := int(math.Ceil(total / segment))
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		d := segment
		if rest := total - float64(i)*segment; rest < segment {
			d = rest
		}
		out = append(out, d)
	}
	return out
}

// Playlist renders a VOD media playlist for the given segment durations.
func Playlist(durations []float64) string {
	target := 1
	for _, d := range durations {
		if c := int(math.Ceil(d)); c > target {
			target = c
		}
	}
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", target)
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	for i, d := range durations {
		fmt.Fprintf(&b, "#EXTINF:%f,\n%s\n", d, SegmentName(i))
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// WriteSegments creates n fake segment files in dir.
func WriteSegments(dir string, n int) error {
	for i := 0; i < n; i++ {
		body := []byte(fmt.Sprintf("ts-%03d", i))
		if err := os.WriteFile(filepath.Join(dir, SegmentName(i)), body, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// WriteOutput writes a playlist plus its segments into dir and returns the segment names.
func WriteOutput(dir string, durations []float64) ([]string, error) {
	if err := WriteSegments(dir, len(durations)); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "playlist.m3u8"), []byte(Playlist(durations)), 0o644); err != nil {
		return nil, err
	}
	names := make([]string, len(durations))
	for i := range durations {
		names[i] = SegmentName(i)
	}
	return names, nil
}

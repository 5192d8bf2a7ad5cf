package orchestrator

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/grafov/m3u8"
)

// maxPlaylistBytes caps how much of a stored playlist is read into memory.
// Ten minutes of 10 s segments is well under a kilobyte per line.
const maxPlaylistBytes = 1 << 20

// segmentFilePattern matches the fixed-width, zero-based segment names.
var segmentFilePattern = regexp.MustCompile(`^segment[0-9]{3,}\.ts$`)

// IsSegmentFile reports whether name is a segment filename of an asset.
func IsSegmentFile(name string) bool {
	return segmentFilePattern.MatchString(name)
}

// decodeMedia parses a VOD media playlist.
func decodeMedia(r io.Reader) (*m3u8.MediaPlaylist, error) {
	pl, listType, err := m3u8.DecodeFrom(io.LimitReader(r, maxPlaylistBytes), false)
	if err != nil {
		return nil, fmt.Errorf("decode playlist: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, errors.New("expected a media playlist")
	}
	return pl.(*m3u8.MediaPlaylist), nil
}

// ParseSegmentURIs returns the segment URIs of a media playlist in playback order.
func ParseSegmentURIs(r io.Reader) ([]string, error) {
	media, err := decodeMedia(r)
	if err != nil {
		return nil, err
	}
	var uris []string
	for _, seg := range media.Segments {
		if seg != nil {
			uris = append(uris, seg.URI)
		}
	}
	if len(uris) == 0 {
		return nil, errors.New("playlist lists no segments")
	}
	return uris, nil
}

// RewritePlaylist decodes a media playlist, replaces every segment URI with
// rewrite(uri) and re-encodes it. Tags other than the segment list are kept.
func RewritePlaylist(r io.Reader, rewrite func(uri string) (string, error)) ([]byte, error) {
	media, err := decodeMedia(r)
	if err != nil {
		return nil, err
	}
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		uri, err := rewrite(seg.URI)
		if err != nil {
			return nil, err
		}
		seg.URI = uri
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(media.Encode()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

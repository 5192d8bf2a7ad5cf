package orchestrator

import (
	"fmt"
	"strings"
	"testing"

	"hls-delivery/internal/transcoder/transcodertest"
)

func TestParseSegmentURIs(t *testing.T) {
	pl := transcodertest.Playlist(transcodertest.Durations(25, 10))

	uris, err := ParseSegmentURIs(strings.NewReader(pl))
	if err != nil {
		t.Fatalf("ParseSegmentURIs: %v", err)
	}
	want := []string{"segment000.ts", "segment001.ts", "segment002.ts"}
	if len(uris) != len(want) {
		t.Fatalf("got %v, want %v", uris, want)
	}
	for i := range want {
		if uris[i] != want[i] {
			t.Errorf("uri %d: got %q, want %q", i, uris[i], want[i])
		}
	}
}

func TestParseSegmentURIs_rejects(t *testing.T) {
	tests := map[string]string{
		"master": "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=128000\naudio.m3u8\n",
		"empty":  "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-ENDLIST\n",
		"junk":   "not a playlist",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseSegmentURIs(strings.NewReader(body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRewritePlaylist(t *testing.T) {
	pl := transcodertest.Playlist(transcodertest.Durations(60, 10))

	out, err := RewritePlaylist(strings.NewReader(pl), func(uri string) (string, error) {
		return "https://cdn.example.com/songs/x/hls/" + uri + "?sig=1", nil
	})
	if err != nil {
		t.Fatalf("RewritePlaylist: %v", err)
	}
	body := string(out)
	for i := 0; i < 6; i++ {
		want := fmt.Sprintf("https://cdn.example.com/songs/x/hls/segment%03d.ts?sig=1", i)
		if !strings.Contains(body, want) {
			t.Errorf("missing rewritten uri %s in:\n%s", want, body)
		}
	}
	if strings.Contains(body, "\nsegment000.ts") {
		t.Error("original relative uri survived the rewrite")
	}
	if !strings.Contains(body, "#EXT-X-ENDLIST") {
		t.Error("rewritten VOD playlist must stay closed")
	}

	// The rewritten playlist still parses to the same number of segments.
	uris, err := ParseSegmentURIs(strings.NewReader(body))
	if err != nil || len(uris) != 6 {
		t.Errorf("reparse: %v %v", uris, err)
	}
}

func TestRewritePlaylist_propagates_error(t *testing.T) {
	pl := transcodertest.Playlist(transcodertest.Durations(20, 10))
	_, err := RewritePlaylist(strings.NewReader(pl), func(string) (string, error) {
		return "", fmt.Errorf("signing unavailable")
	})
	if err == nil || !strings.Contains(err.Error(), "signing unavailable") {
		t.Errorf("expected rewrite error, got %v", err)
	}
}

func TestIsSegmentFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"segment000.ts", true},
		{"segment059.ts", true},
		{"segment1000.ts", true},
		{"segment00.ts", false},
		{"segment000.mp4", false},
		{"playlist.m3u8", false},
		{"../segment000.ts", false},
		{"segment000.ts/../../x", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsSegmentFile(tt.name); got != tt.want {
			t.Errorf("IsSegmentFile(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

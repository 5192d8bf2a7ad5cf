package orchestrator

import (
	"path"
	"time"

	"github.com/google/uuid"
)

// AssetID uniquely identifies a media asset. Always a canonical UUID string.
type AssetID string

// ParseAssetID rejects anything that is not a well-formed UUID.
func ParseAssetID(s string) (AssetID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", ErrInvalidID
	}
	return AssetID(u.String()), nil
}

// Category is the top-level key namespace an asset lives under.
type Category string

const (
	CategorySongs    Category = "songs"
	CategoryPodcasts Category = "podcasts"
)

// Categories lists every known category. Signing uses it to recover keys from URLs.
var Categories = []Category{CategorySongs, CategoryPodcasts}

// ParseCategory maps a path parameter onto a known Category.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", ErrUnknownCategory
}

// CategoryMarkers returns Categories as plain strings.
func CategoryMarkers() []string {
	out := make([]string, len(Categories))
	for i, c := range Categories {
		out[i] = string(c)
	}
	return out
}

// Status is the lifecycle state of a MediaAsset.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// CanTransition allows pending→processing and processing→ready|failed only.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusReady || to == StatusFailed
	}
	return false
}

// MediaAsset is one piece of playable audio content.
type MediaAsset struct {
	ID       AssetID  `json:"id"`
	Category Category `json:"category"`
	Status   Status   `json:"status"`
	Owner    string   `json:"owner,omitempty"`
	// Instance names the service replica running the asset's pipeline.
	Instance string `json:"instance,omitempty"`

	// StorageKeyPrefix owns the playlist and every segment.
	StorageKeyPrefix string `json:"storage_key_prefix"`
	// PlaylistKey is set only once every HLS object exists in the store.
	PlaylistKey string `json:"playlist_key,omitempty"`
	CoverKey    string `json:"cover_key,omitempty"`

	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Bitrate         int64   `json:"bitrate,omitempty"`
	SampleRate      int     `json:"sample_rate,omitempty"`
	Channels        int     `json:"channels,omitempty"`
	Codec           string  `json:"codec,omitempty"`
	SegmentCount    int     `json:"segment_count,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AssetPrefix is the namespace holding everything stored for one asset.
func AssetPrefix(c Category, id AssetID) string {
	return path.Join(string(c), string(id)) + "/"
}

// HLSPrefix is the namespace holding the playlist and its segments.
func HLSPrefix(c Category, id AssetID) string {
	return path.Join(string(c), string(id), "hls") + "/"
}

package orchestrator

import (
	"errors"
	"testing"
)

func TestParseAssetID(t *testing.T) {
	if id, err := ParseAssetID(idA); err != nil || id != idA {
		t.Errorf("ParseAssetID(%q) = %q, %v", idA, id, err)
	}
	for _, raw := range []string{"", "abc", "../" + idA, idA + "/x"} {
		if _, err := ParseAssetID(raw); !errors.Is(err, ErrInvalidID) {
			t.Errorf("ParseAssetID(%q): expected ErrInvalidID, got %v", raw, err)
		}
	}
}

func TestParseCategory(t *testing.T) {
	for _, c := range Categories {
		if got, err := ParseCategory(string(c)); err != nil || got != c {
			t.Errorf("ParseCategory(%q) = %q, %v", c, got, err)
		}
	}
	if _, err := ParseCategory("videos"); !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("expected ErrUnknownCategory, got %v", err)
	}
}

func TestStatus_CanTransition(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusProcessing}: true,
		{StatusProcessing, StatusReady}:   true,
		{StatusProcessing, StatusFailed}:  true,
	}
	all := []Status{StatusPending, StatusProcessing, StatusReady, StatusFailed}
	for _, from := range all {
		for _, to := range all {
			if got := from.CanTransition(to); got != allowed[[2]Status{from, to}] {
				t.Errorf("%s -> %s: got %v", from, to, got)
			}
		}
	}
	if !StatusReady.Terminal() || !StatusFailed.Terminal() || StatusProcessing.Terminal() {
		t.Error("only ready and failed are terminal")
	}
}

func TestPrefixes(t *testing.T) {
	if got := AssetPrefix(CategoryPodcasts, idA); got != "podcasts/"+idA+"/" {
		t.Errorf("AssetPrefix = %q", got)
	}
	if got := HLSPrefix(CategorySongs, idA); got != "songs/"+idA+"/hls/" {
		t.Errorf("HLSPrefix = %q", got)
	}
}

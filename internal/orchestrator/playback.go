package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"time"

	"hls-delivery/internal/objectstore"
	"hls-delivery/internal/signing"
	"hls-delivery/internal/transcoder"
)

// FileCover addresses an asset's cover image on the playback path.
const FileCover = "cover"

// MaxGrantTTL caps caller-requested lifetimes; S3 presigning rejects longer.
const MaxGrantTTL = 7 * 24 * time.Hour

// resolve validates the id and the requested file and returns the asset and
// the storage key. Only ready assets resolve.
func (s *Service) resolve(ctx context.Context, rawID, file string) (MediaAsset, string, error) {
	id, err := ParseAssetID(rawID)
	if err != nil {
		return MediaAsset{}, "", err
	}
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return MediaAsset{}, "", err
	}
	if a.Status != StatusReady || a.PlaylistKey == "" {
		return a, "", fmt.Errorf("%w: status %s", ErrNotReady, a.Status)
	}

	// Records written by older deployments may hold absolute URLs.
	playlistKey := signing.KeyFromURL(a.PlaylistKey, CategoryMarkers())

	switch {
	case file == "" || file == transcoder.PlaylistFilename:
		return a, playlistKey, nil
	case IsSegmentFile(file):
		return a, path.Dir(playlistKey) + "/" + file, nil
	case file == FileCover && a.CoverKey != "":
		return a, signing.KeyFromURL(a.CoverKey, CategoryMarkers()), nil
	}
	return a, "", fmt.Errorf("%w: %q", ErrUnknownFile, file)
}

// Grant mints a time-limited URL for one file of a ready asset. ttl <= 0 uses
// the configured default.
func (s *Service) Grant(ctx context.Context, rawID, file string, ttl time.Duration) (signing.Grant, error) {
	if ttl > MaxGrantTTL {
		ttl = MaxGrantTTL
	}
	if ttl <= 0 {
		ttl = s.cfg.GrantTTL
	}
	_, key, err := s.resolve(ctx, rawID, file)
	if err != nil {
		return signing.Grant{}, err
	}
	return s.mint(ctx, key, ttl)
}

func (s *Service) mint(ctx context.Context, key string, ttl time.Duration) (signing.Grant, error) {
	g, err := s.signer.Mint(ctx, key, ttl)
	if err != nil {
		return signing.Grant{}, err
	}
	if s.metrics != nil {
		s.metrics.IncGrants(string(g.Strategy))
	}
	return g, nil
}

// Open fetches one file of a ready asset for proxying. Callers must close the body.
func (s *Service) Open(ctx context.Context, rawID, file string) (*objectstore.Object, error) {
	_, key, err := s.resolve(ctx, rawID, file)
	if err != nil {
		return nil, err
	}
	return s.openKey(ctx, key)
}

func (s *Service) openKey(ctx context.Context, key string) (*objectstore.Object, error) {
	obj, err := s.objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if obj.ContentType == "" || obj.ContentType == "application/octet-stream" {
		obj.ContentType = objectstore.ContentTypeFor(key)
	}
	return obj, nil
}

// Playlist returns the asset's playlist. With signURIs every segment URI is
// replaced by a freshly minted URL; otherwise segment URIs stay relative and
// resolve against the playback route. The asset is resolved once; segment
// keys are derived from the playlist key.
func (s *Service) Playlist(ctx context.Context, rawID string, signURIs bool) ([]byte, error) {
	_, playlistKey, err := s.resolve(ctx, rawID, transcoder.PlaylistFilename)
	if err != nil {
		return nil, err
	}
	obj, err := s.openKey(ctx, playlistKey)
	if err != nil {
		return nil, err
	}
	defer obj.Body.Close()

	if !signURIs {
		body, err := io.ReadAll(io.LimitReader(obj.Body, maxPlaylistBytes))
		if err != nil {
			return nil, fmt.Errorf("read playlist: %w", err)
		}
		return body, nil
	}

	dir := path.Dir(playlistKey)
	return RewritePlaylist(obj.Body, func(uri string) (string, error) {
		name := segmentName(uri)
		if !IsSegmentFile(name) {
			return "", fmt.Errorf("%w: playlist references %q", ErrUnknownFile, uri)
		}
		g, err := s.mint(ctx, dir+"/"+name, s.cfg.GrantTTL)
		if err != nil {
			return "", err
		}
		return g.URL, nil
	})
}

// segmentName reduces a playlist URI to its file name, ignoring any query.
func segmentName(uri string) string {
	if u, err := url.Parse(uri); err == nil {
		return path.Base(u.Path)
	}
	return path.Base(uri)
}

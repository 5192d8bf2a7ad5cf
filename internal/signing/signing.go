// Package signing mints time-limited playback URLs. The strategy is fixed at
// construction from what is configured: CDN-signed when a distribution domain,
// key-pair id and private key are all present; an unsigned CDN URL when only
// the domain is; otherwise the object store's own presigned URL.
package signing

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"hls-delivery/internal/objectstore"

	"github.com/aws/aws-sdk-go-v2/feature/cloudfront/sign"
)

const (
	// DefaultTTL applies when callers pass ttl <= 0.
	DefaultTTL = time.Hour

	// RefreshMargin is how close to expiry a holder should renew a grant.
	RefreshMargin = 5 * time.Minute
)

// Strategy names how a Service mints URLs.
type Strategy string

const (
	StrategyCDNSigned       Strategy = "cdn_signed"
	StrategyCDNPublic       Strategy = "cdn_public"
	StrategyOriginPresigned Strategy = "origin_presigned"
)

// Presigner is the origin fallback, satisfied by every objectstore.Store.
type Presigner interface {
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Config selects the strategy. Markers are the path segments KeyFromURL
// anchors on, normally the asset categories.
type Config struct {
	CDNDomain     string
	KeyPairID     string
	PrivateKeyPEM []byte
	DefaultTTL    time.Duration
	Markers       []string
}

// Grant is a bearer capability: whoever holds URL can read Key until ExpiresAt.
// Never log URL.
type Grant struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	Key       string    `json:"key"`
	Strategy  Strategy  `json:"strategy"`
}

// NeedsRefresh reports whether g has less than RefreshMargin of validity left at now.
func NeedsRefresh(g Grant, now time.Time) bool {
	return g.ExpiresAt.Sub(now) < RefreshMargin
}

// SigningError is a configuration defect in the signing key material.
type SigningError struct {
	Reason string
	Err    error
}

func (e *SigningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signing misconfigured: %s: %v", e.Reason, e.Err)
	}
	return "signing misconfigured: " + e.Reason
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// Service mints Grants. It is immutable after New and safe for concurrent use.
type Service struct {
	strategy   Strategy
	cdnBase    string
	signer     *sign.URLSigner
	origin     Presigner
	defaultTTL time.Duration
	markers    []string
	log        *slog.Logger
	now        func() time.Time
}

// New picks the strategy for cfg. origin may be nil only when a CDN domain is set.
func New(cfg Config, origin Presigner, log *slog.Logger) (*Service, error) {
	s := &Service{
		origin:     origin,
		defaultTTL: cfg.DefaultTTL,
		markers:    cfg.Markers,
		log:        log.With(slog.String("component", "signing")),
		now:        time.Now,
	}
	if s.defaultTTL <= 0 {
		s.defaultTTL = DefaultTTL
	}

	hasKeyID := cfg.KeyPairID != ""
	hasKey := len(cfg.PrivateKeyPEM) > 0
	if hasKeyID != hasKey {
		return nil, &SigningError{Reason: "key-pair id and private key must be configured together"}
	}

	switch {
	case cfg.CDNDomain != "" && hasKey:
		key, err := parseRSAKey(cfg.PrivateKeyPEM)
		if err != nil {
			return nil, err
		}
		s.strategy = StrategyCDNSigned
		s.cdnBase = normaliseDomain(cfg.CDNDomain)
		s.signer = sign.NewURLSigner(cfg.KeyPairID, key)
	case cfg.CDNDomain != "":
		s.strategy = StrategyCDNPublic
		s.cdnBase = normaliseDomain(cfg.CDNDomain)
		s.log.Warn("CDN signing keys not configured; serving unsigned CDN URLs, media is readable by anyone with the link",
			slog.String("cdn_domain", cfg.CDNDomain))
	default:
		if origin == nil {
			return nil, &SigningError{Reason: "no CDN configured and no origin presigner available"}
		}
		s.strategy = StrategyOriginPresigned
		s.log.Info("no CDN configured; minting origin presigned URLs")
	}
	return s, nil
}

// Strategy returns the strategy chosen at construction.
func (s *Service) Strategy() Strategy {
	return s.strategy
}

// IsFullySecure is true only when URLs are CDN-signed.
func (s *Service) IsFullySecure() bool {
	return s.strategy == StrategyCDNSigned
}

// Mint returns a Grant for keyOrURL. Absolute URLs (legacy stored values) are
// reduced to their storage key first. ttl <= 0 uses the default.
func (s *Service) Mint(ctx context.Context, keyOrURL string, ttl time.Duration) (Grant, error) {
	key, err := objectstore.CleanKey(KeyFromURL(keyOrURL, s.markers))
	if err != nil {
		return Grant{}, err
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	// Expiry is carried in whole epoch seconds. Round up so a sub-second ttl
	// still yields an expiry after now.
	exact := s.now().Add(ttl)
	expiresAt := exact.Truncate(time.Second)
	if expiresAt.Before(exact) {
		expiresAt = expiresAt.Add(time.Second)
	}

	g := Grant{Key: key, ExpiresAt: expiresAt, Strategy: s.strategy}
	switch s.strategy {
	case StrategyCDNSigned:
		signed, err := s.signer.Sign(s.cdnURL(key), expiresAt)
		if err != nil {
			return Grant{}, &SigningError{Reason: "sign CDN url", Err: err}
		}
		g.URL = signed
	case StrategyCDNPublic:
		g.URL = s.cdnURL(key)
	default:
		if r := ttl % time.Second; r != 0 {
			ttl += time.Second - r
		}
		u, err := s.origin.Presign(ctx, key, ttl)
		if err != nil {
			return Grant{}, fmt.Errorf("origin presign: %w", err)
		}
		g.URL = u
	}
	return g, nil
}

func (s *Service) cdnURL(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.cdnBase + "/" + strings.Join(parts, "/")
}

func normaliseDomain(domain string) string {
	domain = strings.TrimRight(domain, "/")
	if !strings.Contains(domain, "://") {
		domain = "https://" + domain
	}
	return domain
}

// parseRSAKey accepts PKCS#1 and PKCS#8 PEM blocks.
func parseRSAKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, &SigningError{Reason: "private key is not PEM encoded"}
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, &SigningError{Reason: "parse private key", Err: err}
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, &SigningError{Reason: "private key is not RSA", Err: errors.New("unsupported key type")}
	}
	return key, nil
}

// KeyFromURL recovers a storage key from an absolute URL by locating the first
// path segment equal to one of markers and keeping everything from there. Bare
// keys are returned unchanged. Pure string work; no I/O.
func KeyFromURL(raw string, markers []string) string {
	if !strings.Contains(raw, "://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	segments := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
	for i, seg := range segments {
		for _, m := range markers {
			if seg == m {
				return strings.Join(segments[i:], "/")
			}
		}
	}
	return strings.TrimPrefix(u.Path, "/")
}

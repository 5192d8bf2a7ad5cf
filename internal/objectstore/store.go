// Package objectstore persists HLS outputs and cover art behind one interface
// with a local-disk and an S3-compatible implementation. The caller picks one at
// startup and never branches on the backend afterwards.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"
)

// Visibility controls whether an object may be read without a signature.
type Visibility int

const (
	Private Visibility = iota
	Public
)

func (v Visibility) String() string {
	if v == Public {
		return "public"
	}
	return "private"
}

// Object is an open object body. Callers must close Body.
type Object struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
	ModTime     time.Time
}

// Store is the contract shared by every backend. Implementations must be safe
// for concurrent use by many callers writing disjoint keys.
type Store interface {
	// Put writes r under key, replacing any previous object. size may be -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, vis Visibility) error
	// Get opens key. A missing key is a StorageError of kind KindNotFound.
	Get(ctx context.Context, key string) (*Object, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// List returns every key beginning with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key beginning with prefix. On partial failure
	// it returns a *PrefixDeleteError listing what remains.
	DeletePrefix(ctx context.Context, prefix string) error
	// Presign returns an origin URL that grants read access to key until ttl elapses.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Kind classifies storage failures.
type Kind int

const (
	// KindTransient covers network and throttling failures worth retrying.
	KindTransient Kind = iota
	// KindNotFound means the key or prefix does not exist.
	KindNotFound
	// KindPermanent covers credentials, bucket and permission problems. Alert, don't retry.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// ErrNotFound matches any StorageError of kind KindNotFound via errors.Is.
var ErrNotFound = errors.New("object not found")

// ErrInvalidKey is returned for keys that are empty, absolute or escape the namespace.
var ErrInvalidKey = errors.New("invalid object key")

// StorageError wraps a backend failure with the operation and key.
type StorageError struct {
	Op   string
	Key  string
	Kind Kind
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q (%s): %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrNotFound && e.Kind == KindNotFound
}

// IsRetryable reports whether err is a transient storage failure.
func IsRetryable(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindTransient
}

// PrefixDeleteError reports the keys a DeletePrefix call could not remove.
type PrefixDeleteError struct {
	Prefix    string
	Remaining []string
	Err       error
}

func (e *PrefixDeleteError) Error() string {
	return fmt.Sprintf("delete prefix %q: %d objects remain: %v", e.Prefix, len(e.Remaining), e.Err)
}

func (e *PrefixDeleteError) Unwrap() error {
	return e.Err
}

// CleanKey normalises key and rejects traversal, absolute paths and backslashes.
func CleanKey(key string) (string, error) {
	if key == "" || strings.Contains(key, "\\") || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return clean, nil
}

// ContentTypeFor picks a content type from the key's extension.
func ContentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/MP2T"
	}
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

package objectstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

const (
	objectsDir = "objects"
	metaDir    = "meta"
)

var (
	// ErrSignatureInvalid is returned by VerifyPresigned for tampered or foreign URLs.
	ErrSignatureInvalid = errors.New("presigned url signature invalid")
	// ErrSignatureExpired is returned by VerifyPresigned once the expiry has passed.
	ErrSignatureExpired = errors.New("presigned url expired")
)

// objectMeta is kept next to each object so Get can report the content type
// and the static handler can honour visibility.
type objectMeta struct {
	ContentType string `json:"content_type"`
	Visibility  string `json:"visibility"`
}

// LocalStore keeps objects under a base directory and serves them through
// Handler at baseURL. Presigned URLs carry an HMAC over key and expiry.
type LocalStore struct {
	root    string
	baseURL string
	secret  []byte
	log     *slog.Logger
	now     func() time.Time
}

// NewLocalStore creates the directory layout under root. baseURL is the public
// URL Handler is mounted at, e.g. "https://api.example.com/media".
func NewLocalStore(root, baseURL, secret string, log *slog.Logger) (*LocalStore, error) {
	if secret == "" {
		return nil, errors.New("local store requires a signing secret")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	for _, d := range []string{objectsDir, metaDir} {
		if err := os.MkdirAll(filepath.Join(abs, d), 0o755); err != nil {
			return nil, fmt.Errorf("create storage root: %w", err)
		}
	}
	return &LocalStore{
		root:    abs,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		log:     log.With(slog.String("component", "objectstore"), slog.String("backend", "local")),
		now:     time.Now,
	}, nil
}

func (s *LocalStore) objectPath(key string) string {
	return filepath.Join(s.root, objectsDir, filepath.FromSlash(key))
}

func (s *LocalStore) metaPath(key string) string {
	return filepath.Join(s.root, metaDir, filepath.FromSlash(key)+".json")
}

// Put implements Store.Put. The write lands through a temp file and rename, so
// readers see either the old or the new object, never a torn one.
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string, vis Visibility) error {
	key, err := CleanKey(key)
	if err != nil {
		return &StorageError{Op: "put", Key: key, Kind: KindPermanent, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "put", Key: key, Kind: KindTransient, Err: err}
	}
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}

	if err := writeAtomic(s.objectPath(key), func(w io.Writer) error {
		_, err := io.Copy(w, contextReader{ctx: ctx, r: r})
		return err
	}); err != nil {
		return &StorageError{Op: "put", Key: key, Kind: classifyFSError(err), Err: err}
	}

	meta, _ := json.Marshal(objectMeta{ContentType: contentType, Visibility: vis.String()})
	if err := writeAtomic(s.metaPath(key), func(w io.Writer) error {
		_, err := w.Write(meta)
		return err
	}); err != nil {
		return &StorageError{Op: "put", Key: key, Kind: classifyFSError(err), Err: err}
	}
	return nil
}

func writeAtomic(dst string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	pending, err := renameio.NewPendingFile(dst, renameio.WithPermissions(0o644))
	if err != nil {
		return err
	}
	defer func() {
		_ = pending.Cleanup()
	}()
	if err := write(pending); err != nil {
		return err
	}
	return pending.CloseAtomicallyReplace()
}

func (s *LocalStore) readMeta(key string) objectMeta {
	meta := objectMeta{ContentType: ContentTypeFor(key), Visibility: Private.String()}
	b, err := os.ReadFile(s.metaPath(key))
	if err != nil {
		return meta
	}
	_ = json.Unmarshal(b, &meta)
	return meta
}

// Get implements Store.Get.
func (s *LocalStore) Get(_ context.Context, key string) (*Object, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, &StorageError{Op: "get", Key: key, Kind: KindNotFound, Err: err}
	}
	f, err := os.Open(s.objectPath(key))
	if err != nil {
		return nil, &StorageError{Op: "get", Key: key, Kind: classifyFSError(err), Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &StorageError{Op: "get", Key: key, Kind: classifyFSError(err), Err: err}
	}
	if info.IsDir() {
		f.Close()
		return nil, &StorageError{Op: "get", Key: key, Kind: KindNotFound, Err: fs.ErrNotExist}
	}
	return &Object{
		Body:        f,
		Size:        info.Size(),
		ContentType: s.readMeta(key).ContentType,
		ModTime:     info.ModTime(),
	}, nil
}

// Exists implements Store.Exists.
func (s *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	key, err := CleanKey(key)
	if err != nil {
		return false, nil
	}
	info, err := os.Stat(s.objectPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, &StorageError{Op: "stat", Key: key, Kind: classifyFSError(err), Err: err}
	}
	return !info.IsDir(), nil
}

// List implements Store.List.
func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	base := filepath.Join(s.root, objectsDir)
	// Walk only the deepest directory the prefix pins down.
	dir := path.Dir(prefix + "x")
	if dir == "." {
		dir = ""
	}
	if dir != "" {
		if _, err := CleanKey(dir); err != nil {
			return nil, &StorageError{Op: "list", Key: prefix, Kind: KindPermanent, Err: err}
		}
	}
	start := filepath.Join(base, filepath.FromSlash(dir))

	var keys []string
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, &StorageError{Op: "list", Key: prefix, Kind: classifyFSError(err), Err: err}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete implements Store.Delete.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	key, err := CleanKey(key)
	if err != nil {
		return &StorageError{Op: "delete", Key: key, Kind: KindPermanent, Err: err}
	}
	if err := os.Remove(s.objectPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &StorageError{Op: "delete", Key: key, Kind: classifyFSError(err), Err: err}
	}
	if err := os.Remove(s.metaPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("orphaned object metadata", slog.String("key", key), slog.String("error", err.Error()))
	}
	return nil
}

// DeletePrefix implements Store.DeletePrefix.
func (s *LocalStore) DeletePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return &StorageError{Op: "delete_prefix", Kind: KindPermanent, Err: ErrInvalidKey}
	}
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}

	var remaining []string
	var errs []error
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			remaining = append(remaining, key)
			errs = append(errs, err)
		}
	}
	if len(remaining) > 0 {
		return &PrefixDeleteError{Prefix: prefix, Remaining: remaining, Err: errors.Join(errs...)}
	}

	if strings.HasSuffix(prefix, "/") {
		s.pruneDirs(strings.TrimSuffix(prefix, "/"))
	}
	return nil
}

// pruneDirs removes the now-empty directory tree for a deleted prefix.
func (s *LocalStore) pruneDirs(dir string) {
	dir, err := CleanKey(dir)
	if err != nil {
		return
	}
	for _, base := range []string{objectsDir, metaDir} {
		p := filepath.Join(s.root, base, filepath.FromSlash(dir))
		if err := os.RemoveAll(p); err != nil {
			s.log.Warn("prune directory failed", slog.String("dir", p), slog.String("error", err.Error()))
		}
	}
}

// Presign implements Store.Presign.
func (s *LocalStore) Presign(_ context.Context, key string, ttl time.Duration) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", &StorageError{Op: "presign", Key: key, Kind: KindPermanent, Err: err}
	}
	expires := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(key, expires))
	return s.baseURL + "/" + escapeKey(key) + "?" + q.Encode(), nil
}

func (s *LocalStore) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(key))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPresigned checks the expires/sig query pair Presign produced for key.
func (s *LocalStore) VerifyPresigned(key string, q url.Values) error {
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	want := s.sign(key, expires)
	if !hmac.Equal([]byte(want), []byte(q.Get("sig"))) {
		return ErrSignatureInvalid
	}
	if s.now().Unix() >= expires {
		return ErrSignatureExpired
	}
	return nil
}

// Handler serves objects at baseURL. Mount it with the prefix stripped, e.g.
// r.Mount("/media", http.StripPrefix("/media", store.Handler())).
// Private objects require a valid presigned query.
func (s *LocalStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		key, err := CleanKey(strings.TrimPrefix(r.URL.Path, "/"))
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		meta := s.readMeta(key)
		if meta.Visibility != Public.String() {
			if err := s.VerifyPresigned(key, r.URL.Query()); err != nil {
				s.log.Debug("presigned request rejected", slog.String("key", key), slog.String("error", err.Error()))
				w.WriteHeader(http.StatusForbidden)
				return
			}
		}

		f, err := os.Open(s.objectPath(key))
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil || info.IsDir() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", meta.ContentType)
		http.ServeContent(w, r, "", info.ModTime(), f)
	})
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func classifyFSError(err error) Kind {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return KindNotFound
	case errors.Is(err, fs.ErrPermission):
		return KindPermanent
	default:
		return KindTransient
	}
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

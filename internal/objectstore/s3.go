package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config addresses an S3-compatible bucket (AWS S3, MinIO, R2, ...).
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3Store is the remote bucket backend. The underlying minio client is safe for
// concurrent use, so one S3Store serves the whole process.
type S3Store struct {
	client *minio.Client
	bucket string
	log    *slog.Logger
}

// NewS3Store builds a client for cfg. It does not contact the bucket; call
// Ping at startup to surface bad credentials early.
func NewS3Store(cfg S3Config, log *slog.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 store requires a bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		log:    log.With(slog.String("component", "objectstore"), slog.String("backend", "s3")),
	}, nil
}

// Ping checks the bucket exists and the credentials can see it.
func (s *S3Store) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return s.wrap("ping", s.bucket, err)
	}
	if !ok {
		return &StorageError{Op: "ping", Key: s.bucket, Kind: KindPermanent, Err: errors.New("bucket does not exist")}
	}
	return nil
}

// Put implements Store.Put.
func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, vis Visibility) error {
	key, err := CleanKey(key)
	if err != nil {
		return &StorageError{Op: "put", Key: key, Kind: KindPermanent, Err: err}
	}
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	if vis == Public {
		opts.UserMetadata = map[string]string{"x-amz-acl": "public-read"}
	}
	if _, err := s.client.PutObject(ctx, s.bucket, key, r, size, opts); err != nil {
		return s.wrap("put", key, err)
	}
	return nil
}

// Get implements Store.Get.
func (s *S3Store) Get(ctx context.Context, key string) (*Object, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, &StorageError{Op: "get", Key: key, Kind: KindNotFound, Err: err}
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrap("get", key, err)
	}
	// GetObject is lazy; Stat performs the request and surfaces NoSuchKey.
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, s.wrap("get", key, err)
	}
	return &Object{
		Body:        obj,
		Size:        info.Size,
		ContentType: info.ContentType,
		ModTime:     info.LastModified,
	}, nil
}

// Exists implements Store.Exists.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	key, err := CleanKey(key)
	if err != nil {
		return false, nil
	}
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		werr := s.wrap("stat", key, err)
		if errors.Is(werr, ErrNotFound) {
			return false, nil
		}
		return false, werr
	}
	return true, nil
}

// List implements Store.List.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, s.wrap("list", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete implements Store.Delete. S3 reports success for missing keys.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	key, err := CleanKey(key)
	if err != nil {
		return &StorageError{Op: "delete", Key: key, Kind: KindPermanent, Err: err}
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		werr := s.wrap("delete", key, err)
		if errors.Is(werr, ErrNotFound) {
			return nil
		}
		return werr
	}
	return nil
}

// DeletePrefix implements Store.DeletePrefix using batched multi-object deletes.
func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return &StorageError{Op: "delete_prefix", Kind: KindPermanent, Err: ErrInvalidKey}
	}
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	objects := make(chan minio.ObjectInfo, len(keys))
	for _, k := range keys {
		objects <- minio.ObjectInfo{Key: k}
	}
	close(objects)

	var remaining []string
	var errs []error
	for rerr := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		remaining = append(remaining, rerr.ObjectName)
		errs = append(errs, s.wrap("delete", rerr.ObjectName, rerr.Err))
	}
	if len(remaining) > 0 {
		sort.Strings(remaining)
		return &PrefixDeleteError{Prefix: prefix, Remaining: remaining, Err: errors.Join(errs...)}
	}
	return nil
}

// Presign implements Store.Presign.
func (s *S3Store) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", &StorageError{Op: "presign", Key: key, Kind: KindPermanent, Err: err}
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", s.wrap("presign", key, err)
	}
	return u.String(), nil
}

func (s *S3Store) wrap(op, key string, err error) error {
	return &StorageError{Op: op, Key: key, Kind: classifyS3Error(err), Err: err}
}

// classifyS3Error maps S3 error codes onto the storage taxonomy.
func classifyS3Error(err error) Kind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NotFound":
		return KindNotFound
	case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
		"InvalidBucketName", "AllAccessDisabled", "AccountProblem":
		return KindPermanent
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest:
		return KindPermanent
	}
	return KindTransient
}

package orchestrator

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hls-delivery/internal/objectstore"
	"hls-delivery/internal/platform/logger"
	"hls-delivery/internal/platform/metrics"
	"hls-delivery/internal/signing"
	"hls-delivery/internal/transcoder"
	"hls-delivery/internal/transcoder/transcodertest"
)

const (
	testCDNDomain = "d111.cloudfront.net"
	testKeyPairID = "K2JCJMDEHXQW5F"
)

var testKeyPEM = sync.OnceValue(func() []byte {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
})

// fakeTranscoder stands in for ffmpeg. Segment writes a playlist and
// ceil(duration/10) segment files the way the real encoder lays them out.
type fakeTranscoder struct {
	meta        transcoder.Metadata
	validateErr error
	segmentErr  error
	unavailable error

	// hold, when set, parks Segment until closed or the context ends.
	hold    chan struct{}
	started chan struct{}

	mu        sync.Mutex
	active    int
	maxActive int
}

func newFakeTranscoder(seconds float64) *fakeTranscoder {
	return &fakeTranscoder{
		meta: transcoder.Metadata{
			DurationSeconds: seconds,
			Bitrate:         128000,
			SampleRate:      44100,
			Channels:        2,
			Codec:           "mp3",
		},
		started: make(chan struct{}, 16),
	}
}

func (f *fakeTranscoder) CheckAvailable(context.Context) error {
	return f.unavailable
}

func (f *fakeTranscoder) Validate(_ context.Context, inputPath string) (transcoder.Metadata, error) {
	if info, err := os.Stat(inputPath); err != nil || info.Size() == 0 {
		return transcoder.Metadata{}, transcoder.ErrDecode
	}
	if f.validateErr != nil {
		return transcoder.Metadata{}, f.validateErr
	}
	err := transcoder.CheckDuration(f.meta.Duration(), transcoder.DefaultMinDuration, transcoder.DefaultMaxDuration)
	return f.meta, err
}

func (f *fakeTranscoder) Segment(ctx context.Context, _ string, outputDir string) (transcoder.Output, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	select {
	case f.started <- struct{}{}:
	default:
	}
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return transcoder.Output{}, ctx.Err()
		}
	}
	if f.segmentErr != nil {
		// ffmpeg writes segments as it goes, so a failure leaves some behind.
		if err := transcodertest.WriteSegments(outputDir, 3); err != nil {
			return transcoder.Output{}, err
		}
		return transcoder.Output{}, f.segmentErr
	}

	names, err := transcodertest.WriteOutput(outputDir, transcodertest.Durations(f.meta.DurationSeconds, 10))
	if err != nil {
		return transcoder.Output{}, err
	}
	return transcoder.Output{
		PlaylistFilename: transcoder.PlaylistFilename,
		SegmentFilenames: names,
		OutputDir:        outputDir,
	}, nil
}

func (f *fakeTranscoder) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

// flakyStore fails every Put after the first okPuts succeed.
type flakyStore struct {
	objectstore.Store
	okPuts int64
	puts   atomic.Int64
}

func (s *flakyStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, vis objectstore.Visibility) error {
	if s.puts.Add(1) > s.okPuts {
		return &objectstore.StorageError{Op: "put", Key: key, Kind: objectstore.KindTransient, Err: errors.New("injected failure")}
	}
	return s.Store.Put(ctx, key, r, size, contentType, vis)
}

// recordingRepo remembers every status each asset passed through and counts reads.
type recordingRepo struct {
	Repository
	mu      sync.Mutex
	history map[AssetID][]Status
	gets    atomic.Int64
}

func newRecordingRepo(inner Repository) *recordingRepo {
	return &recordingRepo{Repository: inner, history: make(map[AssetID][]Status)}
}

func (r *recordingRepo) Create(ctx context.Context, a MediaAsset) error {
	if err := r.Repository.Create(ctx, a); err != nil {
		return err
	}
	r.mu.Lock()
	r.history[a.ID] = append(r.history[a.ID], a.Status)
	r.mu.Unlock()
	return nil
}

func (r *recordingRepo) Transition(ctx context.Context, id AssetID, to Status, mutate func(*MediaAsset)) (MediaAsset, error) {
	a, err := r.Repository.Transition(ctx, id, to, mutate)
	if err == nil {
		r.mu.Lock()
		r.history[id] = append(r.history[id], to)
		r.mu.Unlock()
	}
	return a, err
}

func (r *recordingRepo) Get(ctx context.Context, id AssetID) (MediaAsset, error) {
	r.gets.Add(1)
	return r.Repository.Get(ctx, id)
}

func (r *recordingRepo) statuses(id AssetID) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.history[id]...)
}

type harnessConfig struct {
	seconds float64
	cdn     bool
	okPuts  int64 // 0 means no injected failures
	workers int

	instance string
	metrics  *metrics.Metrics
}

type harness struct {
	svc     *Service
	store   *InMemoryStore
	repo    *recordingRepo
	objects *objectstore.LocalStore
	tc      *fakeTranscoder
	scratch string
	done    chan MediaAsset
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()
	if hc.seconds == 0 {
		hc.seconds = 30
	}
	log := logger.Discard()

	objects, err := objectstore.NewLocalStore(t.TempDir(), "http://localhost:8080/media", "test-secret", log)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	var store objectstore.Store = objects
	if hc.okPuts > 0 {
		store = &flakyStore{Store: objects, okPuts: hc.okPuts}
	}

	sigCfg := signing.Config{Markers: CategoryMarkers()}
	if hc.cdn {
		sigCfg.CDNDomain = testCDNDomain
		sigCfg.KeyPairID = testKeyPairID
		sigCfg.PrivateKeyPEM = testKeyPEM()
	}
	signer, err := signing.New(sigCfg, objects, log)
	if err != nil {
		t.Fatalf("signing.New: %v", err)
	}

	h := &harness{
		store:   NewInMemoryStore(),
		objects: objects,
		tc:      newFakeTranscoder(hc.seconds),
		scratch: t.TempDir(),
		done:    make(chan MediaAsset, 16),
	}
	h.repo = newRecordingRepo(NewRepository(h.store))
	opts := []Option{WithCompletionHook(func(a MediaAsset) { h.done <- a })}
	if hc.metrics != nil {
		opts = append(opts, WithMetrics(hc.metrics))
	}
	h.svc = NewService(h.repo, h.tc, store, signer, log, Config{
		ScratchDir:        h.scratch,
		Workers:           hc.workers,
		UploadConcurrency: 4,
		InstanceID:        hc.instance,
	}, opts...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.svc.Close(ctx)
	})
	return h
}

func (h *harness) wait(t *testing.T) MediaAsset {
	t.Helper()
	select {
	case a := <-h.done:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pipeline")
		return MediaAsset{}
	}
}

func (h *harness) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-h.tc.started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transcode to start")
	}
}

func (h *harness) close(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.svc.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func (h *harness) keys(t *testing.T, prefix string) []string {
	t.Helper()
	keys, err := h.objects.List(context.Background(), prefix)
	if err != nil {
		t.Fatalf("List %s: %v", prefix, err)
	}
	return keys
}

func (h *harness) assertScratchEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.scratch)
	if err != nil {
		t.Fatalf("read scratch: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch not cleaned: %d entries left", len(entries))
	}
}

func (h *harness) submit(t *testing.T, c Category) MediaAsset {
	t.Helper()
	a, err := h.svc.Submit(context.Background(), Upload{
		Category:  c,
		Audio:     strings.NewReader("ID3 not really an mp3"),
		AudioName: "track.mp3",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return a
}

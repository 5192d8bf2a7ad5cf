package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"hls-delivery/internal/objectstore"
	"hls-delivery/internal/platform/metrics"
	"hls-delivery/internal/signing"
	"hls-delivery/internal/transcoder"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultWorkers           = 2
	DefaultUploadConcurrency = 4
	DefaultPipelineTimeout   = 15 * time.Minute

	// cleanupTimeout bounds compensation work that must run after the
	// pipeline context is gone.
	cleanupTimeout = 30 * time.Second

	maxFailureReason = 512
)

var (
	// ErrInvalidID is returned when an asset id is not a well-formed UUID.
	ErrInvalidID = errors.New("invalid asset id")

	// ErrUnknownCategory is returned for a category outside Categories.
	ErrUnknownCategory = errors.New("unknown category")

	// ErrMissingAudio is returned when an upload carries no audio stream.
	ErrMissingAudio = errors.New("audio file is required")

	// ErrUnsupportedCover is returned for cover images of an unaccepted type.
	ErrUnsupportedCover = errors.New("unsupported cover image type")

	// ErrNotReady is returned when playback is requested before the asset is ready.
	ErrNotReady = errors.New("asset not ready")

	// ErrUnknownFile is returned when a playback path names no object of the asset.
	ErrUnknownFile = errors.New("unknown asset file")

	// ErrClosed is returned once the service has begun shutting down.
	ErrClosed = errors.New("service is shutting down")
)

var coverExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true}

// Transcoder is the part of the encoder adapter the pipeline drives.
type Transcoder interface {
	CheckAvailable(ctx context.Context) error
	Validate(ctx context.Context, inputPath string) (transcoder.Metadata, error)
	Segment(ctx context.Context, inputPath, outputDir string) (transcoder.Output, error)
}

// Signer mints playback grants.
type Signer interface {
	Mint(ctx context.Context, keyOrURL string, ttl time.Duration) (signing.Grant, error)
	Strategy() signing.Strategy
	IsFullySecure() bool
}

// Config tunes the Service. Zero values take the defaults above.
type Config struct {
	ScratchDir        string
	Workers           int
	UploadConcurrency int
	PipelineTimeout   time.Duration
	GrantTTL          time.Duration
	// InstanceID identifies this replica on the records it creates, so
	// Recover only fails pipelines this replica was running. Defaults to the
	// hostname.
	InstanceID string
}

// Upload is one incoming asset. Audio is required; Cover is optional.
type Upload struct {
	Category    Category
	Owner       string
	Audio       io.Reader
	AudioName   string
	Cover       io.Reader
	CoverName   string
	PublicCover bool
}

// Service owns the MediaAsset lifecycle. Upload validation runs inline; the
// transcode and persist steps run on a bounded pool in the background.
type Service struct {
	repo    Repository
	tc      Transcoder
	objects objectstore.Store
	signer  Signer
	metrics *metrics.Metrics
	log     *slog.Logger
	cfg     Config

	onComplete func(MediaAsset)

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[AssetID]*pipeline
}

type pipeline struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// job is the hand-off from Submit to the background pipeline.
type job struct {
	asset       MediaAsset
	scratch     string
	input       string
	cover       string
	publicCover bool
}

// Option customises a Service.
type Option func(*Service)

// WithMetrics records pipeline and grant metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithCompletionHook registers fn to run once per asset when it reaches ready
// or failed. fn runs on the pipeline goroutine and must not block for long.
func WithCompletionHook(fn func(MediaAsset)) Option {
	return func(s *Service) {
		s.onComplete = fn
	}
}

// NewService wires the orchestrator. Call Close to stop background pipelines.
func NewService(repo Repository, tc Transcoder, objects objectstore.Store, signer Signer, log *slog.Logger, cfg Config, opts ...Option) *Service {
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = DefaultUploadConcurrency
	}
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = DefaultPipelineTimeout
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		repo:     repo,
		tc:       tc,
		objects:  objects,
		signer:   signer,
		log:      log.With(slog.String("component", "orchestrator")),
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[AssetID]*pipeline),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return uuid.NewString()
}

// Submit spools the upload to scratch, validates it, records a pending asset
// and schedules the pipeline. Nothing is written to the object store before
// validation passes. The returned asset is pending.
func (s *Service) Submit(ctx context.Context, up Upload) (MediaAsset, error) {
	if s.isClosed() {
		return MediaAsset{}, ErrClosed
	}
	if _, err := ParseCategory(string(up.Category)); err != nil {
		return MediaAsset{}, err
	}
	if up.Audio == nil {
		return MediaAsset{}, ErrMissingAudio
	}
	coverExt := ""
	if up.Cover != nil {
		coverExt = strings.ToLower(filepath.Ext(up.CoverName))
		if !coverExtensions[coverExt] {
			return MediaAsset{}, fmt.Errorf("%w: %q", ErrUnsupportedCover, coverExt)
		}
	}

	scratch, err := os.MkdirTemp(s.cfg.ScratchDir, "hls-"+uuid.NewString()+"-*")
	if err != nil {
		return MediaAsset{}, fmt.Errorf("create scratch dir: %w", err)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			s.removeScratch(scratch)
		}
	}()

	j := job{scratch: scratch, publicCover: up.PublicCover}
	j.input, err = spool(ctx, scratch, "input"+safeExt(up.AudioName), up.Audio)
	if err != nil {
		return MediaAsset{}, fmt.Errorf("spool audio: %w", err)
	}
	if up.Cover != nil {
		j.cover, err = spool(ctx, scratch, "cover"+coverExt, up.Cover)
		if err != nil {
			return MediaAsset{}, fmt.Errorf("spool cover: %w", err)
		}
	}

	meta, err := s.tc.Validate(ctx, j.input)
	if err != nil {
		return MediaAsset{}, err
	}

	id := AssetID(uuid.NewString())
	a := MediaAsset{
		ID:               id,
		Category:         up.Category,
		Status:           StatusPending,
		Owner:            up.Owner,
		Instance:         s.cfg.InstanceID,
		StorageKeyPrefix: HLSPrefix(up.Category, id),
		DurationSeconds:  meta.DurationSeconds,
		Bitrate:          meta.Bitrate,
		SampleRate:       meta.SampleRate,
		Channels:         meta.Channels,
		Codec:            meta.Codec,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return MediaAsset{}, fmt.Errorf("record asset: %w", err)
	}
	a, err = s.repo.Get(ctx, id)
	if err != nil {
		return MediaAsset{}, err
	}
	j.asset = a

	if !s.start(j) {
		// Close raced with this upload. The record exists, so fail it properly.
		s.abandon(a, ErrClosed)
		return MediaAsset{}, ErrClosed
	}
	handedOff = true

	s.log.Info("upload accepted",
		slog.String("asset_id", string(id)),
		slog.String("category", string(up.Category)),
		slog.Float64("duration_seconds", meta.DurationSeconds))
	return a, nil
}

// start registers and launches the pipeline goroutine unless the service is closed.
func (s *Service) start(j job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.PipelineTimeout)
	p := &pipeline{cancel: cancel, done: make(chan struct{})}
	s.inflight[j.asset.ID] = p
	s.wg.Add(1)
	go s.run(ctx, p, j)
	return true
}

func (s *Service) run(ctx context.Context, p *pipeline, j job) {
	var final MediaAsset
	defer s.wg.Done()
	defer close(p.done)
	defer p.cancel()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, j.asset.ID)
		s.mu.Unlock()
	}()
	// The hook fires after scratch is gone, so observers see a finished pipeline.
	defer func() {
		if s.onComplete != nil && final.ID != "" {
			s.onComplete(final)
		}
	}()
	defer s.removeScratch(j.scratch)

	start := time.Now()
	log := s.log.With(slog.String("asset_id", string(j.asset.ID)), slog.String("category", string(j.asset.Category)))

	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Warn("pipeline abandoned before start", slog.String("error", err.Error()))
		final = s.fail(j.asset, err)
		s.observe(StatusFailed, start)
		return
	}
	defer s.sem.Release(1)
	if s.metrics != nil {
		s.metrics.TranscodeStarted()
		defer s.metrics.TranscodeFinished()
	}

	var err error
	final, err = s.process(ctx, j, log)
	if err != nil {
		log.Warn("pipeline failed", slog.String("error", err.Error()))
		final = s.fail(j.asset, err)
		s.observe(StatusFailed, start)
		return
	}
	log.Info("asset ready",
		slog.Int("segments", final.SegmentCount),
		slog.Duration("took", time.Since(start)))
	s.observe(StatusReady, start)
}

// process runs pending→processing→ready. Any error leaves compensation to the caller.
func (s *Service) process(ctx context.Context, j job, log *slog.Logger) (MediaAsset, error) {
	a := j.asset
	if _, err := s.repo.Transition(ctx, a.ID, StatusProcessing, nil); err != nil {
		return MediaAsset{}, fmt.Errorf("mark processing: %w", err)
	}

	outDir := filepath.Join(j.scratch, "hls")
	if err := os.Mkdir(outDir, 0o755); err != nil {
		return MediaAsset{}, fmt.Errorf("create output dir: %w", err)
	}
	out, err := s.tc.Segment(ctx, j.input, outDir)
	if err != nil {
		return MediaAsset{}, err
	}
	log.Debug("transcoded", slog.Int("segments", len(out.SegmentFilenames)))

	playlistKey, err := s.uploadHLS(ctx, a, out)
	if err != nil {
		return MediaAsset{}, err
	}

	coverKey := ""
	if j.cover != "" {
		coverKey = AssetPrefix(a.Category, a.ID) + "cover" + filepath.Ext(j.cover)
		vis := objectstore.Private
		if j.publicCover {
			vis = objectstore.Public
		}
		if err := s.putFile(ctx, coverKey, j.cover, vis); err != nil {
			return MediaAsset{}, err
		}
	}

	if err := s.verifyPersisted(ctx, playlistKey); err != nil {
		return MediaAsset{}, err
	}
	if err := ctx.Err(); err != nil {
		return MediaAsset{}, err
	}

	return s.repo.Transition(ctx, a.ID, StatusReady, func(m *MediaAsset) {
		m.PlaylistKey = playlistKey
		m.CoverKey = coverKey
		m.SegmentCount = len(out.SegmentFilenames)
	})
}

// uploadHLS persists every segment, then the playlist, all private. The
// playlist goes last so it never references a segment that is not stored.
func (s *Service) uploadHLS(ctx context.Context, a MediaAsset, out transcoder.Output) (string, error) {
	prefix := HLSPrefix(a.Category, a.ID)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.UploadConcurrency)
	for _, name := range out.SegmentFilenames {
		name := name
		g.Go(func() error {
			return s.putFile(gctx, prefix+name, filepath.Join(out.OutputDir, name), objectstore.Private)
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	playlistKey := prefix + out.PlaylistFilename
	if err := s.putFile(ctx, playlistKey, filepath.Join(out.OutputDir, out.PlaylistFilename), objectstore.Private); err != nil {
		return "", err
	}
	return playlistKey, nil
}

func (s *Service) putFile(ctx context.Context, key, localPath string, vis objectstore.Visibility) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(localPath), err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", filepath.Base(localPath), err)
	}
	if err := s.objects.Put(ctx, key, f, info.Size(), objectstore.ContentTypeFor(key), vis); err != nil {
		return err
	}
	if s.metrics != nil && isSegmentKey(key) {
		s.metrics.AddSegmentsUploaded(1)
	}
	return nil
}

func isSegmentKey(key string) bool {
	return path.Ext(key) == ".ts"
}

// verifyPersisted re-reads the stored playlist and checks every segment it
// references exists, so ready always implies a complete rendition.
func (s *Service) verifyPersisted(ctx context.Context, playlistKey string) error {
	obj, err := s.objects.Get(ctx, playlistKey)
	if err != nil {
		return fmt.Errorf("verify playlist: %w", err)
	}
	uris, err := ParseSegmentURIs(obj.Body)
	obj.Body.Close()
	if err != nil {
		return fmt.Errorf("verify playlist: %w", err)
	}

	dir := path.Dir(playlistKey)
	for _, uri := range uris {
		key := dir + "/" + path.Base(uri)
		ok, err := s.objects.Exists(ctx, key)
		if err != nil {
			return fmt.Errorf("verify segment: %w", err)
		}
		if !ok {
			return fmt.Errorf("verify segment: %s: %w", key, objectstore.ErrNotFound)
		}
	}
	return nil
}

// fail deletes whatever was persisted for the asset and marks it failed. It
// runs on a fresh context because the pipeline's may already be cancelled.
// The result is never empty: when the record cannot be moved to failed, the
// latest stored version (or a itself) is returned so completion still fires.
func (s *Service) fail(a MediaAsset, cause error) MediaAsset {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	log := s.log.With(slog.String("asset_id", string(a.ID)))

	cur, err := s.repo.Get(ctx, a.ID)
	if err != nil {
		log.Error("load failed asset", slog.String("error", err.Error()))
		s.purge(ctx, a, log)
		return a
	}
	if cur.Status == StatusReady {
		// Already complete and verified; nothing to compensate.
		return cur
	}
	s.purge(ctx, a, log)

	if cur.Status == StatusPending {
		if _, err := s.repo.Transition(ctx, a.ID, StatusProcessing, nil); err != nil {
			log.Error("mark processing before failure", slog.String("error", err.Error()))
		}
	}
	final, err := s.repo.Transition(ctx, a.ID, StatusFailed, func(m *MediaAsset) {
		m.FailureReason = failureReason(cause)
		m.PlaylistKey = ""
	})
	if err != nil {
		log.Error("mark failed", slog.String("error", err.Error()))
		if latest, gerr := s.repo.Get(ctx, a.ID); gerr == nil {
			return latest
		}
		return cur
	}
	return final
}

// abandon fails an asset whose pipeline was never launched.
func (s *Service) abandon(a MediaAsset, cause error) {
	final := s.fail(a, cause)
	if s.onComplete != nil {
		s.onComplete(final)
	}
}

// purge removes every object under the asset's namespace. Errors are logged only.
func (s *Service) purge(ctx context.Context, a MediaAsset, log *slog.Logger) {
	err := s.objects.DeletePrefix(ctx, AssetPrefix(a.Category, a.ID))
	if err == nil {
		return
	}
	var pe *objectstore.PrefixDeleteError
	if errors.As(err, &pe) {
		log.Error("partial cleanup, objects remain",
			slog.Int("remaining", len(pe.Remaining)),
			slog.Any("keys", pe.Remaining),
			slog.String("error", pe.Err.Error()))
		return
	}
	log.Error("cleanup failed", slog.String("error", err.Error()))
}

func (s *Service) removeScratch(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		s.log.Error("scratch cleanup failed", slog.String("dir", dir), slog.String("error", err.Error()))
	}
}

func (s *Service) observe(outcome Status, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObservePipeline(string(outcome), time.Since(start))
	}
}

// Get returns the asset for a raw id.
func (s *Service) Get(ctx context.Context, rawID string) (MediaAsset, error) {
	id, err := ParseAssetID(rawID)
	if err != nil {
		return MediaAsset{}, err
	}
	return s.repo.Get(ctx, id)
}

// Delete removes an asset and everything stored under its namespace. An
// in-flight pipeline is cancelled and awaited first.
func (s *Service) Delete(ctx context.Context, rawID string) error {
	id, err := ParseAssetID(rawID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	p := s.inflight[id]
	s.mu.Unlock()
	if p != nil {
		p.cancel()
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.objects.DeletePrefix(ctx, AssetPrefix(a.Category, a.ID)); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("asset deleted", slog.String("asset_id", string(id)))
	return nil
}

// Recover fails assets left pending or processing by a previous process of
// this instance and purges their partial objects. Assets another replica is
// running are left alone; records without an instance are treated as ours.
// Call it before accepting uploads.
func (s *Service) Recover(ctx context.Context) (int, error) {
	assets, err := s.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range assets {
		if a.Status.Terminal() {
			continue
		}
		if a.Instance != "" && a.Instance != s.cfg.InstanceID {
			continue
		}
		s.fail(a, errors.New("interrupted by restart"))
		n++
	}
	if n > 0 {
		s.log.Warn("failed interrupted assets", slog.Int("count", n))
	}
	return n, nil
}

// Health reports encoder availability and the signing posture.
func (s *Service) Health(ctx context.Context) (Health, error) {
	h := Health{
		Signing: s.signer.Strategy(),
		Secure:  s.signer.IsFullySecure(),
	}
	err := s.tc.CheckAvailable(ctx)
	h.Encoder = err == nil
	return h, err
}

// Health is the service's self-assessment.
type Health struct {
	Encoder bool             `json:"encoder"`
	Signing signing.Strategy `json:"signing"`
	Secure  bool             `json:"secure"`
}

// CountByStatus exposes repository counts for metrics.
func (s *Service) CountByStatus(ctx context.Context) (map[Status]int, error) {
	return s.repo.CountByStatus(ctx)
}

// Close stops accepting uploads, cancels running pipelines and waits for them
// to finish their cleanup or for ctx to expire.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// spool copies r into dir/name, honouring ctx between chunks.
func spool(ctx context.Context, dir, name string, r io.Reader) (string, error) {
	dst := filepath.Join(dir, name)
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}
	_, err = io.Copy(f, ctxReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	return dst, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// safeExt keeps a short alphanumeric extension from a client filename so the
// prober can use it as a container hint. Anything else is dropped.
func safeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

func failureReason(err error) string {
	var ve *transcoder.ValidationError
	var te *transcoder.TranscodeError
	switch {
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	case errors.As(err, &ve):
		return ve.Error()
	case errors.As(err, &te):
		return fmt.Sprintf("transcode failed: %s exited with code %d", te.Tool, te.ExitCode)
	}
	msg := err.Error()
	if len(msg) > maxFailureReason {
		msg = msg[:maxFailureReason]
	}
	return msg
}

// Package transcoder wraps ffprobe and ffmpeg to probe, validate and segment
// uploaded audio into a VOD HLS rendition on local scratch disk. It never talks
// to the object store.
package transcoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/grafov/m3u8"
)

const (
	PlaylistFilename = "playlist.m3u8"
	segmentPattern   = "segment%03d.ts"

	DefaultMinDuration    = time.Second
	DefaultMaxDuration    = 10 * time.Minute
	DefaultSegmentSeconds = 10

	audioCodec      = "aac"
	audioBitrate    = "128k"
	audioChannels   = 2
	audioSampleRate = 44100
)

// Metadata is what ffprobe reports about the first audio stream.
type Metadata struct {
	DurationSeconds float64 `json:"duration_seconds"`
	Bitrate         int64   `json:"bitrate"`
	SampleRate      int     `json:"sample_rate"`
	Channels        int     `json:"channels"`
	Codec           string  `json:"codec"`
}

// Duration returns DurationSeconds as a time.Duration.
func (m Metadata) Duration() time.Duration {
	return time.Duration(m.DurationSeconds * float64(time.Second))
}

// Output lists the files Segment produced, all relative to OutputDir.
// SegmentFilenames are in playback order.
type Output struct {
	PlaylistFilename string
	SegmentFilenames []string
	OutputDir        string
}

// Config tunes the adapter. Zero values take the defaults above.
type Config struct {
	FFmpegPath     string
	FFprobePath    string
	MinDuration    time.Duration
	MaxDuration    time.Duration
	SegmentSeconds int
}

// FFmpeg is the Transcoder backed by the ffmpeg/ffprobe binaries.
// It holds no per-asset state and is safe for concurrent use.
type FFmpeg struct {
	cfg    Config
	runner Runner
	log    *slog.Logger
}

// Option customises an FFmpeg.
type Option func(*FFmpeg)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(f *FFmpeg) {
		f.runner = r
	}
}

// New returns an FFmpeg adapter.
func New(cfg Config, log *slog.Logger, opts ...Option) *FFmpeg {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = DefaultMinDuration
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = DefaultSegmentSeconds
	}
	f := &FFmpeg{
		cfg:    cfg,
		runner: execRunner{},
		log:    log.With(slog.String("component", "transcoder")),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CheckAvailable verifies both binaries resolve. Run it at startup so a broken
// deployment is visible before the first upload.
func (f *FFmpeg) CheckAvailable(_ context.Context) error {
	for _, bin := range []string{f.cfg.FFprobePath, f.cfg.FFmpegPath} {
		if _, err := f.runner.LookPath(bin); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrToolUnavailable, bin, err)
		}
	}
	return nil
}

// Probe reads stream metadata from inputPath.
func (f *FFmpeg) Probe(ctx context.Context, inputPath string) (Metadata, error) {
	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-select_streams", "a",
		inputPath,
	}

	stdout, stderr, err := f.runner.Run(ctx, f.cfg.FFprobePath, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Metadata{}, ctxErr
		}
		if isNotFound(err) {
			return Metadata{}, fmt.Errorf("%w: %s: %v", ErrToolUnavailable, f.cfg.FFprobePath, err)
		}
		// ffprobe exits non-zero on files it cannot parse at all.
		return Metadata{}, fmt.Errorf("%w: %s", ErrDecode, strings.TrimSpace(tail(stderr)))
	}

	return parseProbe(stdout)
}

// Validate probes inputPath and applies the duration bounds, both inclusive.
// The probed metadata is returned so callers need not probe twice.
func (f *FFmpeg) Validate(ctx context.Context, inputPath string) (Metadata, error) {
	meta, err := f.Probe(ctx, inputPath)
	if err != nil {
		return Metadata{}, err
	}
	if err := CheckDuration(meta.Duration(), f.cfg.MinDuration, f.cfg.MaxDuration); err != nil {
		return meta, err
	}
	return meta, nil
}

// CheckDuration applies inclusive [min, max] bounds.
func CheckDuration(d, min, max time.Duration) error {
	if d < min {
		return &ValidationError{Bound: BoundMinDuration, Limit: min, Actual: d}
	}
	if d > max {
		return &ValidationError{Bound: BoundMaxDuration, Limit: max, Actual: d}
	}
	return nil
}

// Segment encodes inputPath into outputDir as AAC-in-MPEG-TS HLS.
// outputDir must exist.
func (f *FFmpeg) Segment(ctx context.Context, inputPath, outputDir string) (Output, error) {
	playlistPath := filepath.Join(outputDir, PlaylistFilename)
	args := segmentArgs(inputPath, outputDir, f.cfg.SegmentSeconds)

	start := time.Now()
	_, stderr, err := f.runner.Run(ctx, f.cfg.FFmpegPath, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Output{}, ctxErr
		}
		if isNotFound(err) {
			return Output{}, fmt.Errorf("%w: %s: %v", ErrToolUnavailable, f.cfg.FFmpegPath, err)
		}
		return Output{}, &TranscodeError{
			Tool:       "ffmpeg",
			ExitCode:   exitCode(err),
			Diagnostic: strings.TrimSpace(tail(stderr)),
			Err:        err,
		}
	}

	segments, err := readSegmentList(playlistPath)
	if err != nil {
		return Output{}, &TranscodeError{Tool: "ffmpeg", Diagnostic: err.Error(), Err: err}
	}
	for _, name := range segments {
		if _, err := os.Stat(filepath.Join(outputDir, name)); err != nil {
			return Output{}, &TranscodeError{Tool: "ffmpeg", Diagnostic: "missing segment " + name, Err: err}
		}
	}

	f.log.Debug("segmented",
		slog.String("input", filepath.Base(inputPath)),
		slog.Int("segments", len(segments)),
		slog.Duration("took", time.Since(start)))

	return Output{
		PlaylistFilename: PlaylistFilename,
		SegmentFilenames: segments,
		OutputDir:        outputDir,
	}, nil
}

func segmentArgs(inputPath, outputDir string, segmentSeconds int) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-map", "0:a:0",
		"-c:a", audioCodec,
		"-b:a", audioBitrate,
		"-ac", strconv.Itoa(audioChannels),
		"-ar", strconv.Itoa(audioSampleRate),
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_list_size", "0",
		"-hls_segment_type", "mpegts",
		"-start_number", "0",
		"-hls_segment_filename", filepath.Join(outputDir, segmentPattern),
		filepath.Join(outputDir, PlaylistFilename),
	}
}

// readSegmentList returns the segment URIs of a media playlist, reduced to
// base names so the layout does not depend on how ffmpeg wrote the paths.
func readSegmentList(playlistPath string) ([]string, error) {
	fh, err := os.Open(playlistPath)
	if err != nil {
		return nil, fmt.Errorf("open playlist: %w", err)
	}
	defer fh.Close()

	pl, listType, err := m3u8.DecodeFrom(fh, false)
	if err != nil {
		return nil, fmt.Errorf("decode playlist: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, errors.New("expected a media playlist")
	}
	media := pl.(*m3u8.MediaPlaylist)

	var out []string
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		out = append(out, path.Base(filepath.ToSlash(seg.URI)))
	}
	if len(out) == 0 {
		return nil, errors.New("playlist lists no segments")
	}
	return out, nil
}

type probeData struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
		BitRate    string `json:"bit_rate"`
		Duration   string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
}

func parseProbe(out []byte) (Metadata, error) {
	var data probeData
	if err := json.Unmarshal(out, &data); err != nil {
		return Metadata{}, fmt.Errorf("%w: ffprobe output: %v", ErrDecode, err)
	}

	for _, s := range data.Streams {
		if s.CodecType != "audio" || s.CodecName == "" {
			continue
		}
		meta := Metadata{
			Codec:    s.CodecName,
			Channels: s.Channels,
		}
		meta.SampleRate, _ = strconv.Atoi(s.SampleRate)

		// Stream-level values are missing for some containers; fall back to format.
		meta.DurationSeconds = parseFloat(s.Duration)
		if meta.DurationSeconds <= 0 {
			meta.DurationSeconds = parseFloat(data.Format.Duration)
		}
		meta.Bitrate = parseInt(s.BitRate)
		if meta.Bitrate <= 0 {
			meta.Bitrate = parseInt(data.Format.BitRate)
		}
		if meta.DurationSeconds <= 0 {
			return Metadata{}, fmt.Errorf("%w: unknown duration", ErrDecode)
		}
		return meta, nil
	}

	return Metadata{}, ErrDecode
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvInt64 is GetEnvInt for 64-bit values such as byte limits.
func GetEnvInt64(key string, fallback int64) int64 {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool parses the variable with strconv.ParseBool.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvDuration accepts Go duration strings ("90s", "1h") or a bare number of seconds.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

const (
	StorageLocal = "local"
	StorageS3    = "s3"

	PlaybackRedirect = "redirect"
	PlaybackProxy    = "proxy"
)

// Config is the process configuration, read once at startup.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	StorageMode        string
	LocalStorageDir    string
	PublicBaseURL      string
	LocalSigningSecret string

	S3Endpoint  string
	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool

	CDNDomain         string
	CDNKeyPairID      string
	CDNPrivateKeyPEM  string
	CDNPrivateKeyPath string
	SignedURLTTL      time.Duration

	PlaybackMode string

	FFmpegPath        string
	FFprobePath       string
	ScratchDir        string
	TranscodeWorkers  int
	UploadConcurrency int
	MaxUploadBytes    int64
	PipelineTimeout   time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// InstanceID tags the asset records this replica creates. Replicas
	// sharing Redis must use distinct ids.
	InstanceID string

	AuthJWTSecret string
}

// FromEnv assembles a Config from the environment. Call Load first to pick up .env.
func FromEnv() Config {
	return Config{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		StorageMode:        strings.ToLower(GetEnv("STORAGE_MODE", StorageLocal)),
		LocalStorageDir:    GetEnv("LOCAL_STORAGE_DIR", "./data/media"),
		PublicBaseURL:      strings.TrimRight(GetEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		LocalSigningSecret: GetEnv("LOCAL_SIGNING_SECRET", ""),

		S3Endpoint:  GetEnv("S3_ENDPOINT", "s3.amazonaws.com"),
		S3Bucket:    GetEnv("S3_BUCKET", ""),
		S3Region:    GetEnv("S3_REGION", "us-east-1"),
		S3AccessKey: GetEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: GetEnv("S3_SECRET_KEY", ""),
		S3UseSSL:    GetEnvBool("S3_USE_SSL", true),

		CDNDomain:         GetEnv("CDN_DOMAIN", ""),
		CDNKeyPairID:      GetEnv("CDN_KEY_PAIR_ID", ""),
		CDNPrivateKeyPEM:  GetEnv("CDN_PRIVATE_KEY", ""),
		CDNPrivateKeyPath: GetEnv("CDN_PRIVATE_KEY_PATH", ""),
		SignedURLTTL:      GetEnvDuration("SIGNED_URL_TTL", time.Hour),

		PlaybackMode: strings.ToLower(GetEnv("PLAYBACK_MODE", PlaybackRedirect)),

		FFmpegPath:        GetEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:       GetEnv("FFPROBE_PATH", "ffprobe"),
		ScratchDir:        GetEnv("SCRATCH_DIR", os.TempDir()),
		TranscodeWorkers:  GetEnvInt("TRANSCODE_WORKERS", 2),
		UploadConcurrency: GetEnvInt("UPLOAD_CONCURRENCY", 4),
		MaxUploadBytes:    GetEnvInt64("MAX_UPLOAD_BYTES", 100<<20),
		PipelineTimeout:   GetEnvDuration("PIPELINE_TIMEOUT", 15*time.Minute),

		RedisAddr:     GetEnv("REDIS_ADDR", ""),
		RedisPassword: GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       GetEnvInt("REDIS_DB", 0),
		InstanceID:    GetEnv("INSTANCE_ID", ""),

		AuthJWTSecret: GetEnv("AUTH_JWT_SECRET", ""),
	}
}

// Validate reports combinations the process cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageMode {
	case StorageLocal:
		if c.LocalStorageDir == "" {
			errs = append(errs, errors.New("LOCAL_STORAGE_DIR is required for local storage"))
		}
		if c.LocalSigningSecret == "" {
			errs = append(errs, errors.New("LOCAL_SIGNING_SECRET is required for local storage"))
		}
	case StorageS3:
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required for s3 storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_MODE %q", c.StorageMode))
	}
	if c.PlaybackMode != PlaybackRedirect && c.PlaybackMode != PlaybackProxy {
		errs = append(errs, fmt.Errorf("unknown PLAYBACK_MODE %q", c.PlaybackMode))
	}
	if (c.CDNKeyPairID != "") != (c.CDNPrivateKeyPEM != "" || c.CDNPrivateKeyPath != "") {
		errs = append(errs, errors.New("CDN_KEY_PAIR_ID and CDN_PRIVATE_KEY must be set together"))
	}
	if c.TranscodeWorkers <= 0 {
		errs = append(errs, errors.New("TRANSCODE_WORKERS must be positive"))
	}
	if c.SignedURLTTL < time.Second {
		errs = append(errs, errors.New("SIGNED_URL_TTL must be at least one second"))
	}
	return errors.Join(errs...)
}

// CDNPrivateKey returns the PEM key material, reading CDNPrivateKeyPath when the
// inline value is empty. An empty result means no key is configured.
func (c Config) CDNPrivateKey() ([]byte, error) {
	if c.CDNPrivateKeyPEM != "" {
		// Env files commonly carry the PEM with literal \n sequences.
		return []byte(strings.ReplaceAll(c.CDNPrivateKeyPEM, `\n`, "\n")), nil
	}
	if c.CDNPrivateKeyPath == "" {
		return nil, nil
	}
	b, err := os.ReadFile(c.CDNPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read CDN private key: %w", err)
	}
	return b, nil
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	MediaBackendCloudinary = "cloudinary"
	MediaBackendS3         = "s3"
)

type Config struct {
	Addr          string
	LogLevel      string
	SessionSecret string
	SessionTTL    time.Duration
	HTTPTimeout   time.Duration
	PreferIPv4    bool

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	KieAPIKey  string
	KieBaseURL string

	MediaBackend string
	Cloudinary   CloudinaryConfig
	S3           S3Config

	PollInterval    time.Duration
	PollMaxAttempts int
	RowDelay        time.Duration
}

type CloudinaryConfig struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

type S3Config struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	PublicBaseURL   string
}

func Load() Config {
	cfg := Config{
		Addr:          env("ADGEN_SERVER_ADDR", ":8080"),
		LogLevel:      strings.ToLower(env("ADGEN_LOG_LEVEL", "info")),
		SessionSecret: env("ADGEN_SESSION_SECRET", "dev-change-me"),
		SessionTTL:    envDuration("ADGEN_SESSION_TTL", 2*time.Hour),
		HTTPTimeout:   envDuration("ADGEN_HTTP_TIMEOUT", 60*time.Second),
		PreferIPv4:    envBool("ADGEN_PREFER_IPV4", false),

		OpenAIAPIKey:  env("OPENAI_API_KEY", ""),
		OpenAIBaseURL: env("OPENAI_BASE_URL", ""),
		OpenAIModel:   env("OPENAI_MODEL", "gpt-4o"),

		KieAPIKey:  env("KIE_API_KEY", ""),
		KieBaseURL: env("KIE_BASE_URL", "https://api.kie.ai/api/v1"),

		MediaBackend: strings.ToLower(env("ADGEN_MEDIA_BACKEND", MediaBackendCloudinary)),
		Cloudinary: CloudinaryConfig{
			CloudName: env("CLOUDINARY_CLOUD_NAME", ""),
			APIKey:    env("CLOUDINARY_API_KEY", ""),
			APISecret: env("CLOUDINARY_API_SECRET", ""),
			Folder:    env("CLOUDINARY_FOLDER", "ad-genesis"),
		},
		S3: S3Config{
			Bucket:          env("ADGEN_S3_BUCKET", ""),
			Region:          env("ADGEN_S3_REGION", "us-east-1"),
			AccessKeyID:     env("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: env("AWS_SECRET_ACCESS_KEY", ""),
			PublicBaseURL:   strings.TrimRight(env("ADGEN_S3_PUBLIC_BASE_URL", ""), "/"),
		},

		PollInterval:    envDuration("ADGEN_POLL_INTERVAL", 2*time.Second),
		PollMaxAttempts: envInt("ADGEN_POLL_MAX_ATTEMPTS", 60),
		RowDelay:        envDuration("ADGEN_ROW_DELAY", time.Second),
	}

	if cfg.MediaBackend != MediaBackendS3 {
		cfg.MediaBackend = MediaBackendCloudinary
	}
	if cfg.PollMaxAttempts < 1 {
		cfg.PollMaxAttempts = 60
	}
	if cfg.PollInterval < 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RowDelay < 0 {
		cfg.RowDelay = time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 2 * time.Hour
	}
	return cfg
}

func env(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

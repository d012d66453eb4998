package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		HTTP      HTTP      `envPrefix:"HTTP_"`
		Logger    Logger    `envPrefix:"LOGGER_"`
		Telemetry Telemetry `envPrefix:"TELEMETRY_"`
		Storage   Storage   `envPrefix:"STORAGE_"`
		Registry  Registry  `envPrefix:"REGISTRY_"`
		Tiles     Tiles     `envPrefix:"TILES_"`
		Redis     Redis     `envPrefix:"REDIS_"`
		Upload    Upload    `envPrefix:"UPLOAD_"`
		Reap      Reap      `envPrefix:"REAP_"`
	}

	HTTP struct {
		Server  Server        `envPrefix:"SERVER_"`
		Timeout time.Duration `env:"TIMEOUT" envDefault:"10s"`
	}

	Server struct {
		Port         string        `env:"PORT" envDefault:"8080"`
		ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"60s"`
		WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"60s"`
		IdleTimeout  time.Duration `env:"IDLE_TIMEOUT" envDefault:"120s"`
	}

	Logger struct {
		Level string `env:"LEVEL" envDefault:"info"`
	}

	Telemetry struct {
		Enabled        bool   `env:"ENABLED" envDefault:"false"`
		ServiceName    string `env:"SERVICE_NAME" envDefault:"guide-helper-media"`
		ServiceVersion string `env:"SERVICE_VERSION" envDefault:"1.0.0"`
		Environment    string `env:"ENVIRONMENT" envDefault:"production"`
		OTLPEndpoint   string `env:"OTLP_ENDPOINT" envDefault:"otel-collector.observability.svc.cluster.local:4317"`
	}

	Storage struct {
		// Kind selects the blob backend: "local" or "s3".
		Kind       string        `env:"KIND" envDefault:"local"`
		Timeout    time.Duration `env:"TIMEOUT" envDefault:"30s"`
		PresignTTL time.Duration `env:"PRESIGN_TTL" envDefault:"1h"`
		Local      LocalStorage  `envPrefix:"LOCAL_"`
		S3         S3Storage     `envPrefix:"S3_"`
	}

	LocalStorage struct {
		Dir           string `env:"DIR" envDefault:"./data/media"`
		PublicBaseURL string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080/api/v1/blobs"`
		SigningSecret string `env:"SIGNING_SECRET"`
	}

	S3Storage struct {
		Bucket         string `env:"BUCKET"`
		Region         string `env:"REGION" envDefault:"us-east-1"`
		Prefix         string `env:"PREFIX" envDefault:"media"`
		Endpoint       string `env:"ENDPOINT"`
		ForcePathStyle bool   `env:"FORCE_PATH_STYLE" envDefault:"false"`
	}

	Registry struct {
		DSN string `env:"DSN" envDefault:"file:media.db?_foreign_keys=on&_busy_timeout=5000"`
	}

	Tiles struct {
		Size          int           `env:"SIZE" envDefault:"256"`
		MinZoom       int           `env:"MIN_ZOOM" envDefault:"0"`
		MaxZoom       int           `env:"MAX_ZOOM" envDefault:"22"`
		CacheBytes    string        `env:"CACHE_BYTES" envDefault:"256MB"`
		CacheEntries  int           `env:"CACHE_ENTRIES" envDefault:"100000"`
		CacheMaxAge   time.Duration `env:"CACHE_MAX_AGE" envDefault:"1h"`
		DecodeTimeout time.Duration `env:"DECODE_TIMEOUT" envDefault:"20s"`
		PoolSize      int           `env:"POOL_SIZE" envDefault:"4"`
		PoolIdleTTL   time.Duration `env:"POOL_IDLE_TTL" envDefault:"5m"`
	}

	Redis struct {
		Enabled  bool          `env:"ENABLED" envDefault:"false"`
		Addr     string        `env:"ADDR" envDefault:"localhost:6379"`
		Password string        `env:"PASSWORD" envDefault:""`
		DB       int           `env:"DB" envDefault:"0"`
		TTL      time.Duration `env:"TTL" envDefault:"24h"`
	}

	Upload struct {
		MaxSize       string `env:"MAX_SIZE" envDefault:"1GB"`
		ThumbnailSize int    `env:"THUMBNAIL_SIZE" envDefault:"512"`
	}

	Reap struct {
		Grace time.Duration `env:"GRACE" envDefault:"24h"`
	}
)

func New() (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Printf("NOTICE: .env file not found or cannot be loaded: %v\n", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// placeholderSecret is the documented example value and never accepted.
const placeholderSecret = "change-me"

func (c *Config) validate() error {
	switch c.Storage.Kind {
	case "local", "s3":
	default:
		return fmt.Errorf("STORAGE_KIND must be local or s3, got %q", c.Storage.Kind)
	}
	if c.Storage.Kind == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("STORAGE_S3_BUCKET is required for s3 storage")
	}
	if c.Storage.Kind == "local" {
		switch c.Storage.Local.SigningSecret {
		case "", placeholderSecret:
			return fmt.Errorf("STORAGE_LOCAL_SIGNING_SECRET must be set for local storage")
		}
	}
	if c.Tiles.MinZoom < 0 || c.Tiles.MaxZoom < c.Tiles.MinZoom || c.Tiles.MaxZoom > 30 {
		return fmt.Errorf("invalid tile zoom range %d..%d", c.Tiles.MinZoom, c.Tiles.MaxZoom)
	}
	if _, err := c.Tiles.CacheByteBudget(); err != nil {
		return err
	}
	if _, err := c.Upload.MaxBytes(); err != nil {
		return err
	}
	return nil
}

// CacheByteBudget parses TILES_CACHE_BYTES ("256MB", "1GiB", ...).
func (t Tiles) CacheByteBudget() (int64, error) {
	n, err := humanize.ParseBytes(t.CacheBytes)
	if err != nil {
		return 0, fmt.Errorf("parse TILES_CACHE_BYTES: %w", err)
	}
	return int64(n), nil
}

func (u Upload) MaxBytes() (int64, error) {
	n, err := humanize.ParseBytes(u.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("parse UPLOAD_MAX_SIZE: %w", err)
	}
	return int64(n), nil
}

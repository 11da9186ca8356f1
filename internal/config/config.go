// Package config loads configuration from an optional YAML file and environment variables.
//
// Precedence: environment variable, then the file named by CONFIG_FILE, then defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Roles a client can run.
const (
	RoleGallery = "gallery"
	RolePod     = "pod"
	RoleBoth    = "both"
)

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrInvalidRole              = errors.New("role must be gallery, pod or both")
	ErrInvalidRelayURL          = errors.New("relayURL must be a ws:// or wss:// URL")
	ErrShareSourceMissing       = errors.New("pod role needs pod.shareDir or pod.s3.bucket")
	ErrShareSourceAmbiguous     = errors.New("pod.shareDir and pod.s3.bucket are mutually exclusive")
	ErrThumbnailWidthsInverted  = errors.New("thumbnail.minWidth must not exceed thumbnail.initialWidth")
	ErrThumbnailCeilingTooSmall = errors.New("thumbnail.maxBlobLength must be positive")
)

// Config holds all client configuration.
type Config struct {
	RelayURL string `yaml:"relayURL"`
	Role     string `yaml:"role"`

	// Logging
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	// Prometheus listener, empty disables it
	MetricsAddr string `yaml:"metricsAddr"`

	Pod        PodConfig        `yaml:"pod"`
	Gallery    GalleryConfig    `yaml:"gallery"`
	Thumbnail  ThumbnailConfig  `yaml:"thumbnail"`
	Connection ConnectionConfig `yaml:"connection"`
}

// PodConfig configures the sharing side.
type PodConfig struct {
	Name       string   `yaml:"name"`
	ProposedID uint64   `yaml:"proposedID"` // 0 picks a random id
	ShareDir   string   `yaml:"shareDir"`
	Watch      bool     `yaml:"watch"`
	S3         S3Config `yaml:"s3"`

	// How long an image request waits for its thumbnail
	PendingRequestTTL time.Duration `yaml:"pendingRequestTTL"`
	// How long an unanswered registration waits before it is sent again
	RegisterTimeout time.Duration `yaml:"registerTimeout"`
}

// S3Config selects a bucket prefix as the share source.
type S3Config struct {
	Endpoint     string `yaml:"endpoint"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	AccessKey    string `yaml:"accessKey"`
	SecretKey    string `yaml:"secretKey"`
	UsePathStyle bool   `yaml:"usePathStyle"`
}

// GalleryConfig configures the viewing side.
type GalleryConfig struct {
	Select            *uint64       `yaml:"select"`
	Probe             *uint64       `yaml:"probe"`
	ExportDir         string        `yaml:"exportDir"`
	RerequestInterval time.Duration `yaml:"rerequestInterval"`
}

// ThumbnailConfig bounds the previews a pod transmits.
type ThumbnailConfig struct {
	Workers       int `yaml:"workers"`
	MaxBlobLength int `yaml:"maxBlobLength"`
	InitialWidth  int `yaml:"initialWidth"`
	MinWidth      int `yaml:"minWidth"`
	Quality       int `yaml:"quality"`
}

// ConnectionConfig tunes the relay connection.
type ConnectionConfig struct {
	ReconnectMin time.Duration `yaml:"reconnectMin"`
	ReconnectMax time.Duration `yaml:"reconnectMax"`
	PingInterval time.Duration `yaml:"pingInterval"`
	SendRate     float64       `yaml:"sendRate"` // messages per second, 0 is unlimited
	SendBurst    int           `yaml:"sendBurst"`
	SendQueue    int           `yaml:"sendQueue"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		RelayURL:  "ws://localhost:8080/ws",
		Role:      RoleGallery,
		LogLevel:  "info",
		LogFormat: "console",
		Pod: PodConfig{
			PendingRequestTTL: 30 * time.Second,
			RegisterTimeout:   10 * time.Second,
		},
		Gallery: GalleryConfig{
			RerequestInterval: 5 * time.Second,
		},
		Thumbnail: ThumbnailConfig{
			Workers:       2,
			MaxBlobLength: 64 * 1024,
			InitialWidth:  512,
			MinWidth:      16,
			Quality:       80,
		},
		Connection: ConnectionConfig{
			ReconnectMin: time.Second,
			ReconnectMax: 30 * time.Second,
			PingInterval: 30 * time.Second,
			SendBurst:    32,
			SendQueue:    256,
		},
	}
}

// Load reads the file named by CONFIG_FILE (if any), applies environment
// overrides and validates the result.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile is Load with an explicit file path; an empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigFileUnreadable, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigFileUnmarshallable, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.RelayURL = envOr("RELAY_URL", c.RelayURL)
	c.Role = envOr("ROLE", c.Role)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)
	c.MetricsAddr = envOr("METRICS_ADDR", c.MetricsAddr)

	c.Pod.Name = envOr("POD_NAME", c.Pod.Name)
	c.Pod.ProposedID = envUint64("POD_ID", c.Pod.ProposedID)
	c.Pod.ShareDir = envOr("POD_SHARE_DIR", c.Pod.ShareDir)
	c.Pod.Watch = envBool("POD_WATCH", c.Pod.Watch)
	c.Pod.PendingRequestTTL = envDuration("POD_PENDING_REQUEST_TTL", c.Pod.PendingRequestTTL)
	c.Pod.RegisterTimeout = envDuration("POD_REGISTER_TIMEOUT", c.Pod.RegisterTimeout)
	c.Pod.S3.Endpoint = envOr("S3_ENDPOINT", c.Pod.S3.Endpoint)
	c.Pod.S3.Bucket = envOr("S3_BUCKET", c.Pod.S3.Bucket)
	c.Pod.S3.Prefix = envOr("S3_PREFIX", c.Pod.S3.Prefix)
	c.Pod.S3.Region = envOr("S3_REGION", c.Pod.S3.Region)
	c.Pod.S3.AccessKey = envOr("S3_ACCESS_KEY", c.Pod.S3.AccessKey)
	c.Pod.S3.SecretKey = envOr("S3_SECRET_KEY", c.Pod.S3.SecretKey)
	c.Pod.S3.UsePathStyle = envBool("S3_USE_PATH_STYLE", c.Pod.S3.UsePathStyle)

	if v := os.Getenv("GALLERY_SELECT"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Gallery.Select = &id
		}
	}
	if v := os.Getenv("GALLERY_PROBE"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Gallery.Probe = &id
		}
	}
	c.Gallery.ExportDir = envOr("GALLERY_EXPORT_DIR", c.Gallery.ExportDir)
	c.Gallery.RerequestInterval = envDuration("GALLERY_REREQUEST_INTERVAL", c.Gallery.RerequestInterval)

	c.Thumbnail.Workers = envInt("THUMBNAIL_WORKERS", c.Thumbnail.Workers)
	c.Thumbnail.MaxBlobLength = envInt("THUMBNAIL_MAX_BLOB_LENGTH", c.Thumbnail.MaxBlobLength)
	c.Thumbnail.InitialWidth = envInt("THUMBNAIL_INITIAL_WIDTH", c.Thumbnail.InitialWidth)
	c.Thumbnail.MinWidth = envInt("THUMBNAIL_MIN_WIDTH", c.Thumbnail.MinWidth)
	c.Thumbnail.Quality = envInt("THUMBNAIL_QUALITY", c.Thumbnail.Quality)

	c.Connection.ReconnectMin = envDuration("RECONNECT_MIN", c.Connection.ReconnectMin)
	c.Connection.ReconnectMax = envDuration("RECONNECT_MAX", c.Connection.ReconnectMax)
	c.Connection.PingInterval = envDuration("PING_INTERVAL", c.Connection.PingInterval)
	c.Connection.SendRate = envFloat("SEND_RATE", c.Connection.SendRate)
	c.Connection.SendBurst = envInt("SEND_BURST", c.Connection.SendBurst)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleGallery, RolePod, RoleBoth:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRole, c.Role)
	}

	u, err := url.Parse(c.RelayURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidRelayURL, c.RelayURL)
	}

	if c.SharesFiles() {
		if c.Pod.ShareDir == "" && c.Pod.S3.Bucket == "" {
			return ErrShareSourceMissing
		}
		if c.Pod.ShareDir != "" && c.Pod.S3.Bucket != "" {
			return ErrShareSourceAmbiguous
		}
	}

	if c.Thumbnail.MaxBlobLength <= 0 {
		return ErrThumbnailCeilingTooSmall
	}
	if c.Thumbnail.MinWidth > c.Thumbnail.InitialWidth {
		return ErrThumbnailWidthsInverted
	}
	return nil
}

// ViewsGalleries reports whether the gallery role is enabled.
func (c *Config) ViewsGalleries() bool {
	return c.Role == RoleGallery || c.Role == RoleBoth
}

// SharesFiles reports whether the pod role is enabled.
func (c *Config) SharesFiles() bool {
	return c.Role == RolePod || c.Role == RoleBoth
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envUint64(key string, fallback uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

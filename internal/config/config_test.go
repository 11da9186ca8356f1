package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Role != RoleGallery {
		t.Errorf("role = %q, want gallery", cfg.Role)
	}
	if cfg.Thumbnail.MaxBlobLength != 64*1024 {
		t.Errorf("max blob length = %d, want 65536", cfg.Thumbnail.MaxBlobLength)
	}
	if cfg.Thumbnail.InitialWidth != 512 {
		t.Errorf("initial width = %d, want 512", cfg.Thumbnail.InitialWidth)
	}
	if cfg.Gallery.Select != nil {
		t.Errorf("expected no selection by default")
	}
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "podgallery.yaml")
	data := []byte(`
relayURL: wss://relay.example.org/ws
role: pod
pod:
  name: Holiday
  shareDir: /srv/pictures
  watch: true
  pendingRequestTTL: 1m
thumbnail:
  minWidth: 32
gallery:
  select: 7
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("POD_NAME", "Override")
	t.Setenv("SEND_RATE", "12.5")
	t.Setenv("GALLERY_PROBE", "3")
	t.Setenv("POD_REGISTER_TIMEOUT", "20s")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.RelayURL != "wss://relay.example.org/ws" {
		t.Errorf("relay url = %q", cfg.RelayURL)
	}
	if cfg.Pod.Name != "Override" {
		t.Errorf("pod name = %q, want env override", cfg.Pod.Name)
	}
	if !cfg.Pod.Watch || cfg.Pod.ShareDir != "/srv/pictures" {
		t.Errorf("share settings not loaded: %+v", cfg.Pod)
	}
	if cfg.Pod.PendingRequestTTL != time.Minute {
		t.Errorf("pending ttl = %s, want 1m", cfg.Pod.PendingRequestTTL)
	}
	if cfg.Thumbnail.MinWidth != 32 || cfg.Thumbnail.InitialWidth != 512 {
		t.Errorf("thumbnail = %+v", cfg.Thumbnail)
	}
	if cfg.Gallery.Select == nil || *cfg.Gallery.Select != 7 {
		t.Errorf("select = %v, want 7", cfg.Gallery.Select)
	}
	if cfg.Gallery.Probe == nil || *cfg.Gallery.Probe != 3 {
		t.Errorf("probe = %v, want 3", cfg.Gallery.Probe)
	}
	if cfg.Pod.RegisterTimeout != 20*time.Second {
		t.Errorf("register timeout = %s, want 20s", cfg.Pod.RegisterTimeout)
	}
	if cfg.Connection.SendRate != 12.5 {
		t.Errorf("send rate = %v", cfg.Connection.SendRate)
	}
	if !cfg.SharesFiles() || cfg.ViewsGalleries() {
		t.Errorf("role helpers wrong for pod role")
	}
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); !errors.Is(err, ErrConfigFileUnreadable) {
		t.Errorf("missing file: got %v", err)
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("role: [unterminated"), 0644)
	if _, err := LoadFile(bad); !errors.Is(err, ErrConfigFileUnmarshallable) {
		t.Errorf("bad yaml: got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"bad role", func(c *Config) { c.Role = "viewer" }, ErrInvalidRole},
		{"http url", func(c *Config) { c.RelayURL = "http://localhost:8080/ws" }, ErrInvalidRelayURL},
		{"pod without source", func(c *Config) { c.Role = RolePod }, ErrShareSourceMissing},
		{"pod with two sources", func(c *Config) {
			c.Role = RoleBoth
			c.Pod.ShareDir = "/tmp"
			c.Pod.S3.Bucket = "pictures"
		}, ErrShareSourceAmbiguous},
		{"inverted widths", func(c *Config) { c.Thumbnail.MinWidth = 1024 }, ErrThumbnailWidthsInverted},
		{"zero ceiling", func(c *Config) { c.Thumbnail.MaxBlobLength = 0 }, ErrThumbnailCeilingTooSmall},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate = %v, want %v", err, tt.want)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

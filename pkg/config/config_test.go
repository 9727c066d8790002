package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaults(t *testing.T) {
	c := NewConfig()
	c.Endpoints.CheckVersionURL = "http://localhost/ota/"
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}

	want := DownloadConfig{
		ChunkSize:       4096,
		MinSpeed:        100000,
		ProgressCeiling: 60,
		MaxStrikes:      7,
		SampleInterval:  time.Second,
		TryAgainDelay:   100 * time.Millisecond,
		YieldDelay:      10 * time.Millisecond,
		MaxImageSize:    64 << 20,
	}
	if diff := cmp.Diff(want, c.Download); diff != "" {
		t.Errorf("download defaults mismatch (-want +got):\n%s", diff)
	}
	if c.Flash.ReservedSlot != "ota_2" || c.Flash.ChunkSize != 16384 {
		t.Errorf("flash defaults = %+v", c.Flash)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fwupdate.toml")
	data := `
[device]
board_name = "bread-compact"
serial_number = "SN-42"

[endpoints]
check_version_url = "https://api.example.com/ota/"

[download]
min_speed = 50000
sample_interval = "2s"

[verify]
digest = "sha256"

[settings]
backend = "memory"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	c := NewConfig()
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if c.Device.BoardName != "bread-compact" || c.Device.SerialNumber != "SN-42" {
		t.Errorf("device = %+v", c.Device)
	}
	if c.Download.MinSpeed != 50000 || c.Download.SampleInterval != 2*time.Second {
		t.Errorf("download = %+v", c.Download)
	}
	// Unset keys keep their defaults.
	if c.Download.MaxStrikes != 7 {
		t.Errorf("MaxStrikes = %d, want default 7", c.Download.MaxStrikes)
	}
	if c.Verify.Digest != "sha256" {
		t.Errorf("Digest = %q", c.Verify.Digest)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FW_CHECK_VERSION_URL", "http://dev/ota/")
	t.Setenv("FW_MQTT_HOST", "broker")
	t.Setenv("FW_MQTT_PORT", "8883")
	t.Setenv("FW_ALLOW_UNVERIFIED", "true")

	c := NewConfig()
	if err := c.LoadFromEnv(); err != nil {
		t.Fatal(err)
	}
	if c.Endpoints.CheckVersionURL != "http://dev/ota/" {
		t.Errorf("CheckVersionURL = %q", c.Endpoints.CheckVersionURL)
	}
	if !c.MQTT.Enabled || c.MQTT.Host != "broker" || c.MQTT.Port != 8883 {
		t.Errorf("mqtt = %+v", c.MQTT)
	}
	if !c.Verify.AllowUnverified {
		t.Error("AllowUnverified not applied")
	}

	// MQTT enabled without device credentials fails validation.
	if err := c.Validate(); err == nil {
		t.Error("Validate succeeded without MQTT credentials")
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"NoURL", func(c *Config) { c.Endpoints.CheckVersionURL = "" }},
		{"BadDigest", func(c *Config) { c.Verify.Digest = "crc32" }},
		{"BadCeiling", func(c *Config) { c.Download.ProgressCeiling = 101 }},
		{"NoStrikes", func(c *Config) { c.Download.MaxStrikes = 0 }},
		{"NegativeMaxImage", func(c *Config) { c.Download.MaxImageSize = -1 }},
		{"BadBackend", func(c *Config) { c.Settings.Backend = "redis" }},
		{"NoAttempts", func(c *Config) { c.Schedule.Attempts = 0 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := NewConfig()
			c.Endpoints.CheckVersionURL = "http://localhost/ota/"
			tc.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("Validate succeeded")
			}
		})
	}
}

func TestValidateDynamicRegistration(t *testing.T) {
	c := NewConfig()
	c.Endpoints.CheckVersionURL = "http://localhost/ota/"
	c.MQTT.Enabled = true
	c.Device.ProductKey, c.Device.DeviceName = "pk", "dn"
	c.Device.ProductSecret = "psecret"
	if err := c.Validate(); err == nil {
		t.Error("Validate succeeded with a product secret but no register URL")
	}
	c.Endpoints.RegisterURL = "http://localhost/auth/register/device"
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestGetSecureMode(t *testing.T) {
	c := NewConfig()
	if got := c.GetSecureMode(); got != "3" {
		t.Errorf("plain mode = %q, want 3", got)
	}
	c.MQTT.UseTLS = true
	if got := c.GetSecureMode(); got != "2" {
		t.Errorf("tls mode = %q, want 2", got)
	}
}

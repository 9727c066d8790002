package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type DeviceConfig struct {
	// SerialNumber overrides SerialFile when set.
	SerialNumber string `toml:"serial_number"`
	// SerialFile holds the raw 32-byte serial fuse block.
	SerialFile string `toml:"serial_file"`
	BoardName  string `toml:"board_name"`
	// Version is reported when settings hold no recorded version.
	Version string `toml:"version"`
	KeySeed string `toml:"key_seed"`

	ProductKey   string `toml:"product_key"`
	DeviceName   string `toml:"device_name"`
	DeviceSecret string `toml:"device_secret"`
	// ProductSecret enables dynamic registration when DeviceSecret is
	// empty.
	ProductSecret string `toml:"product_secret"`
}

type EndpointsConfig struct {
	CheckVersionURL string `toml:"check_version_url"`
	RegisterURL     string `toml:"register_url"`
}

type DownloadConfig struct {
	ChunkSize int `toml:"chunk_size"`
	// MinSpeed is in bytes per second.
	MinSpeed        int64         `toml:"min_speed"`
	ProgressCeiling int           `toml:"progress_ceiling"`
	MaxStrikes      int           `toml:"max_strikes"`
	SampleInterval  time.Duration `toml:"sample_interval"`
	TryAgainDelay   time.Duration `toml:"try_again_delay"`
	YieldDelay      time.Duration `toml:"yield_delay"`
	// MaxImageSize is in bytes; 0 disables the bound.
	MaxImageSize int64 `toml:"max_image_size"`
}

type VerifyConfig struct {
	// Digest is "md5" or "sha256".
	Digest          string `toml:"digest"`
	AllowUnverified bool   `toml:"allow_unverified"`
}

type FlashConfig struct {
	ChunkSize    int           `toml:"chunk_size"`
	ReservedSlot string        `toml:"reserved_slot"`
	YieldDelay   time.Duration `toml:"yield_delay"`
}

type StorageConfig struct {
	Dir    string `toml:"dir"`
	Layout string `toml:"layout"`
}

type SettingsConfig struct {
	// Backend is "sqlite", "file" or "memory".
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

type ScheduleConfig struct {
	Spec       string        `toml:"spec"`
	Attempts   int           `toml:"attempts"`
	RetryDelay time.Duration `toml:"retry_delay"`
}

type MQTTConfig struct {
	Enabled      bool          `toml:"enabled"`
	Host         string        `toml:"host"`
	Port         int           `toml:"port"`
	UseTLS       bool          `toml:"use_tls"`
	KeepAlive    time.Duration `toml:"keep_alive"`
	ClientID     string        `toml:"client_id"`
	Username     string        `toml:"username"`
	Password     string        `toml:"password"`
	CleanSession bool          `toml:"clean_session"`
	SecureMode   string        `toml:"secure_mode"`
}

type TLSConfig struct {
	CACert     string `toml:"ca_cert"`
	ClientCert string `toml:"client_cert"`
	ClientKey  string `toml:"client_key"`
	ServerName string `toml:"server_name"`
	SkipVerify bool   `toml:"skip_verify"`
}

type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	Insecure    bool   `toml:"insecure"`
	ServiceName string `toml:"service_name"`
}

type Config struct {
	Device    DeviceConfig    `toml:"device"`
	Endpoints EndpointsConfig `toml:"endpoints"`
	Download  DownloadConfig  `toml:"download"`
	Verify    VerifyConfig    `toml:"verify"`
	Flash     FlashConfig     `toml:"flash"`
	Storage   StorageConfig   `toml:"storage"`
	Settings  SettingsConfig  `toml:"settings"`
	Schedule  ScheduleConfig  `toml:"schedule"`
	MQTT      MQTTConfig      `toml:"mqtt"`
	TLS       TLSConfig       `toml:"tls"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

func NewConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			BoardName: "generic",
			Version:   "1.0.0",
		},
		Download: DownloadConfig{
			ChunkSize:       4096,
			MinSpeed:        100000,
			ProgressCeiling: 60,
			MaxStrikes:      7,
			SampleInterval:  time.Second,
			TryAgainDelay:   100 * time.Millisecond,
			YieldDelay:      10 * time.Millisecond,
			MaxImageSize:    64 << 20,
		},
		Verify: VerifyConfig{
			Digest: "md5",
		},
		Flash: FlashConfig{
			ChunkSize:    16384,
			ReservedSlot: "ota_2",
			YieldDelay:   10 * time.Millisecond,
		},
		Storage: StorageConfig{
			Dir: "./slots",
		},
		Settings: SettingsConfig{
			Backend: "sqlite",
			Path:    "./fwupdate.db",
		},
		Schedule: ScheduleConfig{
			Spec:       "@every 5m",
			Attempts:   3,
			RetryDelay: time.Second,
		},
		MQTT: MQTTConfig{
			Host:         "localhost",
			Port:         1883,
			UseTLS:       false,
			KeepAlive:    60 * time.Second,
			CleanSession: true,
		},
		TLS: TLSConfig{
			SkipVerify: false,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "fwupdated",
		},
	}
}

// LoadFile merges the TOML file at path over the current values.
func (c *Config) LoadFile(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return nil
}

func (c *Config) LoadFromEnv() error {
	if val := os.Getenv("FW_SERIAL_NUMBER"); val != "" {
		c.Device.SerialNumber = val
	}
	if val := os.Getenv("FW_SERIAL_FILE"); val != "" {
		c.Device.SerialFile = val
	}
	if val := os.Getenv("FW_BOARD_NAME"); val != "" {
		c.Device.BoardName = val
	}
	if val := os.Getenv("FW_KEY_SEED"); val != "" {
		c.Device.KeySeed = val
	}
	if val := os.Getenv("FW_PRODUCT_KEY"); val != "" {
		c.Device.ProductKey = val
	}
	if val := os.Getenv("FW_DEVICE_NAME"); val != "" {
		c.Device.DeviceName = val
	}
	if val := os.Getenv("FW_DEVICE_SECRET"); val != "" {
		c.Device.DeviceSecret = val
	}
	if val := os.Getenv("FW_PRODUCT_SECRET"); val != "" {
		c.Device.ProductSecret = val
	}

	if val := os.Getenv("FW_CHECK_VERSION_URL"); val != "" {
		c.Endpoints.CheckVersionURL = val
	}
	if val := os.Getenv("FW_REGISTER_URL"); val != "" {
		c.Endpoints.RegisterURL = val
	}
	if val := os.Getenv("FW_DIGEST"); val != "" {
		c.Verify.Digest = val
	}
	if val := os.Getenv("FW_ALLOW_UNVERIFIED"); val != "" {
		if allow, err := strconv.ParseBool(val); err == nil {
			c.Verify.AllowUnverified = allow
		}
	}
	if val := os.Getenv("FW_STORAGE_DIR"); val != "" {
		c.Storage.Dir = val
	}
	if val := os.Getenv("FW_SETTINGS_BACKEND"); val != "" {
		c.Settings.Backend = val
	}
	if val := os.Getenv("FW_SETTINGS_PATH"); val != "" {
		c.Settings.Path = val
	}
	if val := os.Getenv("FW_SCHEDULE"); val != "" {
		c.Schedule.Spec = val
	}

	if val := os.Getenv("FW_MQTT_HOST"); val != "" {
		c.MQTT.Host = val
		c.MQTT.Enabled = true
	}
	if val := os.Getenv("FW_MQTT_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.MQTT.Port = port
		}
	}
	if val := os.Getenv("FW_MQTT_USE_TLS"); val != "" {
		if useTLS, err := strconv.ParseBool(val); err == nil {
			c.MQTT.UseTLS = useTLS
		}
	}
	if val := os.Getenv("FW_MQTT_KEEPALIVE"); val != "" {
		if keepAlive, err := strconv.Atoi(val); err == nil {
			c.MQTT.KeepAlive = time.Duration(keepAlive) * time.Second
		}
	}
	if val := os.Getenv("FW_MQTT_SECURE_MODE"); val != "" {
		c.MQTT.SecureMode = val
	}

	if val := os.Getenv("FW_TLS_CA_CERT"); val != "" {
		c.TLS.CACert = val
	}
	if val := os.Getenv("FW_TLS_SKIP_VERIFY"); val != "" {
		if skipVerify, err := strconv.ParseBool(val); err == nil {
			c.TLS.SkipVerify = skipVerify
		}
	}

	if val := os.Getenv("FW_OTEL_ENDPOINT"); val != "" {
		c.Telemetry.Endpoint = val
		c.Telemetry.Enabled = true
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Endpoints.CheckVersionURL == "" {
		return fmt.Errorf("check version URL is required")
	}
	if c.Download.ChunkSize <= 0 {
		return fmt.Errorf("download chunk size must be positive")
	}
	if c.Download.ProgressCeiling < 0 || c.Download.ProgressCeiling > 100 {
		return fmt.Errorf("download progress ceiling must be between 0 and 100")
	}
	if c.Download.MaxStrikes <= 0 {
		return fmt.Errorf("download max strikes must be positive")
	}
	if c.Download.SampleInterval <= 0 {
		return fmt.Errorf("download sample interval must be positive")
	}
	if c.Download.MaxImageSize < 0 {
		return fmt.Errorf("download max image size must not be negative")
	}
	switch c.Verify.Digest {
	case "md5", "sha256":
	default:
		return fmt.Errorf("unsupported digest %q", c.Verify.Digest)
	}
	if c.Flash.ChunkSize <= 0 {
		return fmt.Errorf("flash chunk size must be positive")
	}
	switch c.Settings.Backend {
	case "sqlite", "file":
		if c.Settings.Path == "" {
			return fmt.Errorf("settings path is required for the %s backend", c.Settings.Backend)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown settings backend %q", c.Settings.Backend)
	}
	if c.Schedule.Attempts <= 0 {
		return fmt.Errorf("schedule attempts must be positive")
	}

	if c.MQTT.Enabled {
		if c.Device.ProductKey == "" {
			return fmt.Errorf("product key is required")
		}
		if c.Device.DeviceName == "" {
			return fmt.Errorf("device name is required")
		}
		if c.Device.DeviceSecret == "" && (c.Device.ProductSecret == "" || c.Endpoints.RegisterURL == "") {
			return fmt.Errorf("device secret, or product secret and register URL, is required")
		}
		if c.MQTT.Host == "" {
			return fmt.Errorf("MQTT host is required")
		}
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			return fmt.Errorf("MQTT port must be between 1 and 65535")
		}
	}
	return nil
}

func (c *Config) GenerateClientID() string {
	if c.MQTT.ClientID != "" {
		return c.MQTT.ClientID
	}
	return fmt.Sprintf("%s.%s", c.Device.ProductKey, c.Device.DeviceName)
}

func (c *Config) GetSecureMode() string {
	if c.MQTT.SecureMode != "" {
		return c.MQTT.SecureMode
	}

	if c.MQTT.UseTLS {
		return "2"
	}

	return "3"
}

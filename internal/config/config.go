package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	ServerURL             string `mapstructure:"server_url"`
	ReconnectDelaySeconds int    `mapstructure:"reconnect_delay_seconds"`

	TargetFPS       int  `mapstructure:"target_fps"`
	JPEGQuality     int  `mapstructure:"jpeg_quality"`
	MaxWidth        int  `mapstructure:"max_width"`
	MaxHeight       int  `mapstructure:"max_height"`
	EncodeWorkers   int  `mapstructure:"encode_workers"`
	EncodeQueueSize int  `mapstructure:"encode_queue_size"`
	AdaptiveQuality bool `mapstructure:"adaptive_quality"`
	CaptureDisplay  int  `mapstructure:"capture_display"`

	SessionStorePath string `mapstructure:"session_store_path"`

	DeviceModel        string `mapstructure:"device_model"`
	DeviceManufacturer string `mapstructure:"device_manufacturer"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
}

func Default() *Config {
	return &Config{
		ServerURL:             "ws://localhost:3001/android",
		ReconnectDelaySeconds: 5,
		TargetFPS:             30,
		JPEGQuality:           75,
		EncodeWorkers:         2,
		EncodeQueueSize:       2,
		SessionStorePath:      filepath.Join(configDir(), "session.yaml"),
		LogLevel:              "info",
		LogFormat:             "text",
		LogMaxSizeMB:          20,
		LogMaxBackups:         3,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := newViper(cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("guest-agent")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newViper registers every key with its default so AutomaticEnv can resolve
// GUEST_* overrides for keys absent from the file.
func newViper(cfg *Config) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("GUEST")
	v.AutomaticEnv()
	for key, val := range cfg.settings() {
		v.SetDefault(key, val)
	}
	return v
}

func (c *Config) settings() map[string]any {
	return map[string]any{
		"server_url":              c.ServerURL,
		"reconnect_delay_seconds": c.ReconnectDelaySeconds,
		"target_fps":              c.TargetFPS,
		"jpeg_quality":            c.JPEGQuality,
		"max_width":               c.MaxWidth,
		"max_height":              c.MaxHeight,
		"encode_workers":          c.EncodeWorkers,
		"encode_queue_size":       c.EncodeQueueSize,
		"adaptive_quality":        c.AdaptiveQuality,
		"capture_display":         c.CaptureDisplay,
		"session_store_path":      c.SessionStorePath,
		"device_model":            c.DeviceModel,
		"device_manufacturer":     c.DeviceManufacturer,
		"log_level":               c.LogLevel,
		"log_format":              c.LogFormat,
		"log_file":                c.LogFile,
		"log_max_size_mb":         c.LogMaxSizeMB,
		"log_max_backups":         c.LogMaxBackups,
	}
}

// SaveTo writes cfg as YAML to cfgFile, or to the default location when
// cfgFile is empty.
func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	for key, val := range cfg.settings() {
		v.Set(key, val)
	}

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir(), "guest-agent.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0700); err != nil {
		return err
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	return os.Chmod(cfgPath, 0600)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "GuestAgent")
	case "darwin":
		return "/Library/Application Support/GuestAgent"
	default:
		return "/etc/guest-agent"
	}
}

package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates errors that must stop startup from values that
// were clamped into range.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// ValidateTiered checks the config. Out-of-range numeric values are clamped in
// place and reported as warnings; an unusable server URL is fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var result ValidationResult

	if c.ServerURL == "" {
		result.Fatals = append(result.Fatals, fmt.Errorf("server_url is required"))
	} else if u, err := url.Parse(c.ServerURL); err != nil {
		result.Fatals = append(result.Fatals, fmt.Errorf("server_url %q is not a valid URL: %w", c.ServerURL, err))
	} else {
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			result.Fatals = append(result.Fatals, fmt.Errorf("server_url scheme must be ws, wss, http or https, got %q", u.Scheme))
		}
	}

	clamp := func(name string, v *int, lo, hi int) {
		if *v < lo {
			result.Warnings = append(result.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", name, *v, lo))
			*v = lo
		} else if *v > hi {
			result.Warnings = append(result.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", name, *v, hi))
			*v = hi
		}
	}

	clamp("reconnect_delay_seconds", &c.ReconnectDelaySeconds, 1, 300)
	clamp("target_fps", &c.TargetFPS, 1, 60)
	clamp("jpeg_quality", &c.JPEGQuality, 1, 100)
	clamp("encode_workers", &c.EncodeWorkers, 0, 16)
	clamp("encode_queue_size", &c.EncodeQueueSize, 1, 64)
	clamp("max_width", &c.MaxWidth, 0, 8192)
	clamp("max_height", &c.MaxHeight, 0, 8192)
	clamp("capture_display", &c.CaptureDisplay, 0, 16)

	if c.SessionStorePath == "" {
		result.Fatals = append(result.Fatals, fmt.Errorf("session_store_path is required"))
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range result.Warnings {
		slog.Warn("config validation", "error", err)
	}

	return result
}

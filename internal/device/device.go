// Package device builds the DeviceInfo snapshot sent with authenticate.
package device

import (
	"context"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/breeze-rmm/guest-agent/internal/protocol"
)

// Overrides replace detected values when non-empty.
type Overrides struct {
	Model        string
	Manufacturer string
}

// Collect reads host information once. Detection failures leave fields at
// their fallbacks; Collect never fails.
func Collect(ctx context.Context, o Overrides) protocol.DeviceInfo {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		info = &host.InfoStat{OS: runtime.GOOS}
	}
	return fromHost(info, o)
}

func fromHost(h *host.InfoStat, o Overrides) protocol.DeviceInfo {
	d := protocol.DeviceInfo{
		Model:        h.Hostname,
		Manufacturer: normalizeOS(h.OS),
		OSVersion:    strings.TrimSpace(h.Platform + " " + h.PlatformVersion),
		APILevel:     majorVersion(h.PlatformVersion),
	}
	if d.Model == "" {
		d.Model = runtime.GOARCH
	}
	if h.PlatformFamily != "" {
		d.Manufacturer = h.PlatformFamily
	}
	if d.OSVersion == "" {
		d.OSVersion = h.KernelVersion
	}
	if o.Model != "" {
		d.Model = o.Model
	}
	if o.Manufacturer != "" {
		d.Manufacturer = o.Manufacturer
	}
	return d
}

func normalizeOS(os string) string {
	if os == "darwin" {
		return "macos"
	}
	return os
}

// majorVersion returns the leading integer of v, or 0.
func majorVersion(v string) int {
	v = strings.TrimSpace(v)
	end := 0
	for end < len(v) && v[end] >= '0' && v[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(v[:end])
	if err != nil {
		return 0
	}
	return n
}

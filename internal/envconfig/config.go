// Package envconfig reads convdemo's environment variables.
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Backend selects the accelerator backend.
// Configurable via CONVDEMO_BACKEND (auto, hip, webgpu, cpu). Default: auto.
func Backend() string {
	if s := strings.ToLower(Var("CONVDEMO_BACKEND")); s != "" {
		return s
	}
	return "auto"
}

// Device is the ordinal of the device to run on.
// Configurable via CONVDEMO_DEVICE. Default: 0.
var Device = Uint("CONVDEMO_DEVICE", 0)

// Config is the path of an optional YAML problem file.
// Configurable via CONVDEMO_CONFIG.
var Config = String("CONVDEMO_CONFIG")

// LogLevel returns the log level for diagnostics.
// Configurable via CONVDEMO_DEBUG: a true value enables debug logging, an
// integer n selects slog level -4n.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("CONVDEMO_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// String returns a getter for the variable s.
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// Uint returns a getter for an unsigned integer variable with a default.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// EnvVar describes one environment variable.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every variable convdemo reads with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"CONVDEMO_BACKEND": {"CONVDEMO_BACKEND", Backend(), "Accelerator backend: auto, hip, webgpu or cpu (default: auto)"},
		"CONVDEMO_CONFIG":  {"CONVDEMO_CONFIG", Config(), "Path of a YAML problem file"},
		"CONVDEMO_DEBUG":   {"CONVDEMO_DEBUG", LogLevel(), "Show additional debug information (e.g. CONVDEMO_DEBUG=1)"},
		"CONVDEMO_DEVICE":  {"CONVDEMO_DEVICE", Device(), "Device ordinal to run on (default: 0)"},
	}
}

// Var returns an environment variable stripped of surrounding quotes and spaces.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

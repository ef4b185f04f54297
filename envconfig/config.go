// Package envconfig reads settings from the environment.
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Var returns an environment variable stripped of whitespace and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// Debug reports whether SWINRETINA_DEBUG is set to a true value.
func Debug() bool {
	s := Var("SWINRETINA_DEBUG")
	if s == "" {
		return false
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		slog.Warn("invalid boolean, ignoring", "key", "SWINRETINA_DEBUG", "value", s)
		return false
	}
	return b
}

// LogLevel is slog.LevelDebug when Debug is set and slog.LevelInfo otherwise.
func LogLevel() slog.Level {
	if Debug() {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// Device returns SWINRETINA_DEVICE ("cpu" or "cuda"); default "cpu".
func Device() string {
	switch s := strings.ToLower(Var("SWINRETINA_DEVICE")); s {
	case "", "cpu":
		return "cpu"
	case "cuda", "gpu":
		return "cuda"
	default:
		slog.Warn("unknown device, using cpu", "key", "SWINRETINA_DEVICE", "value", s)
		return "cpu"
	}
}

// WeightsDir returns the directory holding pretrained checkpoints,
// SWINRETINA_WEIGHTS or ./weights.
func WeightsDir() string {
	if s := Var("SWINRETINA_WEIGHTS"); s != "" {
		return s
	}
	return "weights"
}

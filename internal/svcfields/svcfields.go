// Package svcfields holds the shared log field conventions used across folio.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem names attached by the folio packages.
const (
	ClientSDK     = "client.sdk"
	ClientSession = "client.session"
	PageStore     = "pagestore"
	Reader        = "reader"
	Telemetry     = "telemetry"
)

// Subsystem builds a dot-delimited subsystem path from parts, skipping empty
// fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry of logger. A nil
// logger yields a disabled one.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// EnsureBase tags base with subsystem when it is a full pslog.Logger and
// falls back to a disabled logger when base is nil.
func EnsureBase(base pslog.Base, subsystem string) pslog.Base {
	if base == nil {
		return pslog.NoopLogger()
	}
	if full, ok := base.(pslog.Logger); ok {
		return WithSubsystem(full, subsystem)
	}
	return base
}

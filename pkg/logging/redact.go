package logging

import (
	"log/slog"
	"strings"
)

// Keys whose string values are never logged in full.
var sensitiveKeyPatterns = []string{
	"password",
	"secret",
	"token",
}

// Signed session tokens are JWTs and always start with the encoded header.
const jwtPrefix = "eyJ"

const redactedValue = "***REDACTED***"

func redactSensitive(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		v := a.Value.String()
		if v == "" {
			return a
		}
		key := strings.ToLower(a.Key)
		for _, pattern := range sensitiveKeyPatterns {
			if strings.Contains(key, pattern) {
				return slog.String(a.Key, redactedValue)
			}
		}
		if strings.HasPrefix(v, jwtPrefix) {
			return slog.String(a.Key, maskValue(v))
		}
	case slog.KindGroup:
		attrs := a.Value.Group()
		out := make([]slog.Attr, len(attrs))
		for i, attr := range attrs {
			out[i] = redactSensitive(attr)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	}
	return a
}

// maskValue keeps the last 6 characters as a hint.
func maskValue(v string) string {
	if len(v) <= 12 {
		return redactedValue
	}
	return jwtPrefix + "..." + v[len(v)-6:]
}

// Package util provides small parsing and randomness helpers shared across components.
package util

import (
	"log/slog"
	"strings"
)

// ParseBool parses a boolean setting with a default value.
// Accepts: true/1/yes/on and false/0/no/off (case-insensitive). Empty or invalid values return the default.
func ParseBool(val string, defaultValue bool) bool {
	if val == "" {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		slog.Warn("ParseBool: invalid boolean value, using default", "value", val, "default", defaultValue)
		return defaultValue
	}
}


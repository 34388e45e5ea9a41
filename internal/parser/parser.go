// Package parser classifies game server log lines and provider service log
// entries into typed events.
package parser

import (
	"fmt"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

// LineClassifier turns one game log line into an event.
// It returns nil for lines it does not recognize.
type LineClassifier interface {
	Classify(line, serviceID, filename string) types.Event
}

// Anchorable is a LineClassifier whose timestamps can be pinned to a reference time
type Anchorable interface {
	LineClassifier
	At(ref time.Time) LineClassifier
}

var lineClassifiers = map[string]func() LineClassifier{
	"dayz": func() LineClassifier { return NewGameClassifier() },
}

// NewLineClassifier returns the classifier for a game profile.
// Games without a dedicated classifier use the DayZ one.
func NewLineClassifier(game string) LineClassifier {
	if factory, ok := lineClassifiers[strings.ToLower(game)]; ok {
		return factory()
	}
	return NewGameClassifier()
}

// ParseTimestamp attempts to parse a timestamp from a string using multiple formats
func ParseTimestamp(ts string, formats ...string) (time.Time, error) {
	if len(formats) == 0 {
		formats = DefaultTimeFormats()
	}

	for _, format := range formats {
		if t, err := time.Parse(format, ts); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp: %s", ts)
}

// DefaultTimeFormats returns common timestamp formats
func DefaultTimeFormats() []string {
	return []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.000",
		"2006/01/02 15:04:05",
	}
}

// NormalizeLogLevel normalizes log level strings to standard values
func NormalizeLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return "debug"
	case "info", "information", "notice":
		return "info"
	case "warn", "warning":
		return "warn"
	case "error", "err":
		return "error"
	case "fatal", "critical", "panic":
		return "fatal"
	default:
		return strings.ToLower(level)
	}
}

package parser

import (
	"fmt"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

// SystemSourceFile is the source recorded on events built from service log entries
const SystemSourceFile = "service-log"

// Rule maps a service log entry to an event type. Every non-empty condition
// must hold; a rule without conditions matches everything.
type Rule struct {
	Type     types.EventType `yaml:"type"`
	Any      []string        `yaml:"any,omitempty"`
	All      []string        `yaml:"all,omitempty"`
	Severity string          `yaml:"severity,omitempty"`
	Admin    bool            `yaml:"admin,omitempty"`
}

func (r Rule) matches(message, severity string, admin bool) bool {
	if len(r.Any) > 0 && !containsAny(message, r.Any) {
		return false
	}
	for _, kw := range r.All {
		if !strings.Contains(message, strings.ToLower(kw)) {
			return false
		}
	}
	if r.Severity != "" && severity != normalizeSeverity(r.Severity) {
		return false
	}
	if r.Admin && !admin {
		return false
	}
	return true
}

// DefaultRules returns the rule list in priority order
func DefaultRules() []Rule {
	return []Rule{
		{Type: types.EventServerRestart, Any: []string{"restart"}},
		{Type: types.EventServerCrash, Any: []string{"crash"}},
		{Type: types.EventServerStart, All: []string{"start", "server"}},
		{Type: types.EventServerStop, All: []string{"stop", "server"}},
		{Type: types.EventBackup, Any: []string{"backup"}},
		{Type: types.EventServerUpdate, Any: []string{"update", "upgrade"}},
		{Type: types.EventMaintenance, Any: []string{"maintenance"}},
		{Type: types.EventSystemError, Severity: "error"},
		{Type: types.EventSystemWarning, Severity: "warn"},
		{Type: types.EventAdminAction, Admin: true},
		{Type: types.EventSystemInfo},
	}
}

// DefaultKeywords returns the words that keep an info entry from being dropped
func DefaultKeywords() []string {
	return []string{"restart", "crash", "error", "warning", "maintenance", "update", "backup", "disk space", "memory", "cpu"}
}

// Thresholds are the counts above which DetectIssues raises an issue
type Thresholds struct {
	Errors   int `yaml:"errors"`
	Restarts int `yaml:"restarts"`
	Warnings int `yaml:"warnings"`
}

// DefaultThresholds returns the stock issue thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{Errors: 10, Restarts: 5, Warnings: 20}
}

// SystemConfig configures a SystemClassifier. Zero fields take defaults.
type SystemConfig struct {
	Rules      []Rule     `yaml:"rules,omitempty"`
	Keywords   []string   `yaml:"keywords,omitempty"`
	Thresholds Thresholds `yaml:"thresholds"`
}

// SystemClassifier turns provider service log entries into operational events
type SystemClassifier struct {
	rules      []Rule
	keywords   []string
	thresholds Thresholds
}

// NewSystemClassifier creates a classifier. Every rule must name a known event type.
func NewSystemClassifier(cfg SystemConfig) (*SystemClassifier, error) {
	c := &SystemClassifier{
		rules:      cfg.Rules,
		keywords:   cfg.Keywords,
		thresholds: cfg.Thresholds,
	}
	if len(c.rules) == 0 {
		c.rules = DefaultRules()
	}
	if len(c.keywords) == 0 {
		c.keywords = DefaultKeywords()
	}
	defaults := DefaultThresholds()
	if c.thresholds.Errors <= 0 {
		c.thresholds.Errors = defaults.Errors
	}
	if c.thresholds.Restarts <= 0 {
		c.thresholds.Restarts = defaults.Restarts
	}
	if c.thresholds.Warnings <= 0 {
		c.thresholds.Warnings = defaults.Warnings
	}

	for i, r := range c.rules {
		if !r.Type.Valid() {
			return nil, fmt.Errorf("rule %d: unknown event type %q", i, r.Type)
		}
	}
	return c, nil
}

// Classify returns the event for entry, or nil when the entry is routine
// informational noise.
func (c *SystemClassifier) Classify(entry types.SystemLogEntry, serviceID string) types.Event {
	message := strings.ToLower(entry.Message)
	severity := normalizeSeverity(entry.Severity)

	if severity == "info" && !containsAny(message, c.keywords) {
		return nil
	}

	for _, r := range c.rules {
		if !r.matches(message, severity, entry.Admin) {
			continue
		}
		return types.SystemEvent{
			Meta: types.Meta{
				Timestamp:  entry.CreatedAt,
				ServiceID:  serviceID,
				SourceFile: SystemSourceFile,
				RawLine:    entry.Message,
			},
			Kind:     r.Type,
			Message:  entry.Message,
			Severity: severity,
			Category: entry.Category,
			User:     entry.User,
			Admin:    entry.Admin,
		}
	}
	return nil
}

// SystemStats summarizes a batch of service log entries
type SystemStats struct {
	Total        int            `json:"total"`
	ByCategory   map[string]int `json:"by_category"`
	BySeverity   map[string]int `json:"by_severity"`
	AdminActions int            `json:"admin_actions"`
	Restarts     int            `json:"restarts"`
	Errors       int            `json:"errors"`
	Warnings     int            `json:"warnings"`
	First        time.Time      `json:"first,omitempty"`
	Last         time.Time      `json:"last,omitempty"`
}

// Statistics counts entries by category and severity
func (c *SystemClassifier) Statistics(entries []types.SystemLogEntry) SystemStats {
	stats := SystemStats{
		Total:      len(entries),
		ByCategory: make(map[string]int),
		BySeverity: make(map[string]int),
	}

	for _, e := range entries {
		severity := normalizeSeverity(e.Severity)
		category := e.Category
		if category == "" {
			category = "uncategorized"
		}
		stats.ByCategory[category]++
		stats.BySeverity[severity]++

		if e.Admin {
			stats.AdminActions++
		}
		if strings.Contains(strings.ToLower(e.Message), "restart") {
			stats.Restarts++
		}
		switch severity {
		case "error":
			stats.Errors++
		case "warn":
			stats.Warnings++
		}

		if e.CreatedAt.IsZero() {
			continue
		}
		if stats.First.IsZero() || e.CreatedAt.Before(stats.First) {
			stats.First = e.CreatedAt
		}
		if e.CreatedAt.After(stats.Last) {
			stats.Last = e.CreatedAt
		}
	}
	return stats
}

// Issue is a pattern across a batch of entries worth raising on its own
type Issue struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Count    int    `json:"count"`
}

const (
	IssueHighErrorRate    = "high_error_rate"
	IssueFrequentRestarts = "frequent_restarts"
	IssueHighWarningCount = "high_warning_count"
	IssueSeverityCritical = "critical"
	IssueSeverityWarning  = "warning"
)

// DetectIssues compares batch counts against the configured thresholds
func (c *SystemClassifier) DetectIssues(entries []types.SystemLogEntry) []Issue {
	stats := c.Statistics(entries)
	var issues []Issue

	if stats.Errors > c.thresholds.Errors {
		issues = append(issues, Issue{
			Type:     IssueHighErrorRate,
			Severity: IssueSeverityCritical,
			Message:  fmt.Sprintf("%d errors in recent service logs", stats.Errors),
			Count:    stats.Errors,
		})
	}
	if stats.Restarts > c.thresholds.Restarts {
		issues = append(issues, Issue{
			Type:     IssueFrequentRestarts,
			Severity: IssueSeverityWarning,
			Message:  fmt.Sprintf("%d restarts in recent service logs", stats.Restarts),
			Count:    stats.Restarts,
		})
	}
	if stats.Warnings > c.thresholds.Warnings {
		issues = append(issues, Issue{
			Type:     IssueHighWarningCount,
			Severity: IssueSeverityWarning,
			Message:  fmt.Sprintf("%d warnings in recent service logs", stats.Warnings),
			Count:    stats.Warnings,
		})
	}
	return issues
}

// IssueEvent converts an issue into a systemError or systemWarning event
func IssueEvent(issue Issue, serviceID string, at time.Time) types.Event {
	kind := types.EventSystemWarning
	severity := "warn"
	if issue.Severity == IssueSeverityCritical {
		kind = types.EventSystemError
		severity = "error"
	}
	return types.SystemEvent{
		Meta:     types.Meta{Timestamp: at, ServiceID: serviceID, SourceFile: SystemSourceFile, RawLine: issue.Message},
		Kind:     kind,
		Message:  issue.Message,
		Severity: severity,
		Category: issue.Type,
	}
}

func normalizeSeverity(s string) string {
	level := NormalizeLogLevel(s)
	switch level {
	case "fatal":
		return "error"
	case "":
		return "info"
	}
	return level
}

func containsAny(lowered string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lowered, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

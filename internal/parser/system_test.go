package parser

import (
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

func newSystemClassifier(t *testing.T) *SystemClassifier {
	t.Helper()
	c, err := NewSystemClassifier(SystemConfig{})
	if err != nil {
		t.Fatalf("Failed to create system classifier: %v", err)
	}
	return c
}

func TestSystemClassifier_Classify(t *testing.T) {
	c := newSystemClassifier(t)

	tests := []struct {
		name  string
		entry types.SystemLogEntry
		want  types.EventType
	}{
		{"restart", types.SystemLogEntry{Message: "Server restart scheduled", Severity: "info"}, types.EventServerRestart},
		{"restart beats crash", types.SystemLogEntry{Message: "Restart after crash", Severity: "error"}, types.EventServerRestart},
		{"crash", types.SystemLogEntry{Message: "Game server crashed", Severity: "error"}, types.EventServerCrash},
		{"start server", types.SystemLogEntry{Message: "Server started", Severity: "warning"}, types.EventServerStart},
		{"stop server", types.SystemLogEntry{Message: "Server stopped by user", Severity: "warning"}, types.EventServerStop},
		{"backup", types.SystemLogEntry{Message: "Backup created", Severity: "info"}, types.EventBackup},
		{"update", types.SystemLogEntry{Message: "Game update installed", Severity: "info"}, types.EventServerUpdate},
		{"upgrade", types.SystemLogEntry{Message: "Plan upgrade complete", Severity: "warning"}, types.EventServerUpdate},
		{"maintenance", types.SystemLogEntry{Message: "Maintenance window", Severity: "info"}, types.EventMaintenance},
		{"error severity", types.SystemLogEntry{Message: "Mod failed to load", Severity: "ERROR"}, types.EventSystemError},
		{"critical is error", types.SystemLogEntry{Message: "Disk failure", Severity: "critical"}, types.EventSystemError},
		{"warning severity", types.SystemLogEntry{Message: "Slow response", Severity: "warning"}, types.EventSystemWarning},
		{"admin", types.SystemLogEntry{Message: "Settings changed", Severity: "debug", Admin: true}, types.EventAdminAction},
		{"fallback", types.SystemLogEntry{Message: "Settings changed", Severity: "debug"}, types.EventSystemInfo},
		{"info with keyword", types.SystemLogEntry{Message: "Memory usage at 80%", Severity: "info"}, types.EventSystemInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := c.Classify(tt.entry, "123")
			if ev == nil {
				t.Fatal("Expected event, got nil")
			}
			if ev.EventType() != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, ev.EventType())
			}
		})
	}
}

func TestSystemClassifier_DropsRoutineInfo(t *testing.T) {
	c := newSystemClassifier(t)

	for _, entry := range []types.SystemLogEntry{
		{Message: "Player count 12", Severity: "info"},
		{Message: "Settings saved", Severity: "INFO", Admin: true},
		{Message: "Heartbeat", Severity: ""},
	} {
		if ev := c.Classify(entry, "123"); ev != nil {
			t.Errorf("Expected %q to be dropped, got %s", entry.Message, ev.EventType())
		}
	}
}

func TestSystemClassifier_EventFields(t *testing.T) {
	c := newSystemClassifier(t)
	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	ev := c.Classify(types.SystemLogEntry{
		Message: "Server restart", Severity: "info", Category: "gameserver",
		CreatedAt: at, User: "admin1", Admin: true,
	}, "123")

	se, ok := ev.(types.SystemEvent)
	if !ok {
		t.Fatalf("Expected SystemEvent, got %T", ev)
	}
	if se.User != "admin1" || !se.Admin || se.Category != "gameserver" {
		t.Errorf("Unexpected fields: %+v", se)
	}
	if !se.Timestamp.Equal(at) || se.ServiceID != "123" || se.SourceFile != SystemSourceFile {
		t.Errorf("Unexpected metadata: %+v", se.Meta)
	}
}

func TestSystemClassifier_CustomRules(t *testing.T) {
	c, err := NewSystemClassifier(SystemConfig{
		Rules: []Rule{
			{Type: types.EventMaintenance, Any: []string{"wipe"}},
			{Type: types.EventSystemInfo},
		},
		Keywords: []string{"wipe"},
	})
	if err != nil {
		t.Fatalf("Failed to create system classifier: %v", err)
	}

	ev := c.Classify(types.SystemLogEntry{Message: "Map WIPE tonight", Severity: "info"}, "1")
	if ev == nil || ev.EventType() != types.EventMaintenance {
		t.Errorf("Expected maintenance, got %v", ev)
	}

	if _, err := NewSystemClassifier(SystemConfig{Rules: []Rule{{Type: "bogus"}}}); err == nil {
		t.Error("Expected error for unknown event type")
	}
}

func TestSystemClassifier_Statistics(t *testing.T) {
	c := newSystemClassifier(t)
	t1 := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	stats := c.Statistics([]types.SystemLogEntry{
		{Message: "Server restart", Severity: "info", Category: "gameserver", CreatedAt: t2},
		{Message: "Failure", Severity: "error", Category: "gameserver", CreatedAt: t1},
		{Message: "Slow", Severity: "warning", Admin: true},
	})

	if stats.Total != 3 || stats.Restarts != 1 || stats.Errors != 1 || stats.Warnings != 1 || stats.AdminActions != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.ByCategory["gameserver"] != 2 || stats.ByCategory["uncategorized"] != 1 {
		t.Errorf("Unexpected categories: %v", stats.ByCategory)
	}
	if stats.BySeverity["warn"] != 1 {
		t.Errorf("Unexpected severities: %v", stats.BySeverity)
	}
	if !stats.First.Equal(t1) || !stats.Last.Equal(t2) {
		t.Errorf("Unexpected time range: %v - %v", stats.First, stats.Last)
	}
}

func TestSystemClassifier_DetectIssues(t *testing.T) {
	c := newSystemClassifier(t)

	var entries []types.SystemLogEntry
	for i := 0; i < 12; i++ {
		entries = append(entries, types.SystemLogEntry{Message: "Mod failed", Severity: "error"})
	}
	for i := 0; i < 3; i++ {
		entries = append(entries, types.SystemLogEntry{Message: "Server restart", Severity: "info"})
	}

	issues := c.DetectIssues(entries)
	if len(issues) != 1 {
		t.Fatalf("Expected 1 issue, got %d: %+v", len(issues), issues)
	}
	if issues[0].Type != IssueHighErrorRate || issues[0].Severity != IssueSeverityCritical || issues[0].Count != 12 {
		t.Errorf("Unexpected issue: %+v", issues[0])
	}
}

func TestSystemClassifier_DetectIssuesThresholds(t *testing.T) {
	c, err := NewSystemClassifier(SystemConfig{Thresholds: Thresholds{Errors: 100, Restarts: 1, Warnings: 1}})
	if err != nil {
		t.Fatalf("Failed to create system classifier: %v", err)
	}

	entries := []types.SystemLogEntry{
		{Message: "restart", Severity: "info"},
		{Message: "restart", Severity: "info"},
		{Message: "slow", Severity: "warning"},
		{Message: "slow", Severity: "warning"},
	}
	issues := c.DetectIssues(entries)
	if len(issues) != 2 {
		t.Fatalf("Expected 2 issues, got %+v", issues)
	}
	if issues[0].Type != IssueFrequentRestarts || issues[1].Type != IssueHighWarningCount {
		t.Errorf("Unexpected issues: %+v", issues)
	}

	ev := IssueEvent(issues[0], "1", time.Now())
	if ev.EventType() != types.EventSystemWarning {
		t.Errorf("Expected systemWarning, got %s", ev.EventType())
	}
	ev = IssueEvent(Issue{Type: IssueHighErrorRate, Severity: IssueSeverityCritical}, "1", time.Now())
	if ev.EventType() != types.EventSystemError {
		t.Errorf("Expected systemError, got %s", ev.EventType())
	}
}

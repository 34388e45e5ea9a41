package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/output"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/paths"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/profiling"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/scheduler"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "", "version")
	if err != nil {
		t.Fatalf("Failed to run version: %v", err)
	}
	if !strings.Contains(out, version) {
		t.Errorf("Expected version %s in output, got %q", version, out)
	}
}

func TestResolveCommand(t *testing.T) {
	out, err := run(t, "", "resolve", "--service-id", "123", "--game", "dayz", "--platform", "playstation")
	if err != nil {
		t.Fatalf("Failed to run resolve: %v", err)
	}

	var res paths.Resolution
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("Failed to decode output: %v", err)
	}
	if len(res.Paths) != 1 || res.Paths[0] != "/games/ni123_1/noftp/dayzps/config" {
		t.Errorf("Expected only the service id path, got %v", res.Paths)
	}

	if _, err := run(t, "", "resolve", "--service-id", "123", "--game", "quake"); err == nil {
		t.Error("Expected error for unknown game")
	}
	if _, err := run(t, "", "resolve"); err == nil {
		t.Error("Expected error without --service-id")
	}
}

func TestDetectCommand(t *testing.T) {
	out, err := run(t, "", "detect", "DayZServer_X1_x64_2024-01-01.ADM", "DayZServer_X1_x64_2024-01-01.RPT")
	if err != nil {
		t.Fatalf("Failed to run detect: %v", err)
	}

	var det paths.Detection
	if err := json.Unmarshal([]byte(out), &det); err != nil {
		t.Fatalf("Failed to decode output: %v", err)
	}
	if det.Game != "dayz" || det.Platform != "xbox" {
		t.Errorf("Expected dayz/xbox, got %s/%s", det.Game, det.Platform)
	}
}

func TestClassifyCommand(t *testing.T) {
	input := strings.Join([]string{
		`12:00:01 | Player "Survivor" (id=abc=) is connected`,
		`12:00:02 | something unrelated`,
		`12:00:03 | Player "Survivor" (id=abc=) has been disconnected`,
	}, "\n")

	out, err := run(t, input, "classify", "--service-id", "7")
	if err != nil {
		t.Fatalf("Failed to run classify: %v", err)
	}
	if n := strings.Count(out, `"type": "connection"`); n != 2 {
		t.Errorf("Expected 2 connection events, got %d in %s", n, out)
	}

	logFile := filepath.Join(t.TempDir(), "server.ADM")
	if err := os.WriteFile(logFile, []byte(input), 0644); err != nil {
		t.Fatalf("Failed to write log file: %v", err)
	}
	out, err = run(t, "", "classify", logFile)
	if err != nil {
		t.Fatalf("Failed to classify file: %v", err)
	}
	if !strings.Contains(out, `"source_file": "server.ADM"`) {
		t.Errorf("Expected source file in output, got %s", out)
	}
}

func TestClassifySystemCommand(t *testing.T) {
	input := `{"message":"Server crashed unexpectedly","severity":"error","category":"status"}` + "\n" +
		`{"message":"routine heartbeat","severity":"info","category":"status"}` + "\n"

	out, err := run(t, input, "classify", "--system")
	if err != nil {
		t.Fatalf("Failed to run classify --system: %v", err)
	}
	if strings.Contains(out, "routine heartbeat") {
		t.Errorf("Expected informational entry to be dropped, got %s", out)
	}
	if !strings.Contains(out, "Server crashed unexpectedly") {
		t.Errorf("Expected crash entry in output, got %s", out)
	}

	if _, err := run(t, "not json", "classify", "--system"); err == nil {
		t.Error("Expected error for malformed input")
	}
}

func TestInstanceLock(t *testing.T) {
	dir := t.TempDir()

	first, err := acquireInstanceLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if _, err := acquireInstanceLock(dir); err != errAlreadyRunning {
		t.Errorf("Expected errAlreadyRunning, got %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("Failed to release lock: %v", err)
	}

	second, err := acquireInstanceLock(dir)
	if err != nil {
		t.Fatalf("Failed to reacquire lock: %v", err)
	}
	second.Release()
}

func TestOriginChecker(t *testing.T) {
	if originChecker(nil) != nil {
		t.Error("Expected nil checker without an allow list")
	}
}

func TestServiceStats(t *testing.T) {
	relay, err := output.NewRelayChannel(output.RelayConfig{URL: "http://127.0.0.1:1"}, nil)
	if err != nil {
		t.Fatalf("Failed to create relay channel: %v", err)
	}
	notifier, err := output.NewNotifier(output.DefaultNotifierConfig(), nil, []output.DeliveryChannel{relay})
	if err != nil {
		t.Fatalf("Failed to create notifier: %v", err)
	}
	defer notifier.Close()

	maintenance := scheduler.New(nil)
	maintenance.Start()
	defer maintenance.Stop(context.Background())
	replay, err := maintenance.Every("dlq-replay", time.Hour, func(ctx context.Context) {})
	if err != nil {
		t.Fatalf("Failed to schedule task: %v", err)
	}

	p := profiling.New(profiling.Config{}, nil)
	registerDeliveryStats(p, notifier)
	registerMaintenanceStats(p, maintenance, replay)

	stats := p.Snapshot().Service
	if stats["delivery_channels"] != 1 {
		t.Errorf("Expected 1 delivery channel, got %d", stats["delivery_channels"])
	}
	if stats["maintenance_tasks"] != 1 {
		t.Errorf("Expected 1 maintenance task, got %d", stats["maintenance_tasks"])
	}
	for _, name := range []string{"events_delivered", "events_failed", "destinations_created", "feed_fallbacks", "dlq_replay_runs"} {
		v, ok := stats[name]
		if !ok {
			t.Errorf("Expected stat %s to be registered", name)
		} else if v != 0 {
			t.Errorf("Expected %s to be 0, got %d", name, v)
		}
	}

	q := profiling.New(profiling.Config{}, nil)
	registerMaintenanceStats(q, maintenance, nil)
	if _, ok := q.Snapshot().Service["dlq_replay_runs"]; ok {
		t.Error("Expected no replay stat without a dead letter queue")
	}
}

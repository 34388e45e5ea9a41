package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var (
	t0  = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	key = Key{TenantID: "guild-1", ServiceID: "123", File: "/games/ni123_1/config/DayZServer_x64.ADM"}
)

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := NewTracker("", time.Second)
	if err != nil {
		t.Fatalf("Failed to create tracker: %v", err)
	}
	return tr
}

func TestTracker_FirstSighting(t *testing.T) {
	tr := newTracker(t)

	if !tr.HasNewContent(key, 100, t0) {
		t.Error("Expected unseen file to have new content")
	}
	r := tr.NewRange(key, 100, t0)
	if !r.First || r.Start != 0 || r.End != 100 {
		t.Errorf("Expected full first range, got %+v", r)
	}
}

func TestTracker_Growth(t *testing.T) {
	tr := newTracker(t)
	tr.RecordConsumed(key, 100, 100, t0)

	if tr.HasNewContent(key, 100, t0) {
		t.Error("Expected no new content for unchanged file")
	}
	if !tr.HasNewContent(key, 150, t0.Add(time.Minute)) {
		t.Error("Expected new content after growth")
	}

	r := tr.NewRange(key, 150, t0.Add(time.Minute))
	if r.Start != 100 || r.End != 150 || r.Rotated {
		t.Errorf("Expected [100,150), got %+v", r)
	}
	if r.Len() != 50 {
		t.Errorf("Expected length 50, got %d", r.Len())
	}
}

func TestTracker_ModTimeOnly(t *testing.T) {
	tr := newTracker(t)
	tr.RecordConsumed(key, 100, 100, t0)

	if !tr.HasNewContent(key, 100, t0.Add(time.Second)) {
		t.Error("Expected new content when modification time advances")
	}
	r := tr.NewRange(key, 100, t0.Add(time.Second))
	if !r.Rotated || r.Start != 0 || r.End != 100 {
		t.Errorf("Expected rewritten file to be read in full, got %+v", r)
	}

	if r := tr.NewRange(key, 100, t0); !r.Empty() {
		t.Errorf("Expected empty range for consumed state, got %+v", r)
	}
}

func TestTracker_Rotation(t *testing.T) {
	tr := newTracker(t)
	tr.RecordConsumed(key, 5000, 5000, t0)

	if !tr.HasNewContent(key, 200, t0.Add(time.Second)) {
		t.Error("Expected rotated file to have new content")
	}
	r := tr.NewRange(key, 200, t0.Add(time.Second))
	if !r.Rotated || r.Start != 0 || r.End != 200 {
		t.Errorf("Expected rotated full range, got %+v", r)
	}
}

func TestTracker_RotationBelowListedSize(t *testing.T) {
	tr := newTracker(t)
	// 1000 bytes listed, the last 100 held back as a partial line
	tr.RecordConsumed(key, 900, 1000, t0)

	r := tr.NewRange(key, 1000, t0)
	if r.Rotated || r.Start != 900 || r.End != 1000 {
		t.Errorf("Expected held back bytes [900,1000), got %+v", r)
	}

	if !tr.HasNewContent(key, 950, t0.Add(time.Second)) {
		t.Error("Expected file rotated to a smaller size to have new content")
	}
	r = tr.NewRange(key, 950, t0.Add(time.Second))
	if !r.Rotated || r.Start != 0 || r.End != 950 {
		t.Errorf("Expected rotated full range [0,950), got %+v", r)
	}

	r = tr.NewRange(key, 1000, t0.Add(time.Second))
	if !r.Rotated || r.Start != 0 || r.End != 1000 {
		t.Errorf("Expected same size rewrite to be rotated, got %+v", r)
	}

	if r := tr.NewRange(key, 1200, t0.Add(time.Second)); r.Rotated || r.Start != 900 || r.End != 1200 {
		t.Errorf("Expected growth from the consumed offset, got %+v", r)
	}
}

func TestTracker_MonotonicObservations(t *testing.T) {
	tr := newTracker(t)
	observations := []struct {
		size  int64
		modAt time.Time
		want  bool
	}{
		{100, t0, true},
		{100, t0, false},
		{150, t0, true},
		{150, t0, false},
		{150, t0.Add(time.Second), true},
		{150, t0.Add(time.Second), false},
	}

	for i, obs := range observations {
		got := tr.HasNewContent(key, obs.size, obs.modAt)
		if got != obs.want {
			t.Errorf("Observation %d: expected %v, got %v", i, obs.want, got)
		}
		if got {
			tr.RecordConsumed(key, obs.size, obs.size, obs.modAt)
		}
	}
}

func TestTracker_NoAdvanceWithoutRecord(t *testing.T) {
	tr := newTracker(t)
	tr.RecordConsumed(key, 100, 100, t0)

	// A failed download never calls RecordConsumed, so the range repeats.
	first := tr.NewRange(key, 200, t0.Add(time.Minute))
	second := tr.NewRange(key, 200, t0.Add(time.Minute))
	if first != second {
		t.Errorf("Expected identical ranges, got %+v and %+v", first, second)
	}
}

func TestTracker_Baseline(t *testing.T) {
	tr := newTracker(t)

	if !tr.Baseline(key, 300, t0) {
		t.Fatal("Expected baseline to be recorded")
	}
	if tr.HasNewContent(key, 300, t0) {
		t.Error("Expected baselined file to have no new content")
	}
	if tr.Baseline(key, 999, t0) {
		t.Error("Expected baseline to leave existing state alone")
	}
	if tf, _ := tr.Get(key); tf.Size != 300 {
		t.Errorf("Expected size 300, got %d", tf.Size)
	}
}

func TestTracker_IsolatesTenants(t *testing.T) {
	tr := newTracker(t)
	other := key
	other.TenantID = "guild-2"

	tr.RecordConsumed(key, 100, 100, t0)

	if !tr.HasNewContent(other, 100, t0) {
		t.Error("Expected same file under another tenant to be unseen")
	}
}

func TestTracker_ForgetAndRetire(t *testing.T) {
	tr := newTracker(t)
	rpt := key
	rpt.File = "/games/ni123_1/config/DayZServer_x64.RPT"
	other := Key{TenantID: "guild-1", ServiceID: "456", File: key.File}

	tr.RecordConsumed(key, 1, 1, t0)
	tr.RecordConsumed(rpt, 1, 1, t0)
	tr.RecordConsumed(other, 1, 1, t0)

	if n := tr.Files("guild-1", "123"); n != 2 {
		t.Errorf("Expected 2 files, got %d", n)
	}

	tr.Retire(rpt)
	if n := tr.Files("guild-1", "123"); n != 1 {
		t.Errorf("Expected 1 file after retire, got %d", n)
	}

	if removed := tr.Forget("guild-1", "123"); removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}
	if tr.Files("guild-1", "123") != 0 {
		t.Error("Expected no files after forget")
	}
	if tr.Files("guild-1", "456") != 1 {
		t.Error("Expected other service to be untouched")
	}
}

func TestTracker_LoadAndSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")

	tr1, err := NewTracker(dir, time.Second)
	if err != nil {
		t.Fatalf("Failed to create tracker: %v", err)
	}
	tr1.RecordConsumed(key, 1000, 1000, t0)
	if err := tr1.Stop(); err != nil {
		t.Fatalf("Failed to stop tracker: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, positionsFile)); err != nil {
		t.Fatalf("Checkpoint file was not created: %v", err)
	}

	tr2, err := NewTracker(dir, time.Second)
	if err != nil {
		t.Fatalf("Failed to create second tracker: %v", err)
	}
	if err := tr2.Load(); err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}

	tf, ok := tr2.Get(key)
	if !ok {
		t.Fatal("Position not found after load")
	}
	if tf.Size != 1000 || !tf.ModifiedAt.Equal(t0) {
		t.Errorf("Position mismatch: size=%d modified=%v", tf.Size, tf.ModifiedAt)
	}
}

func TestTracker_PeriodicSave(t *testing.T) {
	dir := t.TempDir()

	tr, err := NewTracker(dir, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Failed to create tracker: %v", err)
	}
	tr.Start()
	tr.RecordConsumed(key, 42, 42, t0)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(filepath.Join(dir, positionsFile)); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Checkpoint was not saved in the background")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := tr.Stop(); err != nil {
		t.Fatalf("Failed to stop tracker: %v", err)
	}
	// Stop is safe to repeat
	if err := tr.Stop(); err != nil {
		t.Fatalf("Failed to stop tracker twice: %v", err)
	}
}

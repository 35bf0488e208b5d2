package recovery

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dohr-michael/warden/internal/appstate"
	"github.com/dohr-michael/warden/internal/events"
)

type stubLoader struct {
	snap *appstate.Snapshot
	err  error
}

func (s stubLoader) Load() (*appstate.Snapshot, error) { return s.snap, s.err }

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func TestDetectUnknownWhenAbsent(t *testing.T) {
	d := NewDetector(appstate.NewStore(t.TempDir(), "halbasic"), nil)

	res := d.DetectAt(now)
	if res.Status != StatusUnknown || res.Report != nil || res.Err != nil {
		t.Errorf("got %+v, want unknown without report", res)
	}
}

func TestDetectNormalStart(t *testing.T) {
	snap := &appstate.Snapshot{AppName: "halbasic", CleanShutdown: true, LastHeartbeatAt: now.Add(-time.Hour)}
	res := NewDetector(stubLoader{snap: snap}, nil).DetectAt(now)

	if res.Status != StatusNormalStart {
		t.Errorf("status: got %s, want normal_start", res.Status)
	}
	if res.Report != nil {
		t.Error("normal start must not produce a report")
	}
	if res.Previous != snap {
		t.Error("previous snapshot not returned")
	}
}

func TestDetectCrashWithStaleHeartbeat(t *testing.T) {
	snap := &appstate.Snapshot{
		AppName:         "halbasic",
		SessionID:       "s-1",
		LifecycleState:  appstate.LifecycleBusy,
		LastHeartbeatAt: now.Add(-60 * time.Second),
		CrashCount:      1,
		UserData:        map[string]json.RawMessage{"last_file": json.RawMessage(`"a.txt"`)},
		Checkpoints: []appstate.Checkpoint{
			{Name: "before-import:a.txt", At: now.Add(-90 * time.Second)},
			{Name: "after-import:a.txt", At: now.Add(-80 * time.Second)},
			{Name: "before-import:b.txt", At: now.Add(-70 * time.Second), Data: json.RawMessage(`{"line":42}`)},
		},
	}

	bus := events.NewBus(8)
	defer bus.Close()
	crashes, unsub := bus.SubscribeChan(2, events.EventCrashDetected)
	defer unsub()

	res := NewDetector(stubLoader{snap: snap}, bus).DetectAt(now)
	if res.Status != StatusCrashDetected {
		t.Fatalf("status: got %s, want crash_detected", res.Status)
	}
	r := res.Report
	if r.HeartbeatGap != 60*time.Second {
		t.Errorf("gap: got %s, want 60s", r.HeartbeatGap)
	}
	if r.LastCheckpoint != "before-import:b.txt" || r.PreviousCheckpoint != "after-import:a.txt" {
		t.Errorf("checkpoints: got %q / %q", r.PreviousCheckpoint, r.LastCheckpoint)
	}
	if string(r.LastCheckpointData) != `{"line":42}` {
		t.Errorf("checkpoint data: got %s", r.LastCheckpointData)
	}
	if !strings.Contains(r.String(), `Data:          {"line":42}`) {
		t.Errorf("report text misses checkpoint data:\n%s", r.String())
	}
	if r.CrashCount != 2 {
		t.Errorf("crash count: got %d, want 2", r.CrashCount)
	}
	if !r.HasUserData() || r.UserDataKeys()[0] != "last_file" {
		t.Errorf("user data: got %v", r.UserData)
	}

	select {
	case e := <-crashes:
		p, ok := events.GetCrashDetectedPayload(e)
		if !ok || p.LastCheckpoint != "before-import:b.txt" || e.SessionID != "s-1" {
			t.Errorf("crash event: got %+v (session %q)", p, e.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("no crash.detected event")
	}
}

func TestDetectUnreadableSnapshot(t *testing.T) {
	dir := t.TempDir()
	store := appstate.NewStore(dir, "halbasic")
	if err := os.MkdirAll(filepath.Join(dir, "halbasic"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(store.Path(), []byte("\x00\x01garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := NewDetector(store, nil).DetectAt(now)
	if res.Status != StatusUnknown {
		t.Errorf("status: got %s, want unknown", res.Status)
	}
	if !errors.Is(res.Err, appstate.ErrPersistence) {
		t.Errorf("err: got %v, want ErrPersistence", res.Err)
	}
}

// A checkpoint written right before the process dies is what the next
// start reports.
func TestCheckpointBeforeDeath(t *testing.T) {
	dir := t.TempDir()

	first := appstate.NewStore(dir, "halbasic")
	if _, err := first.Begin(appstate.BeginOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := first.SetUserData("pending_files", []string{"big.log"}); err != nil {
		t.Fatal(err)
	}
	if err := first.Checkpoint("before-import"); err != nil {
		t.Fatal(err)
	}
	// Process dies here: no MarkCleanShutdown.

	restarted := appstate.NewStore(dir, "halbasic")
	res := NewDetector(restarted, nil).Detect()
	if res.Status != StatusCrashDetected {
		t.Fatalf("status: got %s, want crash_detected", res.Status)
	}
	if res.Report.LastCheckpoint != "before-import" {
		t.Errorf("last checkpoint: got %q, want before-import", res.Report.LastCheckpoint)
	}

	// The crash surfaces once: beginning the new session replaces the evidence.
	if _, err := restarted.Begin(appstate.BeginOptions{Previous: res.Previous, Crashed: true}); err != nil {
		t.Fatal(err)
	}
	if err := restarted.MarkCleanShutdown(); err != nil {
		t.Fatal(err)
	}
	if again := NewDetector(restarted, nil).Detect(); again.Status != StatusNormalStart {
		t.Errorf("after recovery: got %s, want normal_start", again.Status)
	}
}

func TestReportString(t *testing.T) {
	r := &Report{
		AppName:            "halbasic",
		SessionID:          "s-9",
		PID:                77,
		Lifecycle:          appstate.LifecycleBusy,
		LastCheckpoint:     "before-import:b.txt",
		PreviousCheckpoint: "after-import:a.txt",
		LastHeartbeatAt:    now.Add(-2 * time.Minute),
		HeartbeatGap:       2 * time.Minute,
		CrashCount:         1,
		DetectedAt:         now,
		UserData:           map[string]json.RawMessage{"pending_files": json.RawMessage(`["b.txt"]`)},
	}
	out := r.String()
	for _, want := range []string{
		"=== halbasic crash report ===",
		"while busy",
		"between after-import:a.txt and before-import:b.txt",
		"(2m0s ago)",
		`pending_files: ["b.txt"]`,
		"1 consecutive",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}

	empty := (&Report{AppName: "x", DetectedAt: now}).String()
	if !strings.Contains(empty, "never recorded") || !strings.Contains(empty, "Recoverable data: none") {
		t.Errorf("empty report:\n%s", empty)
	}
}

package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dohr-michael/warden/internal/appstate"
	"github.com/dohr-michael/warden/internal/config"
	"github.com/dohr-michael/warden/internal/events"
	"github.com/dohr-michael/warden/internal/recovery"
	"github.com/dohr-michael/warden/internal/storage"
	"github.com/dohr-michael/warden/internal/workers"
)

func testConfig(dataDir string) *config.Config {
	cfg := config.Default()
	cfg.App.Name = "halbasic"
	cfg.App.DataDir = dataDir
	cfg.Workers.DefaultTimeout = config.Duration(time.Second)
	cfg.Workers.GracePeriod = config.Duration(200 * time.Millisecond)
	cfg.Workers.PollInterval = config.Duration(20 * time.Millisecond)
	cfg.State.HeartbeatInterval = config.Duration(50 * time.Millisecond)
	off := false
	cfg.Events.Journal = &off
	return cfg
}

// crash abandons a supervisor the way a killed process would: background
// work stops but the clean-shutdown marker is never written.
func crash(s *Supervisor) {
	s.Heartbeat().Stop()
	s.Manager().ShutdownAll(0)
	if s.ownsBus {
		s.bus.Close()
	}
}

func waitLifecycle(t *testing.T, store *appstate.Store, want appstate.LifecycleState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := store.Current(); ok && snap.LifecycleState == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := store.Current()
	t.Fatalf("lifecycle: got %s, want %s", snap.LifecycleState, want)
}

func TestFirstStartAndCleanRestart(t *testing.T) {
	dir := t.TempDir()

	first := New(testConfig(dir), Options{})
	out, err := first.Startup(recovery.ChoiceDefault)
	if err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if out.Status != recovery.StatusUnknown || out.Report != nil {
		t.Errorf("first start: got %+v", out)
	}
	waitLifecycle(t, first.Store(), appstate.LifecycleIdle)

	if err := first.Store().SetUserData("last_file", "a.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	second := New(testConfig(dir), Options{})
	defer second.Shutdown(time.Second)
	out, err = second.Startup(recovery.ChoiceDefault)
	if err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if out.Status != recovery.StatusNormalStart {
		t.Errorf("status: got %s, want normal_start", out.Status)
	}
	if out.Session.CrashCount != 0 || out.Session.CleanShutdown {
		t.Errorf("session: got crash_count=%d clean=%v", out.Session.CrashCount, out.Session.CleanShutdown)
	}
	var last string
	if ok, err := second.Store().UserData("last_file", &last); !ok || err != nil || last != "a.txt" {
		t.Errorf("carried user data: got %q (%v, %v)", last, ok, err)
	}
}

func TestCrashResumeWithData(t *testing.T) {
	dir := t.TempDir()

	first := New(testConfig(dir), Options{})
	if _, err := first.Startup(recovery.ChoiceDefault); err != nil {
		t.Fatal(err)
	}
	if err := first.Store().SetUserData("pending_files", []string{"b.txt"}); err != nil {
		t.Fatal(err)
	}
	if err := first.Checkpoint("before-import:b.txt"); err != nil {
		t.Fatal(err)
	}
	crash(first)

	bus := events.NewBus(16)
	defer bus.Close()
	decided, unsub := bus.SubscribeChan(4, events.EventRecoveryDecided)
	defer unsub()

	second := New(testConfig(dir), Options{Bus: bus})
	defer second.Shutdown(time.Second)
	out, err := second.Startup(recovery.ChoiceResume)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != recovery.StatusCrashDetected {
		t.Fatalf("status: got %s, want crash_detected", out.Status)
	}
	if out.Report.LastCheckpoint != "before-import:b.txt" {
		t.Errorf("last checkpoint: got %q", out.Report.LastCheckpoint)
	}
	if out.Decision != recovery.DecisionResumeWithData {
		t.Errorf("decision: got %s", out.Decision)
	}
	if _, ok := out.Plan.Restore["pending_files"]; !ok {
		t.Error("pending_files not restored")
	}
	if out.Session.CrashCount != 1 || out.Session.LastCrashReason == "" {
		t.Errorf("crash bookkeeping: count=%d reason=%q", out.Session.CrashCount, out.Session.LastCrashReason)
	}

	select {
	case e := <-decided:
		p, ok := events.GetRecoveryDecidedPayload(e)
		if !ok || p.Choice != string(recovery.DecisionResumeWithData) || p.Restored != 1 {
			t.Errorf("recovery.decided: got %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no recovery.decided event")
	}
}

func TestCrashAskDiscard(t *testing.T) {
	dir := t.TempDir()

	first := New(testConfig(dir), Options{})
	if _, err := first.Startup(recovery.ChoiceDefault); err != nil {
		t.Fatal(err)
	}
	if err := first.Store().SetUserData("draft", map[string]int{"rows": 3}); err != nil {
		t.Fatal(err)
	}
	crash(first)

	var gotRecommended recovery.Decision
	second := New(testConfig(dir), Options{
		Ask: func(r *recovery.Report, recommended recovery.Decision) (recovery.Choice, error) {
			gotRecommended = recommended
			return recovery.ChoiceDiscard, nil
		},
	})
	defer second.Shutdown(time.Second)

	out, err := second.Startup(recovery.ChoiceAsk)
	if err != nil {
		t.Fatal(err)
	}
	if gotRecommended != recovery.DecisionResumeWithData {
		t.Errorf("recommended: got %s", gotRecommended)
	}
	if out.Decision != recovery.DecisionDiscard {
		t.Errorf("decision: got %s, want discard", out.Decision)
	}
	if len(out.Session.UserData) != 0 {
		t.Errorf("discarded data still present: %v", out.Session.UserData)
	}
}

func TestAskFailureFallsBackToRecommendation(t *testing.T) {
	dir := t.TempDir()

	first := New(testConfig(dir), Options{})
	if _, err := first.Startup(recovery.ChoiceDefault); err != nil {
		t.Fatal(err)
	}
	crash(first)

	second := New(testConfig(dir), Options{
		Ask: func(*recovery.Report, recovery.Decision) (recovery.Choice, error) {
			return "", errors.New("no terminal")
		},
	})
	defer second.Shutdown(time.Second)

	out, err := second.Startup(recovery.ChoiceAsk)
	if err != nil {
		t.Fatal(err)
	}
	// No user data was left behind, so the recommendation is a fresh start.
	if out.Decision != recovery.DecisionDiscard {
		t.Errorf("decision: got %s, want discard", out.Decision)
	}
}

func TestLifecycleFollowsActiveTasks(t *testing.T) {
	s := New(testConfig(t.TempDir()), Options{})
	defer s.Shutdown(time.Second)
	if _, err := s.Startup(recovery.ChoiceDefault); err != nil {
		t.Fatal(err)
	}
	waitLifecycle(t, s.Store(), appstate.LifecycleIdle)

	release := make(chan struct{})
	h, err := s.Manager().Register(workers.Func(func(ctx context.Context, hb workers.Heartbeat) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}), "import", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Manager().Start(h); err != nil {
		t.Fatal(err)
	}
	waitLifecycle(t, s.Store(), appstate.LifecycleBusy)

	close(release)
	waitLifecycle(t, s.Store(), appstate.LifecycleIdle)
}

func TestShutdownSequence(t *testing.T) {
	dir := t.TempDir()
	s := New(testConfig(dir), Options{})
	if _, err := s.Startup(recovery.ChoiceDefault); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"a", "b"} {
		h, err := s.Manager().Register(workers.Func(func(ctx context.Context, hb workers.Heartbeat) error {
			<-ctx.Done()
			return ctx.Err()
		}), name, 0)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Manager().Start(h); err != nil {
			t.Fatal(err)
		}
	}

	summary, err := s.Shutdown(time.Second)
	if err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if summary.Graceful != 2 || summary.Forced != 0 {
		t.Errorf("summary: got %+v", summary)
	}

	snap, err := s.Store().Load()
	if err != nil {
		t.Fatal(err)
	}
	if !snap.CleanShutdown || snap.LifecycleState != appstate.LifecycleTerminated {
		t.Errorf("persisted: clean=%v lifecycle=%s", snap.CleanShutdown, snap.LifecycleState)
	}

	again, err := s.Shutdown(time.Second)
	if err != nil || again != summary {
		t.Errorf("second Shutdown: got %+v, %v; want %+v", again, err, summary)
	}
}

func TestStartupTwice(t *testing.T) {
	s := New(testConfig(t.TempDir()), Options{})
	defer s.Shutdown(time.Second)
	if _, err := s.Startup(recovery.ChoiceDefault); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Startup(recovery.ChoiceDefault); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("got %v, want ErrAlreadyStarted", err)
	}
}

func TestJournalRecordsSession(t *testing.T) {
	dataDir, journalDir := t.TempDir(), t.TempDir()
	cfg := testConfig(dataDir)
	cfg.Events.Journal = nil

	s := New(cfg, Options{JournalDir: journalDir})
	defer s.Shutdown(time.Second)
	out, err := s.Startup(recovery.ChoiceDefault)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Store().SetLifecycle(appstate.LifecycleBusy); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		list, err := storage.LoadJournal(journalDir, out.Session.SessionID)
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range list {
			if e.Type == events.EventLifecycleChanged && e.Payload["to"] == string(appstate.LifecycleBusy) {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("lifecycle change not journaled under the session")
}

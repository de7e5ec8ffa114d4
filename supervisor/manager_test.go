package supervisor

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestRunOnceDoesNotRestart(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	if err := m.Create("ok", "true", RunOnce); err != nil {
		t.Fatal(err)
	}
	if err := m.Start("ok"); err != nil {
		t.Fatal(err)
	}
	waitForExit(t, m.Entry("ok"))
	if m.Entry("ok").Running() {
		t.Fatal("RunOnce process should not restart")
	}
}

func TestRestartOnCrashRestarts(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	if err := m.Create("crasher", "false", RestartOnCrash); err != nil {
		t.Fatal(err)
	}
	if err := m.Start("crasher"); err != nil {
		t.Fatal(err)
	}
	waitForExit(t, m.Entry("crasher"))
	// give the restart a moment to kick in
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Entry("crasher").Running() {
			m.Stop(time.Second, "crasher")
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("RestartOnCrash process never restarted")
}

func TestCreateDuplicateNameFails(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	if err := m.Create("dup", "true", RunOnce); err != nil {
		t.Fatal(err)
	}
	if err := m.Create("dup", "true", RunOnce); err != ErrNameConflict {
		t.Fatalf("err = %v, want ErrNameConflict", err)
	}
}

func TestStopSendsSigtermThenSigkill(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	// the child ignores SIGTERM, so only the SIGKILL after the timeout ends it.
	if err := m.Create("sleeper", `sh -c "trap '' TERM; exec sleep 30"`, RunOnce); err != nil {
		t.Fatal(err)
	}
	if err := m.Start("sleeper"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := m.Stop(100*time.Millisecond, "sleeper"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Stop took too long: %v", elapsed)
	}
	if m.Entry("sleeper").Running() {
		t.Fatal("process should be stopped")
	}
}

func waitForExit(t *testing.T, e *Entry) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !e.Running() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("process never exited")
}

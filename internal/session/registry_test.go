package session

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newSession(id string) *Session {
	return &Session{ID: id, ProjectID: "proj-1"}
}

func TestCreateAndGet(t *testing.T) {
	r := NewRegistry()

	if err := r.Create(newSession("s1"), nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	sess, err := r.Get("s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.Status != StatusInitializing {
		t.Errorf("Status = %q, want initializing", sess.Status)
	}
	if sess.StartedAt.IsZero() {
		t.Error("StartedAt should be set on create")
	}

	if err := r.Create(newSession("s1"), nil); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate Create() error = %v, want ErrAlreadyExists", err)
	}
}

func TestGetUnknown(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestAdvanceForwardOnly(t *testing.T) {
	r := NewRegistry()
	r.Create(newSession("s1"), nil)

	steps := []struct {
		status   Status
		progress int
	}{
		{StatusPreparingEnv, 10},
		{StatusInstallingModule, 30},
		{StatusGeneratingTests, 50},
		{StatusRunningTests, 70},
		{StatusProcessingResults, 90},
	}
	for _, step := range steps {
		if err := r.Advance("s1", step.status, step.progress, string(step.status)); err != nil {
			t.Fatalf("Advance(%s) error = %v", step.status, err)
		}
		sess, _ := r.Get("s1")
		if sess.Progress != step.progress {
			t.Errorf("Progress = %d, want %d", sess.Progress, step.progress)
		}
	}

	// Regression to an earlier state is rejected.
	if err := r.Advance("s1", StatusPreparingEnv, 10, "again"); !errors.Is(err, ErrRegression) {
		t.Errorf("regressing Advance() error = %v, want ErrRegression", err)
	}
	sess, _ := r.Get("s1")
	if sess.Status != StatusProcessingResults {
		t.Errorf("Status after rejected regression = %q, want processing_results", sess.Status)
	}
}

func TestProgressMonotonic(t *testing.T) {
	r := NewRegistry()
	r.Create(newSession("s1"), nil)

	r.Advance("s1", StatusRunningTests, 70, "tests")
	// A later advance with a lower progress value keeps the higher one.
	r.Advance("s1", StatusProcessingResults, 60, "results")

	sess, _ := r.Get("s1")
	if sess.Progress != 70 {
		t.Errorf("Progress = %d, want 70 (monotonic)", sess.Progress)
	}
}

func TestCompleteTerminalOnce(t *testing.T) {
	r := NewRegistry()
	r.Create(newSession("s1"), nil)

	if err := r.Complete("s1", StatusCompleted, &Results{}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	sess, _ := r.Get("s1")
	if sess.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}
	if sess.Progress != 100 {
		t.Errorf("Progress = %d, want 100", sess.Progress)
	}

	// A second terminal transition does not overwrite the first.
	if err := r.Fail("s1", "late failure"); err != nil {
		t.Fatalf("Fail() after terminal error = %v", err)
	}
	sess, _ = r.Get("s1")
	if sess.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed (terminal is final)", sess.Status)
	}

	if err := r.Complete("s1", StatusRunningTests, nil); err == nil {
		t.Error("Complete() with non-terminal status should error")
	}
}

func TestStopCancelsAndIsIdempotent(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	r.Create(newSession("s1"), cancel)
	r.Advance("s1", StatusRunningTests, 70, "tests")

	if err := r.Stop("s1"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	select {
	case <-ctx.Done():
	default:
		t.Error("Stop() should cancel the pipeline context")
	}

	sess, _ := r.Get("s1")
	if sess.Status != StatusStopped {
		t.Errorf("Status = %q, want stopped", sess.Status)
	}

	// Second stop is a silent no-op.
	if err := r.Stop("s1"); err != nil {
		t.Errorf("second Stop() error = %v, want nil", err)
	}
}

func TestActiveCount(t *testing.T) {
	r := NewRegistry()
	r.Create(newSession("a"), nil)
	r.Create(newSession("b"), nil)
	r.Create(newSession("c"), nil)
	r.Fail("b", "boom")

	if n := r.ActiveCount(); n != 2 {
		t.Errorf("ActiveCount() = %d, want 2", n)
	}

	r.Remove("a")
	if n := r.ActiveCount(); n != 1 {
		t.Errorf("ActiveCount() after Remove = %d, want 1", n)
	}
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	r := NewRegistry()
	r.Create(newSession("s1"), nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.Advance("s1", StatusPreparingEnv, 10, "env")
		r.Advance("s1", StatusInstallingModule, 30, "install")
		r.Advance("s1", StatusRunningTests, 70, "tests")
		r.Complete("s1", StatusCompleted, &Results{})
	}()
	go func() {
		defer wg.Done()
		prev := -1
		for i := 0; i < 100; i++ {
			sess, err := r.Get("s1")
			if err != nil {
				t.Error(err)
				return
			}
			if sess.Progress < prev {
				t.Errorf("observed progress regression %d -> %d", prev, sess.Progress)
				return
			}
			prev = sess.Progress
		}
	}()
	wg.Wait()
}

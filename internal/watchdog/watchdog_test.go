package watchdog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nugget/zipper/internal/notify"
	"github.com/nugget/zipper/internal/prompts"
)

// fakeService answers health probes from a script. Once the script runs
// out the last value repeats. When upAfterRestart is set the service
// reports healthy only after the restarter has run.
type fakeService struct {
	health         []bool
	probes         int
	upAfterRestart *fakeRestarter

	submits []string
	answer  string
	err     error
	// hang makes Submit block until its context ends.
	hang bool
}

func (f *fakeService) Healthy(context.Context) bool {
	if f.upAfterRestart != nil {
		return f.upAfterRestart.calls > 0
	}
	f.probes++
	if len(f.health) == 0 {
		return false
	}
	i := min(f.probes-1, len(f.health)-1)
	return f.health[i]
}

func (f *fakeService) Submit(ctx context.Context, id, prompt string) (string, error) {
	f.submits = append(f.submits, id+"|"+prompt)
	if f.hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.answer, f.err
}

type fakeRollback struct {
	calls  int
	output string
	err    error
}

func (f *fakeRollback) Rollback(context.Context) (string, error) {
	f.calls++
	return f.output, f.err
}

type fakeRestarter struct {
	calls int
	err   error
}

func (f *fakeRestarter) RestartService(context.Context) error {
	f.calls++
	return f.err
}

type fakeSink struct {
	sent  []notify.Message
	fails int
	err   error
}

func (f *fakeSink) Send(_ context.Context, m notify.Message) error {
	if f.fails > 0 {
		f.fails--
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

func testTimings() Timings {
	return Timings{
		WaitDownAttempts: 3,
		WaitDownInterval: time.Millisecond,
		PollInterval:     2 * time.Millisecond,
		StartupTimeout:   40 * time.Millisecond,
		ResumeTimeout:    50 * time.Millisecond,
		NotifyAttempts:   3,
		NotifyInterval:   time.Millisecond,
	}
}

type harness struct {
	svc       *fakeService
	rollback  *fakeRollback
	restarter *fakeRestarter
	sink      *fakeSink
	wd        *Watchdog
}

func newHarness(svc *fakeService) *harness {
	h := &harness{
		svc:       svc,
		rollback:  &fakeRollback{output: "Saved working directory and index state On main: zipper watchdog"},
		restarter: &fakeRestarter{},
		sink:      &fakeSink{},
	}
	h.wd = New(Deps{
		Service:   svc,
		Rollback:  h.rollback,
		Restarter: h.restarter,
		Sink:      h.sink,
		Lookup:    func(id string) string { return "thread-" + id },
	}, testTimings(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h
}

func TestWatch_Resumed(t *testing.T) {
	h := newHarness(&fakeService{health: []bool{true, false, true}, answer: "Changes verified."})

	report := h.wd.Watch(t.Context(), "fix-bug")

	if report.Outcome != OutcomeResumed || report.Answer != "Changes verified." {
		t.Errorf("report = %+v", report)
	}
	if len(h.svc.submits) != 1 || h.svc.submits[0] != "fix-bug|"+prompts.RestartSucceeded() {
		t.Errorf("submits = %q", h.svc.submits)
	}
	if h.rollback.calls != 0 || h.restarter.calls != 0 {
		t.Errorf("rollback = %d, restart = %d, want none", h.rollback.calls, h.restarter.calls)
	}
	if len(h.sink.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(h.sink.sent))
	}
	if got := h.sink.sent[0]; got.Text != "Changes verified." || got.ThreadRef != "thread-fix-bug" {
		t.Errorf("notification = %+v", got)
	}
}

func TestWatch_NeverWentDown(t *testing.T) {
	// The old process never stops answering; the watch still treats the
	// service as up and resumes.
	h := newHarness(&fakeService{health: []bool{true}, answer: "ok"})

	report := h.wd.Watch(t.Context(), "c")
	if report.Outcome != OutcomeResumed || len(h.svc.submits) != 1 {
		t.Errorf("report = %+v, submits = %d", report, len(h.svc.submits))
	}
	if h.svc.probes < 3 {
		t.Errorf("probes = %d, want at least the wait-down attempts", h.svc.probes)
	}
}

func TestWatch_Recovered(t *testing.T) {
	svc := &fakeService{answer: "I'll fix the crash."}
	h := newHarness(svc)
	svc.upAfterRestart = h.restarter

	report := h.wd.Watch(t.Context(), "fix-bug")

	if report.Outcome != OutcomeRecovered {
		t.Fatalf("outcome = %s", report.Outcome)
	}
	if h.rollback.calls != 1 || h.restarter.calls != 1 {
		t.Errorf("rollback = %d, restart = %d, want 1 each", h.rollback.calls, h.restarter.calls)
	}
	if report.RollbackOutput != h.rollback.output {
		t.Errorf("rollback output = %q", report.RollbackOutput)
	}
	if len(svc.submits) != 1 {
		t.Fatalf("submits = %d, want 1", len(svc.submits))
	}
	if !strings.Contains(svc.submits[0], "RESTART FAILED") || !strings.Contains(svc.submits[0], h.rollback.output) {
		t.Errorf("resume prompt = %q", svc.submits[0])
	}
	if len(h.sink.sent) != 1 || h.sink.sent[0].Text != "I'll fix the crash." {
		t.Errorf("notifications = %+v", h.sink.sent)
	}
}

func TestWatch_Escalated(t *testing.T) {
	h := newHarness(&fakeService{})

	report := h.wd.Watch(t.Context(), "fix-bug")

	if report.Outcome != OutcomeEscalated {
		t.Fatalf("outcome = %s", report.Outcome)
	}
	if h.rollback.calls != 1 || h.restarter.calls != 1 {
		t.Errorf("rollback = %d, restart = %d, want 1 each", h.rollback.calls, h.restarter.calls)
	}
	if len(h.svc.submits) != 0 {
		t.Errorf("submits = %d, want 0", len(h.svc.submits))
	}
	if len(h.sink.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(h.sink.sent))
	}
	msg := h.sink.sent[0]
	for _, want := range []string{"Manual intervention required", "fix-bug", h.rollback.output} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("escalation %q missing %q", msg.Text, want)
		}
	}
	if msg.ThreadRef != "thread-fix-bug" {
		t.Errorf("thread ref = %q", msg.ThreadRef)
	}
}

func TestWatch_RollbackErrorIsReported(t *testing.T) {
	h := newHarness(&fakeService{})
	h.rollback.output = "fatal: not a git repository"
	h.rollback.err = errors.New("exit status 128")
	h.restarter.err = errors.New("unit not found")

	report := h.wd.Watch(t.Context(), "c")
	if report.Outcome != OutcomeEscalated {
		t.Fatalf("outcome = %s", report.Outcome)
	}
	if !strings.Contains(report.RollbackOutput, "not a git repository") ||
		!strings.Contains(report.RollbackOutput, "exit status 128") {
		t.Errorf("rollback output = %q", report.RollbackOutput)
	}
}

func TestWatch_ResumeFailureNotifies(t *testing.T) {
	h := newHarness(&fakeService{health: []bool{false, true}, err: errors.New("HTTP 502")})

	report := h.wd.Watch(t.Context(), "c")
	if report.Outcome != OutcomeResumed || report.Answer != "" {
		t.Errorf("report = %+v", report)
	}
	if len(h.sink.sent) != 1 || !strings.Contains(h.sink.sent[0].Text, "HTTP 502") {
		t.Errorf("notifications = %+v", h.sink.sent)
	}
}

func TestWatch_EmptyAnswerStillNotifies(t *testing.T) {
	h := newHarness(&fakeService{health: []bool{false, true}})
	report := h.wd.Watch(t.Context(), "c")
	if report.Outcome != OutcomeResumed {
		t.Errorf("outcome = %s", report.Outcome)
	}
	if len(h.sink.sent) != 1 || !strings.Contains(h.sink.sent[0].Text, "no text") {
		t.Errorf("notifications = %+v, want one fallback notice", h.sink.sent)
	}
}

func TestWatch_HungResumeTimesOut(t *testing.T) {
	h := newHarness(&fakeService{health: []bool{false, true}, hang: true})

	done := make(chan Report, 1)
	go func() { done <- h.wd.Watch(t.Context(), "c") }()

	var report Report
	select {
	case report = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch blocked on a hung resume request")
	}
	if report.Outcome != OutcomeResumed || report.Answer != "" {
		t.Errorf("report = %+v", report)
	}
	if len(h.sink.sent) != 1 || !strings.Contains(h.sink.sent[0].Text, "failed") {
		t.Errorf("notifications = %+v, want one failure notice", h.sink.sent)
	}
}

func TestNotify_RetriesTransientFailures(t *testing.T) {
	h := newHarness(&fakeService{})
	h.sink.fails = 2
	h.sink.err = errors.New("gateway timeout")

	h.wd.notify(t.Context(), "c", "hello")
	if len(h.sink.sent) != 1 {
		t.Errorf("sent = %d, want delivery after retries", len(h.sink.sent))
	}
}

func TestNotify_GivesUp(t *testing.T) {
	h := newHarness(&fakeService{})
	h.sink.fails = 100
	h.sink.err = errors.New("gateway timeout")

	h.wd.notify(t.Context(), "c", "hello")
	// One attempt plus NotifyAttempts retries.
	if remaining := 100 - h.sink.fails; remaining != 4 {
		t.Errorf("attempts = %d, want 4", remaining)
	}
}

func TestNotify_UnresolvableNotRetried(t *testing.T) {
	h := newHarness(&fakeService{})
	h.sink.fails = 100
	h.sink.err = notify.ErrUnresolvable

	h.wd.notify(t.Context(), "c", "hello")
	if attempts := 100 - h.sink.fails; attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestNotify_NoSink(t *testing.T) {
	wd := New(Deps{Service: &fakeService{}}, testTimings(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	wd.notify(t.Context(), "c", "hello")
}

func TestTimingsWithDefaults(t *testing.T) {
	got := Timings{SettleDelay: -time.Second}.withDefaults()
	want := DefaultTimings()
	want.SettleDelay = 0
	if got != want {
		t.Errorf("withDefaults = %+v, want %+v", got, want)
	}
}

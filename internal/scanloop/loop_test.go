package scanloop

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	err   error
	calls int
}

func (s *fakeSource) Capture(context.Context) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "data:image/png;base64,AAAA", nil
}

type fakeDetector struct {
	found []bool
	err   error
}

func (d *fakeDetector) DetectFace(context.Context, string) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	if len(d.found) == 0 {
		return true, nil
	}
	f := d.found[0]
	d.found = d.found[1:]
	return f, nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) notify(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s []State
	for _, ev := range r.events {
		s = append(s, ev.State)
	}
	return s
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func matchAda(context.Context, string) (Match, error) {
	return Match{StudentID: "s1", StudentName: "Ada"}, nil
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStep_Success(t *testing.T) {
	rec := &recorder{}
	l := New(&fakeSource{}, &fakeDetector{}, MatcherFunc(matchAda), Config{}, rec.notify)

	if !l.Step(context.Background()) {
		t.Fatal("Step() = false")
	}
	want := []State{StateScanning, StateDetecting, StateRecognizing, StateSuccess}
	if got := rec.states(); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if last := rec.events[len(rec.events)-1]; last.Match.StudentID != "s1" {
		t.Errorf("match = %+v", last.Match)
	}
	if l.State() != StateSuccess {
		t.Errorf("State() = %s", l.State())
	}
}

func TestStep_NoFaceKeepsScanning(t *testing.T) {
	rec := &recorder{}
	matched := false
	m := MatcherFunc(func(context.Context, string) (Match, error) {
		matched = true
		return Match{}, nil
	})
	l := New(&fakeSource{}, &fakeDetector{found: []bool{false}}, m, Config{}, rec.notify)

	l.Step(context.Background())
	if l.State() != StateScanning || matched {
		t.Errorf("state = %s, matched = %v", l.State(), matched)
	}
	rec.reset()
	l.Step(context.Background())
	want := []State{StateDetecting, StateRecognizing, StateSuccess}
	if got := rec.states(); !equalStates(got, want) {
		t.Errorf("second tick states = %v, want %v", got, want)
	}
}

func TestStep_Failures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name  string
		src   *fakeSource
		det   *fakeDetector
		match Matcher
		want  State
	}{
		{"capture fails", &fakeSource{err: boom}, &fakeDetector{}, MatcherFunc(matchAda), StateScanning},
		{"detect fails", &fakeSource{}, &fakeDetector{err: boom}, MatcherFunc(matchAda), StateScanning},
		{"match fails", &fakeSource{}, &fakeDetector{}, MatcherFunc(func(context.Context, string) (Match, error) { return Match{}, boom }), StateError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			l := New(tt.src, tt.det, tt.match, Config{}, rec.notify)
			l.Step(context.Background())
			if l.State() != tt.want {
				t.Errorf("State() = %s, want %s", l.State(), tt.want)
			}
			last := rec.events[len(rec.events)-1]
			if !errors.Is(last.Err, boom) {
				t.Errorf("last event error = %v", last.Err)
			}
		})
	}
}

func TestStep_ResetDelay(t *testing.T) {
	rec := &recorder{}
	src := &fakeSource{}
	l := New(src, &fakeDetector{}, MatcherFunc(matchAda), Config{ResetDelay: 5 * time.Second}, rec.notify)
	clock := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	l.Step(context.Background())
	clock = clock.Add(2 * time.Second)
	if l.Step(context.Background()) {
		t.Error("tick ran while the result is still shown")
	}
	if src.calls != 1 {
		t.Errorf("captures = %d, want 1", src.calls)
	}

	rec.reset()
	clock = clock.Add(3 * time.Second)
	if !l.Step(context.Background()) {
		t.Fatal("tick after reset delay did not run")
	}
	want := []State{StateIdle, StateScanning, StateDetecting, StateRecognizing, StateSuccess}
	if got := rec.states(); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestResultReturnsToIdleAfterDelay(t *testing.T) {
	rec := &recorder{}
	l := New(&fakeSource{}, &fakeDetector{}, MatcherFunc(matchAda), Config{ResetDelay: 20 * time.Millisecond}, rec.notify)

	l.Step(context.Background())
	deadline := time.Now().Add(time.Second)
	for l.State() != StateIdle {
		if time.Now().After(deadline) {
			t.Fatalf("State() = %s, want idle after the reset delay", l.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	want := []State{StateScanning, StateDetecting, StateRecognizing, StateSuccess, StateIdle}
	if got := rec.states(); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}

	// the next tick starts from idle without emitting it twice
	rec.reset()
	l.Step(context.Background())
	if got := rec.states(); len(got) == 0 || got[0] != StateScanning {
		t.Errorf("next tick states = %v, want to start with scanning", got)
	}
	l.Stop()
}

func TestStop_CancelsPendingReset(t *testing.T) {
	rec := &recorder{}
	l := New(&fakeSource{}, &fakeDetector{}, MatcherFunc(matchAda), Config{ResetDelay: 10 * time.Millisecond, StopOnSuccess: true}, rec.notify)

	l.Step(context.Background())
	time.Sleep(50 * time.Millisecond)
	if l.State() != StateSuccess {
		t.Errorf("State() = %s, a stopped loop should keep its result", l.State())
	}
}

func TestStep_Paused(t *testing.T) {
	src := &fakeSource{}
	l := New(src, &fakeDetector{}, MatcherFunc(matchAda), Config{}, nil)
	l.Pause()
	if l.Step(context.Background()) || src.calls != 0 {
		t.Error("paused loop ran a tick")
	}
	l.Resume()
	if !l.Step(context.Background()) {
		t.Error("resumed loop did not run")
	}
}

func TestStep_OverlappingTickDropped(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	slow := MatcherFunc(func(context.Context, string) (Match, error) {
		close(entered)
		<-release
		return Match{StudentID: "s1"}, nil
	})
	l := New(&fakeSource{}, &fakeDetector{}, slow, Config{}, nil)

	done := make(chan bool)
	go func() { done <- l.Step(context.Background()) }()
	<-entered
	if l.Step(context.Background()) {
		t.Error("overlapping Step ran")
	}
	close(release)
	if !<-done {
		t.Error("first Step reported no work")
	}
}

func TestRun_StopOnSuccess(t *testing.T) {
	l := New(&fakeSource{}, &fakeDetector{}, MatcherFunc(matchAda), Config{Interval: 5 * time.Millisecond, StopOnSuccess: true}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if l.State() != StateSuccess {
		t.Errorf("State() = %s", l.State())
	}
}

func TestRun_ContextCancel(t *testing.T) {
	l := New(&fakeSource{}, &fakeDetector{found: []bool{false, false, false}}, MatcherFunc(matchAda), Config{Interval: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	l.Stop()
	l.Stop()
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	png := []byte("\x89PNG\r\n\x1a\n0000")
	os.WriteFile(filepath.Join(dir, "b.png"), png, 0o600)
	os.WriteFile(filepath.Join(dir, "a.png"), png, 0o600)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600)

	src, err := NewDirSource(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(src.files) != 2 || filepath.Base(src.files[0]) != "a.png" {
		t.Errorf("files = %v", src.files)
	}
	for i := 0; i < 3; i++ {
		uri, err := src.Capture(context.Background())
		if err != nil || !strings.HasPrefix(uri, "data:image/png;base64,") {
			t.Fatalf("Capture() = %q, %v", uri, err)
		}
	}
	if src.next != 1 {
		t.Errorf("next = %d, want wrap-around to 1", src.next)
	}

	if _, err := NewDirSource(t.TempDir()); err == nil {
		t.Error("empty dir accepted")
	}
}

func TestSnapshotSource(t *testing.T) {
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0x10, 'J', 'F', 'I', 'F'}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(jpeg)
	}))
	defer srv.Close()

	uri, err := NewSnapshotSource(srv.URL + "/snap.jpg").Capture(context.Background())
	if err != nil || !strings.HasPrefix(uri, "data:image/jpeg;base64,") {
		t.Errorf("Capture() = %q, %v", uri, err)
	}
	if _, err := NewSnapshotSource(srv.URL + "/down").Capture(context.Background()); err == nil {
		t.Error("camera error not reported")
	}
}

package stream

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestScenarioMatchOverlayAndStop(t *testing.T) {
	h := newHarness(Options{})
	h.engine.search = func(index int) ([]Candidate, error) {
		switch index {
		case 2:
			return []Candidate{
				{Identity: "alice", Distance: 0.1},
				{Identity: "bob", Distance: 0.3},
			}, nil
		case 4:
			return nil, errors.New("face could not be detected")
		}
		return nil, nil
	}

	var stateBefore, stateAfter State
	h.presenter.onShow = func(n int) {
		if n != 4 {
			return
		}
		stateBefore = h.ctrl.State()
		h.ctrl.RequestStop()
		stateAfter = h.ctrl.State()
	}

	done := h.start(t, "./gallery")
	waitDone(t, done)

	if stateBefore != Running || stateAfter != Stopping {
		t.Errorf("states around RequestStop = %v -> %v, want running -> stopping",
			stateBefore, stateAfter)
	}
	if s := h.ctrl.State(); s != Idle {
		t.Errorf("State() = %v, want idle", s)
	}

	if calls := h.engine.called(); !reflect.DeepEqual(calls, []int{2, 4}) {
		t.Errorf("engine called on frames %v, want [2 4]", calls)
	}

	shown, closes := h.presenter.frames()
	if len(shown) != 4 {
		t.Fatalf("shown %d frames, want 4", len(shown))
	}
	for _, f := range shown {
		if f.index == 2 {
			if !reflect.DeepEqual(f.texts, []string{"alice: 90.00%"}) {
				t.Errorf("frame 2 overlay = %v", f.texts)
			}
			if len(f.points) != 1 || f.points[0] != OverlayPoint {
				t.Errorf("frame 2 overlay point = %v, want %v", f.points, OverlayPoint)
			}
			continue
		}
		if len(f.texts) != 0 {
			t.Errorf("frame %d has overlay %v", f.index, f.texts)
		}
	}
	if closes != 1 {
		t.Errorf("presenter closed %d times, want 1", closes)
	}

	opens, releaseCalls, _ := h.src.counts()
	if opens != 1 || releaseCalls != 1 {
		t.Errorf("opens = %d, releases = %d, want 1 and 1", opens, releaseCalls)
	}

	want := []string{
		"stream starting: gallery ./gallery",
		"stream running",
		"stream stopping",
		"stream stopped: stop requested",
	}
	if got := h.status.Messages(); !reflect.DeepEqual(got, want) {
		t.Errorf("status = %q, want %q", got, want)
	}
}

func TestScenarioSecondStartRejected(t *testing.T) {
	h := newHarness(Options{})

	running := make(chan struct{})
	var once sync.Once
	h.presenter.onShow = func(int) {
		once.Do(func() { close(running) })
	}

	done := h.start(t, "./gallery")

	err := h.ctrl.Start("./gallery")
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() = %v, want ErrAlreadyRunning", err)
	}

	<-running

	err = h.ctrl.Start("./other")
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Start() while running = %v, want ErrAlreadyRunning", err)
	}
	if got := h.ctrl.Snapshot().GalleryPath; got != "./gallery" {
		t.Errorf("rejected Start changed gallery path to %q", got)
	}

	h.ctrl.RequestStop()
	waitDone(t, done)

	opens, releaseCalls, _ := h.src.counts()
	if opens != 1 || releaseCalls != 1 {
		t.Errorf("opens = %d, releases = %d, want 1 and 1", opens, releaseCalls)
	}
}

func TestScenarioDeviceUnavailable(t *testing.T) {
	h := newHarness(Options{})
	h.src.openErr = errors.New("no camera")

	presenters := 0
	h.ctrl.opts.NewPresenter = func() (Presenter, error) {
		presenters++
		return h.presenter, nil
	}

	done := h.start(t, "./gallery")
	waitDone(t, done)

	if s := h.ctrl.State(); s != Idle {
		t.Errorf("State() = %v, want idle", s)
	}
	if presenters != 0 {
		t.Errorf("presenter opened %d times, want 0", presenters)
	}
	if calls := h.engine.called(); len(calls) != 0 {
		t.Errorf("engine called %d times, want 0", len(calls))
	}
	if h.ctrl.Snapshot().Frames != 0 {
		t.Errorf("frames counted after failed open")
	}

	msgs := h.status.Messages()
	last := msgs[len(msgs)-1]
	if !strings.HasPrefix(last, "stream failed: ") ||
		!strings.Contains(last, ErrDeviceUnavailable.Error()) ||
		!strings.Contains(last, "no camera") {
		t.Errorf("last status = %q, want device unavailable failure", last)
	}
	for _, msg := range msgs {
		if msg == "stream running" || msg == "stream stopping" {
			t.Errorf("unexpected status %q", msg)
		}
	}
}

func TestSamplingEveryOtherFrame(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 7, 10} {
		h := newHarness(Options{})
		h.src.limit = n

		done := h.start(t, "./gallery")
		waitDone(t, done)

		if calls := h.engine.called(); len(calls) != n/2 {
			t.Errorf("n=%d: engine called %d times, want %d", n, len(calls), n/2)
		}
		for _, i := range h.engine.called() {
			if i%2 != 0 {
				t.Errorf("n=%d: engine called on odd frame %d", n, i)
			}
		}
		if shown, _ := h.presenter.frames(); len(shown) != n {
			t.Errorf("n=%d: shown %d frames, want %d", n, len(shown), n)
		}
	}
}

func TestSamplingCustomCadence(t *testing.T) {
	h := newHarness(Options{MatchEvery: 3})
	h.src.limit = 9

	done := h.start(t, "./gallery")
	waitDone(t, done)

	if calls := h.engine.called(); !reflect.DeepEqual(calls, []int{3, 6, 9}) {
		t.Errorf("engine called on frames %v, want [3 6 9]", calls)
	}
}

func TestDeviceReadFailure(t *testing.T) {
	h := newHarness(Options{})
	h.src.limit = 3

	done := h.start(t, "./gallery")
	waitDone(t, done)

	msgs := h.status.Messages()
	want := "stream failed: read frame: " + ErrDeviceUnavailable.Error()
	if last := msgs[len(msgs)-1]; last != want {
		t.Errorf("last status = %q, want %q", last, want)
	}
	if msgs[len(msgs)-2] != "stream stopping" {
		t.Errorf("status before failure = %q, want stream stopping", msgs[len(msgs)-2])
	}

	_, releaseCalls, _ := h.src.counts()
	if releaseCalls != 1 {
		t.Errorf("releases = %d, want 1", releaseCalls)
	}
	if h.src.unclosed != 0 {
		t.Errorf("%d frames were not closed", h.src.unclosed)
	}
}

func TestCancelKey(t *testing.T) {
	h := newHarness(Options{})
	h.presenter.cancelAfter = 3

	done := h.start(t, "./gallery")
	waitDone(t, done)

	shown, closes := h.presenter.frames()
	if len(shown) != 3 {
		t.Errorf("shown %d frames, want 3", len(shown))
	}
	if closes != 1 {
		t.Errorf("presenter closed %d times, want 1", closes)
	}

	msgs := h.status.Messages()
	if last := msgs[len(msgs)-1]; last != "stream stopped: cancel key" {
		t.Errorf("last status = %q", last)
	}
	if s := h.ctrl.State(); s != Idle {
		t.Errorf("State() = %v, want idle", s)
	}
}

func TestMatchFailuresAreAbsorbed(t *testing.T) {
	tests := []struct {
		name   string
		search func(index int) ([]Candidate, error)
	}{
		{
			name: "error",
			search: func(int) ([]Candidate, error) {
				return nil, errors.New("internal failure")
			},
		},
		{
			name: "panic",
			search: func(int) ([]Candidate, error) {
				panic("engine crashed")
			},
		},
		{
			name: "empty",
			search: func(int) ([]Candidate, error) {
				return []Candidate{}, nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(Options{})
			h.src.limit = 6
			h.engine.search = tt.search

			done := h.start(t, "./gallery")
			waitDone(t, done)

			shown, _ := h.presenter.frames()
			if len(shown) != 6 {
				t.Errorf("shown %d frames, want 6", len(shown))
			}
			for _, f := range shown {
				if len(f.texts) != 0 {
					t.Errorf("frame %d has overlay %v", f.index, f.texts)
				}
			}
			if calls := h.engine.called(); len(calls) != 3 {
				t.Errorf("engine called %d times, want 3", len(calls))
			}
		})
	}
}

func TestWorkerPanicTearsDown(t *testing.T) {
	h := newHarness(Options{})
	h.presenter.panicAt = 2

	done := h.start(t, "./gallery")
	waitDone(t, done)

	_, closes := h.presenter.frames()
	_, releaseCalls, _ := h.src.counts()
	if releaseCalls != 1 || closes != 1 {
		t.Errorf("releases = %d, presenter closes = %d, want 1 and 1",
			releaseCalls, closes)
	}

	msgs := h.status.Messages()
	if last := msgs[len(msgs)-1]; last != "stream failed: worker panic: boom" {
		t.Errorf("last status = %q", last)
	}
	if s := h.ctrl.State(); s != Idle {
		t.Errorf("State() = %v, want idle", s)
	}
}

func TestPresenterOpenFailure(t *testing.T) {
	h := newHarness(Options{
		NewPresenter: func() (Presenter, error) {
			return nil, errors.New("no display")
		},
	})

	done := h.start(t, "./gallery")
	waitDone(t, done)

	opens, releaseCalls, _ := h.src.counts()
	if opens != 1 || releaseCalls != 1 {
		t.Errorf("opens = %d, releases = %d, want 1 and 1", opens, releaseCalls)
	}

	msgs := h.status.Messages()
	if last := msgs[len(msgs)-1]; last != "stream failed: open presenter: no display" {
		t.Errorf("last status = %q", last)
	}
}

func TestRequestStopIdempotent(t *testing.T) {
	h := newHarness(Options{})

	h.ctrl.RequestStop()
	if s := h.ctrl.State(); s != Idle {
		t.Errorf("State() after idle stop = %v", s)
	}
	if msgs := h.status.Messages(); len(msgs) != 0 {
		t.Errorf("idle stop produced status %q", msgs)
	}

	h.presenter.onShow = func(n int) {
		if n == 2 {
			h.ctrl.RequestStop()
			h.ctrl.RequestStop()
			h.ctrl.RequestStop()
		}
	}

	done := h.start(t, "./gallery")
	waitDone(t, done)

	h.ctrl.RequestStop()

	stopping := 0
	for _, msg := range h.status.Messages() {
		if msg == "stream stopping" {
			stopping++
		}
	}
	if stopping != 1 {
		t.Errorf("stream stopping reported %d times, want 1", stopping)
	}

	shown, _ := h.presenter.frames()
	if len(shown) != 2 {
		t.Errorf("shown %d frames, want 2", len(shown))
	}
	_, releaseCalls, _ := h.src.counts()
	if releaseCalls != 1 {
		t.Errorf("releases = %d, want 1", releaseCalls)
	}
}

func TestOpenReleaseBalancedAcrossCycles(t *testing.T) {
	h := newHarness(Options{})

	cycles := []struct {
		name    string
		prepare func()
	}{
		{
			name: "stop requested",
			prepare: func() {
				h.src.limit = 0
				h.presenter.cancelAfter = 0
				h.presenter.onShow = func(n int) {
					if n == 1 {
						h.ctrl.RequestStop()
					}
				}
			},
		},
		{
			name: "cancel key",
			prepare: func() {
				h.presenter.onShow = nil
				h.presenter.cancelAfter = 2
			},
		},
		{
			name: "device failure",
			prepare: func() {
				h.presenter.cancelAfter = 0
				h.src.limit = 2
			},
		},
		{
			name: "open failure",
			prepare: func() {
				h.src.openErr = errors.New("busy")
			},
		},
		{
			name: "recovered",
			prepare: func() {
				h.src.openErr = nil
				h.src.limit = 5
			},
		},
	}

	for _, c := range cycles {
		h.presenter.mx.Lock()
		h.presenter.shown = nil
		h.presenter.mx.Unlock()
		c.prepare()

		done := h.start(t, "./gallery")
		waitDone(t, done)

		if s := h.ctrl.State(); s != Idle {
			t.Fatalf("%s: State() = %v, want idle", c.name, s)
		}
		opens, _, released := h.src.counts()
		if opens != released {
			t.Fatalf("%s: opens = %d, released = %d", c.name, opens, released)
		}
	}

	opens, releaseCalls, _ := h.src.counts()
	if opens != 4 || releaseCalls != 4 {
		t.Errorf("opens = %d, releases = %d, want 4 and 4", opens, releaseCalls)
	}
}

func TestSnapshotAndMatchSink(t *testing.T) {
	sink := &recordingMatchSink{}
	h := newHarness(Options{Matches: sink})
	h.engine.search = func(index int) ([]Candidate, error) {
		return []Candidate{{Identity: "alice", Distance: 0.2}}, nil
	}

	var snap Session
	h.presenter.onShow = func(n int) {
		if n == 3 {
			snap = h.ctrl.Snapshot()
			h.ctrl.RequestStop()
		}
	}

	done := h.start(t, "./gallery")
	waitDone(t, done)

	if snap.State != Running || snap.Frames != 3 || snap.GalleryPath != "./gallery" || snap.ID == "" {
		t.Errorf("Snapshot() = %+v", snap)
	}
	if idle := h.ctrl.Snapshot(); idle != (Session{State: Idle}) {
		t.Errorf("idle Snapshot() = %+v", idle)
	}

	if len(sink.frames) != 1 || sink.frames[0] != 2 {
		t.Errorf("match sink frames = %v, want [2]", sink.frames)
	}
	if sink.ids[0] != snap.ID {
		t.Errorf("match sink session = %q, want %q", sink.ids[0], snap.ID)
	}
}

func TestStartRejectsEmptyGallery(t *testing.T) {
	h := newHarness(Options{})

	err := h.ctrl.Start("")
	if !errors.Is(err, ErrEmptyGallery) {
		t.Errorf("Start(\"\") = %v, want ErrEmptyGallery", err)
	}
	if s := h.ctrl.State(); s != Idle {
		t.Errorf("State() = %v, want idle", s)
	}
	select {
	case <-h.ctrl.Done():
	default:
		t.Error("Done() not closed while idle")
	}
}

func TestHeadlessPresenter(t *testing.T) {
	src := &fakeSource{limit: 4}
	engine := &fakeEngine{}
	ctrl := NewController(src, engine, Options{})

	if err := ctrl.Start("./gallery"); err != nil {
		t.Fatal(err)
	}
	waitDone(t, ctrl.Done())

	if calls := engine.called(); len(calls) != 2 {
		t.Errorf("engine called %d times, want 2", len(calls))
	}
}

type recordingMatchSink struct {
	mx     sync.Mutex
	ids    []string
	frames []uint64
}

func (s *recordingMatchSink) Matched(id string, frame uint64, _ Match) {
	s.mx.Lock()
	s.ids = append(s.ids, id)
	s.frames = append(s.frames, frame)
	s.mx.Unlock()
}

func TestStartingState(t *testing.T) {
	h := newHarness(Options{})
	h.src.gate = make(chan struct{})

	running := make(chan struct{})
	var once sync.Once
	h.presenter.onShow = func(int) {
		once.Do(func() { close(running) })
	}

	done := h.start(t, "./gallery")

	if s := h.ctrl.State(); s != Starting {
		t.Fatalf("State() after Start = %v, want starting", s)
	}
	if opens, _, _ := h.src.counts(); opens != 0 {
		t.Fatalf("device opened %d times before Start returned", opens)
	}

	h.ctrl.RequestStop()
	if s := h.ctrl.State(); s != Starting {
		t.Errorf("State() after RequestStop while starting = %v, want starting", s)
	}

	err := h.ctrl.Start("./other")
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Start() while starting = %v, want ErrAlreadyRunning", err)
	}
	if got := h.ctrl.Snapshot().GalleryPath; got != "./gallery" {
		t.Errorf("rejected Start changed gallery path to %q", got)
	}

	close(h.src.gate)
	<-running

	if s := h.ctrl.State(); s != Running {
		t.Errorf("State() after device opened = %v, want running", s)
	}

	h.ctrl.RequestStop()
	waitDone(t, done)

	opens, releaseCalls, _ := h.src.counts()
	if opens != 1 || releaseCalls != 1 {
		t.Errorf("opens = %d, releases = %d, want 1 and 1", opens, releaseCalls)
	}
}

func TestStatusOrderWithSlowSink(t *testing.T) {
	slow := StatusFunc(func(msg string) {
		if msg == "stream stopping" {
			time.Sleep(20 * time.Millisecond)
		}
	})
	h := newHarness(Options{Status: slow})

	running := make(chan struct{})
	var once sync.Once
	h.presenter.onShow = func(int) {
		once.Do(func() { close(running) })
	}

	for i := 0; i < 3; i++ {
		done := h.start(t, "./g")
		<-running

		h.ctrl.RequestStop()
		waitDone(t, done)

		running = make(chan struct{})
		once = sync.Once{}
	}

	session := []string{
		"stream starting: gallery ./g",
		"stream running",
		"stream stopping",
		"stream stopped: stop requested",
	}
	var want []string
	for i := 0; i < 3; i++ {
		want = append(want, session...)
	}
	if got := h.status.Messages(); !reflect.DeepEqual(got, want) {
		t.Errorf("status = %q, want %q", got, want)
	}
}

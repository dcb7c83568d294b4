package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/YuzuZensai/TrollSSH/internal/assets"
)

const frameInterval = 100 * time.Millisecond

// trackingClock counts timer and ticker handles that have not been stopped.
type trackingClock struct {
	*testingclock.FakeClock
	mu      sync.Mutex
	created int
	live    int
}

func newTrackingClock() *trackingClock {
	return &trackingClock{FakeClock: testingclock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))}
}

func (c *trackingClock) NewTimer(d time.Duration) clock.Timer {
	t := c.FakeClock.NewTimer(d)
	c.track()
	return &trackedTimer{Timer: t, c: c}
}

func (c *trackingClock) NewTicker(d time.Duration) clock.Ticker {
	t := c.FakeClock.NewTicker(d)
	c.track()
	return &trackedTicker{Ticker: t, c: c}
}

func (c *trackingClock) track() {
	c.mu.Lock()
	c.created++
	c.live++
	c.mu.Unlock()
}

func (c *trackingClock) release() {
	c.mu.Lock()
	c.live--
	c.mu.Unlock()
}

func (c *trackingClock) counts() (created, live int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created, c.live
}

func (c *trackingClock) waitCreated(t *testing.T, n int) {
	t.Helper()
	waitFor(t, "timer creation", func() bool {
		created, _ := c.counts()
		return created >= n
	})
}

type trackedTimer struct {
	clock.Timer
	c    *trackingClock
	once sync.Once
}

func (t *trackedTimer) Stop() bool {
	t.once.Do(t.c.release)
	return t.Timer.Stop()
}

type trackedTicker struct {
	clock.Ticker
	c    *trackingClock
	once sync.Once
}

func (t *trackedTicker) Stop() {
	t.once.Do(t.c.release)
	t.Ticker.Stop()
}

type fakeStream struct {
	mu     sync.Mutex
	writes []string
	closed bool
	fail   bool
}

func (f *fakeStream) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || f.closed {
		return 0, errors.New("broken pipe")
	}
	f.writes = append(f.writes, string(p))
	return len(p), nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStream) setFail() {
	f.mu.Lock()
	f.fail = true
	f.mu.Unlock()
}

func (f *fakeStream) snapshot() ([]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	copy(out, f.writes)
	return out, f.closed
}

func (f *fakeStream) frameWrites() int {
	writes, _ := f.snapshot()
	n := 0
	for _, w := range writes {
		if strings.HasPrefix(w, cursorHome+clearScreen) {
			n++
		}
	}
	return n
}

type fakeConn struct{ closes atomic.Int32 }

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	return nil
}

type fakeFrames struct{ n int }

func (f fakeFrames) Len() int                { return f.n }
func (f fakeFrames) Frame(i int) []byte      { return []byte{byte(i)} }
func (f fakeFrames) Interval() time.Duration { return frameInterval }

type size struct{ w, h int }

type fakeResizer struct {
	mu     sync.Mutex
	calls  []size
	failOn map[int]bool
}

func (r *fakeResizer) Resize(frame []byte, width, height int, keepAspectRatio bool) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, size{width, height})
	if r.failOn[len(r.calls)] {
		return nil, errors.New("decode failed")
	}
	out := make([]byte, width*height)
	for i := range out {
		out[i] = 255
	}
	return out, nil
}

func (r *fakeResizer) snapshot() []size {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]size, len(r.calls))
	copy(out, r.calls)
	return out
}

type harness struct {
	s        *Session
	clk      *trackingClock
	out      *fakeStream
	conn     *fakeConn
	resizer  *fakeResizer
	releases atomic.Int32
	cancel   context.CancelFunc
}

func defaultConfig() Config {
	return Config{
		MaxLoops:            1,
		LoginDelay:          1500 * time.Millisecond,
		GoodbyeDelay:        time.Second,
		BrightnessThreshold: 40,
	}
}

func start(t *testing.T, cfg Config, frames int, banners assets.Banners) *harness {
	t.Helper()
	h := &harness{
		clk:     newTrackingClock(),
		out:     &fakeStream{},
		conn:    &fakeConn{},
		resizer: &fakeResizer{failOn: map[int]bool{}},
	}
	h.s = New(Options{
		Address:  "203.0.113.7",
		Config:   cfg,
		Frames:   fakeFrames{n: frames},
		Resizer:  h.resizer,
		Banners:  assets.Static(banners),
		Conn:     h.conn,
		Clock:    h.clk,
		OnClosed: func(*Session) { h.releases.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.s.Run(ctx)

	t.Cleanup(func() {
		h.s.Close()
		select {
		case <-h.s.Done():
		case <-time.After(2 * time.Second):
			t.Error("session did not close during cleanup")
		}
		cancel()
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) waitPhase(t *testing.T, p Phase) {
	t.Helper()
	waitFor(t, "phase "+p.String(), func() bool { return h.s.Phase() == p })
}

func (h *harness) waitResizes(t *testing.T, n int) {
	t.Helper()
	waitFor(t, "frame tick", func() bool { return len(h.resizer.snapshot()) >= n })
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session not closed, phase %s", h.s.Phase())
	}
}

// startPlaying triggers a shell and steps past the login delay.
func (h *harness) startPlaying(t *testing.T, cfg Config) {
	t.Helper()
	if !h.s.Start(Trigger{Shell: true, Stream: h.out}) {
		t.Fatal("Start() rejected the first shell trigger")
	}
	h.clk.waitCreated(t, 1)
	h.clk.Step(cfg.LoginDelay)
	h.waitPhase(t, PhasePlaying)
}

func (h *harness) tick(t *testing.T, n int) {
	t.Helper()
	h.clk.Step(frameInterval)
	h.waitResizes(t, n)
}

func (h *harness) assertNoPendingTimers(t *testing.T) {
	t.Helper()
	if _, live := h.clk.counts(); live != 0 {
		t.Errorf("pending timers = %d, want 0", live)
	}
}

func ptr(s string) *string { return &s }

func TestSingleLoopPlaysEachFrameOnce(t *testing.T) {
	cfg := defaultConfig()
	h := start(t, cfg, 3, assets.Banners{Goodbye: ptr("bye\n")})
	h.startPlaying(t, cfg)

	h.tick(t, 1)
	h.tick(t, 2)
	if got := h.s.Phase(); got != PhasePlaying {
		t.Fatalf("phase after 2 ticks = %s, want playing", got)
	}
	h.tick(t, 3)
	h.waitPhase(t, PhaseClosing)
	h.clk.waitCreated(t, 3)

	h.clk.Step(cfg.GoodbyeDelay - time.Millisecond)
	select {
	case <-h.s.Done():
		t.Fatal("closed before the goodbye delay elapsed")
	default:
	}
	h.clk.Step(time.Millisecond)
	h.waitDone(t)

	if got := len(h.resizer.snapshot()); got != 3 {
		t.Errorf("ticks = %d, want 3", got)
	}
	writes, closed := h.out.snapshot()
	if !closed {
		t.Error("stream was not closed")
	}
	if h.conn.closes.Load() == 0 {
		t.Error("connection was not closed")
	}
	if len(writes) != 5 {
		t.Fatalf("writes = %d, want 3 frames + clear + goodbye: %q", len(writes), writes)
	}
	if writes[3] != clearScreen+cursorHome {
		t.Errorf("closing clear = %q", writes[3])
	}
	if writes[4] != "bye\n" {
		t.Errorf("goodbye = %q", writes[4])
	}
	if got := h.releases.Load(); got != 1 {
		t.Errorf("OnClosed calls = %d, want 1", got)
	}
	h.assertNoPendingTimers(t)
}

func TestFrameWriteIsHomeClearThenGlyphs(t *testing.T) {
	cfg := defaultConfig()
	h := start(t, cfg, 2, assets.Banners{})
	h.s.SetGeometry(2, 3)
	h.startPlaying(t, cfg)
	h.tick(t, 1)

	waitFor(t, "frame write", func() bool { return h.out.frameWrites() == 1 })
	writes, _ := h.out.snapshot()
	body := strings.TrimPrefix(writes[0], cursorHome+clearScreen)
	if len(body) == 0 {
		t.Fatal("frame write has no glyphs")
	}
	if strings.ContainsAny(body, "\x1b") {
		t.Errorf("glyph body contains escape: %q", body)
	}
}

func TestLoopsPlayMaxLoopsTimesFrames(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxLoops = 2
	h := start(t, cfg, 3, assets.Banners{})
	h.startPlaying(t, cfg)

	for i := 1; i <= 3; i++ {
		h.tick(t, i)
	}
	h.waitPhase(t, PhaseLooping)
	if info := h.s.Info(); info.Loops != 1 || info.Frame != 0 {
		t.Errorf("after first loop: loops=%d frame=%d", info.Loops, info.Frame)
	}
	for i := 4; i <= 6; i++ {
		h.tick(t, i)
	}
	h.waitPhase(t, PhaseClosing)
	h.clk.waitCreated(t, 3)
	h.clk.Step(cfg.GoodbyeDelay)
	h.waitDone(t)

	if got := len(h.resizer.snapshot()); got != 6 {
		t.Errorf("ticks = %d, want 6", got)
	}
	if got := h.out.frameWrites(); got != 6 {
		t.Errorf("frame writes = %d, want 6", got)
	}
	h.assertNoPendingTimers(t)
}

func TestMaxLoopsBelowOneMeansOne(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxLoops = 0
	h := start(t, cfg, 2, assets.Banners{})
	h.startPlaying(t, cfg)
	h.tick(t, 1)
	h.tick(t, 2)
	h.waitPhase(t, PhaseClosing)
}

func TestWindowChangeAppliesToNextFrame(t *testing.T) {
	cfg := defaultConfig()
	h := start(t, cfg, 5, assets.Banners{})
	h.startPlaying(t, cfg)
	h.tick(t, 1)

	h.s.WindowChange(24, 80)
	waitFor(t, "geometry update", func() bool { return h.s.Info().Width == 80 })
	h.tick(t, 2)

	calls := h.resizer.snapshot()
	if calls[0] != (size{DefaultWidth, DefaultHeight}) {
		t.Errorf("first frame size = %v, want default", calls[0])
	}
	if calls[1] != (size{80, 24}) {
		t.Errorf("second frame size = %v, want 80x24", calls[1])
	}
	if info := h.s.Info(); info.Frame != 2 || info.Height != 24 {
		t.Errorf("info = %+v", info)
	}
}

func TestGeometryFromPTYRequest(t *testing.T) {
	cfg := defaultConfig()
	h := start(t, cfg, 2, assets.Banners{})
	h.s.SetGeometry(30, 120)
	h.waitPhase(t, PhaseGeometrySet)
	h.startPlaying(t, cfg)
	h.tick(t, 1)

	if got := h.resizer.snapshot()[0]; got != (size{120, 30}) {
		t.Errorf("frame size = %v, want 120x30", got)
	}
}

func TestGeometryClampsAndIgnoresZero(t *testing.T) {
	cfg := defaultConfig()
	h := start(t, cfg, 4, assets.Banners{})
	h.s.SetGeometry(9000, 9000)
	waitFor(t, "clamped geometry", func() bool { return h.s.Info().Width == MaxCols })
	h.s.WindowChange(0, 0)
	h.s.WindowChange(0, 40)
	h.startPlaying(t, cfg)
	h.tick(t, 1)

	if got := h.resizer.snapshot()[0]; got != (size{MaxCols, MaxRows}) {
		t.Errorf("frame size = %v, want clamped", got)
	}
}

func TestFakeLoginShownForLoginDelay(t *testing.T) {
	cfg := defaultConfig()
	h := start(t, cfg, 2, assets.Banners{FakeLogin: ptr("Last login: yesterday\n")})
	if !h.s.Start(Trigger{Command: "uptime", Stream: h.out}) {
		t.Fatal("Start() rejected the first exec trigger")
	}
	h.waitPhase(t, PhaseFakeLogin)
	h.clk.waitCreated(t, 1)

	writes, _ := h.out.snapshot()
	if len(writes) != 1 || writes[0] != clearScreen+cursorHome+"Last login: yesterday\n" {
		t.Fatalf("fake login writes = %q", writes)
	}

	h.clk.Step(cfg.LoginDelay - time.Millisecond)
	if got := h.s.Phase(); got != PhaseFakeLogin {
		t.Fatalf("phase before delay = %s", got)
	}
	h.clk.Step(time.Millisecond)
	h.waitPhase(t, PhasePlaying)
	if got := h.s.Info().Command; got != "uptime" {
		t.Errorf("command = %q", got)
	}
}

func TestOnlyFirstTriggerAccepted(t *testing.T) {
	cfg := defaultConfig()
	h := start(t, cfg, 2, assets.Banners{})
	if !h.s.Start(Trigger{Shell: true, Stream: h.out}) {
		t.Fatal("first shell trigger rejected")
	}
	if h.s.Start(Trigger{Command: "ls", Stream: h.out}) {
		t.Error("second trigger (exec) accepted")
	}
	if h.s.Start(Trigger{Shell: true, Stream: h.out}) {
		t.Error("third trigger (shell) accepted")
	}
	h.clk.waitCreated(t, 1)
	h.clk.Step(cfg.LoginDelay)
	h.waitPhase(t, PhasePlaying)
	if got := h.s.Info().Command; got != "" {
		t.Errorf("command = %q, want empty for shell", got)
	}
}

func TestStreamClosedMidPlayback(t *testing.T) {
	cfg := defaultConfig()
	h := start(t, cfg, 5, assets.Banners{Goodbye: ptr("bye")})
	h.startPlaying(t, cfg)
	h.tick(t, 1)

	h.s.StreamClosed()
	h.waitDone(t)

	if got := h.s.Phase(); got != PhaseClosed {
		t.Errorf("phase = %s", got)
	}
	writes, _ := h.out.snapshot()
	for _, w := range writes {
		if w == "bye" {
			t.Error("goodbye written after the client closed the stream")
		}
	}
	h.s.Close()
	if got := h.releases.Load(); got != 1 {
		t.Errorf("OnClosed calls = %d, want 1", got)
	}
	h.assertNoPendingTimers(t)
}

func TestCloseBeforeTrigger(t *testing.T) {
	h := start(t, defaultConfig(), 2, assets.Banners{})
	h.s.Close()
	h.waitDone(t)

	if h.conn.closes.Load() == 0 {
		t.Error("connection not closed")
	}
	if got := h.releases.Load(); got != 1 {
		t.Errorf("OnClosed calls = %d, want 1", got)
	}
	if got := h.s.Phase(); got != PhaseClosed {
		t.Errorf("phase = %s", got)
	}
	h.assertNoPendingTimers(t)
}

func TestCloseDuringLoginDelay(t *testing.T) {
	cfg := defaultConfig()
	h := start(t, cfg, 2, assets.Banners{FakeLogin: ptr("login: ")})
	h.s.Start(Trigger{Shell: true, Stream: h.out})
	h.clk.waitCreated(t, 1)

	h.s.Close()
	h.waitDone(t)
	h.assertNoPendingTimers(t)
	if len(h.resizer.snapshot()) != 0 {
		t.Error("frames rendered after close")
	}
}

func TestCloseDuringGoodbye(t *testing.T) {
	cfg := defaultConfig()
	h := start(t, cfg, 1, assets.Banners{})
	h.startPlaying(t, cfg)
	h.tick(t, 1)
	h.waitPhase(t, PhaseClosing)
	h.clk.waitCreated(t, 3)

	h.s.Close()
	h.waitDone(t)
	h.assertNoPendingTimers(t)
	if got := h.releases.Load(); got != 1 {
		t.Errorf("OnClosed calls = %d, want 1", got)
	}
}

func TestContextCancelClosesSession(t *testing.T) {
	cfg := defaultConfig()
	h := start(t, cfg, 3, assets.Banners{})
	h.startPlaying(t, cfg)

	h.cancel()
	h.waitDone(t)
	if got := h.releases.Load(); got != 1 {
		t.Errorf("OnClosed calls = %d, want 1", got)
	}
	h.assertNoPendingTimers(t)
}

func TestWriteFailureStopsOnNextTick(t *testing.T) {
	cfg := defaultConfig()
	h := start(t, cfg, 5, assets.Banners{})
	h.startPlaying(t, cfg)

	h.out.setFail()
	h.tick(t, 1)
	h.clk.Step(frameInterval)
	h.waitDone(t)

	if got := len(h.resizer.snapshot()); got != 1 {
		t.Errorf("ticks rendered = %d, want 1", got)
	}
	h.assertNoPendingTimers(t)
}

func TestRenderFailureStillAdvances(t *testing.T) {
	cfg := defaultConfig()
	h := start(t, cfg, 3, assets.Banners{})
	h.resizer.failOn[2] = true
	h.startPlaying(t, cfg)

	for i := 1; i <= 3; i++ {
		h.tick(t, i)
	}
	h.waitPhase(t, PhaseClosing)
	if got := h.out.frameWrites(); got != 2 {
		t.Errorf("frame writes = %d, want 2", got)
	}
}

func TestTransitionHistory(t *testing.T) {
	cfg := defaultConfig()
	h := start(t, cfg, 1, assets.Banners{})
	h.startPlaying(t, cfg)
	h.tick(t, 1)
	h.waitPhase(t, PhaseClosing)
	h.clk.waitCreated(t, 3)
	h.clk.Step(cfg.GoodbyeDelay)
	h.waitDone(t)

	want := []Phase{PhaseGeometrySet, PhasePlaying, PhaseClosing, PhaseClosed}
	got := h.s.Transitions()
	if len(got) != len(want) {
		t.Fatalf("transitions = %+v", got)
	}
	from := PhaseConnecting
	for i, tr := range got {
		if tr.From != from || tr.To != want[i] {
			t.Errorf("transition %d = %s->%s, want %s->%s", i, tr.From, tr.To, from, want[i])
		}
		from = tr.To
	}
}

func TestPhaseIsValid(t *testing.T) {
	for _, p := range []Phase{PhaseConnecting, PhaseGeometrySet, PhaseFakeLogin, PhasePlaying, PhaseLooping, PhaseClosing, PhaseClosed} {
		if !p.IsValid() {
			t.Errorf("%s should be valid", p)
		}
	}
	if Phase("paused").IsValid() {
		t.Error("unknown phase reported valid")
	}
	if PhaseConnecting.Started() || !PhaseLooping.Started() || PhaseClosed.Started() {
		t.Error("Started() mismatch")
	}
}

func TestAcceptedRunsBeforeFirstWrite(t *testing.T) {
	cfg := defaultConfig()
	h := start(t, cfg, 2, assets.Banners{FakeLogin: ptr("login: ")})

	writesAtAccept := make(chan int, 1)
	ok := h.s.Start(Trigger{
		Command: "id",
		Stream:  h.out,
		Accepted: func() {
			writes, _ := h.out.snapshot()
			writesAtAccept <- len(writes)
		},
	})
	if !ok {
		t.Fatal("Start() rejected the first trigger")
	}
	select {
	case n := <-writesAtAccept:
		if n != 0 {
			t.Errorf("%d writes before Accepted ran", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Accepted never ran")
	}
	h.waitPhase(t, PhaseFakeLogin)
}

// stalledStream blocks every write until release is closed, like an SSH
// channel whose client stopped reading and never adjusts its window.
type stalledStream struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stalledStream) Write(p []byte) (int, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return 0, errors.New("connection closed")
}

func (s *stalledStream) Close() error { return nil }

// releasingConn unblocks stalled writes when closed, as closing the TCP
// connection does for an SSH channel.
type releasingConn struct {
	release chan struct{}
	once    sync.Once
}

func (c *releasingConn) Close() error {
	c.once.Do(func() { close(c.release) })
	return nil
}

func TestStalledWriteDoesNotBlockInputs(t *testing.T) {
	cfg := defaultConfig()
	clk := newTrackingClock()
	release := make(chan struct{})
	out := &stalledStream{entered: make(chan struct{}), release: release}
	var releases atomic.Int32

	s := New(Options{
		Address:  "198.51.100.9",
		Config:   cfg,
		Frames:   fakeFrames{n: 5},
		Resizer:  &fakeResizer{failOn: map[int]bool{}},
		Conn:     &releasingConn{release: release},
		Clock:    clk,
		OnClosed: func(*Session) { releases.Add(1) },
	})
	go s.Run(context.Background())

	if !s.Start(Trigger{Shell: true, Stream: out}) {
		t.Fatal("Start() rejected the first trigger")
	}
	clk.waitCreated(t, 1)
	clk.Step(cfg.LoginDelay)
	waitFor(t, "playing", func() bool { return s.Phase() == PhasePlaying })
	clk.Step(frameInterval)
	select {
	case <-out.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first frame never written")
	}

	returned := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.WindowChange(20+i%10, 80)
		}
		s.StreamClosed()
		s.Close()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("session inputs blocked behind a stalled write")
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session not closed, phase %s", s.Phase())
	}
	if got := releases.Load(); got != 1 {
		t.Errorf("OnClosed calls = %d, want 1", got)
	}
	if info := s.Info(); info.Width != 80 || info.Height != 29 {
		t.Errorf("geometry = %dx%d, want last window change 80x29", info.Width, info.Height)
	}
	if _, live := clk.counts(); live != 0 {
		t.Errorf("pending timers = %d, want 0", live)
	}
}

func TestGeometryAppliesSynchronously(t *testing.T) {
	h := start(t, defaultConfig(), 2, assets.Banners{})
	h.s.SetGeometry(40, 120)
	if info := h.s.Info(); info.Width != 120 || info.Height != 40 || info.Phase != PhaseGeometrySet {
		t.Errorf("info after SetGeometry = %+v", info)
	}
}

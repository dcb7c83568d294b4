// Package session drives one client connection from terminal negotiation to
// goodbye.
//
// Each [Session] is owned by a single goroutine, [Session.Run], which
// serialises the exec/shell request that starts playback, stream closure,
// forced close and the session's one timer. None of the inputs ever block the
// caller: geometry is stored directly under the session mutex and read by the
// next tick, and closure is signalled by closing a channel.
// The timer is, in turn, the login delay, the playback ticker and the goodbye
// grace period; it is cancelled in one place on every path out of a phase.
//
//	connecting -> geometry_set -> [fake_login] -> playing -> looping -> closing -> closed
//
// Any phase moves to closed when the stream or connection goes away. The
// OnClosed hook fires exactly once, after the timer has been cancelled.
package session

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/YuzuZensai/TrollSSH/internal/assets"
	"github.com/YuzuZensai/TrollSSH/internal/logutil"
	"github.com/YuzuZensai/TrollSSH/internal/metrics"
	"github.com/YuzuZensai/TrollSSH/internal/render"
	"github.com/YuzuZensai/TrollSSH/internal/resize"
)

// Terminal geometry used until the client declares its own.
const (
	DefaultWidth  = 100
	DefaultHeight = 100
)

// Upper bounds for client-declared geometry.
const (
	MaxCols = 500
	MaxRows = 500
)

// Escape sequences written to the client.
const (
	cursorHome  = "\x1b[H"
	clearScreen = "\x1b[2J"
)

// Frames is the read-only video a session plays.
type Frames interface {
	Len() int
	Frame(i int) []byte
	Interval() time.Duration
}

// Stream is the client's output channel.
type Stream interface {
	io.Writer
	Close() error
}

// Config holds the playback policy shared by all sessions.
type Config struct {
	MaxLoops            int
	LoginDelay          time.Duration
	GoodbyeDelay        time.Duration
	BrightnessThreshold int
	// KeepAspectRatio is passed to the resizer; the server always plays
	// stretched to the terminal.
	KeepAspectRatio bool
}

// Options wires a Session to its collaborators.
type Options struct {
	Address string
	Config  Config
	Frames  Frames
	Resizer resize.Resizer
	Banners *assets.Store
	// Conn is the underlying transport connection, closed on teardown.
	Conn    io.Closer
	Clock   clock.WithTicker
	Metrics *metrics.Metrics
	// OnClosed runs once, from the Run goroutine, when the session closes.
	OnClosed func(*Session)
}

type eventKind int

const (
	evExec eventKind = iota
	evShell
)

type event struct {
	kind     eventKind
	command  string
	stream   Stream
	accepted func()
}

type timerKind int

const (
	timerLoginDelay timerKind = iota
	timerPlayback
	timerGoodbye
)

// timerHandle is the session's single pending timer.
type timerHandle struct {
	kind timerKind
	c    <-chan time.Time
	stop func()
}

// Session is the per-connection playback state machine.
type Session struct {
	id        string
	address   string
	createdAt time.Time

	cfg      Config
	frames   Frames
	resizer  resize.Resizer
	banners  *assets.Store
	conn     io.Closer
	clock    clock.WithTicker
	metrics  *metrics.Metrics
	onClosed func(*Session)

	// events carries the single accepted trigger.
	events     chan event
	closeReq   chan struct{}
	streamGone chan struct{}
	done       chan struct{}
	triggered  atomic.Bool
	closeOnce  sync.Once
	reqOnce    sync.Once
	goneOnce   sync.Once

	// Owned by the Run goroutine.
	stream       Stream
	streamClosed bool
	timer        *timerHandle

	// Guarded by mu. Geometry is written by callers, the rest by Run.
	mu          sync.Mutex
	phase       Phase
	width       int
	height      int
	frame       int
	loops       int
	command     string
	startedAt   time.Time
	closedAt    time.Time
	transitions []Transition
}

// New creates a session in the connecting phase. Call Run to drive it.
func New(opts Options) *Session {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	cfg := opts.Config
	if cfg.MaxLoops < 1 {
		cfg.MaxLoops = 1
	}
	if cfg.BrightnessThreshold < 0 {
		cfg.BrightnessThreshold = 0
	}
	banners := opts.Banners
	if banners == nil {
		banners = assets.Static(assets.Banners{})
	}

	return &Session{
		id:         uuid.New().String(),
		address:    opts.Address,
		createdAt:  clk.Now(),
		cfg:        cfg,
		frames:     opts.Frames,
		resizer:    opts.Resizer,
		banners:    banners,
		conn:       opts.Conn,
		clock:      clk,
		metrics:    opts.Metrics,
		onClosed:   opts.OnClosed,
		events:     make(chan event, 1),
		closeReq:   make(chan struct{}),
		streamGone: make(chan struct{}),
		done:       make(chan struct{}),
		phase:      PhaseConnecting,
		width:      DefaultWidth,
		height:     DefaultHeight,
	}
}

func (s *Session) ID() string      { return s.id }
func (s *Session) Address() string { return s.address }

// Done is closed once the session has reached PhaseClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// SetGeometry reports the terminal size from the client's PTY request.
func (s *Session) SetGeometry(rows, cols int) {
	s.setGeometry(rows, cols)
}

// WindowChange reports a terminal resize. It takes effect on the next tick
// and never waits for the Run goroutine, which may be stuck writing to a
// client that stopped reading.
func (s *Session) WindowChange(rows, cols int) {
	s.setGeometry(rows, cols)
}

// Trigger is a client request to start playback.
type Trigger struct {
	// Command is the exec request text; empty for a shell request.
	Command string
	Shell   bool
	Stream  Stream
	// Accepted, if set, runs on the session goroutine before anything is
	// written to Stream.
	Accepted func()
}

// Start begins playback. Only the first trigger of a session is accepted;
// the return value reports whether this one was.
func (s *Session) Start(t Trigger) bool {
	if !s.triggered.CompareAndSwap(false, true) {
		return false
	}
	kind := evExec
	if t.Shell {
		kind = evShell
	}
	s.events <- event{kind: kind, command: t.Command, stream: t.Stream, accepted: t.Accepted}
	return true
}

// StreamClosed reports that the client closed its output stream.
func (s *Session) StreamClosed() {
	s.goneOnce.Do(func() { close(s.streamGone) })
}

// Close forces the session closed. Closing the connection here unblocks a
// Run goroutine stuck writing to a stalled client.
func (s *Session) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
	s.reqOnce.Do(func() { close(s.closeReq) })
}

// Run drives the session until it is closed or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	defer s.finish()

	for {
		select {
		case <-ctx.Done():
			s.terminate("server shutting down")
			return
		case <-s.closeReq:
			s.terminate("connection closed")
			return
		case <-s.streamGone:
			s.streamClosed = true
			s.terminate("stream closed by client")
			return
		case ev := <-s.events:
			s.handle(ev)
		case <-s.timerC():
			if s.fire() {
				return
			}
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev.kind {
	case evExec:
		log.Printf("[session] %s (%s) is trying to execute command %q",
			s.id, logutil.SanitizeForLog(s.address), logutil.Client(ev.command))
		s.mu.Lock()
		s.command = ev.command
		s.mu.Unlock()
	case evShell:
		log.Printf("[session] %s (%s) opened a shell", s.id, logutil.SanitizeForLog(s.address))
	}
	s.startPlayback(ev)
}

func (s *Session) fire() bool {
	switch s.timer.kind {
	case timerLoginDelay:
		s.beginPlaying()
	case timerPlayback:
		return s.tick()
	case timerGoodbye:
		return s.teardown()
	}
	return false
}

// setGeometry ignores zero sizes and clamps oversized ones. The first report
// moves a connecting session to geometry_set.
func (s *Session) setGeometry(rows, cols int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rows > 0 && cols > 0 {
		s.width = min(cols, MaxCols)
		s.height = min(rows, MaxRows)
	}
	if s.phase == PhaseConnecting {
		s.transitionLocked(PhaseGeometrySet)
	}
}

func (s *Session) startPlayback(ev event) {
	if ev.accepted != nil {
		ev.accepted()
	}
	s.stream = ev.stream
	s.mu.Lock()
	s.startedAt = s.clock.Now()
	w, h := s.width, s.height
	if s.phase == PhaseConnecting {
		s.transitionLocked(PhaseGeometrySet)
	}
	s.mu.Unlock()
	s.metrics.PlaybackStarted()

	log.Printf("[session] %s terminal size: %dx%d", s.id, w, h)

	if text := s.banners.Current().FakeLogin; text != nil {
		s.write(clearScreen + cursorHome + *text)
		s.setPhase(PhaseFakeLogin)
	}

	t := s.clock.NewTimer(s.cfg.LoginDelay)
	s.setTimer(timerLoginDelay, t.C(), func() { t.Stop() })
}

func (s *Session) beginPlaying() {
	ticker := s.clock.NewTicker(s.frames.Interval())
	s.setTimer(timerPlayback, ticker.C(), ticker.Stop)
	s.mu.Lock()
	s.frame, s.loops = 0, 0
	s.mu.Unlock()
	s.setPhase(PhasePlaying)
}

// tick renders and writes the current frame, then advances. A failed render
// still advances the frame so loop accounting never stalls.
func (s *Session) tick() bool {
	if s.streamClosed {
		return s.terminate("stream destroyed")
	}

	s.mu.Lock()
	idx, w, h := s.frame, s.width, s.height
	s.mu.Unlock()

	samples, err := s.resizer.Resize(s.frames.Frame(idx), w, h, s.cfg.KeepAspectRatio)
	if err != nil {
		s.metrics.RenderFailed()
		log.Printf("[session] %s frame %d at %dx%d: %v", s.id, idx, w, h, err)
	} else {
		glyphs := render.Render(samples, s.cfg.BrightnessThreshold)
		if s.write(cursorHome + clearScreen + glyphs) {
			s.metrics.FrameRendered()
		}
	}

	return s.advance()
}

func (s *Session) advance() bool {
	s.mu.Lock()
	s.frame++
	wrapped := s.frame >= s.frames.Len()
	if wrapped {
		s.frame = 0
		s.loops++
	}
	loops := s.loops
	s.mu.Unlock()

	if !wrapped {
		return false
	}
	if loops >= s.cfg.MaxLoops {
		s.beginClosing()
		return false
	}
	if s.Phase() == PhasePlaying {
		s.setPhase(PhaseLooping)
	}
	return false
}

func (s *Session) beginClosing() {
	s.cancelTimer()
	s.setPhase(PhaseClosing)
	s.metrics.PlaybackCompleted()

	s.write(clearScreen + cursorHome)
	if text := s.banners.Current().Goodbye; text != nil {
		s.write(*text)
	}

	t := s.clock.NewTimer(s.cfg.GoodbyeDelay)
	s.setTimer(timerGoodbye, t.C(), func() { t.Stop() })
}

func (s *Session) teardown() bool {
	log.Printf("[session] %s finished playback for %s", s.id, logutil.SanitizeForLog(s.address))
	return s.terminate("playback finished")
}

// terminate is the only path into PhaseClosed.
func (s *Session) terminate(reason string) bool {
	s.cancelTimer()
	if s.stream != nil && !s.streamClosed {
		s.stream.Close()
		s.streamClosed = true
	}
	if s.conn != nil {
		s.conn.Close()
	}

	s.mu.Lock()
	s.closedAt = s.clock.Now()
	s.mu.Unlock()
	if s.Phase() != PhaseClosed {
		log.Printf("[session] %s (%s) closed: %s", s.id, logutil.SanitizeForLog(s.address), reason)
		s.setPhase(PhaseClosed)
	}
	return true
}

func (s *Session) finish() {
	if s.Phase() != PhaseClosed {
		s.terminate("session ended")
	}
	s.closeOnce.Do(func() {
		close(s.done)
		if s.onClosed != nil {
			s.onClosed(s)
		}
	})
}

// write sends data to the client. A failed write marks the stream destroyed;
// the next tick notices and closes the session.
func (s *Session) write(data string) bool {
	if s.stream == nil || s.streamClosed {
		return false
	}
	if _, err := io.WriteString(s.stream, data); err != nil {
		if !errors.Is(err, io.EOF) {
			log.Printf("[session] %s write failed: %v", s.id, err)
		}
		s.streamClosed = true
		return false
	}
	return true
}

func (s *Session) setTimer(kind timerKind, c <-chan time.Time, stop func()) {
	s.cancelTimer()
	s.timer = &timerHandle{kind: kind, c: c, stop: stop}
}

func (s *Session) cancelTimer() {
	if s.timer == nil {
		return
	}
	s.timer.stop()
	s.timer = nil
}

func (s *Session) timerC() <-chan time.Time {
	if s.timer == nil {
		return nil
	}
	return s.timer.c
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitionLocked(p)
}

func (s *Session) transitionLocked(p Phase) {
	if s.phase == p {
		return
	}
	s.transitions = append(s.transitions, Transition{From: s.phase, To: p, Timestamp: s.clock.Now()})
	if len(s.transitions) > maxTransitions {
		s.transitions = s.transitions[len(s.transitions)-maxTransitions:]
	}
	s.phase = p
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Transitions returns a copy of the phase history.
func (s *Session) Transitions() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transition, len(s.transitions))
	copy(out, s.transitions)
	return out
}

// Info is a point-in-time view of a session for status reporting.
type Info struct {
	ID        string     `json:"id"`
	Address   string     `json:"address"`
	Phase     Phase      `json:"phase"`
	Width     int        `json:"width"`
	Height    int        `json:"height"`
	Frame     int        `json:"frame"`
	Loops     int        `json:"loops"`
	Command   string     `json:"command,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:        s.id,
		Address:   s.address,
		Phase:     s.phase,
		Width:     s.width,
		Height:    s.height,
		Frame:     s.frame,
		Loops:     s.loops,
		Command:   logutil.Client(s.command),
		CreatedAt: s.createdAt,
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		info.StartedAt = &t
	}
	if !s.closedAt.IsZero() {
		t := s.closedAt
		info.ClosedAt = &t
	}
	return info
}

// Package replay implements market-data replay sessions. each session walks
// an immutable event catalogue on its own virtual clock, publishing due
// events through a bounded outbound channel; a registry owns the sessions
// and evicts idle ones.
package replay

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jonboulle/clockwork"

	"github.com/pragmahq/mktreplay/pkg/catalogue"
	"github.com/pragmahq/mktreplay/pkg/metrics"
)

// State describes the lifecycle of a replay session.
type State string

// session lifecycle states. COMPLETED and EVICTED are terminal.
const (
	StateCreated   State = "CREATED"
	StateRunning   State = "RUNNING"
	StateStopped   State = "STOPPED"
	StateCompleted State = "COMPLETED"
	StateEvicted   State = "EVICTED"
)

// domain errors, mapped to HTTP statuses at the web boundary.
var (
	ErrUnknownSession    = errors.New("unknown session")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrSessionTerminated = errors.New("session terminated")
	ErrAlreadySubscribed = errors.New("already subscribed")
)

// Session replays the catalogue on a virtual clock. control operations are
// serialized by the session mutex; publication runs on a worker goroutine
// that exists only while the session is RUNNING. the outbound channel is
// bounded: when it fills up, publication stalls and the virtual clock stops
// advancing until the subscriber drains it.
type Session struct {
	id      string
	created time.Time

	cat   *catalogue.Catalogue
	clock clockwork.Clock
	tick  time.Duration

	mu         sync.Mutex
	state      State
	speed      float64
	simClock   int64  // current position on the market timeline, milliseconds
	cursor     int    // next catalogue index to publish
	gen        uint64 // bumped by cursor/clock moves so an unlocked push can detect interleaved control ops
	lastAccess time.Time
	subscribed bool
	outbound   chan catalogue.Event
	outClosed  bool
	stopCh     chan struct{} // current worker's stop signal, fresh per RUNNING period
	doneCh     chan struct{} // closed when the current worker has fully exited
}

// newSession creates a session in CREATED state with the virtual clock
// positioned at the first event. the registry assigns ids.
func newSession(id string, cat *catalogue.Catalogue, clock clockwork.Clock, tick time.Duration, capacity int) *Session {
	now := clock.Now()
	return &Session{
		id:         id,
		created:    now,
		cat:        cat,
		clock:      clock,
		tick:       tick,
		state:      StateCreated,
		speed:      1.0,
		simClock:   cat.FirstTimestamp(),
		lastAccess: now,
		outbound:   make(chan catalogue.Event, capacity),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info is a point-in-time view of a session for the HTTP surface.
type Info struct {
	ID         string    `json:"id"`
	State      State     `json:"state"`
	Speed      float64   `json:"speed"`
	Cursor     int       `json:"cursor"`
	SimClock   int64     `json:"simClock"`
	Created    time.Time `json:"created"`
	LastAccess time.Time `json:"lastAccess"`
}

// Info returns a snapshot of the session state.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:         s.id,
		State:      s.state,
		Speed:      s.speed,
		Cursor:     s.cursor,
		SimClock:   s.simClock,
		Created:    s.created,
		LastAccess: s.lastAccess,
	}
}

// Start launches the publication worker. starting a RUNNING session is a
// no-op; terminal sessions reject the call. if a previous worker is still
// winding down, Start waits for it so a single worker owns the cursor.
func (s *Session) Start() error {
	s.mu.Lock()
	s.touchLocked()
	if s.state == StateRunning {
		s.mu.Unlock()
		return nil
	}
	if err := s.errIfTerminalLocked("start"); err != nil {
		s.mu.Unlock()
		return err
	}
	done := s.doneCh
	s.mu.Unlock()

	if done != nil {
		<-done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// revalidate: another caller may have won the start, or the session may
	// have been completed or evicted while we waited
	if s.state == StateRunning {
		return nil
	}
	if err := s.errIfTerminalLocked("start"); err != nil {
		return err
	}

	s.state = StateRunning
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.publishLoop(s.stopCh, s.doneCh)
	log.Printf("[DEBUG] session %s running: cursor=%d simClock=%dms speed=%v", s.id, s.cursor, s.simClock, s.speed)
	return nil
}

// Stop halts publication, letting an in-flight tick finish. stopping a
// CREATED or STOPPED session is a no-op; terminal sessions reject the call.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	if err := s.errIfTerminalLocked("stop"); err != nil {
		return err
	}
	if s.state == StateRunning {
		s.state = StateStopped
		close(s.stopCh)
		log.Printf("[DEBUG] session %s stopped: cursor=%d simClock=%dms", s.id, s.cursor, s.simClock)
	}
	return nil
}

// Rewind moves the session back to the first event. the lifecycle state is
// preserved: a RUNNING session keeps playing from the start, a stopped one
// stays put until started.
func (s *Session) Rewind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	if err := s.errIfTerminalLocked("rewind"); err != nil {
		return err
	}
	s.cursor = 0
	s.simClock = s.cat.FirstTimestamp()
	s.gen++
	return nil
}

// SetSpeed changes the replay speed multiplier, effective from the next tick.
func (s *Session) SetSpeed(speed float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	if err := s.errIfTerminalLocked("set speed on"); err != nil {
		return err
	}
	if math.IsNaN(speed) || math.IsInf(speed, 0) || speed <= 0 {
		return fmt.Errorf("speed %v must be positive and finite: %w", speed, ErrInvalidArgument)
	}
	s.speed = speed
	return nil
}

// Forward advances the cursor by n events without emitting them. skipped
// events never reach the outbound channel. running off the end of the
// catalogue completes the session from any non-terminal state.
func (s *Session) Forward(n int) error {
	s.mu.Lock()
	s.touchLocked()

	if err := s.errIfTerminalLocked("forward"); err != nil {
		s.mu.Unlock()
		return err
	}
	if n <= 0 {
		s.mu.Unlock()
		return fmt.Errorf("forward count %d must be positive: %w", n, ErrInvalidArgument)
	}

	s.cursor = min(s.cursor+n, s.cat.Size())
	s.simClock = s.cat.At(s.cursor - 1).Timestamp
	s.gen++

	if s.cursor < s.cat.Size() {
		s.mu.Unlock()
		return nil
	}

	// ran off the end: terminal, stream closed
	if s.state == StateRunning {
		close(s.stopCh)
	}
	s.state = StateCompleted
	done := s.doneCh
	s.mu.Unlock()

	s.waitWorkerAndCloseOutbound(done)
	metrics.SessionCompleted()
	log.Printf("[INFO] session %s completed by forward", s.id)
	return nil
}

// JumpTo repositions the session at the event with the given id, which
// becomes the next event emitted. the virtual clock moves to its timestamp.
func (s *Session) JumpTo(eventID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	if err := s.errIfTerminalLocked("jump on"); err != nil {
		return err
	}
	idx, err := s.cat.IndexByID(eventID)
	if err != nil {
		return err
	}
	s.cursor = idx
	s.simClock = s.cat.At(idx).Timestamp
	s.gen++
	return nil
}

// Subscribe claims the session's single subscriber slot and returns the
// event stream. the channel closes when the session completes or is
// evicted; a completed session's stream delivers whatever was still
// buffered and then ends.
func (s *Session) Subscribe() (<-chan catalogue.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	if s.state == StateEvicted {
		return nil, fmt.Errorf("subscribe to session %s: %w", s.id, ErrSessionTerminated)
	}
	if s.subscribed {
		return nil, fmt.Errorf("session %s: %w", s.id, ErrAlreadySubscribed)
	}
	s.subscribed = true
	return s.outbound, nil
}

// Unsubscribe releases the subscriber slot. the session state is unchanged:
// a RUNNING session keeps publishing and stalls once the channel fills,
// resuming when the next subscriber drains it.
func (s *Session) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = false
}

// evict transitions the session to EVICTED and tears the stream down. the
// registry calls this after removing the session from its map; an attached
// subscriber observes the stream closing, not an error.
func (s *Session) evict() {
	s.mu.Lock()
	if s.state == StateEvicted {
		s.mu.Unlock()
		return
	}
	if s.state == StateRunning {
		close(s.stopCh)
	}
	s.state = StateEvicted
	done := s.doneCh
	s.mu.Unlock()

	s.waitWorkerAndCloseOutbound(done)
}

// lastAccessTime returns the last control-plane touch, used by TTL eviction.
func (s *Session) lastAccessTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// touchLocked refreshes the idle timer. callers hold the mutex.
func (s *Session) touchLocked() {
	s.lastAccess = s.clock.Now()
}

// errIfTerminalLocked rejects operations on terminal sessions. callers hold
// the mutex.
func (s *Session) errIfTerminalLocked(op string) error {
	if s.state == StateCompleted || s.state == StateEvicted {
		return fmt.Errorf("%s session %s in state %s: %w", op, s.id, s.state, ErrSessionTerminated)
	}
	return nil
}

// closeOutboundLocked closes the outbound channel exactly once. callers
// hold the mutex.
func (s *Session) closeOutboundLocked() {
	if !s.outClosed {
		s.outClosed = true
		close(s.outbound)
	}
}

// waitWorkerAndCloseOutbound waits for the given worker (nil means none has
// ever run) and then closes the outbound channel. must be called without
// the mutex held: the worker needs it to finish, and closing the channel
// under a blocked publish would panic.
func (s *Session) waitWorkerAndCloseOutbound(done chan struct{}) {
	if done != nil {
		<-done
	}
	s.mu.Lock()
	s.closeOutboundLocked()
	s.mu.Unlock()
}

// publishLoop drives publication while the session is RUNNING. each Start
// gets fresh stop/done channels; the loop exits when its stop channel
// closes, the session leaves RUNNING, or the catalogue is exhausted.
func (s *Session) publishLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := s.clock.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.Chan():
			if !s.publishTick(stopCh) {
				return
			}
		}
	}
}

// publishTick runs one publication cycle: advance the virtual clock by one
// speed-scaled increment (at least 1ms) and emit, in order, every event
// that falls due. missed ticks are not compensated. returns false when this
// worker should exit.
func (s *Session) publishTick(stopCh chan struct{}) bool {
	s.mu.Lock()
	if s.state != StateRunning || s.stopCh != stopCh {
		s.mu.Unlock()
		return false
	}

	delta := int64(math.Round(s.speed * float64(s.tick.Milliseconds())))
	if delta < 1 {
		delta = 1
	}
	newSim := s.simClock + delta
	gen := s.gen

	for s.cursor < s.cat.Size() {
		ev := s.cat.At(s.cursor)
		if ev.Timestamp > newSim {
			break
		}

		select {
		case s.outbound <- ev:
			s.cursor++
			metrics.EventEmitted()
			continue
		default:
		}

		// outbound full: block with the mutex released so control ops and
		// the subscriber stay responsive while the virtual clock stalls
		s.mu.Unlock()
		metrics.PublishStalled()
		select {
		case s.outbound <- ev:
			metrics.EventEmitted()
		case <-stopCh:
			return false
		}

		s.mu.Lock()
		if s.gen == gen {
			// nothing repositioned the session, so the delivery advances the cursor
			s.cursor++
		}
		if s.state != StateRunning || s.stopCh != stopCh {
			s.mu.Unlock()
			return false
		}
		if s.gen != gen {
			// a control op repositioned the session mid-push; its new
			// position governs and this tick's window is stale
			s.mu.Unlock()
			return true
		}
	}

	s.simClock = newSim
	if s.cursor == s.cat.Size() {
		close(s.stopCh)
		s.state = StateCompleted
		s.closeOutboundLocked()
		s.mu.Unlock()
		metrics.SessionCompleted()
		log.Printf("[INFO] session %s completed: %d events replayed", s.id, s.cat.Size())
		return false
	}

	s.mu.Unlock()
	return true
}

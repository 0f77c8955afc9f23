package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"hls-grabber/internal/control"
	"hls-grabber/internal/layout"
	"hls-grabber/internal/metrics"
	"hls-grabber/internal/model"
)

// Session is the caller's handle on one acquisition. Its methods are safe to
// call from any goroutine while the worker runs.
type Session struct {
	ID        string
	Source    model.Source
	Paths     layout.Paths
	CreatedAt time.Time

	ctl    *control.State
	logger *zap.Logger

	mu       sync.Mutex
	state    model.State
	progress model.Progress
	segments []model.Segment
	outcome  Outcome

	// emitMu serializes sends so the last buffer slot stays free for Done
	emitMu sync.Mutex
	closed bool
	events chan Event
	done   chan struct{}
}

func newSession(id string, src model.Source, paths layout.Paths, poll time.Duration, buffer int, logger *zap.Logger) *Session {
	// one slot stays free for events that must not be dropped
	if buffer < 2 {
		buffer = 2
	}
	unit := model.UnitSegments
	if src.Mode == model.ModeProgressive {
		unit = model.UnitBytes
	}
	return &Session{
		ID:        id,
		Source:    src,
		Paths:     paths,
		CreatedAt: time.Now(),
		ctl:       control.New(poll),
		logger:    logger.With(zap.String("session", id), zap.String("id", src.ID)),
		state:     model.StateIdle,
		progress:  model.Progress{Unit: unit},
		events:    make(chan Event, buffer),
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() model.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Progress returns the latest progress snapshot.
func (s *Session) Progress() model.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Events delivers state, progress and segment events followed by one Done
// event, after which it is closed. Reading it is optional: when the reader
// falls behind, every event but Done is dropped instead of blocking the
// worker. Progress and Segments always hold the latest values.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed once the outcome is known.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Segments returns a copy of the segment records with their current status.
// It is empty for progressive sessions and before the manifest is resolved.
func (s *Session) Segments() []model.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Segment(nil), s.segments...)
}

// Outcome returns the terminal result, or false while the session is active.
func (s *Session) Outcome() (Outcome, bool) {
	select {
	case <-s.done:
	default:
		return Outcome{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome, true
}

// Wait blocks until the session ends or ctx is done.
func (s *Session) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
		o, _ := s.Outcome()
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Pause suspends the worker at its next checkpoint. It reports whether the
// session moved to Paused; terminal sessions ignore it.
func (s *Session) Pause() bool {
	return s.control(model.StatePaused, s.ctl.Pause)
}

// Resume continues a paused session.
func (s *Session) Resume() bool {
	return s.control(model.StateRunning, s.ctl.Resume)
}

// Cancel stops the session for good. The worker notices at its next poll
// point; an in-flight request is allowed to finish.
func (s *Session) Cancel() bool {
	return s.control(model.StateStopped, s.ctl.Stop)
}

func (s *Session) control(to model.State, apply func() bool) bool {
	s.mu.Lock()
	from := s.state
	if from == model.StateIdle || !model.CanTransition(from, to) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	apply()
	s.mu.Unlock()

	s.logger.Info("session state changed",
		zap.String("from", string(from)),
		zap.String("state", string(to)))
	s.emit(Event{Type: EventState, State: to}, false)
	return true
}

func (s *Session) start() {
	s.mu.Lock()
	s.state = model.StateRunning
	s.mu.Unlock()
	s.emit(Event{Type: EventState, State: model.StateRunning}, false)
}

// setProgress is only called by the worker, so values never go backwards.
func (s *Session) setProgress(p model.Progress) {
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()
	s.emit(Event{Type: EventProgress, Progress: &p}, false)
}

func (s *Session) setSegments(segments []model.Segment) {
	s.mu.Lock()
	s.segments = append([]model.Segment(nil), segments...)
	s.mu.Unlock()
}

func (s *Session) segmentDone(seg model.Segment) {
	s.mu.Lock()
	if seg.Index >= 0 && seg.Index < len(s.segments) {
		s.segments[seg.Index] = seg
	}
	s.mu.Unlock()
	s.emit(Event{Type: EventSegment, Segment: &seg}, false)
}

// finish records the outcome, publishes Done and closes the event channel.
// A session cancelled by the caller stays Stopped whatever the worker
// returned.
func (s *Session) finish(output string, err error) {
	s.mu.Lock()
	from := s.state
	to := model.StateSucceeded
	switch {
	case from == model.StateStopped:
		to = model.StateStopped
	case err == nil:
	case model.IsCancelled(err), errors.Is(err, context.Canceled):
		to = model.StateStopped
	default:
		to = model.StateFailed
	}

	o := Outcome{State: to}
	switch to {
	case model.StateSucceeded:
		o.OutputPath = output
		s.progress.Completed = max(s.progress.Completed, s.progress.Total)
	case model.StateStopped:
		o.Err = model.ErrCancelled
		o.Kind = model.KindOf(o.Err)
		o.Message = o.Err.Error()
	case model.StateFailed:
		o.Err = err
		o.Kind = model.KindOf(err)
		o.Message = err.Error()
	}
	s.state = to
	s.outcome = o
	s.mu.Unlock()

	switch to {
	case model.StateSucceeded:
		s.logger.Info("session succeeded", zap.String("path", output))
	case model.StateStopped:
		s.logger.Info("session stopped")
	default:
		s.logger.Error("session failed", zap.String("kind", o.Kind), zap.Error(err))
	}
	metrics.Sessions.WithLabelValues(strings.ToLower(string(to))).Inc()

	if from != to {
		s.emit(Event{Type: EventState, State: to}, false)
	}
	close(s.done)

	s.emit(Event{Type: EventDone, State: to, Outcome: &o}, true)
	s.emitMu.Lock()
	s.closed = true
	close(s.events)
	s.emitMu.Unlock()
}

// emit never blocks. Only final may take the last buffer slot, and it is
// sent once, so Done always fits.
func (s *Session) emit(e Event, final bool) {
	e.SessionID = s.ID
	e.Time = time.Now()

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.closed {
		return
	}
	if !final && len(s.events) >= cap(s.events)-1 {
		return
	}
	select {
	case s.events <- e:
	default:
		s.logger.Warn("event dropped", zap.String("type", string(e.Type)))
	}
}

// Package control holds the per-session pause/resume/cancel flag shared
// between a caller and the acquisition worker.
package control

import (
	"context"
	"sync"
	"time"

	"hls-grabber/internal/model"
)

// Flag is the tri-state control value.
type Flag int32

const (
	Running Flag = iota
	Paused
	Stopped
)

func (f Flag) String() string {
	switch f {
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// DefaultPollInterval bounds how long a paused worker goes without
// re-checking the flag.
const DefaultPollInterval = 20 * time.Millisecond

// State is safe for concurrent use. Once stopped it never leaves Stopped.
type State struct {
	mu      sync.Mutex
	flag    Flag
	changed chan struct{} // closed and replaced on every transition
	stopped chan struct{} // closed once on Stop
	poll    time.Duration
}

// New creates a running State. A non-positive poll interval uses the default.
func New(poll time.Duration) *State {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &State{
		flag:    Running,
		changed: make(chan struct{}),
		stopped: make(chan struct{}),
		poll:    poll,
	}
}

// Get returns the current flag.
func (s *State) Get() Flag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flag
}

// Pause moves running to paused. It reports whether the flag changed.
func (s *State) Pause() bool {
	return s.set(Running, Paused)
}

// Resume moves paused to running. It reports whether the flag changed.
func (s *State) Resume() bool {
	return s.set(Paused, Running)
}

// Stop is terminal. It reports whether the flag changed.
func (s *State) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flag == Stopped {
		return false
	}
	s.flag = Stopped
	close(s.stopped)
	s.notifyLocked()
	return true
}

// Stopped is closed once Stop has been called.
func (s *State) Stopped() <-chan struct{} {
	return s.stopped
}

func (s *State) set(from, to Flag) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flag != from {
		return false
	}
	s.flag = to
	s.notifyLocked()
	return true
}

func (s *State) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *State) snapshot() (Flag, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flag, s.changed
}

// Checkpoint is called at attempt boundaries. It returns nil when running,
// blocks while paused and returns model.ErrCancelled once stopped.
func (s *State) Checkpoint(ctx context.Context) error {
	var ticker *time.Ticker
	for {
		flag, changed := s.snapshot()
		switch flag {
		case Running:
			if ticker != nil {
				ticker.Stop()
			}
			return nil
		case Stopped:
			if ticker != nil {
				ticker.Stop()
			}
			return model.ErrCancelled
		}

		if ticker == nil {
			ticker = time.NewTicker(s.poll)
		}
		select {
		case <-changed:
		case <-ticker.C:
		case <-ctx.Done():
			ticker.Stop()
			return ctx.Err()
		}
	}
}

// Sleep waits for d. Stop interrupts it with model.ErrCancelled; pause
// does not.
func (s *State) Sleep(ctx context.Context, d time.Duration) error {
	if s.Get() == Stopped {
		return model.ErrCancelled
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-s.stopped:
		return model.ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

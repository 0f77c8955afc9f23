// Package task runs many acquisition sessions side by side and journals
// them in SQLite so their history survives a restart.
package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"hls-grabber/internal/layout"
	"hls-grabber/internal/model"
	"hls-grabber/internal/session"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrSessionActive = errors.New("a session for this directory is already active")
	ErrNotActive     = errors.New("session is not active")
)

// progress rows are rewritten at most this often, plus once on completion
const progressInterval = 500 * time.Millisecond

// subscriber channels, one slot reserved for Done
const subscriberBuffer = 32

// Starter is the part of session.Controller the manager uses.
type Starter interface {
	Plan(rawURL, outputDir string) (model.Source, layout.Paths, error)
	Launch(ctx context.Context, src model.Source, paths layout.Paths) *session.Session
}

type entry struct {
	s        *session.Session
	subs     map[int]chan session.Event
	nextSub  int
	lastSave time.Time
}

type Manager struct {
	mu      sync.Mutex
	starter Starter
	repo    *Repository
	logger  *zap.Logger
	active  map[string]*entry
	dirs    map[string]string // session dir -> active session id
	closed  bool
	wg      sync.WaitGroup
}

// NewManager prepares the journal and marks sessions left active by a
// previous process as Stopped.
func NewManager(starter Starter, db *sql.DB, logger *zap.Logger) (*Manager, error) {
	repo, err := NewRepository(db)
	if err != nil {
		return nil, err
	}

	n, err := repo.MarkInterrupted()
	if err != nil {
		return nil, fmt.Errorf("failed to recover sessions: %w", err)
	}
	if n > 0 {
		logger.Info("marked interrupted sessions as stopped", zap.Int64("count", n))
	}

	return &Manager{
		starter: starter,
		repo:    repo,
		logger:  logger,
		active:  make(map[string]*entry),
		dirs:    make(map[string]string),
	}, nil
}

// Start launches a session. At most one session per session directory may be
// active at a time.
func (m *Manager) Start(rawURL, outputDir string) (*Record, error) {
	src, paths, err := m.starter.Plan(rawURL, outputDir)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("manager is shutting down")
	}
	if id, busy := m.dirs[paths.SessionDir]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionActive, id)
	}

	s := m.starter.Launch(context.Background(), src, paths)
	rec := recordOf(s)
	if err := m.repo.CreateSession(rec); err != nil {
		m.mu.Unlock()
		s.Cancel()
		return nil, fmt.Errorf("failed to journal session: %w", err)
	}

	e := &entry{s: s, subs: make(map[int]chan session.Event)}
	m.active[s.ID] = e
	m.dirs[paths.SessionDir] = s.ID
	m.wg.Add(1)
	m.mu.Unlock()

	go m.watch(e)
	return &rec, nil
}

func recordOf(s *session.Session) Record {
	p := s.Progress()
	now := time.Now().UTC()
	return Record{
		ID:          s.ID,
		URL:         s.Source.URL,
		Mode:        s.Source.Mode,
		Identifier:  s.Source.ID,
		OutputRoot:  s.Paths.Root,
		SessionDir:  s.Paths.SessionDir,
		State:       s.State(),
		Completed:   p.Completed,
		Total:       p.Total,
		Unit:        p.Unit,
		Active:      true,
		CreatedTime: s.CreatedAt.UTC(),
		UpdatedTime: now,
	}
}

// watch journals every event of one session and fans it out to subscribers.
func (m *Manager) watch(e *entry) {
	defer m.wg.Done()
	log := m.logger.With(zap.String("session", e.s.ID))

	for ev := range e.s.Events() {
		if err := m.journal(e, ev); err != nil {
			log.Warn("failed to journal event", zap.String("type", string(ev.Type)), zap.Error(err))
		}
		m.fanout(e, ev)
	}

	m.mu.Lock()
	delete(m.active, e.s.ID)
	if m.dirs[e.s.Paths.SessionDir] == e.s.ID {
		delete(m.dirs, e.s.Paths.SessionDir)
	}
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
	m.mu.Unlock()
}

func (m *Manager) journal(e *entry, ev session.Event) error {
	switch ev.Type {
	case session.EventState:
		return m.repo.UpdateState(e.s.ID, ev.State)
	case session.EventProgress:
		p := *ev.Progress
		if time.Since(e.lastSave) < progressInterval && p.Completed < p.Total {
			return nil
		}
		e.lastSave = time.Now()
		return m.repo.UpdateProgress(e.s.ID, p)
	case session.EventSegment:
		return m.repo.UpsertSegment(e.s.ID, *ev.Segment)
	case session.EventDone:
		o := ev.Outcome
		if err := m.repo.UpdateProgress(e.s.ID, e.s.Progress()); err != nil {
			return err
		}
		// segment events may have been dropped under load
		for _, seg := range e.s.Segments() {
			if seg.Status == model.SegmentPending {
				continue
			}
			if err := m.repo.UpsertSegment(e.s.ID, seg); err != nil {
				return err
			}
		}
		return m.repo.Finish(e.s.ID, o.State, o.OutputPath, o.Kind, o.Message)
	}
	return nil
}

func (m *Manager) fanout(e *entry, ev session.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range e.subs {
		if ev.Type != session.EventDone && len(ch) >= cap(ch)-1 {
			continue
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns the events of a session from now on. For a session that
// already ended the channel carries a single Done event.
func (m *Manager) Subscribe(id string) (<-chan session.Event, func(), error) {
	m.mu.Lock()
	if e, ok := m.active[id]; ok {
		ch := make(chan session.Event, subscriberBuffer)
		key := e.nextSub
		e.nextSub++
		e.subs[key] = ch
		m.mu.Unlock()

		cancel := func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := e.subs[key]; ok {
				close(c)
				delete(e.subs, key)
			}
		}
		return ch, cancel, nil
	}
	m.mu.Unlock()

	rec, err := m.repo.GetSession(id)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan session.Event, 1)
	ch <- session.Event{
		SessionID: rec.ID,
		Type:      session.EventDone,
		State:     rec.State,
		Outcome: &session.Outcome{
			State:      rec.State,
			OutputPath: rec.OutputPath,
			Kind:       rec.ErrorKind,
			Message:    rec.Error,
		},
		Time: rec.UpdatedTime,
	}
	close(ch)
	return ch, func() {}, nil
}

func (m *Manager) lookup(id string) (*session.Session, error) {
	m.mu.Lock()
	e, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		return e.s, nil
	}
	if _, err := m.repo.GetSession(id); err != nil {
		return nil, err
	}
	return nil, ErrNotActive
}

// Pause, Resume and Cancel only apply to active sessions. Repeating one is
// not an error.
func (m *Manager) Pause(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.Pause()
	return nil
}

func (m *Manager) Resume(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.Resume()
	return nil
}

func (m *Manager) Cancel(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.Cancel()
	return nil
}

// Get returns the journaled record with live state for active sessions.
func (m *Manager) Get(id string) (*Record, error) {
	rec, err := m.repo.GetSession(id)
	if err != nil {
		return nil, err
	}
	m.overlay(rec)
	return rec, nil
}

func (m *Manager) List() ([]Record, error) {
	records, err := m.repo.ListSessions()
	if err != nil {
		return nil, err
	}
	for i := range records {
		m.overlay(&records[i])
	}
	return records, nil
}

func (m *Manager) overlay(rec *Record) {
	m.mu.Lock()
	e, ok := m.active[rec.ID]
	m.mu.Unlock()
	if !ok {
		return
	}
	p := e.s.Progress()
	rec.Active = true
	rec.State = e.s.State()
	rec.Completed, rec.Total, rec.Unit = p.Completed, p.Total, p.Unit
}

// Segments returns the journaled per-segment status of a session.
func (m *Manager) Segments(id string) ([]model.Segment, error) {
	if _, err := m.repo.GetSession(id); err != nil {
		return nil, err
	}
	return m.repo.GetSegments(id)
}

// Delete removes a finished session from the journal. With purge the
// session directory is removed from disk as well.
func (m *Manager) Delete(id string, purge bool) error {
	m.mu.Lock()
	_, active := m.active[id]
	m.mu.Unlock()
	if active {
		return fmt.Errorf("%w: cancel it first", ErrSessionActive)
	}

	rec, err := m.repo.GetSession(id)
	if err != nil {
		return err
	}

	if purge {
		m.mu.Lock()
		other, busy := m.dirs[rec.SessionDir]
		m.mu.Unlock()
		if busy {
			return fmt.Errorf("%w: %s", ErrSessionActive, other)
		}

		if err := os.RemoveAll(rec.SessionDir); err != nil {
			return fmt.Errorf("failed to remove files: %w", err)
		}
		if _, err := os.Stat(rec.SessionDir); !os.IsNotExist(err) {
			return fmt.Errorf("directory still exists: %s", rec.SessionDir)
		}
	}

	if err := m.repo.DeleteSession(id); err != nil {
		return fmt.Errorf("failed to delete from db: %w", err)
	}
	m.logger.Info("session deleted", zap.String("session", id), zap.Bool("purge", purge))
	return nil
}

// Shutdown cancels every active session and waits for their workers, or
// until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, e := range m.active {
		e.s.Cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

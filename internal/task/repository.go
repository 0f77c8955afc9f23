package task

import (
	"database/sql"
	"errors"
	"time"

	"hls-grabber/internal/model"
)

// Repository journals sessions and their segments in SQLite.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) (*Repository, error) {
	r := &Repository{db: db}
	if err := r.InitTable(); err != nil {
		return nil, err
	}
	return r, nil
}

// InitTable creates the sessions and session_segment tables if they don't exist
func (r *Repository) InitTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		mode TEXT NOT NULL,
		identifier TEXT NOT NULL,
		output_root TEXT NOT NULL,
		session_dir TEXT NOT NULL,
		output_path TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		unit TEXT NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_time DATETIME,
		updated_time DATETIME
	);

	CREATE TABLE IF NOT EXISTS session_segment (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		uri TEXT NOT NULL,
		path TEXT NOT NULL,
		status TEXT NOT NULL,
		updated_time DATETIME,
		UNIQUE(session_id, idx)
	);

	CREATE INDEX IF NOT EXISTS idx_session_segment_session_id ON session_segment(session_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_session_dir ON sessions(session_dir);
	`
	_, err := r.db.Exec(query)
	return err
}

const sessionColumns = `id, url, mode, identifier, output_root, session_dir, output_path, state,
	completed, total, unit, error_kind, error, created_time, updated_time`

func (r *Repository) CreateSession(rec Record) error {
	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.Exec(query,
		rec.ID, rec.URL, rec.Mode, rec.Identifier, rec.OutputRoot, rec.SessionDir, rec.OutputPath, rec.State,
		rec.Completed, rec.Total, rec.Unit, rec.ErrorKind, rec.Error, rec.CreatedTime, rec.UpdatedTime)
	return err
}

func (r *Repository) GetSession(id string) (*Record, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`
	rec, err := scanRecord(r.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Repository) ListSessions() ([]Record, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_time DESC, id DESC`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var rec Record
	var created, updated sql.NullTime
	err := s.Scan(&rec.ID, &rec.URL, &rec.Mode, &rec.Identifier, &rec.OutputRoot, &rec.SessionDir, &rec.OutputPath,
		&rec.State, &rec.Completed, &rec.Total, &rec.Unit, &rec.ErrorKind, &rec.Error, &created, &updated)
	if err != nil {
		return nil, err
	}
	rec.CreatedTime = created.Time
	rec.UpdatedTime = updated.Time
	return &rec, nil
}

func (r *Repository) UpdateState(id string, state model.State) error {
	query := `UPDATE sessions SET state = ?, updated_time = ? WHERE id = ?`
	_, err := r.db.Exec(query, state, time.Now().UTC(), id)
	return err
}

func (r *Repository) UpdateProgress(id string, p model.Progress) error {
	query := `UPDATE sessions SET completed = ?, total = ?, unit = ?, updated_time = ? WHERE id = ?`
	_, err := r.db.Exec(query, p.Completed, p.Total, p.Unit, time.Now().UTC(), id)
	return err
}

// Finish stores the terminal state, output path and error classification.
func (r *Repository) Finish(id string, state model.State, outputPath, errorKind, errMsg string) error {
	query := `UPDATE sessions SET state = ?, output_path = ?, error_kind = ?, error = ?, updated_time = ? WHERE id = ?`
	_, err := r.db.Exec(query, state, outputPath, errorKind, errMsg, time.Now().UTC(), id)
	return err
}

// MarkInterrupted moves sessions a previous process left non-terminal to
// Stopped and returns how many there were.
func (r *Repository) MarkInterrupted() (int64, error) {
	query := `UPDATE sessions SET state = ?, error_kind = ?, error = ?, updated_time = ?
		WHERE state IN (?, ?, ?)`
	res, err := r.db.Exec(query,
		model.StateStopped, model.KindOf(model.ErrCancelled), "interrupted by restart", time.Now().UTC(),
		model.StateIdle, model.StateRunning, model.StatePaused)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) DeleteSession(id string) error {
	res, err := r.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Segment operations

// UpsertSegment records the latest status of one segment
func (r *Repository) UpsertSegment(sessionID string, seg model.Segment) error {
	query := `INSERT INTO session_segment (session_id, idx, uri, path, status, updated_time)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, idx) DO UPDATE SET status = excluded.status, updated_time = excluded.updated_time`
	_, err := r.db.Exec(query, sessionID, seg.Index, seg.URI, seg.Path, seg.Status, time.Now().UTC())
	return err
}

// GetSegments returns the journaled segments of a session in index order
func (r *Repository) GetSegments(sessionID string) ([]model.Segment, error) {
	query := `SELECT idx, uri, path, status FROM session_segment WHERE session_id = ? ORDER BY idx`
	rows, err := r.db.Query(query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	segments := []model.Segment{}
	for rows.Next() {
		var seg model.Segment
		if err := rows.Scan(&seg.Index, &seg.URI, &seg.Path, &seg.Status); err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

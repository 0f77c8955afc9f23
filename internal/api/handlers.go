package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"hls-grabber/internal/model"
	"hls-grabber/internal/session"
	"hls-grabber/internal/task"
)

const (
	maxBodyBytes = 1 << 16
	writeTimeout = 5 * time.Second
)

var ErrContentType = errors.New("Content-Type must be application/json")

type startBody struct {
	URL       string `json:"url"`
	OutputDir string `json:"output_dir"`
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, model.ErrUnsupportedSource), errors.Is(err, ErrContentType):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrSessionActive), errors.Is(err, task.ErrNotActive):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	body := errorBody{Error: err.Error()}
	if k := model.KindOf(err); k != "Unknown" {
		body.Kind = k
	}
	writeJSON(w, status, body)
}

// decodeJSONStrict rejects unknown fields and oversized bodies.
func decodeJSONStrict(w http.ResponseWriter, r *http.Request, dst any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return ErrContentType
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := s.sessions.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	segments, err := s.sessions.Segments(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, segments)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body startBody
	if err := decodeJSONStrict(w, r, &body); err != nil {
		if !errors.Is(err, ErrContentType) {
			err = model.NewError(model.ErrInvalidInput, "decode request", err)
		}
		s.writeError(w, err)
		return
	}
	if body.OutputDir == "" {
		body.OutputDir = s.outputRoot
	}

	rec, err := s.sessions.Start(body.URL, body.OutputDir)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/sessions/"+rec.ID)
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) control(op func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := op(id); err != nil {
			s.writeError(w, err)
			return
		}
		rec, err := s.sessions.Get(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, rec)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	purge := r.URL.Query().Get("purge") == "true"
	if err := s.sessions.Delete(mux.Vars(r)["id"], purge); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams session events as JSON text messages until the
// session ends or the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	events, unsubscribe, err := s.sessions.Subscribe(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.String("session", id), zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// the session ended between subscribing and its last event
				if rec, err := s.sessions.Get(id); err == nil {
					_ = s.send(ctx, conn, doneEvent(rec))
				}
				conn.Close(websocket.StatusNormalClosure, "session finished")
				return
			}
			if err := s.send(ctx, conn, ev); err != nil {
				return
			}
			if ev.Type == session.EventDone {
				conn.Close(websocket.StatusNormalClosure, "session finished")
				return
			}
		}
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, ev session.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

func doneEvent(rec *task.Record) session.Event {
	return session.Event{
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
}

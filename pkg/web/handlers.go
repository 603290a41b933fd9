package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	log "github.com/go-pkgz/lgr"

	"github.com/pragmahq/mktreplay/pkg/catalogue"
	"github.com/pragmahq/mktreplay/pkg/replay"
)

// handleCreate makes a new session and returns its id as plain text.
func (s *Server) handleCreate(w http.ResponseWriter, _ *http.Request) {
	sess := s.registry.Create()
	respondText(w, sess.ID())
}

// handleStart launches publication for the session.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		renderError(w, err)
		return
	}
	if err := sess.Start(); err != nil {
		renderError(w, err)
		return
	}
	respondText(w, "Replay started for session "+sess.ID())
}

// handleStop halts publication, keeping the position.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		renderError(w, err)
		return
	}
	if err := sess.Stop(); err != nil {
		renderError(w, err)
		return
	}
	respondText(w, "Replay stopped for session "+sess.ID())
}

// handleRewind moves the session back to the first event.
func (s *Server) handleRewind(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		renderError(w, err)
		return
	}
	if err := sess.Rewind(); err != nil {
		renderError(w, err)
		return
	}
	respondText(w, "Replay rewound for session "+sess.ID())
}

// handleSpeed sets the replay speed multiplier from the path parameter.
func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		renderError(w, err)
		return
	}
	raw := chi.URLParam(r, "speed")
	speed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		renderError(w, fmt.Errorf("speed %q: %w", raw, replay.ErrInvalidArgument))
		return
	}
	if err := sess.SetSpeed(speed); err != nil {
		renderError(w, err)
		return
	}
	respondText(w, fmt.Sprintf("Replay speed set to %s for session %s",
		strconv.FormatFloat(speed, 'f', -1, 64), sess.ID()))
}

// handleForward skips the session ahead by the given number of events.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		renderError(w, err)
		return
	}
	raw := chi.URLParam(r, "count")
	n, err := strconv.Atoi(raw)
	if err != nil {
		renderError(w, fmt.Errorf("forward count %q: %w", raw, replay.ErrInvalidArgument))
		return
	}
	if err := sess.Forward(n); err != nil {
		renderError(w, err)
		return
	}
	respondText(w, fmt.Sprintf("Replay forwarded %d events for session %s", n, sess.ID()))
}

// handleJump repositions the session at the given event id.
func (s *Server) handleJump(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		renderError(w, err)
		return
	}
	raw := chi.URLParam(r, "eventID")
	eventID, err := strconv.Atoi(raw)
	if err != nil {
		renderError(w, fmt.Errorf("event id %q: %w", raw, replay.ErrInvalidArgument))
		return
	}
	if err := sess.JumpTo(eventID); err != nil {
		renderError(w, err)
		return
	}
	respondText(w, fmt.Sprintf("Replay jumped to event %d for session %s", eventID, sess.ID()))
}

// handleSessionInfo returns a JSON snapshot of one session.
func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		renderError(w, err)
		return
	}
	respondJSON(w, sess.Info())
}

// handleSessions returns snapshots of all registered sessions.
func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, s.registry.All())
}

// handleHealth reports server liveness with basic counts.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
		Events   int    `json:"events"`
	}{Status: "ok", Sessions: s.registry.Len(), Events: s.cat.Size()})
}

// session resolves the {id} path parameter to a registered session.
func (s *Server) session(r *http.Request) (*replay.Session, error) {
	return s.registry.Get(chi.URLParam(r, "id"))
}

func respondText(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(text))
}

func respondJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[WARN] failed to encode response: %v", err)
		http.Error(w, "unable to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// renderError maps domain errors to HTTP statuses. anything unrecognized is
// a server fault and gets logged.
func renderError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, replay.ErrUnknownSession), errors.Is(err, catalogue.ErrUnknownEvent):
		status = http.StatusNotFound
	case errors.Is(err, replay.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, replay.ErrSessionTerminated), errors.Is(err, replay.ErrAlreadySubscribed):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Printf("[ERROR] request failed: %v", err)
	}
	http.Error(w, err.Error(), status)
}

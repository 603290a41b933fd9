package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	log "github.com/go-pkgz/lgr"
	"github.com/tmaxmax/go-sse"

	"github.com/pragmahq/mktreplay/pkg/catalogue"
)

// handleSubscribe attaches the caller to the session's event stream, SSE by
// default or NDJSON when the Accept header asks for it. the stream ends when
// the session completes, is evicted, the client goes away or the server
// shuts down; the session itself keeps running either way.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		renderError(w, err)
		return
	}

	stream, err := sess.Subscribe()
	if err != nil {
		renderError(w, err)
		return
	}
	defer sess.Unsubscribe()

	log.Printf("[INFO] subscriber attached to session %s", sess.ID())
	if wantsNDJSON(r) {
		streamNDJSON(w, r, sess.ID(), stream)
		return
	}
	streamSSE(w, r, sess.ID(), stream)
}

// wantsNDJSON reports whether the client asked for newline-delimited JSON.
func wantsNDJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/x-ndjson")
}

// streamSSE relays events as server-sent messages, one per event with the
// event id as the message id and the event JSON as data.
func streamSSE(w http.ResponseWriter, r *http.Request, id string, stream <-chan catalogue.Event) {
	conn, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	// push the response headers out so the client sees the stream is live
	// before the first event comes due
	if err := conn.Flush(); err != nil {
		log.Printf("[DEBUG] subscriber flush failed for session %s: %v", id, err)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			log.Printf("[DEBUG] subscriber left session %s", id)
			return
		case ev, ok := <-stream:
			if !ok {
				log.Printf("[DEBUG] stream for session %s ended", id)
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Printf("[WARN] failed to encode event %d: %v", ev.ID, err)
				continue
			}
			msg := &sse.Message{ID: sse.ID(strconv.Itoa(ev.ID))}
			msg.AppendData(string(data))
			if err := conn.Send(msg); err != nil {
				log.Printf("[DEBUG] subscriber write failed for session %s: %v", id, err)
				return
			}
			if err := conn.Flush(); err != nil {
				log.Printf("[DEBUG] subscriber flush failed for session %s: %v", id, err)
				return
			}
		}
	}
}

// streamNDJSON relays events as one JSON object per line, flushed per event.
func streamNDJSON(w http.ResponseWriter, r *http.Request, id string, stream <-chan catalogue.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			log.Printf("[DEBUG] subscriber left session %s", id)
			return
		case ev, ok := <-stream:
			if !ok {
				log.Printf("[DEBUG] stream for session %s ended", id)
				return
			}
			if err := enc.Encode(ev); err != nil {
				log.Printf("[DEBUG] subscriber write failed for session %s: %v", id, err)
				return
			}
			flusher.Flush()
		}
	}
}

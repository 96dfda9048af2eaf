package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

var lockEventsHeartbeatInterval = 15 * time.Second

// sseStream writes server-sent events and flushes after each one.
type sseStream struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s sseStream) event(name string, data []byte) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s sseStream) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// handleLockEvents streams the claim table. A "locks" event carrying every
// claim goes out on connect and again each time the table differs from the
// last one sent.
func (s *Server) handleLockEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireIdentity(w, r); !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "stream unavailable")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	stream := sseStream{w: w, f: flusher}

	var last []byte
	publish := func() error {
		body, err := json.Marshal(locksResponse{Locks: wireClaims(s.coord.ListLocks())})
		if err != nil {
			return err
		}
		if last != nil && bytes.Equal(body, last) {
			return nil
		}
		if err := stream.event("locks", body); err != nil {
			return err
		}
		last = body
		return nil
	}
	if publish() != nil {
		return
	}

	poll := time.NewTicker(s.cfg.LockPollInterval)
	defer poll.Stop()
	keepalive := time.NewTicker(lockEventsHeartbeatInterval)
	defer keepalive.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			err = stream.comment("keepalive")
		case <-poll.C:
			err = publish()
		}
		if err != nil {
			return
		}
	}
}

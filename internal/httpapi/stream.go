package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/versecraft/internal/hub"
)

const wsWriteTimeout = 10 * time.Second

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if _, err := s.taskService.GetTaskStatus(id); err != nil {
		respondErr(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot flush")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := s.taskService.StreamTask(r.Context(), id, func(ev hub.Event) error {
		if err := hub.WriteSSE(w, ev); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debugf("event stream for task %s ended: %v", id, err)
	}
}

// handleTaskWS sends the same events as handleTaskEvents as JSON frames.
func (s *Server) handleTaskWS(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if _, err := s.taskService.GetTaskStatus(id); err != nil {
		respondErr(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Client frames are ignored; a read error means the peer went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = s.taskService.StreamTask(ctx, id, func(ev hub.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(ev)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debugf("websocket stream for task %s ended: %v", id, err)
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
		time.Now().Add(time.Second),
	)
}

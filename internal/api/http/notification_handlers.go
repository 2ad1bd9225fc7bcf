package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/p2p-escrow/trade-engine/internal/application/fanout"
	"github.com/p2p-escrow/trade-engine/internal/domain/event"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks belong to the identity gateway in front of the service.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) notificationCounts(w http.ResponseWriter, r *http.Request) {
	counts, _ := s.fanoutSvc.Counts(identityFromContext(r.Context()))
	respondJSON(w, http.StatusOK, counts)
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.fanoutSvc.Notifications(identityFromContext(r.Context())))
}

func (s *Server) clearNotifications(w http.ResponseWriter, r *http.Request) {
	recipient := identityFromContext(r.Context())
	switch kind := event.Kind(r.URL.Query().Get("kind")); kind {
	case "":
		s.fanoutSvc.Clear(recipient)
	case event.KindStatusChanged, event.KindNewMessage, event.KindNewReceipt:
		s.fanoutSvc.ClearKind(recipient, kind)
	default:
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "unknown kind "+string(kind))
		return
	}
	counts, _ := s.fanoutSvc.Counts(recipient)
	respondJSON(w, http.StatusOK, counts)
}

func (s *Server) dismissNotification(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "notificationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid notification id")
		return
	}
	if err := s.fanoutSvc.Dismiss(identityFromContext(r.Context()), id); err != nil {
		s.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) notificationSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}
	sess, err := s.fanoutSvc.Subscribe(r.Context(), identityFromContext(r.Context()))
	if err != nil {
		s.respondSubscribeError(w, err)
		return
	}
	defer sess.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case u, ok := <-sess.Updates():
			if !ok {
				return
			}
			payload, _ := json.Marshal(u)
			_, _ = w.Write([]byte("event: counts\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) notificationWS(w http.ResponseWriter, r *http.Request) {
	sess, err := s.fanoutSvc.Subscribe(r.Context(), identityFromContext(r.Context()))
	if err != nil {
		s.respondSubscribeError(w, err)
		return
	}
	defer sess.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// The read side only serves control frames; it ends when the peer goes away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case u, ok := <-sess.Updates():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(u); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func (s *Server) respondSubscribeError(w http.ResponseWriter, err error) {
	if errors.Is(err, fanout.ErrServiceClosed) || errors.Is(err, event.ErrBusClosed) {
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
		return
	}
	s.respondServiceError(w, err)
}

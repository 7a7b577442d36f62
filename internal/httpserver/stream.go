package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamBuffer = 64
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait / 2
	writeWait    = 5 * time.Second
)

type streamMessage struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// stream pushes every publish of ?event= to a websocket client until it
// disconnects. The handler never blocks the publisher: a full buffer drops
// the message.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	event := r.URL.Query().Get("event")
	if event == "" {
		writeError(w, http.StatusBadRequest, "event query parameter is required")
		return
	}

	out := make(chan streamMessage, streamBuffer)
	done := make(chan struct{})
	bus := s.mgr.Bus()
	id := bus.Subscribe(event, func(_ context.Context, payload any) error {
		select {
		case out <- streamMessage{Event: event, Payload: payload}:
		case <-done:
		default:
			s.log.Debug("ws client too slow, dropping event", zap.String("event", event))
		}
		return nil
	})

	conn, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		bus.Unsubscribe(event, id)
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	go func() {
		ping := time.NewTicker(pingPeriod)
		defer func() {
			ping.Stop()
			_ = conn.Close()
		}()
		for {
			select {
			case <-done:
				return
			case msg := <-out:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				// si el cliente se fue, WriteJSON devolverá error y salimos
				if err := conn.WriteJSON(msg); err != nil {
					s.log.Debug("ws write error", zap.Error(err))
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		bus.Unsubscribe(event, id)
		close(done)
	}()

	// lector mínimo para detectar cierre del cliente (control frames)
	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

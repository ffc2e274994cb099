package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/adjutant-project/adjutant/internal/events"
)

// streamedEvents is every event type forwarded to event sockets.
var streamedEvents = []events.EventType{
	events.EventSessionConnected,
	events.EventSessionClosed,
	events.EventSessionFailed,
	events.EventCommandExecuted,
	events.EventCommandFailed,
	events.EventWatchResult,
	events.EventListenerPacket,
}

// wsEvent is the wire form of a bus event on the event socket.
type wsEvent struct {
	Type    events.EventType `json:"type"`
	Source  string           `json:"source"`
	Payload interface{}      `json:"payload,omitempty"`
}

// consoleRequest is one command submitted over the console socket.
type consoleRequest struct {
	Server  string `json:"server"`
	Command string `json:"command"`
}

// wsConnSeq numbers event socket subscriptions so each connection
// gets its own bus handler name.
var wsConnSeq atomic.Int64

// handleConsoleSocket runs an interactive console over a websocket:
// the client sends {"server","command"} frames and receives one
// response frame per command, in order.
func (s *Server) handleConsoleSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := log.With().
		Str("component", "ws_console").
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	logger.Info().Msg("console socket opened")

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("console socket read error")
			}
			return
		}

		var req consoleRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			conn.WriteJSON(gin.H{"error": "invalid request frame"})
			continue
		}
		if req.Server == "" || req.Command == "" {
			conn.WriteJSON(gin.H{"error": "server and command are required"})
			continue
		}

		out, err := s.manager.Execute(c.Request.Context(), req.Server, req.Command)
		if err != nil {
			conn.WriteJSON(gin.H{"server": req.Server, "command": req.Command, "error": err.Error()})
			continue
		}
		if err := conn.WriteJSON(gin.H{"server": req.Server, "command": req.Command, "response": out}); err != nil {
			logger.Debug().Err(err).Msg("console socket write failed")
			return
		}
	}
}

// handleEventSocket streams bus events to the client until it
// disconnects. Each connection holds its own bus subscription, torn
// down when the socket closes.
func (s *Server) handleEventSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := log.With().
		Str("component", "ws_events").
		Str("remote", conn.RemoteAddr().String()).
		Logger()

	feed := make(chan wsEvent, 64)
	name := fmt.Sprintf("api.ws.%d", wsConnSeq.Add(1))

	handler := func(ctx context.Context, ev events.Event) error {
		select {
		case feed <- wsEvent{Type: ev.Type, Source: ev.Source, Payload: ev.Payload}:
		default:
			// Slow consumer; drop the event rather than block the bus.
		}
		return nil
	}
	for _, eventType := range streamedEvents {
		s.eventBus.Subscribe(eventType, name, handler)
	}
	defer func() {
		for _, eventType := range streamedEvents {
			s.eventBus.Unsubscribe(eventType, name)
		}
	}()

	logger.Info().Str("subscription", name).Msg("event socket opened")

	// The reader's only job is to notice the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			logger.Debug().Msg("event socket closed by peer")
			return
		case ev := <-feed:
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug().Err(err).Msg("event socket write failed")
				return
			}
		}
	}
}

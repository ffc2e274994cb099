// Package network implements the diagnostic TCP listener: an
// inspection endpoint that accepts RCON client connections and
// reports every payload it can run through the wire codec.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/adjutant-project/adjutant/internal/events"
	"github.com/adjutant-project/adjutant/internal/protocol"
)

// ReadTimeout is how long an accepted connection may sit silent
// before the listener gives up on it.
const ReadTimeout = 30 * time.Second

// PacketHandler receives the decode result for each payload the
// listener observes. err is non-nil when the payload did not decode.
type PacketHandler func(remoteAddr string, pkt protocol.Packet, err error)

// Listener is a diagnostic inspection endpoint. Each accepted
// connection gets a single receive-buffer read; the payload goes
// through the wire codec and the result goes to the handler. The
// listener never authenticates clients and never replies, so it is a
// tap for observing what a client sends, not a conformant server.
type Listener struct {
	mu       sync.Mutex
	addr     string
	eventBus *events.Bus
	handler  PacketHandler
	listener net.Listener
	logger   zerolog.Logger
}

// NewListener creates a listener for addr. A nil handler installs the
// default one, which logs each packet and publishes it on the bus.
func NewListener(addr string, eventBus *events.Bus, handler PacketHandler) *Listener {
	l := &Listener{
		addr:     addr,
		eventBus: eventBus,
		logger:   log.With().Str("component", "listener").Logger(),
	}
	if handler == nil {
		handler = l.defaultHandler
	}
	l.handler = handler
	return l
}

// Start binds the listener and blocks in the accept loop until ctx is
// cancelled or the listener is stopped.
func (l *Listener) Start(ctx context.Context) error {
	// SO_REUSEADDR so a restart can rebind while old connections
	// linger in TIME_WAIT.
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to start diagnostic listener on %s: %w", l.addr, err)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	l.logger.Info().Str("addr", ln.Addr().String()).Msg("diagnostic listener started")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				l.logger.Info().Msg("diagnostic listener stopping")
				return nil
			}
			l.logger.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		l.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("inbound connection")
		go l.handleConnection(conn)
	}
}

// handleConnection reads one receive buffer off the connection and
// forwards the decode result. Anything past the first buffer is
// deliberately not read; one observation per connection.
func (l *Listener) handleConnection(conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	conn.SetReadDeadline(time.Now().Add(ReadTimeout))

	buf := make([]byte, protocol.MaxPacketSize)
	n, err := conn.Read(buf)
	if err != nil {
		l.logger.Debug().Err(err).Str("remote", remote).Msg("connection closed before any payload")
		return
	}

	pkt, decodeErr := protocol.Decode(buf[:n])
	l.handler(remote, pkt, decodeErr)
}

// defaultHandler logs the observation and publishes it on the bus.
func (l *Listener) defaultHandler(remoteAddr string, pkt protocol.Packet, err error) {
	if err != nil {
		l.logger.Warn().Err(err).Str("remote", remoteAddr).Msg("received undecodable payload")
	} else {
		l.logger.Info().
			Str("remote", remoteAddr).
			Int32("id", pkt.ID).
			Stringer("type", pkt.Type).
			Int("body_bytes", len(pkt.Body)).
			Msg("packet observed")
	}

	if l.eventBus == nil {
		return
	}
	payload := events.ListenerPacketPayload{RemoteAddr: remoteAddr, Packet: pkt}
	if err != nil {
		payload.Error = err.Error()
	}
	l.eventBus.Emit(context.Background(), events.Event{
		Type:    events.EventListenerPacket,
		Source:  "listener",
		Payload: payload,
	})
}

// Addr returns the bound address, or "" before Start has bound one.
// Useful when starting on port 0.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return ""
	}
	return l.listener.Addr().String()
}

// Stop closes the listener, unblocking Start.
func (l *Listener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

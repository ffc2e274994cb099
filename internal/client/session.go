// Package client implements the RCON client session: the connection
// lifecycle, the password handshake and the command/response
// reassembly protocol, on top of the wire codec in internal/protocol.
// Transport reads and writes block on the runtime netpoller, so
// transient would-block conditions are retried by the runtime and
// never surface as errors.
package client

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/adjutant-project/adjutant/internal/protocol"
)

const (
	// Reserved handshake ids. The session's id counter starts above
	// them so command ids never collide with handshake traffic.
	authPacketID     int32 = 1
	sentinelPacketID int32 = 2
	idCounterStart   int32 = 100

	// failureID is the id the server stamps on its bad-password signal.
	failureID int32 = -1

	// DefaultTimeout bounds each whole operation: dial plus handshake
	// for Connect, write plus reassembly for Command.
	DefaultTimeout = 30 * time.Second
)

// Session owns one authenticated RCON connection and its packet-id
// counter. A session is not safe for concurrent use: at most one
// Command may be in flight at a time, and callers that share a session
// must serialize access around it.
//
// The reassembly protocol assumes the server answers packets in the
// order they were sent. That is a protocol guarantee, not something
// the session verifies; a transport that reorders replies silently
// corrupts command output.
type Session struct {
	conn    net.Conn
	addr    string
	timeout time.Duration
	nextID  int32
	broken  bool
	closed  bool
	logger  zerolog.Logger
}

// Connect dials addr, authenticates with password and returns a ready
// session, using DefaultTimeout.
func Connect(addr, password string) (*Session, error) {
	return ConnectTimeout(addr, password, DefaultTimeout)
}

// ConnectTimeout is Connect with an explicit whole-operation timeout
// covering both the dial and the full handshake. On any failure no
// session is returned and the transport is closed.
func ConnectTimeout(addr, password string, timeout time.Duration) (*Session, error) {
	logger := log.With().Str("component", "rcon_session").Str("addr", addr).Logger()
	start := time.Now()
	deadline := start.Add(timeout)

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrHostUnreachable, addr, err)
	}

	s := &Session{
		conn:    conn,
		addr:    addr,
		timeout: timeout,
		nextID:  idCounterStart,
		logger:  logger,
	}

	if err := s.authenticate(password, deadline); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info().Dur("took", time.Since(start)).Msg("rcon session established")
	return s, nil
}

// authenticate runs the password handshake. The server's bad-password
// signal is an otherwise indistinguishable empty response, so a
// sentinel exec packet is written immediately after the auth packet,
// without waiting in between; the sentinel's echoed id marks the
// handshake complete.
func (s *Session) authenticate(password string, deadline time.Time) error {
	if err := s.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	if err := s.write(protocol.Packet{ID: authPacketID, Type: protocol.Auth, Body: password}); err != nil {
		return err
	}
	if err := s.write(protocol.Packet{ID: sentinelPacketID, Type: protocol.Exec}); err != nil {
		return err
	}

	for {
		pkt, err := s.read()
		if err != nil {
			return err
		}

		switch pkt.ID {
		case failureID:
			s.logger.Warn().Msg("server rejected rcon password")
			return ErrAuthFailed
		case sentinelPacketID:
			return nil
		default:
			// The formal auth acknowledgement (and any stray output)
			// arrives before the sentinel echo; ignore it.
			s.logger.Trace().
				Int32("id", pkt.ID).
				Stringer("type", pkt.Type).
				Msg("handshake packet ignored")
		}
	}
}

// Command sends text to the server console and reassembles the
// possibly-fragmented response. The protocol has no end-of-response
// marker, so a tracking packet is written right behind the command;
// every packet read before the tracking id's echo belongs to the
// response, in receipt order.
func (s *Session) Command(text string) (Response, error) {
	if s.broken {
		return Response{}, ErrSessionBroken
	}

	commandID := s.allocateID()
	trackingID := s.allocateID()
	start := time.Now()

	if err := s.conn.SetDeadline(start.Add(s.timeout)); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	if err := s.write(protocol.Packet{ID: commandID, Type: protocol.Exec, Body: text}); err != nil {
		s.broken = true
		return Response{}, err
	}
	if err := s.write(protocol.Packet{ID: trackingID, Type: protocol.Exec}); err != nil {
		s.broken = true
		return Response{}, err
	}

	var body strings.Builder
	for {
		pkt, err := s.read()
		if err != nil {
			// Correlation between ids and replies is lost once a
			// command dies mid-stream; the session refuses further
			// use rather than risk cross-talk between commands.
			s.broken = true
			return Response{}, err
		}

		if pkt.ID == trackingID {
			break
		}
		body.WriteString(pkt.Body)
	}

	s.logger.Debug().
		Str("command", text).
		Int("response_bytes", body.Len()).
		Dur("duration", time.Since(start)).
		Msg("command completed")

	return Response{body: body.String()}, nil
}

// Close shuts the transport down. The session is unusable afterwards;
// any in-flight or later Command fails. Closing twice is a no-op.
func (s *Session) Close() error {
	s.broken = true
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// SetTimeout replaces the whole-operation deadline Command applies.
// The connect timeout stays whatever ConnectTimeout was given.
func (s *Session) SetTimeout(d time.Duration) {
	s.timeout = d
}

// RemoteAddr returns the address the session dialed.
func (s *Session) RemoteAddr() string {
	return s.addr
}

// Broken reports whether an earlier failure has poisoned the session.
func (s *Session) Broken() bool {
	return s.broken
}

// allocateID returns the next packet id. Increment-first keeps every
// issued id strictly above the reserved handshake range: the first
// command of a fresh session uses ids 101 and 102.
func (s *Session) allocateID() int32 {
	s.nextID++
	return s.nextID
}

// write encodes and sends one packet.
func (s *Session) write(pkt protocol.Packet) error {
	if _, err := s.conn.Write(protocol.Encode(pkt)); err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return fmt.Errorf("%w: writing %s packet", ErrTimeout, pkt.Type)
		}
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// read blocks for one packet. A single conn.Read fills the fixed
// receive buffer and the tail beyond the decoded packet is discarded,
// mirroring the protocol's single-buffer receive model; a true packet
// larger than the buffer is a documented protocol limitation.
func (s *Session) read() (protocol.Packet, error) {
	buf := make([]byte, protocol.MaxPacketSize)
	n, err := s.conn.Read(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return protocol.Packet{}, ErrTimeout
		}
		return protocol.Packet{}, fmt.Errorf("%w: %v", ErrReceiveFailed, err)
	}
	return protocol.Decode(buf[:n])
}

// Package console manages the pool of RCON sessions for the
// configured game servers. It owns session lifecycle, serializes
// command traffic per server, records command history and publishes
// events for every execution.
package console

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/adjutant-project/adjutant/internal/client"
	"github.com/adjutant-project/adjutant/internal/config"
	"github.com/adjutant-project/adjutant/internal/events"
	"github.com/adjutant-project/adjutant/internal/history"
	"github.com/adjutant-project/adjutant/internal/protocol"
)

// ErrUnknownServer is returned when a command names a server that is
// not present in the configuration.
var ErrUnknownServer = errors.New("console: unknown server")

// Manager is the central owner of all RCON sessions. Sessions are
// dialed lazily on first use and dropped as soon as they fail; the
// next command on that server dials a fresh one. The engine itself
// never retries, so recovery policy lives here.
type Manager struct {
	mu sync.RWMutex

	cfg      *config.Config
	eventBus *events.Bus
	store    *history.Store // nil when history is disabled

	// Targets indexed by configured server name
	targets map[string]*target

	logger zerolog.Logger
}

// target pairs one configured server with its lazily-dialed session.
// mu serializes all session traffic so concurrent callers never
// interleave packets on one connection; statsMu guards the cheap
// bookkeeping fields so state snapshots never wait on a slow command.
type target struct {
	mu sync.Mutex

	entry   config.ServerEntry
	session *client.Session

	statsMu     sync.Mutex
	connected   bool
	commands    int64
	lastCommand time.Time
	lastError   string
}

// ServerState is a point-in-time snapshot of one managed server, used
// by the CLI table and the status API.
type ServerState struct {
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	Default     bool      `json:"default"`
	Connected   bool      `json:"connected"`
	Commands    int64     `json:"commands"`
	LastCommand time.Time `json:"last_command"`
	LastError   string    `json:"last_error,omitempty"`
}

// NewManager creates the console manager for the servers in cfg.
func NewManager(cfg *config.Config, eventBus *events.Bus, store *history.Store) *Manager {
	m := &Manager{
		cfg:      cfg,
		eventBus: eventBus,
		store:    store,
		targets:  make(map[string]*target),
		logger:   log.With().Str("component", "console").Logger(),
	}

	for _, entry := range cfg.GetServers() {
		m.targets[entry.Name] = &target{entry: entry}
	}

	m.subscribeEvents()

	m.logger.Info().Int("servers", len(m.targets)).Msg("console manager initialized")
	return m
}

// subscribeEvents registers the manager's handlers on the EventBus.
func (m *Manager) subscribeEvents() {
	m.eventBus.Subscribe(events.EventShutdown, "console.shutdown", m.onShutdown)
}

// Execute runs command on the named server and returns the full
// response body. The session is dialed on first use; any failure
// drops it so the next Execute dials fresh. Every execution, failed
// or not, is recorded in history and published on the event bus.
func (m *Manager) Execute(ctx context.Context, serverName, command string) (string, error) {
	t, ok := m.lookup(serverName)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownServer, serverName)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	start := time.Now()

	sess, err := m.ensureSession(ctx, t)
	if err != nil {
		m.finish(ctx, t, command, 0, time.Since(start), err)
		return "", err
	}

	resp, err := sess.Command(command)
	duration := time.Since(start)

	if err != nil {
		m.dropSession(ctx, t)
		m.finish(ctx, t, command, 0, duration, err)
		return "", err
	}

	m.finish(ctx, t, command, len(resp.Body()), duration, nil)
	return resp.Body(), nil
}

// Connect dials the named server's session immediately instead of
// waiting for the first command. Reuses a healthy existing session.
func (m *Manager) Connect(ctx context.Context, serverName string) error {
	t, ok := m.lookup(serverName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, serverName)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := m.ensureSession(ctx, t)
	return err
}

// Disconnect closes the named server's session if one is open.
// Disconnecting an already-disconnected server is a no-op.
func (m *Manager) Disconnect(serverName string) error {
	t, ok := m.lookup(serverName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, serverName)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session == nil {
		return nil
	}
	m.dropSession(context.Background(), t)
	return nil
}

// DisconnectAll closes every open session. Called on shutdown.
func (m *Manager) DisconnectAll() {
	m.mu.RLock()
	targets := make([]*target, 0, len(m.targets))
	for _, t := range m.targets {
		targets = append(targets, t)
	}
	m.mu.RUnlock()

	closed := 0
	for _, t := range targets {
		t.mu.Lock()
		if t.session != nil {
			m.dropSession(context.Background(), t)
			closed++
		}
		t.mu.Unlock()
	}

	if closed > 0 {
		m.logger.Info().Int("sessions", closed).Msg("all sessions disconnected")
	}
}

// States returns a snapshot of every managed server, sorted by name.
func (m *Manager) States() []ServerState {
	m.mu.RLock()
	targets := make([]*target, 0, len(m.targets))
	for _, t := range m.targets {
		targets = append(targets, t)
	}
	m.mu.RUnlock()

	states := make([]ServerState, 0, len(targets))
	for _, t := range targets {
		states = append(states, t.state())
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].Name < states[j].Name
	})
	return states
}

// State returns the snapshot for one server.
func (m *Manager) State(serverName string) (ServerState, bool) {
	t, ok := m.lookup(serverName)
	if !ok {
		return ServerState{}, false
	}
	return t.state(), true
}

// Names returns the configured server names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.targets))
	for name := range m.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasServer reports whether the named server is configured.
func (m *Manager) HasServer(serverName string) bool {
	_, ok := m.lookup(serverName)
	return ok
}

func (m *Manager) lookup(serverName string) (*target, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.targets[serverName]
	return t, ok
}

// ensureSession returns the target's session, dialing one if none is
// open. A session left broken by an earlier failure is dropped first.
// Caller must hold t.mu.
func (m *Manager) ensureSession(ctx context.Context, t *target) (*client.Session, error) {
	if t.session != nil && !t.session.Broken() {
		return t.session, nil
	}
	if t.session != nil {
		m.dropSession(ctx, t)
	}

	sess, err := client.ConnectTimeout(t.entry.Address, t.entry.Password, m.cfg.ConnectTimeout())
	if err != nil {
		m.logger.Warn().
			Err(err).
			Str("server", t.entry.Name).
			Str("addr", t.entry.Address).
			Msg("session dial failed")
		m.eventBus.Emit(ctx, events.Event{
			Type:   events.EventSessionFailed,
			Source: "console",
			Payload: events.SessionPayload{
				Server: t.entry.Name,
				Addr:   t.entry.Address,
				Error:  err.Error(),
			},
		})
		return nil, err
	}
	sess.SetTimeout(m.cfg.CommandTimeout())
	t.session = sess
	t.setConnected(true)

	m.logger.Info().
		Str("server", t.entry.Name).
		Str("addr", t.entry.Address).
		Msg("session connected")
	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventSessionConnected,
		Source: "console",
		Payload: events.SessionPayload{
			Server: t.entry.Name,
			Addr:   t.entry.Address,
		},
	})
	return sess, nil
}

// dropSession closes and forgets the target's session. Caller must
// hold t.mu.
func (m *Manager) dropSession(ctx context.Context, t *target) {
	if t.session == nil {
		return
	}
	t.session.Close()
	t.session = nil
	t.setConnected(false)

	m.logger.Debug().Str("server", t.entry.Name).Msg("session dropped")
	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventSessionClosed,
		Source: "console",
		Payload: events.SessionPayload{
			Server: t.entry.Name,
			Addr:   t.entry.Address,
		},
	})
}

// finish updates the target's statistics, records the execution in
// history and publishes the command event.
func (m *Manager) finish(ctx context.Context, t *target, command string, responseSize int, duration time.Duration, err error) {
	outcome := outcomeFromError(err)

	t.statsMu.Lock()
	t.commands++
	t.lastCommand = time.Now()
	if err != nil {
		t.lastError = err.Error()
	} else {
		t.lastError = ""
	}
	t.statsMu.Unlock()

	if m.store != nil {
		recErr := m.store.Record(history.Entry{
			Server:       t.entry.Name,
			Command:      command,
			Outcome:      outcome.String(),
			ResponseSize: responseSize,
			DurationMS:   duration.Milliseconds(),
		})
		if recErr != nil {
			m.logger.Warn().Err(recErr).Msg("failed to record command history")
		}
	}

	payload := events.CommandPayload{
		Server:       t.entry.Name,
		Command:      command,
		Outcome:      outcome,
		ResponseSize: responseSize,
		DurationMS:   duration.Milliseconds(),
	}
	eventType := events.EventCommandExecuted
	if err != nil {
		eventType = events.EventCommandFailed
		payload.Error = err.Error()
	}
	m.eventBus.Emit(ctx, events.Event{
		Type:    eventType,
		Source:  "console",
		Payload: payload,
	})
}

func (t *target) state() ServerState {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()

	return ServerState{
		Name:        t.entry.Name,
		Address:     t.entry.Address,
		Default:     t.entry.Default,
		Connected:   t.connected,
		Commands:    t.commands,
		LastCommand: t.lastCommand,
		LastError:   t.lastError,
	}
}

func (t *target) setConnected(v bool) {
	t.statsMu.Lock()
	t.connected = v
	t.statsMu.Unlock()
}

// outcomeFromError classifies a command error for history and metrics.
func outcomeFromError(err error) events.CommandOutcome {
	switch {
	case err == nil:
		return events.OutcomeOK
	case errors.Is(err, client.ErrTimeout):
		return events.OutcomeTimeout
	case errors.Is(err, client.ErrHostUnreachable):
		return events.OutcomeUnreachable
	case errors.Is(err, client.ErrAuthFailed):
		return events.OutcomeAuthFailed
	case errors.Is(err, client.ErrSessionBroken):
		return events.OutcomeSessionBroken
	case errors.Is(err, protocol.ErrMalformedHeader),
		errors.Is(err, protocol.ErrMalformedBody),
		errors.Is(err, protocol.ErrUnknownType):
		return events.OutcomeProtocolError
	default:
		return events.OutcomeIOError
	}
}

// --- Event Handlers ---

func (m *Manager) onShutdown(ctx context.Context, event events.Event) error {
	m.DisconnectAll()
	return nil
}

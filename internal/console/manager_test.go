package console

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adjutant-project/adjutant/internal/client"
	"github.com/adjutant-project/adjutant/internal/config"
	"github.com/adjutant-project/adjutant/internal/events"
	"github.com/adjutant-project/adjutant/internal/history"
	"github.com/adjutant-project/adjutant/internal/protocol"
)

// rconServer is a minimal scripted RCON endpoint for manager tests.
// It speaks the real handshake and answers commands from a canned
// response table.
type rconServer struct {
	ln       net.Listener
	password string

	mu        sync.Mutex
	responses map[string]string
	dropNext  bool
	conns     int
}

func startRconServer(t *testing.T, password string, responses map[string]string) *rconServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &rconServer{ln: ln, password: password, responses: responses}
	go srv.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return srv
}

func (s *rconServer) addr() string { return s.ln.Addr().String() }

func (s *rconServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// dropAfterHandshake makes the next accepted connection close right
// after a successful handshake, simulating a server going away.
func (s *rconServer) dropAfterHandshake() {
	s.mu.Lock()
	s.dropNext = true
	s.mu.Unlock()
}

func (s *rconServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		drop := s.dropNext
		s.dropNext = false
		s.mu.Unlock()
		go s.serve(conn, drop)
	}
}

func (s *rconServer) serve(conn net.Conn, drop bool) {
	defer conn.Close()

	auth, err := readPacket(conn)
	if err != nil {
		return
	}
	sentinel, err := readPacket(conn)
	if err != nil {
		return
	}

	if auth.Body != s.password {
		conn.Write(protocol.Encode(protocol.Packet{ID: -1, Type: protocol.Response}))
		return
	}
	conn.Write(protocol.Encode(protocol.Packet{ID: sentinel.ID, Type: protocol.Response}))

	if drop {
		return
	}

	for {
		cmd, err := readPacket(conn)
		if err != nil {
			return
		}
		tracking, err := readPacket(conn)
		if err != nil {
			return
		}

		s.mu.Lock()
		body := s.responses[cmd.Body]
		s.mu.Unlock()

		if body != "" {
			conn.Write(protocol.Encode(protocol.Packet{ID: cmd.ID, Type: protocol.Response, Body: body}))
			// Pause so the reply and the tracking echo land in
			// separate client reads instead of one coalesced segment.
			time.Sleep(10 * time.Millisecond)
		}
		conn.Write(protocol.Encode(protocol.Packet{ID: tracking.ID, Type: protocol.Response}))
	}
}

// readPacket reads one length-framed packet off conn.
func readPacket(conn net.Conn) (protocol.Packet, error) {
	head := make([]byte, 4)
	if _, err := io.ReadFull(conn, head); err != nil {
		return protocol.Packet{}, err
	}
	size := binary.LittleEndian.Uint32(head)
	rest := make([]byte, size)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return protocol.Packet{}, err
	}
	return protocol.Decode(append(head, rest...))
}

func testConfig(t *testing.T, entries ...config.ServerEntry) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	for _, entry := range entries {
		require.NoError(t, cfg.AddServer(entry))
	}

	data := cfg.GetApplicationData()
	data.Timeouts.ConnectSeconds = 2
	data.Timeouts.CommandSeconds = 2
	cfg.SetApplicationData(data)
	return cfg
}

// unusedAddr returns a loopback address nothing is listening on.
func unusedAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestManager_Execute_Success(t *testing.T) {
	srv := startRconServer(t, "secret", map[string]string{
		"status": "hostname: game1\nplayers : 3 humans\n",
	})
	cfg := testConfig(t, config.ServerEntry{
		Name: "game1", Address: srv.addr(), Password: "secret", Default: true,
	})
	m := NewManager(cfg, events.NewBus(), nil)
	defer m.DisconnectAll()

	out, err := m.Execute(context.Background(), "game1", "status")
	require.NoError(t, err)
	assert.Equal(t, "hostname: game1\nplayers : 3 humans\n", out)

	state, ok := m.State("game1")
	require.True(t, ok)
	assert.True(t, state.Connected)
	assert.Equal(t, int64(1), state.Commands)
	assert.Empty(t, state.LastError)
}

func TestManager_Execute_ReusesSession(t *testing.T) {
	srv := startRconServer(t, "secret", map[string]string{"echo a": "a\n"})
	cfg := testConfig(t, config.ServerEntry{
		Name: "game1", Address: srv.addr(), Password: "secret",
	})
	m := NewManager(cfg, events.NewBus(), nil)
	defer m.DisconnectAll()

	for i := 0; i < 3; i++ {
		_, err := m.Execute(context.Background(), "game1", "echo a")
		require.NoError(t, err)
	}

	assert.Equal(t, 1, srv.connCount())
}

func TestManager_Execute_UnknownServer(t *testing.T) {
	cfg := testConfig(t)
	m := NewManager(cfg, events.NewBus(), nil)

	_, err := m.Execute(context.Background(), "nope", "status")
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestManager_Execute_AuthFailed(t *testing.T) {
	srv := startRconServer(t, "secret", nil)
	cfg := testConfig(t, config.ServerEntry{
		Name: "game1", Address: srv.addr(), Password: "wrong",
	})
	m := NewManager(cfg, events.NewBus(), nil)

	_, err := m.Execute(context.Background(), "game1", "status")
	require.ErrorIs(t, err, client.ErrAuthFailed)

	state, ok := m.State("game1")
	require.True(t, ok)
	assert.False(t, state.Connected)
	assert.Equal(t, int64(1), state.Commands)
	assert.NotEmpty(t, state.LastError)
}

func TestManager_Execute_RedialsAfterConnectionLoss(t *testing.T) {
	srv := startRconServer(t, "secret", map[string]string{"status": "ok\n"})
	cfg := testConfig(t, config.ServerEntry{
		Name: "game1", Address: srv.addr(), Password: "secret",
	})
	m := NewManager(cfg, events.NewBus(), nil)
	defer m.DisconnectAll()

	srv.dropAfterHandshake()
	_, err := m.Execute(context.Background(), "game1", "status")
	require.Error(t, err)

	state, _ := m.State("game1")
	assert.False(t, state.Connected)

	// The failed session was dropped, so the next command dials fresh.
	out, err := m.Execute(context.Background(), "game1", "status")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)
	assert.Equal(t, 2, srv.connCount())
}

func TestManager_Execute_RecordsHistory(t *testing.T) {
	srv := startRconServer(t, "secret", map[string]string{"status": "ok\n"})
	cfg := testConfig(t,
		config.ServerEntry{Name: "game1", Address: srv.addr(), Password: "secret"},
		config.ServerEntry{Name: "offline", Address: unusedAddr(t), Password: "secret"},
	)

	store, err := history.Open(t.TempDir() + "/history.db")
	require.NoError(t, err)
	defer store.Close()

	m := NewManager(cfg, events.NewBus(), store)
	defer m.DisconnectAll()

	_, err = m.Execute(context.Background(), "game1", "status")
	require.NoError(t, err)
	_, err = m.Execute(context.Background(), "offline", "status")
	require.ErrorIs(t, err, client.ErrHostUnreachable)

	entries, err := store.Recent("", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byServer := map[string]history.Entry{}
	for _, e := range entries {
		byServer[e.Server] = e
	}
	assert.Equal(t, "ok", byServer["game1"].Outcome)
	assert.Equal(t, len("ok\n"), byServer["game1"].ResponseSize)
	assert.Equal(t, "unreachable", byServer["offline"].Outcome)
}

func TestManager_Execute_EmitsEvents(t *testing.T) {
	srv := startRconServer(t, "secret", map[string]string{"status": "ok\n"})
	cfg := testConfig(t, config.ServerEntry{
		Name: "game1", Address: srv.addr(), Password: "secret",
	})

	bus := events.NewBus()
	sessions := make(chan events.SessionPayload, 1)
	commands := make(chan events.CommandPayload, 1)
	bus.Subscribe(events.EventSessionConnected, "test.session", func(ctx context.Context, ev events.Event) error {
		sessions <- ev.Payload.(events.SessionPayload)
		return nil
	})
	bus.Subscribe(events.EventCommandExecuted, "test.command", func(ctx context.Context, ev events.Event) error {
		commands <- ev.Payload.(events.CommandPayload)
		return nil
	})

	m := NewManager(cfg, bus, nil)
	defer m.DisconnectAll()

	_, err := m.Execute(context.Background(), "game1", "status")
	require.NoError(t, err)

	select {
	case p := <-sessions:
		assert.Equal(t, "game1", p.Server)
		assert.Equal(t, srv.addr(), p.Addr)
	case <-time.After(time.Second):
		t.Fatal("no session event received")
	}

	select {
	case p := <-commands:
		assert.Equal(t, "game1", p.Server)
		assert.Equal(t, "status", p.Command)
		assert.Equal(t, events.OutcomeOK, p.Outcome)
		assert.Equal(t, len("ok\n"), p.ResponseSize)
	case <-time.After(time.Second):
		t.Fatal("no command event received")
	}
}

func TestManager_ConnectAndDisconnect(t *testing.T) {
	srv := startRconServer(t, "secret", nil)
	cfg := testConfig(t, config.ServerEntry{
		Name: "game1", Address: srv.addr(), Password: "secret",
	})
	m := NewManager(cfg, events.NewBus(), nil)

	require.NoError(t, m.Connect(context.Background(), "game1"))
	state, _ := m.State("game1")
	assert.True(t, state.Connected)

	// Connect on a healthy session is a no-op, not a redial.
	require.NoError(t, m.Connect(context.Background(), "game1"))
	assert.Equal(t, 1, srv.connCount())

	require.NoError(t, m.Disconnect("game1"))
	state, _ = m.State("game1")
	assert.False(t, state.Connected)

	// Disconnecting again is fine.
	require.NoError(t, m.Disconnect("game1"))

	assert.ErrorIs(t, m.Disconnect("nope"), ErrUnknownServer)
	assert.ErrorIs(t, m.Connect(context.Background(), "nope"), ErrUnknownServer)
}

func TestManager_DisconnectAll(t *testing.T) {
	srv := startRconServer(t, "secret", nil)
	cfg := testConfig(t,
		config.ServerEntry{Name: "game1", Address: srv.addr(), Password: "secret"},
		config.ServerEntry{Name: "game2", Address: srv.addr(), Password: "secret"},
	)
	m := NewManager(cfg, events.NewBus(), nil)

	require.NoError(t, m.Connect(context.Background(), "game1"))
	require.NoError(t, m.Connect(context.Background(), "game2"))

	m.DisconnectAll()

	for _, state := range m.States() {
		assert.False(t, state.Connected, "server %s still connected", state.Name)
	}
}

func TestManager_NamesAndStates(t *testing.T) {
	cfg := testConfig(t,
		config.ServerEntry{Name: "zulu", Address: "127.0.0.1:27015", Password: "x"},
		config.ServerEntry{Name: "alpha", Address: "127.0.0.1:27016", Password: "x", Default: true},
	)
	m := NewManager(cfg, events.NewBus(), nil)

	assert.Equal(t, []string{"alpha", "zulu"}, m.Names())
	assert.True(t, m.HasServer("alpha"))
	assert.False(t, m.HasServer("bravo"))

	states := m.States()
	require.Len(t, states, 2)
	assert.Equal(t, "alpha", states[0].Name)
	assert.True(t, states[0].Default)
	assert.Equal(t, "zulu", states[1].Name)
	assert.False(t, states[1].Connected)
}

func TestOutcomeFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want events.CommandOutcome
	}{
		{"nil", nil, events.OutcomeOK},
		{"timeout", client.ErrTimeout, events.OutcomeTimeout},
		{"unreachable wrapped", fmt.Errorf("%w: 1.2.3.4: refused", client.ErrHostUnreachable), events.OutcomeUnreachable},
		{"auth failed", client.ErrAuthFailed, events.OutcomeAuthFailed},
		{"session broken", client.ErrSessionBroken, events.OutcomeSessionBroken},
		{"malformed header", fmt.Errorf("decoding: %w", protocol.ErrMalformedHeader), events.OutcomeProtocolError},
		{"malformed body", protocol.ErrMalformedBody, events.OutcomeProtocolError},
		{"other", errors.New("boom"), events.OutcomeIOError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, outcomeFromError(tt.err))
		})
	}
}

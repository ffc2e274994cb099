package cli

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adjutant-project/adjutant/internal/config"
	"github.com/adjutant-project/adjutant/internal/console"
	"github.com/adjutant-project/adjutant/internal/events"
	"github.com/adjutant-project/adjutant/internal/history"
)

// fakeManager scripts console manager behavior for prompt tests.
type fakeManager struct {
	mu           sync.Mutex
	states       []console.ServerState
	response     string
	err          error
	executed     []string
	connected    []string
	disconnected []string
}

func (f *fakeManager) Execute(ctx context.Context, serverName, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, serverName+": "+command)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func (f *fakeManager) Connect(ctx context.Context, serverName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, serverName)
	return nil
}

func (f *fakeManager) Disconnect(serverName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, serverName)
	return nil
}

func (f *fakeManager) States() []console.ServerState {
	return f.states
}

func (f *fakeManager) HasServer(serverName string) bool {
	for _, st := range f.states {
		if st.Name == serverName {
			return true
		}
	}
	return false
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		states: []console.ServerState{
			{Name: "game1", Address: "127.0.0.1:27015", Default: true, Connected: true, Commands: 3},
			{Name: "game2", Address: "127.0.0.1:27016"},
		},
		response: "hostname: game1\nplayers : 4 humans\n",
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	require.NoError(t, cfg.AddServer(config.ServerEntry{
		Name:     "game1",
		Address:  "127.0.0.1:27015",
		Password: "secret",
		Default:  true,
	}))
	require.NoError(t, cfg.AddServer(config.ServerEntry{
		Name:     "game2",
		Address:  "127.0.0.1:27016",
		Password: "secret",
	}))
	return cfg
}

// runScript feeds the prompt loop scripted input and returns everything
// it printed. The loop exits at end of input.
func runScript(t *testing.T, manager ManagerInterface, store *history.Store, script string) (string, *events.Bus) {
	t.Helper()

	bus := events.NewBus()
	t.Cleanup(bus.Stop)

	c := NewCLI(testConfig(t), bus, manager, store)
	out := &bytes.Buffer{}
	c.in = strings.NewReader(script)
	c.out = out

	c.Start(context.Background())
	return out.String(), bus
}

func TestCLI_PassthroughExecutesOnSelected(t *testing.T) {
	manager := newFakeManager()

	out, _ := runScript(t, manager, nil, "status_full\n")

	require.Len(t, manager.executed, 1)
	assert.Equal(t, "game1: status_full", manager.executed[0])
	assert.Contains(t, out, "players : 4 humans")
}

func TestCLI_PassthroughPreservesSpacing(t *testing.T) {
	manager := newFakeManager()

	_, _ = runScript(t, manager, nil, "say hello   world\n")

	require.Len(t, manager.executed, 1)
	assert.Equal(t, "game1: say hello   world", manager.executed[0])
}

func TestCLI_PassthroughEmptyResponse(t *testing.T) {
	manager := newFakeManager()
	manager.response = ""

	out, _ := runScript(t, manager, nil, "kick player\n")

	assert.Contains(t, out, "(no output)")
}

func TestCLI_NoServerSelected(t *testing.T) {
	manager := &fakeManager{}

	bus := events.NewBus()
	t.Cleanup(bus.Stop)

	c := NewCLI(config.DefaultConfig(), bus, manager, nil)
	out := &bytes.Buffer{}
	c.in = strings.NewReader("say hello\n")
	c.out = out

	c.Start(context.Background())

	assert.Empty(t, manager.executed)
	assert.Contains(t, out.String(), "no server selected")
}

func TestCLI_UseSwitchesTarget(t *testing.T) {
	manager := newFakeManager()

	out, _ := runScript(t, manager, nil, "use game2\nsay hi\n")

	require.Len(t, manager.executed, 1)
	assert.Equal(t, "game2: say hi", manager.executed[0])
	assert.Contains(t, out, "Target server: game2")
}

func TestCLI_UseUnknownServer(t *testing.T) {
	manager := newFakeManager()

	out, _ := runScript(t, manager, nil, "use nope\nsay hi\n")

	// Selection is unchanged, the command still runs on game1.
	require.Len(t, manager.executed, 1)
	assert.Equal(t, "game1: say hi", manager.executed[0])
	assert.Contains(t, out, "unknown server: nope")
}

func TestCLI_ConnectAndDisconnect(t *testing.T) {
	manager := newFakeManager()

	out, _ := runScript(t, manager, nil, "connect\ndisconnect game2\n")

	assert.Equal(t, []string{"game1"}, manager.connected)
	assert.Equal(t, []string{"game2"}, manager.disconnected)
	assert.Contains(t, out, "Connected to game1")
	assert.Contains(t, out, "Disconnected from game2")
}

func TestCLI_ExecuteErrorsAreNotFatal(t *testing.T) {
	manager := newFakeManager()
	manager.err = errors.New("host unreachable")

	out, _ := runScript(t, manager, nil, "say one\nsay two\n")

	// Both commands were attempted, both failures printed.
	require.Len(t, manager.executed, 2)
	assert.Equal(t, 2, strings.Count(out, "Error: host unreachable"))
}

func TestCLI_ServersTable(t *testing.T) {
	manager := newFakeManager()

	out, _ := runScript(t, manager, nil, "servers\n")

	assert.Contains(t, out, "game1")
	assert.Contains(t, out, "game2")
	assert.Contains(t, out, "127.0.0.1:27015")
	assert.Contains(t, out, "yes")
	assert.Contains(t, out, "no")
}

func TestCLI_History(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Record(history.Entry{
		Server:     "game1",
		Command:    "status",
		Outcome:    "ok",
		DurationMS: 12,
		ExecutedAt: time.Now(),
	}))
	require.NoError(t, store.Record(history.Entry{
		Server:     "game2",
		Command:    "changelevel de_dust2",
		Outcome:    "timeout",
		DurationMS: 5000,
		ExecutedAt: time.Now(),
	}))

	out, _ := runScript(t, newFakeManager(), store, "history\n")

	assert.Contains(t, out, "changelevel de_dust2")
	assert.Contains(t, out, "timeout")
	assert.Contains(t, out, "12ms")
}

func TestCLI_HistoryDisabled(t *testing.T) {
	out, _ := runScript(t, newFakeManager(), nil, "history\n")

	assert.Contains(t, out, "command history is disabled")
}

func TestCLI_HistoryInvalidCount(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	out, _ := runScript(t, newFakeManager(), store, "history zero\n")

	assert.Contains(t, out, "invalid count: zero")
}

func TestCLI_QuitEmitsShutdown(t *testing.T) {
	manager := newFakeManager()

	bus := events.NewBus()
	t.Cleanup(bus.Stop)

	received := make(chan events.Event, 1)
	bus.Subscribe(events.EventShutdown, "test.shutdown", func(ctx context.Context, event events.Event) error {
		received <- event
		return nil
	})

	c := NewCLI(testConfig(t), bus, manager, nil)
	out := &bytes.Buffer{}
	c.in = strings.NewReader("quit\nsay after\n")
	c.out = out

	c.Start(context.Background())

	select {
	case event := <-received:
		assert.Equal(t, "cli", event.Source)
	case <-time.After(time.Second):
		t.Fatal("no shutdown event received")
	}

	// The loop stopped at quit, nothing after it ran.
	assert.Empty(t, manager.executed)
}

func TestCLI_HelpAndStatus(t *testing.T) {
	out, _ := runScript(t, newFakeManager(), nil, "help\nstatus\n")

	assert.Contains(t, out, "Adjutant Console Commands")
	assert.Contains(t, out, "2 configured, 1 connected")
	assert.Contains(t, out, "Selected:  game1")
}

func TestCLI_UnknownBuiltinFallsThrough(t *testing.T) {
	manager := newFakeManager()

	// Built-in names are matched case-insensitively, anything else is a
	// game command.
	_, _ = runScript(t, manager, nil, "HELP\nmp_friendlyfire 1\n")

	require.Len(t, manager.executed, 1)
	assert.Equal(t, "game1: mp_friendlyfire 1", manager.executed[0])
}

package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adjutant-project/adjutant/internal/events"
	"github.com/adjutant-project/adjutant/internal/protocol"
)

type observed struct {
	remote string
	pkt    protocol.Packet
	err    error
}

// startListener runs a listener on an ephemeral port and returns it
// once it is accepting.
func startListener(t *testing.T, bus *events.Bus, handler PacketHandler) *Listener {
	t.Helper()

	l := NewListener("127.0.0.1:0", bus, handler)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	require.Eventually(t, func() bool { return l.Addr() != "" },
		2*time.Second, 10*time.Millisecond, "listener never bound")

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("listener did not stop")
		}
	})
	return l
}

func TestListener_ObservesPacket(t *testing.T) {
	results := make(chan observed, 1)
	l := startListener(t, nil, func(remote string, pkt protocol.Packet, err error) {
		results <- observed{remote: remote, pkt: pkt, err: err}
	})

	conn, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(protocol.Encode(protocol.Packet{ID: 7, Type: protocol.Auth, Body: "hunter2"}))
	require.NoError(t, err)

	select {
	case got := <-results:
		require.NoError(t, got.err)
		assert.Equal(t, int32(7), got.pkt.ID)
		assert.Equal(t, protocol.Auth, got.pkt.Type)
		assert.Equal(t, "hunter2", got.pkt.Body)
		assert.NotEmpty(t, got.remote)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestListener_ReportsUndecodablePayload(t *testing.T) {
	results := make(chan observed, 1)
	l := startListener(t, nil, func(remote string, pkt protocol.Packet, err error) {
		results <- observed{remote: remote, pkt: pkt, err: err}
	})

	conn, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)

	select {
	case got := <-results:
		assert.ErrorIs(t, got.err, protocol.ErrMalformedHeader)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestListener_OneObservationPerConnection(t *testing.T) {
	results := make(chan observed, 2)
	l := startListener(t, nil, func(remote string, pkt protocol.Packet, err error) {
		results <- observed{remote: remote, pkt: pkt, err: err}
	})

	conn, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(protocol.Encode(protocol.Packet{ID: 1, Type: protocol.Exec, Body: "status"}))
	require.NoError(t, err)

	select {
	case got := <-results:
		require.NoError(t, got.err)
		assert.Equal(t, "status", got.pkt.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}

	// A second packet on the same connection is ignored; the listener
	// reads exactly one buffer per connection.
	_, err = conn.Write(protocol.Encode(protocol.Packet{ID: 2, Type: protocol.Exec, Body: "again"}))
	require.NoError(t, err)

	select {
	case got := <-results:
		t.Fatalf("unexpected second observation: %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestListener_DefaultHandlerPublishesEvent(t *testing.T) {
	bus := events.NewBus()
	payloads := make(chan events.ListenerPacketPayload, 1)
	bus.Subscribe(events.EventListenerPacket, "test.listener", func(ctx context.Context, ev events.Event) error {
		payloads <- ev.Payload.(events.ListenerPacketPayload)
		return nil
	})

	l := startListener(t, bus, nil)

	conn, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(protocol.Encode(protocol.Packet{ID: 42, Type: protocol.Exec, Body: "say hello"}))
	require.NoError(t, err)

	select {
	case p := <-payloads:
		assert.Equal(t, int32(42), p.Packet.ID)
		assert.Equal(t, "say hello", p.Packet.Body)
		assert.Empty(t, p.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("no listener event published")
	}
}

func TestListener_StopUnblocksStart(t *testing.T) {
	l := NewListener("127.0.0.1:0", nil, func(string, protocol.Packet, error) {})

	done := make(chan error, 1)
	go func() { done <- l.Start(context.Background()) }()

	require.Eventually(t, func() bool { return l.Addr() != "" },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, l.Stop())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

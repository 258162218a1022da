package ep

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPipedTransport wires a net.Pipe into a MessageTransport on each end,
// ready for SessionEngine.Accept on the server side.
func newPipedTransport() (server, client *MessageTransport) {
	serverConn, clientConn := net.Pipe()
	server = NewMessageTransport(NewStreamTransport(serverConn, FrameDecodeOptions{}), MessageParseOptions{})
	client = NewMessageTransport(NewStreamTransport(clientConn, FrameDecodeOptions{}), MessageParseOptions{})
	return server, client
}

type capturingListener struct {
	NopServerListener
	active           chan DeviceSessionSnapshot
	handshakeFailed  chan string
	messageReceived  chan Message
}

func newCapturingListener() *capturingListener {
	return &capturingListener{
		active:          make(chan DeviceSessionSnapshot, 1),
		handshakeFailed: make(chan string, 1),
		messageReceived: make(chan Message, 8),
	}
}

func (l *capturingListener) OnSessionActive(snap DeviceSessionSnapshot) {
	l.active <- snap
}

func (l *capturingListener) OnSessionHandshakeFailed(snap DeviceSessionSnapshot, reason string) {
	l.handshakeFailed <- reason
}

func (l *capturingListener) OnMessageReceived(snap DeviceSessionSnapshot, msg Message) {
	l.messageReceived <- msg
}

func TestSessionEngineHandshakeSuccess(t *testing.T) {
	server, client := newPipedTransport()
	defer client.Close()

	engine := NewSessionEngine(SessionParameters{Identity: "server-1"})
	listener := newCapturingListener()
	engine.SetListener(listener)
	defer engine.Close()

	engine.Accept(server)

	require.NoError(t, client.SendMessage(SessionParameters{Identity: "client-1"}))

	select {
	case snap := <-listener.active:
		assert.Equal(t, Active, snap.State)
		require.NotNil(t, snap.RemoteIdentity)
		assert.Equal(t, "client-1", snap.RemoteIdentity.Identity)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session to become active")
	}

	// The engine must reply with its own identity during the handshake.
	seq := client.Messages()
	res, ok := seq.Next()
	require.True(t, ok)
	require.True(t, res.OK)
	reply, ok := res.Value.(SessionParameters)
	require.True(t, ok)
	assert.Equal(t, "server-1", reply.Identity)
}

func TestSessionEngineHandshakeFailsOnNonSessionParametersFirst(t *testing.T) {
	server, client := newPipedTransport()
	defer client.Close()

	engine := NewSessionEngine(SessionParameters{Identity: "server-1"})
	listener := newCapturingListener()
	engine.SetListener(listener)
	defer engine.Close()

	engine.Accept(server)
	require.NoError(t, client.SendMessage(Ping{}))

	select {
	case reason := <-listener.handshakeFailed:
		assert.Contains(t, reason, "Ping")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake failure")
	}
}

func TestSessionEngineDispatchesParameterMessagesAfterHandshake(t *testing.T) {
	server, client := newPipedTransport()
	defer client.Close()

	engine := NewSessionEngine(SessionParameters{Identity: "server-1"})
	listener := newCapturingListener()
	engine.SetListener(listener)
	defer engine.Close()

	engine.Accept(server)
	require.NoError(t, client.SendMessage(SessionParameters{Identity: "client-1"}))
	<-listener.active

	// Drain the handshake reply the engine sent back.
	seq := client.Messages()
	_, ok := seq.Next()
	require.True(t, ok)

	voltage := Voltage{Volts: 230}
	require.NoError(t, client.SendMessage(SupplyParameters{Voltage: &voltage}))

	select {
	case msg := <-listener.messageReceived:
		sp, ok := msg.(SupplyParameters)
		require.True(t, ok)
		require.NotNil(t, sp.Voltage)
		assert.Equal(t, 230.0, sp.Voltage.Volts)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched message")
	}
}

func TestSessionEngineCloseIsIdempotent(t *testing.T) {
	server, client := newPipedTransport()
	defer client.Close()

	engine := NewSessionEngine(SessionParameters{Identity: "server-1"})
	s := engine.Accept(server)

	engine.closeSession(s)
	engine.closeSession(s) // must not panic or double-fire callbacks
	assert.Equal(t, Closed, s.getState())
}

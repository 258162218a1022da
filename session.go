package ep

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState is the per-connection lifecycle state.
type SessionState int

const (
	AwaitingSession SessionState = iota
	Active
	Disconnecting
	Closed
)

func (s SessionState) String() string {
	switch s {
	case AwaitingSession:
		return "AWAITING_SESSION"
	case Active:
		return "ACTIVE"
	case Disconnecting:
		return "DISCONNECTING"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// DeviceSessionSnapshot is an immutable capture of a DeviceSession at a point
// in time, handed to listener callbacks so captured state cannot mutate
// after the callback returns.
type DeviceSessionSnapshot struct {
	ID             string
	State          SessionState
	RemoteIdentity *SessionParameters
	LatestSupply   *SupplyParameters
	LatestDemand   *DemandParameters
	LatestStorage  *StorageParameters
	CapturedAt     time.Time
}

// DeviceSession is a single peer connection owned by the session engine.
type DeviceSession struct {
	id        string
	transport *MessageTransport

	mu             sync.Mutex
	state          SessionState
	remoteParams   *SessionParameters
	latestSupply   *SupplyParameters
	latestDemand   *DemandParameters
	latestStorage  *StorageParameters
}

// ID returns the session's opaque identifier.
func (s *DeviceSession) ID() string { return s.id }

// Snapshot captures the session's current state immutably.
func (s *DeviceSession) Snapshot(now time.Time) DeviceSessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return DeviceSessionSnapshot{
		ID:             s.id,
		State:          s.state,
		RemoteIdentity: s.remoteParams,
		LatestSupply:   s.latestSupply,
		LatestDemand:   s.latestDemand,
		LatestStorage:  s.latestStorage,
		CapturedAt:     now,
	}
}

func (s *DeviceSession) getState() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *DeviceSession) setState(next SessionState) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// Send writes m over the session's transport.
func (s *DeviceSession) Send(m Message) error {
	return s.transport.SendMessage(m)
}

// ServerListener receives low-level session-lifecycle callbacks with
// immutable snapshots. Every method is invoked synchronously
// on the owning session's task; a panicking implementation is recovered by
// the engine and never propagates.
type ServerListener interface {
	OnSessionCreated(snap DeviceSessionSnapshot)
	OnSessionActive(snap DeviceSessionSnapshot)
	OnSessionHandshakeFailed(snap DeviceSessionSnapshot, reason string)
	OnSessionDisconnecting(snap DeviceSessionSnapshot)
	OnSessionClosed(snap DeviceSessionSnapshot)
	OnSessionError(snap DeviceSessionSnapshot, err error)
	OnMessageReceived(snap DeviceSessionSnapshot, msg Message)
}

// NopServerListener implements ServerListener with no-ops; embed it to
// implement only the callbacks a caller cares about.
type NopServerListener struct{}

func (NopServerListener) OnSessionCreated(DeviceSessionSnapshot)                  {}
func (NopServerListener) OnSessionActive(DeviceSessionSnapshot)                   {}
func (NopServerListener) OnSessionHandshakeFailed(DeviceSessionSnapshot, string)  {}
func (NopServerListener) OnSessionDisconnecting(DeviceSessionSnapshot)            {}
func (NopServerListener) OnSessionClosed(DeviceSessionSnapshot)                   {}
func (NopServerListener) OnSessionError(DeviceSessionSnapshot, error)             {}
func (NopServerListener) OnMessageReceived(DeviceSessionSnapshot, Message)        {}

// SessionHooks lets collaborators (the peer manager) observe handshake
// success and session closure without the session engine depending on
// them directly.
type SessionHooks interface {
	HandshakeSucceeded(s *DeviceSession, remote SessionParameters)
	SessionClosed(s *DeviceSession)
}

type nopSessionHooks struct{}

func (nopSessionHooks) HandshakeSucceeded(*DeviceSession, SessionParameters) {}
func (nopSessionHooks) SessionClosed(*DeviceSession)                        {}

// SessionEngine drives the accept → handshake → active dispatch → close
// lifecycle for every connection.
type SessionEngine struct {
	localIdentity SessionParameters

	mu       sync.RWMutex
	sessions map[string]*DeviceSession

	listener ServerListener
	hooks    SessionHooks

	wg sync.WaitGroup
}

// NewSessionEngine constructs an engine that replies with localIdentity
// during every handshake.
func NewSessionEngine(localIdentity SessionParameters) *SessionEngine {
	return &SessionEngine{
		localIdentity: localIdentity,
		sessions:      make(map[string]*DeviceSession),
		listener:      NopServerListener{},
		hooks:         nopSessionHooks{},
	}
}

// SetListener installs the low-level listener. Pass nil to remove it.
func (e *SessionEngine) SetListener(l ServerListener) {
	if l == nil {
		l = NopServerListener{}
	}
	e.mu.Lock()
	e.listener = l
	e.mu.Unlock()
}

// SetHooks installs the collaborator hooks (normally the peer manager).
func (e *SessionEngine) SetHooks(h SessionHooks) {
	if h == nil {
		h = nopSessionHooks{}
	}
	e.mu.Lock()
	e.hooks = h
	e.mu.Unlock()
}

func (e *SessionEngine) currentListener() ServerListener {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.listener
}

func (e *SessionEngine) currentHooks() SessionHooks {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hooks
}

// invokeListener isolates a listener callback: a panic is recovered and
// swallowed so it never interrupts session progress.
func invokeListener(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}

// Accept registers transport as a new session in AWAITING_SESSION and spawns
// its session task. Returns immediately.
func (e *SessionEngine) Accept(transport *MessageTransport) *DeviceSession {
	s := &DeviceSession{
		id:        uuid.New().String(),
		transport: transport,
		state:     AwaitingSession,
	}
	e.mu.Lock()
	e.sessions[s.id] = s
	e.mu.Unlock()

	listener := e.currentListener()
	invokeListener(func() { listener.OnSessionCreated(s.Snapshot(time.Now())) })

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runSession(s)
	}()
	return s
}

func (e *SessionEngine) runSession(s *DeviceSession) {
	seq := s.transport.Messages()
	handshakeDone := false
	for {
		res, ok := seq.Next()
		if !ok {
			e.closeSession(s)
			return
		}
		if !res.OK {
			listener := e.currentListener()
			invokeListener(func() {
				listener.OnSessionError(s.Snapshot(time.Now()), fmt.Errorf("ep: message decode failed: %v", res.Diagnostics))
			})
			e.closeSession(s)
			return
		}

		if !handshakeDone {
			sp, isSP := res.Value.(SessionParameters)
			if !isSP {
				reason := fmt.Sprintf("expected SessionParameters as first message, got %s", messageTypeName(res.Value))
				listener := e.currentListener()
				invokeListener(func() { listener.OnSessionHandshakeFailed(s.Snapshot(time.Now()), reason) })
				e.closeSession(s)
				return
			}
			s.mu.Lock()
			s.remoteParams = &sp
			s.state = Active
			s.mu.Unlock()

			e.currentHooks().HandshakeSucceeded(s, sp)

			if err := s.Send(e.localIdentity); err != nil {
				listener := e.currentListener()
				invokeListener(func() { listener.OnSessionError(s.Snapshot(time.Now()), err) })
				e.closeSession(s)
				return
			}
			handshakeDone = true
			listener := e.currentListener()
			invokeListener(func() { listener.OnSessionActive(s.Snapshot(time.Now())) })
			continue
		}

		e.dispatchActive(s, res.Value)
		if s.getState() == Closed {
			return
		}
	}
}

func (e *SessionEngine) dispatchActive(s *DeviceSession, msg Message) {
	switch m := msg.(type) {
	case SupplyParameters:
		s.mu.Lock()
		s.latestSupply = &m
		s.mu.Unlock()
	case DemandParameters:
		s.mu.Lock()
		s.latestDemand = &m
		s.mu.Unlock()
	case StorageParameters:
		s.mu.Lock()
		s.latestStorage = &m
		s.mu.Unlock()
	case SoftDisconnect:
		s.setState(Disconnecting)
		listener := e.currentListener()
		invokeListener(func() { listener.OnSessionDisconnecting(s.Snapshot(time.Now())) })
	case Ping:
		// no-op beyond the generic callback below
	default:
		// unknown/other variants: generic callback only
	}
	listener := e.currentListener()
	invokeListener(func() { listener.OnMessageReceived(s.Snapshot(time.Now()), msg) })
}

// Disconnect gracefully tears down an ACTIVE session.
func (e *SessionEngine) Disconnect(s *DeviceSession, reason string) {
	if s.getState() != Active {
		return
	}
	s.setState(Disconnecting)
	reasonCopy := reason
	_ = s.Send(SoftDisconnect{Reconnect: boolPtr(false), Reason: &reasonCopy}) // errors swallowed: transport may already be broken

	listener := e.currentListener()
	invokeListener(func() { listener.OnSessionDisconnecting(s.Snapshot(time.Now())) })
	e.closeSession(s)
}

// closeSession is idempotent: it removes s from the session table, closes
// its transport, fires on_session_closed, and notifies hooks exactly once.
func (e *SessionEngine) closeSession(s *DeviceSession) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.mu.Unlock()

	e.mu.Lock()
	delete(e.sessions, s.id)
	e.mu.Unlock()

	_ = s.transport.Close()

	listener := e.currentListener()
	invokeListener(func() { listener.OnSessionClosed(s.Snapshot(time.Now())) })

	e.currentHooks().SessionClosed(s)
}

// Close closes every tracked session.
func (e *SessionEngine) Close() {
	e.mu.RLock()
	sessions := make([]*DeviceSession, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.RUnlock()

	for _, s := range sessions {
		e.closeSession(s)
	}
	e.wg.Wait()
}

// Sessions returns the currently tracked sessions.
func (e *SessionEngine) Sessions() []*DeviceSession {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*DeviceSession, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

func boolPtr(b bool) *bool { return &b }

package ep

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Direction constrains how a peer's connection is established.
type Direction int

const (
	Inbound Direction = iota
	Outbound
	Bidirectional
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "INBOUND"
	case Outbound:
		return "OUTBOUND"
	case Bidirectional:
		return "BIDIRECTIONAL"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// PeerConfig is immutable once passed to AddPeer.
type PeerConfig struct {
	PeerID           string
	Host             *string
	Port             *uint16
	Direction        Direction
	ExpectedIdentity *string
}

// resolvedExpectedIdentity defaults to PeerID when ExpectedIdentity is unset.
func (c PeerConfig) resolvedExpectedIdentity() string {
	if c.ExpectedIdentity != nil {
		return *c.ExpectedIdentity
	}
	return c.PeerID
}

// ConnectionState is derived from a peer's bound session, never stored
// directly.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// PeerSnapshot is an immutable capture of a Peer.
type PeerSnapshot struct {
	Config          PeerConfig
	ConnectionState ConnectionState
	SessionID       string // empty when unbound
	CapturedAt      time.Time
}

// Peer is a mutable binding between a configured peer and, optionally, a
// live DeviceSession.
type Peer struct {
	config PeerConfig

	mu      sync.Mutex
	session *DeviceSession
}

func (p *Peer) connectionState() ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return Disconnected
	}
	switch p.session.getState() {
	case AwaitingSession:
		return Connecting
	case Active:
		return Connected
	default: // Disconnecting, Closed
		return Disconnected
	}
}

// Snapshot captures the peer's current state immutably.
func (p *Peer) Snapshot(now time.Time) PeerSnapshot {
	p.mu.Lock()
	sessionID := ""
	if p.session != nil {
		sessionID = p.session.ID()
	}
	cfg := p.config
	p.mu.Unlock()
	return PeerSnapshot{Config: cfg, ConnectionState: p.connectionState(), SessionID: sessionID, CapturedAt: now}
}

// ErrDuplicatePeer is returned by AddPeer when peer_id is already registered.
type ErrDuplicatePeer struct{ PeerID string }

func (e ErrDuplicatePeer) Error() string { return fmt.Sprintf("ep: peer %q already exists", e.PeerID) }

// ErrInvalidPeerConfig is returned by AddPeer when the direction/host
// invariant is violated.
type ErrInvalidPeerConfig struct{ Reason string }

func (e ErrInvalidPeerConfig) Error() string { return "ep: invalid peer config: " + e.Reason }

// Dialer opens the raw byte pipe for an outbound peer connection. The raw
// transport is an external collaborator; production code
// supplies a net.Dial-based implementation, tests supply net.Pipe or
// in-memory fakes.
type Dialer interface {
	Dial(host string, port uint16) (io.ReadWriteCloser, error)
}

// PeerManagerHooks notifies a collaborator (normally the node façade) of
// peer-level lifecycle events so it can fan them out to the high-level
// NodeListener and stop any active transfer.
type PeerManagerHooks interface {
	PeerConnected(snap PeerSnapshot)
	PeerDisconnected(peerID string, snap PeerSnapshot)
}

type nopPeerManagerHooks struct{}

func (nopPeerManagerHooks) PeerConnected(PeerSnapshot)            {}
func (nopPeerManagerHooks) PeerDisconnected(string, PeerSnapshot) {}

// PeerManager owns the configured-peer table and binds live sessions to
// peers by identity.
type PeerManager struct {
	engine        *SessionEngine
	dialer        Dialer
	frameOpts     FrameDecodeOptions
	parseOpts     MessageParseOptions
	frameListener FrameListener

	mu            sync.RWMutex
	peers         map[string]*Peer
	insertOrder   []string
	sessionToPeer map[string]*Peer

	hooks PeerManagerHooks
}

// NewPeerManager constructs a peer manager wired to engine for session
// acceptance and dialer for outbound connections. frameListener (may be nil)
// is attached to every outbound message transport it creates.
func NewPeerManager(engine *SessionEngine, dialer Dialer, frameOpts FrameDecodeOptions, parseOpts MessageParseOptions, frameListener FrameListener) *PeerManager {
	pm := &PeerManager{
		engine:        engine,
		dialer:        dialer,
		frameOpts:     frameOpts,
		parseOpts:     parseOpts,
		frameListener: frameListener,
		peers:         make(map[string]*Peer),
		sessionToPeer: make(map[string]*Peer),
		hooks:         nopPeerManagerHooks{},
	}
	engine.SetHooks(pm)
	return pm
}

// SetHooks installs the peer-lifecycle observer.
func (pm *PeerManager) SetHooks(h PeerManagerHooks) {
	if h == nil {
		h = nopPeerManagerHooks{}
	}
	pm.mu.Lock()
	pm.hooks = h
	pm.mu.Unlock()
}

func (pm *PeerManager) currentHooks() PeerManagerHooks {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.hooks
}

// AddPeer registers a new peer config.
func (pm *PeerManager) AddPeer(config PeerConfig) error {
	if config.Direction != Inbound && config.Host == nil {
		return ErrInvalidPeerConfig{Reason: "host required for OUTBOUND/BIDIRECTIONAL direction"}
	}

	pm.mu.Lock()
	if _, exists := pm.peers[config.PeerID]; exists {
		pm.mu.Unlock()
		return ErrDuplicatePeer{PeerID: config.PeerID}
	}
	p := &Peer{config: config}
	pm.peers[config.PeerID] = p
	pm.insertOrder = append(pm.insertOrder, config.PeerID)
	pm.mu.Unlock()

	if config.Direction != Inbound {
		go pm.dialOutbound(p)
	}
	return nil
}

func (pm *PeerManager) dialOutbound(p *Peer) {
	if pm.dialer == nil || p.config.Host == nil {
		return
	}
	port := uint16(56540)
	if p.config.Port != nil {
		port = *p.config.Port
	}
	rw, err := pm.dialer.Dial(*p.config.Host, port)
	if err != nil {
		return // dial failure: peer remains DISCONNECTED, no auto-retry
	}
	ft := NewStreamTransport(rw, pm.frameOpts)
	mt := NewMessageTransport(ft, pm.parseOpts)
	if pm.frameListener != nil {
		mt.SetListener(pm.frameListener)
	}
	s := pm.engine.Accept(mt)

	// Pre-bind before the handshake completes: the outbound pre-binding
	// wins over inbound identity matching.
	pm.mu.Lock()
	pm.sessionToPeer[s.ID()] = p
	pm.mu.Unlock()
	p.mu.Lock()
	p.session = s
	p.mu.Unlock()
}

// RemovePeer removes the peer from the table, then closes any live session
// bound to it, which unbinds it and fires PeerDisconnected.
func (pm *PeerManager) RemovePeer(peerID string) error {
	pm.mu.Lock()
	p, ok := pm.peers[peerID]
	if !ok {
		pm.mu.Unlock()
		return fmt.Errorf("ep: peer %q not found", peerID)
	}
	delete(pm.peers, peerID)
	for i, id := range pm.insertOrder {
		if id == peerID {
			pm.insertOrder = append(pm.insertOrder[:i], pm.insertOrder[i+1:]...)
			break
		}
	}
	pm.mu.Unlock()

	p.mu.Lock()
	s := p.session
	p.mu.Unlock()
	if s != nil {
		pm.engine.closeSession(s) // fires on_peer_disconnected via SessionClosed hook
	}
	return nil
}

// Peers returns a snapshot of every configured peer.
func (pm *PeerManager) Peers() map[string]PeerSnapshot {
	pm.mu.RLock()
	ids := append([]string{}, pm.insertOrder...)
	peers := make([]*Peer, 0, len(ids))
	for _, id := range ids {
		peers = append(peers, pm.peers[id])
	}
	pm.mu.RUnlock()

	now := time.Now()
	out := make(map[string]PeerSnapshot, len(peers))
	for _, p := range peers {
		out[p.config.PeerID] = p.Snapshot(now)
	}
	return out
}

// peerForSession returns the peer bound to sessionID, if any.
func (pm *PeerManager) peerForSession(sessionID string) *Peer {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.sessionToPeer[sessionID]
}

// peer looks up a configured peer by id.
func (pm *PeerManager) peer(peerID string) (*Peer, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	p, ok := pm.peers[peerID]
	return p, ok
}

// boundSession returns the live session bound to peerID, if any.
func (pm *PeerManager) boundSession(peerID string) (*DeviceSession, bool) {
	p, ok := pm.peer(peerID)
	if !ok {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session, p.session != nil
}

// HandshakeSucceeded implements SessionHooks: binds an inbound session to a
// matching configured peer, unless it was already pre-bound outbound.
func (pm *PeerManager) HandshakeSucceeded(s *DeviceSession, remote SessionParameters) {
	pm.mu.Lock()
	if preBound, ok := pm.sessionToPeer[s.ID()]; ok {
		pm.mu.Unlock()
		pm.currentHooks().PeerConnected(preBound.Snapshot(time.Now()))
		return
	}

	var matched *Peer
	for _, id := range pm.insertOrder {
		p := pm.peers[id]
		if p.config.Direction == Outbound {
			continue
		}
		if p.config.resolvedExpectedIdentity() != remote.Identity {
			continue
		}
		p.mu.Lock()
		unbound := p.session == nil
		p.mu.Unlock()
		if unbound {
			matched = p
			break
		}
	}
	if matched == nil {
		pm.mu.Unlock()
		return
	}
	pm.sessionToPeer[s.ID()] = matched
	pm.mu.Unlock()

	matched.mu.Lock()
	matched.session = s
	matched.mu.Unlock()

	pm.currentHooks().PeerConnected(matched.Snapshot(time.Now()))
}

// SessionClosed implements SessionHooks: unbinds the peer (if any) and fires
// PeerDisconnected.
func (pm *PeerManager) SessionClosed(s *DeviceSession) {
	pm.mu.Lock()
	p, ok := pm.sessionToPeer[s.ID()]
	if ok {
		delete(pm.sessionToPeer, s.ID())
	}
	pm.mu.Unlock()
	if !ok {
		return
	}

	p.mu.Lock()
	p.session = nil
	p.mu.Unlock()

	pm.currentHooks().PeerDisconnected(p.config.PeerID, p.Snapshot(time.Now()))
}

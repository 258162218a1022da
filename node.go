package ep

import (
	"fmt"
	"sync"
	"time"
)

// TransferSnapshot is an immutable capture of an EnergyTransfer.
type TransferSnapshot struct {
	PeerID     string
	State      TransferState
	Params     TransferParams
	CapturedAt time.Time
}

func snapshotTransfer(t *EnergyTransfer) TransferSnapshot {
	return TransferSnapshot{PeerID: t.PeerID(), State: t.State(), Params: t.Params(), CapturedAt: time.Now()}
}

// NodeListener receives high-level, peer-focused callbacks.
type NodeListener interface {
	OnPeerConnected(snap PeerSnapshot)
	OnPeerDisconnected(snap PeerSnapshot)
	OnPeerParametersUpdated(snap PeerSnapshot, msg Message)
	OnTransferStarted(snap TransferSnapshot)
	OnTransferStopped(snap TransferSnapshot)
	OnError(err error)
	OnMessageSent(msg Message)
}

// NopNodeListener implements NodeListener with no-ops; embed it to
// implement only the callbacks a caller cares about.
type NopNodeListener struct{}

func (NopNodeListener) OnPeerConnected(PeerSnapshot)                 {}
func (NopNodeListener) OnPeerDisconnected(PeerSnapshot)              {}
func (NopNodeListener) OnPeerParametersUpdated(PeerSnapshot, Message) {}
func (NopNodeListener) OnTransferStarted(TransferSnapshot)           {}
func (NopNodeListener) OnTransferStopped(TransferSnapshot)           {}
func (NopNodeListener) OnError(error)                                {}
func (NopNodeListener) OnMessageSent(Message)                        {}

// Node composes the session engine, peer manager, and transfer engine
// behind a single public API with an optional inbound acceptor.
type Node struct {
	cfg *Config

	sessionEngine  *SessionEngine
	peerManager    *PeerManager
	transferEngine *TransferEngine

	acceptor Acceptor
	acceptWg sync.WaitGroup

	mu       sync.RWMutex
	listener NodeListener

	closeOnce sync.Once
}

// NewNode constructs a Node presenting identity during every handshake.
func NewNode(identity SessionParameters, opts ...Option) *Node {
	cfg := applyOptions(identity, opts)

	engine := NewSessionEngine(identity)

	dialer := cfg.dialer
	if dialer == nil {
		dialer = NewTCPDialer()
	}

	n := &Node{cfg: cfg, sessionEngine: engine, listener: NopNodeListener{}}

	pm := NewPeerManager(engine, dialer, cfg.frameOpts, cfg.parseOpts, n)
	te := NewTransferEngine(pm)

	n.peerManager = pm
	n.transferEngine = te

	engine.SetListener(n)
	pm.SetHooks(n)
	te.SetHooks(n)

	return n
}

// SetListener installs the high-level listener. Pass nil to remove it.
func (n *Node) SetListener(l NodeListener) {
	if l == nil {
		l = NopNodeListener{}
	}
	n.mu.Lock()
	n.listener = l
	n.mu.Unlock()
}

func (n *Node) currentListener() NodeListener {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.listener
}

// Start binds the listen port, if configured, and begins accepting inbound
// connections.
func (n *Node) Start() error {
	if n.cfg.listenPort == nil {
		return nil
	}
	acceptor := n.cfg.acceptor
	if acceptor == nil {
		acceptor = NewTCPAcceptor()
	}
	if err := acceptor.Listen(*n.cfg.listenPort); err != nil {
		return err
	}
	n.acceptor = acceptor

	n.acceptWg.Add(1)
	go n.acceptLoop()
	return nil
}

func (n *Node) acceptLoop() {
	defer n.acceptWg.Done()
	for {
		conn, err := n.acceptor.Accept()
		if err != nil {
			return
		}
		ft := NewStreamTransport(conn, n.cfg.frameOpts)
		mt := NewMessageTransport(ft, n.cfg.parseOpts)
		mt.SetListener(n)
		n.sessionEngine.Accept(mt)
	}
}

// Close cancels the transfer scope first (so tick tasks still observe a
// live session engine), then closes the acceptor, then the session engine.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		n.transferEngine.Close()
		if n.acceptor != nil {
			_ = n.acceptor.Close()
		}
		n.acceptWg.Wait()
		n.sessionEngine.Close()
	})
}

// AddPeer registers a new configured peer.
func (n *Node) AddPeer(config PeerConfig) error {
	return n.peerManager.AddPeer(config)
}

// RemovePeer unbinds and removes a configured peer.
func (n *Node) RemovePeer(peerID string) error {
	return n.peerManager.RemovePeer(peerID)
}

// Peers returns a snapshot of every configured peer.
func (n *Node) Peers() map[string]PeerSnapshot {
	return n.peerManager.Peers()
}

// StartTransfer starts a periodic publishing loop to peerID. tickRate <= 0
// selects the node's configured default tick rate.
func (n *Node) StartTransfer(peerID string, params TransferParams, tickRate time.Duration) StartTransferResult {
	if tickRate <= 0 {
		tickRate = n.cfg.defaultTickRate
	}
	return n.transferEngine.StartTransfer(peerID, params, tickRate)
}

// UpdateTransfer atomically replaces peerID's transfer parameters.
func (n *Node) UpdateTransfer(peerID string, params TransferParams) error {
	return n.transferEngine.UpdateTransfer(peerID, params)
}

// StopTransfer cancels peerID's transfer, if any.
func (n *Node) StopTransfer(peerID string) {
	n.transferEngine.StopTransfer(peerID)
}

// --- ServerListener: low-level session callbacks feed metrics and surface
// generic errors/parameter updates to the high-level listener. ---

func (n *Node) OnSessionCreated(snap DeviceSessionSnapshot) {
	n.cfg.metrics.IncrementSessionsCreated()
	n.cfg.logger.Debug().Str("session_id", snap.ID).Msg("session created")
}

func (n *Node) OnSessionActive(snap DeviceSessionSnapshot) {
	n.cfg.metrics.IncrementSessionsActive()
	identity := ""
	if snap.RemoteIdentity != nil {
		identity = snap.RemoteIdentity.Identity
	}
	n.cfg.logger.Info().Str("session_id", snap.ID).Str("remote_identity", identity).Msg("session active")
}

func (n *Node) OnSessionHandshakeFailed(snap DeviceSessionSnapshot, reason string) {
	n.cfg.metrics.IncrementHandshakeFailures()
	n.cfg.logger.Warn().Str("session_id", snap.ID).Str("reason", reason).Msg("handshake failed")
	n.currentListener().OnError(fmt.Errorf("ep: handshake failed for session %s: %s", snap.ID, reason))
}

func (n *Node) OnSessionDisconnecting(snap DeviceSessionSnapshot) {
	n.cfg.logger.Debug().Str("session_id", snap.ID).Msg("session disconnecting")
}

func (n *Node) OnSessionClosed(snap DeviceSessionSnapshot) {
	n.cfg.metrics.IncrementSessionsClosed()
	n.cfg.logger.Debug().Str("session_id", snap.ID).Msg("session closed")
}

func (n *Node) OnSessionError(snap DeviceSessionSnapshot, err error) {
	n.cfg.logger.Error().Str("session_id", snap.ID).Err(err).Msg("session error")
	n.currentListener().OnError(err)
}

func (n *Node) OnMessageReceived(snap DeviceSessionSnapshot, msg Message) {
	switch msg.(type) {
	case SupplyParameters, DemandParameters, StorageParameters:
		if p := n.peerManager.peerForSession(snap.ID); p != nil {
			n.currentListener().OnPeerParametersUpdated(p.Snapshot(time.Now()), msg)
		}
	}
}

// --- PeerManagerHooks ---

func (n *Node) PeerConnected(snap PeerSnapshot) {
	n.cfg.metrics.IncrementPeersConnected()
	n.cfg.logger.Info().Str("peer_id", snap.Config.PeerID).Msg("peer connected")
	n.currentListener().OnPeerConnected(snap)
}

func (n *Node) PeerDisconnected(peerID string, snap PeerSnapshot) {
	n.cfg.metrics.IncrementPeersDisconnected()
	n.cfg.logger.Info().Str("peer_id", peerID).Msg("peer disconnected")
	n.transferEngine.StopTransfer(peerID) // forced stop, no active transfer survives a disconnect
	n.currentListener().OnPeerDisconnected(snap)
}

// --- TransferEngineHooks ---

func (n *Node) TransferStarted(t *EnergyTransfer) {
	n.cfg.metrics.IncrementTransfersStarted()
	n.currentListener().OnTransferStarted(snapshotTransfer(t))
}

func (n *Node) TransferStopped(t *EnergyTransfer) {
	n.cfg.metrics.IncrementTransfersStopped()
	n.currentListener().OnTransferStopped(snapshotTransfer(t))
}

// --- FrameListener: attached to every message transport the node creates,
// feeding byte/frame metrics and the generic on_message_sent callback. ---

func (n *Node) OnFrameSent(f Frame) {
	n.cfg.metrics.IncrementFramesSent()
	n.cfg.metrics.IncrementBytesSent(int64(len(f.Payload)))
	if res := DecodeMessage(f.MessageTypeID, f.Payload, MessageParseOptions{}); res.OK {
		n.currentListener().OnMessageSent(res.Value)
	}
}

func (n *Node) OnFrameReceived(f Frame) {
	n.cfg.metrics.IncrementFramesReceived()
	n.cfg.metrics.IncrementBytesReceived(int64(len(f.Payload)))
}

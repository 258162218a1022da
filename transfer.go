package ep

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTickRate is the publishing interval used when StartTransfer is
// called without an explicit tick_rate.
const DefaultTickRate = 100 * time.Millisecond

// TransferParams is an immutable tuple of optional per-domain parameter
// messages.
type TransferParams struct {
	Supply  *SupplyParameters
	Demand  *DemandParameters
	Storage *StorageParameters
}

// TransferState is an EnergyTransfer's lifecycle state.
type TransferState int32

const (
	TransferActive TransferState = iota
	TransferStopped
)

func (s TransferState) String() string {
	if s == TransferStopped {
		return "STOPPED"
	}
	return "ACTIVE"
}

// EnergyTransfer is a per-peer active publisher.
type EnergyTransfer struct {
	peerID string

	params atomic.Pointer[TransferParams]
	state  atomic.Int32

	cancel   context.CancelFunc
	stopOnce sync.Once
}

// PeerID returns the peer this transfer publishes to.
func (t *EnergyTransfer) PeerID() string { return t.peerID }

// State returns the transfer's current lifecycle state.
func (t *EnergyTransfer) State() TransferState { return TransferState(t.state.Load()) }

// Params returns the currently stored parameter tuple.
func (t *EnergyTransfer) Params() TransferParams { return *t.params.Load() }

// StartTransferResultKind discriminates the StartTransfer result.
type StartTransferResultKind int

const (
	TransferStartSuccess StartTransferResultKind = iota
	TransferStartPeerNotFound
	TransferStartPeerNotConnected
	TransferStartAlreadyActive
)

// StartTransferResult is the tagged result of StartTransfer.
type StartTransferResult struct {
	Kind      StartTransferResultKind
	Transfer  *EnergyTransfer
	PeerID    string
	PeerState ConnectionState
}

func (r StartTransferResult) Error() string {
	switch r.Kind {
	case TransferStartSuccess:
		return ""
	case TransferStartPeerNotFound:
		return fmt.Sprintf("ep: peer %q not found", r.PeerID)
	case TransferStartPeerNotConnected:
		return fmt.Sprintf("ep: peer %q not connected (state %s)", r.PeerID, r.PeerState)
	case TransferStartAlreadyActive:
		return fmt.Sprintf("ep: transfer already active for peer %q", r.PeerID)
	default:
		return "ep: unknown start-transfer result"
	}
}

// TransferEngineHooks notifies a collaborator (the node façade) of
// transfer-lifecycle events.
type TransferEngineHooks interface {
	TransferStarted(t *EnergyTransfer)
	TransferStopped(t *EnergyTransfer)
}

type nopTransferEngineHooks struct{}

func (nopTransferEngineHooks) TransferStarted(*EnergyTransfer) {}
func (nopTransferEngineHooks) TransferStopped(*EnergyTransfer) {}

// TransferEngine runs per-peer periodic publishing loops with hot parameter
// swap and lifecycle callbacks.
type TransferEngine struct {
	pm *PeerManager

	mu        sync.Mutex
	transfers map[string]*EnergyTransfer

	hooks TransferEngineHooks
	wg    sync.WaitGroup
}

// NewTransferEngine constructs a transfer engine reading peer liveness from
// pm.
func NewTransferEngine(pm *PeerManager) *TransferEngine {
	return &TransferEngine{
		pm:        pm,
		transfers: make(map[string]*EnergyTransfer),
		hooks:     nopTransferEngineHooks{},
	}
}

// SetHooks installs the transfer-lifecycle observer.
func (e *TransferEngine) SetHooks(h TransferEngineHooks) {
	if h == nil {
		h = nopTransferEngineHooks{}
	}
	e.mu.Lock()
	e.hooks = h
	e.mu.Unlock()
}

func (e *TransferEngine) currentHooks() TransferEngineHooks {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hooks
}

// StartTransfer validates preconditions and, on success, registers and
// starts a new per-peer tick loop.
func (e *TransferEngine) StartTransfer(peerID string, params TransferParams, tickRate time.Duration) StartTransferResult {
	if tickRate <= 0 {
		tickRate = DefaultTickRate
	}

	p, ok := e.pm.peer(peerID)
	if !ok {
		return StartTransferResult{Kind: TransferStartPeerNotFound, PeerID: peerID}
	}
	if state := p.connectionState(); state != Connected {
		return StartTransferResult{Kind: TransferStartPeerNotConnected, PeerID: peerID, PeerState: state}
	}

	e.mu.Lock()
	if _, exists := e.transfers[peerID]; exists {
		e.mu.Unlock()
		return StartTransferResult{Kind: TransferStartAlreadyActive, PeerID: peerID}
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &EnergyTransfer{peerID: peerID, cancel: cancel}
	t.params.Store(&params)
	t.state.Store(int32(TransferActive))
	e.transfers[peerID] = t
	e.mu.Unlock()

	e.currentHooks().TransferStarted(t)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runTransfer(ctx, t, tickRate)
	}()

	return StartTransferResult{Kind: TransferStartSuccess, Transfer: t, PeerID: peerID}
}

func (e *TransferEngine) runTransfer(ctx context.Context, t *EnergyTransfer, tickRate time.Duration) {
	defer e.finishTransfer(t)

	first := true
	for {
		if !first {
			select {
			case <-ctx.Done():
				return
			case <-time.After(tickRate):
			}
		}
		first = false

		select {
		case <-ctx.Done():
			return
		default:
		}

		session, ok := e.pm.boundSession(t.peerID)
		if !ok || session.getState() != Active {
			return
		}

		params := t.Params()
		if params.Supply != nil {
			if err := session.Send(*params.Supply); err != nil {
				return
			}
		}
		if params.Demand != nil {
			if err := session.Send(*params.Demand); err != nil {
				return
			}
		}
		if params.Storage != nil {
			if err := session.Send(*params.Storage); err != nil {
				return
			}
		}
	}
}

// finishTransfer publishes STOPPED exactly once, regardless of which exit
// path triggered it.
func (e *TransferEngine) finishTransfer(t *EnergyTransfer) {
	t.stopOnce.Do(func() {
		t.state.Store(int32(TransferStopped))
		e.mu.Lock()
		delete(e.transfers, t.peerID)
		e.mu.Unlock()
		e.currentHooks().TransferStopped(t)
	})
}

// ErrInvalidTransferState is returned by UpdateTransfer when peerID has no
// active transfer to update.
type ErrInvalidTransferState struct{ PeerID string }

func (e ErrInvalidTransferState) Error() string {
	return fmt.Sprintf("ep: invalid state: no active transfer for peer %q", e.PeerID)
}

// UpdateTransfer atomically replaces a transfer's parameter tuple; the next
// tick observes it in full.
func (e *TransferEngine) UpdateTransfer(peerID string, params TransferParams) error {
	e.mu.Lock()
	t, ok := e.transfers[peerID]
	e.mu.Unlock()
	if !ok {
		return ErrInvalidTransferState{PeerID: peerID}
	}
	t.params.Store(&params)
	return nil
}

// StopTransfer cancels the tick task for peerID; no-op if none exists.
func (e *TransferEngine) StopTransfer(peerID string) {
	e.mu.Lock()
	t, ok := e.transfers[peerID]
	e.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
}

// Close stops every active transfer and waits for their tick tasks to exit.
func (e *TransferEngine) Close() {
	e.mu.Lock()
	transfers := make([]*EnergyTransfer, 0, len(e.transfers))
	for _, t := range e.transfers {
		transfers = append(transfers, t)
	}
	e.mu.Unlock()
	for _, t := range transfers {
		t.cancel()
	}
	e.wg.Wait()
}

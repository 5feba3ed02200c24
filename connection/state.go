package connection

import (
	"context"
	"time"
)

// State is one step of the connection lifecycle.
type State string

const (
	// StateIdle means no session activity, or a hosted room waiting for a peer.
	StateIdle State = "idle"
	// StateConnecting means the channel is being opened.
	StateConnecting State = "connecting"
	// StateAwaitingApproval means a connection request is pending a decision.
	StateAwaitingApproval State = "awaiting_approval"
	// StateConnected means the handshake completed and transfers may run.
	StateConnected State = "connected"
	// StateTransferring means a batch transfer is in flight.
	StateTransferring State = "transferring"
	// StateCompleted means the last batch finished successfully.
	StateCompleted State = "completed"
	// StateError means the session failed; only a new connect leaves it.
	StateError State = "error"
	// StateDisconnected means the session ended; only a new connect leaves it.
	StateDisconnected State = "disconnected"
)

// ConnectionInfo is the single source of truth about the session, consumed
// by the UI layer and by the transfer engine for gating. It is mutated only
// by the Manager.
type ConnectionInfo struct {
	State         State
	PeerID        string
	RemotePeerID  string
	RoomCode      string
	ConnectedAt   time.Time
	Error         string
	IsPinRequired bool
	IsPinVerified bool
}

// ApprovalProvider decides whether to accept an incoming connection request.
// It is awaited under the approval timeout; returning an error counts as a
// denial.
type ApprovalProvider func(ctx context.Context, peerID, deviceInfo string) (bool, error)

// PinProvider obtains a PIN from the local user. Returning an empty string
// cancels PIN entry.
type PinProvider func(ctx context.Context) (string, error)

// AuditSink receives security-relevant events. It is invoked asynchronously
// and must never be blocked on.
type AuditSink func(event string, details map[string]any)

// StateCallback observes every ConnectionInfo change.
type StateCallback func(info ConnectionInfo)

package connection

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peerbeam/peerbeam/crypto"
	"github.com/peerbeam/peerbeam/protocol"
	"github.com/peerbeam/peerbeam/room"
)

// Denial reasons sent to the remote peer. These are user-facing strings.
const (
	ReasonRateLimited   = "too many connection attempts, try again later"
	ReasonHostBusy      = "host is busy with another peer"
	ReasonDeniedByHost  = "connection rejected by host"
	ReasonApprovalStall = "approval timed out"
	ReasonPinExhausted  = "too many failed PIN attempts"
	ReasonSessionGone   = "session no longer exists"
)

// Host opens the channel and readies the machine to receive a connection
// request for the given session. The machine passes through connecting and
// lands back in idle with the room ready; the approval flow starts when a
// request arrives.
func (m *Manager) Host(session *room.Session) error {
	m.mu.Lock()
	if m.info.State != StateIdle && m.info.State != StateDisconnected && m.info.State != StateError {
		state := m.info.State
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot host from %s", ErrBadStateTransition, state)
	}
	m.resetSessionLocked()
	m.role = roleHost
	m.info.RoomCode = session.Code
	m.setStateLocked(StateConnecting)
	ctx := m.ctx
	m.mu.Unlock()

	if err := m.channel.Open(ctx); err != nil {
		m.fail(fmt.Sprintf("failed to open channel: %v", err))
		return err
	}

	m.mu.Lock()
	// Room ready, waiting for a peer.
	m.setStateLocked(StateIdle)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Host",
		"room_code": room.Format(session.Code),
	}).Info("Hosting session, waiting for peer")

	return nil
}

// handleConnectionRequest runs the host side of the handshake: rate limit
// check, busy check, then the approval decision under its timeout.
func (m *Manager) handleConnectionRequest(msg *protocol.PeerMessage) {
	payload, err := msg.DecodePayload()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleConnectionRequest",
			"error":    err.Error(),
		}).Warn("Malformed connection request")
		return
	}
	req := payload.(*protocol.ConnectionRequest)

	m.mu.Lock()
	if m.role != roleHost {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleConnectionRequest",
			"peer_id":  req.PeerID,
		}).Warn("Ignoring connection request: not hosting")
		return
	}

	// One peer per session. A request arriving while another peer is
	// mid-approval or connected is rejected explicitly; the attempt still
	// counts against the limiter.
	if m.info.State != StateIdle {
		m.mu.Unlock()
		m.limiter.RecordAttempt(req.PeerID)
		_ = m.send(protocol.MessageConnectionDenied, &protocol.ConnectionDenied{Reason: ReasonHostBusy})
		m.auditEvent("connection_rejected_busy", map[string]any{"peer_id": req.PeerID})
		return
	}

	if m.limiter.IsLimited(req.PeerID) {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleConnectionRequest",
			"peer_id":  req.PeerID,
		}).Warn("Rejecting rate-limited peer")
		_ = m.send(protocol.MessageConnectionDenied, &protocol.ConnectionDenied{Reason: ReasonRateLimited})
		m.auditEvent("connection_rate_limited", map[string]any{"peer_id": req.PeerID})
		return
	}

	m.limiter.RecordAttempt(req.PeerID)
	m.info.RemotePeerID = req.PeerID
	m.setStateLocked(StateAwaitingApproval)
	approval := m.approval
	timeout := m.config.ApprovalTimeout
	ctx := m.ctx
	m.mu.Unlock()

	m.auditEvent("connection_requested", map[string]any{
		"peer_id":     req.PeerID,
		"device_info": req.DeviceInfo,
	})

	go m.awaitApproval(ctx, approval, timeout, req.PeerID, req.DeviceInfo)
}

// awaitApproval suspends on the external approval decision, bounded by the
// approval timeout. Timeout, provider error, and an absent provider all
// count as denial.
func (m *Manager) awaitApproval(ctx context.Context, approval ApprovalProvider, timeout time.Duration, peerID, deviceInfo string) {
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type decision struct {
		approved bool
		err      error
	}
	result := make(chan decision, 1)

	go func() {
		if approval == nil {
			result <- decision{err: fmt.Errorf("no approval provider registered")}
			return
		}
		approved, err := approval(deadline, peerID, deviceInfo)
		result <- decision{approved: approved, err: err}
	}()

	select {
	case d := <-result:
		if d.err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "awaitApproval",
				"peer_id":  peerID,
				"error":    d.err.Error(),
			}).Warn("Approval provider failed, denying")
			m.deny(peerID, ReasonDeniedByHost)
			return
		}
		if !d.approved {
			m.deny(peerID, ReasonDeniedByHost)
			return
		}
		m.approve(peerID)
	case <-deadline.Done():
		logrus.WithFields(logrus.Fields{
			"function": "awaitApproval",
			"peer_id":  peerID,
			"timeout":  timeout,
		}).Warn("Approval timed out, denying")
		m.deny(peerID, ReasonApprovalStall)
	}
}

// approve continues the handshake after a positive decision: PIN challenge
// if the session has one, immediate connection otherwise.
func (m *Manager) approve(peerID string) {
	m.mu.Lock()
	if m.info.State != StateAwaitingApproval || m.info.RemotePeerID != peerID {
		m.mu.Unlock()
		return
	}
	roomCode := m.info.RoomCode
	m.mu.Unlock()

	session, err := m.registry.Get(roomCode)
	if err != nil {
		_ = m.send(protocol.MessageConnectionDenied, &protocol.ConnectionDenied{Reason: ReasonSessionGone})
		m.fail(ReasonSessionGone)
		return
	}

	if session.PinHash != "" {
		m.mu.Lock()
		m.info.IsPinRequired = true
		m.mu.Unlock()

		if err := m.send(protocol.MessagePinRequired, nil); err != nil {
			m.fail(fmt.Sprintf("failed to request PIN: %v", err))
		}
		m.auditEvent("pin_challenge_issued", map[string]any{"peer_id": peerID})
		return
	}

	m.completeHandshake(peerID)
}

// deny rejects the pending request and terminates the session with a
// user-facing reason.
func (m *Manager) deny(peerID, reason string) {
	_ = m.send(protocol.MessageConnectionDenied, &protocol.ConnectionDenied{Reason: reason})
	m.auditEvent("connection_denied", map[string]any{"peer_id": peerID, "reason": reason})
	m.teardown(StateError, reason)
}

// completeHandshake flips the machine to connected and starts heartbeats.
func (m *Manager) completeHandshake(peerID string) {
	if err := m.send(protocol.MessageConnectionApproved, nil); err != nil {
		m.fail(fmt.Sprintf("failed to confirm approval: %v", err))
		return
	}

	m.limiter.Clear(peerID)

	m.mu.Lock()
	m.info.ConnectedAt = time.Now()
	m.setStateLocked(StateConnected)
	m.startHeartbeatLocked()
	m.mu.Unlock()

	m.auditEvent("peer_connected", map[string]any{"peer_id": peerID})

	logrus.WithFields(logrus.Fields{
		"function": "completeHandshake",
		"peer_id":  peerID,
	}).Info("Peer connected")
}

// handlePinAttempt verifies a hashed PIN guess against the session's stored
// digest. Three cumulative failures deny the connection and destroy the
// session.
func (m *Manager) handlePinAttempt(msg *protocol.PeerMessage) {
	payload, err := msg.DecodePayload()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handlePinAttempt",
			"error":    err.Error(),
		}).Warn("Malformed PIN attempt")
		return
	}
	attempt := payload.(*protocol.PinAttempt)

	m.mu.Lock()
	if m.role != roleHost || m.info.State != StateAwaitingApproval || !m.info.IsPinRequired {
		state := m.info.State
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handlePinAttempt",
			"state":    state,
		}).Warn("Ignoring PIN attempt outside challenge")
		return
	}
	roomCode := m.info.RoomCode
	peerID := m.info.RemotePeerID
	maxAttempts := m.config.MaxPinAttempts
	m.mu.Unlock()

	session, err := m.registry.Get(roomCode)
	if err != nil {
		_ = m.send(protocol.MessageConnectionDenied, &protocol.ConnectionDenied{Reason: ReasonSessionGone})
		m.fail(ReasonSessionGone)
		return
	}

	if crypto.VerifyPinHash(attempt.HashedPin, session.PinHash) {
		m.mu.Lock()
		m.info.IsPinVerified = true
		m.mu.Unlock()

		if err := m.send(protocol.MessagePinVerified, nil); err != nil {
			m.fail(fmt.Sprintf("failed to confirm PIN: %v", err))
			return
		}
		m.auditEvent("pin_verified", map[string]any{"peer_id": peerID})
		m.completeHandshake(peerID)
		return
	}

	m.mu.Lock()
	m.hostPinFailures++
	failures := m.hostPinFailures
	m.mu.Unlock()

	remaining := maxAttempts - failures

	logrus.WithFields(logrus.Fields{
		"function":       "handlePinAttempt",
		"peer_id":        peerID,
		"attempt_number": attempt.AttemptNumber,
		"remaining":      remaining,
	}).Warn("PIN mismatch")

	m.auditEvent("pin_mismatch", map[string]any{
		"peer_id":   peerID,
		"remaining": remaining,
	})

	if remaining <= 0 {
		m.deny(peerID, ReasonPinExhausted)
		return
	}

	_ = m.send(protocol.MessagePinInvalid, &protocol.PinInvalid{AttemptsRemaining: remaining})
}

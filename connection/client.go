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

// Connect runs the client side of the handshake: open the channel, send the
// connection request, and wait for the host's decision. The call returns
// once the request is on the wire; progress is observable through
// OnStateChange and Info.
func (m *Manager) Connect(code string) error {
	m.mu.Lock()
	if m.info.State != StateIdle && m.info.State != StateDisconnected && m.info.State != StateError {
		state := m.info.State
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot connect from %s", ErrBadStateTransition, state)
	}
	m.resetSessionLocked()
	m.role = roleClient
	m.info.RoomCode = room.Normalize(code)
	m.setStateLocked(StateConnecting)
	ctx := m.ctx
	peerID := m.info.PeerID
	deviceInfo := m.config.DeviceInfo
	m.mu.Unlock()

	if err := m.channel.Open(ctx); err != nil {
		m.fail(fmt.Sprintf("failed to open channel: %v", err))
		return err
	}

	if err := m.send(protocol.MessageConnectionRequest, &protocol.ConnectionRequest{
		PeerID:     peerID,
		DeviceInfo: deviceInfo,
	}); err != nil {
		m.fail(fmt.Sprintf("failed to send connection request: %v", err))
		return err
	}

	m.mu.Lock()
	m.setStateLocked(StateAwaitingApproval)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Connect",
		"room_code": room.Format(code),
	}).Info("Connection request sent, awaiting approval")

	return nil
}

// handleConnectionApproved finishes the client handshake.
func (m *Manager) handleConnectionApproved() {
	m.mu.Lock()
	if m.role != roleClient || m.info.State != StateAwaitingApproval {
		state := m.info.State
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleConnectionApproved",
			"state":    state,
		}).Warn("Ignoring unexpected approval")
		return
	}
	m.info.ConnectedAt = time.Now()
	m.setStateLocked(StateConnected)
	m.startHeartbeatLocked()
	m.mu.Unlock()

	m.auditEvent("connected_to_host", nil)

	logrus.WithFields(logrus.Fields{
		"function": "handleConnectionApproved",
	}).Info("Connection approved by host")
}

// handleConnectionDenied surfaces the host's reason and ends the session.
func (m *Manager) handleConnectionDenied(msg *protocol.PeerMessage) {
	reason := "connection denied"
	if payload, err := msg.DecodePayload(); err == nil {
		if denied, ok := payload.(*protocol.ConnectionDenied); ok && denied.Reason != "" {
			reason = denied.Reason
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleConnectionDenied",
		"reason":   reason,
	}).Warn("Connection denied")

	m.auditEvent("connection_denied_by_host", map[string]any{"reason": reason})
	m.teardown(StateError, reason)
}

// handlePinRequired starts the client PIN entry loop.
func (m *Manager) handlePinRequired() {
	m.mu.Lock()
	if m.role != roleClient || m.info.State != StateAwaitingApproval {
		m.mu.Unlock()
		return
	}
	m.info.IsPinRequired = true
	provider := m.pinProvider
	ctx := m.ctx
	m.mu.Unlock()

	go m.promptPin(ctx, provider)
}

// promptPin suspends on external PIN entry. Cancelling (empty PIN or
// provider error) sends a disconnect and returns the machine to idle, per
// the cancel path of the PIN flow.
func (m *Manager) promptPin(ctx context.Context, provider PinProvider) {
	if provider == nil {
		logrus.WithFields(logrus.Fields{
			"function": "promptPin",
		}).Error("PIN required but no PIN provider registered")
		m.cancelPinEntry()
		return
	}

	pin, err := provider(ctx)
	if err != nil || pin == "" {
		logrus.WithFields(logrus.Fields{
			"function": "promptPin",
		}).Info("PIN entry cancelled")
		m.cancelPinEntry()
		return
	}

	m.mu.Lock()
	m.clientPinAttempts++
	attemptNumber := m.clientPinAttempts
	m.mu.Unlock()

	if err := m.send(protocol.MessagePinAttempt, &protocol.PinAttempt{
		HashedPin:     crypto.HashPin(pin),
		AttemptNumber: attemptNumber,
	}); err != nil {
		m.fail(fmt.Sprintf("failed to send PIN attempt: %v", err))
	}
}

// cancelPinEntry backs out of the handshake: disconnect to the host, machine
// back to idle so the user can retry from scratch.
func (m *Manager) cancelPinEntry() {
	_ = m.send(protocol.MessageDisconnect, nil)

	m.mu.Lock()
	m.stopHeartbeatLocked()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.info.Error = ""
	m.info.IsPinRequired = false
	m.setStateLocked(StateIdle)
	m.mu.Unlock()
}

// handlePinVerified records a successful PIN round trip; the host's
// connection_approved follows.
func (m *Manager) handlePinVerified() {
	m.mu.Lock()
	if m.role != roleClient {
		m.mu.Unlock()
		return
	}
	m.info.IsPinVerified = true
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handlePinVerified",
	}).Info("PIN verified by host")
}

// handlePinInvalid re-prompts while the host still grants attempts.
func (m *Manager) handlePinInvalid(msg *protocol.PeerMessage) {
	var remaining int
	if payload, err := msg.DecodePayload(); err == nil {
		if invalid, ok := payload.(*protocol.PinInvalid); ok {
			remaining = invalid.AttemptsRemaining
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "handlePinInvalid",
		"remaining": remaining,
	}).Warn("PIN rejected by host")

	if remaining <= 0 {
		// The host's denial follows; nothing to do here.
		return
	}

	m.mu.Lock()
	provider := m.pinProvider
	ctx := m.ctx
	m.mu.Unlock()

	go m.promptPin(ctx, provider)
}

package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/peerbeam/peerbeam/protocol"
	"github.com/peerbeam/peerbeam/ratelimit"
	"github.com/peerbeam/peerbeam/room"
	"github.com/peerbeam/peerbeam/transport"
)

const (
	// DefaultApprovalTimeout bounds how long the approval provider may take
	// before the request is auto-denied.
	DefaultApprovalTimeout = 30 * time.Second
	// DefaultHeartbeatInterval is the keepalive cadence once connected.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultMaxPinAttempts is the cumulative failed-PIN budget per session.
	DefaultMaxPinAttempts = 3
	// DefaultPinLength is the expected PIN length in digits.
	DefaultPinLength = 6
)

var (
	// ErrNotConnected indicates a send before reaching the connected state.
	ErrNotConnected = errors.New("not connected")
	// ErrBadStateTransition indicates an operation invalid for the current state.
	ErrBadStateTransition = errors.New("invalid state transition")
)

type role uint8

const (
	roleNone role = iota
	roleHost
	roleClient
)

// Config carries the tunable constants of the state machine.
type Config struct {
	ApprovalTimeout   time.Duration
	HeartbeatInterval time.Duration
	MaxPinAttempts    int
	PinLength         int
	DeviceInfo        string
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{
		ApprovalTimeout:   DefaultApprovalTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		MaxPinAttempts:    DefaultMaxPinAttempts,
		PinLength:         DefaultPinLength,
		DeviceInfo:        "peerbeam",
	}
}

// Handler processes one dispatched message for a registered type.
type Handler func(msg *protocol.PeerMessage)

// Manager is the connection state machine. One Manager drives one session
// with exactly one remote peer; terminal states are left only through a new
// Host or Connect call, which rebuilds the session rather than resuming it.
type Manager struct {
	mu sync.Mutex

	channel  transport.Channel
	registry *room.Registry
	limiter  *ratelimit.Limiter
	config   Config

	info ConnectionInfo
	role role

	handlers map[protocol.MessageType]Handler

	approval     ApprovalProvider
	pinProvider  PinProvider
	audit        AuditSink
	stateChanged StateCallback
	connLost     func(error)

	hostPinFailures   int
	clientPinAttempts int

	heartbeatStop chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a state machine over the given channel, registry and
// limiter. The local peer identifier is generated once per Manager.
func NewManager(channel transport.Channel, registry *room.Registry, limiter *ratelimit.Limiter, config Config) *Manager {
	if config.ApprovalTimeout <= 0 {
		config.ApprovalTimeout = DefaultApprovalTimeout
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.MaxPinAttempts <= 0 {
		config.MaxPinAttempts = DefaultMaxPinAttempts
	}
	if config.PinLength <= 0 {
		config.PinLength = DefaultPinLength
	}

	m := &Manager{
		channel:  channel,
		registry: registry,
		limiter:  limiter,
		config:   config,
		info: ConnectionInfo{
			State:  StateIdle,
			PeerID: uuid.NewString(),
		},
		handlers: make(map[protocol.MessageType]Handler),
	}

	channel.SetMessageHandler(m.handleFrame)
	channel.SetCloseHandler(m.handleChannelClose)
	channel.SetErrorHandler(m.handleChannelError)

	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
		"peer_id":  m.info.PeerID,
	}).Info("Connection manager created")

	return m
}

// OnApproval registers the host-side approval decision provider.
func (m *Manager) OnApproval(p ApprovalProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approval = p
}

// OnPinRequest registers the client-side PIN entry provider.
func (m *Manager) OnPinRequest(p PinProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinProvider = p
}

// OnAudit registers the audit sink.
func (m *Manager) OnAudit(sink AuditSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = sink
}

// OnStateChange registers the ConnectionInfo observer.
func (m *Manager) OnStateChange(cb StateCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateChanged = cb
}

// OnConnectionLost registers the callback invoked when the channel closes or
// fails underneath an active session. The transfer engine uses this to abort
// in-flight batches.
func (m *Manager) OnConnectionLost(cb func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connLost = cb
}

// RegisterHandler routes messages of the given type to the handler. The
// transfer engine registers its message types here; connection-level types
// are handled internally and cannot be overridden.
func (m *Manager) RegisterHandler(msgType protocol.MessageType, h func(msg *protocol.PeerMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[msgType] = h
}

// Info returns a snapshot of the connection state.
func (m *Manager) Info() ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// Send transmits a message over the authenticated channel. It refuses to
// send unless the session is connected (or mid-transfer).
func (m *Manager) Send(msg *protocol.PeerMessage) error {
	m.mu.Lock()
	state := m.info.State
	m.mu.Unlock()

	if state != StateConnected && state != StateTransferring && state != StateCompleted {
		return fmt.Errorf("%w: state is %s", ErrNotConnected, state)
	}

	return m.sendMessage(msg)
}

// sendMessage encodes and transmits without the connected-state gate. Used
// internally for handshake traffic.
func (m *Manager) sendMessage(msg *protocol.PeerMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := m.channel.Send(data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// send builds and transmits a message, logging failures. Returns the send
// error so handshake paths can react to a dead channel.
func (m *Manager) send(msgType protocol.MessageType, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	if err := m.sendMessage(msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "send",
			"message_type": msgType,
			"error":        err.Error(),
		}).Error("Failed to send message")
		return err
	}
	return nil
}

// BeginTransfer moves the session into the transferring state.
func (m *Manager) BeginTransfer() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.info.State != StateConnected && m.info.State != StateCompleted {
		return fmt.Errorf("%w: cannot start transfer from %s", ErrBadStateTransition, m.info.State)
	}
	m.setStateLocked(StateTransferring)
	return nil
}

// EndTransfer leaves the transferring state: completed on success, back to
// connected otherwise (the per-file failure detail lives with the engine).
func (m *Manager) EndTransfer(completed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.info.State != StateTransferring {
		return
	}
	if completed {
		m.setStateLocked(StateCompleted)
	} else {
		m.setStateLocked(StateConnected)
	}
}

// Disconnect tells the peer the session is over and tears down local state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	state := m.info.State
	m.mu.Unlock()

	if state == StateConnected || state == StateTransferring ||
		state == StateCompleted || state == StateAwaitingApproval {
		// Best effort; the peer may already be gone.
		_ = m.send(protocol.MessageDisconnect, nil)
	}

	m.teardown(StateDisconnected, "")
}

// handleFrame decodes and dispatches one inbound frame. Connection-level
// message types are handled here; everything else goes through the
// registered handlers.
func (m *Manager) handleFrame(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFrame",
			"error":    err.Error(),
		}).Warn("Dropping undecodable frame")
		return
	}

	switch msg.Type {
	case protocol.MessageConnectionRequest:
		m.handleConnectionRequest(msg)
	case protocol.MessagePinAttempt:
		m.handlePinAttempt(msg)
	case protocol.MessageConnectionApproved:
		m.handleConnectionApproved()
	case protocol.MessageConnectionDenied:
		m.handleConnectionDenied(msg)
	case protocol.MessagePinRequired:
		m.handlePinRequired()
	case protocol.MessagePinVerified:
		m.handlePinVerified()
	case protocol.MessagePinInvalid:
		m.handlePinInvalid(msg)
	case protocol.MessageHeartbeat:
		logrus.WithFields(logrus.Fields{
			"function": "handleFrame",
		}).Debug("Heartbeat received")
	case protocol.MessageDisconnect:
		m.handleRemoteDisconnect()
	default:
		m.dispatch(msg)
	}
}

// dispatch hands a non-connection message to its registered handler.
func (m *Manager) dispatch(msg *protocol.PeerMessage) {
	m.mu.Lock()
	handler := m.handlers[msg.Type]
	state := m.info.State
	m.mu.Unlock()

	if state != StateConnected && state != StateTransferring && state != StateCompleted {
		logrus.WithFields(logrus.Fields{
			"function":     "dispatch",
			"message_type": msg.Type,
			"state":        state,
		}).Warn("Dropping message received outside an authenticated session")
		return
	}

	if handler == nil {
		logrus.WithFields(logrus.Fields{
			"function":     "dispatch",
			"message_type": msg.Type,
		}).Warn("No handler registered for message type")
		return
	}

	handler(msg)
}

func (m *Manager) handleRemoteDisconnect() {
	logrus.WithFields(logrus.Fields{
		"function": "handleRemoteDisconnect",
	}).Info("Peer disconnected")

	m.auditEvent("peer_disconnected", map[string]any{"remote_peer": m.Info().RemotePeerID})
	m.teardown(StateDisconnected, "")
}

func (m *Manager) handleChannelClose() {
	m.mu.Lock()
	state := m.info.State
	cb := m.connLost
	currentRole := m.role
	m.mu.Unlock()

	if state == StateDisconnected || state == StateError || (state == StateIdle && currentRole == roleNone) {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleChannelClose",
		"state":    state,
	}).Warn("Channel closed underneath session")

	if cb != nil {
		cb(transport.ErrChannelClosed)
	}
	m.teardown(StateDisconnected, "connection lost")
}

func (m *Manager) handleChannelError(err error) {
	m.mu.Lock()
	cb := m.connLost
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleChannelError",
		"error":    err.Error(),
	}).Error("Channel failure")

	if cb != nil {
		cb(err)
	}
	m.teardown(StateError, fmt.Sprintf("connection failed: %v", err))
}

// teardown ends the session: heartbeat stops, the hosted room (if any) is
// destroyed, and the machine lands in a terminal state. A later Host or
// Connect call rebuilds from there.
func (m *Manager) teardown(final State, reason string) {
	m.mu.Lock()

	m.stopHeartbeatLocked()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.role == roleHost && m.info.RoomCode != "" {
		m.registry.Destroy(m.info.RoomCode)
	}

	m.info.Error = reason
	m.setStateLocked(final)
	m.mu.Unlock()
}

// fail records a failure reason and tears the session down into error.
func (m *Manager) fail(reason string) {
	logrus.WithFields(logrus.Fields{
		"function": "fail",
		"reason":   reason,
	}).Error("Session failed")
	m.teardown(StateError, reason)
}

// setStateLocked transitions the machine and notifies the observer. Caller
// must hold m.mu; the callback fires on a fresh goroutine with a snapshot so
// observers cannot deadlock the machine.
func (m *Manager) setStateLocked(s State) {
	if m.info.State == s {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "setStateLocked",
		"from":     m.info.State,
		"to":       s,
	}).Debug("Connection state transition")

	m.info.State = s
	if cb := m.stateChanged; cb != nil {
		info := m.info
		go cb(info)
	}
}

// startHeartbeatLocked begins the keepalive loop. Caller must hold m.mu.
func (m *Manager) startHeartbeatLocked() {
	m.stopHeartbeatLocked()
	stop := make(chan struct{})
	m.heartbeatStop = stop

	interval := m.config.HeartbeatInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				// No acknowledgment expected; failures surface via the
				// channel's own error path.
				_ = m.send(protocol.MessageHeartbeat, nil)
			}
		}
	}()
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

// auditEvent forwards to the audit sink without ever blocking the caller.
func (m *Manager) auditEvent(event string, details map[string]any) {
	m.mu.Lock()
	sink := m.audit
	m.mu.Unlock()

	if sink != nil {
		go sink(event, details)
	}
}

// resetSessionLocked prepares the machine for a fresh session. Caller must
// hold m.mu.
func (m *Manager) resetSessionLocked() {
	m.info.RemotePeerID = ""
	m.info.RoomCode = ""
	m.info.ConnectedAt = time.Time{}
	m.info.Error = ""
	m.info.IsPinRequired = false
	m.info.IsPinVerified = false
	m.hostPinFailures = 0
	m.clientPinAttempts = 0
	m.ctx, m.cancel = context.WithCancel(context.Background())
}

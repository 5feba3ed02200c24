// Package peerbeam implements direct device-to-device file transfer over a
// peer channel: short-lived room codes for discovery, explicit approval with
// optional PIN verification on the hosting side, and chunked, checksummed
// batch transfers with live progress on both sides.
//
// The package ties the lower layers together behind one facade. A typical
// host:
//
//	pb, err := peerbeam.New(channel, nil)
//	code, err := pb.HostSession()
//	// display code to the user; approve the peer via OnApproval
//
// and a typical client:
//
//	pb, err := peerbeam.New(channel, nil)
//	err = pb.Connect(code)
//	result, err := pb.SendFiles(files)
//
// The channel is any transport.Channel; wrap it with transport.NewNoiseChannel
// when the underlying transport is not already encrypted.
package peerbeam

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peerbeam/peerbeam/connection"
	"github.com/peerbeam/peerbeam/crypto"
	"github.com/peerbeam/peerbeam/file"
	"github.com/peerbeam/peerbeam/limits"
	"github.com/peerbeam/peerbeam/ratelimit"
	"github.com/peerbeam/peerbeam/room"
	"github.com/peerbeam/peerbeam/transport"
)

// Re-exported types so most callers only import this package.
type (
	// File is one in-memory file handed to SendFiles.
	File = file.File
	// BatchResult summarizes a finished or aborted outgoing batch.
	BatchResult = file.BatchResult
	// TransferProgress is the per-file progress snapshot.
	TransferProgress = file.TransferProgress
	// BatchProgress is the batch-level progress snapshot.
	BatchProgress = file.BatchProgress
	// ConnectionInfo is the connection state snapshot.
	ConnectionInfo = connection.ConnectionInfo
	// ApprovalProvider decides whether an incoming peer may connect.
	ApprovalProvider = connection.ApprovalProvider
	// PinProvider supplies the PIN typed by the local user.
	PinProvider = connection.PinProvider
)

var (
	// ErrNoSession indicates a session-scoped call before HostSession.
	ErrNoSession = errors.New("no hosted session")
	// ErrInvalidPin indicates a PIN that does not match the required format.
	ErrInvalidPin = errors.New("invalid PIN format")
)

// Options contains the tunable constants of an instance. Zero values fall
// back to the package defaults, so callers only set what they change.
type Options struct {
	// ChunkSize is the fixed transfer chunk size in bytes.
	ChunkSize int
	// ChunkYield is the voluntary pause between chunk sends.
	ChunkYield time.Duration
	// MaxFileSize caps a single file in bytes.
	MaxFileSize int64
	// MaxSessionSize caps one batch in bytes.
	MaxSessionSize int64

	// RoomCodeExpiry is how long an issued room code stays joinable.
	RoomCodeExpiry time.Duration

	// PinLength is the required PIN length in digits.
	PinLength int
	// MaxPinAttempts is the failed-PIN budget before the peer is rejected.
	MaxPinAttempts int

	// MaxConnectionAttempts is the per-peer attempt budget per window.
	MaxConnectionAttempts int
	// ConnectionAttemptWindow is the rate limiter's counting window.
	ConnectionAttemptWindow time.Duration
	// BlockDuration is the cooldown once the attempt budget is exhausted.
	BlockDuration time.Duration

	// ApprovalTimeout bounds the host's approval decision.
	ApprovalTimeout time.Duration
	// HeartbeatInterval is the keepalive cadence once connected.
	HeartbeatInterval time.Duration

	// DeviceInfo is the human-readable description sent with connection
	// requests, e.g. "Chrome on macOS".
	DeviceInfo string
}

// NewOptions returns the default configuration.
func NewOptions() *Options {
	return &Options{
		ChunkSize:               limits.ChunkSize,
		ChunkYield:              0,
		MaxFileSize:             limits.MaxFileSize,
		MaxSessionSize:          limits.MaxSessionSize,
		RoomCodeExpiry:          room.DefaultExpiry,
		PinLength:               connection.DefaultPinLength,
		MaxPinAttempts:          connection.DefaultMaxPinAttempts,
		MaxConnectionAttempts:   ratelimit.DefaultMaxAttempts,
		ConnectionAttemptWindow: ratelimit.DefaultWindow,
		BlockDuration:           ratelimit.DefaultBlockDuration,
		ApprovalTimeout:         connection.DefaultApprovalTimeout,
		HeartbeatInterval:       connection.DefaultHeartbeatInterval,
		DeviceInfo:              "peerbeam",
	}
}

// PeerBeam is one endpoint of a transfer session. An instance may host or
// join, one session at a time; after a session ends it can host or join
// again.
type PeerBeam struct {
	options  *Options
	registry *room.Registry
	limiter  *ratelimit.Limiter
	manager  *connection.Manager
	engine   *file.Engine
}

// New creates an instance over the given channel. A nil options pointer uses
// the defaults.
func New(channel transport.Channel, options *Options) (*PeerBeam, error) {
	if channel == nil {
		return nil, errors.New("channel is required")
	}
	if options == nil {
		options = NewOptions()
	}

	registry := room.NewRegistry()
	if options.RoomCodeExpiry > 0 {
		registry.SetExpiry(options.RoomCodeExpiry)
	}

	limiter := ratelimit.New(options.MaxConnectionAttempts, options.ConnectionAttemptWindow, options.BlockDuration)

	manager := connection.NewManager(channel, registry, limiter, connection.Config{
		ApprovalTimeout:   options.ApprovalTimeout,
		HeartbeatInterval: options.HeartbeatInterval,
		MaxPinAttempts:    options.MaxPinAttempts,
		PinLength:         options.PinLength,
		DeviceInfo:        options.DeviceInfo,
	})

	engine := file.NewEngine(manager, file.EngineConfig{
		ChunkSize:      options.ChunkSize,
		ChunkYield:     options.ChunkYield,
		MaxFileSize:    options.MaxFileSize,
		MaxSessionSize: options.MaxSessionSize,
	})

	logrus.WithFields(logrus.Fields{
		"function": "New",
	}).Info("PeerBeam instance created")

	return &PeerBeam{
		options:  options,
		registry: registry,
		limiter:  limiter,
		manager:  manager,
		engine:   engine,
	}, nil
}

// HostSession issues a fresh room code and starts hosting. It returns the
// code in display form (XXXX-XXXX); share it with the peer out of band.
func (p *PeerBeam) HostSession() (string, error) {
	session, err := p.registry.Issue()
	if err != nil {
		return "", fmt.Errorf("failed to issue room code: %w", err)
	}
	if err := p.manager.Host(session); err != nil {
		p.registry.Destroy(session.Code)
		return "", err
	}
	return room.Format(session.Code), nil
}

// SetSessionPin requires the given PIN from connecting peers. Only the hash
// is retained. Call after HostSession and before the peer connects.
func (p *PeerBeam) SetSessionPin(pin string) error {
	if err := crypto.ValidatePinFormat(pin, p.options.PinLength); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPin, err)
	}

	code := p.manager.Info().RoomCode
	if code == "" {
		return ErrNoSession
	}
	return p.registry.SetPin(code, crypto.HashPin(pin))
}

// Connect joins the session identified by the room code. Dashes, spaces and
// letter case in the code are ignored. The call returns once the request is
// sent; the outcome arrives through OnStateChange.
func (p *PeerBeam) Connect(code string) error {
	return p.manager.Connect(code)
}

// SendFiles transmits the files as one batch and blocks until the batch
// finishes, fails, or is cancelled. Files that violate the size or type
// policy are excluded up front and listed in the result.
func (p *PeerBeam) SendFiles(files []File) (*BatchResult, error) {
	return p.engine.SendFiles(files)
}

// Cancel cooperatively stops the outgoing batch, if one is running.
func (p *PeerBeam) Cancel() {
	p.engine.Cancel()
}

// Disconnect ends the session and notifies the peer.
func (p *PeerBeam) Disconnect() {
	p.manager.Disconnect()
}

// Info returns a snapshot of the connection state.
func (p *PeerBeam) Info() ConnectionInfo {
	return p.manager.Info()
}

// IncomingProgress returns the live incoming batch aggregate, if any.
func (p *PeerBeam) IncomingProgress() (BatchProgress, bool) {
	return p.engine.IncomingProgress()
}

// OutgoingProgress returns the live outgoing batch aggregate, if any.
func (p *PeerBeam) OutgoingProgress() (BatchProgress, bool) {
	return p.engine.OutgoingProgress()
}

// OnApproval registers the host-side decision callback for incoming
// connection requests. Without one, every request is denied.
func (p *PeerBeam) OnApproval(provider ApprovalProvider) {
	p.manager.OnApproval(provider)
}

// OnPinRequest registers the client-side PIN entry callback. Returning an
// empty PIN cancels the connection attempt.
func (p *PeerBeam) OnPinRequest(provider PinProvider) {
	p.manager.OnPinRequest(provider)
}

// OnStateChange registers the connection state observer.
func (p *PeerBeam) OnStateChange(cb func(ConnectionInfo)) {
	p.manager.OnStateChange(cb)
}

// OnDelivery registers the sink invoked with each verified received file.
func (p *PeerBeam) OnDelivery(sink func(data []byte, meta file.FileMetadata)) {
	p.engine.OnDelivery(sink)
}

// OnFileProgress registers the per-file progress observer.
func (p *PeerBeam) OnFileProgress(cb func(TransferProgress)) {
	p.engine.OnFileProgress(cb)
}

// OnBatchProgress registers the batch progress observer.
func (p *PeerBeam) OnBatchProgress(cb func(BatchProgress)) {
	p.engine.OnBatchProgress(cb)
}

// OnTransferError registers the observer for per-file transfer failures.
func (p *PeerBeam) OnTransferError(cb func(fileID, reason string)) {
	p.engine.OnTransferError(cb)
}

// OnAudit registers one sink for security-relevant events from both the
// connection layer and the transfer engine.
func (p *PeerBeam) OnAudit(sink func(event string, details map[string]any)) {
	p.manager.OnAudit(sink)
	p.engine.OnAudit(sink)
}

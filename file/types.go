package file

import (
	"time"

	"github.com/peerbeam/peerbeam/protocol"
)

// TransferStatus is the lifecycle state of one file within a batch.
// A file only moves forward: pending to transferring, then exactly one of
// completed, failed or cancelled.
type TransferStatus string

const (
	// StatusPending means the file is queued and untouched.
	StatusPending TransferStatus = "pending"
	// StatusTransferring means chunks are flowing for this file.
	StatusTransferring TransferStatus = "transferring"
	// StatusCompleted means every chunk arrived and verified.
	StatusCompleted TransferStatus = "completed"
	// StatusFailed means the file was abandoned due to an error.
	StatusFailed TransferStatus = "failed"
	// StatusCancelled means the transfer was cancelled before completion.
	StatusCancelled TransferStatus = "cancelled"
)

// File is one input file for an outgoing batch. Content is held in memory;
// delivery of received files back to disk is the caller's concern.
type File struct {
	Name         string
	MimeType     string
	LastModified int64
	Data         []byte
}

// FileMetadata describes one file of a batch. Immutable once exchanged.
type FileMetadata struct {
	ID            string
	Name          string
	SanitizedName string
	Size          int64
	MimeType      string
	LastModified  int64
	TotalChunks   uint32
	Hash          string
}

// TransferProgress is the per-file progress view.
type TransferProgress struct {
	FileID           string
	BytesTransferred int64
	Percentage       float64
	// Speed is bytes per second over the sliding sample window.
	Speed float64
	// EstimatedTimeRemaining is zero while the speed is unknown.
	EstimatedTimeRemaining time.Duration
	Status                 TransferStatus
	Error                  string
}

// BatchProgress aggregates every file of a session transfer.
type BatchProgress struct {
	BatchID           string
	TotalFiles        int
	CompletedFiles    int
	TotalBytes        int64
	BytesTransferred  int64
	OverallPercentage float64
	AverageSpeed      float64
	CurrentFileID     string
	Status            TransferStatus
}

// ExcludedFile records a file rejected by pre-flight validation, with the
// user-facing reason. Excluded files are reported, never transmitted.
type ExcludedFile struct {
	Name   string
	Reason string
}

// BatchResult summarizes a completed (or aborted) outgoing batch.
type BatchResult struct {
	BatchID  string
	Files    []TransferProgress
	Excluded []ExcludedFile
}

// DeliverySink receives each fully reassembled file. It is handed the raw
// content and the (sanitized) metadata; persistence is outside the engine.
type DeliverySink func(data []byte, meta FileMetadata)

// AuditSink receives transfer audit events. Invoked asynchronously, never
// blocked on.
type AuditSink func(event string, details map[string]any)

// Link is the slice of the connection state machine the engine depends on:
// a verified send, message dispatch, transfer-state gating, and loss
// notification. *connection.Manager implements it.
type Link interface {
	Send(msg *protocol.PeerMessage) error
	RegisterHandler(msgType protocol.MessageType, h func(msg *protocol.PeerMessage))
	BeginTransfer() error
	EndTransfer(completed bool)
	OnConnectionLost(cb func(error))
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

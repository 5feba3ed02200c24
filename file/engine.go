package file

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peerbeam/peerbeam/crypto"
	"github.com/peerbeam/peerbeam/limits"
	"github.com/peerbeam/peerbeam/protocol"
)

// EngineConfig carries the transfer engine's tunable constants.
type EngineConfig struct {
	// ChunkSize is the fixed chunk size on the wire.
	ChunkSize int
	// ChunkYield is the voluntary pause between chunks. Zero means only a
	// scheduler yield; the pause is advisory backpressure, not a guarantee.
	ChunkYield time.Duration
	// MaxFileSize caps a single file.
	MaxFileSize int64
	// MaxSessionSize caps the combined batch size.
	MaxSessionSize int64
}

// DefaultEngineConfig returns the standard configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ChunkSize:      limits.ChunkSize,
		ChunkYield:     0,
		MaxFileSize:    limits.MaxFileSize,
		MaxSessionSize: limits.MaxSessionSize,
	}
}

// fileState tracks one file in an active batch.
type fileState struct {
	meta    FileMetadata
	bytes   int64
	status  TransferStatus
	errMsg  string
	tracker *speedTracker
	// chunks buffers received content keyed by chunk index, so reassembly
	// is correct even if ordering were ever violated underneath.
	chunks map[uint32][]byte
}

// batchState aggregates one direction's active batch.
type batchState struct {
	id            string
	totalFiles    int
	completed     int
	totalBytes    int64
	bytes         int64
	currentFileID string
	status        TransferStatus
	tracker       *speedTracker
	files         map[string]*fileState
	order         []string
}

// Engine is the chunked transfer engine. One engine serves both directions
// of a session: SendFiles drives outgoing batches, while registered message
// handlers reassemble incoming ones. It runs strictly on top of an
// authenticated connection and never touches the channel directly.
type Engine struct {
	link   Link
	config EngineConfig

	mu           sync.Mutex
	timeProvider TimeProvider

	// Outgoing side.
	sending      bool
	cancelled    bool
	remoteFailed map[string]string
	outBatch     *batchState

	// Incoming side.
	inBatch  *batchState
	delivery DeliverySink

	audit           AuditSink
	fileProgressCb  func(TransferProgress)
	batchProgressCb func(BatchProgress)
	errorCb         func(fileID, reason string)
}

// NewEngine creates a transfer engine bound to the given connection link and
// registers its message handlers.
func NewEngine(link Link, config EngineConfig) *Engine {
	if config.ChunkSize <= 0 {
		config.ChunkSize = limits.ChunkSize
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = limits.MaxFileSize
	}
	if config.MaxSessionSize <= 0 {
		config.MaxSessionSize = limits.MaxSessionSize
	}

	e := &Engine{
		link:         link,
		config:       config,
		timeProvider: DefaultTimeProvider{},
		remoteFailed: make(map[string]string),
	}

	link.RegisterHandler(protocol.MessageBatchStart, e.handleBatchStart)
	link.RegisterHandler(protocol.MessageFileMetadata, e.handleFileMetadata)
	link.RegisterHandler(protocol.MessageFileChunk, e.handleFileChunk)
	link.RegisterHandler(protocol.MessageFileComplete, e.handleFileComplete)
	link.RegisterHandler(protocol.MessageBatchComplete, e.handleBatchComplete)
	link.RegisterHandler(protocol.MessageFileError, e.handleFileError)
	link.OnConnectionLost(e.handleConnectionLost)

	logrus.WithFields(logrus.Fields{
		"function":   "NewEngine",
		"chunk_size": config.ChunkSize,
	}).Info("Transfer engine created")

	return e
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (e *Engine) SetTimeProvider(tp TimeProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeProvider = tp
}

// OnDelivery registers the sink that receives completed files.
func (e *Engine) OnDelivery(sink DeliverySink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delivery = sink
}

// OnAudit registers the audit sink.
func (e *Engine) OnAudit(sink AuditSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audit = sink
}

// OnFileProgress registers the per-file progress observer.
func (e *Engine) OnFileProgress(cb func(TransferProgress)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fileProgressCb = cb
}

// OnBatchProgress registers the batch progress observer.
func (e *Engine) OnBatchProgress(cb func(BatchProgress)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batchProgressCb = cb
}

// OnTransferError registers the observer for per-file failures, local or
// peer-reported.
func (e *Engine) OnTransferError(cb func(fileID, reason string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorCb = cb
}

// IncomingProgress returns the current incoming batch aggregate, if any.
func (e *Engine) IncomingProgress() (BatchProgress, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inBatch == nil {
		return BatchProgress{}, false
	}
	return e.batchProgressLocked(e.inBatch), true
}

// OutgoingProgress returns the current outgoing batch aggregate, if any.
func (e *Engine) OutgoingProgress() (BatchProgress, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outBatch == nil {
		return BatchProgress{}, false
	}
	return e.batchProgressLocked(e.outBatch), true
}

// handleBatchStart initializes a fresh incoming batch: new chunk buffers,
// reset aggregates.
func (e *Engine) handleBatchStart(msg *protocol.PeerMessage) {
	payload, err := msg.DecodePayload()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleBatchStart",
			"error":    err.Error(),
		}).Warn("Malformed batch_start")
		return
	}
	start := payload.(*protocol.BatchStart)

	e.mu.Lock()
	e.inBatch = &batchState{
		id:         start.BatchID,
		totalFiles: start.TotalFiles,
		totalBytes: start.TotalSize,
		status:     StatusTransferring,
		tracker:    newSpeedTracker(e.timeProvider),
		files:      make(map[string]*fileState),
	}
	e.mu.Unlock()

	if err := e.link.BeginTransfer(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleBatchStart",
			"batch_id": start.BatchID,
			"error":    err.Error(),
		}).Warn("Batch started outside connected state")
	}

	e.auditEvent("batch_receiving", map[string]any{
		"batch_id":    start.BatchID,
		"total_files": start.TotalFiles,
		"total_size":  start.TotalSize,
	})

	logrus.WithFields(logrus.Fields{
		"function":    "handleBatchStart",
		"batch_id":    start.BatchID,
		"total_files": start.TotalFiles,
	}).Info("Incoming batch started")
}

// handleFileMetadata registers the next expected file, sanitizing the
// declared name before it is ever surfaced.
func (e *Engine) handleFileMetadata(msg *protocol.PeerMessage) {
	payload, err := msg.DecodePayload()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFileMetadata",
			"error":    err.Error(),
		}).Warn("Malformed file_metadata")
		return
	}
	meta := payload.(*protocol.FileMetadata)

	e.mu.Lock()
	batch := e.inBatch
	if batch == nil || batch.id != meta.BatchID {
		e.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleFileMetadata",
			"file_id":  meta.ID,
			"batch_id": meta.BatchID,
		}).Warn("Metadata for unknown batch")
		return
	}

	fs := &fileState{
		meta: FileMetadata{
			ID:            meta.ID,
			Name:          meta.Name,
			SanitizedName: SanitizeFileName(meta.Name),
			Size:          meta.Size,
			MimeType:      meta.MimeType,
			LastModified:  meta.LastModified,
			TotalChunks:   meta.TotalChunks,
			Hash:          meta.Hash,
		},
		status:  StatusTransferring,
		tracker: newSpeedTracker(e.timeProvider),
		chunks:  make(map[uint32][]byte),
	}
	batch.files[meta.ID] = fs
	batch.order = append(batch.order, meta.ID)
	batch.currentFileID = meta.ID
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "handleFileMetadata",
		"file_id":      meta.ID,
		"file_name":    fs.meta.SanitizedName,
		"file_size":    meta.Size,
		"total_chunks": meta.TotalChunks,
	}).Info("Receiving file")
}

// handleFileChunk verifies and buffers one chunk. A checksum mismatch fails
// the whole file rather than silently dropping the chunk: partial or garbled
// output is worse than a visible failure.
func (e *Engine) handleFileChunk(msg *protocol.PeerMessage) {
	payload, err := msg.DecodePayload()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFileChunk",
			"error":    err.Error(),
		}).Warn("Malformed file_chunk")
		return
	}
	chunk := payload.(*protocol.FileChunk)

	e.mu.Lock()
	batch := e.inBatch
	if batch == nil {
		e.mu.Unlock()
		return
	}
	fs := batch.files[chunk.FileID]
	if fs == nil || fs.status != StatusTransferring {
		e.mu.Unlock()
		return
	}

	if !crypto.VerifyChecksum(chunk.Data, chunk.Checksum) {
		reason := fmt.Sprintf("chunk %d checksum mismatch", chunk.ChunkIndex)
		e.failIncomingFileLocked(batch, fs, reason)
		e.mu.Unlock()

		e.reportFileError(chunk.FileID, reason)
		return
	}

	if _, dup := fs.chunks[chunk.ChunkIndex]; dup {
		// Counted once; a replayed chunk adds no progress.
		e.mu.Unlock()
		return
	}

	fs.chunks[chunk.ChunkIndex] = chunk.Data
	fs.bytes += int64(len(chunk.Data))
	batch.bytes += int64(len(chunk.Data))
	fs.tracker.observe(fs.bytes)
	batch.tracker.observe(batch.bytes)

	fileSnap := e.fileProgressLocked(fs)
	batchSnap := e.batchProgressLocked(batch)
	fileCb := e.fileProgressCb
	batchCb := e.batchProgressCb
	e.mu.Unlock()

	if fileCb != nil {
		fileCb(fileSnap)
	}
	if batchCb != nil {
		batchCb(batchSnap)
	}
}

// handleFileComplete reassembles the buffered chunks in index order,
// verifies the final digest, and hands the content to the delivery sink.
func (e *Engine) handleFileComplete(msg *protocol.PeerMessage) {
	payload, err := msg.DecodePayload()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFileComplete",
			"error":    err.Error(),
		}).Warn("Malformed file_complete")
		return
	}
	complete := payload.(*protocol.FileComplete)

	e.mu.Lock()
	batch := e.inBatch
	if batch == nil {
		e.mu.Unlock()
		return
	}
	fs := batch.files[complete.FileID]
	if fs == nil || fs.status != StatusTransferring {
		e.mu.Unlock()
		return
	}

	content, assembleErr := assembleChunks(fs)
	if assembleErr != nil {
		reason := assembleErr.Error()
		e.failIncomingFileLocked(batch, fs, reason)
		e.mu.Unlock()
		e.reportFileError(complete.FileID, reason)
		return
	}

	if complete.FinalHash != "" && crypto.FileHash(content) != complete.FinalHash {
		reason := "file hash mismatch"
		e.failIncomingFileLocked(batch, fs, reason)
		e.mu.Unlock()
		e.reportFileError(complete.FileID, reason)
		return
	}

	fs.status = StatusCompleted
	fs.chunks = nil // buffer released once content exists
	batch.completed++

	meta := fs.meta
	fileSnap := e.fileProgressLocked(fs)
	batchSnap := e.batchProgressLocked(batch)
	fileCb := e.fileProgressCb
	batchCb := e.batchProgressCb
	sink := e.delivery
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "handleFileComplete",
		"file_id":   meta.ID,
		"file_name": meta.SanitizedName,
		"size":      len(content),
	}).Info("File received and verified")

	e.auditEvent("file_received", map[string]any{
		"file_id":   meta.ID,
		"file_name": meta.SanitizedName,
		"size":      len(content),
	})

	if sink != nil {
		sink(content, meta)
	}
	if fileCb != nil {
		fileCb(fileSnap)
	}
	if batchCb != nil {
		batchCb(batchSnap)
	}
}

// handleBatchComplete finishes the incoming batch and releases the session
// back to the state machine.
func (e *Engine) handleBatchComplete(msg *protocol.PeerMessage) {
	payload, err := msg.DecodePayload()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleBatchComplete",
			"error":    err.Error(),
		}).Warn("Malformed batch_complete")
		return
	}
	done := payload.(*protocol.BatchComplete)

	e.mu.Lock()
	batch := e.inBatch
	if batch == nil || batch.id != done.BatchID {
		e.mu.Unlock()
		return
	}

	allCompleted := batch.completed == batch.totalFiles
	batch.status = StatusCompleted
	batch.currentFileID = ""
	batchSnap := e.batchProgressLocked(batch)
	batchCb := e.batchProgressCb
	e.mu.Unlock()

	e.link.EndTransfer(allCompleted)

	e.auditEvent("batch_received", map[string]any{
		"batch_id":        done.BatchID,
		"completed_files": batchSnap.CompletedFiles,
		"total_files":     batchSnap.TotalFiles,
	})

	logrus.WithFields(logrus.Fields{
		"function":        "handleBatchComplete",
		"batch_id":        done.BatchID,
		"completed_files": batchSnap.CompletedFiles,
	}).Info("Incoming batch complete")

	if batchCb != nil {
		batchCb(batchSnap)
	}
}

// handleFileError surfaces a peer-reported failure: the sender skips the
// file's remaining chunks, the receiver abandons its buffer.
func (e *Engine) handleFileError(msg *protocol.PeerMessage) {
	payload, err := msg.DecodePayload()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFileError",
			"error":    err.Error(),
		}).Warn("Malformed file_error")
		return
	}
	ferr := payload.(*protocol.FileError)

	logrus.WithFields(logrus.Fields{
		"function": "handleFileError",
		"file_id":  ferr.FileID,
		"reason":   ferr.Error,
	}).Warn("Peer reported file failure")

	e.mu.Lock()
	e.remoteFailed[ferr.FileID] = ferr.Error

	if e.outBatch != nil {
		if fs := e.outBatch.files[ferr.FileID]; fs != nil && fs.status == StatusTransferring {
			fs.status = StatusFailed
			fs.errMsg = ferr.Error
		}
	}
	if e.inBatch != nil {
		if fs := e.inBatch.files[ferr.FileID]; fs != nil && fs.status == StatusTransferring {
			e.failIncomingFileLocked(e.inBatch, fs, ferr.Error)
		}
	}
	cb := e.errorCb
	e.mu.Unlock()

	if cb != nil {
		cb(ferr.FileID, ferr.Error)
	}
}

// handleConnectionLost aborts everything in flight; transfers do not resume
// across a channel loss.
func (e *Engine) handleConnectionLost(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "handleConnectionLost",
		"error":    err.Error(),
	}).Error("Connection lost, aborting transfers")

	e.mu.Lock()
	e.cancelled = true
	for _, batch := range []*batchState{e.outBatch, e.inBatch} {
		if batch == nil || batch.status != StatusTransferring {
			continue
		}
		batch.status = StatusFailed
		for _, fs := range batch.files {
			if fs.status == StatusTransferring || fs.status == StatusPending {
				fs.status = StatusFailed
				fs.errMsg = "connection lost"
			}
		}
	}
	e.mu.Unlock()

	e.auditEvent("transfer_aborted", map[string]any{"reason": err.Error()})
}

// failIncomingFileLocked marks a receiving file failed and frees its buffer.
// Caller must hold e.mu.
func (e *Engine) failIncomingFileLocked(batch *batchState, fs *fileState, reason string) {
	fs.status = StatusFailed
	fs.errMsg = reason
	fs.chunks = nil

	logrus.WithFields(logrus.Fields{
		"function":  "failIncomingFileLocked",
		"file_id":   fs.meta.ID,
		"file_name": fs.meta.SanitizedName,
		"reason":    reason,
	}).Error("Incoming file failed")
}

// reportFileError tells the peer (and local observers) that a file failed on
// this side.
func (e *Engine) reportFileError(fileID, reason string) {
	msg, err := protocol.NewMessage(protocol.MessageFileError, &protocol.FileError{
		FileID: fileID,
		Error:  reason,
	})
	if err == nil {
		if sendErr := e.link.Send(msg); sendErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "reportFileError",
				"file_id":  fileID,
				"error":    sendErr.Error(),
			}).Warn("Could not report file error to peer")
		}
	}

	e.auditEvent("file_failed", map[string]any{"file_id": fileID, "reason": reason})

	e.mu.Lock()
	cb := e.errorCb
	e.mu.Unlock()
	if cb != nil {
		cb(fileID, reason)
	}
}

// assembleChunks concatenates buffered chunks in strict index order.
func assembleChunks(fs *fileState) ([]byte, error) {
	content := make([]byte, 0, fs.meta.Size)
	for i := uint32(0); i < fs.meta.TotalChunks; i++ {
		chunk, ok := fs.chunks[i]
		if !ok {
			return nil, fmt.Errorf("missing chunk %d of %d", i, fs.meta.TotalChunks)
		}
		content = append(content, chunk...)
	}
	if int64(len(content)) != fs.meta.Size {
		return nil, fmt.Errorf("assembled size %d does not match declared size %d", len(content), fs.meta.Size)
	}
	return content, nil
}

// fileProgressLocked snapshots one file's progress. Caller must hold e.mu.
func (e *Engine) fileProgressLocked(fs *fileState) TransferProgress {
	p := TransferProgress{
		FileID:           fs.meta.ID,
		BytesTransferred: fs.bytes,
		Speed:            fs.tracker.speed(),
		Status:           fs.status,
		Error:            fs.errMsg,
	}
	if fs.meta.Size > 0 {
		p.Percentage = float64(fs.bytes) / float64(fs.meta.Size) * 100.0
	}
	p.EstimatedTimeRemaining = fs.tracker.eta(fs.meta.Size, fs.bytes)
	return p
}

// batchProgressLocked snapshots a batch aggregate. Caller must hold e.mu.
func (e *Engine) batchProgressLocked(bs *batchState) BatchProgress {
	p := BatchProgress{
		BatchID:          bs.id,
		TotalFiles:       bs.totalFiles,
		CompletedFiles:   bs.completed,
		TotalBytes:       bs.totalBytes,
		BytesTransferred: bs.bytes,
		AverageSpeed:     bs.tracker.speed(),
		CurrentFileID:    bs.currentFileID,
		Status:           bs.status,
	}
	if bs.totalBytes > 0 {
		p.OverallPercentage = float64(bs.bytes) / float64(bs.totalBytes) * 100.0
		if bs.completed < bs.totalFiles && p.OverallPercentage > 99.9 {
			// The final sliver is acknowledged by file_complete, not by raw
			// byte counts.
			p.OverallPercentage = 99.9
		}
	}
	return p
}

// auditEvent forwards to the audit sink without blocking the caller.
func (e *Engine) auditEvent(event string, details map[string]any) {
	e.mu.Lock()
	sink := e.audit
	e.mu.Unlock()

	if sink != nil {
		go sink(event, details)
	}
}

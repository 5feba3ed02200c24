package file

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/peerbeam/peerbeam/crypto"
	"github.com/peerbeam/peerbeam/limits"
	"github.com/peerbeam/peerbeam/protocol"
)

var (
	// ErrNoValidFiles indicates every candidate file failed validation.
	ErrNoValidFiles = errors.New("no valid files to send")
	// ErrBatchInProgress indicates a second SendFiles before the first finished.
	ErrBatchInProgress = errors.New("a batch transfer is already in progress")
	// ErrBatchAborted indicates the batch stopped on a send failure.
	ErrBatchAborted = errors.New("batch aborted")
	// ErrBatchCancelled indicates the batch stopped on local cancellation.
	ErrBatchCancelled = errors.New("batch cancelled")
)

// SendFiles transmits the given files as one batch. It validates every
// candidate before any network activity, then streams file by file in input
// order: metadata, chunks in index order, completion. The call blocks until
// the batch ends one way or another; progress is observable through the
// registered callbacks.
//
// A send failure aborts the whole batch immediately with ErrBatchAborted;
// there is no automatic retry. Cancellation via Cancel is honored between
// chunks and between files.
func (e *Engine) SendFiles(files []File) (*BatchResult, error) {
	valid, excluded := e.validateFiles(files)
	if len(valid) == 0 {
		return &BatchResult{Excluded: excluded}, ErrNoValidFiles
	}

	e.mu.Lock()
	if e.sending {
		e.mu.Unlock()
		return nil, ErrBatchInProgress
	}
	e.sending = true
	e.cancelled = false
	e.remoteFailed = make(map[string]string)

	var totalBytes int64
	for _, f := range valid {
		totalBytes += int64(len(f.Data))
	}

	batch := &batchState{
		id:         uuid.NewString(),
		totalFiles: len(valid),
		totalBytes: totalBytes,
		status:     StatusTransferring,
		tracker:    newSpeedTracker(e.timeProvider),
		files:      make(map[string]*fileState),
	}
	e.outBatch = batch
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.sending = false
		e.mu.Unlock()
	}()

	if err := e.link.BeginTransfer(); err != nil {
		e.mu.Lock()
		batch.status = StatusFailed
		e.mu.Unlock()
		return nil, err
	}

	result, err := e.runBatch(batch, valid)
	result.Excluded = excluded
	return result, err
}

// Cancel requests cooperative cancellation of the outgoing batch. The flag
// is checked between chunks and between files; messages already in flight
// are not recalled.
func (e *Engine) Cancel() {
	e.mu.Lock()
	wasSending := e.sending
	e.cancelled = true
	e.mu.Unlock()

	if wasSending {
		logrus.WithFields(logrus.Fields{
			"function": "Cancel",
		}).Info("Batch cancellation requested")
	}
}

// validateFiles filters the candidates against the size and type policy.
// Invalid files are excluded and reported, never transmitted.
func (e *Engine) validateFiles(files []File) ([]File, []ExcludedFile) {
	var valid []File
	var excluded []ExcludedFile
	var total int64

	for _, f := range files {
		size := int64(len(f.Data))
		if err := limits.ValidateFileSize(size); err != nil {
			excluded = append(excluded, ExcludedFile{Name: f.Name, Reason: err.Error()})
			continue
		}
		if size > e.config.MaxFileSize {
			excluded = append(excluded, ExcludedFile{
				Name:   f.Name,
				Reason: fmt.Sprintf("%v: size %d exceeds limit %d", limits.ErrFileTooLarge, size, e.config.MaxFileSize),
			})
			continue
		}
		if err := limits.ValidateFileType(f.Name); err != nil {
			excluded = append(excluded, ExcludedFile{Name: f.Name, Reason: err.Error()})
			continue
		}
		if err := limits.ValidateFileName(f.Name); err != nil {
			excluded = append(excluded, ExcludedFile{Name: f.Name, Reason: err.Error()})
			continue
		}
		if total+size > e.config.MaxSessionSize {
			excluded = append(excluded, ExcludedFile{
				Name:   f.Name,
				Reason: limits.ErrSessionTooLarge.Error(),
			})
			continue
		}
		total += size
		valid = append(valid, f)
	}

	for _, ex := range excluded {
		logrus.WithFields(logrus.Fields{
			"function":  "validateFiles",
			"file_name": ex.Name,
			"reason":    ex.Reason,
		}).Warn("File excluded from batch")
	}

	return valid, excluded
}

// runBatch drives the wire protocol for one validated batch.
func (e *Engine) runBatch(batch *batchState, files []File) (*BatchResult, error) {
	if err := e.sendPayload(protocol.MessageBatchStart, &protocol.BatchStart{
		BatchID:    batch.id,
		TotalFiles: batch.totalFiles,
		TotalSize:  batch.totalBytes,
	}); err != nil {
		return e.abortBatch(batch, "", err)
	}

	e.auditEvent("batch_sending", map[string]any{
		"batch_id":    batch.id,
		"total_files": batch.totalFiles,
		"total_size":  batch.totalBytes,
	})

	for index, f := range files {
		if e.isCancelled() {
			return e.cancelBatch(batch)
		}

		fileID := uuid.NewString()
		fs := e.registerOutgoingFile(batch, fileID, f)

		if err := e.sendFile(batch, fs, f, index); err != nil {
			if errors.Is(err, ErrBatchCancelled) {
				return e.cancelBatch(batch)
			}
			return e.abortBatch(batch, fileID, err)
		}
	}

	if err := e.sendPayload(protocol.MessageBatchComplete, &protocol.BatchComplete{
		BatchID: batch.id,
	}); err != nil {
		return e.abortBatch(batch, "", err)
	}

	e.mu.Lock()
	batch.status = StatusCompleted
	batch.currentFileID = ""
	result := e.batchResultLocked(batch)
	batchSnap := e.batchProgressLocked(batch)
	batchCb := e.batchProgressCb
	e.mu.Unlock()

	e.link.EndTransfer(true)

	e.auditEvent("batch_sent", map[string]any{
		"batch_id":        batch.id,
		"completed_files": batchSnap.CompletedFiles,
	})

	logrus.WithFields(logrus.Fields{
		"function":        "runBatch",
		"batch_id":        batch.id,
		"completed_files": batchSnap.CompletedFiles,
		"total_files":     batchSnap.TotalFiles,
	}).Info("Batch sent")

	if batchCb != nil {
		batchCb(batchSnap)
	}

	return result, nil
}

// registerOutgoingFile creates the progress record for the next file.
func (e *Engine) registerOutgoingFile(batch *batchState, fileID string, f File) *fileState {
	totalChunks := uint32((int64(len(f.Data)) + int64(e.config.ChunkSize) - 1) / int64(e.config.ChunkSize))

	e.mu.Lock()
	defer e.mu.Unlock()

	fs := &fileState{
		meta: FileMetadata{
			ID:            fileID,
			Name:          f.Name,
			SanitizedName: SanitizeFileName(f.Name),
			Size:          int64(len(f.Data)),
			MimeType:      f.MimeType,
			LastModified:  f.LastModified,
			TotalChunks:   totalChunks,
		},
		status:  StatusPending,
		tracker: newSpeedTracker(e.timeProvider),
	}
	batch.files[fileID] = fs
	batch.order = append(batch.order, fileID)
	batch.currentFileID = fileID
	return fs
}

// sendFile streams one file: metadata, every chunk in increasing index
// order, then completion. The file's chunks are skipped (not the batch) if
// the receiver reports it failed mid-stream.
func (e *Engine) sendFile(batch *batchState, fs *fileState, f File, index int) error {
	chunkSize := e.config.ChunkSize
	firstChunkEnd := len(f.Data)
	if firstChunkEnd > chunkSize {
		firstChunkEnd = chunkSize
	}

	if err := e.sendPayload(protocol.MessageFileMetadata, &protocol.FileMetadata{
		ID:                fs.meta.ID,
		Name:              fs.meta.SanitizedName,
		Size:              fs.meta.Size,
		MimeType:          fs.meta.MimeType,
		LastModified:      fs.meta.LastModified,
		TotalChunks:       fs.meta.TotalChunks,
		BatchID:           batch.id,
		FileIndex:         index,
		TotalFilesInBatch: batch.totalFiles,
		Hash:              crypto.ChunkChecksum(f.Data[:firstChunkEnd]),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	fs.status = StatusTransferring
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "sendFile",
		"file_id":      fs.meta.ID,
		"file_name":    fs.meta.SanitizedName,
		"file_size":    fs.meta.Size,
		"total_chunks": fs.meta.TotalChunks,
	}).Info("Sending file")

	for i := uint32(0); i < fs.meta.TotalChunks; i++ {
		if e.isCancelled() {
			return ErrBatchCancelled
		}
		if reason, failed := e.remoteFailure(fs.meta.ID); failed {
			// The receiver already gave up on this file; its remaining
			// chunks would be wasted wire time. The batch moves on.
			e.mu.Lock()
			if fs.status == StatusTransferring {
				fs.status = StatusFailed
				fs.errMsg = reason
			}
			e.mu.Unlock()

			logrus.WithFields(logrus.Fields{
				"function": "sendFile",
				"file_id":  fs.meta.ID,
				"reason":   reason,
			}).Warn("Skipping remaining chunks of failed file")
			return nil
		}

		start := int(i) * chunkSize
		end := start + chunkSize
		if end > len(f.Data) {
			end = len(f.Data)
		}
		chunk := f.Data[start:end]

		if err := e.sendPayload(protocol.MessageFileChunk, &protocol.FileChunk{
			FileID:      fs.meta.ID,
			ChunkIndex:  i,
			TotalChunks: fs.meta.TotalChunks,
			Data:        chunk,
			Checksum:    crypto.ChunkChecksum(chunk),
		}); err != nil {
			return err
		}

		e.recordOutgoingChunk(batch, fs, len(chunk))
		e.yield()
	}

	if err := e.sendPayload(protocol.MessageFileComplete, &protocol.FileComplete{
		FileID:    fs.meta.ID,
		FinalHash: crypto.FileHash(f.Data),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	if fs.status == StatusTransferring {
		fs.status = StatusCompleted
		batch.completed++
	}
	fileSnap := e.fileProgressLocked(fs)
	fileCb := e.fileProgressCb
	e.mu.Unlock()

	if fileCb != nil {
		fileCb(fileSnap)
	}
	return nil
}

// recordOutgoingChunk updates both progress levels after a confirmed send.
func (e *Engine) recordOutgoingChunk(batch *batchState, fs *fileState, n int) {
	e.mu.Lock()
	fs.bytes += int64(n)
	batch.bytes += int64(n)
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

// sendPayload builds and transmits one protocol message.
func (e *Engine) sendPayload(msgType protocol.MessageType, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return e.link.Send(msg)
}

// abortBatch stops everything after a transport failure: the in-flight file
// is failed, pending files stay untouched, and the error surfaces upward.
func (e *Engine) abortBatch(batch *batchState, fileID string, cause error) (*BatchResult, error) {
	e.mu.Lock()
	batch.status = StatusFailed
	if fileID != "" {
		if fs := batch.files[fileID]; fs != nil && fs.status == StatusTransferring {
			fs.status = StatusFailed
			fs.errMsg = cause.Error()
		}
	}
	result := e.batchResultLocked(batch)
	e.mu.Unlock()

	e.link.EndTransfer(false)

	logrus.WithFields(logrus.Fields{
		"function": "abortBatch",
		"batch_id": batch.id,
		"error":    cause.Error(),
	}).Error("Batch aborted")

	e.auditEvent("batch_aborted", map[string]any{
		"batch_id": batch.id,
		"reason":   cause.Error(),
	})

	return result, fmt.Errorf("%w: %v", ErrBatchAborted, cause)
}

// cancelBatch marks every unfinished file cancelled and stops sending.
func (e *Engine) cancelBatch(batch *batchState) (*BatchResult, error) {
	e.mu.Lock()
	batch.status = StatusCancelled
	for _, fs := range batch.files {
		if fs.status == StatusPending || fs.status == StatusTransferring {
			fs.status = StatusCancelled
		}
	}
	result := e.batchResultLocked(batch)
	e.mu.Unlock()

	e.link.EndTransfer(false)

	e.auditEvent("batch_cancelled", map[string]any{"batch_id": batch.id})

	logrus.WithFields(logrus.Fields{
		"function": "cancelBatch",
		"batch_id": batch.id,
	}).Info("Batch cancelled")

	return result, ErrBatchCancelled
}

// batchResultLocked snapshots the outgoing batch as a result. Caller must
// hold e.mu.
func (e *Engine) batchResultLocked(batch *batchState) *BatchResult {
	result := &BatchResult{BatchID: batch.id}
	for _, id := range batch.order {
		result.Files = append(result.Files, e.fileProgressLocked(batch.files[id]))
	}
	return result
}

func (e *Engine) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

func (e *Engine) remoteFailure(fileID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reason, ok := e.remoteFailed[fileID]
	return reason, ok
}

// yield pauses between chunks so the channel's internal buffering is not
// saturated. With a zero configured pause it still hands the scheduler a
// chance to run other work.
func (e *Engine) yield() {
	if e.config.ChunkYield > 0 {
		time.Sleep(e.config.ChunkYield)
		return
	}
	runtime.Gosched()
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies a message on the wire.
type MessageType string

const (
	// MessageConnectionRequest is sent by a client to request a connection.
	MessageConnectionRequest MessageType = "connection_request"
	// MessageConnectionApproved signals the host accepted the connection.
	MessageConnectionApproved MessageType = "connection_approved"
	// MessageConnectionDenied signals the host rejected the connection.
	MessageConnectionDenied MessageType = "connection_denied"
	// MessagePinRequired asks the client for the session PIN.
	MessagePinRequired MessageType = "pin_required"
	// MessagePinAttempt carries a hashed PIN guess from the client.
	MessagePinAttempt MessageType = "pin_attempt"
	// MessagePinVerified confirms a correct PIN.
	MessagePinVerified MessageType = "pin_verified"
	// MessagePinInvalid reports a wrong PIN and the remaining budget.
	MessagePinInvalid MessageType = "pin_invalid"
	// MessageBatchStart opens a file batch.
	MessageBatchStart MessageType = "batch_start"
	// MessageFileMetadata announces the next file in the batch.
	MessageFileMetadata MessageType = "file_metadata"
	// MessageFileChunk carries one chunk of file content.
	MessageFileChunk MessageType = "file_chunk"
	// MessageFileComplete closes a file after its last chunk.
	MessageFileComplete MessageType = "file_complete"
	// MessageBatchComplete closes the batch after its last file.
	MessageBatchComplete MessageType = "batch_complete"
	// MessageFileError reports a per-file failure to the other side.
	MessageFileError MessageType = "file_error"
	// MessageHeartbeat is a keepalive; it carries no payload and is not acknowledged.
	MessageHeartbeat MessageType = "heartbeat"
	// MessageDisconnect tears down the session.
	MessageDisconnect MessageType = "disconnect"
)

var (
	// ErrUnknownMessageType indicates a type tag outside the protocol's message set.
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrEmptyMessage indicates an empty wire frame.
	ErrEmptyMessage = errors.New("empty message")
)

// PeerMessage is the wire envelope for every exchange between two endpoints.
type PeerMessage struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ConnectionRequest is the payload of MessageConnectionRequest.
type ConnectionRequest struct {
	PeerID     string `json:"peerId"`
	DeviceInfo string `json:"deviceInfo"`
}

// ConnectionDenied is the payload of MessageConnectionDenied.
type ConnectionDenied struct {
	Reason string `json:"reason"`
}

// PinAttempt is the payload of MessagePinAttempt. HashedPin is a one-way
// digest of the entered PIN; the plaintext never crosses the wire.
type PinAttempt struct {
	HashedPin     string `json:"hashedPin"`
	AttemptNumber int    `json:"attemptNumber"`
}

// PinInvalid is the payload of MessagePinInvalid.
type PinInvalid struct {
	AttemptsRemaining int `json:"attemptsRemaining"`
}

// BatchStart is the payload of MessageBatchStart.
type BatchStart struct {
	BatchID    string `json:"batchId"`
	TotalFiles int    `json:"totalFiles"`
	TotalSize  int64  `json:"totalSize"`
}

// FileMetadata is the payload of MessageFileMetadata. Hash, when present, is
// a truncated digest of the file's first chunk for quick identity checking.
type FileMetadata struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Size              int64  `json:"size"`
	MimeType          string `json:"type"`
	LastModified      int64  `json:"lastModified,omitempty"`
	TotalChunks       uint32 `json:"totalChunks"`
	BatchID           string `json:"batchId"`
	FileIndex         int    `json:"fileIndex"`
	TotalFilesInBatch int    `json:"totalFilesInBatch"`
	Hash              string `json:"hash,omitempty"`
}

// FileChunk is the payload of MessageFileChunk. Data rides as base64 inside
// the JSON frame; Checksum is a truncated digest of the raw chunk bytes.
type FileChunk struct {
	FileID      string `json:"fileId"`
	ChunkIndex  uint32 `json:"chunkIndex"`
	TotalChunks uint32 `json:"totalChunks"`
	Data        []byte `json:"data"`
	Checksum    string `json:"checksum"`
}

// FileComplete is the payload of MessageFileComplete.
type FileComplete struct {
	FileID    string `json:"fileId"`
	FinalHash string `json:"finalHash"`
}

// BatchComplete is the payload of MessageBatchComplete.
type BatchComplete struct {
	BatchID string `json:"batchId"`
}

// FileError is the payload of MessageFileError.
type FileError struct {
	FileID string `json:"fileId"`
	Error  string `json:"error"`
}

// NewMessage builds an envelope around the given payload, stamping it with
// the current wall-clock time in milliseconds. A nil payload produces a
// message with no payload field (heartbeat, disconnect, pin_required...).
func NewMessage(msgType MessageType, payload any) (*PeerMessage, error) {
	msg := &PeerMessage{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Payload = raw
	}

	return msg, nil
}

// Encode serializes the envelope for the channel.
func (m *PeerMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses a wire frame into an envelope, rejecting empty frames and
// unrecognized type tags.
func Decode(data []byte) (*PeerMessage, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}

	var msg PeerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	if !msg.Type.known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
	}

	return &msg, nil
}

func (t MessageType) known() bool {
	switch t {
	case MessageConnectionRequest, MessageConnectionApproved, MessageConnectionDenied,
		MessagePinRequired, MessagePinAttempt, MessagePinVerified, MessagePinInvalid,
		MessageBatchStart, MessageFileMetadata, MessageFileChunk, MessageFileComplete,
		MessageBatchComplete, MessageFileError, MessageHeartbeat, MessageDisconnect:
		return true
	}
	return false
}

// DecodePayload unmarshals the payload into its concrete type. Messages that
// carry no payload (connection_approved, pin_required, pin_verified,
// heartbeat, disconnect) decode to nil. The switch is exhaustive over the
// message set.
func (m *PeerMessage) DecodePayload() (any, error) {
	switch m.Type {
	case MessageConnectionRequest:
		return decodeAs[ConnectionRequest](m)
	case MessageConnectionDenied:
		return decodeAs[ConnectionDenied](m)
	case MessagePinAttempt:
		return decodeAs[PinAttempt](m)
	case MessagePinInvalid:
		return decodeAs[PinInvalid](m)
	case MessageBatchStart:
		return decodeAs[BatchStart](m)
	case MessageFileMetadata:
		return decodeAs[FileMetadata](m)
	case MessageFileChunk:
		return decodeAs[FileChunk](m)
	case MessageFileComplete:
		return decodeAs[FileComplete](m)
	case MessageBatchComplete:
		return decodeAs[BatchComplete](m)
	case MessageFileError:
		return decodeAs[FileError](m)
	case MessageConnectionApproved, MessagePinRequired, MessagePinVerified,
		MessageHeartbeat, MessageDisconnect:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
}

func decodeAs[T any](m *PeerMessage) (*T, error) {
	var payload T
	if len(m.Payload) == 0 {
		return nil, fmt.Errorf("%s message missing payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return &payload, nil
}

package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

// HandshakeRole defines which side of the Noise handshake this endpoint plays.
type HandshakeRole uint8

const (
	// Initiator starts the handshake. The client side of a session.
	Initiator HandshakeRole = iota
	// Responder answers the handshake. The host side of a session.
	Responder
)

const (
	// HandshakeTimeout bounds how long Open waits for the peer's handshake
	// message before giving up.
	HandshakeTimeout = 30 * time.Second

	// Frame tags distinguish handshake traffic from encrypted data on the
	// underlying channel.
	frameHandshake byte = 0x01
	frameData      byte = 0x02
)

var (
	// ErrHandshakeNotComplete indicates data arrived or was sent before the
	// handshake finished.
	ErrHandshakeNotComplete = errors.New("noise handshake not complete")
	// ErrHandshakeTimeout indicates the peer never completed the handshake.
	ErrHandshakeTimeout = errors.New("noise handshake timed out")
	// ErrInvalidFrame indicates a frame without a recognized tag byte.
	ErrInvalidFrame = errors.New("invalid frame")
)

// NoiseChannel wraps an existing channel with Noise protocol encryption
// (NN pattern: ephemeral-only, no static keys). The handshake runs inside
// Open; afterwards every frame is encrypted with per-direction cipher
// states. Ordering of the underlying channel is required, since Noise
// nonces advance with each message.
type NoiseChannel struct {
	underlying Channel
	role       HandshakeRole

	mu         sync.Mutex
	handshake  *noise.HandshakeState
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	complete   bool

	messageHandler MessageHandler

	handshakeDone chan struct{}
}

// NewNoiseChannel wraps the underlying channel. The wrapped channel must not
// be opened by the caller; NoiseChannel owns its lifecycle.
func NewNoiseChannel(underlying Channel, role HandshakeRole) (*NoiseChannel, error) {
	suite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: suite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeNN,
		Initiator:   role == Initiator,
	})
	if err != nil {
		return nil, fmt.Errorf("create handshake state: %w", err)
	}

	c := &NoiseChannel{
		underlying:    underlying,
		role:          role,
		handshake:     hs,
		handshakeDone: make(chan struct{}),
	}
	underlying.SetMessageHandler(c.handleFrame)
	return c, nil
}

// SetMessageHandler registers the decrypted-frame handler.
func (c *NoiseChannel) SetMessageHandler(h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = h
}

// SetCloseHandler registers the close handler on the underlying channel.
func (c *NoiseChannel) SetCloseHandler(h CloseHandler) {
	c.underlying.SetCloseHandler(h)
}

// SetErrorHandler registers the error handler on the underlying channel.
func (c *NoiseChannel) SetErrorHandler(h ErrorHandler) {
	c.underlying.SetErrorHandler(h)
}

// Open opens the underlying channel, runs the NN handshake, and blocks until
// both cipher states are established or the context/timeout expires.
func (c *NoiseChannel) Open(ctx context.Context) error {
	if err := c.underlying.Open(ctx); err != nil {
		return err
	}

	if c.role == Initiator {
		c.mu.Lock()
		msg, _, _, err := c.handshake.WriteMessage(nil, nil)
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("write handshake message: %w", err)
		}
		if err := c.underlying.Send(tagged(frameHandshake, msg)); err != nil {
			return fmt.Errorf("send handshake message: %w", err)
		}
	}

	select {
	case <-c.handshakeDone:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(HandshakeTimeout):
		return ErrHandshakeTimeout
	}

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"role":     c.role,
	}).Info("Noise channel established")

	return nil
}

// Send encrypts and transmits one frame.
func (c *NoiseChannel) Send(data []byte) error {
	c.mu.Lock()
	if !c.complete {
		c.mu.Unlock()
		return ErrHandshakeNotComplete
	}
	ciphertext, err := c.sendCipher.Encrypt(nil, nil, data)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encrypt frame: %w", err)
	}

	return c.underlying.Send(tagged(frameData, ciphertext))
}

// Close closes the underlying channel.
func (c *NoiseChannel) Close() error {
	return c.underlying.Close()
}

// handleFrame routes inbound frames by tag: handshake frames advance the
// handshake, data frames are decrypted and handed to the message handler.
func (c *NoiseChannel) handleFrame(frame []byte) {
	if len(frame) < 1 {
		logrus.WithFields(logrus.Fields{
			"function": "handleFrame",
		}).Warn("Dropping empty frame")
		return
	}

	switch frame[0] {
	case frameHandshake:
		c.advanceHandshake(frame[1:])
	case frameData:
		c.handleData(frame[1:])
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleFrame",
			"tag":      frame[0],
		}).Warn("Dropping frame with unknown tag")
	}
}

func (c *NoiseChannel) advanceHandshake(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.complete {
		logrus.WithFields(logrus.Fields{
			"function": "advanceHandshake",
		}).Warn("Ignoring handshake frame after completion")
		return
	}

	if c.role == Responder {
		// Read the initiator's message, then answer with the final one.
		// Split returns the initiator-to-responder cipher first, so the
		// responder sends with the second state and receives with the first.
		if _, _, _, err := c.handshake.ReadMessage(nil, msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "advanceHandshake",
				"error":    err.Error(),
			}).Error("Failed to read initiator handshake message")
			return
		}

		response, recvCipher, sendCipher, err := c.handshake.WriteMessage(nil, nil)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "advanceHandshake",
				"error":    err.Error(),
			}).Error("Failed to write responder handshake message")
			return
		}

		if err := c.underlying.Send(tagged(frameHandshake, response)); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "advanceHandshake",
				"error":    err.Error(),
			}).Error("Failed to send responder handshake message")
			return
		}

		c.sendCipher = sendCipher
		c.recvCipher = recvCipher
		c.complete = true
		close(c.handshakeDone)
		return
	}

	// Initiator: read the responder's final message. The first cipher state
	// encrypts initiator-to-responder traffic.
	_, sendCipher, recvCipher, err := c.handshake.ReadMessage(nil, msg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "advanceHandshake",
			"error":    err.Error(),
		}).Error("Failed to read responder handshake message")
		return
	}

	c.recvCipher = recvCipher
	c.sendCipher = sendCipher
	c.complete = true
	close(c.handshakeDone)
}

func (c *NoiseChannel) handleData(ciphertext []byte) {
	c.mu.Lock()
	if !c.complete {
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleData",
		}).Warn("Dropping data frame before handshake completion")
		return
	}
	plaintext, err := c.recvCipher.Decrypt(nil, nil, ciphertext)
	handler := c.messageHandler
	c.mu.Unlock()

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleData",
			"error":    err.Error(),
		}).Error("Failed to decrypt frame")
		return
	}

	if handler != nil {
		handler(plaintext)
	}
}

func tagged(tag byte, payload []byte) []byte {
	frame := make([]byte, 1+len(payload))
	frame[0] = tag
	copy(frame[1:], payload)
	return frame
}

package connection

import (
	"context"
	"sync"

	"github.com/peerbeam/peerbeam/protocol"
	"github.com/peerbeam/peerbeam/transport"
)

// mockChannel is an in-process transport.Channel. Two channels wired
// together deliver each Send synchronously to the peer's message handler.
type mockChannel struct {
	mu             sync.Mutex
	open           bool
	openErr        error
	sendErr        error
	sent           [][]byte
	messageHandler transport.MessageHandler
	closeHandler   transport.CloseHandler
	errorHandler   transport.ErrorHandler
	peer           *mockChannel
}

func newMockChannel() *mockChannel {
	return &mockChannel{}
}

// wireChannels connects two channels back to back.
func wireChannels(a, b *mockChannel) {
	a.peer = b
	b.peer = a
}

func (c *mockChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return c.openErr
	}
	c.open = true
	return nil
}

func (c *mockChannel) Send(data []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, data)
	err := c.sendErr
	peer := c.peer
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if peer != nil {
		peer.inject(data)
	}
	return nil
}

// inject delivers a frame to this channel's message handler, as if it had
// arrived from the network.
func (c *mockChannel) inject(data []byte) {
	c.mu.Lock()
	handler := c.messageHandler
	c.mu.Unlock()
	if handler != nil {
		handler(data)
	}
}

// injectMessage builds and delivers one protocol message.
func (c *mockChannel) injectMessage(msgType protocol.MessageType, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.inject(data)
	return nil
}

// fireClose simulates the channel closing underneath the session.
func (c *mockChannel) fireClose() {
	c.mu.Lock()
	handler := c.closeHandler
	c.open = false
	c.mu.Unlock()
	if handler != nil {
		handler()
	}
}

func (c *mockChannel) SetMessageHandler(h transport.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = h
}

func (c *mockChannel) SetCloseHandler(h transport.CloseHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeHandler = h
}

func (c *mockChannel) SetErrorHandler(h transport.ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorHandler = h
}

func (c *mockChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

// sentOfType decodes the frames sent through this channel and returns those
// of the given type.
func (c *mockChannel) sentOfType(msgType protocol.MessageType) []*protocol.PeerMessage {
	c.mu.Lock()
	frames := append([][]byte(nil), c.sent...)
	c.mu.Unlock()

	var out []*protocol.PeerMessage
	for _, frame := range frames {
		msg, err := protocol.Decode(frame)
		if err != nil {
			continue
		}
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

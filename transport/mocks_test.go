package transport

import (
	"context"
	"sync"
)

// pipeChannel is an in-process Channel. Two pipes wired together deliver
// each Send synchronously to the peer's message handler.
type pipeChannel struct {
	mu             sync.Mutex
	sent           [][]byte
	messageHandler MessageHandler
	closeHandler   CloseHandler
	errorHandler   ErrorHandler
	peer           *pipeChannel

	// transform, when set, may alter a frame in flight. Returning nil drops
	// the frame.
	transform func(frame []byte) []byte
}

func newPipeChannel() *pipeChannel {
	return &pipeChannel{}
}

func wirePipes(a, b *pipeChannel) {
	a.peer = b
	b.peer = a
}

func (c *pipeChannel) Open(ctx context.Context) error {
	return nil
}

func (c *pipeChannel) Send(data []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, data)
	transform := c.transform
	peer := c.peer
	c.mu.Unlock()

	if transform != nil {
		data = transform(data)
		if data == nil {
			return nil
		}
	}
	if peer != nil {
		peer.receive(data)
	}
	return nil
}

func (c *pipeChannel) receive(data []byte) {
	c.mu.Lock()
	handler := c.messageHandler
	c.mu.Unlock()
	if handler != nil {
		handler(data)
	}
}

func (c *pipeChannel) SetMessageHandler(h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = h
}

func (c *pipeChannel) SetCloseHandler(h CloseHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeHandler = h
}

func (c *pipeChannel) SetErrorHandler(h ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorHandler = h
}

func (c *pipeChannel) Close() error {
	return nil
}

func (c *pipeChannel) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

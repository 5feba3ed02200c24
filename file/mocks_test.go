package file

import (
	"sync"
	"time"

	"github.com/peerbeam/peerbeam/protocol"
)

// mockTimeProvider allows tests to control time deterministically.
type mockTimeProvider struct {
	currentTime time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{currentTime: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
}

func (m *mockTimeProvider) Now() time.Time { return m.currentTime }

func (m *mockTimeProvider) Since(t time.Time) time.Duration { return m.currentTime.Sub(t) }

func (m *mockTimeProvider) Advance(d time.Duration) { m.currentTime = m.currentTime.Add(d) }

// mockLink is an in-process Link. Two links wired together deliver each
// Send synchronously to the peer's registered handler, so a sender and a
// receiver engine can run a full batch inside one test without a channel.
type mockLink struct {
	mu       sync.Mutex
	handlers map[protocol.MessageType]func(msg *protocol.PeerMessage)
	sent     []*protocol.PeerMessage
	peer     *mockLink
	lostCb   func(error)

	// onSend, when set, observes every outgoing message before delivery.
	onSend func(msg *protocol.PeerMessage)
	// transform, when set, may replace a message in flight (for corruption
	// tests). Returning nil drops the message.
	transform func(msg *protocol.PeerMessage) *protocol.PeerMessage

	sendErr    error
	beginErr   error
	beginCalls int
	endCalls   []bool
}

func newMockLink() *mockLink {
	return &mockLink{handlers: make(map[protocol.MessageType]func(msg *protocol.PeerMessage))}
}

// wireLinks connects two links back to back.
func wireLinks(a, b *mockLink) {
	a.peer = b
	b.peer = a
}

func (l *mockLink) Send(msg *protocol.PeerMessage) error {
	l.mu.Lock()
	l.sent = append(l.sent, msg)
	err := l.sendErr
	onSend := l.onSend
	transform := l.transform
	peer := l.peer
	l.mu.Unlock()

	if err != nil {
		return err
	}
	if onSend != nil {
		onSend(msg)
	}
	if transform != nil {
		msg = transform(msg)
		if msg == nil {
			return nil
		}
	}
	if peer != nil {
		peer.deliver(msg)
	}
	return nil
}

func (l *mockLink) deliver(msg *protocol.PeerMessage) {
	l.mu.Lock()
	handler := l.handlers[msg.Type]
	l.mu.Unlock()

	if handler != nil {
		handler(msg)
	}
}

func (l *mockLink) RegisterHandler(msgType protocol.MessageType, h func(msg *protocol.PeerMessage)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[msgType] = h
}

func (l *mockLink) BeginTransfer() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.beginCalls++
	return l.beginErr
}

func (l *mockLink) EndTransfer(completed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.endCalls = append(l.endCalls, completed)
}

func (l *mockLink) OnConnectionLost(cb func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lostCb = cb
}

// sentOfType returns the messages of one type sent through this link.
func (l *mockLink) sentOfType(msgType protocol.MessageType) []*protocol.PeerMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*protocol.PeerMessage
	for _, msg := range l.sent {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

package connection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerbeam/peerbeam/crypto"
	"github.com/peerbeam/peerbeam/protocol"
	"github.com/peerbeam/peerbeam/ratelimit"
	"github.com/peerbeam/peerbeam/room"
)

const (
	testWait = 2 * time.Second
	testTick = 10 * time.Millisecond
)

type hostHarness struct {
	manager  *Manager
	channel  *mockChannel
	registry *room.Registry
	limiter  *ratelimit.Limiter
	session  *room.Session
}

func newHostHarness(t *testing.T, config Config) *hostHarness {
	t.Helper()

	registry := room.NewRegistry()
	session, err := registry.Issue()
	require.NoError(t, err)

	channel := newMockChannel()
	limiter := ratelimit.New(3, 5*time.Minute, 5*time.Minute)
	manager := NewManager(channel, registry, limiter, config)

	return &hostHarness{
		manager:  manager,
		channel:  channel,
		registry: registry,
		limiter:  limiter,
		session:  session,
	}
}

func (h *hostHarness) requestFrom(t *testing.T, peerID string) {
	t.Helper()
	require.NoError(t, h.channel.injectMessage(protocol.MessageConnectionRequest, &protocol.ConnectionRequest{
		PeerID:     peerID,
		DeviceInfo: "Firefox on Linux",
	}))
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Info().State == want
	}, testWait, testTick, "state never reached %s, stuck at %s", want, m.Info().State)
}

func TestHostApprovalFlow(t *testing.T) {
	h := newHostHarness(t, DefaultConfig())
	h.manager.OnApproval(func(ctx context.Context, peerID, deviceInfo string) (bool, error) {
		return true, nil
	})

	require.NoError(t, h.manager.Host(h.session))
	assert.Equal(t, StateIdle, h.manager.Info().State)

	h.requestFrom(t, "peer-1")
	waitForState(t, h.manager, StateConnected)

	info := h.manager.Info()
	assert.Equal(t, "peer-1", info.RemotePeerID)
	assert.False(t, info.ConnectedAt.IsZero())

	assert.Len(t, h.channel.sentOfType(protocol.MessageConnectionApproved), 1)
	// Successful authentication cleared the peer's attempt record.
	assert.False(t, h.limiter.IsLimited("peer-1"))
}

func TestHostDeniesWhenRejected(t *testing.T) {
	h := newHostHarness(t, DefaultConfig())
	h.manager.OnApproval(func(ctx context.Context, peerID, deviceInfo string) (bool, error) {
		return false, nil
	})

	require.NoError(t, h.manager.Host(h.session))
	h.requestFrom(t, "peer-1")
	waitForState(t, h.manager, StateError)

	denials := h.channel.sentOfType(protocol.MessageConnectionDenied)
	require.Len(t, denials, 1)
	payload, err := denials[0].DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, ReasonDeniedByHost, payload.(*protocol.ConnectionDenied).Reason)

	// The denial destroyed the hosted room.
	assert.False(t, h.registry.IsValid(h.session.Code))
}

func TestHostDeniesWithoutApprovalProvider(t *testing.T) {
	h := newHostHarness(t, DefaultConfig())

	require.NoError(t, h.manager.Host(h.session))
	h.requestFrom(t, "peer-1")
	waitForState(t, h.manager, StateError)

	assert.Len(t, h.channel.sentOfType(protocol.MessageConnectionDenied), 1)
}

func TestHostApprovalTimeout(t *testing.T) {
	config := DefaultConfig()
	config.ApprovalTimeout = 100 * time.Millisecond

	h := newHostHarness(t, config)
	h.manager.OnApproval(func(ctx context.Context, peerID, deviceInfo string) (bool, error) {
		// The user never answers.
		<-ctx.Done()
		return false, ctx.Err()
	})

	require.NoError(t, h.manager.Host(h.session))
	h.requestFrom(t, "peer-1")
	waitForState(t, h.manager, StateError)

	denials := h.channel.sentOfType(protocol.MessageConnectionDenied)
	require.Len(t, denials, 1)
	payload, err := denials[0].DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, ReasonApprovalStall, payload.(*protocol.ConnectionDenied).Reason)
}

func TestHostBusyRejectsSecondPeer(t *testing.T) {
	h := newHostHarness(t, DefaultConfig())

	release := make(chan struct{})
	h.manager.OnApproval(func(ctx context.Context, peerID, deviceInfo string) (bool, error) {
		<-release
		return true, nil
	})
	defer close(release)

	require.NoError(t, h.manager.Host(h.session))
	h.requestFrom(t, "peer-1")
	waitForState(t, h.manager, StateAwaitingApproval)

	// A second peer walks in mid-approval.
	h.requestFrom(t, "peer-2")

	denials := h.channel.sentOfType(protocol.MessageConnectionDenied)
	require.Len(t, denials, 1)
	payload, err := denials[0].DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, ReasonHostBusy, payload.(*protocol.ConnectionDenied).Reason)

	// The first peer's approval is unaffected.
	assert.Equal(t, "peer-1", h.manager.Info().RemotePeerID)
}

func TestHostRateLimitsRepeatedAttempts(t *testing.T) {
	h := newHostHarness(t, DefaultConfig())

	// The peer already burned its attempt budget.
	for i := 0; i < 3; i++ {
		h.limiter.RecordAttempt("peer-1")
	}

	require.NoError(t, h.manager.Host(h.session))
	h.requestFrom(t, "peer-1")

	denials := h.channel.sentOfType(protocol.MessageConnectionDenied)
	require.Len(t, denials, 1)
	payload, err := denials[0].DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, ReasonRateLimited, payload.(*protocol.ConnectionDenied).Reason)

	// The room stays open for well-behaved peers.
	assert.Equal(t, StateIdle, h.manager.Info().State)
	assert.True(t, h.registry.IsValid(h.session.Code))
}

func TestHostPinChallenge(t *testing.T) {
	h := newHostHarness(t, DefaultConfig())
	h.manager.OnApproval(func(ctx context.Context, peerID, deviceInfo string) (bool, error) {
		return true, nil
	})
	require.NoError(t, h.registry.SetPin(h.session.Code, crypto.HashPin("246813")))

	require.NoError(t, h.manager.Host(h.session))
	h.requestFrom(t, "peer-1")

	// Approval leads to the PIN challenge, not straight to connected.
	require.Eventually(t, func() bool {
		return len(h.channel.sentOfType(protocol.MessagePinRequired)) == 1
	}, testWait, testTick)
	assert.Equal(t, StateAwaitingApproval, h.manager.Info().State)
	assert.True(t, h.manager.Info().IsPinRequired)

	require.NoError(t, h.channel.injectMessage(protocol.MessagePinAttempt, &protocol.PinAttempt{
		HashedPin:     crypto.HashPin("246813"),
		AttemptNumber: 1,
	}))

	waitForState(t, h.manager, StateConnected)
	assert.True(t, h.manager.Info().IsPinVerified)
	assert.Len(t, h.channel.sentOfType(protocol.MessagePinVerified), 1)
	assert.Len(t, h.channel.sentOfType(protocol.MessageConnectionApproved), 1)
}

func TestHostPinExhaustion(t *testing.T) {
	h := newHostHarness(t, DefaultConfig())
	h.manager.OnApproval(func(ctx context.Context, peerID, deviceInfo string) (bool, error) {
		return true, nil
	})
	require.NoError(t, h.registry.SetPin(h.session.Code, crypto.HashPin("246813")))

	require.NoError(t, h.manager.Host(h.session))
	h.requestFrom(t, "peer-1")

	require.Eventually(t, func() bool {
		return len(h.channel.sentOfType(protocol.MessagePinRequired)) == 1
	}, testWait, testTick)

	for attempt := 1; attempt <= 3; attempt++ {
		require.NoError(t, h.channel.injectMessage(protocol.MessagePinAttempt, &protocol.PinAttempt{
			HashedPin:     crypto.HashPin("000000"),
			AttemptNumber: attempt,
		}))
	}

	// Two rejections with a shrinking budget, then the denial.
	invalids := h.channel.sentOfType(protocol.MessagePinInvalid)
	require.Len(t, invalids, 2)
	for i, want := range []int{2, 1} {
		payload, err := invalids[i].DecodePayload()
		require.NoError(t, err)
		assert.Equal(t, want, payload.(*protocol.PinInvalid).AttemptsRemaining)
	}

	denials := h.channel.sentOfType(protocol.MessageConnectionDenied)
	require.Len(t, denials, 1)
	payload, err := denials[0].DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, ReasonPinExhausted, payload.(*protocol.ConnectionDenied).Reason)

	waitForState(t, h.manager, StateError)
	assert.False(t, h.registry.IsValid(h.session.Code))
}

func TestHostRejectsHostingFromActiveState(t *testing.T) {
	h := newHostHarness(t, DefaultConfig())
	h.manager.OnApproval(func(ctx context.Context, peerID, deviceInfo string) (bool, error) {
		return true, nil
	})

	require.NoError(t, h.manager.Host(h.session))
	h.requestFrom(t, "peer-1")
	waitForState(t, h.manager, StateConnected)

	err := h.manager.Host(h.session)
	assert.ErrorIs(t, err, ErrBadStateTransition)
}

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-beagle/bdwind-rtc/internal/protocol"
)

func newTestCoordinator(t *testing.T, params CoordinatorParams) *Coordinator {
	t.Helper()
	c := NewCoordinator(params)
	t.Cleanup(c.Close)
	return c
}

func TestCoordinatorLazyTransports(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorParams{SubscriberPrimary: true})

	assert.Nil(t, c.Publisher())
	assert.Nil(t, c.Subscriber())
	assert.Equal(t, StateNew, c.State())
	assert.False(t, c.HasEverConnected())

	require.NoError(t, c.RequireSubscriber())
	assert.NotNil(t, c.Subscriber())
	assert.Nil(t, c.Publisher())

	require.NoError(t, c.RequirePublisher())
	assert.NotNil(t, c.Publisher())
}

func TestCoordinatorEnsureConnectedTimeout(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorParams{})
	require.NoError(t, c.RequirePublisher())

	err := c.EnsureConnected(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrConnectionTimeout)
}

func TestCoordinatorEnsureConnectedCancelled(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorParams{})
	require.NoError(t, c.RequirePublisher())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := c.EnsureConnected(ctx, 5*time.Second)
	require.ErrorIs(t, err, ErrOperationCancelled)
}

func TestCoordinatorEnsureConnectedAfterClose(t *testing.T) {
	c := NewCoordinator(CoordinatorParams{})
	require.NoError(t, c.RequirePublisher())

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Close()
	}()

	err := c.EnsureConnected(context.Background(), 5*time.Second)
	require.ErrorIs(t, err, ErrClosed)
}

func TestCoordinatorHandleRemoteOffer(t *testing.T) {
	// 用一条真实传输生成含媒体行的远端 offer
	remote := newTestLink(t, protocol.RolePublisher, nil)
	_, err := remote.CreateDataChannel("seed", nil)
	require.NoError(t, err)

	offer, err := remote.pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, remote.pc.SetLocalDescription(offer))

	c := newTestCoordinator(t, CoordinatorParams{SubscriberPrimary: true})

	answer, err := c.HandleRemoteOffer(offer)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.NotNil(t, c.Subscriber(), "remote offer must establish the subscriber transport")
}

func TestCoordinatorNegotiateCompletesOnAnswer(t *testing.T) {
	offerCh := make(chan webrtc.SessionDescription, 1)
	c := newTestCoordinator(t, CoordinatorParams{
		NegotiationTimeout: 2 * time.Second,
		OnPublisherOffer: func(sd webrtc.SessionDescription) {
			offerCh <- sd
		},
	})
	require.NoError(t, c.RequirePublisher())
	_, err := c.Publisher().CreateDataChannel("seed", nil)
	require.NoError(t, err)

	answerer := newTestLink(t, protocol.RoleSubscriber, nil)
	go func() {
		offer := <-offerCh
		answer, err := answerer.CreateAnswerFromOffer(offer)
		if err != nil {
			return
		}
		_ = c.HandleRemoteAnswer(answer)
	}()

	require.NoError(t, c.Negotiate(context.Background()))
}

func TestCoordinatorNegotiateTimeout(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorParams{
		NegotiationTimeout: 50 * time.Millisecond,
		OnPublisherOffer:   func(webrtc.SessionDescription) {},
	})
	require.NoError(t, c.RequirePublisher())

	err := c.Negotiate(context.Background())
	require.ErrorIs(t, err, ErrConnectionTimeout)
}

func TestCoordinatorDropsCandidateForAbsentTransport(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorParams{})

	err := c.AddRemoteCandidate(protocol.RoleSubscriber, webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
	})
	require.NoError(t, err, "candidates for absent transports are dropped, not fatal")
}

func TestCoordinatorConnectedAddressPerRole(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorParams{})
	require.NoError(t, c.RequirePublisher())
	require.NoError(t, c.RequireSubscriber())

	// 未连接时两个角色都没有地址
	_, ok := c.ConnectedAddress(protocol.RolePublisher)
	assert.False(t, ok)
	_, ok = c.ConnectedAddress(protocol.RoleSubscriber)
	assert.False(t, ok)
	_, ok = c.ConnectedAddress(protocol.TransportRole("bogus"))
	assert.False(t, ok)
}

package transport

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-beagle/bdwind-rtc/internal/protocol"
)

func newTestLink(t *testing.T, role protocol.TransportRole, onOffer func(webrtc.SessionDescription)) *Link {
	t.Helper()
	link, err := NewLink(LinkParams{
		Role:          role,
		Configuration: webrtc.Configuration{},
		OnOffer:       onOffer,
	})
	require.NoError(t, err)
	t.Cleanup(link.Close)
	return link
}

func TestLinkOfferAnswerRound(t *testing.T) {
	offerCh := make(chan webrtc.SessionDescription, 1)
	pub := newTestLink(t, protocol.RolePublisher, func(sd webrtc.SessionDescription) {
		offerCh <- sd
	})
	sub := newTestLink(t, protocol.RoleSubscriber, nil)

	// 数据通道保证 offer 至少含一条 m-line
	_, err := pub.CreateDataChannel("test", nil)
	require.NoError(t, err)

	require.True(t, pub.IsIdle())
	require.NoError(t, pub.CreateAndSendOffer(nil))

	var offer webrtc.SessionDescription
	select {
	case offer = <-offerCh:
	case <-time.After(time.Second):
		t.Fatal("offer not emitted")
	}

	done := pub.negotiationComplete()
	require.NotNil(t, done)
	select {
	case <-done:
		t.Fatal("negotiation must not complete before the answer is applied")
	default:
	}

	answer, err := sub.CreateAnswerFromOffer(offer)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)

	require.NoError(t, pub.SetRemoteAnswer(answer))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("negotiation did not complete after answer")
	}
	assert.False(t, pub.IsIdle())
}

func TestLinkBuffersEarlyCandidates(t *testing.T) {
	offerCh := make(chan webrtc.SessionDescription, 1)
	pub := newTestLink(t, protocol.RolePublisher, func(sd webrtc.SessionDescription) {
		offerCh <- sd
	})
	sub := newTestLink(t, protocol.RoleSubscriber, nil)

	// 远端描述缺失时候选必须被缓存而不是报错
	mid := "0"
	index := uint16(0)
	err := sub.AddRemoteCandidate(webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	})
	require.NoError(t, err)
	assert.Len(t, sub.pendingCandidates, 1)

	_, err = pub.CreateDataChannel("test", nil)
	require.NoError(t, err)
	require.NoError(t, pub.CreateAndSendOffer(nil))
	offer := <-offerCh

	_, err = sub.CreateAnswerFromOffer(offer)
	require.NoError(t, err)
	assert.Empty(t, sub.pendingCandidates, "buffered candidates must flush with the remote description")
}

func TestLinkCloseIdempotent(t *testing.T) {
	var states []State
	link, err := NewLink(LinkParams{
		Role:          protocol.RolePublisher,
		Configuration: webrtc.Configuration{},
		OnStateChange: func(s State) { states = append(states, s) },
	})
	require.NoError(t, err)

	link.Close()
	link.Close()

	assert.Equal(t, StateClosed, link.State())
	assert.Equal(t, []State{StateClosing, StateClosed}, states)

	require.ErrorIs(t, link.CreateAndSendOffer(nil), ErrClosed)
	_, dcErr := link.CreateDataChannel("late", nil)
	require.ErrorIs(t, dcErr, ErrClosed)
}

func TestLinkRestartPendingForcesICERestart(t *testing.T) {
	offerCh := make(chan webrtc.SessionDescription, 2)
	pub := newTestLink(t, protocol.RolePublisher, func(sd webrtc.SessionDescription) {
		offerCh <- sd
	})
	sub := newTestLink(t, protocol.RoleSubscriber, nil)

	_, err := pub.CreateDataChannel("test", nil)
	require.NoError(t, err)
	require.NoError(t, pub.CreateAndSendOffer(nil))
	first := <-offerCh

	answer, err := sub.CreateAnswerFromOffer(first)
	require.NoError(t, err)
	require.NoError(t, pub.SetRemoteAnswer(answer))

	pub.MarkRestartPending()
	require.NoError(t, pub.CreateAndSendOffer(nil))
	second := <-offerCh

	// ICE 重启会更换 ufrag
	assert.NotEqual(t, extractUfrag(t, first.SDP), extractUfrag(t, second.SDP))
}

func extractUfrag(t *testing.T, sdp string) string {
	t.Helper()
	const prefix = "a=ice-ufrag:"
	idx := 0
	for idx < len(sdp) {
		end := idx
		for end < len(sdp) && sdp[end] != '\n' {
			end++
		}
		line := sdp[idx:end]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if len(line) >= len(prefix) && line[:len(prefix)] == prefix {
			return line[len(prefix):]
		}
		idx = end + 1
	}
	t.Fatal("ice-ufrag not found in sdp")
	return ""
}

package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-beagle/bdwind-rtc/internal/config"
	"github.com/open-beagle/bdwind-rtc/internal/events"
	"github.com/open-beagle/bdwind-rtc/internal/protocol"
	"github.com/open-beagle/bdwind-rtc/internal/signaling"
	"github.com/open-beagle/bdwind-rtc/internal/transport"
)

// fakeSignal 可脚本化的信令客户端
type fakeSignal struct {
	mu         sync.Mutex
	onResponse func(*protocol.Response)
	onState    func(signaling.State, string)

	joinFn      func(url string) (*protocol.JoinPayload, error)
	reconnectFn func(reason string) (*protocol.ReconnectPayload, error)
	sendHook    func(*protocol.Request)

	joinCalls      int
	reconnectCalls int
	drainCalls     int
	closeCalls     int
	sent           []*protocol.Request
}

func (f *fakeSignal) OnResponse(fn func(*protocol.Response)) {
	f.mu.Lock()
	f.onResponse = fn
	f.mu.Unlock()
}

func (f *fakeSignal) OnStateChange(fn func(signaling.State, string)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeSignal) Join(ctx context.Context, url, token string, opts protocol.ConnectOptions, timeout time.Duration) (*protocol.JoinPayload, error) {
	f.mu.Lock()
	f.joinCalls++
	fn := f.joinFn
	f.mu.Unlock()
	return fn(url)
}

func (f *fakeSignal) Reconnect(ctx context.Context, url, token, sessionID, reason string, opts protocol.ConnectOptions, timeout time.Duration) (*protocol.ReconnectPayload, error) {
	f.mu.Lock()
	f.reconnectCalls++
	fn := f.reconnectFn
	f.mu.Unlock()
	return fn(reason)
}

func (f *fakeSignal) Send(req *protocol.Request) error {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	hook := f.sendHook
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return nil
}

func (f *fakeSignal) DrainQueue() {
	f.mu.Lock()
	f.drainCalls++
	f.mu.Unlock()
}

func (f *fakeSignal) Close() {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
}

func (f *fakeSignal) RTT() int64 { return 0 }

func (f *fakeSignal) dispatch(resp *protocol.Response) {
	f.mu.Lock()
	fn := f.onResponse
	f.mu.Unlock()
	if fn != nil {
		fn(resp)
	}
}

func (f *fakeSignal) sentKinds() []protocol.RequestKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]protocol.RequestKind, 0, len(f.sent))
	for _, req := range f.sent {
		kinds = append(kinds, req.Kind)
	}
	return kinds
}

func (f *fakeSignal) countKind(kind protocol.RequestKind) int {
	n := 0
	for _, k := range f.sentKinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// fakeCoordinator 可脚本化的传输协调器
type fakeCoordinator struct {
	mu sync.Mutex

	subscriberPrimary bool
	everConnected     bool
	ensureErr         error

	requirePubCalls int
	requireSubCalls int
	iceRestarts     int
	configureCalls  int
	closeCalls      int
}

func (f *fakeCoordinator) RequirePublisher() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requirePubCalls++
	return nil
}

func (f *fakeCoordinator) RequireSubscriber() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requireSubCalls++
	return nil
}

func (f *fakeCoordinator) Negotiate(context.Context) error { return nil }

func (f *fakeCoordinator) EnsureConnected(context.Context, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ensureErr
}

func (f *fakeCoordinator) TriggerICERestart() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.iceRestarts++
	return nil
}

func (f *fakeCoordinator) HandleRemoteAnswer(webrtc.SessionDescription) error { return nil }

func (f *fakeCoordinator) HandleRemoteOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{}, nil
}

func (f *fakeCoordinator) AddRemoteCandidate(protocol.TransportRole, webrtc.ICECandidateInit) error {
	return nil
}

func (f *fakeCoordinator) SetConfiguration(webrtc.Configuration, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configureCalls++
	return nil
}

func (f *fakeCoordinator) ConnectedAddress(protocol.TransportRole) (string, bool) { return "", false }

func (f *fakeCoordinator) HasEverConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.everConnected
}

func (f *fakeCoordinator) SubscriberPrimary() bool { return f.subscriberPrimary }
func (f *fakeCoordinator) Publisher() *transport.Link  { return nil }
func (f *fakeCoordinator) Subscriber() *transport.Link { return nil }

func (f *fakeCoordinator) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
}

// recordingPolicy 按脚本返回延迟并记录每次咨询
type recordingPolicy struct {
	mu     sync.Mutex
	delays []time.Duration
	calls  []ReconnectContext
}

func (p *recordingPolicy) NextDelay(ctx ReconnectContext) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, ctx)
	if ctx.RetryCount >= len(p.delays) {
		return 0, false
	}
	return p.delays[ctx.RetryCount], true
}

func (p *recordingPolicy) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func testJoinPayload() *protocol.JoinPayload {
	return &protocol.JoinPayload{
		SessionID:         "sess-1",
		ParticipantSID:    "PA_1",
		SubscriberPrimary: true,
	}
}

func newTestEngine(t *testing.T, client *fakeSignal, coord *fakeCoordinator, policy ReconnectPolicy) *Engine {
	t.Helper()

	cfg := config.DefaultClientConfig()
	cfg.URL = "ws://127.0.0.1:1"
	cfg.Token = "tok"
	cfg.JoinTimeout = time.Second
	cfg.NegotiationTimeout = time.Second
	cfg.PublishAckTimeout = 100 * time.Millisecond
	require.NoError(t, cfg.Validate())

	if policy == nil {
		policy = &recordingPolicy{delays: []time.Duration{0, 0, 0, 0, 0}}
	}

	e := newEngine(cfg, client, policy, NewStaticEndpointProvider(), nil)
	e.newCoordinator = func(transport.CoordinatorParams) mediaCoordinator { return coord }
	t.Cleanup(e.Close)
	return e
}

func subscribeEvent(e *Engine, kind events.Kind) <-chan events.Event {
	ch := make(chan events.Event, 8)
	e.Events().Subscribe(kind, func(ev events.Event) {
		ch <- ev
	})
	return ch
}

func waitEvent(t *testing.T, ch <-chan events.Event, what string) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return events.Event{}
	}
}

func joinedEngine(t *testing.T, client *fakeSignal, coord *fakeCoordinator, policy ReconnectPolicy) *Engine {
	t.Helper()
	if client.joinFn == nil {
		client.joinFn = func(string) (*protocol.JoinPayload, error) {
			return testJoinPayload(), nil
		}
	}
	e := newTestEngine(t, client, coord, policy)
	_, err := e.Join(context.Background())
	require.NoError(t, err)
	return e
}

func TestJoinSubscriberPrimary(t *testing.T) {
	client := &fakeSignal{}
	coord := &fakeCoordinator{subscriberPrimary: true}

	e := joinedEngine(t, client, coord, nil)

	assert.Equal(t, PhaseConnected, e.Phase())
	assert.Equal(t, 1, coord.requireSubCalls)
	assert.Equal(t, 0, coord.requirePubCalls, "publisher stays lazy when the subscriber is primary")
	assert.Equal(t, "sess-1", e.JoinInfo().SessionID)
}

func TestJoinRetriesServerUnreachable(t *testing.T) {
	var calls int
	client := &fakeSignal{
		joinFn: func(string) (*protocol.JoinPayload, error) {
			calls++
			if calls < 3 {
				return nil, signaling.ErrServerUnreachable
			}
			return testJoinPayload(), nil
		},
	}
	coord := &fakeCoordinator{subscriberPrimary: true}

	e := newTestEngine(t, client, coord, nil)
	_, err := e.Join(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestJoinGivesUpAfterMaxAttempts(t *testing.T) {
	client := &fakeSignal{
		joinFn: func(string) (*protocol.JoinPayload, error) {
			return nil, signaling.ErrServerUnreachable
		},
	}
	coord := &fakeCoordinator{}

	e := newTestEngine(t, client, coord, nil)
	_, err := e.Join(context.Background())
	require.ErrorIs(t, err, signaling.ErrServerUnreachable)
	assert.Equal(t, 3, client.joinCalls)
}

func TestJoinFatalErrorIsNotRetried(t *testing.T) {
	client := &fakeSignal{
		joinFn: func(string) (*protocol.JoinPayload, error) {
			return nil, signaling.ErrNotAllowed
		},
	}
	e := newTestEngine(t, client, &fakeCoordinator{}, nil)

	_, err := e.Join(context.Background())
	require.ErrorIs(t, err, signaling.ErrNotAllowed)
	assert.Equal(t, 1, client.joinCalls)
}

func TestTransportFailureResumesFirst(t *testing.T) {
	client := &fakeSignal{
		reconnectFn: func(string) (*protocol.ReconnectPayload, error) {
			return &protocol.ReconnectPayload{}, nil
		},
	}
	coord := &fakeCoordinator{subscriberPrimary: true, everConnected: true}

	e := joinedEngine(t, client, coord, nil)
	resumed := subscribeEvent(e, events.EventResumed)

	e.onTransportStateChange(transport.StateFailed)
	waitEvent(t, resumed, "resumed event")

	assert.Equal(t, 1, client.reconnectCalls)
	assert.Equal(t, 1, client.joinCalls, "resume must not rejoin")
	assert.Equal(t, 1, coord.iceRestarts)
	assert.GreaterOrEqual(t, client.drainCalls, 1, "queued requests replay after resume")
	assert.Equal(t, 1, client.countKind(protocol.RequestKindSyncState))
	assert.Eventually(t, func() bool { return e.Phase() == PhaseConnected }, time.Second, 10*time.Millisecond)
}

func TestRecoverableResumeEscalatesToRestart(t *testing.T) {
	client := &fakeSignal{
		reconnectFn: func(string) (*protocol.ReconnectPayload, error) {
			return nil, errors.New("resume failed")
		},
	}
	coord := &fakeCoordinator{subscriberPrimary: true, everConnected: true}

	e := joinedEngine(t, client, coord, nil)
	restarted := subscribeEvent(e, events.EventRestarted)

	e.handleDisconnect("transport failed", false)
	waitEvent(t, restarted, "restarted event")

	assert.Equal(t, 1, client.reconnectCalls, "exactly one resume attempt before escalation")
	assert.Equal(t, 2, client.joinCalls, "restart rejoins from scratch")
	assert.GreaterOrEqual(t, coord.closeCalls, 1, "restart tears the transports down")
	assert.Eventually(t, func() bool { return e.Phase() == PhaseConnected }, time.Second, 10*time.Millisecond)
}

func TestBackoffSequenceTerminatesOnStop(t *testing.T) {
	client := &fakeSignal{
		reconnectFn: func(string) (*protocol.ReconnectPayload, error) {
			return nil, errors.New("resume failed")
		},
	}
	coord := &fakeCoordinator{subscriberPrimary: true, everConnected: true}
	policy := &recordingPolicy{delays: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}}

	var joined bool
	client.joinFn = func(string) (*protocol.JoinPayload, error) {
		if !joined {
			joined = true
			return testJoinPayload(), nil
		}
		return nil, errors.New("restart failed")
	}

	e := joinedEngine(t, client, coord, policy)
	disconnected := subscribeEvent(e, events.EventDisconnected)

	e.handleDisconnect("transport failed", false)
	waitEvent(t, disconnected, "terminal disconnected event")

	require.Equal(t, 3, policy.callCount(), "policy consulted per attempt plus the terminal decision")
	assert.Equal(t, []int{0, 1, 2}, []int{
		policy.calls[0].RetryCount,
		policy.calls[1].RetryCount,
		policy.calls[2].RetryCount,
	})
	assert.Equal(t, 1, client.reconnectCalls, "first attempt resumes")
	assert.Equal(t, 2, client.joinCalls, "second attempt restarts, then the policy stops the loop")
	assert.Eventually(t, func() bool { return e.Phase() == PhaseDisconnected }, time.Second, 10*time.Millisecond)

	// 终止后不再有新的尝试
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, client.reconnectCalls)
	assert.Equal(t, 2, client.joinCalls)
}

type panickingPolicy struct{}

func (panickingPolicy) NextDelay(ReconnectContext) (time.Duration, bool) {
	panic("policy bug")
}

func TestPolicyPanicFailsClosed(t *testing.T) {
	client := &fakeSignal{}
	coord := &fakeCoordinator{subscriberPrimary: true, everConnected: true}

	e := joinedEngine(t, client, coord, panickingPolicy{})
	disconnected := subscribeEvent(e, events.EventDisconnected)

	e.handleDisconnect("transport failed", false)
	waitEvent(t, disconnected, "terminal disconnected event")

	assert.Equal(t, 0, client.reconnectCalls, "a broken policy must stop retrying, not retry forever")
	assert.Equal(t, 1, client.joinCalls)
}

func TestUnrecoverableReconnectErrorTerminates(t *testing.T) {
	client := &fakeSignal{
		reconnectFn: func(string) (*protocol.ReconnectPayload, error) {
			return nil, signaling.ErrNotAllowed
		},
	}
	coord := &fakeCoordinator{subscriberPrimary: true, everConnected: true}

	e := joinedEngine(t, client, coord, nil)
	disconnected := subscribeEvent(e, events.EventDisconnected)

	e.handleDisconnect("transport failed", false)
	waitEvent(t, disconnected, "terminal disconnected event")

	assert.Equal(t, 1, client.reconnectCalls)
	assert.Equal(t, 1, client.joinCalls, "fatal classification must not fall back to restart")
}

func TestServerLeaveWithReconnectForcesRestart(t *testing.T) {
	client := &fakeSignal{}
	coord := &fakeCoordinator{subscriberPrimary: true, everConnected: true}

	e := joinedEngine(t, client, coord, nil)
	restarted := subscribeEvent(e, events.EventRestarted)

	client.dispatch(&protocol.Response{
		Kind:  protocol.ResponseKindLeave,
		Leave: &protocol.LeaveData{Reason: "node draining", CanReconnect: true},
	})
	waitEvent(t, restarted, "restarted event")

	assert.Equal(t, 0, client.reconnectCalls, "server-initiated leave must skip the resume path")
	assert.Equal(t, 2, client.joinCalls)
}

func TestServerLeaveTerminal(t *testing.T) {
	client := &fakeSignal{}
	coord := &fakeCoordinator{subscriberPrimary: true}

	e := joinedEngine(t, client, coord, nil)
	disconnected := subscribeEvent(e, events.EventDisconnected)

	client.dispatch(&protocol.Response{
		Kind:  protocol.ResponseKindLeave,
		Leave: &protocol.LeaveData{Reason: "room deleted"},
	})
	waitEvent(t, disconnected, "terminal disconnected event")

	assert.Equal(t, 1, client.joinCalls)
	assert.Equal(t, 0, client.reconnectCalls)
	assert.Eventually(t, func() bool { return e.Phase() == PhaseDisconnected }, time.Second, 10*time.Millisecond)
}

func TestOnlyOneReconnectAttemptInFlight(t *testing.T) {
	release := make(chan struct{})
	client := &fakeSignal{
		reconnectFn: func(string) (*protocol.ReconnectPayload, error) {
			<-release
			return &protocol.ReconnectPayload{}, nil
		},
	}
	coord := &fakeCoordinator{subscriberPrimary: true, everConnected: true}

	e := joinedEngine(t, client, coord, nil)
	resumed := subscribeEvent(e, events.EventResumed)

	e.handleDisconnect("first", false)
	e.handleDisconnect("second", false)
	e.handleDisconnect("third", false)

	close(release)
	waitEvent(t, resumed, "resumed event")

	assert.Equal(t, 1, client.reconnectCalls, "concurrent disconnects must not stack attempts")
}

func TestAddTrackResolvedByAck(t *testing.T) {
	client := &fakeSignal{}
	coord := &fakeCoordinator{subscriberPrimary: true}
	client.sendHook = func(req *protocol.Request) {
		if req.Kind == protocol.RequestKindAddTrack {
			go client.dispatch(&protocol.Response{
				Kind: protocol.ResponseKindTrackPublished,
				TrackPublished: &protocol.TrackPublishedPayload{
					Cid:   req.AddTrack.Cid,
					Track: &protocol.TrackInfo{SID: "TR_srv", Type: "video"},
				},
			})
		}
	}

	e := joinedEngine(t, client, coord, nil)

	info, err := e.AddTrack(context.Background(), protocol.AddTrackData{Cid: "abc", Type: "video"})
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "TR_srv", info.SID)
}

func TestAddTrackTimesOutWithoutAck(t *testing.T) {
	client := &fakeSignal{}
	e := joinedEngine(t, client, &fakeCoordinator{subscriberPrimary: true}, nil)

	_, err := e.AddTrack(context.Background(), protocol.AddTrackData{Cid: "abc", Type: "video"})
	require.ErrorIs(t, err, ErrPublishTimeout)
}

func TestAddTrackRejectsDuplicateCid(t *testing.T) {
	client := &fakeSignal{}
	e := joinedEngine(t, client, &fakeCoordinator{subscriberPrimary: true}, nil)

	firstDone := make(chan error, 1)
	go func() {
		_, err := e.AddTrack(context.Background(), protocol.AddTrackData{Cid: "abc", Type: "video"})
		firstDone <- err
	}()

	require.Eventually(t, func() bool {
		return client.countKind(protocol.RequestKindAddTrack) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := e.AddTrack(context.Background(), protocol.AddTrackData{Cid: "abc", Type: "video"})
	require.ErrorIs(t, err, ErrDuplicatePublish)

	<-firstDone
}

func TestRemoveTrackCancelsPendingWithoutRoundTrip(t *testing.T) {
	client := &fakeSignal{}
	e := joinedEngine(t, client, &fakeCoordinator{subscriberPrimary: true}, nil)

	result := make(chan error, 1)
	go func() {
		_, err := e.AddTrack(context.Background(), protocol.AddTrackData{Cid: "abc", Type: "video"})
		result <- err
	}()

	require.Eventually(t, func() bool {
		return client.countKind(protocol.RequestKindAddTrack) == 1
	}, time.Second, 5*time.Millisecond)

	e.RemoveTrack("abc")

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrPublishCancelled)
	case <-time.After(time.Second):
		t.Fatal("cancelled publish did not settle")
	}
	assert.Equal(t, 1, client.countKind(protocol.RequestKindAddTrack),
		"cancellation must not cause a second round trip")
}

func TestNewTrackCidIsUnique(t *testing.T) {
	a, b := NewTrackCid(), NewTrackCid()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "TR_")
}

func TestEngineRejectsOperationsAfterClose(t *testing.T) {
	client := &fakeSignal{}
	e := joinedEngine(t, client, &fakeCoordinator{subscriberPrimary: true}, nil)

	e.Close()
	assert.Equal(t, PhaseClosed, e.Phase())

	_, err := e.AddTrack(context.Background(), protocol.AddTrackData{Cid: "x", Type: "video"})
	require.ErrorIs(t, err, ErrEngineClosed)
	require.ErrorIs(t, e.SendDataPacket(context.Background(), DataKindReliable, []byte("hi")), ErrEngineClosed)
	_, err = e.Join(context.Background())
	require.ErrorIs(t, err, ErrEngineClosed)
}

func TestDefaultReconnectPolicy(t *testing.T) {
	policy := &DefaultReconnectPolicy{}

	var delays []time.Duration
	for i := 0; ; i++ {
		delay, ok := policy.NextDelay(ReconnectContext{RetryCount: i})
		if !ok {
			assert.Equal(t, defaultMaxReconnectAttempts, i)
			break
		}
		delays = append(delays, delay)
	}

	require.Len(t, delays, defaultMaxReconnectAttempts)
	assert.Equal(t, time.Duration(0), delays[0])
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1], "delays must not shrink")
	}
}

func TestStaticEndpointProvider(t *testing.T) {
	p := NewStaticEndpointProvider("wss://a.example.com", "wss://b.example.com")

	first, ok := p.Next()
	require.True(t, ok)
	assert.Equal(t, "wss://a.example.com", first)

	second, ok := p.Next()
	require.True(t, ok)
	assert.Equal(t, "wss://b.example.com", second)

	_, ok = p.Next()
	assert.False(t, ok)

	p.Reset()
	again, ok := p.Next()
	require.True(t, ok)
	assert.Equal(t, "wss://a.example.com", again)
}

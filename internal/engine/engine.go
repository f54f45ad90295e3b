package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-rtc/internal/config"
	"github.com/open-beagle/bdwind-rtc/internal/events"
	"github.com/open-beagle/bdwind-rtc/internal/metrics"
	"github.com/open-beagle/bdwind-rtc/internal/protocol"
	"github.com/open-beagle/bdwind-rtc/internal/signaling"
	"github.com/open-beagle/bdwind-rtc/internal/transport"
)

const (
	sdkName    = "go"
	sdkVersion = "0.1.0"
)

// SessionPhase 会话粗粒度阶段
type SessionPhase int

const (
	PhaseNew SessionPhase = iota
	PhaseConnected
	PhaseReconnecting
	PhaseDisconnected
	PhaseClosed
)

func (p SessionPhase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MediaTrack 远端媒体轨道事件负载
type MediaTrack struct {
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// signalChannel 引擎消费的信令客户端窄接口
type signalChannel interface {
	OnResponse(func(*protocol.Response))
	OnStateChange(func(signaling.State, string))
	Join(ctx context.Context, url, token string, opts protocol.ConnectOptions, timeout time.Duration) (*protocol.JoinPayload, error)
	Reconnect(ctx context.Context, url, token, sessionID, reason string, opts protocol.ConnectOptions, timeout time.Duration) (*protocol.ReconnectPayload, error)
	Send(*protocol.Request) error
	DrainQueue()
	Close()
	RTT() int64
}

// mediaCoordinator 引擎消费的传输协调器窄接口
type mediaCoordinator interface {
	RequirePublisher() error
	RequireSubscriber() error
	Negotiate(ctx context.Context) error
	EnsureConnected(ctx context.Context, timeout time.Duration) error
	TriggerICERestart() error
	HandleRemoteAnswer(webrtc.SessionDescription) error
	HandleRemoteOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error)
	AddRemoteCandidate(protocol.TransportRole, webrtc.ICECandidateInit) error
	SetConfiguration(webrtc.Configuration, bool) error
	ConnectedAddress(protocol.TransportRole) (string, bool)
	HasEverConnected() bool
	SubscriberPrimary() bool
	Publisher() *transport.Link
	Subscriber() *transport.Link
	Close()
}

type inboundData struct {
	kind    DataKind
	payload []byte
}

// Params 引擎创建参数
type Params struct {
	Config *config.ClientConfig

	// Policy 重连退避策略, 为空时使用默认策略
	Policy ReconnectPolicy

	// Endpoints 多地域端点提供者, 为空时不做故障转移
	Endpoints EndpointProvider

	// Metrics 指标收集器, 可为空
	Metrics *metrics.Collector
}

// Engine 会话引擎
// 持有唯一的信令客户端与传输协调器, 实现重连决策树、数据通道管理与发布确认关联
type Engine struct {
	cfg     *config.ClientConfig
	logger  *logrus.Entry
	bus     *events.Bus
	metrics *metrics.Collector

	policy    ReconnectPolicy
	endpoints EndpointProvider

	client         signalChannel
	newCoordinator func(transport.CoordinatorParams) mediaCoordinator

	// closeMu 串行化关闭路径
	closeMu sync.Mutex

	mutex            sync.Mutex
	phase            SessionPhase
	coordinator      mediaCoordinator
	joinInfo         *protocol.JoinPayload
	url              string
	token            string
	closed           bool
	pendingPublishes map[string]*pendingPublish
	publishedTracks  map[string]protocol.AddTrackData

	fullReconnectOnNext bool
	reconnectAttempts   int
	reconnectStart      time.Time
	attemptingReconnect bool

	dataChannels *dataChannelSet
	dataQueue    chan inboundData

	done   chan struct{}
	cancel context.CancelFunc
	ctx    context.Context
}

// New 创建会话引擎
func New(params Params) (*Engine, error) {
	cfg := params.Config
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	codec, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	policy := params.Policy
	if policy == nil {
		policy = &DefaultReconnectPolicy{}
	}
	endpoints := params.Endpoints
	if endpoints == nil {
		endpoints = NewStaticEndpointProvider()
	}

	e := newEngine(cfg, signaling.NewClient(codec, params.Metrics), policy, endpoints, params.Metrics)
	e.newCoordinator = func(p transport.CoordinatorParams) mediaCoordinator {
		return transport.NewCoordinator(p)
	}
	return e, nil
}

// newEngine 组装引擎, 测试通过此入口注入伪造的信令客户端与协调器工厂
func newEngine(cfg *config.ClientConfig, client signalChannel, policy ReconnectPolicy, endpoints EndpointProvider, collector *metrics.Collector) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:              cfg,
		logger:           config.GetLoggerWithPrefix("engine"),
		bus:              events.NewBus(),
		metrics:          collector,
		policy:           policy,
		endpoints:        endpoints,
		client:           client,
		phase:            PhaseNew,
		url:              cfg.URL,
		token:            cfg.Token,
		pendingPublishes: make(map[string]*pendingPublish),
		publishedTracks:  make(map[string]protocol.AddTrackData),
		dataQueue:        make(chan inboundData, 64),
		done:             make(chan struct{}),
		cancel:           cancel,
		ctx:              ctx,
	}

	e.dataChannels = newDataChannelSet(collector, e.bus, e.enqueueInbound)

	client.OnResponse(e.handleResponse)
	client.OnStateChange(e.handleSignalStateChange)

	go e.dataLoop()
	return e
}

// Events 返回引擎事件总线
func (e *Engine) Events() *events.Bus {
	return e.bus
}

// Phase 返回当前会话阶段
func (e *Engine) Phase() SessionPhase {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.phase
}

// JoinInfo 返回最近一次加入成功的响应
func (e *Engine) JoinInfo() *protocol.JoinPayload {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.joinInfo
}

// SignalRTT 返回信令通道最近测得的往返时延(毫秒)
func (e *Engine) SignalRTT() int64 {
	return e.client.RTT()
}

// ConnectedAddress 返回指定角色传输当前选中的远端地址
func (e *Engine) ConnectedAddress(role protocol.TransportRole) (string, bool) {
	e.mutex.Lock()
	coord := e.coordinator
	e.mutex.Unlock()
	if coord == nil {
		return "", false
	}
	return coord.ConnectedAddress(role)
}

// Join 加入会话
// server-unreachable 类失败按配置重试; 早期连接失败时查询诊断端点补充错误信息
func (e *Engine) Join(ctx context.Context) (*protocol.JoinPayload, error) {
	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return nil, ErrEngineClosed
	}
	url, token := e.url, e.token
	e.mutex.Unlock()

	var join *protocol.JoinPayload
	var err error
	for attempt := 1; attempt <= e.cfg.MaxJoinAttempts; attempt++ {
		join, err = e.client.Join(ctx, url, token, e.connectOptions(), e.cfg.JoinTimeout)
		if err == nil {
			break
		}
		if !errors.Is(err, signaling.ErrServerUnreachable) || attempt == e.cfg.MaxJoinAttempts {
			break
		}
		e.logger.Warnf("join attempt %d/%d failed: %v", attempt, e.cfg.MaxJoinAttempts, err)
	}
	if err != nil {
		if errors.Is(err, signaling.ErrServerUnreachable) || errors.Is(err, signaling.ErrConnectionTimeout) {
			if diag := e.validateConnection(ctx, url, token); diag != nil {
				return nil, fmt.Errorf("%w (%v)", err, diag)
			}
		}
		return nil, err
	}

	e.mutex.Lock()
	e.joinInfo = join
	e.mutex.Unlock()

	if err := e.configureTransports(join); err != nil {
		return nil, err
	}

	e.endpoints.Reset()
	e.setPhase(PhaseConnected)
	e.bus.Emit(events.EventConnected, join)
	e.logger.Infof("✅ session joined, sid=%s subscriber_primary=%v", join.SessionID, join.SubscriberPrimary)
	return join, nil
}

// validateConnection 查询连接前置诊断端点, 将服务器给出的拒绝原因转成错误
func (e *Engine) validateConnection(ctx context.Context, serverURL, token string) error {
	opts := e.connectOptions()
	opts.Codec = e.cfg.Codec
	validateURL, err := protocol.BuildValidateURL(serverURL, token, opts)
	if err != nil {
		return nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, validateURL, nil)
	if err != nil {
		return nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("validation: status %d: %s", resp.StatusCode, string(body))
}

func (e *Engine) connectOptions() protocol.ConnectOptions {
	return protocol.ConnectOptions{
		AutoSubscribe:  e.cfg.AutoSubscribe,
		AdaptiveStream: e.cfg.AdaptiveStream,
		Codec:          e.cfg.Codec,
		ClientInfo: protocol.ClientInfo{
			SDK:     sdkName,
			Version: sdkVersion,
			OS:      runtime.GOOS,
		},
	}
}

// configureTransports 按加入响应配置协调器, 协调器在引擎生命周期内只创建一次
// 非订阅端主导时立即建立发布端并完成首轮协商
func (e *Engine) configureTransports(join *protocol.JoinPayload) error {
	rtcConf := e.rtcConfiguration(join.ICEServers, join.ClientConfiguration)

	e.mutex.Lock()
	coord := e.coordinator
	e.mutex.Unlock()

	if coord == nil {
		coord = e.newCoordinator(transport.CoordinatorParams{
			Configuration:      rtcConf,
			SubscriberPrimary:  join.SubscriberPrimary,
			NegotiationTimeout: e.cfg.NegotiationTimeout,
			OnPublisherOffer:   e.onPublisherOffer,
			OnCandidate:        e.onLocalCandidate,
			OnStateChange:      e.onTransportStateChange,
			OnTrack:            e.onRemoteTrack,
			OnSubscriberDataChannel: func(dc *webrtc.DataChannel) {
				e.dataChannels.adoptSubscriberChannel(dc)
			},
		})
		e.mutex.Lock()
		e.coordinator = coord
		e.mutex.Unlock()
	} else {
		if err := coord.SetConfiguration(rtcConf, false); err != nil {
			return err
		}
	}

	if join.SubscriberPrimary {
		return coord.RequireSubscriber()
	}

	if err := coord.RequirePublisher(); err != nil {
		return err
	}
	if pub := coord.Publisher(); pub != nil {
		if err := e.dataChannels.createOnPublisher(pub); err != nil {
			return err
		}
	}
	return coord.Negotiate(e.ctx)
}

// rtcConfiguration 将服务器下发的 ICE 配置与本地策略合并
func (e *Engine) rtcConfiguration(servers []protocol.ICEServer, clientConf *protocol.ClientConfiguration) webrtc.Configuration {
	conf := webrtc.Configuration{}
	for _, s := range servers {
		conf.ICEServers = append(conf.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if e.cfg.ICETransportPolicy == "relay" || (clientConf != nil && clientConf.ForceRelay) {
		conf.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return conf
}

// Send 透传一条信令请求
func (e *Engine) Send(req *protocol.Request) error {
	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return ErrEngineClosed
	}
	e.mutex.Unlock()
	return e.client.Send(req)
}

// SendDataPacket 在指定语义的数据通道上发送
// 惰性保证发布端传输与通道就绪, 必要时触发协商并有界等待
func (e *Engine) SendDataPacket(ctx context.Context, kind DataKind, payload []byte) error {
	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return ErrEngineClosed
	}
	coord := e.coordinator
	e.mutex.Unlock()
	if coord == nil {
		return ErrEngineClosed
	}

	if err := e.ensurePublisherReady(ctx, coord); err != nil {
		return err
	}
	return e.dataChannels.send(kind, payload)
}

func (e *Engine) ensurePublisherReady(ctx context.Context, coord mediaCoordinator) error {
	if err := coord.RequirePublisher(); err != nil {
		return err
	}

	pub := coord.Publisher()
	if pub == nil {
		return ErrDataChannelUnavailable
	}

	if e.dataChannels.identityLost() {
		e.dataChannels.closePublisherChannels()
	}
	if !e.dataChannels.hasPublisherChannels() {
		if err := e.dataChannels.createOnPublisher(pub); err != nil {
			return err
		}
	}

	if pub.IsIdle() {
		if err := coord.Negotiate(ctx); err != nil {
			return err
		}
	}
	return coord.EnsureConnected(ctx, e.cfg.NegotiationTimeout)
}

// 信令回调

func (e *Engine) onPublisherOffer(sd webrtc.SessionDescription) {
	err := e.client.Send(&protocol.Request{
		Kind:  protocol.RequestKindOffer,
		Offer: &protocol.SessionDescription{Type: sd.Type.String(), SDP: sd.SDP},
	})
	if err != nil {
		e.logger.Errorf("failed to send publisher offer: %v", err)
	}
}

func (e *Engine) onLocalCandidate(role protocol.TransportRole, candidate webrtc.ICECandidateInit) {
	err := e.client.Send(&protocol.Request{
		Kind: protocol.RequestKindTrickle,
		Trickle: &protocol.TrickleData{
			Target:    role,
			Candidate: toProtocolCandidate(candidate),
		},
	})
	if err != nil {
		e.logger.Errorf("failed to send local candidate: %v", err)
	}
}

func (e *Engine) onTransportStateChange(state transport.State) {
	if state == transport.StateFailed {
		e.handleDisconnect("transport failed", false)
	}
}

func (e *Engine) onRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	e.bus.Emit(events.EventMediaTrack, MediaTrack{Track: track, Receiver: receiver})
}

func (e *Engine) handleSignalStateChange(state signaling.State, reason string) {
	if state != signaling.StateDisconnected {
		return
	}

	e.mutex.Lock()
	unexpected := !e.closed && e.phase == PhaseConnected && !e.attemptingReconnect
	e.mutex.Unlock()

	if unexpected {
		e.handleDisconnect(fmt.Sprintf("signal: %s", reason), false)
	}
}

// handleResponse 入站信令分发
func (e *Engine) handleResponse(resp *protocol.Response) {
	switch resp.Kind {
	case protocol.ResponseKindAnswer:
		e.withCoordinator(func(coord mediaCoordinator) {
			if err := coord.HandleRemoteAnswer(fromProtocolSD(resp.Answer)); err != nil {
				e.logger.Errorf("failed to apply remote answer: %v", err)
			}
		})
	case protocol.ResponseKindOffer:
		e.withCoordinator(func(coord mediaCoordinator) {
			answer, err := coord.HandleRemoteOffer(fromProtocolSD(resp.Offer))
			if err != nil {
				e.logger.Errorf("failed to answer remote offer: %v", err)
				return
			}
			err = e.client.Send(&protocol.Request{
				Kind:   protocol.RequestKindAnswer,
				Answer: &protocol.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP},
			})
			if err != nil {
				e.logger.Errorf("failed to send subscriber answer: %v", err)
			}
		})
	case protocol.ResponseKindTrickle:
		e.withCoordinator(func(coord mediaCoordinator) {
			err := coord.AddRemoteCandidate(resp.Trickle.Target, fromProtocolCandidate(resp.Trickle.Candidate))
			if err != nil {
				e.logger.Errorf("failed to add remote candidate: %v", err)
			}
		})
	case protocol.ResponseKindTrackPublished:
		e.resolvePublish(resp.TrackPublished)
	case protocol.ResponseKindTrackUnpublished:
		e.bus.Emit(events.EventLocalTrackUnpublished, resp.TrackUnpublished)
	case protocol.ResponseKindParticipantUpdate:
		e.bus.Emit(events.EventParticipantUpdate, resp.ParticipantUpdate)
	case protocol.ResponseKindRoomUpdate:
		e.bus.Emit(events.EventRoomUpdate, resp.RoomUpdate)
	case protocol.ResponseKindSpeakersChanged:
		e.bus.Emit(events.EventSpeakersChanged, resp.SpeakersChanged)
	case protocol.ResponseKindConnectionQuality:
		e.bus.Emit(events.EventConnectionQuality, resp.ConnectionQuality)
	case protocol.ResponseKindStreamStateUpdate:
		e.bus.Emit(events.EventStreamStateChanged, resp.StreamStateUpdate)
	case protocol.ResponseKindSubscribedQualityUpdate:
		e.bus.Emit(events.EventSubscribedQualityUpdate, resp.SubscribedQualityUpdate)
	case protocol.ResponseKindSubscriptionPermissionUpdate:
		e.bus.Emit(events.EventSubscriptionPermissionUpdate, resp.SubscriptionPermissionUpdate)
	case protocol.ResponseKindSubscriptionResponse:
		if resp.SubscriptionResponse.Err != "" {
			e.bus.Emit(events.EventSubscriptionError, resp.SubscriptionResponse)
		}
	case protocol.ResponseKindMute:
		e.bus.Emit(events.EventRemoteMute, resp.Mute)
	case protocol.ResponseKindRefreshToken:
		e.mutex.Lock()
		e.token = resp.RefreshToken.Token
		e.mutex.Unlock()
	case protocol.ResponseKindLeave:
		e.handleLeave(resp.Leave)
	default:
		e.logger.Debugf("unhandled signal response: %s", resp.Kind)
	}
}

func (e *Engine) withCoordinator(fn func(mediaCoordinator)) {
	e.mutex.Lock()
	coord := e.coordinator
	e.mutex.Unlock()
	if coord == nil {
		e.logger.Warn("signal message ignored, transports not configured yet")
		return
	}
	fn(coord)
}

// handleLeave 服务器要求离开
// 允许重连时立即走完整重建路径, 否则终止会话
func (e *Engine) handleLeave(leave *protocol.LeaveData) {
	if leave != nil && leave.CanReconnect {
		e.logger.Infof("server requested reconnect: %s", leave.Reason)
		e.mutex.Lock()
		e.fullReconnectOnNext = true
		e.mutex.Unlock()
		e.handleDisconnect("server leave", true)
		return
	}

	reason := "server requested leave"
	if leave != nil && leave.Reason != "" {
		reason = leave.Reason
	}
	e.terminate(reason)
}

// 重连决策树

// handleDisconnect 进入重连流程, 已有尝试在途时拒绝再次调度
func (e *Engine) handleDisconnect(reason string, immediate bool) {
	e.mutex.Lock()
	if e.closed || e.attemptingReconnect {
		e.mutex.Unlock()
		return
	}
	e.attemptingReconnect = true
	if e.reconnectAttempts == 0 {
		// 每轮重连只记一次起点
		e.reconnectStart = time.Now()
	}
	e.mutex.Unlock()

	e.logger.Warnf("❌ connection lost (%s), entering reconnect", reason)
	e.setPhase(PhaseReconnecting)
	e.bus.Emit(events.EventOffline, reason)
	go e.reconnectLoop(reason, immediate)
}

func (e *Engine) reconnectLoop(reason string, immediate bool) {
	defer func() {
		e.mutex.Lock()
		e.attemptingReconnect = false
		e.mutex.Unlock()
	}()

	for {
		e.mutex.Lock()
		if e.closed {
			e.mutex.Unlock()
			return
		}
		rctx := ReconnectContext{
			RetryCount: e.reconnectAttempts,
			Elapsed:    time.Since(e.reconnectStart),
			Reason:     reason,
			ServerURL:  e.url,
		}
		e.mutex.Unlock()

		delay, ok := e.nextDelay(rctx)
		if !ok {
			e.terminate("reconnect attempts exhausted")
			return
		}
		if immediate {
			delay = 0
			immediate = false
		}

		select {
		case <-time.After(delay):
		case <-e.done:
			return
		}

		err := e.attemptReconnect(reason)
		if err == nil {
			e.mutex.Lock()
			e.reconnectAttempts = 0
			e.fullReconnectOnNext = false
			e.mutex.Unlock()
			e.endpoints.Reset()
			e.setPhase(PhaseConnected)
			e.logger.Info("✅ reconnected")
			return
		}

		if e.isUnrecoverable(err) {
			e.terminate(fmt.Sprintf("unrecoverable reconnect failure: %v", err))
			return
		}

		e.mutex.Lock()
		e.reconnectAttempts++
		// 任何可恢复失败都使下一次尝试升级到完整重建
		e.fullReconnectOnNext = true
		e.mutex.Unlock()
		e.logger.Warnf("reconnect attempt failed: %v", err)
	}
}

// nextDelay 咨询退避策略, 策略崩溃按放弃处理
func (e *Engine) nextDelay(rctx ReconnectContext) (delay time.Duration, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("reconnect policy panicked, giving up: %v", r)
			delay, ok = 0, false
		}
	}()
	return e.policy.NextDelay(rctx)
}

func (e *Engine) isUnrecoverable(err error) bool {
	return errors.Is(err, ErrEngineClosed) ||
		errors.Is(err, signaling.ErrNotAllowed) ||
		errors.Is(err, signaling.ErrLeaveRequested) ||
		errors.Is(err, transport.ErrClosed)
}

// attemptReconnect 选择恢复或完整重建
// 下一次被标记为完整重建, 或传输从未连接成功时, 走重建路径
func (e *Engine) attemptReconnect(reason string) error {
	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return ErrEngineClosed
	}
	full := e.fullReconnectOnNext
	coord := e.coordinator
	url := e.url
	e.mutex.Unlock()

	if full || coord == nil || !coord.HasEverConnected() {
		e.bus.Emit(events.EventRestarting, reason)
		if err := e.restartConnection(e.ctx, url, reason); err != nil {
			return err
		}
		e.bus.Emit(events.EventRestarted, nil)
		return nil
	}

	e.bus.Emit(events.EventResuming, reason)
	if err := e.resumeConnection(e.ctx, coord, reason); err != nil {
		return err
	}
	e.bus.Emit(events.EventResumed, nil)
	return nil
}

// resumeConnection 只重建信令通道, 保留既有传输, 通过 ICE 重启恢复媒体
func (e *Engine) resumeConnection(ctx context.Context, coord mediaCoordinator, reason string) error {
	if e.metrics != nil {
		e.metrics.IncReconnectAttempt("resume")
	}

	e.mutex.Lock()
	url, token := e.url, e.token
	sessionID := ""
	if e.joinInfo != nil {
		sessionID = e.joinInfo.SessionID
	}
	e.mutex.Unlock()

	reconnect, err := e.client.Reconnect(ctx, url, token, sessionID, reason, e.connectOptions(), e.cfg.JoinTimeout)
	if err != nil {
		return err
	}
	e.bus.Emit(events.EventSignalResumed, nil)

	if reconnect != nil {
		conf := e.rtcConfiguration(reconnect.ICEServers, reconnect.ClientConfiguration)
		if err := coord.SetConfiguration(conf, true); err != nil {
			return err
		}
	}

	if err := coord.TriggerICERestart(); err != nil {
		return err
	}

	e.sendSyncState(coord)
	e.client.DrainQueue()

	if err := coord.EnsureConnected(ctx, e.cfg.JoinTimeout); err != nil {
		return err
	}

	// 可靠通道标识丢失时必须重建, 标识只在协商完成后分配
	if e.dataChannels.identityLost() {
		e.logger.Warn("reliable data channel lost its identity, recreating channels")
		e.dataChannels.closePublisherChannels()
		if pub := coord.Publisher(); pub != nil {
			if err := e.dataChannels.createOnPublisher(pub); err != nil {
				return err
			}
			if err := coord.Negotiate(ctx); err != nil {
				return err
			}
		}
	}

	return nil
}

// sendSyncState 恢复会话后向服务器同步本地视图
func (e *Engine) sendSyncState(coord mediaCoordinator) {
	sync := &protocol.SyncStateData{
		DataChannels: e.dataChannels.channelInfos(),
	}

	if sub := coord.Subscriber(); sub != nil {
		if sd := sub.LocalDescription(); sd != nil {
			sync.Answer = &protocol.SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}
		}
	}

	e.mutex.Lock()
	for _, track := range e.publishedTracks {
		sync.PublishedTracks = append(sync.PublishedTracks, track)
	}
	e.mutex.Unlock()

	err := e.client.Send(&protocol.Request{
		Kind:      protocol.RequestKindSyncState,
		SyncState: sync,
	})
	if err != nil {
		e.logger.Errorf("failed to send sync state: %v", err)
	}
}

// restartConnection 完整重建: 通知离开, 拆除信令与传输, 从头加入
// 任一步骤失败时向端点提供者索取下一个候选并递归重试
func (e *Engine) restartConnection(ctx context.Context, url, reason string) error {
	if e.metrics != nil {
		e.metrics.IncReconnectAttempt("restart")
	}

	_ = e.client.Send(&protocol.Request{
		Kind:  protocol.RequestKindLeave,
		Leave: &protocol.LeaveData{Reason: reason},
	})
	e.client.Close()

	e.mutex.Lock()
	coord := e.coordinator
	e.coordinator = nil
	e.mutex.Unlock()
	if coord != nil {
		coord.Close()
	}
	e.dataChannels.closePublisherChannels()
	e.rejectAllPublishes()

	join, err := e.client.Join(ctx, url, e.currentToken(), e.connectOptions(), e.cfg.JoinTimeout)
	if err != nil {
		return e.tryNextEndpoint(ctx, url, reason, err)
	}
	e.bus.Emit(events.EventSignalRestarted, nil)

	e.mutex.Lock()
	e.url = url
	e.joinInfo = join
	e.mutex.Unlock()

	if err := e.configureTransports(join); err != nil {
		return e.tryNextEndpoint(ctx, url, reason, err)
	}

	e.mutex.Lock()
	coord = e.coordinator
	e.mutex.Unlock()
	if coord != nil && !coord.SubscriberPrimary() {
		if err := coord.EnsureConnected(ctx, e.cfg.JoinTimeout); err != nil {
			return e.tryNextEndpoint(ctx, url, reason, err)
		}
	}

	return nil
}

func (e *Engine) tryNextEndpoint(ctx context.Context, failedURL, reason string, cause error) error {
	if e.isUnrecoverable(cause) {
		return cause
	}
	next, ok := e.endpoints.Next()
	if !ok {
		return cause
	}
	e.logger.Warnf("restart against %s failed (%v), trying %s", failedURL, cause, next)
	return e.restartConnection(ctx, next, reason)
}

func (e *Engine) currentToken() string {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.token
}

// 数据通道入站: 单协程消费保证到达顺序

func (e *Engine) enqueueInbound(kind DataKind, payload []byte) {
	select {
	case e.dataQueue <- inboundData{kind: kind, payload: payload}:
	case <-e.done:
	}
}

func (e *Engine) dataLoop() {
	for {
		select {
		case <-e.done:
			return
		case msg := <-e.dataQueue:
			e.bus.Emit(events.EventDataPacket, DataPacket{Kind: msg.kind, Payload: msg.payload})
		}
	}
}

// 生命周期

// terminate 终止会话: 拆除资源, 上报唯一一次 disconnected 事件
// 事件总线保持开放, 由调用方最终 Close
func (e *Engine) terminate(reason string) {
	e.logger.Errorf("❌ session terminated: %s", reason)
	e.teardown(reason, false)
	e.setPhase(PhaseDisconnected)
	e.bus.Emit(events.EventDisconnected, reason)
}

// Close 关闭引擎, 幂等
func (e *Engine) Close() {
	e.teardown("client requested", true)
	e.setPhase(PhaseClosed)
	e.bus.Close()
}

func (e *Engine) teardown(reason string, sendLeave bool) {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()

	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return
	}
	e.closed = true
	coord := e.coordinator
	e.mutex.Unlock()

	e.cancel()
	close(e.done)

	if sendLeave {
		_ = e.client.Send(&protocol.Request{
			Kind:  protocol.RequestKindLeave,
			Leave: &protocol.LeaveData{Reason: reason},
		})
	}
	e.client.Close()
	if coord != nil {
		coord.Close()
	}
	e.dataChannels.closePublisherChannels()
	e.rejectAllPublishes()
}

func (e *Engine) setPhase(phase SessionPhase) {
	e.mutex.Lock()
	old := e.phase
	if old == phase {
		e.mutex.Unlock()
		return
	}
	// 终态不回退
	if old == PhaseClosed {
		e.mutex.Unlock()
		return
	}
	e.phase = phase
	e.mutex.Unlock()

	e.logger.Infof("session phase changed: %s -> %s", old, phase)
	if e.metrics != nil {
		e.metrics.SetSessionPhase(int(phase))
	}
}

// SDP 与候选的线上格式转换

func fromProtocolSD(sd *protocol.SessionDescription) webrtc.SessionDescription {
	if sd == nil {
		return webrtc.SessionDescription{}
	}
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.SDP,
	}
}

func toProtocolCandidate(c webrtc.ICECandidateInit) protocol.ICECandidateInit {
	return protocol.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromProtocolCandidate(c protocol.ICECandidateInit) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

package transport

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-rtc/internal/config"
	"github.com/open-beagle/bdwind-rtc/internal/protocol"
)

// LinkParams Link 创建参数
type LinkParams struct {
	Role          protocol.TransportRole
	Configuration webrtc.Configuration

	// OnOffer 本地 offer 生成后回调 (发布端)
	OnOffer func(webrtc.SessionDescription)

	// OnCandidate 本地 ICE 候选回调
	OnCandidate func(webrtc.ICECandidateInit)

	// OnStateChange 归约状态变更回调
	OnStateChange func(State)

	// OnTrack 远端媒体轨道回调 (订阅端)
	OnTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)

	// OnDataChannel 服务器镜像的数据通道回调 (订阅端)
	OnDataChannel func(*webrtc.DataChannel)
}

// Link 单个媒体传输的封装
// 隐藏 offer/answer/candidate 生命周期, 将底层子状态归约为一个 State 上报
type Link struct {
	params LinkParams
	logger *logrus.Entry

	mutex             sync.Mutex
	pc                *webrtc.PeerConnection
	state             State
	pendingCandidates []webrtc.ICECandidateInit
	negotiationDone   chan struct{}
	restartPending    bool
	closed            bool
}

// NewLink 创建并接线一个媒体传输
func NewLink(params LinkParams) (*Link, error) {
	pc, err := webrtc.NewPeerConnection(params.Configuration)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	l := &Link{
		params: params,
		logger: config.GetLoggerWithPrefix(fmt.Sprintf("transport-%s", params.Role)),
		pc:     pc,
		state:  StateNew,
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		l.logger.Debugf("local ICE candidate: %s", init.Candidate)
		if l.params.OnCandidate != nil {
			l.params.OnCandidate(init)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.handleConnectionStateChange(s)
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		l.logger.Debugf("ICE connection state: %s", s)
	})

	if params.OnTrack != nil {
		pc.OnTrack(params.OnTrack)
	}
	if params.OnDataChannel != nil {
		pc.OnDataChannel(params.OnDataChannel)
	}

	return l, nil
}

func (l *Link) handleConnectionStateChange(s webrtc.PeerConnectionState) {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return
	}
	next := reduceConnectionState(s)
	changed := next != l.state
	l.state = next
	l.mutex.Unlock()

	if changed {
		l.logger.Infof("transport state changed: %s", next)
		if l.params.OnStateChange != nil {
			l.params.OnStateChange(next)
		}
	}
}

// Role 返回传输角色
func (l *Link) Role() protocol.TransportRole {
	return l.params.Role
}

// State 返回当前归约状态
func (l *Link) State() State {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.state
}

// IsIdle 尚未发起过协商
func (l *Link) IsIdle() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return !l.closed && l.pc.CurrentLocalDescription() == nil && l.pc.CurrentRemoteDescription() == nil
}

// CreateAndSendOffer 发起一轮协商并通过回调送出本地 offer
func (l *Link) CreateAndSendOffer(options *webrtc.OfferOptions) error {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return ErrClosed
	}
	if l.restartPending {
		l.restartPending = false
		if options == nil {
			options = &webrtc.OfferOptions{}
		}
		options.ICERestart = true
	}
	l.negotiationDone = make(chan struct{})
	done := l.negotiationDone
	l.mutex.Unlock()

	offer, err := l.pc.CreateOffer(options)
	if err != nil {
		l.failNegotiation(done)
		return fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		l.failNegotiation(done)
		return fmt.Errorf("%w: set local offer: %v", ErrNegotiation, err)
	}

	l.logger.Debugf("sending %s offer (%d bytes)", l.params.Role, len(offer.SDP))
	if l.params.OnOffer != nil {
		l.params.OnOffer(offer)
	}
	return nil
}

// failNegotiation 协商失败时释放等待者
func (l *Link) failNegotiation(done chan struct{}) {
	l.mutex.Lock()
	if l.negotiationDone == done {
		l.negotiationDone = nil
	}
	l.mutex.Unlock()
}

// negotiationComplete 返回当前协商完成信号, 无协商进行时返回 nil
func (l *Link) negotiationComplete() <-chan struct{} {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.negotiationDone
}

// SetRemoteAnswer 应用远端 answer, 完成一轮协商
func (l *Link) SetRemoteAnswer(sd webrtc.SessionDescription) error {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return ErrClosed
	}
	l.mutex.Unlock()

	if err := l.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("%w: set remote answer: %v", ErrNegotiation, err)
	}
	l.flushPendingCandidates()

	l.mutex.Lock()
	done := l.negotiationDone
	l.negotiationDone = nil
	l.mutex.Unlock()
	if done != nil {
		close(done)
	}
	return nil
}

// CreateAnswerFromOffer 应用远端 offer 并返回本地 answer (订阅角色)
func (l *Link) CreateAnswerFromOffer(sd webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return webrtc.SessionDescription{}, ErrClosed
	}
	l.mutex.Unlock()

	if err := l.pc.SetRemoteDescription(sd); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set remote offer: %v", ErrNegotiation, err)
	}
	l.flushPendingCandidates()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local answer: %v", ErrNegotiation, err)
	}

	return answer, nil
}

// AddRemoteCandidate 添加远端 ICE 候选
// 远端描述尚未应用时候选会被缓存, 描述就绪后统一下发
func (l *Link) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return ErrClosed
	}
	if l.pc.RemoteDescription() == nil {
		l.pendingCandidates = append(l.pendingCandidates, candidate)
		l.mutex.Unlock()
		return nil
	}
	l.mutex.Unlock()

	return l.pc.AddICECandidate(candidate)
}

func (l *Link) flushPendingCandidates() {
	l.mutex.Lock()
	pending := l.pendingCandidates
	l.pendingCandidates = nil
	l.mutex.Unlock()

	for _, candidate := range pending {
		if err := l.pc.AddICECandidate(candidate); err != nil {
			l.logger.Errorf("failed to add buffered ICE candidate: %v", err)
		}
	}
}

// SetConfiguration 更新 ICE 配置, iceRestart 为真时标记下一轮协商强制重启 ICE
func (l *Link) SetConfiguration(configuration webrtc.Configuration, iceRestart bool) error {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return ErrClosed
	}
	if iceRestart {
		l.restartPending = true
	}
	l.mutex.Unlock()

	if err := l.pc.SetConfiguration(configuration); err != nil {
		return fmt.Errorf("failed to set transport configuration: %w", err)
	}
	return nil
}

// MarkRestartPending 标记下一轮协商执行 ICE 重启
func (l *Link) MarkRestartPending() {
	l.mutex.Lock()
	l.restartPending = true
	l.mutex.Unlock()
}

// CreateDataChannel 在此传输上创建数据通道
func (l *Link) CreateDataChannel(label string, init *webrtc.DataChannelInit) (*webrtc.DataChannel, error) {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return nil, ErrClosed
	}
	l.mutex.Unlock()

	return l.pc.CreateDataChannel(label, init)
}

// LocalDescription 返回当前本地描述, 无则为 nil
func (l *Link) LocalDescription() *webrtc.SessionDescription {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return nil
	}
	pc := l.pc
	l.mutex.Unlock()
	return pc.LocalDescription()
}

// ConnectedAddress 返回当前选中候选对的远端地址
func (l *Link) ConnectedAddress() (string, bool) {
	l.mutex.Lock()
	if l.closed || l.state != StateConnected {
		l.mutex.Unlock()
		return "", false
	}
	pc := l.pc
	l.mutex.Unlock()

	sctp := pc.SCTP()
	if sctp == nil || sctp.Transport() == nil || sctp.Transport().ICETransport() == nil {
		return "", false
	}
	pair, err := sctp.Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil || pair == nil || pair.Remote == nil {
		return "", false
	}
	return fmt.Sprintf("%s:%d", pair.Remote.Address, pair.Remote.Port), true
}

// Close 拆除传输, 幂等
func (l *Link) Close() {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return
	}
	l.closed = true
	l.state = StateClosing
	done := l.negotiationDone
	l.negotiationDone = nil
	pc := l.pc
	l.mutex.Unlock()

	if done != nil {
		close(done)
	}
	if l.params.OnStateChange != nil {
		l.params.OnStateChange(StateClosing)
	}

	if err := pc.Close(); err != nil {
		l.logger.Warnf("failed to close peer connection: %v", err)
	}

	l.mutex.Lock()
	l.state = StateClosed
	l.mutex.Unlock()
	if l.params.OnStateChange != nil {
		l.params.OnStateChange(StateClosed)
	}
}

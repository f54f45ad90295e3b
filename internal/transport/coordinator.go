package transport

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/open-beagle/bdwind-rtc/internal/config"
	"github.com/open-beagle/bdwind-rtc/internal/protocol"
)

// CoordinatorParams Coordinator 创建参数
type CoordinatorParams struct {
	Configuration      webrtc.Configuration
	SubscriberPrimary  bool
	NegotiationTimeout time.Duration

	// OnPublisherOffer 发布端本地 offer 需要送往服务器
	OnPublisherOffer func(webrtc.SessionDescription)

	// OnCandidate 任一端的本地 ICE 候选需要送往服务器
	OnCandidate func(protocol.TransportRole, webrtc.ICECandidateInit)

	// OnStateChange 聚合状态变更
	OnStateChange func(State)

	// OnTrack 订阅端远端媒体轨道
	OnTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)

	// OnSubscriberDataChannel 订阅端主导时服务器镜像的数据通道
	OnSubscriberDataChannel func(*webrtc.DataChannel)
}

// Coordinator 双传输协调器
// 持有发布/订阅两条传输, 按需建立, 将两者状态归约为一个聚合状态对外
type Coordinator struct {
	params CoordinatorParams
	logger *logrus.Entry

	// ensureSem 串行化 EnsureConnected 的单飞等待
	ensureSem *semaphore.Weighted

	mutex              sync.Mutex
	publisher          *Link
	subscriber         *Link
	publisherRequired  bool
	subscriberRequired bool
	aggregate          State
	stateChanged       chan struct{}
	everConnected      bool
	closed             bool
}

// NewCoordinator 创建协调器, 此时不建立任何传输
func NewCoordinator(params CoordinatorParams) *Coordinator {
	if params.NegotiationTimeout <= 0 {
		params.NegotiationTimeout = 10 * time.Second
	}
	return &Coordinator{
		params:       params,
		logger:       config.GetLoggerWithPrefix("transport"),
		ensureSem:    semaphore.NewWeighted(1),
		aggregate:    StateNew,
		stateChanged: make(chan struct{}),
	}
}

// RequirePublisher 标记需要发布端传输, 懒建立
func (c *Coordinator) RequirePublisher() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.publisherRequired = true
	if c.publisher == nil {
		link, err := c.newLinkLocked(protocol.RolePublisher)
		if err != nil {
			return err
		}
		c.publisher = link
	}
	c.recomputeLocked()
	return nil
}

// RequireSubscriber 标记需要订阅端传输
func (c *Coordinator) RequireSubscriber() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.subscriberRequired = true
	if c.subscriber == nil {
		link, err := c.newLinkLocked(protocol.RoleSubscriber)
		if err != nil {
			return err
		}
		c.subscriber = link
	}
	c.recomputeLocked()
	return nil
}

func (c *Coordinator) newLinkLocked(role protocol.TransportRole) (*Link, error) {
	params := LinkParams{
		Role:          role,
		Configuration: c.params.Configuration,
		OnCandidate: func(candidate webrtc.ICECandidateInit) {
			if c.params.OnCandidate != nil {
				c.params.OnCandidate(role, candidate)
			}
		},
		OnStateChange: func(State) {
			c.mutex.Lock()
			c.recomputeLocked()
			c.mutex.Unlock()
		},
	}
	if role == protocol.RolePublisher {
		params.OnOffer = c.params.OnPublisherOffer
	} else {
		params.OnTrack = c.params.OnTrack
		params.OnDataChannel = c.params.OnSubscriberDataChannel
	}
	return NewLink(params)
}

// recomputeLocked 重新归约聚合状态, 必须持锁调用
func (c *Coordinator) recomputeLocked() {
	var states []State
	if c.publisherRequired && c.publisher != nil {
		states = append(states, c.publisher.State())
	}
	if c.subscriberRequired && c.subscriber != nil {
		states = append(states, c.subscriber.State())
	}

	next := Reduce(states)
	if next == c.aggregate {
		return
	}
	c.aggregate = next
	if next == StateConnected {
		c.everConnected = true
	}

	// 广播状态变更, 唤醒所有条件等待者
	close(c.stateChanged)
	c.stateChanged = make(chan struct{})

	c.logger.Infof("aggregate transport state changed: %s", next)
	if c.params.OnStateChange != nil {
		go c.params.OnStateChange(next)
	}
}

// State 返回当前聚合状态
func (c *Coordinator) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.aggregate
}

// HasEverConnected 聚合状态是否曾经到达 connected
func (c *Coordinator) HasEverConnected() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.everConnected
}

// SubscriberPrimary 订阅端是否为主传输
func (c *Coordinator) SubscriberPrimary() bool {
	return c.params.SubscriberPrimary
}

// Publisher 返回发布端传输, 未建立时为 nil
func (c *Coordinator) Publisher() *Link {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.publisher
}

// Subscriber 返回订阅端传输, 未建立时为 nil
func (c *Coordinator) Subscriber() *Link {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.subscriber
}

func (c *Coordinator) link(role protocol.TransportRole) *Link {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if role == protocol.RolePublisher {
		return c.publisher
	}
	return c.subscriber
}

// EnsureConnected 等待聚合状态到达 connected, 超时或取消返回对应错误
// 同一时刻只有一个调用真正等待, 其余调用排队共享结果
func (c *Coordinator) EnsureConnected(ctx context.Context, timeout time.Duration) error {
	if err := c.ensureSem.Acquire(ctx, 1); err != nil {
		return ErrOperationCancelled
	}
	defer c.ensureSem.Release(1)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		c.mutex.Lock()
		if c.closed {
			c.mutex.Unlock()
			return ErrClosed
		}
		if c.aggregate == StateConnected {
			c.mutex.Unlock()
			return nil
		}
		changed := c.stateChanged
		c.mutex.Unlock()

		select {
		case <-changed:
		case <-deadline.C:
			return ErrConnectionTimeout
		case <-ctx.Done():
			return ErrOperationCancelled
		}
	}
}

// Negotiate 在发布端发起一轮协商并等待 answer 应用完成
func (c *Coordinator) Negotiate(ctx context.Context) error {
	pub := c.link(protocol.RolePublisher)
	if pub == nil {
		return ErrNegotiation
	}

	if err := pub.CreateAndSendOffer(nil); err != nil {
		return err
	}

	done := pub.negotiationComplete()
	if done == nil {
		return nil
	}

	timer := time.NewTimer(c.params.NegotiationTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrConnectionTimeout
	case <-ctx.Done():
		return ErrOperationCancelled
	}
}

// TriggerICERestart 标记订阅端等待服务器重启, 发布端存在则立即发 ICE 重启 offer
func (c *Coordinator) TriggerICERestart() error {
	sub := c.link(protocol.RoleSubscriber)
	if sub != nil {
		sub.MarkRestartPending()
	}

	c.mutex.Lock()
	pub := c.publisher
	required := c.publisherRequired
	c.mutex.Unlock()

	if pub != nil && required && !pub.IsIdle() {
		return pub.CreateAndSendOffer(&webrtc.OfferOptions{ICERestart: true})
	}
	return nil
}

// HandleRemoteAnswer 应用服务器对发布端 offer 的应答
func (c *Coordinator) HandleRemoteAnswer(sd webrtc.SessionDescription) error {
	pub := c.link(protocol.RolePublisher)
	if pub == nil {
		return ErrNegotiation
	}
	return pub.SetRemoteAnswer(sd)
}

// HandleRemoteOffer 应用服务器发往订阅端的 offer 并返回本地 answer
func (c *Coordinator) HandleRemoteOffer(sd webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.RequireSubscriber(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	sub := c.link(protocol.RoleSubscriber)
	return sub.CreateAnswerFromOffer(sd)
}

// AddRemoteCandidate 将远端候选交给对应角色的传输
func (c *Coordinator) AddRemoteCandidate(role protocol.TransportRole, candidate webrtc.ICECandidateInit) error {
	link := c.link(role)
	if link == nil {
		c.logger.Warnf("dropping remote candidate for absent %s transport", role)
		return nil
	}
	return link.AddRemoteCandidate(candidate)
}

// SetConfiguration 更新两端传输的 ICE 配置
func (c *Coordinator) SetConfiguration(configuration webrtc.Configuration, iceRestart bool) error {
	c.mutex.Lock()
	c.params.Configuration = configuration
	pub, sub := c.publisher, c.subscriber
	c.mutex.Unlock()

	if pub != nil {
		if err := pub.SetConfiguration(configuration, iceRestart); err != nil {
			return err
		}
	}
	if sub != nil {
		if err := sub.SetConfiguration(configuration, iceRestart); err != nil {
			return err
		}
	}
	return nil
}

// ConnectedAddress 返回指定角色当前选中候选对的远端地址
func (c *Coordinator) ConnectedAddress(role protocol.TransportRole) (string, bool) {
	link := c.link(role)
	if link == nil {
		return "", false
	}
	return link.ConnectedAddress()
}

// Close 拆除两端传输, 幂等
func (c *Coordinator) Close() {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return
	}
	c.closed = true
	pub, sub := c.publisher, c.subscriber
	// 唤醒等待者, 使其观察到 closed
	close(c.stateChanged)
	c.stateChanged = make(chan struct{})
	c.mutex.Unlock()

	if pub != nil {
		pub.Close()
	}
	if sub != nil {
		sub.Close()
	}
}

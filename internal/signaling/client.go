package signaling

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/open-beagle/bdwind-rtc/internal/config"
	"github.com/open-beagle/bdwind-rtc/internal/metrics"
	"github.com/open-beagle/bdwind-rtc/internal/protocol"
)

const (
	writeTimeout     = 5 * time.Second
	closeGracePeriod = 250 * time.Millisecond
)

// passthroughKinds 重连期间仍然直接发送的请求类型
// 这些请求要么是重连流程本身的一部分, 要么是幂等的
var passthroughKinds = map[protocol.RequestKind]bool{
	protocol.RequestKindOffer:     true,
	protocol.RequestKindAnswer:    true,
	protocol.RequestKindTrickle:   true,
	protocol.RequestKindSimulate:  true,
	protocol.RequestKindLeave:     true,
	protocol.RequestKindSyncState: true,
}

// connHandle 一条 websocket 连接及其读协程的生命周期
type connHandle struct {
	conn *websocket.Conn
	// done 读协程退出时关闭
	done chan struct{}
	// detached 为真时读协程不再向外分发任何回调
	detached atomic.Bool
}

type queuedRequest struct {
	seq uint64
	fn  func() error
}

// Client 信令客户端
// 独占一条到会话服务器的消息通道, 处理加入/重连握手、请求排队与存活保持
type Client struct {
	logger  *logrus.Entry
	codec   protocol.Codec
	metrics *metrics.Collector

	// connectSem 串行化 join/reconnect, 获取可被取消
	connectSem *semaphore.Weighted
	// closeMu 串行化关闭路径, 保证恰好一次拆除
	closeMu sync.Mutex
	// drainMu 队列回放的串行执行器
	drainMu sync.Mutex

	mutex   sync.Mutex
	handle  *connHandle
	state   State
	queue   []queuedRequest
	nextSeq uint64

	pingInterval  time.Duration
	pingTimeout   time.Duration
	keepaliveStop chan struct{}
	pongTimer     *time.Timer

	rttMs atomic.Int64

	onResponse    func(*protocol.Response)
	onStateChange func(State, string)
}

// NewClient 创建信令客户端
func NewClient(codec protocol.Codec, collector *metrics.Collector) *Client {
	return &Client{
		logger:     config.GetLoggerWithPrefix("signal-client"),
		codec:      codec,
		metrics:    collector,
		connectSem: semaphore.NewWeighted(1),
		state:      StateDisconnected,
	}
}

// OnResponse 设置入站响应回调, 必须在 Join 之前设置
func (c *Client) OnResponse(fn func(*protocol.Response)) {
	c.mutex.Lock()
	c.onResponse = fn
	c.mutex.Unlock()
}

// OnStateChange 设置状态变更回调
func (c *Client) OnStateChange(fn func(State, string)) {
	c.mutex.Lock()
	c.onStateChange = fn
	c.mutex.Unlock()
}

// State 返回当前连接状态
func (c *Client) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

// RTT 返回最近一次通过结构化 pong 测得的往返时延(毫秒)
func (c *Client) RTT() int64 {
	return c.rttMs.Load()
}

// Join 建立新的信令通道并等待 join 响应
// 首个入站消息必须是 join, 否则握手失败; 并发到达的 leave 以 ErrLeaveRequested 失败
func (c *Client) Join(ctx context.Context, url, token string, opts protocol.ConnectOptions, timeout time.Duration) (*protocol.JoinPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOperationCancelled, err)
	}

	if err := c.connectSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOperationCancelled, err)
	}
	defer c.connectSem.Release(1)

	c.setState(StateConnecting, "join")

	opts.Reconnect = false
	first, handle, err := c.dialAndReadFirst(ctx, url, token, opts, timeout)
	if err != nil {
		c.setState(StateDisconnected, err.Error())
		return nil, err
	}

	switch first.Kind {
	case protocol.ResponseKindJoin:
	case protocol.ResponseKindLeave:
		c.teardownHandle(handle)
		c.setState(StateDisconnected, "leave during join")
		return nil, ErrLeaveRequested
	default:
		c.teardownHandle(handle)
		c.setState(StateDisconnected, "unexpected first message")
		return nil, fmt.Errorf("%w: expected join, got %q", ErrInternal, first.Kind)
	}

	join := first.Join

	c.mutex.Lock()
	c.handle = handle
	c.pingInterval = time.Duration(join.PingInterval) * time.Second
	c.pingTimeout = time.Duration(join.PingTimeout) * time.Second
	c.mutex.Unlock()

	c.setState(StateConnected, "join ok")
	go c.readPump(handle)
	c.startKeepalive()

	c.logger.Infof("✅ signal channel established, session=%s", join.SessionID)
	return join, nil
}

// Reconnect 以重连标志重建信令通道
// 处于重连状态时, 除 leave 之外的任何首个入站消息都视为重连成功;
// 若该消息恰好是显式 reconnect 确认则返回其负载, 否则返回 nil 并照常分发该消息
// (兼容不发送显式确认的旧版服务器)
func (c *Client) Reconnect(ctx context.Context, url, token, sessionID, reason string, opts protocol.ConnectOptions, timeout time.Duration) (*protocol.ReconnectPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOperationCancelled, err)
	}

	if err := c.connectSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOperationCancelled, err)
	}
	defer c.connectSem.Release(1)

	c.setState(StateReconnecting, reason)

	opts.Reconnect = true
	opts.SessionID = sessionID
	opts.ReconnectReason = reason
	first, handle, err := c.dialAndReadFirst(ctx, url, token, opts, timeout)
	if err != nil {
		return nil, err
	}

	if first.Kind == protocol.ResponseKindLeave {
		c.teardownHandle(handle)
		return nil, ErrLeaveRequested
	}

	c.mutex.Lock()
	c.handle = handle
	c.mutex.Unlock()

	c.setState(StateConnected, "reconnected")
	go c.readPump(handle)
	c.startKeepalive()

	if first.Kind == protocol.ResponseKindReconnect {
		return first.Reconnect, nil
	}

	// 旧版服务器: 任何非 leave 消息都证明重连成功, 照常分发
	c.logger.Debugf("reconnect confirmed by %q message instead of explicit ack", first.Kind)
	c.dispatch(first)
	return nil, nil
}

// dialAndReadFirst 建连并读取首个入站消息, 超时与取消都会拆除连接
func (c *Client) dialAndReadFirst(ctx context.Context, url, token string, opts protocol.ConnectOptions, timeout time.Duration) (*protocol.Response, *connHandle, error) {
	opts.Codec = c.codec.Name()
	wsURL, err := protocol.BuildJoinURL(url, token, opts)
	if err != nil {
		return nil, nil, err
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrOperationCancelled, ctx.Err())
		}
		if dialCtx.Err() != nil {
			return nil, nil, fmt.Errorf("%w: dial %s", ErrConnectionTimeout, url)
		}
		if resp != nil {
			switch resp.StatusCode {
			case 401, 403:
				return nil, nil, fmt.Errorf("%w: status %d", ErrNotAllowed, resp.StatusCode)
			case 500, 502, 503:
				return nil, nil, fmt.Errorf("%w: status %d", ErrInternal, resp.StatusCode)
			}
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}

	handle := &connHandle{conn: conn, done: make(chan struct{})}

	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		close(handle.done)
		c.teardownHandle(handle)
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrOperationCancelled, ctx.Err())
		}
		return nil, nil, fmt.Errorf("%w: waiting for first signal message: %v", ErrConnectionTimeout, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	first, err := c.codec.DecodeResponse(data)
	if err != nil {
		close(handle.done)
		c.teardownHandle(handle)
		return nil, nil, fmt.Errorf("%w: malformed first signal message: %v", ErrInternal, err)
	}

	return first, handle, nil
}

// Send 发送信令请求
// 重连期间, 不在放行名单中的请求会被加入待发队列并立即返回;
// 直接发送前先按提交顺序清空队列; 通道未打开时请求被丢弃并记录错误
func (c *Client) Send(req *protocol.Request) error {
	return c.send(req, false)
}

func (c *Client) send(req *protocol.Request, fromQueue bool) error {
	c.mutex.Lock()
	if c.state == StateReconnecting && !fromQueue && !passthroughKinds[req.Kind] {
		c.nextSeq++
		r := req
		c.queue = append(c.queue, queuedRequest{
			seq: c.nextSeq,
			fn:  func() error { return c.send(r, true) },
		})
		queued := len(c.queue)
		c.mutex.Unlock()

		if c.metrics != nil {
			c.metrics.SetQueuedRequests(queued)
		}
		c.logger.Debugf("queued %s request while reconnecting (%d pending)", req.Kind, queued)
		return nil
	}
	connected := c.state == StateConnected
	c.mutex.Unlock()

	// 队列只在通道恢复后回放, 重连期间的放行请求不触发回放
	if !fromQueue && connected {
		c.DrainQueue()
	}
	return c.write(req)
}

// DrainQueue 按 FIFO 顺序回放排队的请求, 回放本身串行执行
func (c *Client) DrainQueue() {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()

	for {
		c.mutex.Lock()
		if len(c.queue) == 0 {
			c.mutex.Unlock()
			if c.metrics != nil {
				c.metrics.SetQueuedRequests(0)
			}
			return
		}
		item := c.queue[0]
		c.queue = c.queue[1:]
		c.mutex.Unlock()

		if err := item.fn(); err != nil {
			c.logger.Errorf("failed to replay queued request #%d: %v", item.seq, err)
		}
	}
}

// write 编码并写入当前连接, 连接不存在时丢弃
func (c *Client) write(req *protocol.Request) error {
	data, err := c.codec.EncodeRequest(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", req.Kind, err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.handle == nil {
		if c.metrics != nil {
			c.metrics.IncDroppedSend()
		}
		c.logger.Errorf("signal channel not open, dropping %s request", req.Kind)
		return nil
	}

	conn := c.handle.conn
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(c.codec.WebSocketMessageType(), data); err != nil {
		return fmt.Errorf("failed to write %s request: %w", req.Kind, err)
	}
	return nil
}

// Close 拆除信令通道, 幂等
// 先摘除回调再关闭底层连接, 关闭事件与固定宽限期竞争, 计时器无条件清理
func (c *Client) Close() {
	c.close(true, "client requested")
}

func (c *Client) close(updateState bool, reason string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	c.mutex.Lock()
	handle := c.handle
	c.handle = nil
	c.stopKeepaliveLocked()
	c.mutex.Unlock()

	if handle != nil {
		if updateState {
			c.setState(StateDisconnecting, reason)
		}
		handle.detached.Store(true)

		deadline := time.Now().Add(writeTimeout)
		_ = handle.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

		select {
		case <-handle.done:
		case <-time.After(closeGracePeriod):
		}
		_ = handle.conn.Close()
	}

	if updateState {
		c.setState(StateDisconnected, reason)
	}
}

// teardownHandle 握手失败时的连接清理, 不触发状态回调
func (c *Client) teardownHandle(handle *connHandle) {
	handle.detached.Store(true)
	_ = handle.conn.Close()
}

// readPump 读取并分发入站消息, 任何流量都会重置存活计时器
func (c *Client) readPump(handle *connHandle) {
	defer close(handle.done)

	for {
		_, data, err := handle.conn.ReadMessage()
		if err != nil {
			if handle.detached.Load() {
				return
			}
			c.mutex.Lock()
			current := c.handle == handle
			c.mutex.Unlock()
			if current {
				c.logger.Warnf("signal channel read failed: %v", err)
				c.close(false, "read error")
				c.setState(StateDisconnected, fmt.Sprintf("read error: %v", err))
			}
			return
		}

		if handle.detached.Load() {
			return
		}

		resp, err := c.codec.DecodeResponse(data)
		if err != nil {
			c.logger.Errorf("failed to decode signal message: %v", err)
			continue
		}

		c.touchKeepalive()

		switch resp.Kind {
		case protocol.ResponseKindPongResp:
			// 只有结构化 pong 更新 RTT
			if resp.Pong != nil && resp.Pong.LastPingTimestamp > 0 {
				rtt := time.Now().UnixMilli() - resp.Pong.LastPingTimestamp
				c.rttMs.Store(rtt)
				if c.metrics != nil {
					c.metrics.ObserveSignalRTT(rtt)
				}
			}
			continue
		case protocol.ResponseKindPong:
			// 旧版 pong 仅作为存活信号
			continue
		}

		c.dispatch(resp)
	}
}

func (c *Client) dispatch(resp *protocol.Response) {
	c.mutex.Lock()
	fn := c.onResponse
	c.mutex.Unlock()
	if fn != nil {
		fn(resp)
	}
}

// startKeepalive 按服务器下发的间隔启动存活探测
func (c *Client) startKeepalive() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.stopKeepaliveLocked()
	if c.pingTimeout <= 0 || c.pingInterval <= 0 {
		return
	}

	stop := make(chan struct{})
	c.keepaliveStop = stop
	c.resetPongTimerLocked()

	interval := c.pingInterval
	go c.pingLoop(stop, interval)
}

func (c *Client) pingLoop(stop chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := c.write(&protocol.Request{
				Kind: protocol.RequestKindPing,
				Ping: &protocol.PingData{
					Timestamp: time.Now().UnixMilli(),
					RTT:       c.rttMs.Load(),
				},
			})
			if err != nil {
				c.logger.Warnf("failed to send ping: %v", err)
			}
		}
	}
}

// touchKeepalive 任何入站流量都重置超时, 流量本身就是存活证明
func (c *Client) touchKeepalive() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.keepaliveStop != nil {
		c.resetPongTimerLocked()
	}
}

func (c *Client) resetPongTimerLocked() {
	if c.pongTimer != nil {
		c.pongTimer.Stop()
	}
	c.pongTimer = time.AfterFunc(c.pingTimeout, c.onPingTimeout)
}

func (c *Client) stopKeepaliveLocked() {
	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
}

// onPingTimeout 存活超时, 强制关闭并以 ping timeout 上报断开
func (c *Client) onPingTimeout() {
	c.logger.Errorf("❌ no signal traffic within ping timeout, closing channel")
	c.close(false, "ping timeout")
	c.setState(StateDisconnected, "ping timeout")
}

// setState 更新状态并在变化时触发回调
func (c *Client) setState(state State, reason string) {
	c.mutex.Lock()
	old := c.state
	if old == state {
		c.mutex.Unlock()
		return
	}
	c.state = state
	fn := c.onStateChange
	c.mutex.Unlock()

	c.logger.Infof("signal state changed: %s -> %s (%s)", old, state, reason)
	if fn != nil {
		fn(state, reason)
	}
}

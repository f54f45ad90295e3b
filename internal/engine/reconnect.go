package engine

import "time"

// ReconnectContext 每次退避决策的输入, 按次新建
type ReconnectContext struct {
	// RetryCount 本轮重连中已失败的尝试次数, 首次为 0
	RetryCount int

	// Elapsed 自本轮重连开始经过的时间
	Elapsed time.Duration

	// Reason 触发重连的原因
	Reason string

	// ServerURL 当前目标服务器地址
	ServerURL string
}

// ReconnectPolicy 可插拔退避策略
// 返回 false 表示放弃重连, 引擎随即终止会话
type ReconnectPolicy interface {
	NextDelay(ctx ReconnectContext) (time.Duration, bool)
}

const defaultMaxReconnectAttempts = 10

// defaultRetryDelays 前几次快速重试, 之后按固定上限节流
var defaultRetryDelays = []time.Duration{
	0,
	300 * time.Millisecond,
	600 * time.Millisecond,
	1200 * time.Millisecond,
	2400 * time.Millisecond,
	4800 * time.Millisecond,
}

// DefaultReconnectPolicy 默认退避策略: 有限次数, 前快后慢, 封顶 7s
type DefaultReconnectPolicy struct {
	// MaxAttempts 最大尝试次数, 0 表示使用默认值
	MaxAttempts int
}

// NextDelay 实现 ReconnectPolicy
func (p *DefaultReconnectPolicy) NextDelay(ctx ReconnectContext) (time.Duration, bool) {
	max := p.MaxAttempts
	if max <= 0 {
		max = defaultMaxReconnectAttempts
	}
	if ctx.RetryCount >= max {
		return 0, false
	}
	if ctx.RetryCount < len(defaultRetryDelays) {
		return defaultRetryDelays[ctx.RetryCount], true
	}
	return 7 * time.Second, true
}

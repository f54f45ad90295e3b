package engine

import "errors"

var (
	// ErrEngineClosed 引擎已拆除, 任何后续操作都不可恢复
	ErrEngineClosed = errors.New("engine closed")

	// ErrDuplicatePublish 相同 cid 的发布请求尚未确认
	ErrDuplicatePublish = errors.New("track publish already pending for this cid")

	// ErrPublishTimeout 发布确认超时
	ErrPublishTimeout = errors.New("timed out waiting for track publish ack")

	// ErrPublishCancelled 发布在确认到达前被撤销
	ErrPublishCancelled = errors.New("track publish cancelled")

	// ErrNoMoreEndpoints 端点提供者没有更多候选
	ErrNoMoreEndpoints = errors.New("no more candidate endpoints")

	// ErrDataChannelUnavailable 数据通道尚未就绪
	ErrDataChannelUnavailable = errors.New("data channel not available")
)

package signaling

import "errors"

// 信令层连接错误分类, 引擎据此决定重试策略
var (
	// ErrNotAllowed 鉴权失败, 不可重试
	ErrNotAllowed = errors.New("connection not allowed")

	// ErrServerUnreachable 服务器不可达, 初次加入时可有限重试
	ErrServerUnreachable = errors.New("server unreachable")

	// ErrInternal 服务器内部错误
	ErrInternal = errors.New("server internal error")

	// ErrOperationCancelled 等待被取消
	ErrOperationCancelled = errors.New("operation cancelled")

	// ErrLeaveRequested 握手期间收到服务器 leave
	ErrLeaveRequested = errors.New("leave requested by server")

	// ErrConnectionTimeout 握手或连接等待超时
	ErrConnectionTimeout = errors.New("connection timed out")
)

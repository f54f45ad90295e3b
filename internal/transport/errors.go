package transport

import "errors"

var (
	// ErrConnectionTimeout 在限定时间内未达到 connected
	ErrConnectionTimeout = errors.New("transport connection timed out")

	// ErrOperationCancelled 等待被取消
	ErrOperationCancelled = errors.New("transport operation cancelled")

	// ErrNegotiation SDP 协商失败, 可恢复, 但下一次重连需走完整重建路径
	ErrNegotiation = errors.New("negotiation failed")

	// ErrClosed 传输已被拆除
	ErrClosed = errors.New("transport closed")
)

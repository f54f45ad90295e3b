package transport

import "github.com/pion/webrtc/v4"

// State 单个媒体传输(或聚合)的阶段
type State string

const (
	StateNew        State = "new"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateFailed     State = "failed"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// reduceConnectionState 将底层连接状态归约为传输状态
func reduceConnectionState(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	// disconnected 可能自行恢复, 按仍在连接处理
	case webrtc.PeerConnectionStateDisconnected:
		return StateConnecting
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// Reduce 将所有必需传输的状态归约为聚合状态
// 优先级: failed > 全部 connected > 全部 closed > 部分关闭 > 全部 new > connecting
func Reduce(states []State) State {
	if len(states) == 0 {
		return StateNew
	}

	all := func(want State) bool {
		for _, s := range states {
			if s != want {
				return false
			}
		}
		return true
	}
	any := func(want State) bool {
		for _, s := range states {
			if s == want {
				return true
			}
		}
		return false
	}

	switch {
	case any(StateFailed):
		return StateFailed
	case all(StateConnected):
		return StateConnected
	case all(StateClosed):
		return StateClosed
	case any(StateClosed) || any(StateClosing):
		return StateClosing
	case all(StateNew):
		return StateNew
	default:
		return StateConnecting
	}
}

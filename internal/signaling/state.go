package signaling

// State 信令通道连接状态
type State string

const (
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateReconnecting  State = "reconnecting"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
)

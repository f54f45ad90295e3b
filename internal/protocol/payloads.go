package protocol

// SessionDescription SDP 描述
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidateInit ICE 候选初始化数据, 与 webrtc.ICECandidateInit 字段保持一致
type ICECandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// TrickleData ICE 候选及其目标传输角色
type TrickleData struct {
	Target    TransportRole    `json:"target"`
	Candidate ICECandidateInit `json:"candidate"`
}

// ICEServer ICE 服务器配置
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ClientConfiguration 服务器下发的客户端配置
type ClientConfiguration struct {
	ForceRelay bool `json:"force_relay,omitempty"`
}

// JoinPayload 加入会话成功后的首个响应
type JoinPayload struct {
	SessionID           string               `json:"session_id"`
	ParticipantSID      string               `json:"participant_sid"`
	SubscriberPrimary   bool                 `json:"subscriber_primary"`
	PingInterval        int                  `json:"ping_interval"`
	PingTimeout         int                  `json:"ping_timeout"`
	ICEServers          []ICEServer          `json:"ice_servers,omitempty"`
	ClientConfiguration *ClientConfiguration `json:"client_configuration,omitempty"`
	Participant         *ParticipantInfo     `json:"participant,omitempty"`
	OtherParticipants   []ParticipantInfo    `json:"other_participants,omitempty"`
	Room                *RoomInfo            `json:"room,omitempty"`
	ServerVersion       string               `json:"server_version,omitempty"`
	ServerRegion        string               `json:"server_region,omitempty"`
}

// ReconnectPayload 显式重连确认响应, 旧版服务器可能不发送
type ReconnectPayload struct {
	ICEServers          []ICEServer          `json:"ice_servers,omitempty"`
	ClientConfiguration *ClientConfiguration `json:"client_configuration,omitempty"`
}

// ParticipantInfo 参与者信息
type ParticipantInfo struct {
	SID      string      `json:"sid"`
	Identity string      `json:"identity"`
	Name     string      `json:"name,omitempty"`
	State    string      `json:"state,omitempty"`
	Metadata string      `json:"metadata,omitempty"`
	Tracks   []TrackInfo `json:"tracks,omitempty"`
}

// RoomInfo 房间信息
type RoomInfo struct {
	SID             string `json:"sid"`
	Name            string `json:"name"`
	Metadata        string `json:"metadata,omitempty"`
	NumParticipants int    `json:"num_participants,omitempty"`
}

// TrackInfo 轨道信息
type TrackInfo struct {
	SID    string `json:"sid"`
	Name   string `json:"name,omitempty"`
	Type   string `json:"type"`
	Source string `json:"source,omitempty"`
	Muted  bool   `json:"muted,omitempty"`
	Width  uint32 `json:"width,omitempty"`
	Height uint32 `json:"height,omitempty"`
}

// VideoLayer 视频层参数
type VideoLayer struct {
	Quality string `json:"quality"`
	Width   uint32 `json:"width"`
	Height  uint32 `json:"height"`
	Bitrate uint32 `json:"bitrate,omitempty"`
}

// AddTrackData 发布轨道请求
type AddTrackData struct {
	Cid    string       `json:"cid"`
	Name   string       `json:"name,omitempty"`
	Type   string       `json:"type"`
	Source string       `json:"source,omitempty"`
	Width  uint32       `json:"width,omitempty"`
	Height uint32       `json:"height,omitempty"`
	Muted  bool         `json:"muted,omitempty"`
	Layers []VideoLayer `json:"layers,omitempty"`
}

// TrackPublishedPayload 轨道发布确认, 通过 cid 与 AddTrackData 关联
type TrackPublishedPayload struct {
	Cid   string     `json:"cid"`
	Track *TrackInfo `json:"track,omitempty"`
}

// TrackUnpublishedPayload 轨道被取消发布
type TrackUnpublishedPayload struct {
	TrackSID string `json:"track_sid"`
}

// MuteData 静音请求或远端静音通知
type MuteData struct {
	TrackSID string `json:"track_sid"`
	Muted    bool   `json:"muted"`
}

// UpdateMetadataData 参与者元数据更新请求
type UpdateMetadataData struct {
	Metadata string `json:"metadata,omitempty"`
	Name     string `json:"name,omitempty"`
}

// TrackSettingsData 订阅端轨道设置
type TrackSettingsData struct {
	TrackSIDs []string `json:"track_sids"`
	Disabled  bool     `json:"disabled,omitempty"`
	Quality   string   `json:"quality,omitempty"`
	Width     uint32   `json:"width,omitempty"`
	Height    uint32   `json:"height,omitempty"`
}

// SubscriptionData 订阅更新请求
type SubscriptionData struct {
	TrackSIDs []string `json:"track_sids"`
	Subscribe bool     `json:"subscribe"`
}

// DataChannelInfo 数据通道标识
type DataChannelInfo struct {
	Label string `json:"label"`
	ID    uint16 `json:"id"`
}

// SyncStateData 重连后客户端状态同步
type SyncStateData struct {
	Answer          *SessionDescription `json:"answer,omitempty"`
	Subscription    *SubscriptionData   `json:"subscription,omitempty"`
	PublishedTracks []AddTrackData      `json:"published_tracks,omitempty"`
	DataChannels    []DataChannelInfo   `json:"data_channels,omitempty"`
}

// UpdateVideoLayersData 视频层更新请求
type UpdateVideoLayersData struct {
	TrackSID string       `json:"track_sid"`
	Layers   []VideoLayer `json:"layers"`
}

// TrackPermission 单个参与者的订阅许可
type TrackPermission struct {
	ParticipantSID string   `json:"participant_sid"`
	AllTracks      bool     `json:"all_tracks,omitempty"`
	TrackSIDs      []string `json:"track_sids,omitempty"`
}

// SubscriptionPermissionData 订阅许可设置请求
type SubscriptionPermissionData struct {
	AllParticipants  bool              `json:"all_participants,omitempty"`
	TrackPermissions []TrackPermission `json:"track_permissions,omitempty"`
}

// SimulateData 模拟场景请求, 仅用于测试
type SimulateData struct {
	Scenario string `json:"scenario"`
}

// PingData 存活探测请求, 携带客户端毫秒时间戳
type PingData struct {
	Timestamp int64 `json:"timestamp"`
	RTT       int64 `json:"rtt,omitempty"`
}

// PongPayload 结构化 pong 响应, LastPingTimestamp 回显客户端时间戳
type PongPayload struct {
	Timestamp         int64 `json:"timestamp,omitempty"`
	LastPingTimestamp int64 `json:"last_ping_timestamp,omitempty"`
}

// LeaveData 离开会话请求或服务器离开通知
type LeaveData struct {
	Reason       string `json:"reason,omitempty"`
	CanReconnect bool   `json:"can_reconnect,omitempty"`
}

// ParticipantUpdatePayload 参与者状态批量更新
type ParticipantUpdatePayload struct {
	Participants []ParticipantInfo `json:"participants"`
}

// SpeakerInfo 发言者信息
type SpeakerInfo struct {
	SID    string  `json:"sid"`
	Level  float64 `json:"level"`
	Active bool    `json:"active"`
}

// SpeakersChangedPayload 发言者变更通知
type SpeakersChangedPayload struct {
	Speakers []SpeakerInfo `json:"speakers"`
}

// RoomUpdatePayload 房间状态更新
type RoomUpdatePayload struct {
	Room RoomInfo `json:"room"`
}

// ConnectionQualityInfo 单个参与者的连接质量
type ConnectionQualityInfo struct {
	ParticipantSID string  `json:"participant_sid"`
	Quality        string  `json:"quality"`
	Score          float64 `json:"score,omitempty"`
}

// ConnectionQualityPayload 连接质量批量更新
type ConnectionQualityPayload struct {
	Updates []ConnectionQualityInfo `json:"updates"`
}

// StreamStateInfo 媒体流状态
type StreamStateInfo struct {
	ParticipantSID string `json:"participant_sid"`
	TrackSID       string `json:"track_sid"`
	State          string `json:"state"`
}

// StreamStateUpdatePayload 媒体流状态批量更新
type StreamStateUpdatePayload struct {
	StreamStates []StreamStateInfo `json:"stream_states"`
}

// SubscribedQuality 订阅质量
type SubscribedQuality struct {
	Quality string `json:"quality"`
	Enabled bool   `json:"enabled"`
}

// SubscribedQualityUpdatePayload 订阅质量更新
type SubscribedQualityUpdatePayload struct {
	TrackSID            string              `json:"track_sid"`
	SubscribedQualities []SubscribedQuality `json:"subscribed_qualities"`
}

// SubscriptionPermissionUpdatePayload 订阅许可变更通知
type SubscriptionPermissionUpdatePayload struct {
	ParticipantSID string `json:"participant_sid"`
	TrackSID       string `json:"track_sid"`
	Allowed        bool   `json:"allowed"`
}

// SubscriptionResponsePayload 订阅结果
type SubscriptionResponsePayload struct {
	TrackSID string `json:"track_sid"`
	Err      string `json:"err,omitempty"`
}

// RefreshTokenPayload 服务器下发的新令牌
type RefreshTokenPayload struct {
	Token string `json:"token"`
}

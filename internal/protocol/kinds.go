package protocol

// RequestKind 客户端到服务器的信令请求类型
type RequestKind string

const (
	RequestKindOffer                  RequestKind = "offer"
	RequestKindAnswer                 RequestKind = "answer"
	RequestKindTrickle                RequestKind = "trickle"
	RequestKindMute                   RequestKind = "mute"
	RequestKindAddTrack               RequestKind = "add_track"
	RequestKindUpdateMetadata         RequestKind = "update_metadata"
	RequestKindTrackSettings          RequestKind = "track_settings"
	RequestKindSubscription           RequestKind = "subscription"
	RequestKindSyncState              RequestKind = "sync_state"
	RequestKindUpdateVideoLayers      RequestKind = "update_video_layers"
	RequestKindSubscriptionPermission RequestKind = "subscription_permission"
	RequestKindSimulate               RequestKind = "simulate"
	RequestKindPing                   RequestKind = "ping"
	RequestKindLeave                  RequestKind = "leave"
)

// ResponseKind 服务器到客户端的信令响应类型
type ResponseKind string

const (
	ResponseKindJoin                         ResponseKind = "join"
	ResponseKindReconnect                    ResponseKind = "reconnect"
	ResponseKindAnswer                       ResponseKind = "answer"
	ResponseKindOffer                        ResponseKind = "offer"
	ResponseKindTrickle                      ResponseKind = "trickle"
	ResponseKindParticipantUpdate            ResponseKind = "participant_update"
	ResponseKindTrackPublished               ResponseKind = "track_published"
	ResponseKindTrackUnpublished             ResponseKind = "track_unpublished"
	ResponseKindSpeakersChanged              ResponseKind = "speakers_changed"
	ResponseKindLeave                        ResponseKind = "leave"
	ResponseKindMute                         ResponseKind = "mute"
	ResponseKindRoomUpdate                   ResponseKind = "room_update"
	ResponseKindConnectionQuality            ResponseKind = "connection_quality"
	ResponseKindStreamStateUpdate            ResponseKind = "stream_state_update"
	ResponseKindSubscribedQualityUpdate      ResponseKind = "subscribed_quality_update"
	ResponseKindSubscriptionPermissionUpdate ResponseKind = "subscription_permission_update"
	ResponseKindSubscriptionResponse         ResponseKind = "subscription_response"
	ResponseKindRefreshToken                 ResponseKind = "refresh_token"
	// ResponseKindPong 旧版无负载 pong，仅作为存活信号，不用于 RTT 统计
	ResponseKindPong ResponseKind = "pong"
	// ResponseKindPongResp 结构化 pong，回显客户端时间戳，用于 RTT 统计
	ResponseKindPongResp ResponseKind = "pong_resp"
)

// TransportRole 媒体传输角色
type TransportRole string

const (
	RolePublisher  TransportRole = "publisher"
	RoleSubscriber TransportRole = "subscriber"
)

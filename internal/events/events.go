package events

// Kind 引擎对外事件类型
type Kind string

const (
	EventConnected                    Kind = "connected"
	EventDisconnected                 Kind = "disconnected"
	EventResuming                     Kind = "resuming"
	EventResumed                      Kind = "resumed"
	EventRestarting                   Kind = "restarting"
	EventRestarted                    Kind = "restarted"
	EventSignalResumed                Kind = "signal_resumed"
	EventSignalRestarted              Kind = "signal_restarted"
	EventMediaTrack                   Kind = "media_track"
	EventDataPacket                   Kind = "data_packet"
	EventParticipantUpdate            Kind = "participant_update"
	EventRoomUpdate                   Kind = "room_update"
	EventSpeakersChanged              Kind = "speakers_changed"
	EventStreamStateChanged           Kind = "stream_state_changed"
	EventConnectionQuality            Kind = "connection_quality"
	EventSubscriptionError            Kind = "subscription_error"
	EventSubscriptionPermissionUpdate Kind = "subscription_permission_update"
	EventSubscribedQualityUpdate      Kind = "subscribed_quality_update"
	EventLocalTrackUnpublished        Kind = "local_track_unpublished"
	EventRemoteMute                   Kind = "remote_mute"
	EventOffline                      Kind = "offline"
	EventDataBufferStatusChanged      Kind = "data_buffer_status_changed"
)

// Event 一次事件投递
type Event struct {
	Kind    Kind
	Payload any
}

// Handler 事件处理函数
type Handler func(Event)

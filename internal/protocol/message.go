package protocol

import (
	"encoding/json"
	"fmt"
)

// envelope 线上消息封装: 类型标签 + 原始负载
type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Request 客户端信令请求, 每个 Kind 恰好对应一个非空负载字段
type Request struct {
	Kind RequestKind

	Offer                  *SessionDescription
	Answer                 *SessionDescription
	Trickle                *TrickleData
	Mute                   *MuteData
	AddTrack               *AddTrackData
	UpdateMetadata         *UpdateMetadataData
	TrackSettings          *TrackSettingsData
	Subscription           *SubscriptionData
	SyncState              *SyncStateData
	UpdateVideoLayers      *UpdateVideoLayersData
	SubscriptionPermission *SubscriptionPermissionData
	Simulate               *SimulateData
	Ping                   *PingData
	Leave                  *LeaveData
}

func (r *Request) payload() (any, error) {
	switch r.Kind {
	case RequestKindOffer:
		return r.Offer, nil
	case RequestKindAnswer:
		return r.Answer, nil
	case RequestKindTrickle:
		return r.Trickle, nil
	case RequestKindMute:
		return r.Mute, nil
	case RequestKindAddTrack:
		return r.AddTrack, nil
	case RequestKindUpdateMetadata:
		return r.UpdateMetadata, nil
	case RequestKindTrackSettings:
		return r.TrackSettings, nil
	case RequestKindSubscription:
		return r.Subscription, nil
	case RequestKindSyncState:
		return r.SyncState, nil
	case RequestKindUpdateVideoLayers:
		return r.UpdateVideoLayers, nil
	case RequestKindSubscriptionPermission:
		return r.SubscriptionPermission, nil
	case RequestKindSimulate:
		return r.Simulate, nil
	case RequestKindPing:
		return r.Ping, nil
	case RequestKindLeave:
		return r.Leave, nil
	default:
		return nil, fmt.Errorf("unknown request kind: %q", r.Kind)
	}
}

// MarshalJSON 序列化为 {"kind": ..., "payload": ...}
func (r *Request) MarshalJSON() ([]byte, error) {
	payload, err := r.payload()
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", r.Kind, err)
	}
	return json.Marshal(&envelope{Kind: string(r.Kind), Payload: raw})
}

// UnmarshalJSON 按类型标签恢复对应负载
func (r *Request) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	*r = Request{Kind: RequestKind(env.Kind)}

	var dst any
	switch r.Kind {
	case RequestKindOffer:
		r.Offer = &SessionDescription{}
		dst = r.Offer
	case RequestKindAnswer:
		r.Answer = &SessionDescription{}
		dst = r.Answer
	case RequestKindTrickle:
		r.Trickle = &TrickleData{}
		dst = r.Trickle
	case RequestKindMute:
		r.Mute = &MuteData{}
		dst = r.Mute
	case RequestKindAddTrack:
		r.AddTrack = &AddTrackData{}
		dst = r.AddTrack
	case RequestKindUpdateMetadata:
		r.UpdateMetadata = &UpdateMetadataData{}
		dst = r.UpdateMetadata
	case RequestKindTrackSettings:
		r.TrackSettings = &TrackSettingsData{}
		dst = r.TrackSettings
	case RequestKindSubscription:
		r.Subscription = &SubscriptionData{}
		dst = r.Subscription
	case RequestKindSyncState:
		r.SyncState = &SyncStateData{}
		dst = r.SyncState
	case RequestKindUpdateVideoLayers:
		r.UpdateVideoLayers = &UpdateVideoLayersData{}
		dst = r.UpdateVideoLayers
	case RequestKindSubscriptionPermission:
		r.SubscriptionPermission = &SubscriptionPermissionData{}
		dst = r.SubscriptionPermission
	case RequestKindSimulate:
		r.Simulate = &SimulateData{}
		dst = r.Simulate
	case RequestKindPing:
		r.Ping = &PingData{}
		dst = r.Ping
	case RequestKindLeave:
		r.Leave = &LeaveData{}
		dst = r.Leave
	default:
		return fmt.Errorf("unknown request kind: %q", env.Kind)
	}

	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", r.Kind, err)
	}
	return nil
}

// Response 服务器信令响应, 每个 Kind 恰好对应一个非空负载字段
type Response struct {
	Kind ResponseKind

	Join                         *JoinPayload
	Reconnect                    *ReconnectPayload
	Answer                       *SessionDescription
	Offer                        *SessionDescription
	Trickle                      *TrickleData
	ParticipantUpdate            *ParticipantUpdatePayload
	TrackPublished               *TrackPublishedPayload
	TrackUnpublished             *TrackUnpublishedPayload
	SpeakersChanged              *SpeakersChangedPayload
	Leave                        *LeaveData
	Mute                         *MuteData
	RoomUpdate                   *RoomUpdatePayload
	ConnectionQuality            *ConnectionQualityPayload
	StreamStateUpdate            *StreamStateUpdatePayload
	SubscribedQualityUpdate      *SubscribedQualityUpdatePayload
	SubscriptionPermissionUpdate *SubscriptionPermissionUpdatePayload
	SubscriptionResponse         *SubscriptionResponsePayload
	RefreshToken                 *RefreshTokenPayload
	Pong                         *PongPayload
}

func (r *Response) payload() (any, error) {
	switch r.Kind {
	case ResponseKindJoin:
		return r.Join, nil
	case ResponseKindReconnect:
		return r.Reconnect, nil
	case ResponseKindAnswer:
		return r.Answer, nil
	case ResponseKindOffer:
		return r.Offer, nil
	case ResponseKindTrickle:
		return r.Trickle, nil
	case ResponseKindParticipantUpdate:
		return r.ParticipantUpdate, nil
	case ResponseKindTrackPublished:
		return r.TrackPublished, nil
	case ResponseKindTrackUnpublished:
		return r.TrackUnpublished, nil
	case ResponseKindSpeakersChanged:
		return r.SpeakersChanged, nil
	case ResponseKindLeave:
		return r.Leave, nil
	case ResponseKindMute:
		return r.Mute, nil
	case ResponseKindRoomUpdate:
		return r.RoomUpdate, nil
	case ResponseKindConnectionQuality:
		return r.ConnectionQuality, nil
	case ResponseKindStreamStateUpdate:
		return r.StreamStateUpdate, nil
	case ResponseKindSubscribedQualityUpdate:
		return r.SubscribedQualityUpdate, nil
	case ResponseKindSubscriptionPermissionUpdate:
		return r.SubscriptionPermissionUpdate, nil
	case ResponseKindSubscriptionResponse:
		return r.SubscriptionResponse, nil
	case ResponseKindRefreshToken:
		return r.RefreshToken, nil
	case ResponseKindPong, ResponseKindPongResp:
		return r.Pong, nil
	default:
		return nil, fmt.Errorf("unknown response kind: %q", r.Kind)
	}
}

// MarshalJSON 序列化为 {"kind": ..., "payload": ...}
func (r *Response) MarshalJSON() ([]byte, error) {
	payload, err := r.payload()
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", r.Kind, err)
	}
	return json.Marshal(&envelope{Kind: string(r.Kind), Payload: raw})
}

// UnmarshalJSON 按类型标签恢复对应负载
func (r *Response) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	*r = Response{Kind: ResponseKind(env.Kind)}

	var dst any
	switch r.Kind {
	case ResponseKindJoin:
		r.Join = &JoinPayload{}
		dst = r.Join
	case ResponseKindReconnect:
		r.Reconnect = &ReconnectPayload{}
		dst = r.Reconnect
	case ResponseKindAnswer:
		r.Answer = &SessionDescription{}
		dst = r.Answer
	case ResponseKindOffer:
		r.Offer = &SessionDescription{}
		dst = r.Offer
	case ResponseKindTrickle:
		r.Trickle = &TrickleData{}
		dst = r.Trickle
	case ResponseKindParticipantUpdate:
		r.ParticipantUpdate = &ParticipantUpdatePayload{}
		dst = r.ParticipantUpdate
	case ResponseKindTrackPublished:
		r.TrackPublished = &TrackPublishedPayload{}
		dst = r.TrackPublished
	case ResponseKindTrackUnpublished:
		r.TrackUnpublished = &TrackUnpublishedPayload{}
		dst = r.TrackUnpublished
	case ResponseKindSpeakersChanged:
		r.SpeakersChanged = &SpeakersChangedPayload{}
		dst = r.SpeakersChanged
	case ResponseKindLeave:
		r.Leave = &LeaveData{}
		dst = r.Leave
	case ResponseKindMute:
		r.Mute = &MuteData{}
		dst = r.Mute
	case ResponseKindRoomUpdate:
		r.RoomUpdate = &RoomUpdatePayload{}
		dst = r.RoomUpdate
	case ResponseKindConnectionQuality:
		r.ConnectionQuality = &ConnectionQualityPayload{}
		dst = r.ConnectionQuality
	case ResponseKindStreamStateUpdate:
		r.StreamStateUpdate = &StreamStateUpdatePayload{}
		dst = r.StreamStateUpdate
	case ResponseKindSubscribedQualityUpdate:
		r.SubscribedQualityUpdate = &SubscribedQualityUpdatePayload{}
		dst = r.SubscribedQualityUpdate
	case ResponseKindSubscriptionPermissionUpdate:
		r.SubscriptionPermissionUpdate = &SubscriptionPermissionUpdatePayload{}
		dst = r.SubscriptionPermissionUpdate
	case ResponseKindSubscriptionResponse:
		r.SubscriptionResponse = &SubscriptionResponsePayload{}
		dst = r.SubscriptionResponse
	case ResponseKindRefreshToken:
		r.RefreshToken = &RefreshTokenPayload{}
		dst = r.RefreshToken
	case ResponseKindPong, ResponseKindPongResp:
		r.Pong = &PongPayload{}
		dst = r.Pong
	default:
		return fmt.Errorf("unknown response kind: %q", env.Kind)
	}

	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", r.Kind, err)
	}
	return nil
}

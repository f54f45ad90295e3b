package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/open-beagle/bdwind-rtc/internal/protocol"
)

// NewTrackCid 生成客户端轨道标识, 作为发布确认的关联键
func NewTrackCid() string {
	return "TR_" + uuid.NewString()
}

// pendingPublish 一次未确认的发布请求
type pendingPublish struct {
	cid       string
	resolved  chan *protocol.TrackInfo
	cancelled chan struct{}
}

// AddTrack 发布一条轨道并等待服务器确认
// 相同 cid 已有未决请求时同步拒绝; 确认超时或被 RemoveTrack 撤销时返回对应错误
func (e *Engine) AddTrack(ctx context.Context, track protocol.AddTrackData) (*protocol.TrackInfo, error) {
	if track.Cid == "" {
		return nil, fmt.Errorf("track cid is required")
	}

	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return nil, ErrEngineClosed
	}
	if _, exists := e.pendingPublishes[track.Cid]; exists {
		e.mutex.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePublish, track.Cid)
	}
	pending := &pendingPublish{
		cid:       track.Cid,
		resolved:  make(chan *protocol.TrackInfo, 1),
		cancelled: make(chan struct{}),
	}
	e.pendingPublishes[track.Cid] = pending
	e.mutex.Unlock()

	err := e.client.Send(&protocol.Request{
		Kind:     protocol.RequestKindAddTrack,
		AddTrack: &track,
	})
	if err != nil {
		e.removePending(track.Cid)
		return nil, err
	}

	deadline := time.NewTimer(e.cfg.PublishAckTimeout)
	defer deadline.Stop()

	select {
	case info := <-pending.resolved:
		e.mutex.Lock()
		e.publishedTracks[track.Cid] = track
		e.mutex.Unlock()
		return info, nil
	case <-pending.cancelled:
		return nil, fmt.Errorf("%w: %s", ErrPublishCancelled, track.Cid)
	case <-deadline.C:
		e.removePending(track.Cid)
		return nil, fmt.Errorf("%w: %s", ErrPublishTimeout, track.Cid)
	case <-ctx.Done():
		e.removePending(track.Cid)
		return nil, fmt.Errorf("publish cancelled: %w", ctx.Err())
	case <-e.done:
		return nil, ErrEngineClosed
	}
}

// RemoveTrack 撤销发布
// 确认尚未到达时本地取消未决请求, 不产生第二次网络往返;
// 已确认的轨道从状态同步集合中移除
func (e *Engine) RemoveTrack(cid string) {
	e.mutex.Lock()
	pending := e.pendingPublishes[cid]
	delete(e.pendingPublishes, cid)
	delete(e.publishedTracks, cid)
	e.mutex.Unlock()

	if pending != nil {
		close(pending.cancelled)
	}
}

// resolvePublish 用服务器确认解除匹配 cid 的等待
func (e *Engine) resolvePublish(payload *protocol.TrackPublishedPayload) {
	e.mutex.Lock()
	pending := e.pendingPublishes[payload.Cid]
	delete(e.pendingPublishes, payload.Cid)
	e.mutex.Unlock()

	if pending == nil {
		e.logger.Warnf("track published ack with no pending publish: %s", payload.Cid)
		return
	}
	pending.resolved <- payload.Track
}

func (e *Engine) removePending(cid string) {
	e.mutex.Lock()
	delete(e.pendingPublishes, cid)
	e.mutex.Unlock()
}

// rejectAllPublishes 拆除或重建时撤销所有未决发布
func (e *Engine) rejectAllPublishes() {
	e.mutex.Lock()
	pendings := e.pendingPublishes
	e.pendingPublishes = make(map[string]*pendingPublish)
	e.mutex.Unlock()

	for _, pending := range pendings {
		close(pending.cancelled)
	}
}

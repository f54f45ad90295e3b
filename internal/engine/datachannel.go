package engine

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-rtc/internal/config"
	"github.com/open-beagle/bdwind-rtc/internal/events"
	"github.com/open-beagle/bdwind-rtc/internal/metrics"
	"github.com/open-beagle/bdwind-rtc/internal/protocol"
)

const (
	lossyChannelLabel    = "_lossy"
	reliableChannelLabel = "_reliable"

	// bufferedLowThreshold 发送缓冲回落阈值, 64 KiB
	bufferedLowThreshold = 65535
)

// DataKind 数据通道投递语义
type DataKind string

const (
	// DataKindLossy 有序但不重传, 尽力而为
	DataKindLossy DataKind = "lossy"

	// DataKindReliable 有序且完全可靠
	DataKindReliable DataKind = "reliable"
)

// DataPacket 入站数据包事件负载
type DataPacket struct {
	Kind    DataKind
	Payload []byte
}

// DataBufferStatus 数据通道背压事件负载
type DataBufferStatus struct {
	Kind DataKind
	// Low 为真表示缓冲量低于阈值, 可以继续写入
	Low bool
}

// channelFactory 能创建数据通道的传输
type channelFactory interface {
	CreateDataChannel(label string, init *webrtc.DataChannelInit) (*webrtc.DataChannel, error)
}

// dataChannelSet 固定的两条逻辑数据通道
// 发布端主动创建, 订阅端接收服务器镜像的同名通道
type dataChannelSet struct {
	logger  *logrus.Entry
	metrics *metrics.Collector
	bus     *events.Bus

	// onInbound 入站数据包回调, 由引擎串行消费保证到达顺序
	onInbound func(DataKind, []byte)

	mutex         sync.Mutex
	pubLossy      *webrtc.DataChannel
	pubReliable   *webrtc.DataChannel
	subLossy      *webrtc.DataChannel
	subReliable   *webrtc.DataChannel
	reliableID    *uint16
	bufferLowFlag map[DataKind]bool
}

func newDataChannelSet(collector *metrics.Collector, bus *events.Bus, onInbound func(DataKind, []byte)) *dataChannelSet {
	return &dataChannelSet{
		logger:    config.GetLoggerWithPrefix("data-channels"),
		metrics:   collector,
		bus:       bus,
		onInbound: onInbound,
		bufferLowFlag: map[DataKind]bool{
			DataKindLossy:    true,
			DataKindReliable: true,
		},
	}
}

// createOnPublisher 在发布端传输上创建两条通道
func (s *dataChannelSet) createOnPublisher(factory channelFactory) error {
	ordered := true
	var maxRetransmits uint16

	lossy, err := factory.CreateDataChannel(lossyChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return err
	}
	reliable, err := factory.CreateDataChannel(reliableChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		lossy.Close()
		return err
	}

	s.wireOutbound(lossy, DataKindLossy)
	s.wireOutbound(reliable, DataKindReliable)

	s.mutex.Lock()
	s.pubLossy = lossy
	s.pubReliable = reliable
	s.reliableID = nil
	s.mutex.Unlock()

	s.logger.Info("publisher data channels created")
	return nil
}

func (s *dataChannelSet) wireOutbound(dc *webrtc.DataChannel, kind DataKind) {
	dc.SetBufferedAmountLowThreshold(bufferedLowThreshold)
	dc.OnBufferedAmountLow(func() {
		s.setBufferLow(kind, true)
		s.observeBuffered(kind, dc.BufferedAmount())
	})
	dc.OnOpen(func() {
		s.logger.Infof("data channel %s open", dc.Label())
		if kind == DataKindReliable {
			s.recordReliableID(dc)
		}
	})
}

// recordReliableID 协商完成后记录服务器分配的通道标识
func (s *dataChannelSet) recordReliableID(dc *webrtc.DataChannel) {
	s.mutex.Lock()
	s.reliableID = dc.ID()
	s.mutex.Unlock()
}

// adoptSubscriberChannel 接收订阅端传输上由服务器镜像的通道
func (s *dataChannelSet) adoptSubscriberChannel(dc *webrtc.DataChannel) {
	var kind DataKind
	switch dc.Label() {
	case lossyChannelLabel:
		kind = DataKindLossy
	case reliableChannelLabel:
		kind = DataKindReliable
	default:
		s.logger.Warnf("ignoring unexpected data channel: %s", dc.Label())
		return
	}

	s.mutex.Lock()
	if kind == DataKindLossy {
		s.subLossy = dc
	} else {
		s.subReliable = dc
	}
	s.mutex.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if s.onInbound != nil {
			s.onInbound(kind, msg.Data)
		}
	})
	s.logger.Infof("subscriber data channel adopted: %s", dc.Label())
}

func (s *dataChannelSet) hasPublisherChannels() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.pubReliable != nil
}

// identityLost 可靠通道的服务器标识是否已丢失
// 标识只在协商完成后分配, 恢复会话时若已丢失必须重建通道
func (s *dataChannelSet) identityLost() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.pubReliable == nil {
		return false
	}
	if s.pubReliable.ReadyState() == webrtc.DataChannelStateClosed {
		return true
	}
	return s.reliableID != nil && s.pubReliable.ID() == nil
}

// send 在指定语义的发布端通道上发送
func (s *dataChannelSet) send(kind DataKind, payload []byte) error {
	s.mutex.Lock()
	dc := s.pubReliable
	if kind == DataKindLossy {
		dc = s.pubLossy
	}
	s.mutex.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrDataChannelUnavailable
	}

	if err := dc.Send(payload); err != nil {
		return err
	}

	buffered := dc.BufferedAmount()
	s.observeBuffered(kind, buffered)
	s.setBufferLow(kind, buffered <= bufferedLowThreshold)
	return nil
}

// channelInfos 供 sync_state 上报的通道标识
func (s *dataChannelSet) channelInfos() []protocol.DataChannelInfo {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var infos []protocol.DataChannelInfo
	for _, dc := range []*webrtc.DataChannel{s.pubLossy, s.pubReliable} {
		if dc == nil || dc.ID() == nil {
			continue
		}
		infos = append(infos, protocol.DataChannelInfo{Label: dc.Label(), ID: *dc.ID()})
	}
	return infos
}

// closePublisherChannels 重建前拆除发布端通道
func (s *dataChannelSet) closePublisherChannels() {
	s.mutex.Lock()
	lossy, reliable := s.pubLossy, s.pubReliable
	s.pubLossy, s.pubReliable = nil, nil
	s.reliableID = nil
	s.mutex.Unlock()

	if lossy != nil {
		lossy.Close()
	}
	if reliable != nil {
		reliable.Close()
	}
}

func (s *dataChannelSet) observeBuffered(kind DataKind, buffered uint64) {
	if s.metrics != nil {
		s.metrics.SetDataBuffered(string(kind), buffered)
	}
}

// setBufferLow 更新背压标志, 变化时对外发布事件
func (s *dataChannelSet) setBufferLow(kind DataKind, low bool) {
	s.mutex.Lock()
	changed := s.bufferLowFlag[kind] != low
	s.bufferLowFlag[kind] = low
	s.mutex.Unlock()

	if changed && s.bus != nil {
		s.bus.Emit(events.EventDataBufferStatusChanged, DataBufferStatus{Kind: kind, Low: low})
	}
}

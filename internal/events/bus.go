package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

const dispatchQueueSize = 256

// Bus 类型化事件总线
// 每种事件类型一个订阅点, 分发保持发布顺序, Close 负责完整的订阅清理
type Bus struct {
	mutex    sync.Mutex
	handlers map[Kind]map[uint64]Handler
	nextID   uint64
	queue    chan Event
	done     chan struct{}
	closed   bool
	logger   *logrus.Entry
}

// NewBus 创建事件总线并启动分发协程
func NewBus() *Bus {
	b := &Bus{
		handlers: make(map[Kind]map[uint64]Handler),
		queue:    make(chan Event, dispatchQueueSize),
		done:     make(chan struct{}),
		logger:   logrus.WithField("component", "event-bus"),
	}

	go b.dispatchLoop()
	return b
}

// Subscribe 订阅一种事件, 返回取消订阅函数
func (b *Bus) Subscribe(kind Kind, handler Handler) func() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	id := b.nextID
	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[uint64]Handler)
	}
	b.handlers[kind][id] = handler

	return func() {
		b.mutex.Lock()
		defer b.mutex.Unlock()
		delete(b.handlers[kind], id)
	}
}

// Emit 发布事件, 总线已关闭或队列满时丢弃并记录
func (b *Bus) Emit(kind Kind, payload any) {
	b.mutex.Lock()
	closed := b.closed
	b.mutex.Unlock()
	if closed {
		return
	}

	select {
	case b.queue <- Event{Kind: kind, Payload: payload}:
	case <-b.done:
	default:
		b.logger.Warnf("event queue full, dropping event: %s", kind)
	}
}

// Close 停止分发并清除所有订阅
func (b *Bus) Close() {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return
	}
	b.closed = true
	b.handlers = make(map[Kind]map[uint64]Handler)
	b.mutex.Unlock()

	close(b.done)
}

func (b *Bus) dispatchLoop() {
	for {
		select {
		case <-b.done:
			return
		case ev := <-b.queue:
			b.mutex.Lock()
			handlers := make([]Handler, 0, len(b.handlers[ev.Kind]))
			for _, h := range b.handlers[ev.Kind] {
				handlers = append(handlers, h)
			}
			b.mutex.Unlock()

			for _, h := range handlers {
				h(ev)
			}
		}
	}
}

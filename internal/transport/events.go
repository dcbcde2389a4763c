// =============================================================================
// 文件: internal/transport/events.go
// 描述: 将 Handler 回调转换为事件通道
// =============================================================================
package transport

import "sync"

// EventKind 事件类型
type EventKind int

const (
	EventConnect EventKind = iota
	EventDisconnect
	EventPayload
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventPayload:
		return "payload"
	default:
		return "unknown"
	}
}

// Event 会话事件
type Event struct {
	Kind    EventKind
	Session *Session
	Reason  DisconnectReason
	Payload []byte
}

// EventQueue 实现 Handler. 通道满时阻塞所属分片, 消费方过慢会拖慢该分片的全部会话.
type EventQueue struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// NewEventQueue 创建事件队列, size 为通道容量
func NewEventQueue(size int) *EventQueue {
	if size < 0 {
		size = 0
	}
	return &EventQueue{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Events 事件通道
func (q *EventQueue) Events() <-chan Event { return q.ch }

// Close 停止投递, 之后的事件被丢弃
func (q *EventQueue) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *EventQueue) push(e Event) {
	select {
	case <-q.done:
		return
	default:
	}
	select {
	case q.ch <- e:
	case <-q.done:
	}
}

func (q *EventQueue) OnConnect(s *Session) {
	q.push(Event{Kind: EventConnect, Session: s})
}

func (q *EventQueue) OnDisconnect(s *Session, reason DisconnectReason) {
	q.push(Event{Kind: EventDisconnect, Session: s, Reason: reason})
}

func (q *EventQueue) OnEncapsulated(s *Session, payload []byte) {
	q.push(Event{Kind: EventPayload, Session: s, Payload: payload})
}

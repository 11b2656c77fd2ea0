package orchestrator

import (
	"sync"
	"time"

	"github.com/BaSui01/reviewflow/workflow"
)

// EventType 会话事件类型
type EventType string

const (
	// EventPhase 工作流阶段转换
	EventPhase EventType = "phase"
	// EventWorkerCompleted 单个 Worker 到达终态
	EventWorkerCompleted EventType = "worker_completed"
	// EventLearningDegraded 知识存储不可用，学习回路降级
	EventLearningDegraded EventType = "learning_degraded"
	// EventReportReady 报告合成完毕
	EventReportReady EventType = "report_ready"
)

// Event 会话进度事件（纯信息性，允许丢弃）
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	Phase     workflow.Phase `json:"phase,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Decision  string         `json:"decision,omitempty"`
	Message   string         `json:"message,omitempty"`
	Time      time.Time      `json:"time"`
}

// Bus is the per-session progress stream: single producer side (the
// orchestrator and the engine's phase transitions), multiple consumers
// subscribed by session id.
//
// Consumers must never block a producer: every subscription gets a bounded
// buffer and the oldest event is dropped when it overflows.
type Bus struct {
	mu     sync.Mutex
	buffer int
	nextID int
	subs   map[string]map[int]chan Event
	closed bool
}

// NewBus creates an event bus with the given per-subscriber buffer size.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		buffer: buffer,
		subs:   make(map[string]map[int]chan Event),
	}
}

// Subscribe registers a consumer for one session's events. The returned
// cancel function removes the subscription and closes the channel.
func (b *Bus) Subscribe(sessionID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]chan Event)
	}
	b.subs[sessionID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subs[sessionID]; ok {
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
			if len(subs) == 0 {
				delete(b.subs, sessionID)
			}
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of its session without
// ever blocking: a full buffer drops its oldest event first.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			// 丢最旧，保最新
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subs = make(map[string]map[int]chan Event)
}

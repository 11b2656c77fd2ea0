package orchestrator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/reviewflow/workflow"
)

func drain(ch <-chan Event) []Event {
	var events []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestBus_PublishToSubscribers(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	ch1, cancel1 := bus.Subscribe("s1")
	defer cancel1()
	ch2, cancel2 := bus.Subscribe("s1")
	defer cancel2()
	other, cancelOther := bus.Subscribe("s2")
	defer cancelOther()

	bus.Publish(Event{Type: EventPhase, SessionID: "s1", Phase: workflow.PhaseDispatching})

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := <-ch
		assert.Equal(t, EventPhase, ev.Type)
		assert.Equal(t, workflow.PhaseDispatching, ev.Phase)
		assert.False(t, ev.Time.IsZero())
	}
	// 会话隔离
	assert.Empty(t, drain(other))
}

func TestBus_DropsOldestOnOverflow(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	ch, cancel := bus.Subscribe("s1")
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventPhase, SessionID: "s1", Message: fmt.Sprintf("ev-%d", i)})
	}

	events := drain(ch)
	require.Len(t, events, 2)
	assert.Equal(t, "ev-3", events[0].Message)
	assert.Equal(t, "ev-4", events[1].Message)
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	ch, cancel := bus.Subscribe("s1")
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// 取消后发布不 panic
	bus.Publish(Event{Type: EventPhase, SessionID: "s1"})
	// 重复取消幂等
	cancel()
}

func TestBus_CloseClosesChannels(t *testing.T) {
	bus := NewBus(8)
	ch, _ := bus.Subscribe("s1")

	bus.Close()
	_, open := <-ch
	assert.False(t, open)

	// 关闭后订阅得到已关闭通道，发布为空操作
	ch2, cancel2 := bus.Subscribe("s2")
	_, open = <-ch2
	assert.False(t, open)
	cancel2()
	bus.Publish(Event{Type: EventPhase, SessionID: "s2"})
	bus.Close()
}

func TestBus_ZeroBufferUsesDefault(t *testing.T) {
	bus := NewBus(0)
	defer bus.Close()
	assert.Equal(t, 64, bus.buffer)
}

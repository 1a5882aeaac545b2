package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestPublishMatchesPrefix(t *testing.T) {
	b := New()
	server := b.Subscribe("server.")
	all := b.Subscribe("")

	b.Publish(TopicSetupStatus, SetupStatusEvent{Phase: "CheckingTool"})
	b.Publish(TopicServerError, ServerErrorEvent{Kind: "ProcessCrashed", Message: "exit 1"})

	ev := expectEvent(t, server)
	assert.Equal(t, TopicServerError, ev.Topic)
	payload, ok := ev.Payload.(ServerErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "exit 1", payload.Message)
	assert.False(t, ev.Time.IsZero())

	assert.Equal(t, TopicSetupStatus, expectEvent(t, all).Topic)
	assert.Equal(t, TopicServerError, expectEvent(t, all).Topic)

	select {
	case ev := <-server.Ch():
		t.Fatalf("unexpected event %q", ev.Topic)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	_, ok := <-sub.Ch()
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())

	// second unsubscribe is harmless
	b.Unsubscribe(sub)
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicServerLog, ServerLogEvent{Line: "x"})
	}
	assert.Len(t, sub.Ch(), defaultBufferSize)
}

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	assert.NotPanics(t, func() { b.Publish(TopicServerStatus, ServerStatusEvent{}) })
}

func TestFullBufferKeepsLifecycleEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	for i := 0; i < defaultBufferSize; i++ {
		b.Publish(TopicServerLog, ServerLogEvent{Line: "x"})
	}
	b.Publish(TopicServerError, ServerErrorEvent{Kind: "ProcessCrashed", Message: "exit 1"})
	b.Publish(TopicServerStatus, ServerStatusEvent{IsRunning: false})
	b.Publish(TopicServerLog, ServerLogEvent{Line: "late"})

	require.Len(t, sub.Ch(), defaultBufferSize)
	var topics []string
	for len(sub.Ch()) > 0 {
		topics = append(topics, (<-sub.Ch()).Topic)
	}
	assert.Equal(t, TopicServerError, topics[len(topics)-2])
	assert.Equal(t, TopicServerStatus, topics[len(topics)-1])
}

func TestIsLogTopic(t *testing.T) {
	assert.True(t, IsLogTopic(TopicServerLog))
	assert.True(t, IsLogTopic(TopicSetupLog))
	assert.False(t, IsLogTopic(TopicServerError))
	assert.False(t, IsLogTopic(TopicSetupStatus))
}

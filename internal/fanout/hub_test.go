package fanout

import (
	"testing"
	"time"

	"github.com/classpulse/classpulse/internal/domain"
)

func snapshotEvent(sessionID string, seq uint64) domain.Event {
	return domain.Event{
		Type:      domain.EventSnapshot,
		SessionID: sessionID,
		Sequence:  seq,
		Timestamp: time.Now(),
		Snapshot:  &domain.SnapshotPayload{State: domain.SessionActive},
	}
}

func metricEvent(sessionID string, seq uint64) domain.Event {
	return domain.Event{
		Type:      domain.EventMetricUpdated,
		SessionID: sessionID,
		Sequence:  seq,
		Timestamp: time.Now(),
		Metric:    &domain.SessionEngagementMetric{SessionID: sessionID, Value: 0.5},
	}
}

func TestHub_SnapshotBeforeLiveEvents(t *testing.T) {
	t.Parallel()
	hub := NewHub(32)

	sub := hub.Subscribe("s1", RoleInstructor, snapshotEvent("s1", 7))
	defer sub.Close()

	// A burst of live events right after subscription.
	for seq := uint64(8); seq <= 17; seq++ {
		hub.Publish("s1", metricEvent("s1", seq))
	}

	first := <-sub.Events()
	if first.Type != domain.EventSnapshot || first.Sequence != 7 {
		t.Fatalf("first event = %s seq %d, want snapshot seq 7", first.Type, first.Sequence)
	}

	want := uint64(8)
	for want <= 17 {
		ev := <-sub.Events()
		if ev.Sequence != want {
			t.Fatalf("event sequence = %d, want %d", ev.Sequence, want)
		}
		want++
	}
}

func TestHub_OrderPreservedPerSubscriber(t *testing.T) {
	t.Parallel()
	hub := NewHub(64)

	a := hub.Subscribe("s1", RoleInstructor, snapshotEvent("s1", 0))
	b := hub.Subscribe("s1", RoleStudent, snapshotEvent("s1", 0))
	defer a.Close()
	defer b.Close()

	for seq := uint64(1); seq <= 20; seq++ {
		hub.Publish("s1", metricEvent("s1", seq))
	}

	for _, sub := range []*Subscriber{a, b} {
		last := uint64(0)
		<-sub.Events() // snapshot
		for seq := uint64(1); seq <= 20; seq++ {
			ev := <-sub.Events()
			if ev.Sequence != last+1 {
				t.Fatalf("subscriber %s: sequence %d after %d", sub.Role, ev.Sequence, last)
			}
			last = ev.Sequence
		}
	}
}

func TestHub_SlowSubscriberDroppedWithoutBlocking(t *testing.T) {
	t.Parallel()
	hub := NewHub(2)

	slow := hub.Subscribe("s1", RoleStudent, snapshotEvent("s1", 0))
	fast := hub.Subscribe("s1", RoleInstructor, snapshotEvent("s1", 0))
	defer fast.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Nobody drains slow; its 2-slot buffer holds the snapshot plus one
		// event, so the second publish must drop it instead of blocking.
		for seq := uint64(1); seq <= 5; seq++ {
			hub.Publish("s1", metricEvent("s1", seq))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if hub.SubscriberCount("s1") != 1 {
		t.Errorf("subscriber count = %d, want 1 after drop", hub.SubscriberCount("s1"))
	}

	// The dropped subscriber's channel must be closed after its buffered
	// events are drained.
	drained := 0
	for range slow.Events() {
		drained++
		if drained > 10 {
			t.Fatal("dropped subscriber channel never closed")
		}
	}

	// The fast subscriber still sees everything in order.
	<-fast.Events() // snapshot
	for seq := uint64(1); seq <= 5; seq++ {
		ev := <-fast.Events()
		if ev.Sequence != seq {
			t.Fatalf("fast subscriber sequence = %d, want %d", ev.Sequence, seq)
		}
	}
}

func TestHub_CloseSessionClosesAllChannels(t *testing.T) {
	t.Parallel()
	hub := NewHub(8)

	a := hub.Subscribe("s1", RoleInstructor, snapshotEvent("s1", 0))
	b := hub.Subscribe("s1", RoleStudent, snapshotEvent("s1", 0))

	hub.CloseSession("s1")

	for _, sub := range []*Subscriber{a, b} {
		assertChannelCloses(t, sub)
	}

	if hub.SubscriberCount("s1") != 0 {
		t.Errorf("subscriber count = %d after close", hub.SubscriberCount("s1"))
	}
}

func assertChannelCloses(t *testing.T, sub *Subscriber) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscriber channel not closed")
		}
	}
}

func TestHub_UnsubscribeIdempotent(t *testing.T) {
	t.Parallel()
	hub := NewHub(8)

	sub := hub.Subscribe("s1", RoleInstructor, snapshotEvent("s1", 0))
	sub.Close()
	sub.Close()

	if hub.SubscriberCount("s1") != 0 {
		t.Errorf("subscriber count = %d after unsubscribe", hub.SubscriberCount("s1"))
	}

	// Publishing to an empty session is a no-op.
	hub.Publish("s1", metricEvent("s1", 1))
}

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func collectOne(t *testing.T, b EventBus, publish func()) MutationEvent {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan MutationEvent, 1)
	subErr := make(chan error, 1)
	go func() {
		subErr <- b.Subscribe(ctx, func(ev MutationEvent) {
			select {
			case got <- ev:
			default:
			}
		})
	}()

	// Give the subscriber time to attach before publishing.
	time.Sleep(50 * time.Millisecond)
	publish()

	select {
	case ev := <-got:
		cancel()
		<-subErr
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("event not delivered")
		return MutationEvent{}
	}
}

func TestMemory_PublishSubscribe(t *testing.T) {
	b := NewMemory()

	want := MutationEvent{
		EventType:  EventCreated,
		ScheduleID: "abc",
		Timestamp:  time.Now().UTC(),
	}
	ev := collectOne(t, b, func() {
		if err := b.Publish(context.Background(), want); err != nil {
			t.Errorf("publish: %v", err)
		}
	})

	if ev.EventType != EventCreated || ev.ScheduleID != "abc" {
		t.Errorf("got %+v, want type=created id=abc", ev)
	}
}

func TestMemory_PublishWithoutSubscribers(t *testing.T) {
	b := NewMemory()
	if err := b.Publish(context.Background(), MutationEvent{EventType: EventDeleted}); err != nil {
		t.Errorf("publish without subscribers should be a no-op, got %v", err)
	}
}

func TestMemory_FanOut(t *testing.T) {
	b := NewMemory()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const subs = 3
	got := make(chan MutationEvent, subs)
	for i := 0; i < subs; i++ {
		go b.Subscribe(ctx, func(ev MutationEvent) {
			got <- ev
		})
	}
	time.Sleep(50 * time.Millisecond)

	if err := b.Publish(ctx, MutationEvent{EventType: EventUpdated, ScheduleID: "x"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i := 0; i < subs; i++ {
		select {
		case ev := <-got:
			if ev.ScheduleID != "x" {
				t.Errorf("subscriber %d got %+v", i, ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestRedis_PublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	b := NewRedis(client, "marketbeat:schedule-events")

	want := MutationEvent{
		EventType:  EventDisabled,
		ScheduleID: "def",
		Timestamp:  time.Now().UTC(),
	}
	ev := collectOne(t, b, func() {
		if err := b.Publish(context.Background(), want); err != nil {
			t.Errorf("publish: %v", err)
		}
	})

	if ev.EventType != EventDisabled || ev.ScheduleID != "def" {
		t.Errorf("got %+v, want type=disabled id=def", ev)
	}
}

func TestRedis_MalformedPayloadIgnored(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	b := NewRedis(client, "events")

	ev := collectOne(t, b, func() {
		// Garbage first; the subscriber must survive it and deliver the
		// well-formed event that follows.
		client.Publish(context.Background(), "events", "{not json")
		b.Publish(context.Background(), MutationEvent{EventType: EventEnabled, ScheduleID: "ok"})
	})

	if ev.ScheduleID != "ok" {
		t.Errorf("got %+v, want the well-formed event", ev)
	}
}

package inproc

import (
	"testing"

	"junoloop/internal/domain"
)

func TestPublishReachesEverySubscriber(t *testing.T) {
	bus := New(4)
	first := bus.Subscribe("first")
	second := bus.Subscribe("second")

	bus.Publish(domain.Event{Kind: domain.EventCycleStarted, Cycle: 1})

	for name, ch := range map[string]<-chan domain.Event{"first": first, "second": second} {
		select {
		case ev := <-ch:
			if ev.Kind != domain.EventCycleStarted || ev.Cycle != 1 {
				t.Fatalf("%s received %+v", name, ev)
			}
		default:
			t.Fatalf("%s received nothing", name)
		}
	}
}

func TestSubscribeSameNameReturnsSameChannel(t *testing.T) {
	bus := New(4)
	a := bus.Subscribe("monitor")
	b := bus.Subscribe("monitor")

	bus.Publish(domain.Event{Kind: domain.EventCycleCompleted, Cycle: 3})

	// one subscriber, one delivery
	<-a
	select {
	case ev := <-b:
		t.Fatalf("duplicate delivery %+v: same name must share a queue", ev)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(4)
	ch := bus.Subscribe("monitor")
	bus.Unsubscribe("monitor")

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}

	// publishing after unsubscribe is a no-op, not a panic
	bus.Publish(domain.Event{Kind: domain.EventTerminated})
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	bus := New(1)
	ch := bus.Subscribe("slow")

	bus.Publish(domain.Event{Kind: domain.EventCycleStarted, Cycle: 1})
	bus.Publish(domain.Event{Kind: domain.EventCycleStarted, Cycle: 2})

	ev := <-ch
	if ev.Cycle != 1 {
		t.Fatalf("cycle = %d, want the first event kept", ev.Cycle)
	}
	select {
	case extra := <-ch:
		t.Fatalf("overflow event delivered: %+v", extra)
	default:
	}
}

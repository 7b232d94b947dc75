package eventbus

import (
	"testing"
	"time"
)

func TestBus_PublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	b.Publish(Event{Type: SessionCreated, SessionID: "s1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.SessionID != "s1" || ev.Type != SessionCreated {
				t.Fatalf("unexpected event: %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected event delivery")
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed after unsubscribe")
	}
}

func TestBus_TerminalOutputRateLimitedPerSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < terminalBurst+20; i++ {
		b.Publish(Event{Type: TerminalOutput, SessionID: "s1"})
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			if drained == 0 {
				t.Fatalf("expected at least some terminal events through the burst allowance")
			}
			if drained > terminalBurst+20 {
				t.Fatalf("rate limiter let more through than published")
			}
			return
		}
	}
}

func TestBus_NonTerminalEventsNotRateLimited(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < terminalBurst+20; i++ {
		b.Publish(Event{Type: StatusUpdate, SessionID: "s1"})
	}

	drained := 0
	for i := 0; i < subscriberBuffer; i++ {
		select {
		case <-ch:
			drained++
		default:
		}
	}
	if drained != terminalBurst+20 {
		t.Fatalf("expected all %d non-terminal events delivered, got %d", terminalBurst+20, drained)
	}
}

func TestBus_SubscriberCount(t *testing.T) {
	b := New()
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers initially")
	}
	_, unsub := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	unsub()
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe")
	}
}

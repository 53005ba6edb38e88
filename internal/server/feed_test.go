package server

import (
	"context"
	"testing"
	"time"
)

func decisionEvent(fingerprint string) DecisionEvent {
	return DecisionEvent{
		Fingerprint:     fingerprint,
		Decision:        "suppress",
		SourceHint:      "plugin-x",
		OccurrenceCount: 1,
		At:              time.Unix(1750000000, 0).UTC(),
	}
}

func TestFeedDeliversToAllSubscribers(t *testing.T) {
	feed := NewDecisionFeed()

	first, cancelFirst := feed.Subscribe(context.Background())
	defer cancelFirst()
	second, cancelSecond := feed.Subscribe(context.Background())
	defer cancelSecond()

	feed.Publish(decisionEvent("aaaaaaaaaaaaaaaa"))

	for _, stream := range []<-chan DecisionEvent{first, second} {
		select {
		case event := <-stream:
			if event.Fingerprint != "aaaaaaaaaaaaaaaa" {
				t.Fatalf("unexpected event %+v", event)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event")
		}
	}
}

func TestFeedIgnoresIncompleteEvents(t *testing.T) {
	feed := NewDecisionFeed()

	stream, cancel := feed.Subscribe(context.Background())
	defer cancel()

	feed.Publish(DecisionEvent{Decision: "suppress"})
	feed.Publish(DecisionEvent{Fingerprint: "aaaaaaaaaaaaaaaa"})

	select {
	case event := <-stream:
		t.Fatalf("expected no delivery for incomplete events, got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeedDropsEventsForSlowSubscribers(t *testing.T) {
	feed := NewDecisionFeed()

	stream, cancel := feed.Subscribe(context.Background())
	defer cancel()

	// Overflow the buffer without draining; publishes must not block.
	for i := 0; i < 64; i++ {
		feed.Publish(decisionEvent("bbbbbbbbbbbbbbbb"))
	}

	drained := 0
	for {
		select {
		case <-stream:
			drained++
			continue
		default:
		}
		break
	}
	if drained == 0 || drained > 16 {
		t.Fatalf("expected buffered delivery capped at 16, drained %d", drained)
	}
}

func TestFeedUnsubscribeStopsDelivery(t *testing.T) {
	feed := NewDecisionFeed()

	stream, cancel := feed.Subscribe(context.Background())
	cancel()

	feed.Publish(decisionEvent("cccccccccccccccc"))

	select {
	case event := <-stream:
		t.Fatalf("expected no delivery after unsubscribe, got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeedSubscribeHonorsContextCancellation(t *testing.T) {
	feed := NewDecisionFeed()

	ctx, cancelCtx := context.WithCancel(context.Background())
	stream, cancel := feed.Subscribe(ctx)
	defer cancel()

	cancelCtx()

	// The unregister goroutine races with the publish; poll until the
	// subscriber is gone.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		feed.mu.RLock()
		remaining := len(feed.subscribers)
		feed.mu.RUnlock()
		if remaining == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	feed.Publish(decisionEvent("dddddddddddddddd"))
	select {
	case event := <-stream:
		t.Fatalf("expected no delivery after context cancellation, got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

package server

import (
	"context"
	"sync"
	"time"
)

const (
	// FeedEventDecision is the SSE event name for suppression decisions.
	FeedEventDecision = "decision"
)

// DecisionEvent is broadcast to subscribed operator streams after every
// evaluated capture.
type DecisionEvent struct {
	Fingerprint     string    `json:"fingerprint"`
	Decision        string    `json:"decision"`
	SourceHint      string    `json:"source_hint"`
	OccurrenceCount int64     `json:"occurrence_count"`
	At              time.Time `json:"at"`
}

// DecisionFeed fans captured-notice decisions out to live operator
// streams. Delivery is best effort: a subscriber that cannot keep up
// drops events rather than blocking the capture path.
type DecisionFeed struct {
	mu          sync.RWMutex
	subscribers map[int64]*feedSubscriber
	nextID      int64
	bufferSize  int
}

type feedSubscriber struct {
	id     int64
	stream chan DecisionEvent
}

// NewDecisionFeed constructs an empty feed.
func NewDecisionFeed() *DecisionFeed {
	return &DecisionFeed{
		subscribers: make(map[int64]*feedSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream that closes with the context. The returned
// cancel func is idempotent and safe to call alongside context cancellation.
func (f *DecisionFeed) Subscribe(ctx context.Context) (<-chan DecisionEvent, func()) {
	subscriber := &feedSubscriber{
		id:     f.nextSequence(),
		stream: make(chan DecisionEvent, f.bufferSize),
	}
	f.register(subscriber)
	cleanup := func() {
		f.unregister(subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every current subscriber without blocking.
func (f *DecisionFeed) Publish(event DecisionEvent) {
	if event.Fingerprint == "" || event.Decision == "" {
		return
	}
	f.mu.RLock()
	copies := make([]*feedSubscriber, 0, len(f.subscribers))
	for _, subscriber := range f.subscribers {
		copies = append(copies, subscriber)
	}
	f.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (f *DecisionFeed) nextSequence() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}

func (f *DecisionFeed) register(subscriber *feedSubscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers[subscriber.id] = subscriber
}

func (f *DecisionFeed) unregister(subscriberID int64) {
	f.mu.Lock()
	delete(f.subscribers, subscriberID)
	f.mu.Unlock()
}

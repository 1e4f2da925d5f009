// Package events provides the in-process event bus that decouples the
// collector, engine, alerting, and orchestrator. Topics are plain strings;
// payloads are arbitrary values owned by the publisher.
package events

import (
	"sync"
	"time"
)

// Topics published by the engine and its subsystems.
const (
	TopicDataCollected       = "data.collected"
	TopicBatchReady          = "data.batch.ready"
	TopicQualityAnomaly      = "data.quality.anomaly"
	TopicDetectionCompleted  = "anomaly.detection.completed"
	TopicAlertCreated        = "anomaly.alert.created"
	TopicAlertAcknowledged   = "anomaly.alert.acknowledged"
	TopicAlertEscalated      = "anomaly.alert.escalated"
	TopicAlertResolved       = "anomaly.alert.resolved"
	TopicPerformanceRecorded = "detector.performance.recorded"
	TopicScaledUp            = "detector.scaled.up"
	TopicScaledDown          = "detector.scaled.down"
)

// Event is one published message.
type Event struct {
	Topic   string
	Payload any
	At      time.Time
}

// Bus is a topic-based publish/subscribe hub. Publish never blocks: each
// subscriber has a bounded buffer and the oldest event is dropped when it
// overruns.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*subscription
	bufSize int
	closed  bool
}

type subscription struct {
	ch     chan Event
	topic  string
	closed bool
	mu     sync.Mutex
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Bus{
		subs:    make(map[string][]*subscription),
		bufSize: bufSize,
	}
}

// Subscribe returns a channel of events for the topic and a function that
// cancels the subscription and closes the channel.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		ch:    make(chan Event, b.bufSize),
		topic: topic,
	}
	b.subs[topic] = append(b.subs[topic], sub)

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.remove(sub)
	}
}

// Publish delivers the payload to every subscriber of the topic. If a
// subscriber buffer is full the oldest event is discarded; this is the
// only permitted dropping point on the bus.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	subs := b.subs[topic]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	ev := Event{Topic: topic, Payload: payload, At: time.Now()}
	for _, sub := range subs {
		sub.send(ev)
	}
}

func (s *subscription) send(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
			// Drop the oldest to make room.
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.mu.Lock()
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
			sub.mu.Unlock()
		}
	}
	b.subs = make(map[string][]*subscription)
}

// remove is called with the bus lock held.
func (b *Bus) remove(target *subscription) {
	subs := b.subs[target.topic]
	for i, sub := range subs {
		if sub == target {
			b.subs[target.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	target.mu.Lock()
	if !target.closed {
		target.closed = true
		close(target.ch)
	}
	target.mu.Unlock()
}

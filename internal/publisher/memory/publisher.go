// Package memory keeps archived-image events in process. It backs the
// "memory" events provider and the pipeline tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultCapacity bounds the retained events when New is given no capacity.
const DefaultCapacity = 1024

// Event is one recorded publish.
type Event struct {
	Seq     int64
	Topic   string
	Payload any
}

// Publisher retains the most recent events in a ring buffer.
type Publisher struct {
	mu     sync.RWMutex
	events []Event
	next   int
	seq    int64
	logger *zap.Logger
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithCapacity sets how many events are retained.
func WithCapacity(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.events = make([]Event, 0, n)
		}
	}
}

// WithLogger logs every event at debug level.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger.Named("events")
		}
	}
}

// New returns an empty Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{events: make([]Event, 0, DefaultCapacity), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish records the event, overwriting the oldest one once full, and
// returns a sequence-based id.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	p.seq++
	ev := Event{Seq: p.seq, Topic: topic, Payload: payload}
	if len(p.events) < cap(p.events) {
		p.events = append(p.events, ev)
	} else {
		p.events[p.next] = ev
		p.next = (p.next + 1) % len(p.events)
	}
	p.mu.Unlock()

	id := fmt.Sprintf("memory-%d", ev.Seq)
	p.logger.Debug("event published", zap.String("topic", topic), zap.String("id", id), zap.Any("payload", payload))
	return id, nil
}

// Messages returns the retained events, oldest first.
func (p *Publisher) Messages() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Event, 0, len(p.events))
	out = append(out, p.events[p.next:]...)
	out = append(out, p.events[:p.next]...)
	return out
}

// Published reports how many events were published in total.
func (p *Publisher) Published() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.seq
}

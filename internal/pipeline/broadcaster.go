package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpattn/tidyexport/internal/domain"
)

const (
	// MaxSubscribers bounds the number of sinks one stream can feed.
	MaxSubscribers = 8
	// SubscriberBuffer is how far a fast sink may run ahead of a slow one.
	SubscriberBuffer = 16
)

var errBroadcasterClosed = errors.New("broadcaster is closed")

// Broadcaster fans one row stream out to independent subscribers. Every
// subscriber sees every published row in publish order. Publish blocks while
// any subscriber's buffer is full, so the stream runs at the pace of the
// slowest subscriber.
type Broadcaster struct {
	subscribers []*subscriber
	closed      bool
}

type subscriber struct {
	name      string
	rows      chan domain.Row
	delivered int
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe registers a named subscriber and returns its row channel. All
// subscriptions must happen before the first Publish.
func (b *Broadcaster) Subscribe(name string) (<-chan domain.Row, error) {
	if b.closed {
		return nil, errBroadcasterClosed
	}
	if len(b.subscribers) >= MaxSubscribers {
		return nil, fmt.Errorf("cannot subscribe %s: limit of %d subscribers reached", name, MaxSubscribers)
	}
	sub := &subscriber{name: name, rows: make(chan domain.Row, SubscriberBuffer)}
	b.subscribers = append(b.subscribers, sub)
	return sub.rows, nil
}

// Publish offers row to every subscriber.
func (b *Broadcaster) Publish(ctx context.Context, row domain.Row) error {
	if b.closed {
		return errBroadcasterClosed
	}
	for _, sub := range b.subscribers {
		select {
		case sub.rows <- row:
			sub.delivered++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close ends the stream for every subscriber. It is safe to call twice.
func (b *Broadcaster) Close() {
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.rows)
	}
}

// Delivered returns the number of rows handed to each subscriber.
func (b *Broadcaster) Delivered() map[string]int {
	counts := make(map[string]int, len(b.subscribers))
	for _, sub := range b.subscribers {
		counts[sub.name] = sub.delivered
	}
	return counts
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rpattn/tidyexport/internal/domain"
)

func TestBroadcasterDeliversEveryRowInOrder(t *testing.T) {
	b := NewBroadcaster()
	names := []string{"csv", "xlsx", "slow"}
	channels := make([]<-chan domain.Row, len(names))
	for i, name := range names {
		rows, err := b.Subscribe(name)
		if err != nil {
			t.Fatalf("subscribe %s: %v", name, err)
		}
		channels[i] = rows
	}

	const total = 100
	received := make([][]string, len(names))
	var wg sync.WaitGroup
	for i, rows := range channels {
		wg.Add(1)
		go func(i int, rows <-chan domain.Row) {
			defer wg.Done()
			for row := range rows {
				if i == 2 {
					time.Sleep(time.Millisecond)
				}
				received[i] = append(received[i], row.Values["id"].(string))
			}
		}(i, rows)
	}

	ctx := context.Background()
	for n := 0; n < total; n++ {
		row := domain.Row{Type: "cbg", Values: map[string]any{"id": fmt.Sprintf("r%03d", n)}}
		if err := b.Publish(ctx, row); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	b.Close()
	wg.Wait()

	for i, ids := range received {
		if len(ids) != total {
			t.Fatalf("%s received %d rows", names[i], len(ids))
		}
		for n, id := range ids {
			if id != fmt.Sprintf("r%03d", n) {
				t.Fatalf("%s received %s at position %d", names[i], id, n)
			}
		}
	}
	for name, delivered := range b.Delivered() {
		if delivered != total {
			t.Fatalf("%s delivered %d rows", name, delivered)
		}
	}
}

func TestBroadcasterSubscriberLimit(t *testing.T) {
	b := NewBroadcaster()
	for i := 0; i < MaxSubscribers; i++ {
		if _, err := b.Subscribe(fmt.Sprintf("sink-%d", i)); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}
	if _, err := b.Subscribe("one-too-many"); err == nil {
		t.Fatalf("expected subscription beyond the limit to fail")
	}
}

func TestBroadcasterClosed(t *testing.T) {
	b := NewBroadcaster()
	rows, err := b.Subscribe("csv")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b.Close()
	b.Close()

	if _, ok := <-rows; ok {
		t.Fatalf("expected closed channel")
	}
	if err := b.Publish(context.Background(), domain.Row{}); !errors.Is(err, errBroadcasterClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if _, err := b.Subscribe("late"); !errors.Is(err, errBroadcasterClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestBroadcasterPublishHonoursContextWhenBlocked(t *testing.T) {
	b := NewBroadcaster()
	if _, err := b.Subscribe("stuck"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < SubscriberBuffer; i++ {
		if err := b.Publish(ctx, domain.Row{}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- b.Publish(ctx, domain.Row{}) }()
	select {
	case err := <-done:
		t.Fatalf("publish returned before the buffer drained: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("publish did not return after cancel")
	}
	if got := b.Delivered()["stuck"]; got != SubscriberBuffer {
		t.Fatalf("expected %d delivered, got %d", SubscriberBuffer, got)
	}
}

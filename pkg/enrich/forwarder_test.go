package enrich

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
	err    error
}

func (c *captureSink) SendEvent(ev Event) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *captureSink) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestForwarderEnrichesBeforeDelivery(t *testing.T) {
	sink := &captureSink{}
	e := NewSelectiveEnricher([]string{"t"}, "s1", nil)
	f := NewForwarder(e, sink, ForwarderOptions{StreamID: "s1"})

	f.Forward(Event{Type: "t", Payload: map[string]any{DataKey: map[string]any{}}})
	f.Close()

	if sink.Count() != 1 {
		t.Fatalf("expected 1 delivered event, got %d", sink.Count())
	}
	data, _ := sink.events[0].Data()
	if data[SessionIDField] != "s1" {
		t.Fatalf("event was not enriched: %v", data)
	}
}

func TestForwarderDropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	sink := &captureSink{block: block}
	f := NewForwarder(nil, sink, ForwarderOptions{Buffer: 1})

	// First event is picked up by the loop and blocks in the sink, the
	// second fills the queue, the rest must be dropped without blocking.
	for i := 0; i < 10; i++ {
		f.Forward(Event{Type: "t"})
	}
	if f.Dropped() == 0 {
		t.Fatalf("expected drops with a full queue")
	}
	close(block)
	f.Close()
}

func TestForwarderSurvivesSinkErrors(t *testing.T) {
	sink := &captureSink{err: errors.New("gone")}
	f := NewForwarder(nil, sink, ForwarderOptions{})

	f.Forward(Event{Type: "a"})
	f.Forward(Event{Type: "b"})
	f.Close()
	// No panic, no deadlock; errors are logged and delivery continues.
}

func TestForwarderConcurrentForwardAndClose(t *testing.T) {
	// Forward and Close racing must never send on the closed queue.
	for i := 0; i < 200; i++ {
		f := NewForwarder(nil, &captureSink{}, ForwarderOptions{Buffer: 1})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				f.Forward(Event{Type: "t"})
			}
		}()
		go func() {
			defer wg.Done()
			f.Close()
		}()
		wg.Wait()
	}
}

func TestForwarderIgnoresForwardAfterClose(t *testing.T) {
	sink := &captureSink{}
	f := NewForwarder(nil, sink, ForwarderOptions{})
	f.Close()
	f.Forward(Event{Type: "late"})
	time.Sleep(10 * time.Millisecond)
	if sink.Count() != 0 {
		t.Fatalf("event delivered after close")
	}
}

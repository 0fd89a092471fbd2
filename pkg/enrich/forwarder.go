package enrich

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxwire/voxwire/pkg/metrics"
)

// Sink delivers an enriched event to the client's out-of-band channel.
type Sink interface {
	SendEvent(ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev Event) error

func (f SinkFunc) SendEvent(ev Event) error { return f(ev) }

// Forwarder pushes events through an enricher chain to a sink without ever
// blocking the caller. Delivery is fire-and-forget over a bounded queue;
// when the queue is full the event is dropped and counted.
type Forwarder struct {
	enricher Enricher
	sink     Sink
	ch       chan Event
	dropped  int64
	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	obs      metrics.Observer
	log      *slog.Logger
	streamID string
}

type ForwarderOptions struct {
	Buffer   int
	Observer metrics.Observer
	Logger   *slog.Logger
	StreamID string
}

func NewForwarder(enricher Enricher, sink Sink, opts ForwarderOptions) *Forwarder {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if enricher == nil {
		enricher = Chain(nil)
	}
	f := &Forwarder{
		enricher: enricher,
		sink:     sink,
		ch:       make(chan Event, opts.Buffer),
		obs:      opts.Observer,
		log:      opts.Logger,
		streamID: opts.StreamID,
	}
	f.wg.Add(1)
	go f.loop()
	return f
}

// Forward enqueues an event for enrichment and delivery. It never blocks;
// the event is dropped when the forwarder is closed or the queue is full.
// The lock serializes enqueue against Close so intake never races the
// channel close.
func (f *Forwarder) Forward(ev Event) {
	if f == nil {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	select {
	case f.ch <- ev:
	default:
		atomic.AddInt64(&f.dropped, 1)
		f.record(metrics.EventEnrichDrop, ev.Type)
	}
}

func (f *Forwarder) Dropped() int64 {
	return atomic.LoadInt64(&f.dropped)
}

// Close stops intake and waits for queued events to drain.
func (f *Forwarder) Close() {
	if f == nil {
		return
	}
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
	f.mu.Unlock()
	f.wg.Wait()
}

func (f *Forwarder) loop() {
	defer f.wg.Done()
	for ev := range f.ch {
		out := f.enricher.Enrich(ev)
		if f.sink == nil {
			continue
		}
		if err := f.sink.SendEvent(out); err != nil {
			f.log.Warn("event_forward_failed", "stream_id", f.streamID, "type", ev.Type, "error", err)
			continue
		}
		f.record(metrics.EventEnrichForward, ev.Type)
	}
}

func (f *Forwarder) record(name, evType string) {
	f.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{
			"stream_id": f.streamID,
			"type":      evType,
			"component": "enrich",
		},
	})
}

package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Factory builds a fully wired session for a new connection. The returned
// session's orchestrator must not be started; the registry starts it.
type Factory func(ctx context.Context, id, streamID, traceID string) (*Session, error)

type Registry struct {
	sessions sync.Map
	count    atomic.Int64
	factory  Factory
	draining atomic.Bool
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory}
}

func (r *Registry) GetOrCreate(id, streamID, traceID string) (*Session, bool, error) {
	if id == "" {
		return nil, false, nil
	}
	if v, ok := r.sessions.Load(id); ok {
		return v.(*Session), false, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess, err := r.factory(ctx, id, streamID, traceID)
	if err != nil {
		cancel()
		return nil, false, err
	}
	sess.Ctx = ctx
	sess.Cancel = cancel
	if sess.Created.IsZero() {
		sess.Created = time.Now()
	}
	if sess.Orch != nil {
		if err := sess.Orch.Start(); err != nil {
			cancel()
			return nil, false, err
		}
	}
	actual, loaded := r.sessions.LoadOrStore(id, sess)
	if loaded {
		sess.Close()
		return actual.(*Session), false, nil
	}
	r.count.Add(1)
	return sess, true, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	if v, ok := r.sessions.Load(id); ok {
		return v.(*Session), true
	}
	return nil, false
}

func (r *Registry) Remove(id string) {
	if v, ok := r.sessions.LoadAndDelete(id); ok {
		v.(*Session).Close()
		r.count.Add(-1)
	}
}

func (r *Registry) CloseAll() {
	r.sessions.Range(func(key, value any) bool {
		if id, ok := key.(string); ok {
			r.Remove(id)
		}
		return true
	})
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

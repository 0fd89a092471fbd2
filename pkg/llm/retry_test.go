package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type flakyAdapter struct {
	failures int32
	calls    int32
}

func (f *flakyAdapter) Name() string { return "flaky" }

func (f *flakyAdapter) Generate(ctx context.Context, input Context) (Response, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= atomic.LoadInt32(&f.failures) {
		return Response{}, errors.New("transient")
	}
	return Response{Text: "ok"}, nil
}

func (f *flakyAdapter) Stream(ctx context.Context, input Context) (<-chan string, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= atomic.LoadInt32(&f.failures) {
		return nil, errors.New("transient")
	}
	ch := make(chan string, 1)
	ch <- "ok"
	close(ch)
	return ch, nil
}

func noSleep(time.Duration) {}

func TestRetryAdapterRecoversFromTransientFailures(t *testing.T) {
	inner := &flakyAdapter{failures: 2}
	a := NewRetryAdapter(inner, RetryConfig{MaxAttempts: 3, Sleep: noSleep})

	resp, err := a.Generate(context.Background(), Context{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "ok" {
		t.Fatalf("response = %q", resp.Text)
	}
	if got := atomic.LoadInt32(&inner.calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestRetryAdapterGivesUpAfterMaxAttempts(t *testing.T) {
	inner := &flakyAdapter{failures: 10}
	a := NewRetryAdapter(inner, RetryConfig{MaxAttempts: 2, Sleep: noSleep})

	if _, err := a.Generate(context.Background(), Context{}); err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if got := atomic.LoadInt32(&inner.calls); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestRetryAdapterStreamRetriesConnect(t *testing.T) {
	inner := &flakyAdapter{failures: 1}
	a := NewRetryAdapter(inner, RetryConfig{MaxAttempts: 2, Sleep: noSleep})

	ch, err := a.Stream(context.Background(), Context{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got := <-ch; got != "ok" {
		t.Fatalf("fragment = %q", got)
	}
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, RetryConfig{Sleep: noSleep}, func(ctx context.Context) (Response, error) {
		t.Fatalf("fn must not run with a cancelled context")
		return Response{}, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

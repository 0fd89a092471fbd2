package priority

import "testing"

func TestHighLaneDrainsFirst(t *testing.T) {
	q := New(4, 4, 3)
	if !q.TryPushLow("media") {
		t.Fatalf("low push failed")
	}
	if !q.TryPushHigh("cancel") {
		t.Fatalf("high push failed")
	}

	first, ok := q.Pop()
	if !ok || first != "cancel" {
		t.Fatalf("expected high item first, got %v", first)
	}
	second, ok := q.Pop()
	if !ok || second != "media" {
		t.Fatalf("expected low item second, got %v", second)
	}

	st := q.Stats()
	if st.HighPop != 1 || st.LowPop != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestTryPushRespectsCapacity(t *testing.T) {
	q := New(1, 1, 3)
	if !q.TryPushHigh(1) || q.TryPushHigh(2) {
		t.Fatalf("high lane capacity not enforced")
	}
	if !q.TryPushLow(1) || q.TryPushLow(2) {
		t.Fatalf("low lane capacity not enforced")
	}
}

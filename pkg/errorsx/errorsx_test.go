package errorsx

import "testing"

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonResponderStream)
	if Reason(err) != ReasonResponderStream {
		t.Fatalf("expected reason %s, got %s", ReasonResponderStream, Reason(err))
	}
	if !HasReason(err, ReasonResponderStream) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonTurnBusy)
	second := Wrap(first, ReasonResponderStream)
	if Reason(second) != ReasonTurnBusy {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ReasonTurnBusy) != nil {
		t.Fatalf("expected nil wrap to stay nil")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown reason for nil error")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

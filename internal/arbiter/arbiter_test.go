package arbiter_test

import "testing"

import "github.com/holmgren-iot/smamon/internal/arbiter"

func TestClampAboveNameplate(t *testing.T) {
	a := arbiter.New(3000)
	got, accepted := a.Request(5000)
	if !accepted {
		t.Fatalf("expected first request to be accepted")
	}
	if got != 3000 {
		t.Errorf("got %d, want 3000", got)
	}
}

func TestClampNegative(t *testing.T) {
	a := arbiter.New(4000)
	got, accepted := a.Request(-100)
	if !accepted {
		t.Fatalf("expected first request to be accepted")
	}
	if got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestPendingClearedAfterWrite(t *testing.T) {
	a := arbiter.New(4000)
	a.Request(2500)

	watts, ok := a.Pending()
	if !ok || watts != 2500 {
		t.Fatalf("pending = %d, %v; want 2500, true", watts, ok)
	}

	a.Clear()
	_, ok = a.Pending()
	if ok {
		t.Errorf("expected no pending write after Clear")
	}
}

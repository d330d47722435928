package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/kraklabs/sysrev/pkg/classify"
)

func TestBreaker_StartsClosed(t *testing.T) {
	b := New("openalex", Config{})
	if b.State() != Closed {
		t.Errorf("new breaker state = %v, want CLOSED", b.State())
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New("openalex", Config{FailureThreshold: 3, Cooldown: time.Hour})
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_, err := Call(b, func() (int, error) { return 0, boom })
		if err != boom {
			t.Fatalf("call %d error = %v, want boom", i, err)
		}
	}

	if b.State() != Open {
		t.Fatalf("state after %d consecutive failures = %v, want OPEN", 3, b.State())
	}
}

func TestBreaker_OpenShortCircuitsAsCircuitOpen(t *testing.T) {
	b := New("openalex", Config{FailureThreshold: 1, Cooldown: time.Hour})
	boom := errors.New("boom")

	if _, err := Call(b, func() (int, error) { return 0, boom }); err != boom {
		t.Fatalf("first call error = %v", err)
	}
	if b.State() != Open {
		t.Fatalf("expected OPEN after one failure with threshold 1")
	}

	calls := 0
	_, err := Call(b, func() (int, error) { calls++; return 0, nil })
	if calls != 0 {
		t.Error("fn should not execute while breaker is OPEN")
	}
	var adapterErr *classify.AdapterError
	if !errors.As(err, &adapterErr) || adapterErr.Kind != classify.CircuitOpen {
		t.Errorf("expected CIRCUIT_OPEN AdapterError, got %v", err)
	}
}

func TestBreaker_HalfOpenProbeRecoversToClosed(t *testing.T) {
	b := New("arxiv", Config{FailureThreshold: 1, Cooldown: 20 * time.Millisecond})
	boom := errors.New("boom")

	if _, err := Call(b, func() (int, error) { return 0, boom }); err != boom {
		t.Fatal(err)
	}
	if b.State() != Open {
		t.Fatal("expected OPEN")
	}

	time.Sleep(30 * time.Millisecond)

	got, err := Call(b, func() (int, error) { return 42, nil })
	if err != nil {
		t.Fatalf("probe call should succeed: %v", err)
	}
	if got != 42 {
		t.Errorf("got %d, want 42", got)
	}
	if b.State() != Closed {
		t.Errorf("state after successful probe = %v, want CLOSED", b.State())
	}
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	b := New("arxiv", Config{FailureThreshold: 1, Cooldown: 20 * time.Millisecond})
	boom := errors.New("boom")

	Call(b, func() (int, error) { return 0, boom })
	time.Sleep(30 * time.Millisecond)

	_, err := Call(b, func() (int, error) { return 0, boom })
	if err != boom {
		t.Fatalf("probe error = %v, want boom", err)
	}
	if b.State() != Open {
		t.Errorf("state after failed probe = %v, want OPEN", b.State())
	}
}

func TestRegistry_SharesBreakerPerSource(t *testing.T) {
	r := NewRegistry()
	a := r.Get("openalex")
	b := r.Get("openalex")
	if a != b {
		t.Error("expected the same *Breaker for repeated Get calls")
	}
	c := r.Get("crossref")
	if a == c {
		t.Error("expected distinct Breakers for distinct sources")
	}
}

func TestRegistry_ConfigureBeforeFirstGet(t *testing.T) {
	r := NewRegistry()
	r.Configure("custom", Config{FailureThreshold: 1, Cooldown: time.Hour})
	b := r.Get("custom")
	boom := errors.New("boom")
	Call(b, func() (int, error) { return 0, boom })
	if b.State() != Open {
		t.Error("expected configured threshold of 1 to trip on first failure")
	}
}

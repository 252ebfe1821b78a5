package circuit

import (
	"errors"
	"testing"
	"time"

	perrors "github.com/objectpool/objectpool/pkg/errors"
)

var errRemote = errors.New("connection refused")

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New("s3", Config{FailureThreshold: 3, Timeout: time.Minute})

	for i := 0; i < 3; i++ {
		if b.State() != StateClosed {
			t.Fatalf("breaker opened early after %d failures", i)
		}
		_ = b.Execute(func() error { return errRemote })
	}

	if b.State() != StateOpen {
		t.Fatalf("expected OPEN after threshold, got %s", b.State())
	}

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if called {
		t.Error("fn must not run while the breaker is open")
	}
	if !perrors.IsCode(err, perrors.ErrCodeTransportFailure) {
		t.Errorf("expected TRANSPORT_FAILURE, got %v", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New("s3", Config{FailureThreshold: 2, Timeout: time.Minute})

	_ = b.Execute(func() error { return errRemote })
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return errRemote })

	if b.State() != StateClosed {
		t.Errorf("interleaved success should reset the count, state %s", b.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New("s3", Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Millisecond,
		MaxProbes:        2,
	})

	_ = b.Execute(func() error { return errRemote })
	if b.State() != StateOpen {
		t.Fatal("expected OPEN after single failure")
	}

	time.Sleep(20 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN after timeout, got %s", b.State())
	}

	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe should pass, got %v", err)
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("second probe should pass, got %v", err)
	}

	if b.State() != StateClosed {
		t.Errorf("expected CLOSED after successful probes, got %s", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("s3", Config{FailureThreshold: 1, Timeout: 10 * time.Millisecond})

	_ = b.Execute(func() error { return errRemote })
	time.Sleep(20 * time.Millisecond)

	_ = b.Execute(func() error { return errRemote })
	if b.State() != StateOpen {
		t.Errorf("failed probe should reopen, got %s", b.State())
	}
}

package shared

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRetryOnConflictRetriesBusy(t *testing.T) {
	t.Parallel()

	calls := 0
	err := RetryOnConflict(context.Background(), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, "op", func() error {
		calls++
		if calls < 3 {
			return errors.New("SQLITE_BUSY: database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnConflictStopsOnOtherErrors(t *testing.T) {
	t.Parallel()

	want := errors.New("constraint failed")
	calls := 0
	err := RetryOnConflict(context.Background(), RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}, "op", func() error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	t.Parallel()

	km := NewKeyedMutex()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			keys := []string{"user", "agent-1"}
			if i%2 == 0 {
				keys = []string{"agent-1", "user", "user"}
			}
			unlock := km.Lock(keys...)
			counter++
			unlock()
		}(i)
	}
	wg.Wait()

	if counter != 100 {
		t.Fatalf("expected 100, got %d", counter)
	}
	km.mu.Lock()
	defer km.mu.Unlock()
	if len(km.locks) != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", len(km.locks))
	}
}

package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestRunFanOutVisitsEveryIndex(t *testing.T) {
	const n = 97
	var hits [n]int32

	err := runFanOut(context.Background(), n, 10, func(_ context.Context, i int) error {
		atomic.AddInt32(&hits[i], 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, h := range hits {
		if h != 1 {
			t.Fatalf("index %d visited %d times", i, h)
		}
	}
}

func TestRunFanOutFirstErrorWins(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32

	err := runFanOut(context.Background(), 200, 4, func(_ context.Context, i int) error {
		calls.Add(1)
		if i == 3 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the injected failure", err)
	}
	// Remaining indices are drained without running once the error lands.
	if got := calls.Load(); got >= 200 {
		t.Fatalf("fn ran %d times, want early cutoff", got)
	}
}

func TestRunFanOutZeroItems(t *testing.T) {
	err := runFanOut(context.Background(), 0, 10, func(context.Context, int) error {
		t.Fatal("fn must not run")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunFanOutWidthWiderThanWork(t *testing.T) {
	var calls atomic.Int32
	err := runFanOut(context.Background(), 3, 50, func(_ context.Context, i int) error {
		calls.Add(1)
		return nil
	})
	if err != nil || calls.Load() != 3 {
		t.Fatalf("calls=%d err=%v", calls.Load(), err)
	}
}

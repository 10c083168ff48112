package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewPool_Defaults(t *testing.T) {
	pool := NewPool(context.Background(), 0, -1)
	defer pool.Close()

	if pool.Workers() != 1 {
		t.Errorf("Expected 1 worker, got %d", pool.Workers())
	}
	if pool.QueueLen() != 0 {
		t.Errorf("Expected empty queue, got %d", pool.QueueLen())
	}
}

func TestSubmitAndWait_PreservesOrder(t *testing.T) {
	pool := NewPool(context.Background(), 4, 10)
	defer pool.Close()

	jobs := make([]Job[int], 20)
	for i := range jobs {
		n := i
		jobs[i] = Job[int]{
			ID: "job",
			Execute: func(ctx context.Context) (int, error) {
				// later jobs finish first
				time.Sleep(time.Duration(20-n) * time.Millisecond / 4)
				return n * n, nil
			},
		}
	}

	results := SubmitAndWait(pool, jobs)
	if len(results) != len(jobs) {
		t.Fatalf("Expected %d results, got %d", len(jobs), len(results))
	}
	for i, r := range results {
		if r.Index != i || r.Value != i*i || r.Err != nil {
			t.Errorf("result %d: got index=%d value=%d err=%v", i, r.Index, r.Value, r.Err)
		}
	}

	t.Log("✓ SubmitAndWait returns results in submission order")
}

func TestSubmitAndWait_Errors(t *testing.T) {
	pool := NewPool(context.Background(), 2, 0)
	defer pool.Close()

	boom := errors.New("boom")
	results := SubmitAndWait(pool, []Job[string]{
		{ID: "ok", Execute: func(ctx context.Context) (string, error) { return "fine", nil }},
		{ID: "bad", Execute: func(ctx context.Context) (string, error) { return "", boom }},
	})

	if results[0].Err != nil || results[0].Value != "fine" {
		t.Errorf("unexpected first result: %+v", results[0])
	}
	if !errors.Is(results[1].Err, boom) || results[1].JobID != "bad" {
		t.Errorf("unexpected second result: %+v", results[1])
	}
}

func TestPool_BoundedConcurrency(t *testing.T) {
	pool := NewPool(context.Background(), 3, 100)
	defer pool.Close()

	var running, peak int32
	jobs := make([]Job[struct{}], 30)
	for i := range jobs {
		jobs[i] = Job[struct{}]{Execute: func(ctx context.Context) (struct{}, error) {
			cur := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return struct{}{}, nil
		}}
	}
	SubmitAndWait(pool, jobs)

	if peak > 3 {
		t.Errorf("Expected at most 3 concurrent jobs, saw %d", peak)
	}
}

func TestPool_SubmitAfterClose(t *testing.T) {
	pool := NewPool(context.Background(), 2, 1)
	pool.Close()
	pool.Close()

	if err := pool.Submit(func(ctx context.Context) {}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}

	results := SubmitAndWait(pool, []Job[int]{{Execute: func(ctx context.Context) (int, error) { return 1, nil }}})
	if !errors.Is(results[0].Err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed in result, got %v", results[0].Err)
	}
}

func TestPool_CloseDrainsQueue(t *testing.T) {
	pool := NewPool(context.Background(), 1, 10)

	var done int32
	for i := 0; i < 5; i++ {
		if err := pool.Submit(func(ctx context.Context) {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&done, 1)
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	pool.Close()

	if atomic.LoadInt32(&done) != 5 {
		t.Errorf("Expected 5 completed tasks after Close, got %d", done)
	}
}

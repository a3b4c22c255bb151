package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Workers:                 4,
		QueueSize:               32,
		MaxRetries:              2,
		RetryDelay:              time.Millisecond,
		GracefulShutdownTimeout: time.Second,
	}
}

func TestDispatchReturnsOwnResult(t *testing.T) {
	pool, err := New(testConfig(), func(ctx context.Context, job *Job) *Result {
		return &Result{JobID: job.ID, Success: true}
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Start()
	defer pool.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", i)
			res, err := pool.Dispatch(context.Background(), &Job{ID: id})
			if err != nil {
				t.Errorf("Dispatch(%s): %v", id, err)
				return
			}
			if res.JobID != id {
				t.Errorf("Dispatch(%s) returned result for %s", id, res.JobID)
			}
		}(i)
	}
	wg.Wait()
}

func TestRetriesUntilSuccess(t *testing.T) {
	var attempts int32
	pool, err := New(testConfig(), func(ctx context.Context, job *Job) *Result {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return &Result{JobID: job.ID, Success: false, Error: errors.New("transient")}
		}
		return &Result{JobID: job.ID, Success: true}
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Start()
	defer pool.Stop()

	res, err := pool.Dispatch(context.Background(), &Job{ID: "retry-job"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.Success {
		t.Fatalf("job failed after retries: %v", res.Error)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}

	stats := pool.Stats()
	if stats.JobsRetried != 2 {
		t.Errorf("JobsRetried = %d, want 2", stats.JobsRetried)
	}
}

func TestExhaustedRetriesFail(t *testing.T) {
	sentinel := errors.New("always fails")
	pool, err := New(testConfig(), func(ctx context.Context, job *Job) *Result {
		return &Result{JobID: job.ID, Success: false, Error: sentinel}
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Start()
	defer pool.Stop()

	res, err := pool.Dispatch(context.Background(), &Job{ID: "doomed"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure after exhausted retries")
	}
	if !errors.Is(res.Error, sentinel) {
		t.Errorf("result error = %v, want wrapped %v", res.Error, sentinel)
	}
}

func TestSubmitAfterStopRejected(t *testing.T) {
	pool, err := New(testConfig(), func(ctx context.Context, job *Job) *Result {
		return &Result{JobID: job.ID, Success: true}
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Start()
	pool.Stop()

	if err := pool.Submit(&Job{ID: "late"}); err == nil {
		t.Fatal("expected submit to fail after Stop")
	}
}

func TestNewRequiresWorkerFunc(t *testing.T) {
	if _, err := New(testConfig(), nil, nil); err == nil {
		t.Fatal("expected error for nil worker func")
	}
}

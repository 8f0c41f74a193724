package parallel

import (
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_Create(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	if pool.Workers() != 4 {
		t.Errorf("Workers() = %d, want 4", pool.Workers())
	}
	if !pool.IsRunning() {
		t.Error("pool should be running after creation")
	}
}

func TestWorkerPool_CreateDefaultWorkers(t *testing.T) {
	for _, n := range []int{0, -3} {
		pool := NewWorkerPool(n)
		if pool.Workers() != runtime.GOMAXPROCS(0) {
			t.Errorf("NewWorkerPool(%d).Workers() = %d, want GOMAXPROCS", n, pool.Workers())
		}
		pool.Close()
	}
}

func TestWorkerPool_RunAll(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	var counter atomic.Int64
	tasks := make([]Task, 257)
	for i := range tasks {
		tasks[i] = func() error {
			counter.Add(1)
			return nil
		}
	}

	if err := pool.Run(tasks); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if counter.Load() != int64(len(tasks)) {
		t.Errorf("counter = %d, want %d", counter.Load(), len(tasks))
	}
	if pool.Executed() != uint64(len(tasks)) {
		t.Errorf("Executed() = %d, want %d", pool.Executed(), len(tasks))
	}
}

func TestWorkerPool_RunReturnsFirstErrorAndFinishes(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Close()

	boom := errors.New("boom")
	var ran atomic.Int32
	tasks := make([]Task, 10)
	for i := range tasks {
		tasks[i] = func() error {
			ran.Add(1)
			if i == 3 {
				return boom
			}
			return nil
		}
	}

	if err := pool.Run(tasks); !errors.Is(err, boom) {
		t.Errorf("Run err = %v, want boom", err)
	}
	if ran.Load() != 10 {
		t.Errorf("ran = %d, want all 10 tasks", ran.Load())
	}
}

func TestWorkerPool_StealBalancesSlowTask(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Close()

	var fast atomic.Int32
	tasks := []Task{
		func() error { time.Sleep(20 * time.Millisecond); return nil },
	}
	for range 20 {
		tasks = append(tasks, func() error { fast.Add(1); return nil })
	}

	if err := pool.Run(tasks); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fast.Load() != 20 {
		t.Errorf("fast = %d, want 20", fast.Load())
	}
}

func TestWorkerPool_Closed(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Close()
	pool.Close()

	if pool.IsRunning() {
		t.Error("IsRunning() = true after Close")
	}
	err := pool.Run([]Task{func() error { return nil }})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Run after Close = %v, want ErrClosed", err)
	}
	if err := pool.Run(nil); err != nil {
		t.Errorf("Run(nil) = %v, want nil", err)
	}
}

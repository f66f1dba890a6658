package opqueue

import (
	"sync"
	"testing"
	"time"
)

func TestQueue_FIFOOrder(t *testing.T) {
	q := New()
	defer q.Close()

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		i := i
		q.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	for i, v := range got {
		if v != i {
			t.Fatalf("expected task %d at position %d, got %d", i, i, v)
		}
	}
}

func TestQueue_SubmitWaitRunsBeforeReturn(t *testing.T) {
	q := New()
	defer q.Close()

	ran := false
	if ok := q.SubmitWait(func() { ran = true }); !ok {
		t.Fatalf("expected SubmitWait to succeed")
	}
	if !ran {
		t.Fatalf("expected task to have run before SubmitWait returned")
	}
}

func TestQueue_CloseDrainsBacklog(t *testing.T) {
	q := New()

	var mu sync.Mutex
	count := 0
	// A slow first task so the rest piles up in the backlog.
	q.Submit(func() { time.Sleep(20 * time.Millisecond) })
	for i := 0; i < 10; i++ {
		q.Submit(func() {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}
	q.Close()

	mu.Lock()
	defer mu.Unlock()
	if count != 10 {
		t.Fatalf("expected all 10 backlog tasks to run before Close returned, got %d", count)
	}
}

func TestQueue_RejectsAfterClose(t *testing.T) {
	q := New()
	q.Close()

	if q.Submit(func() {}) {
		t.Fatalf("expected Submit to fail after Close")
	}
	if q.SubmitWait(func() {}) {
		t.Fatalf("expected SubmitWait to fail after Close")
	}
}

func TestQueue_PanicDoesNotKillRunner(t *testing.T) {
	q := New()
	defer q.Close()

	q.Submit(func() { panic("boom") })

	ran := false
	if ok := q.SubmitWait(func() { ran = true }); !ok || !ran {
		t.Fatalf("expected queue to keep running after a task panic")
	}
}

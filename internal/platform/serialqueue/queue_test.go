package serialqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestJobsWithSameKeyRunInOrder(t *testing.T) {
	q := New(4)
	defer q.Close()

	var mu sync.Mutex
	got := make([]int, 0, 100)
	for i := 0; i < 100; i++ {
		i := i
		q.Submit("topic", func(context.Context) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	q.Wait()
	for i, v := range got {
		if v != i {
			t.Fatalf("job %d ran at position %d", v, i)
		}
	}
	if len(got) != 100 {
		t.Fatalf("expected 100 jobs, got %d", len(got))
	}
}

func TestParallelismIsBounded(t *testing.T) {
	q := New(2)
	defer q.Close()

	var running, peak int32
	for i := 0; i < 8; i++ {
		q.Submit(string(rune('a'+i)), func(context.Context) {
			now := atomic.AddInt32(&running, 1)
			for {
				prev := atomic.LoadInt32(&peak)
				if now <= prev || atomic.CompareAndSwapInt32(&peak, prev, now) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		})
	}
	q.Wait()
	if peak > 2 {
		t.Fatalf("expected at most 2 concurrent jobs, saw %d", peak)
	}
	if q.Pending() != 0 {
		t.Fatalf("expected no pending lanes, got %d", q.Pending())
	}
}

func TestClosedQueueRejectsJobs(t *testing.T) {
	q := New(1)
	q.Close()
	if q.Submit("k", func(context.Context) {}) {
		t.Fatal("closed queue must reject jobs")
	}
}

// Package serialqueue runs jobs in submission order per key while bounding
// the number of keys that make progress at the same time.
package serialqueue

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

type Job func(ctx context.Context)

type Queue struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
}

type lane struct {
	jobs []Job
}

func New(maxConcurrent int) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		ctx:    ctx,
		cancel: cancel,
		lanes:  make(map[string]*lane),
	}
}

// Submit enqueues job behind earlier jobs with the same key. It never blocks
// and reports false once the queue is closed.
func (q *Queue) Submit(key string, job Job) bool {
	if job == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	l, running := q.lanes[key]
	if !running {
		l = &lane{}
		q.lanes[key] = l
	}
	l.jobs = append(l.jobs, job)
	if !running {
		q.wg.Add(1)
		go q.run(key, l)
	}
	return true
}

func (q *Queue) run(key string, l *lane) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(l.jobs) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		job := l.jobs[0]
		l.jobs[0] = nil
		l.jobs = l.jobs[1:]
		q.mu.Unlock()

		if err := q.sem.Acquire(q.ctx, 1); err != nil {
			q.mu.Lock()
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		job(q.ctx)
		q.sem.Release(1)
	}
}

// Pending counts keys with queued or running work.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// Wait blocks until every submitted job has run. Callers must stop
// submitting first.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Close rejects new jobs, abandons jobs that have not started and waits for
// running ones.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}

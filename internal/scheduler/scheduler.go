package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskID is an opaque handle returned by Scheduler.At, used only to cancel a
// pending task — it carries no wire meaning (§9 Design Notes: uuid is a
// legitimate local-only id here, never serialised to the network).
type TaskID string

type task struct {
	id       TaskID
	deadline time.Time
	closure  func()
	index    int // heap index, maintained by container/heap
}

type taskHeap []*task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *taskHeap) Push(x interface{}) { t := x.(*task); t.index = len(*h); *h = append(*h, t) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Scheduler accepts (deadline, closure) pairs and, at the right time, hands
// the closure to a Pool for execution (§4.H). It owns one timer goroutine
// and never runs a closure on its own goroutine.
type Scheduler struct {
	pool *Pool

	mu      sync.Mutex
	pending map[TaskID]*task
	heap    taskHeap
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewScheduler starts a Scheduler that dispatches ready tasks onto pool.
func NewScheduler(pool *Pool) *Scheduler {
	s := &Scheduler{
		pool:    pool,
		pending: make(map[TaskID]*task),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// At schedules closure to run at or after deadline and returns a TaskID that
// can be passed to Cancel.
func (s *Scheduler) At(deadline time.Time, closure func()) TaskID {
	id := TaskID(uuid.NewString())
	t := &task{id: id, deadline: deadline, closure: closure}

	s.mu.Lock()
	s.pending[id] = t
	heap.Push(&s.heap, t)
	s.mu.Unlock()

	s.nudge()
	return id
}

// After schedules closure to run after d elapses.
func (s *Scheduler) After(d time.Duration, closure func()) TaskID {
	return s.At(time.Now().Add(d), closure)
}

// Cancel removes a pending task. It returns false if the task already fired
// or never existed; a task already handed to the Pool cannot be recalled
// (§4.H: "if not yet running, avoids invocation").
func (s *Scheduler) Cancel(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.pending[id]
	if !ok {
		return false
	}
	delete(s.pending, id)
	heap.Remove(&s.heap, t.index)
	return true
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.mu.Lock()
		var next time.Duration = time.Hour
		if len(s.heap) > 0 {
			next = time.Until(s.heap[0].deadline)
		}
		s.mu.Unlock()
		if next < 0 {
			next = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)

		select {
		case <-s.done:
			return
		case <-s.wake:
			continue
		case <-timer.C:
			s.fireReady()
		}
	}
}

func (s *Scheduler) fireReady() {
	now := time.Now()
	var ready []*task
	s.mu.Lock()
	for len(s.heap) > 0 && !s.heap[0].deadline.After(now) {
		t := heap.Pop(&s.heap).(*task)
		delete(s.pending, t.id)
		ready = append(ready, t)
	}
	s.mu.Unlock()

	for _, t := range ready {
		closure := t.closure
		s.pool.Submit(closure)
	}
}

// Close stops the scheduler's timer goroutine. Pending tasks are dropped.
func (s *Scheduler) Close() {
	s.once.Do(func() { close(s.done) })
}

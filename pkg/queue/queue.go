package queue

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/internal/rcherr"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/log"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/metrics"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/registry"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/selector"
)

// EventPublisher is the narrow slice of the event bus the queue depends on.
// It is satisfied by *events.Broker; declaring it locally avoids an import
// cycle and keeps the queue usable without a bus wired in tests.
type EventPublisher interface {
	Publish(kind string, fields map[string]any)
}

// nopPublisher discards every event.
type nopPublisher struct{}

func (nopPublisher) Publish(string, map[string]any) {}

// Result is delivered to a waiter once it is dispatched or gives up.
type Result struct {
	Token    string
	WorkerID string
	Err      error
}

type waiter struct {
	id          string
	fingerprint string
	priority    int
	enqueuedAt  time.Time
	resultCh    chan Result
	dispatched  bool
}

// Queue holds parked reservation requests in priority-lane FIFO order.
type Queue struct {
	mu     sync.Mutex
	lanes  map[int]*list.List
	byID   map[string]*list.Element
	lanePriorities []int // kept sorted descending

	reg      *registry.Registry
	strategy selector.Strategy
	events   EventPublisher
	logger   zerolog.Logger

	history *durationHistory
}

// New creates a Queue that dispatches waiters against reg using strategy.
func New(reg *registry.Registry, strategy selector.Strategy) *Queue {
	return &Queue{
		lanes:    make(map[int]*list.List),
		byID:     make(map[string]*list.Element),
		reg:      reg,
		strategy: strategy,
		events:   nopPublisher{},
		logger:   log.WithComponent("queue"),
		history:  newDurationHistory(),
	}
}

// SetEventPublisher wires a bus to receive queue:enqueued / queue:dequeued events.
func (q *Queue) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = nopPublisher{}
	}
	q.mu.Lock()
	q.events = p
	q.mu.Unlock()
}

// RecordBuildDuration feeds a completed build's wall-clock time into the
// moving average used for ETA estimates.
func (q *Queue) RecordBuildDuration(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.history.observe(d)
}

// Wait parks the caller until a worker is reserved on its behalf, ctx is
// canceled, or deadline passes — whichever comes first. On success it
// returns the reservation token and worker id; on timeout it returns
// rcherr with CodeBuildQueueTimeout; on cancellation it returns ctx.Err().
func (q *Queue) Wait(ctx context.Context, fingerprint string, priority int, deadline time.Time) (token, workerID string, err error) {
	w := &waiter{
		id:          uuid.NewString(),
		fingerprint: fingerprint,
		priority:    priority,
		enqueuedAt:  time.Now(),
		resultCh:    make(chan Result, 1),
	}

	q.mu.Lock()
	q.push(w)
	depth := q.depthLocked()
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	q.events.Publish("queue:enqueued", map[string]any{"waiter_id": w.id, "priority": priority, "fingerprint": fingerprint})

	// A slot may already be free (e.g. a release raced the FullError that
	// sent this caller here); try immediately rather than waiting a full
	// dispatch cycle.
	q.dispatch()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case res := <-w.resultCh:
		metrics.QueueWaitDuration.Observe(time.Since(w.enqueuedAt).Seconds())
		return res.Token, res.WorkerID, res.Err
	case <-ctx.Done():
		q.cancel(w.id)
		return "", "", ctx.Err()
	case <-timer.C:
		q.cancel(w.id)
		metrics.QueueTimeoutsTotal.Inc()
		return "", "", rcherr.New(rcherr.CodeBuildQueueTimeout, "queue wait deadline exceeded").
			WithContext("waiter_id", w.id).WithContext("fingerprint", fingerprint)
	}
}

// Cancel removes a parked waiter (hook disconnect or administrative
// cancellation) and wakes it with context.Canceled.
func (q *Queue) Cancel(waiterID string) bool {
	return q.cancel(waiterID)
}

func (q *Queue) cancel(waiterID string) bool {
	q.mu.Lock()
	el, ok := q.byID[waiterID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	w := el.Value.(*waiter)
	q.removeLocked(w)
	depth := q.depthLocked()
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	if !w.dispatched {
		select {
		case w.resultCh <- Result{Err: context.Canceled}:
		default:
		}
	}
	return true
}

// NotifyRelease should be called after every Registry.Release; it re-runs
// Selection against the head of each non-empty lane, highest priority first.
func (q *Queue) NotifyRelease() {
	q.dispatch()
}

func (q *Queue) push(w *waiter) {
	lane, ok := q.lanes[w.priority]
	if !ok {
		lane = list.New()
		q.lanes[w.priority] = lane
		q.lanePriorities = append(q.lanePriorities, w.priority)
		sort.Sort(sort.Reverse(sort.IntSlice(q.lanePriorities)))
	}
	q.byID[w.id] = lane.PushBack(w)
}

func (q *Queue) removeLocked(w *waiter) {
	lane, ok := q.lanes[w.priority]
	if !ok {
		return
	}
	if el, ok := q.byID[w.id]; ok {
		lane.Remove(el)
		delete(q.byID, w.id)
	}
	if lane.Len() == 0 {
		delete(q.lanes, w.priority)
		for i, p := range q.lanePriorities {
			if p == w.priority {
				q.lanePriorities = append(q.lanePriorities[:i], q.lanePriorities[i+1:]...)
				break
			}
		}
	}
}

func (q *Queue) depthLocked() int {
	n := 0
	for _, lane := range q.lanes {
		n += lane.Len()
	}
	return n
}

// dispatch tries to grant the head of each priority lane, highest first.
// Within a lane, head-of-line blocking applies: if the head cannot be
// admitted, later waiters in that lane are not skipped ahead of it, but
// lower-priority lanes are still tried so an idle worker unsuited to the
// head's affinity isn't left unused.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		priorities := make([]int, len(q.lanePriorities))
		copy(priorities, q.lanePriorities)
		progressed := false

		for _, p := range priorities {
			lane, ok := q.lanes[p]
			if !ok || lane.Len() == 0 {
				continue
			}
			head := lane.Front().Value.(*waiter)

			snapshot := q.reg.Snapshot()
			candidates := selector.Eligible(snapshot, nil)
			id := q.strategy.Pick(candidates, head.fingerprint, time.Now())
			if id == "" {
				continue
			}
			token, err := q.reg.Reserve(id, head.fingerprint, time.Now())
			if err != nil {
				// Lost the race (another dispatcher or direct Reserve call
				// took the slot); try this lane again next pass.
				continue
			}
			head.dispatched = true
			q.removeLocked(head)
			progressed = true

			depth := q.depthLocked()
			q.mu.Unlock()

			metrics.QueueDepth.Set(float64(depth))
			q.events.Publish("queue:dequeued", map[string]any{"waiter_id": head.id, "worker_id": id})
			head.resultCh <- Result{Token: token, WorkerID: id}

			q.mu.Lock()
		}
		q.mu.Unlock()

		if !progressed {
			return
		}
	}
}

// Position reports a waiter's 1-based position, counting every waiter in a
// strictly higher-priority lane plus those ahead of it in its own lane. It
// returns 0 if the waiter is not currently parked.
func (q *Queue) Position(waiterID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.byID[waiterID]
	if !ok {
		return 0
	}
	w := el.Value.(*waiter)

	pos := 0
	for _, p := range q.lanePriorities {
		lane := q.lanes[p]
		if p > w.priority {
			pos += lane.Len()
			continue
		}
		if p == w.priority {
			for e := lane.Front(); e != nil; e = e.Next() {
				pos++
				if e == el {
					break
				}
			}
		}
	}
	return pos
}

// ETA estimates the wait remaining for waiterID: moving-average recent
// build duration times position divided by the fleet's average concurrency
// (total slots across currently eligible workers).
func (q *Queue) ETA(waiterID string) time.Duration {
	pos := q.Position(waiterID)
	if pos == 0 {
		return 0
	}

	q.mu.Lock()
	avg := q.history.average()
	q.mu.Unlock()
	if avg <= 0 {
		avg = 60 * time.Second
	}

	concurrency := 1
	if snapshot := q.reg.Snapshot(); len(snapshot) > 0 {
		total := 0
		for _, v := range selector.Eligible(snapshot, nil) {
			total += v.Worker.TotalSlots
		}
		if total > 0 {
			concurrency = total
		}
	}

	return time.Duration(int64(avg) * int64(pos) / int64(concurrency))
}

// Depth returns the total number of parked waiters across all lanes.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

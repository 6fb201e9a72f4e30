package sbi

import (
	"container/heap"
	"strconv"
	"sync"
	"time"

	"github.com/signalsfoundry/qltr-controller/timectrl"
)

// EventScheduler runs callbacks at session times read from a SimClock.
// The session loop advances the clock and calls RunDue after each advance;
// periodic work such as the stats monitor re-arms itself through Schedule.
type EventScheduler interface {
	// Schedule registers f to run at session time at and returns an ID
	// for Cancel.
	Schedule(at time.Time, f func()) (id string)

	// Cancel drops a pending event. Unknown or already-run IDs are ignored.
	Cancel(id string)

	// Now is the clock's current session time.
	Now() time.Time

	// RunDue runs every event due at or before Now, earliest first. Events
	// with the same time run in the order they were scheduled. Callbacks
	// may call Schedule and Cancel.
	RunDue()

	// Pending counts events that have neither run nor been cancelled.
	Pending() int
}

type scheduledEvent struct {
	id   string
	seq  uint64
	when time.Time
	f    func()
}

// eventQueue is a min-heap on (when, seq).
type eventQueue []*scheduledEvent

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].when.Equal(q[j].when) {
		return q[i].seq < q[j].seq
	}
	return q[i].when.Before(q[j].when)
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(*scheduledEvent)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return ev
}

type eventScheduler struct {
	clock timectrl.SimClock

	mu      sync.Mutex
	seq     uint64
	queue   eventQueue
	pending map[string]*scheduledEvent
}

// NewEventScheduler returns a scheduler reading time from clock.
func NewEventScheduler(clock timectrl.SimClock) EventScheduler {
	return &eventScheduler{
		clock:   clock,
		pending: make(map[string]*scheduledEvent),
	}
}

func (s *eventScheduler) Schedule(at time.Time, f func()) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	ev := &scheduledEvent{
		id:   "ev-" + strconv.FormatUint(s.seq, 10),
		seq:  s.seq,
		when: at,
		f:    f,
	}
	heap.Push(&s.queue, ev)
	s.pending[ev.id] = ev
	return ev.id
}

// Cancel is lazy: the event stays queued and is discarded when it surfaces.
func (s *eventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

func (s *eventScheduler) Now() time.Time {
	return s.clock.Now()
}

func (s *eventScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// nextDueLocked pops the earliest live event due at now, or returns nil.
func (s *eventScheduler) nextDueLocked(now time.Time) *scheduledEvent {
	for s.queue.Len() > 0 {
		ev := s.queue[0]
		if _, live := s.pending[ev.id]; !live {
			heap.Pop(&s.queue)
			continue
		}
		if ev.when.After(now) {
			return nil
		}
		heap.Pop(&s.queue)
		delete(s.pending, ev.id)
		return ev
	}
	return nil
}

func (s *eventScheduler) RunDue() {
	for {
		s.mu.Lock()
		ev := s.nextDueLocked(s.clock.Now())
		s.mu.Unlock()
		if ev == nil {
			return
		}
		// Unlocked so callbacks can reschedule.
		if ev.f != nil {
			ev.f()
		}
	}
}

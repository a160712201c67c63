// Package scheduler dispatches queued work items against a bounded tool-slot
// pool and the lock manager, ordered by phase priority with a starvation
// escape for items that have waited too long.
//
// Grounded on kilroy's worker-goroutine-per-branch dispatch in
// internal/attractor/engine/parallel_handlers.go (runBranch launched per
// branch, a shared mutex serializing one resource), generalized here into a
// tick-driven loop over a sorted queue rather than a one-shot fan-out.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hardener/hardener/internal/lockmanager"
)

// Status is a WorkItem's lifecycle stage.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusDispatched Status = "dispatched"
	StatusComplete   Status = "complete"
)

// Callback is invoked with the acquired grant ID once a work item is
// dispatched. It runs in its own goroutine, outside the scheduler's mutex.
type Callback func(grantID string)

// WorkItem is one unit of schedulable work.
type WorkItem struct {
	ID         string
	Workflow   string
	Phase      string
	WritePaths []string
	Callback   Callback
	QueuedAt   time.Time
	Status     Status
	GrantID    string
}

// phaseBasePriority returns the spec's base priority for a phase name;
// lower sorts earlier.
func phaseBasePriority(phase string) int {
	switch {
	case phase == "apply" || hasPrefixFold(phase, "apply"):
		return 0
	case phase == "extract" || hasPrefixFold(phase, "extract"):
		return 1
	case phase == "analyze" || hasPrefixFold(phase, "analyze"):
		return 2
	default:
		return 3
	}
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

const starvationThreshold = 600 * time.Second

func effectivePriority(item *WorkItem, now time.Time) int {
	if now.Sub(item.QueuedAt) > starvationThreshold {
		return -1
	}
	return phaseBasePriority(item.Phase)
}

// ToolSlots is satisfied by a non-blocking semaphore used to gate dispatch:
// TryAcquire must return immediately, and Release must never block.
type ToolSlots interface {
	TryAcquire() bool
	Release()
}

// chanSlots is the default ToolSlots backed by a buffered channel.
type chanSlots struct {
	slots chan struct{}
}

// NewToolSlots returns a ToolSlots pool with cap concurrent slots.
func NewToolSlots(cap int) ToolSlots {
	if cap <= 0 {
		cap = 1
	}
	return &chanSlots{slots: make(chan struct{}, cap)}
}

func (s *chanSlots) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *chanSlots) Release() {
	select {
	case <-s.slots:
	default:
	}
}

// Scheduler owns the work queue and dispatch loop.
type Scheduler struct {
	mu      sync.Mutex
	queue   []*WorkItem
	active  map[string]*WorkItem
	locks   *lockmanager.Manager
	slots   ToolSlots
	tick    time.Duration
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	now     func() time.Time
}

// New builds a Scheduler dispatching against locks and slots, ticking every
// tickInterval.
func New(locks *lockmanager.Manager, slots ToolSlots, tickInterval time.Duration) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = 100 * time.Millisecond
	}
	return &Scheduler{
		queue:  nil,
		active: make(map[string]*WorkItem),
		locks:  locks,
		slots:  slots,
		tick:   tickInterval,
		now:    time.Now,
	}
}

// Enqueue appends item to the queue, stamping it with a ulid if it has no ID
// and QueuedAt if unset.
func (s *Scheduler) Enqueue(item *WorkItem) *WorkItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		item.ID = ulid.Make().String()
	}
	if item.QueuedAt.IsZero() {
		item.QueuedAt = s.now()
	}
	item.Status = StatusQueued
	s.queue = append(s.queue, item)
	return item
}

// QueueDepth returns the number of queued (not yet dispatched) items.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ActiveItems returns a snapshot of currently dispatched items.
func (s *Scheduler) ActiveItems() []WorkItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkItem, 0, len(s.active))
	for _, it := range s.active {
		out = append(out, *it)
	}
	return out
}

// Start begins the dispatch loop in a dedicated goroutine. It is a no-op if
// already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stop := s.stopCh
	done := s.doneCh
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.dispatchTick()
			}
		}
	}()
}

// Drain discards every queued and tracked-active item without running their
// callbacks. Used by Pipeline.Reset, which cancels in-flight work and
// releases all lock grants itself before clearing state; a subsequent
// Start resumes dispatch against an empty queue rather than replaying
// items enqueued before the reset.
func (s *Scheduler) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.active = make(map[string]*WorkItem)
}

// Stop stops accepting new dispatches and waits for the dispatch loop to
// exit. In-flight callbacks (already-dispatched items) are not waited on;
// callers that need that guarantee should track completion externally (see
// Pipeline's workflow-done signaling).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop := s.stopCh
	done := s.doneCh
	s.mu.Unlock()

	close(stop)
	<-done
}

// dispatchTick performs one scan of the queue, sorted by effective priority
// then queued_at, dispatching as many items as slots and lock availability
// allow.
func (s *Scheduler) dispatchTick() {
	s.mu.Lock()
	now := s.now()
	sort.SliceStable(s.queue, func(i, j int) bool {
		pi, pj := effectivePriority(s.queue[i], now), effectivePriority(s.queue[j], now)
		if pi != pj {
			return pi < pj
		}
		return s.queue[i].QueuedAt.Before(s.queue[j].QueuedAt)
	})

	var remaining []*WorkItem
	var toDispatch []*WorkItem
	for i, item := range s.queue {
		if !s.slots.TryAcquire() {
			// No tool slot available: stop scanning this tick, keep the
			// rest of the queue (including this item) untouched.
			remaining = append(remaining, s.queue[i:]...)
			break
		}

		var grantID string
		if len(item.WritePaths) > 0 {
			grant, err := s.locks.TryAcquire(item.Workflow, item.WritePaths)
			if err != nil || grant == nil {
				// Conflict (or directory rejection): release the slot,
				// skip this item, try the next one this tick.
				s.slots.Release()
				remaining = append(remaining, item)
				continue
			}
			grantID = grant.ID
		}

		item.Status = StatusDispatched
		item.GrantID = grantID
		s.active[item.ID] = item
		toDispatch = append(toDispatch, item)
	}
	s.queue = remaining
	s.mu.Unlock()

	for _, item := range toDispatch {
		go s.runCallback(item)
	}
}

func (s *Scheduler) runCallback(item *WorkItem) {
	defer func() {
		s.slots.Release()
		if item.GrantID != "" {
			s.locks.Release(item.GrantID)
		}
		s.mu.Lock()
		item.Status = StatusComplete
		delete(s.active, item.ID)
		s.mu.Unlock()
	}()
	if item.Callback != nil {
		item.Callback(item.GrantID)
	}
}

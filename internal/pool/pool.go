package pool

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/zep-us/cacheproxy/internal/metrics"
	"github.com/zep-us/cacheproxy/pkg/logger"
)

// Thunk is a zero-argument unit of deferred work. The pool owns it from
// Schedule until the worker running it returns.
type Thunk func()

// Pool is a fixed-width thread pool with a dispatcher/worker split.
// A single dispatcher goroutine pops thunks off a FIFO queue, reserves an
// idle worker slot, and hands the thunk over on that slot's private channel.
// Workers never touch the queue, so the quiescence predicate stays simple:
// queue empty and every slot available.
type Pool struct {
	n int

	mu          sync.Mutex // guards jobs, available, numAvailable, exiting
	jobsCond    *sync.Cond // signaled on enqueue, on pop, and at shutdown
	workersCond *sync.Cond // signaled when a slot becomes available

	jobs         []Thunk
	available    []bool
	numAvailable int
	exiting      bool

	slots []chan Thunk // per-slot hand-off, one pending thunk at most

	// waitersMu serializes concurrent Wait callers. Schedule does not take
	// it: enqueue and the quiescence check are both ordered by mu, so a
	// submission is either fully visible to a waiter's predicate check or
	// happens after Wait returns (and is then outside the barrier).
	waitersMu sync.Mutex

	completed atomic.Int64
	stopOnce  sync.Once

	dispatcherDone chan struct{}
	workersWG      sync.WaitGroup
}

// New creates a pool with n worker slots and starts the dispatcher and
// workers immediately. Values below 1 are clamped to 1.
func New(n int) *Pool {
	if n < 1 {
		logger.Warn("pool width %d below minimum, clamping to 1", n)
		n = 1
	}

	p := &Pool{
		n:              n,
		available:      make([]bool, n),
		numAvailable:   n,
		slots:          make([]chan Thunk, n),
		dispatcherDone: make(chan struct{}),
	}
	p.jobsCond = sync.NewCond(&p.mu)
	p.workersCond = sync.NewCond(&p.mu)
	for i := range p.available {
		p.available[i] = true
	}
	for i := range p.slots {
		p.slots[i] = make(chan Thunk, 1)
	}

	go p.dispatcher()
	for id := 0; id < n; id++ {
		p.workersWG.Add(1)
		go p.worker(id)
	}
	return p
}

// Schedule enqueues a thunk for execution. It returns as soon as the thunk
// is queued and never blocks on worker availability. Safe from any
// goroutine, including from inside a running thunk; the parent thunk must
// return before Wait can observe quiescence. Calling Schedule after Stop
// has begun is undefined.
func (p *Pool) Schedule(thunk Thunk) {
	p.mu.Lock()
	p.jobs = append(p.jobs, thunk)
	metrics.QueueDepthGauge.Set(float64(len(p.jobs)))
	p.jobsCond.Broadcast()
	p.mu.Unlock()
}

// Wait blocks until the queue is empty and all workers are idle. Thunks
// scheduled before the call are complete when it returns; submissions
// concurrent with the call are outside the barrier. Concurrent waiters are
// serialized.
func (p *Pool) Wait() {
	p.waitersMu.Lock()
	defer p.waitersMu.Unlock()

	p.mu.Lock()
	for len(p.jobs) > 0 || p.numAvailable != p.n {
		// The dispatcher reserves a slot before popping, so a thunk in its
		// hands always shows up as an unavailable slot and an empty queue
		// never means work is still pending dispatch.
		if len(p.jobs) > 0 {
			p.jobsCond.Wait()
		} else {
			p.workersCond.Wait()
		}
	}
	p.mu.Unlock()
}

// Stop waits for quiescence, then tears the pool down: the exit flag is
// raised, both conditions are broadcast, the dispatcher drains, and every
// worker is joined. Idempotent.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.Wait()

		p.mu.Lock()
		p.exiting = true
		if dropped := len(p.jobs); dropped > 0 {
			// Only reachable when Schedule raced the teardown; those
			// submissions are not covered by any barrier.
			logger.Warn("pool stopping with %d undispatched thunks, dropping them", dropped)
			p.jobs = nil
			metrics.QueueDepthGauge.Set(0)
		}
		p.jobsCond.Broadcast()
		p.workersCond.Broadcast()
		p.mu.Unlock()

		<-p.dispatcherDone
		for _, slot := range p.slots {
			close(slot)
		}
		p.workersWG.Wait()
		logger.Info("pool stopped: %d thunks executed", p.completed.Load())
	})
}

// QueueDepth returns the number of thunks awaiting dispatch.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// Completed returns the number of thunks that have finished executing.
func (p *Pool) Completed() int64 {
	return p.completed.Load()
}

// dispatcher is the single queue consumer. For each thunk it reserves the
// lowest available slot, pops, and hands off; the pop is announced on
// jobsCond so waiters watching for an empty queue make progress.
func (p *Pool) dispatcher() {
	defer close(p.dispatcherDone)

	for {
		p.mu.Lock()
		for len(p.jobs) == 0 && !p.exiting {
			p.jobsCond.Wait()
		}
		if p.exiting {
			p.mu.Unlock()
			return
		}

		for p.numAvailable == 0 && !p.exiting {
			p.workersCond.Wait()
		}
		if p.exiting {
			p.mu.Unlock()
			return
		}

		id := -1
		for i, free := range p.available {
			if free {
				id = i
				break
			}
		}
		p.available[id] = false
		p.numAvailable--

		thunk := p.jobs[0]
		p.jobs = p.jobs[1:]
		metrics.QueueDepthGauge.Set(float64(len(p.jobs)))
		p.jobsCond.Broadcast()
		p.mu.Unlock()

		p.slots[id] <- thunk
	}
}

// worker executes thunks handed to its slot until the slot is closed.
// Completion is unconditional for availability accounting: a panicking
// thunk is logged and counted, and the worker keeps serving.
func (p *Pool) worker(id int) {
	defer p.workersWG.Done()

	for thunk := range p.slots[id] {
		p.run(thunk)
		p.completed.Inc()

		p.mu.Lock()
		p.available[id] = true
		p.numAvailable++
		p.workersCond.Broadcast()
		p.mu.Unlock()
	}
}

func (p *Pool) run(thunk Thunk) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ThunkPanics.Inc()
			logger.Error("scheduled thunk panicked: %v", r)
		}
	}()

	metrics.ActiveWorkersGauge.Inc()
	defer metrics.ActiveWorkersGauge.Dec()
	thunk()
}

package vksync

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cvmforge/vkruntime/internal/lfpool"
	"github.com/cvmforge/vkruntime/internal/telemetry"
)

// System owns a pool of worker goroutines, the task/barrier/gate object
// pools they draw from, and the shared successor pool backing barriers'
// unbounded hopper chains. The pending-task queue is a lockfree stack
// (internal/lfpool.Stack) over the task pool itself — Push/Pop are
// lock-free CAS loops, not channel sends — paired with a buffered
// "wake" channel sized to the task pool's capacity purely to let idle
// workers block instead of spinning; it carries no task data itself, so
// it can never be the thing a surplus task goes missing in. The system
// mutex guards only the stall counter and shutdown bookkeeping.
type System struct {
	taskPool      *lfpool.Pool[Task]
	barrierPool   *lfpool.Pool[Barrier]
	gatePool      *lfpool.Pool[Gate]
	successorPool *lfpool.Pool[Primitive]

	pending  *lfpool.Stack[Task]
	wake     chan struct{}
	shutdown chan struct{}
	once     sync.Once
	workers  *errgroup.Group

	mu          sync.Mutex
	stalled     int
	workerCount int

	metrics *telemetry.Registry // nil-safe; set via WithMetrics
}

// NewSystem starts workerCount worker goroutines immediately, each
// pulling from a pool of 2^poolExponent tasks/barriers/gates.
func NewSystem(workerCount int, poolExponent uint) *System {
	if workerCount <= 0 {
		telemetry.Misuse("vksync: worker count must be positive, got %d", workerCount)
	}
	taskPool := lfpool.New[Task](poolExponent)
	s := &System{
		taskPool:      taskPool,
		barrierPool:   lfpool.New[Barrier](poolExponent),
		gatePool:      lfpool.New[Gate](poolExponent),
		successorPool: lfpool.New[Primitive](poolExponent),
		pending:       lfpool.NewStack(taskPool),
		wake:          make(chan struct{}, 1<<poolExponent),
		shutdown:      make(chan struct{}),
		workerCount:   workerCount,
	}
	var g errgroup.Group
	s.workers = &g
	for i := 0; i < workerCount; i++ {
		s.workers.Go(func() error {
			s.workerLoop()
			return nil
		})
	}
	return s
}

// WithMetrics attaches a telemetry registry the system reports task
// completions and worker stalls through. Optional.
func (s *System) WithMetrics(reg *telemetry.Registry) *System {
	s.metrics = reg
	return s
}

func (s *System) workerLoop() {
	for {
		if idx, ok := s.pending.Pop(); ok {
			s.runTask(s.taskPool.GetEntryPtr(idx))
			continue
		}
		s.markStalled(1)
		select {
		case <-s.wake:
			s.markStalled(-1)
		case <-s.shutdown:
			s.markStalled(-1)
			// Drain whatever is left in the lockfree queue before
			// exiting: a surplus task left behind here never runs,
			// and its successors (possibly a Gate another goroutine
			// is blocked in Wait() on) never get signaled.
			for {
				idx, ok := s.pending.Pop()
				if !ok {
					return
				}
				s.runTask(s.taskPool.GetEntryPtr(idx))
			}
		}
	}
}

func (s *System) markStalled(delta int) {
	s.mu.Lock()
	s.stalled += delta
	n := s.stalled
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SyncWorkersStalled.Set(float64(n))
	}
}

func (s *System) runTask(task *Task) {
	task.fn(task.data)

	task.lock.Lock()
	task.complete = true
	successors := append([]Primitive(nil), task.successors[:task.successorCount]...)
	task.lock.Unlock()

	for _, succ := range successors {
		succ.SignalCondition()
	}

	if s.metrics != nil {
		s.metrics.SyncTasksCompleted.Inc()
	}
	task.ReleaseReference()
}

// Shutdown signals every worker to stop after draining whatever is
// currently buffered in the pending queue, and waits for them to exit.
func (s *System) Shutdown() {
	s.once.Do(func() { close(s.shutdown) })
	s.workers.Wait()
}

func (s *System) releaseTask(t *Task)       { s.taskPool.Release(t.poolIndex) }
func (s *System) releaseBarrier(b *Barrier) { s.barrierPool.Release(b.poolIndex) }
func (s *System) releaseGate(g *Gate)       { s.gatePool.Release(g.poolIndex) }

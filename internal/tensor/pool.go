package tensor

import (
	"runtime"
	"sync"
)

type rangeTask struct {
	run    func(rs, re int)
	rs, re int
	done   chan struct{}
}

// rangePool is the process-wide set of goroutines behind GemmPar, MatVec
// and the attention head fan-out. A caller owns one done channel for the
// length of a fan-out and never submits more than size tasks to it, so a
// worker's completion send cannot block.
type rangePool struct {
	size      int
	tasks     chan rangeTask
	doneSlots chan chan struct{}
}

var (
	sharedPool     *rangePool
	sharedPoolOnce sync.Once
)

func getRangePool() *rangePool {
	sharedPoolOnce.Do(func() {
		sharedPool = newRangePool(runtime.GOMAXPROCS(0))
	})
	return sharedPool
}

func newRangePool(size int) *rangePool {
	size = max(size, 1)
	p := &rangePool{
		size:      size,
		tasks:     make(chan rangeTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for range size {
		p.doneSlots <- make(chan struct{}, size)
	}
	for range size {
		go func() {
			for task := range p.tasks {
				task.run(task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// WorkersFor resolves how many ranges n items split into. requested <= 0
// means GOMAXPROCS; the result is clamped to the pool, to n/minPer and to
// at least 1.
func WorkersFor(n, requested, minPer int) int {
	return workersFor(n, requested, minPer, getRangePool().size)
}

func workersFor(n, requested, minPer, poolSize int) int {
	workers := requested
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, poolSize, n/max(minPer, 1))
	return max(workers, 1)
}

// ParallelFor splits [0, n) into contiguous ranges of at least minPer items
// and runs them on the shared pool, returning when all have finished. With a
// single range, run executes on the calling goroutine. run must not call
// ParallelFor itself with more than one worker.
func ParallelFor(n, workers, minPer int, run func(rs, re int)) {
	if n <= 0 {
		return
	}
	pool := getRangePool()
	workers = workersFor(n, workers, minPer, pool.size)
	if workers <= 1 {
		run(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	done := <-pool.doneSlots
	active := 0
	for rs := 0; rs < n; rs += chunk {
		active++
		pool.tasks <- rangeTask{run: run, rs: rs, re: min(rs+chunk, n), done: done}
	}
	for range active {
		<-done
	}
	pool.doneSlots <- done
}

package attention

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

type countingJob struct {
	seen []atomic.Int32
}

func (j *countingJob) runHeads(rs, re int) {
	for i := rs; i < re; i++ {
		j.seen[i].Add(1)
	}
}

func TestRunHeadsCoversEverySliceOnce(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 3, 17, 256} {
		for _, workers := range []int{0, 1, 4, 1000} {
			job := &countingJob{seen: make([]atomic.Int32, n)}
			runHeads(job, n, workers)
			for i := range job.seen {
				assert.Equal(t, int32(1), job.seen[i].Load(), "n=%d workers=%d slice=%d", n, workers, i)
			}
		}
	}
}

func TestRunHeadsConcurrentCallers(t *testing.T) {
	t.Parallel()
	var wg sync.WaitGroup
	jobs := make([]*countingJob, 8)
	for i := range jobs {
		jobs[i] = &countingJob{seen: make([]atomic.Int32, 64)}
		wg.Go(func() { runHeads(jobs[i], 64, 0) })
	}
	wg.Wait()
	for _, job := range jobs {
		for i := range job.seen {
			assert.Equal(t, int32(1), job.seen[i].Load())
		}
	}
}

package attention

import "github.com/samcharles93/attnkit/internal/tensor"

// headJob computes a contiguous range of flattened (batch, head) slices.
// Implementations allocate their scratch once per range.
type headJob interface {
	runHeads(rs, re int)
}

// runHeads fans n slices out over the shared tensor pool. Slices are
// independent, so the partitioning never changes results. Jobs call GemmPar
// with a single worker, so nothing inside a head submits back to the pool.
func runHeads(job headJob, n, workers int) {
	tensor.ParallelFor(n, workers, 1, job.runHeads)
}

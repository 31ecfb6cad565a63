package tensor

// minRowsPerTask keeps tiny projections on the calling goroutine.
const minRowsPerTask = 16

// MatVec computes dst = w·x over at most workers goroutines of the shared
// pool, each taking at least minRowsPerTask rows. workers <= 0 uses
// GOMAXPROCS.
func MatVec(dst []float32, w *Mat, x []float32, workers int) {
	if len(dst) < w.R || len(x) < w.C {
		panic("matvec shape mismatch")
	}
	if w.R == 0 || w.C == 0 {
		return
	}
	if workers == 1 || WorkersFor(w.R, workers, minRowsPerTask) <= 1 {
		matVecRows(dst, w, x, 0, w.R)
		return
	}
	ParallelFor(w.R, workers, minRowsPerTask, func(rs, re int) {
		matVecRows(dst, w, x, rs, re)
	})
}

func matVecRows(dst []float32, w *Mat, x []float32, rs, re int) {
	x = x[:w.C]
	for i := rs; i < re; i++ {
		row := w.Data[i*w.Stride : i*w.Stride+w.C]
		var sum float32
		j := 0
		for ; j+3 < len(row); j += 4 {
			sum += row[j]*x[j] + row[j+1]*x[j+1] + row[j+2]*x[j+2] + row[j+3]*x[j+3]
		}
		for ; j < len(row); j++ {
			sum += row[j] * x[j]
		}
		dst[i] = sum
	}
}

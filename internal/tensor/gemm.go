package tensor

// Tile sizes are variables so tests can sweep them.
var (
	tileM = 32
	tileN = 32
	tileK = 16
)

const maxTile = 64

type gemmTiles struct {
	m, n, k int
}

// tilesFor picks the blocking for a [m, k] x [k, n] product. Overridden
// package tiles win; otherwise longer reductions get deeper k tiles.
func tilesFor(k int) gemmTiles {
	if tileM != 32 || tileN != 32 || tileK != 16 {
		return gemmTiles{m: clampTile(tileM), n: clampTile(tileN), k: clampTile(tileK)}
	}
	t := gemmTiles{m: 32, n: 32, k: 16}
	switch {
	case k >= 192:
		t.k = 32
	case k >= 96:
		t.k = 24
	}
	return t
}

func clampTile(v int) int {
	return min(max(v, 1), maxTile)
}

// GemmPar computes C = alpha*A*B + beta*C, splitting the rows of C across
// at most workers goroutines of the shared pool. workers <= 0 uses
// GOMAXPROCS; workers == 1 stays on the calling goroutine and allocates
// nothing, which is how the attention kernels call it from inside a head
// worker.
func GemmPar(C, A, B *Mat, alpha, beta float32, workers int) {
	if A.C != B.R || C.R != A.R || C.C != B.C {
		panic("gemm: dimension mismatch")
	}
	if C.R == 0 || C.C == 0 {
		return
	}
	tiles := tilesFor(A.C)
	if workers == 1 || WorkersFor(C.R, workers, 1) <= 1 {
		gemmRows(C, A, B, alpha, beta, 0, C.R, tiles)
		return
	}
	ParallelFor(C.R, workers, 1, func(rs, re int) {
		gemmRows(C, A, B, alpha, beta, rs, re, tiles)
	})
}

// gemmRows computes rows [rs, re) of C block by block.
func gemmRows(C, A, B *Mat, alpha, beta float32, rs, re int, t gemmTiles) {
	for i := rs; i < re; i++ {
		row := C.Data[i*C.Stride : i*C.Stride+C.C]
		switch beta {
		case 0:
			clear(row)
		case 1:
		default:
			Scale(row, beta)
		}
	}

	for i0 := rs; i0 < re; i0 += t.m {
		i1 := min(i0+t.m, re)
		for k0 := 0; k0 < A.C; k0 += t.k {
			k1 := min(k0+t.k, A.C)
			for j0 := 0; j0 < C.C; j0 += t.n {
				gemmBlock(C, A, B, alpha, i0, i1, j0, min(j0+t.n, C.C), k0, k1)
			}
		}
	}
}

// gemmBlock accumulates alpha*A[i0:i1, k0:k1]*B[k0:k1, j0:j1] into C.
func gemmBlock(C, A, B *Mat, alpha float32, i0, i1, j0, j1, k0, k1 int) {
	width := j1 - j0
	for i := i0; i < i1; i++ {
		a := A.Data[i*A.Stride : i*A.Stride+A.C]
		c := C.Data[i*C.Stride+j0 : i*C.Stride+j1]
		for kk := k0; kk < k1; kk++ {
			s := a[kk] * alpha
			b := B.Data[kk*B.Stride+j0 : kk*B.Stride+j1]
			j := 0
			for ; j+7 < width; j += 8 {
				c[j] += s * b[j]
				c[j+1] += s * b[j+1]
				c[j+2] += s * b[j+2]
				c[j+3] += s * b[j+3]
				c[j+4] += s * b[j+4]
				c[j+5] += s * b[j+5]
				c[j+6] += s * b[j+6]
				c[j+7] += s * b[j+7]
			}
			for ; j < width; j++ {
				c[j] += s * b[j]
			}
		}
	}
}

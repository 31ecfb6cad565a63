package main

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sys/cpu"

	"github.com/samcharles93/attnkit/internal/attention"
	"github.com/samcharles93/attnkit/internal/logger"
	"github.com/samcharles93/attnkit/internal/tensor"
)

func benchCmd() *cli.Command {
	var (
		lf         layerFlags
		warmupRuns int
		benchRuns  int
	)

	flags := append(lf.flags(),
		&cli.IntFlag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.IntFlag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       5,
			Destination: &benchRuns,
		},
	)

	return &cli.Command{
		Name:    "bench",
		Aliases: []string{"benchmark"},
		Usage:   "Time dense and flash attention on random input",
		Flags:   flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyLayerConfig(cmd, fileConfig, &lf)

			cfg, err := lf.config(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: bench: %v", err), 1)
			}
			mask, err := attention.ParseMask(lf.mask)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: bench: %v", err), 1)
			}
			if benchRuns < 1 {
				return cli.Exit("error: bench: --runs must be at least 1", 1)
			}

			d := cfg.HeadDim()
			q := tensor.Rand(lf.seed, lf.batch, cfg.NumHeads, lf.seq, d)
			k := tensor.Rand(lf.seed+1, lf.batch, cfg.KVHeads(), lf.seq, d)
			v := tensor.Rand(lf.seed+2, lf.batch, cfg.KVHeads(), lf.seq, d)

			grouped := cfg.KVHeads() != cfg.NumHeads
			kernels := []struct {
				name string
				fn   func(q, k, v *tensor.Tensor, opts ...attention.Option) (*tensor.Tensor, error)
			}{
				{"dense", attention.ScaledDotProductAttention},
				{"flash", attention.FlashAttention},
			}
			if grouped {
				kernels[0].fn = attention.ScaledDotProductAttentionGrouped
				kernels[1].fn = attention.FlashAttentionGrouped
			}
			opts := []attention.Option{
				attention.WithMask(mask),
				attention.WithBlockSize(lf.blockSize),
				attention.WithWorkers(lf.workers),
				attention.WithLogger(log),
			}

			// Print system info
			fmt.Println("=== attnkit bench ===")
			fmt.Printf("Shape:      q [%d %d %d %d], kv heads %d\n", lf.batch, cfg.NumHeads, lf.seq, d, cfg.KVHeads())
			fmt.Printf("Block:      %d\n", lf.blockSize)
			fmt.Printf("CPUs:       %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Features:   %s\n", cpuFeatures())
			fmt.Printf("Warmup:     %d runs\n", warmupRuns)
			fmt.Printf("Runs:       %d\n", benchRuns)
			fmt.Println()

			fmt.Printf("%-8s %12s %12s %12s\n", "Kernel", "min", "mean", "max")
			for _, kern := range kernels {
				for i := range warmupRuns {
					log.Debug("warmup run", "kernel", kern.name, "run", i+1)
					if _, err := kern.fn(q, k, v, opts...); err != nil {
						return cli.Exit(fmt.Sprintf("error: %s warmup: %v", kern.name, err), 1)
					}
				}
				var total, lo, hi time.Duration
				for i := range benchRuns {
					start := time.Now()
					if _, err := kern.fn(q, k, v, opts...); err != nil {
						return cli.Exit(fmt.Sprintf("error: %s run %d: %v", kern.name, i+1, err), 1)
					}
					elapsed := time.Since(start)
					total += elapsed
					if i == 0 || elapsed < lo {
						lo = elapsed
					}
					hi = max(hi, elapsed)
				}
				mean := total / time.Duration(benchRuns)
				fmt.Printf("%-8s %12s %12s %12s\n", kern.name,
					lo.Round(time.Microsecond), mean.Round(time.Microsecond), hi.Round(time.Microsecond))
			}

			// Memory stats
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))
			return nil
		},
	}
}

// cpuFeatures lists the SIMD extensions the running CPU reports.
func cpuFeatures() string {
	var feats []string
	add := func(ok bool, name string) {
		if ok {
			feats = append(feats, name)
		}
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		add(cpu.X86.HasSSE41, "sse4.1")
		add(cpu.X86.HasAVX, "avx")
		add(cpu.X86.HasAVX2, "avx2")
		add(cpu.X86.HasFMA, "fma")
		add(cpu.X86.HasAVX512F, "avx512f")
	case "arm64":
		add(cpu.ARM64.HasASIMD, "asimd")
		add(cpu.ARM64.HasFPHP, "fphp")
		add(cpu.ARM64.HasSVE, "sve")
	}
	if len(feats) == 0 {
		return "none"
	}
	return strings.Join(feats, " ")
}

package main

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/attnkit/internal/attention"
	"github.com/samcharles93/attnkit/internal/logger"
	"github.com/samcharles93/attnkit/internal/tensor"
)

// DefaultTolerance is the largest relative error accepted between kernels.
const DefaultTolerance = 1e-4

type verifyCase struct {
	BlockSize int     `json:"block_size"`
	MaxRelErr float64 `json:"max_rel_err"`
	Pass      bool    `json:"pass"`
}

type verifyReport struct {
	Shape     []int        `json:"shape"`
	KVHeads   int          `json:"kv_heads"`
	Mask      string       `json:"mask"`
	Tolerance float64      `json:"tolerance"`
	Cases     []verifyCase `json:"cases"`
	Pass      bool         `json:"pass"`
}

func verifyCmd() *cli.Command {
	var (
		lf        layerFlags
		tolerance float64
	)

	flags := append(lf.flags(),
		&cli.FloatFlag{
			Name:        "tolerance",
			Usage:       "maximum relative error between dense and flash",
			Value:       DefaultTolerance,
			Destination: &tolerance,
		},
	)

	return &cli.Command{
		Name:  "verify",
		Usage: "Check the flash kernel against dense attention",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyLayerConfig(cmd, fileConfig, &lf)

			report, err := verifyKernels(ctx, &lf, tolerance, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: verify: %v", err), 1)
			}
			if err := writeReport(os.Stdout, report); err != nil {
				return err
			}
			if !report.Pass {
				return cli.Exit("verify: flash kernel exceeds tolerance", 2)
			}
			return nil
		},
	}
}

// verifyBlockSizes returns the block lengths exercised against a sequence of
// length s: a single key, half the sequence and the whole sequence.
func verifyBlockSizes(s int) []int {
	sizes := []int{1, max(s/2, 1), s}
	slices.Sort(sizes)
	return slices.Compact(sizes)
}

// verifyKernels runs dense attention once and flash once per block size
// concurrently, comparing each flash result with the dense one.
func verifyKernels(ctx context.Context, lf *layerFlags, tolerance float64, log logger.Logger) (*verifyReport, error) {
	cfg, err := lf.config(log)
	if err != nil {
		return nil, err
	}
	mask, err := attention.ParseMask(lf.mask)
	if err != nil {
		return nil, err
	}

	d := cfg.HeadDim()
	q := tensor.Rand(lf.seed, lf.batch, cfg.NumHeads, lf.seq, d)
	k := tensor.Rand(lf.seed+1, lf.batch, cfg.KVHeads(), lf.seq, d)
	v := tensor.Rand(lf.seed+2, lf.batch, cfg.KVHeads(), lf.seq, d)

	grouped := cfg.KVHeads() != cfg.NumHeads
	dense := attention.ScaledDotProductAttention
	flash := attention.FlashAttention
	if grouped {
		dense = attention.ScaledDotProductAttentionGrouped
		flash = attention.FlashAttentionGrouped
	}

	opts := []attention.Option{
		attention.WithMask(mask),
		attention.WithWorkers(lf.workers),
		attention.WithLogger(log),
	}
	want, err := dense(q, k, v, opts...)
	if err != nil {
		return nil, fmt.Errorf("dense: %w", err)
	}

	sizes := verifyBlockSizes(lf.seq)
	cases := make([]verifyCase, len(sizes))
	g, ctx := errgroup.WithContext(ctx)
	for i, bs := range sizes {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			got, err := flash(q, k, v, append(slices.Clone(opts), attention.WithBlockSize(bs))...)
			if err != nil {
				return fmt.Errorf("flash block %d: %w", bs, err)
			}
			rel := tensor.MaxRelDiff(got.Values(), want.Values())
			cases[i] = verifyCase{BlockSize: bs, MaxRelErr: rel, Pass: rel <= tolerance}
			log.Debug("verified block size", "block_size", bs, "max_rel_err", rel)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	maskName := "none"
	if mask != nil {
		maskName = mask.String()
	}
	report := &verifyReport{
		Shape:     want.Shape,
		KVHeads:   cfg.KVHeads(),
		Mask:      maskName,
		Tolerance: tolerance,
		Cases:     cases,
		Pass:      true,
	}
	for _, c := range cases {
		if !c.Pass {
			report.Pass = false
			log.Warn("flash kernel exceeds tolerance", "block_size", c.BlockSize, "max_rel_err", c.MaxRelErr)
		}
	}
	return report, nil
}

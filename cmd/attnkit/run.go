package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/attnkit/internal/attention"
	"github.com/samcharles93/attnkit/internal/logger"
	"github.com/samcharles93/attnkit/internal/tensor"
)

type runReport struct {
	Layer     string    `json:"layer"`
	Kernel    string    `json:"kernel"`
	Heads     int       `json:"heads"`
	KVHeads   int       `json:"kv_heads"`
	HeadDim   int       `json:"head_dim"`
	Mask      string    `json:"mask"`
	Shape     []int     `json:"shape"`
	ElapsedMS float64   `json:"elapsed_ms"`
	Checksum  string    `json:"checksum"`
	Weights   string    `json:"weights,omitempty"`
	Output    []float32 `json:"output,omitempty"`
}

func runCmd() *cli.Command {
	var (
		lf          layerFlags
		dump        bool
		saveWeights string
	)

	flags := append(lf.flags(),
		&cli.BoolFlag{
			Name:        "dump",
			Usage:       "include the output values in the report",
			Destination: &dump,
		},
		&cli.StringFlag{
			Name:        "save-weights",
			Usage:       "write the layer weights to a safetensors file",
			Destination: &saveWeights,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run one attention layer forward pass over random input",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyLayerConfig(cmd, fileConfig, &lf)

			report, w, err := runLayer(&lf, log, dump)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: run: %v", err), 1)
			}
			if saveWeights != "" {
				cfg, _ := lf.config(log)
				if err := w.save(saveWeights, cfg); err != nil {
					return cli.Exit(fmt.Sprintf("error: save weights: %v", err), 1)
				}
				log.Info("saved weights", "path", saveWeights)
			}
			return writeReport(os.Stdout, report)
		},
	}
}

// runLayer builds the configured layer and runs self-attention over a seeded
// [batch, seq, hidden] input.
func runLayer(lf *layerFlags, log logger.Logger, dump bool) (*runReport, *weights, error) {
	cfg, err := lf.config(log)
	if err != nil {
		return nil, nil, err
	}
	mask, err := attention.ParseMask(lf.mask)
	if err != nil {
		return nil, nil, err
	}
	layer, w, err := buildForwarder(lf, cfg)
	if err != nil {
		return nil, nil, err
	}

	x := tensor.Rand(lf.seed+100, lf.batch, lf.seq, cfg.HiddenSize)
	start := time.Now()
	out, err := layer.Forward(x, x, x, mask)
	if err != nil {
		return nil, nil, err
	}
	elapsed := time.Since(start)
	log.Debug("forward complete", "shape", out.Shape, "elapsed", elapsed)

	name := "mha"
	if cfg.KVHeads() != cfg.NumHeads {
		name = "gqa"
	}
	maskName := "none"
	if mask != nil {
		maskName = mask.String()
	}
	report := &runReport{
		Layer:     name,
		Kernel:    string(cfg.Kernel),
		Heads:     cfg.NumHeads,
		KVHeads:   cfg.KVHeads(),
		HeadDim:   cfg.HeadDim(),
		Mask:      maskName,
		Shape:     out.Shape,
		ElapsedMS: float64(elapsed.Microseconds()) / 1000,
		Checksum:  checksum(out.Values()),
		Weights:   lf.weights,
	}
	if dump {
		report.Output = out.Values()
	}
	return report, w, nil
}

func writeReport(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

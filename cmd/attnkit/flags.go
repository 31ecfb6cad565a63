package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/attnkit/internal/attention"
	"github.com/samcharles93/attnkit/internal/logger"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool

	// fileConfig is loaded once by setup and consulted by each command.
	fileConfig Config
)

func rootFlags() []cli.Flag {
	return append([]cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (defaults to the user config dir)",
			Destination: &configFile,
		},
	}, loggingFlags()...)
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// setup loads the config file and installs the logger every command reads
// from its context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return ctx, err
	}
	fileConfig = cfg
	applyLoggingConfig(cmd, cfg, &logLevel, &logFormat)

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return ctx, err
	}
	if debug {
		level = slog.LevelDebug
	}
	log, err := logger.Build(logFormat, os.Stderr, level)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}

// layerFlags holds the shape of the layer and input a command builds.
type layerFlags struct {
	hidden    int
	heads     int
	kvHeads   int
	kernel    string
	blockSize int
	workers   int
	weights   string
	seed      int64
	batch     int
	seq       int
	mask      string
}

func (f *layerFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "hidden",
			Usage:       "model width E",
			Value:       64,
			Destination: &f.hidden,
		},
		&cli.IntFlag{
			Name:        "heads",
			Usage:       "number of query heads",
			Value:       8,
			Destination: &f.heads,
		},
		&cli.IntFlag{
			Name:        "kv-heads",
			Usage:       "number of key/value heads (0 means one per query head)",
			Destination: &f.kvHeads,
		},
		&cli.StringFlag{
			Name:        "kernel",
			Usage:       "attention kernel (dense, flash)",
			Value:       string(attention.KernelDense),
			Destination: &f.kernel,
		},
		&cli.IntFlag{
			Name:        "block-size",
			Usage:       "flash kernel block length",
			Value:       attention.DefaultBlockSize,
			Destination: &f.blockSize,
		},
		&cli.IntFlag{
			Name:        "workers",
			Usage:       "concurrent (batch, head) slices (0 means GOMAXPROCS)",
			Destination: &f.workers,
		},
		&cli.StringFlag{
			Name:        "weights",
			Usage:       "safetensors file holding wq, wk, wv and wo",
			Destination: &f.weights,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed for random weights and inputs",
			Value:       42,
			Destination: &f.seed,
		},
		&cli.IntFlag{
			Name:        "batch",
			Aliases:     []string{"b"},
			Usage:       "batch size",
			Value:       1,
			Destination: &f.batch,
		},
		&cli.IntFlag{
			Name:        "seq",
			Aliases:     []string{"n"},
			Usage:       "sequence length",
			Value:       128,
			Destination: &f.seq,
		},
		&cli.StringFlag{
			Name:        "mask",
			Usage:       "mask preset (none, causal)",
			Value:       "none",
			Destination: &f.mask,
		},
	}
}

func (f *layerFlags) config(log logger.Logger) (attention.Config, error) {
	kernel, err := attention.ParseKernel(f.kernel)
	if err != nil {
		return attention.Config{}, err
	}
	cfg := attention.Config{
		HiddenSize: f.hidden,
		NumHeads:   f.heads,
		NumKVHeads: f.kvHeads,
		Kernel:     kernel,
		BlockSize:  f.blockSize,
		Workers:    f.workers,
		Logger:     log,
	}
	if err := cfg.Validate(); err != nil {
		return attention.Config{}, err
	}
	if f.batch <= 0 || f.seq <= 0 {
		return attention.Config{}, fmt.Errorf("batch and seq must be positive, got %d and %d", f.batch, f.seq)
	}
	return cfg, nil
}

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
hidden_size: 128
num_heads: 8
num_kv_heads: 2
kernel: flash
block_size: 32
log_level: debug
server_address: 0.0.0.0:9000
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.HiddenSize)
	assert.Equal(t, 128, *cfg.HiddenSize)
	require.NotNil(t, cfg.NumKVHeads)
	assert.Equal(t, 2, *cfg.NumKVHeads)
	assert.Equal(t, "flash", cfg.Kernel)
	require.NotNil(t, cfg.BlockSize)
	assert.Equal(t, 32, *cfg.BlockSize)
	assert.Nil(t, cfg.Workers)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "0.0.0.0:9000", cfg.ServerAddress)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "explicit path must exist")

	_, err = LoadConfig(writeConfig(t, "num_heads: [1, 2"))
	assert.Error(t, err)
}

func TestLoadConfigMissingDefault(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, Config{}, cfg)
}

func TestApplyLayerConfigFlagsWin(t *testing.T) {
	hidden, heads, kv := 256, 16, 4
	cfg := Config{HiddenSize: &hidden, NumHeads: &heads, NumKVHeads: &kv, Kernel: "flash"}

	var lf layerFlags
	cmd := &cli.Command{
		Name:  "run",
		Flags: lf.flags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyLayerConfig(c, cfg, &lf)
			return nil
		},
	}
	require.NoError(t, cmd.Run(context.Background(), []string{"run", "--heads", "4", "--kernel", "dense"}))

	assert.Equal(t, 256, lf.hidden, "config fills unset flags")
	assert.Equal(t, 4, lf.kvHeads)
	assert.Equal(t, 4, lf.heads, "explicit flag wins over config")
	assert.Equal(t, "dense", lf.kernel)
	assert.Equal(t, 128, lf.seq, "flag default kept when config is silent")
}

func TestLayerFlagsConfig(t *testing.T) {
	lf := layerFlags{hidden: 10, heads: 3, kernel: "dense", batch: 1, seq: 4}
	_, err := lf.config(nil)
	assert.Error(t, err)

	lf.hidden = 12
	cfg, err := lf.config(nil)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.HeadDim())

	lf.kernel = "sparse"
	_, err = lf.config(nil)
	assert.Error(t, err)

	lf.kernel = "flash"
	lf.seq = 0
	_, err = lf.config(nil)
	assert.Error(t, err)
}

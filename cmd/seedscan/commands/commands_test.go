package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/seedscan/internal/config"
	"github.com/shizukutanaka/seedscan/internal/journal"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestDecodeCommand(t *testing.T) {
	out, err := execute(t, "decode", "--digits", "5,10", "--offset", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "start_high: 0x00a0280000000000")
	assert.Contains(t, out, "start_low:  0x0000000000000000")
}

func TestDecodeCommandPrintsFirstMnemonic(t *testing.T) {
	out, err := execute(t, "decode", "--digits", "0", "--offset", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "first:      abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about")
}

func TestDecodeCommandRejectsBadInput(t *testing.T) {
	_, err := execute(t, "decode", "--digits", "2048", "--offset", "0")
	assert.Error(t, err)

	_, err = execute(t, "decode", "--digits", "1", "--offset", "-3")
	assert.Error(t, err)
}

func TestConfigInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seedscan.yaml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Coordinator.URL, cfg.Coordinator.URL)

	_, err = execute(t, "config", "init", path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("junk: true\n"), 0o600))
	_, err = execute(t, "config", "init", path, "--force")
	require.NoError(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "seedscan "+Version)
}

func TestJournalCommands(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Journal.Path = filepath.Join(dir, "solutions.db")
	cfgPath := filepath.Join(dir, "seedscan.yaml")
	require.NoError(t, config.Save(cfgPath, cfg))
	t.Cleanup(func() {
		cfgFile = ""
		_ = journalListCmd.Flags().Set("pending", "false")
	})

	ctx := context.Background()
	store, err := journal.Open(zaptest.NewLogger(t), cfg.Journal.Path)
	require.NoError(t, err)
	delivered, err := store.Record(ctx, journal.Solution{Device: "cpu0", Offset: "11", Mnemonic: "already sent"})
	require.NoError(t, err)
	require.NoError(t, store.MarkDelivered(ctx, delivered))
	pending, err := store.Record(ctx, journal.Solution{Device: "cpu1", Offset: "12", Mnemonic: "still waiting"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out, err := execute(t, "--config", cfgPath, "journal", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "cpu0")
	assert.Contains(t, out, "cpu1")
	assert.Contains(t, out, "delivered")
	assert.NotContains(t, out, "still waiting")

	out, err = execute(t, "--config", cfgPath, "journal", "list", "--pending")
	require.NoError(t, err)
	assert.NotContains(t, out, "cpu0")
	assert.Contains(t, out, "cpu1")

	out, err = execute(t, "--config", cfgPath, "journal", "show", strconv.FormatInt(pending, 10))
	require.NoError(t, err)
	assert.Contains(t, out, "mnemonic:  still waiting")
	assert.Contains(t, out, "delivered: no")

	_, err = execute(t, "--config", cfgPath, "journal", "show", "999")
	assert.Error(t, err)
}

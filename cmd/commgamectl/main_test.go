package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commgame/internal/topology"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "exp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestTopologyCommand(t *testing.T) {
	path := writeConfig(t, "mode: pool\nnum_agents: 4\n")
	code, out, _ := runCLI(t, "--config", path, "topology", "--json")
	require.Equal(t, exitOK, code)

	var summary topology.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 4, summary.Agents)
	assert.Equal(t, 6, summary.IntraEdges)

	code, out, _ = runCLI(t, "topology")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "mode=pair agents=2")
}

func TestTrainCommand(t *testing.T) {
	path := writeConfig(t, `
mode: pool
num_agents: 3
channel: {m_dim: 8}
optimizer: {optim_type: sgd, learning_rate: 0.05}
intervals: {log_interval: -1, eval_interval: -1}
convergence: {check_accuracy_interval: 3}
dataset: {train_size: 24, dev_size: 8, batch_size: 8, wv_dim: 4}
`)
	artifacts := t.TempDir()
	code, out, stderr := runCLI(t, "--config", path, "--log-format", "json", "--artifacts-dir", artifacts, "train", "--run-id", "cli-run", "--max-epoch", "2")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, out, "run completed run_id=cli-run")
	assert.Contains(t, out, "steps=")
	assert.Contains(t, out, "artifacts_dir="+filepath.Join(artifacts, "cli-run"))
	assert.Contains(t, stderr, `"msg":"training started"`)

	code, out, _ = runCLI(t, "--artifacts-dir", artifacts, "runs", "list")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "run_id=cli-run")
	assert.Contains(t, out, "mode=pool agents=3")

	exports := t.TempDir()
	code, out, _ = runCLI(t, "--artifacts-dir", artifacts, "runs", "export", "cli-run", "--out", exports)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "exported run_id=cli-run")
	_, err := os.Stat(filepath.Join(exports, "cli-run", "summary.json"))
	assert.NoError(t, err)
}

func TestRunsListEmpty(t *testing.T) {
	code, out, _ := runCLI(t, "--artifacts-dir", t.TempDir(), "runs", "list")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "no runs found")

	code, _, stderr := runCLI(t, "--artifacts-dir", t.TempDir(), "runs", "list", "--limit", "0")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "limit must be > 0")
}

func TestConfigurationErrorExitCode(t *testing.T) {
	path := writeConfig(t, "mode: pair\nnum_agents: 5\n")
	code, _, stderr := runCLI(t, "--config", path, "train")
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "parameter num_agents")

	code, _, stderr = runCLI(t, "train", "--max-epoch=-3")
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "parameter max_epoch")

	code, _, _ = runCLI(t, "--log-level", "loud", "topology")
	assert.Equal(t, exitConfig, code)

	code, _, _ = runCLI(t, "bogus")
	assert.Equal(t, exitConfig, code)
}

func TestEvalRequiresCheckpointRun(t *testing.T) {
	code, _, stderr := runCLI(t, "eval")
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "parameter checkpoint_run")
}

func TestRunsShowUnknownRun(t *testing.T) {
	code, _, stderr := runCLI(t, "runs", "show", "nope")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "run nope not found")
}

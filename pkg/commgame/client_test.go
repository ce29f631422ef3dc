package commgame

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commgame/internal/config"
	"commgame/internal/logging"
	"commgame/internal/model"
)

const poolYAML = `
run_id: pool-run
seed: 3
mode: pool
num_agents: 3
channel:
  m_dim: 8
training:
  max_epoch: 2
optimizer:
  optim_type: sgd
  learning_rate: 0.05
intervals:
  log_interval: -1
  save_interval: 2
  eval_interval: 4
convergence:
  check_accuracy_interval: 4
dataset:
  train_size: 48
  dev_size: 16
  batch_size: 8
  wv_dim: 6
`

func parse(t *testing.T, raw string) *config.Config {
	t.Helper()
	cfg, err := config.Parse(strings.NewReader(raw))
	require.NoError(t, err)
	return cfg
}

func newClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Options{Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestTrainPersistsRun(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	summary, err := c.Train(ctx, parse(t, poolYAML))
	require.NoError(t, err)
	assert.Equal(t, "pool-run", summary.RunID)
	assert.Equal(t, 3, summary.Topology.Agents)
	assert.Contains(t, []model.RunState{model.StateConverged, model.StateMaxEpochReached}, summary.Result.State)
	assert.Positive(t, summary.Result.Steps)

	detail, err := c.ShowRun(ctx, "pool-run")
	require.NoError(t, err)
	assert.Equal(t, summary.Result.State, detail.Run.State)
	assert.Equal(t, model.ModePool, detail.Run.Mode)
	assert.Len(t, detail.Run.Edges, 3)
	assert.Contains(t, detail.Tags, "latest")
	require.NotNil(t, detail.Accuracy)
	assert.Len(t, detail.Accuracy.Entries, 3)
}

func TestTrainAssignsRunID(t *testing.T) {
	c := newClient(t)
	cfg := parse(t, poolYAML)
	cfg.RunID = ""
	cfg.Training.MaxEpoch = 1

	summary, err := c.Train(context.Background(), cfg)
	require.NoError(t, err)
	assert.Len(t, summary.RunID, 36)
}

func TestTrainWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Options{ArtifactsDir: dir, Logger: logging.Discard()})
	require.NoError(t, err)
	defer c.Close()

	summary, err := c.Train(context.Background(), parse(t, poolYAML))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "pool-run"), summary.ArtifactsDir)

	runs, err := c.Runs(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "pool-run", runs[0].RunID)
	assert.Equal(t, summary.Result.Steps, runs[0].Steps)
	assert.NotEmpty(t, runs[0].CreatedAtUTC)

	out, err := c.ExportRun("pool-run", t.TempDir())
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(out, "accuracy_series.csv"))
	assert.NoError(t, err)

	_, err = newClient(t).Runs(0)
	assert.Error(t, err)
}

func TestEvaluateFromCheckpoint(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	_, err := c.Train(ctx, parse(t, poolYAML))
	require.NoError(t, err)

	cfg := parse(t, poolYAML+"eval:\n  eval_only: true\n  checkpoint_run: pool-run\n")
	res, err := c.Evaluate(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, "latest", res.Tag)
	require.Len(t, res.Splits, 2)
	assert.Equal(t, model.SplitInDomainDev, res.Splits[0].Split)
	assert.Len(t, res.Splits[0].Edges, 3)
	assert.Empty(t, res.Splits[0].Pairs)
	assert.Zero(t, res.Exports)
	assert.Nil(t, res.Splits[0].NoMessageMean)

	cfg = parse(t, poolYAML+"eval:\n  eval_only: true\n  checkpoint_run: pool-run\n  bit_flip: true\n  corrupt_region: \"0:4\"\n  no_message_baseline: true\n")
	corrupted, err := c.Evaluate(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, corrupted.Splits, 2)
	for _, split := range corrupted.Splits {
		require.NotNil(t, split.NoMessageMean, split.Split)
		assert.GreaterOrEqual(t, *split.NoMessageMean, 0.0)
		assert.LessOrEqual(t, *split.NoMessageMean, 1.0)
	}

	cfg = parse(t, poolYAML+"eval:\n  eval_only: true\n  eval_xproduct: true\n  export_messages: true\n  checkpoint_run: pool-run\n")
	res, err = c.Evaluate(ctx, cfg)
	require.NoError(t, err)
	assert.Len(t, res.Splits[0].Pairs, 9)
	assert.Equal(t, 18, res.Exports)

	export, ok, err := c.store.GetMessageExport(ctx, "pool-run", model.OrderedPair{Speaker: 2, Listener: 0}, model.SplitOutDomainDev)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, export.Messages, 16)
}

func TestEvaluateUnknownRun(t *testing.T) {
	c := newClient(t)
	cfg := parse(t, "eval:\n  eval_only: true\n  checkpoint_run: missing\n")
	_, err := c.Evaluate(context.Background(), cfg)
	var ioErr *model.CheckpointIOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "load-run", ioErr.Op)
}

func TestTrainRejectsEvalOnly(t *testing.T) {
	c := newClient(t)
	cfg := parse(t, "eval:\n  eval_only: true\n  checkpoint_run: x\n")
	_, err := c.Train(context.Background(), cfg)
	assert.True(t, model.IsConfigurationError(err))
}

func TestDescribeTopologyCommunity(t *testing.T) {
	c := newClient(t)
	cfg := parse(t, "mode: community\ncommunity:\n  num_communities: 3\n  sizes: [2, 2, 2]\n  intra_connectivity: [1, 1, 1]\n  inter_connectivity: 1\n  type: chain\n")
	summary, err := c.DescribeTopology(cfg)
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Agents)
	assert.Len(t, summary.Pools, 3)
	// Chain: pools 0-1 and 1-2 are fully wired, 0-2 not at all.
	assert.Equal(t, 3, summary.IntraEdges)
	assert.Equal(t, 8, summary.InterEdges)
}

func TestJSONLDataset(t *testing.T) {
	dir := t.TempDir()
	line := `{"description":[1,0],"target":1,"candidates":[[0,1,0],[1,0,0]]}` + "\n"
	trainPath := filepath.Join(dir, "train.jsonl")
	require.NoError(t, os.WriteFile(trainPath, []byte(strings.Repeat(line, 4)), 0o644))

	cfg := parse(t, "dataset:\n  kind: jsonl\n  batch_size: 2\n  train_path: "+trainPath+"\n")
	data, dims, err := loadDataset(cfg)
	require.NoError(t, err)
	assert.Equal(t, dimensions{description: 2, feature: 3}, dims)
	assert.Equal(t, 2, data.BatchesPerEpoch(model.SplitTrain))
	assert.Zero(t, data.BatchesPerEpoch(model.SplitInDomainDev))
}

package stats

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commgame/internal/model"
)

func sampleArtifacts(runID string) RunArtifacts {
	return RunArtifacts{
		Config: RunConfig{RunID: runID, Mode: model.ModePool, Seed: 1, NumAgents: 3, MessageType: "binary", MessageDim: 8},
		Summary: RunSummary{
			State:       model.StateConverged,
			Steps:       40,
			DevAccuracy: map[model.Split]float64{model.SplitInDomainDev: 0.8},
		},
		History: []AccuracyPoint{{Step: 20, Mean: 0.5, Pairs: 3}, {Step: 40, Mean: 0.8, Pairs: 3, Converged: true}},
		Matrix:  []model.PairAccuracy{{Pair: model.NewPairKey(0, 1), Accuracy: 0.8}},
		PairStats: []PairStat{
			{Pair: model.NewPairKey(1, 2), Steps: 10},
			{Pair: model.NewPairKey(0, 1), Steps: 15},
		},
	}
}

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")

	runDir, err := WriteRunArtifacts(baseDir, sampleArtifacts("run-123"))
	require.NoError(t, err)
	for _, file := range []string{configFile, summaryFile, historyFile, matrixFile, pairStatsFile, seriesFile} {
		_, err := os.Stat(filepath.Join(runDir, file))
		require.NoError(t, err, file)
	}

	exported, err := ExportRunArtifacts(baseDir, "run-123", outDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "run-123"), exported)

	cfg, ok, err := ReadRunConfig(outDir, "run-123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, cfg.NumAgents)

	summary, ok, err := ReadRunSummary(baseDir, "run-123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StateConverged, summary.State)
	assert.Equal(t, 0.8, summary.DevAccuracy[model.SplitInDomainDev])

	series, ok, err := ReadAccuracySeries(baseDir, "run-123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []AccuracyPoint{{Step: 20, Mean: 0.5}, {Step: 40, Mean: 0.8}}, series)
}

func TestWriteRunArtifactsRequiresRunID(t *testing.T) {
	_, err := WriteRunArtifacts(t.TempDir(), RunArtifacts{})
	assert.Error(t, err)
}

func TestMissingArtifactsReportNotFound(t *testing.T) {
	baseDir := t.TempDir()
	_, ok, err := ReadRunConfig(baseDir, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = ReadAccuracySeries(baseDir, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ExportRunArtifacts(baseDir, "nope", t.TempDir())
	assert.Error(t, err)
}

func TestRunIndexNewestFirstAndReplaces(t *testing.T) {
	baseDir := t.TempDir()
	entries, err := ListRunIndex(baseDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, AppendRunIndex(baseDir, RunIndexEntry{RunID: "a", CreatedAtUTC: "2026-01-01T00:00:00Z"}))
	require.NoError(t, AppendRunIndex(baseDir, RunIndexEntry{RunID: "b", CreatedAtUTC: "2026-01-02T00:00:00Z"}))
	require.NoError(t, AppendRunIndex(baseDir, RunIndexEntry{RunID: "c", CreatedAtUTC: "2026-01-02T00:00:00Z"}))
	require.NoError(t, AppendRunIndex(baseDir, RunIndexEntry{RunID: "a", CreatedAtUTC: "2026-01-01T00:00:00Z", State: model.StateFailed}))

	entries, err = ListRunIndex(baseDir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{entries[0].RunID, entries[1].RunID, entries[2].RunID})
	assert.Equal(t, model.StateFailed, entries[2].State)

	assert.Error(t, AppendRunIndex(baseDir, RunIndexEntry{}))
}

package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"commgame/internal/model"
)

func sampleCheckpoint(agentID model.AgentID, tag string) model.AgentCheckpoint {
	return model.AgentCheckpoint{
		VersionedRecord: CurrentVersion(),
		RunID:           "run-1",
		AgentID:         agentID,
		Tag:             tag,
		Step:            40,
		Epoch:           2,
		Params: map[string][]float64{
			"speaker.w": {0.1, -0.2, 0.3},
			"speaker.b": {0.05},
		},
		Optimizer: model.OptimizerState{
			Kind:    "adam",
			StepNum: 40,
			Slots:   map[string][]float64{"m.speaker.b": {0.01}, "v.speaker.b": {0.0001}},
		},
	}
}

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	checkpoint := sampleCheckpoint(3, "latest")
	if err := store.SaveAgentCheckpoint(ctx, checkpoint); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	if err := store.SaveAgentCheckpoint(ctx, sampleCheckpoint(3, "step-40")); err != nil {
		t.Fatalf("save distinct checkpoint: %v", err)
	}
	loaded, ok, err := store.GetAgentCheckpoint(ctx, "run-1", 3, "latest")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if !ok {
		t.Fatal("expected checkpoint run-1/3/latest")
	}
	if !reflect.DeepEqual(loaded, checkpoint) {
		t.Fatalf("unexpected checkpoint loaded: %+v", loaded)
	}

	// Overwriting a tag replaces the previous payload.
	checkpoint.Step = 80
	if err := store.SaveAgentCheckpoint(ctx, checkpoint); err != nil {
		t.Fatalf("overwrite checkpoint: %v", err)
	}
	loaded, _, err = store.GetAgentCheckpoint(ctx, "run-1", 3, "latest")
	if err != nil {
		t.Fatalf("get overwritten checkpoint: %v", err)
	}
	if loaded.Step != 80 {
		t.Fatalf("expected overwritten step 80, got %d", loaded.Step)
	}

	if _, ok, err := store.GetAgentCheckpoint(ctx, "run-1", 4, "latest"); err != nil || ok {
		t.Fatalf("expected missing checkpoint, ok=%v err=%v", ok, err)
	}

	tags, err := store.ListCheckpointTags(ctx, "run-1")
	if err != nil {
		t.Fatalf("list tags: %v", err)
	}
	if !reflect.DeepEqual(tags, []string{"latest", "step-40"}) {
		t.Fatalf("unexpected tags: %v", tags)
	}

	run := model.RunRecord{
		VersionedRecord: CurrentVersion(),
		ID:              "run-1",
		Mode:            model.ModeCommunity,
		Seed:            7,
		Step:            80,
		State:           model.StateConverged,
		AgentIDs:        []model.AgentID{0, 1, 2},
		Pools:           []model.Pool{{ID: 0, Name: "pool-0", Members: []model.AgentID{0, 1, 2}}},
		Edges:           []model.Edge{{A: 0, B: 1, Weight: 1, Category: model.IntraPool}},
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}
	loadedRun, ok, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !ok || !reflect.DeepEqual(loadedRun, run) {
		t.Fatalf("unexpected run loaded: ok=%v %+v", ok, loadedRun)
	}

	snapshot := model.AccuracySnapshot{
		RunID:   "run-1",
		Step:    80,
		Mean:    0.8,
		Entries: []model.PairAccuracy{{Pair: model.NewPairKey(0, 1), Accuracy: 0.8}},
	}
	if err := store.SaveAccuracySnapshot(ctx, snapshot); err != nil {
		t.Fatalf("save accuracy snapshot: %v", err)
	}
	loadedSnapshot, ok, err := store.GetAccuracySnapshot(ctx, "run-1")
	if err != nil {
		t.Fatalf("get accuracy snapshot: %v", err)
	}
	if !ok || !reflect.DeepEqual(loadedSnapshot, snapshot) {
		t.Fatalf("unexpected accuracy snapshot: ok=%v %+v", ok, loadedSnapshot)
	}

	export := model.MessageExport{
		RunID:            "run-1",
		Pair:             model.OrderedPair{Speaker: 0, Listener: 1},
		Split:            model.SplitInDomainDev,
		Accuracy:         0.5,
		DistinctMessages: 2,
		Entropy:          1,
		Messages: []model.MessageRecord{
			{Target: 0, Prediction: 0, Message: []float64{1, 0}, Text: "red circle"},
			{Target: 2, Prediction: 1, Message: []float64{0, 1}, Text: "blue square"},
		},
	}
	if err := store.SaveMessageExport(ctx, export); err != nil {
		t.Fatalf("save message export: %v", err)
	}
	loadedExport, ok, err := store.GetMessageExport(ctx, "run-1", export.Pair, model.SplitInDomainDev)
	if err != nil {
		t.Fatalf("get message export: %v", err)
	}
	if !ok || !reflect.DeepEqual(loadedExport, export) {
		t.Fatalf("unexpected message export: ok=%v %+v", ok, loadedExport)
	}
	if _, ok, err := store.GetMessageExport(ctx, "run-1", export.Pair.Swap(), model.SplitInDomainDev); err != nil || ok {
		t.Fatalf("expected missing swapped export, ok=%v err=%v", ok, err)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	exerciseStore(t, store)
}

func TestMemoryStoreRequiresInit(t *testing.T) {
	store := NewMemoryStore()
	err := store.SaveAgentCheckpoint(context.Background(), sampleCheckpoint(1, "latest"))
	if !errors.Is(err, errNotInitialized) {
		t.Fatalf("expected not initialized error, got %v", err)
	}
}

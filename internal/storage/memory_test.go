package storage

import (
	"context"
	"testing"
)

func TestMemoryStoreCheckpointIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	input := sampleCheckpoint(1, "latest")
	if err := store.SaveAgentCheckpoint(ctx, input); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	input.Params["speaker.w"][0] = 99

	output, ok, err := store.GetAgentCheckpoint(ctx, "run-1", 1, "latest")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted checkpoint")
	}
	if output.Params["speaker.w"][0] != 0.1 {
		t.Fatalf("store shares caller memory: %+v", output.Params)
	}

	output.Optimizer.Slots["m.speaker.b"][0] = 5
	again, _, err := store.GetAgentCheckpoint(ctx, "run-1", 1, "latest")
	if err != nil {
		t.Fatalf("get checkpoint again: %v", err)
	}
	if again.Optimizer.Slots["m.speaker.b"][0] != 0.01 {
		t.Fatalf("store leaks internal memory: %+v", again.Optimizer.Slots)
	}
}

func TestMemoryStoreInitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := store.SaveAgentCheckpoint(ctx, sampleCheckpoint(1, "latest")); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("second init: %v", err)
	}
	if _, ok, _ := store.GetAgentCheckpoint(ctx, "run-1", 1, "latest"); !ok {
		t.Fatal("second init dropped persisted checkpoint")
	}
}

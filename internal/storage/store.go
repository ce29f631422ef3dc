package storage

import (
	"context"

	"commgame/internal/model"
)

// Store persists agent checkpoints and run-level records. Get methods report
// absence with a false flag rather than an error.
type Store interface {
	Init(ctx context.Context) error
	SaveAgentCheckpoint(ctx context.Context, checkpoint model.AgentCheckpoint) error
	GetAgentCheckpoint(ctx context.Context, runID string, agentID model.AgentID, tag string) (model.AgentCheckpoint, bool, error)
	ListCheckpointTags(ctx context.Context, runID string) ([]string, error)
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	SaveAccuracySnapshot(ctx context.Context, snapshot model.AccuracySnapshot) error
	GetAccuracySnapshot(ctx context.Context, runID string) (model.AccuracySnapshot, bool, error)
	SaveMessageExport(ctx context.Context, export model.MessageExport) error
	GetMessageExport(ctx context.Context, runID string, pair model.OrderedPair, split model.Split) (model.MessageExport, bool, error)
}

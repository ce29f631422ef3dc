// Package population owns the agents of a run and the optimizer each one
// trains with.
package population

import (
	"context"
	"fmt"
	"math/rand"

	"commgame/internal/agent"
	"commgame/internal/model"
	"commgame/internal/optim"
	"commgame/internal/storage"
	"commgame/internal/topology"
)

const TagLatest = "latest"

// DistinctTag names a retained snapshot taken at a given step.
func DistinctTag(step int) string {
	return fmt.Sprintf("step-%d", step)
}

type Population struct {
	topo   *topology.Topology
	ids    []model.AgentID
	agents map[model.AgentID]agent.Agent
	optims map[model.AgentID]optim.Optimizer
}

// New creates one agent and one optimizer per topology member. Each agent's
// initial parameters come from its own source derived from seed.
func New(topo *topology.Topology, factory agent.Factory, optFactory optim.Factory, seed int64) (*Population, error) {
	if topo == nil {
		return nil, fmt.Errorf("topology is required")
	}
	if factory == nil || optFactory == nil {
		return nil, fmt.Errorf("agent and optimizer factories are required")
	}
	master := rand.New(rand.NewSource(seed))
	p := &Population{
		topo:   topo,
		ids:    topo.AgentIDs(),
		agents: make(map[model.AgentID]agent.Agent),
		optims: make(map[model.AgentID]optim.Optimizer),
	}
	for _, id := range p.ids {
		a, err := factory(id, rand.New(rand.NewSource(master.Int63())))
		if err != nil {
			return nil, fmt.Errorf("create agent %d: %w", id, err)
		}
		p.agents[id] = a
		p.optims[id] = optFactory()
	}
	return p, nil
}

func (p *Population) Topology() *topology.Topology {
	return p.topo
}

func (p *Population) IDs() []model.AgentID {
	return append([]model.AgentID(nil), p.ids...)
}

func (p *Population) Size() int {
	return len(p.ids)
}

func (p *Population) Agent(id model.AgentID) (agent.Agent, bool) {
	a, ok := p.agents[id]
	return a, ok
}

func (p *Population) Optimizer(id model.AgentID) (optim.Optimizer, bool) {
	o, ok := p.optims[id]
	return o, ok
}

// Participants returns the distinct agents named, so a self-pair is updated
// once.
func (p *Population) Participants(ids ...model.AgentID) ([]agent.Agent, error) {
	seen := make(map[model.AgentID]bool, len(ids))
	out := make([]agent.Agent, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		a, ok := p.agents[id]
		if !ok {
			return nil, fmt.Errorf("unknown agent %d", id)
		}
		out = append(out, a)
	}
	return out, nil
}

// Step applies each participant's optimizer to its accumulated gradients and
// clears them.
func (p *Population) Step(participants []agent.Agent) {
	for _, a := range participants {
		params := a.Parameters()
		p.optims[a.ID()].Step(params)
		agent.ZeroGrad(a)
	}
}

func (p *Population) ZeroGrad() {
	for _, id := range p.ids {
		agent.ZeroGrad(p.agents[id])
	}
}

// Save writes every agent and its optimizer state under tag.
func (p *Population) Save(ctx context.Context, store storage.Store, runID, tag string, step, epoch int) error {
	for _, id := range p.ids {
		checkpoint := model.AgentCheckpoint{
			VersionedRecord: storage.CurrentVersion(),
			RunID:           runID,
			AgentID:         id,
			Tag:             tag,
			Step:            step,
			Epoch:           epoch,
			Params:          agent.Snapshot(p.agents[id]),
			Optimizer:       p.optims[id].State(),
		}
		if err := store.SaveAgentCheckpoint(ctx, checkpoint); err != nil {
			return &model.CheckpointIOError{Op: "save", RunID: runID, AgentID: id, Err: err}
		}
	}
	return nil
}

// LoadFromRun restores every agent and optimizer from the checkpoints of a
// previous run of the same layout.
func (p *Population) LoadFromRun(ctx context.Context, store storage.Store, runID, tag string) error {
	for _, id := range p.ids {
		checkpoint, err := loadCheckpoint(ctx, store, runID, id, tag)
		if err != nil {
			return err
		}
		if err := agent.Restore(p.agents[id], checkpoint.Params); err != nil {
			return &model.CheckpointIOError{Op: "restore", RunID: runID, AgentID: id, Err: err}
		}
		if err := p.optims[id].LoadState(checkpoint.Optimizer); err != nil {
			return &model.CheckpointIOError{Op: "restore", RunID: runID, AgentID: id, Err: err}
		}
	}
	return nil
}

// SeedPools initialises community pools from pre-trained pool runs. Pool k
// takes its parameters from poolRunIDs[k], member j from that run's j-th
// agent. An empty run id leaves the pool at its fresh initialisation.
// Optimizer state is not carried over.
func (p *Population) SeedPools(ctx context.Context, store storage.Store, poolRunIDs []string, tag string) error {
	pools := p.topo.Pools()
	if len(poolRunIDs) != len(pools) {
		return model.ConfigErrorf("pool_checkpoints", "expected %d pool runs, got %d", len(pools), len(poolRunIDs))
	}
	for k, runID := range poolRunIDs {
		if runID == "" {
			continue
		}
		run, ok, err := store.GetRun(ctx, runID)
		if err != nil {
			return &model.CheckpointIOError{Op: "load-run", RunID: runID, AgentID: model.NoAgent, Err: err}
		}
		if !ok {
			return &model.CheckpointIOError{Op: "load-run", RunID: runID, AgentID: model.NoAgent, Err: fmt.Errorf("run not found")}
		}
		members := pools[k].Members
		if len(run.AgentIDs) < len(members) {
			return model.ConfigErrorf("pool_checkpoints", "run %s has %d agents, pool %d needs %d", runID, len(run.AgentIDs), k, len(members))
		}
		for j, id := range members {
			checkpoint, err := loadCheckpoint(ctx, store, runID, run.AgentIDs[j], tag)
			if err != nil {
				return err
			}
			if err := agent.Restore(p.agents[id], checkpoint.Params); err != nil {
				return &model.CheckpointIOError{Op: "restore", RunID: runID, AgentID: run.AgentIDs[j], Err: err}
			}
		}
	}
	return nil
}

func loadCheckpoint(ctx context.Context, store storage.Store, runID string, id model.AgentID, tag string) (model.AgentCheckpoint, error) {
	checkpoint, ok, err := store.GetAgentCheckpoint(ctx, runID, id, tag)
	if err != nil {
		return model.AgentCheckpoint{}, &model.CheckpointIOError{Op: "load", RunID: runID, AgentID: id, Err: err}
	}
	if !ok {
		return model.AgentCheckpoint{}, &model.CheckpointIOError{Op: "load", RunID: runID, AgentID: id, Err: fmt.Errorf("checkpoint %q not found", tag)}
	}
	return checkpoint, nil
}

package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"commgame/internal/model"
)

var errNotInitialized = errors.New("store is not initialized")

type checkpointKey struct {
	runID   string
	agentID model.AgentID
	tag     string
}

type exportKey struct {
	runID string
	pair  model.OrderedPair
	split model.Split
}

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	checkpoints map[checkpointKey]model.AgentCheckpoint
	runs        map[string]model.RunRecord
	accuracy    map[string]model.AccuracySnapshot
	exports     map[exportKey]model.MessageExport
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.checkpoints = make(map[checkpointKey]model.AgentCheckpoint)
	s.runs = make(map[string]model.RunRecord)
	s.accuracy = make(map[string]model.AccuracySnapshot)
	s.exports = make(map[exportKey]model.MessageExport)
	return nil
}

func (s *MemoryStore) SaveAgentCheckpoint(_ context.Context, checkpoint model.AgentCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	key := checkpointKey{runID: checkpoint.RunID, agentID: checkpoint.AgentID, tag: checkpoint.Tag}
	s.checkpoints[key] = cloneCheckpoint(checkpoint)
	return nil
}

func (s *MemoryStore) GetAgentCheckpoint(_ context.Context, runID string, agentID model.AgentID, tag string) (model.AgentCheckpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return model.AgentCheckpoint{}, false, errNotInitialized
	}
	checkpoint, ok := s.checkpoints[checkpointKey{runID: runID, agentID: agentID, tag: tag}]
	if !ok {
		return model.AgentCheckpoint{}, false, nil
	}
	return cloneCheckpoint(checkpoint), true, nil
}

func (s *MemoryStore) ListCheckpointTags(_ context.Context, runID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, errNotInitialized
	}
	seen := make(map[string]struct{})
	for key := range s.checkpoints {
		if key.runID == runID {
			seen[key.tag] = struct{}{}
		}
	}
	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags, nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return model.RunRecord{}, false, errNotInitialized
	}
	run, ok := s.runs[id]
	if !ok {
		return model.RunRecord{}, false, nil
	}
	return cloneRun(run), true, nil
}

func (s *MemoryStore) SaveAccuracySnapshot(_ context.Context, snapshot model.AccuracySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	snapshot.Entries = append([]model.PairAccuracy(nil), snapshot.Entries...)
	s.accuracy[snapshot.RunID] = snapshot
	return nil
}

func (s *MemoryStore) GetAccuracySnapshot(_ context.Context, runID string) (model.AccuracySnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return model.AccuracySnapshot{}, false, errNotInitialized
	}
	snapshot, ok := s.accuracy[runID]
	if !ok {
		return model.AccuracySnapshot{}, false, nil
	}
	snapshot.Entries = append([]model.PairAccuracy(nil), snapshot.Entries...)
	return snapshot, true, nil
}

func (s *MemoryStore) SaveMessageExport(_ context.Context, export model.MessageExport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.exports[exportKey{runID: export.RunID, pair: export.Pair, split: export.Split}] = cloneExport(export)
	return nil
}

func (s *MemoryStore) GetMessageExport(_ context.Context, runID string, pair model.OrderedPair, split model.Split) (model.MessageExport, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return model.MessageExport{}, false, errNotInitialized
	}
	export, ok := s.exports[exportKey{runID: runID, pair: pair, split: split}]
	if !ok {
		return model.MessageExport{}, false, nil
	}
	return cloneExport(export), true, nil
}

func cloneCheckpoint(c model.AgentCheckpoint) model.AgentCheckpoint {
	c.Params = cloneSlices(c.Params)
	c.Optimizer.Slots = cloneSlices(c.Optimizer.Slots)
	return c
}

func cloneSlices(in map[string][]float64) map[string][]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string][]float64, len(in))
	for k, v := range in {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

func cloneRun(r model.RunRecord) model.RunRecord {
	r.AgentIDs = append([]model.AgentID(nil), r.AgentIDs...)
	pools := make([]model.Pool, len(r.Pools))
	for i, pool := range r.Pools {
		pool.Members = append([]model.AgentID(nil), pool.Members...)
		pools[i] = pool
	}
	r.Pools = pools
	r.Edges = append([]model.Edge(nil), r.Edges...)
	return r
}

func cloneExport(e model.MessageExport) model.MessageExport {
	messages := make([]model.MessageRecord, len(e.Messages))
	for i, m := range e.Messages {
		m.Message = append([]float64(nil), m.Message...)
		messages[i] = m
	}
	e.Messages = messages
	return e
}

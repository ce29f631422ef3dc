// Package topology builds the interaction graph that decides which agents
// may be trained against each other.
package topology

import (
	"fmt"
	"sort"

	"commgame/internal/model"
)

// Topology is an immutable edge set plus derived adjacency.
type Topology struct {
	mode     model.Mode
	pools    []model.Pool
	agentIDs []model.AgentID
	poolOf   map[model.AgentID]model.PoolID
	edges    []model.Edge
	index    map[model.PairKey]int
	adjacent map[model.AgentID][]model.AgentID
}

// FromEdges assembles a topology from an explicit pool and edge listing, as
// stored with a run record. It enforces the same invariants as Build.
func FromEdges(mode model.Mode, pools []model.Pool, edges []model.Edge) (*Topology, error) {
	t := &Topology{
		mode:     mode,
		pools:    make([]model.Pool, len(pools)),
		poolOf:   make(map[model.AgentID]model.PoolID),
		index:    make(map[model.PairKey]int, len(edges)),
		adjacent: make(map[model.AgentID][]model.AgentID),
	}
	for i, pool := range pools {
		members := append([]model.AgentID(nil), pool.Members...)
		t.pools[i] = model.Pool{ID: pool.ID, Name: pool.Name, Members: members}
		for _, id := range members {
			if prev, dup := t.poolOf[id]; dup {
				return nil, model.ConfigErrorf("pools", "agent %d belongs to pools %d and %d", id, prev, pool.ID)
			}
			t.poolOf[id] = pool.ID
			t.agentIDs = append(t.agentIDs, id)
		}
	}
	sort.Slice(t.agentIDs, func(i, j int) bool { return t.agentIDs[i] < t.agentIDs[j] })

	for _, e := range edges {
		if err := t.addEdge(e); err != nil {
			return nil, err
		}
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Topology) addEdge(e model.Edge) error {
	if e.A == e.B {
		return model.ConfigErrorf("edges", "self edge on agent %d", e.A)
	}
	for _, id := range []model.AgentID{e.A, e.B} {
		if _, ok := t.poolOf[id]; !ok {
			return model.ConfigErrorf("edges", "edge references unknown agent %d", id)
		}
	}
	key := e.Key()
	if _, dup := t.index[key]; dup {
		return model.ConfigErrorf("edges", "duplicate edge %s", key)
	}
	e.A, e.B = key.Low, key.High
	t.index[key] = len(t.edges)
	t.edges = append(t.edges, e)
	t.adjacent[e.A] = append(t.adjacent[e.A], e.B)
	t.adjacent[e.B] = append(t.adjacent[e.B], e.A)
	return nil
}

// validate rejects topologies with an agent that could never be trained.
func (t *Topology) validate() error {
	if len(t.agentIDs) < 2 {
		return model.ConfigErrorf("num_agents", "at least 2 agents are required, got %d", len(t.agentIDs))
	}
	for _, id := range t.agentIDs {
		if len(t.adjacent[id]) == 0 {
			return model.ConfigErrorf("topology", "agent %d in pool %d has no incident edge; raise the connectivity parameters", id, t.poolOf[id])
		}
	}
	return nil
}

func (t *Topology) Mode() model.Mode {
	return t.mode
}

func (t *Topology) NumAgents() int {
	return len(t.agentIDs)
}

func (t *Topology) AgentIDs() []model.AgentID {
	return append([]model.AgentID(nil), t.agentIDs...)
}

func (t *Topology) Pools() []model.Pool {
	out := make([]model.Pool, len(t.pools))
	for i, pool := range t.pools {
		out[i] = model.Pool{ID: pool.ID, Name: pool.Name, Members: append([]model.AgentID(nil), pool.Members...)}
	}
	return out
}

func (t *Topology) PoolOf(id model.AgentID) (model.PoolID, bool) {
	pool, ok := t.poolOf[id]
	return pool, ok
}

func (t *Topology) Edges() []model.Edge {
	return append([]model.Edge(nil), t.edges...)
}

func (t *Topology) EdgesByCategory(category model.EdgeCategory) []model.Edge {
	var out []model.Edge
	for _, e := range t.edges {
		if e.Category == category {
			out = append(out, e)
		}
	}
	return out
}

func (t *Topology) Edge(a, b model.AgentID) (model.Edge, bool) {
	i, ok := t.index[model.NewPairKey(a, b)]
	if !ok {
		return model.Edge{}, false
	}
	return t.edges[i], true
}

func (t *Topology) HasEdge(a, b model.AgentID) bool {
	_, ok := t.index[model.NewPairKey(a, b)]
	return ok
}

func (t *Topology) Neighbors(id model.AgentID) []model.AgentID {
	out := append([]model.AgentID(nil), t.adjacent[id]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type PoolSummary struct {
	Pool       model.PoolID `json:"pool"`
	Size       int          `json:"size"`
	IntraEdges int          `json:"intra_edges"`
}

type Summary struct {
	Mode       model.Mode    `json:"mode"`
	Agents     int           `json:"agents"`
	IntraEdges int           `json:"intra_edges"`
	InterEdges int           `json:"inter_edges"`
	Pools      []PoolSummary `json:"pools"`
}

func (t *Topology) Summary() Summary {
	s := Summary{Mode: t.mode, Agents: len(t.agentIDs)}
	perPool := make(map[model.PoolID]int)
	for _, e := range t.edges {
		if e.Category == model.InterPool {
			s.InterEdges++
			continue
		}
		s.IntraEdges++
		perPool[t.poolOf[e.A]]++
	}
	for _, pool := range t.pools {
		s.Pools = append(s.Pools, PoolSummary{Pool: pool.ID, Size: len(pool.Members), IntraEdges: perPool[pool.ID]})
	}
	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("mode=%s agents=%d pools=%d intra_edges=%d inter_edges=%d", s.Mode, s.Agents, len(s.Pools), s.IntraEdges, s.InterEdges)
}

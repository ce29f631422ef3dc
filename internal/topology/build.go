package topology

import (
	"math/rand"
	"strconv"
	"strings"

	"commgame/internal/model"
	"commgame/internal/nn"
)

type Subtype string

const (
	SubtypeDense Subtype = "dense"
	SubtypeChain Subtype = "chain"
)

// Config describes the population layout. Fields irrelevant to Mode are
// ignored.
type Config struct {
	Mode      model.Mode
	NumAgents int

	// Community layout.
	NumCommunities    int
	PoolSizes         []int
	IntraConnectivity []float64
	InterConnectivity float64
	Subtype           Subtype

	// TrainWeights biases per-step edge sampling. Keys must name existing edges.
	TrainWeights map[model.PairKey]float64

	Seed int64
}

func ParseSubtype(raw string) (Subtype, error) {
	switch Subtype(strings.ToLower(strings.TrimSpace(raw))) {
	case "", SubtypeDense:
		return SubtypeDense, nil
	case SubtypeChain:
		return SubtypeChain, nil
	default:
		return "", model.ConfigErrorf("community_type", "unsupported community type %q", raw)
	}
}

// Build wires the topology described by cfg. Random edge wiring draws from a
// source seeded with cfg.Seed, so equal configs yield equal edge sets.
func Build(cfg Config) (*Topology, error) {
	var (
		pools []model.Pool
		edges []model.Edge
		err   error
	)
	switch cfg.Mode {
	case model.ModePair:
		pools, edges, err = buildPair(cfg)
	case model.ModePool:
		pools, edges, err = buildPool(cfg)
	case model.ModeCommunity:
		pools, edges, err = buildCommunity(cfg)
	default:
		return nil, model.ConfigErrorf("mode", "unsupported mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	if edges, err = applyTrainWeights(edges, cfg.TrainWeights); err != nil {
		return nil, err
	}
	return FromEdges(cfg.Mode, pools, edges)
}

func buildPair(cfg Config) ([]model.Pool, []model.Edge, error) {
	if cfg.NumAgents != 0 && cfg.NumAgents != 2 {
		return nil, nil, model.ConfigErrorf("num_agents", "pair mode uses exactly 2 agents, got %d", cfg.NumAgents)
	}
	pools := []model.Pool{{ID: 0, Name: "pool-0", Members: []model.AgentID{0, 1}}}
	edges := []model.Edge{{A: 0, B: 1, Weight: 1, Category: model.IntraPool}}
	return pools, edges, nil
}

func buildPool(cfg Config) ([]model.Pool, []model.Edge, error) {
	if cfg.NumAgents < 2 {
		return nil, nil, model.ConfigErrorf("num_agents", "pool mode needs at least 2 agents, got %d", cfg.NumAgents)
	}
	members := agentRange(0, cfg.NumAgents)
	pools := []model.Pool{{ID: 0, Name: "pool-0", Members: members}}
	var edges []model.Edge
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			edges = append(edges, model.Edge{A: members[i], B: members[j], Weight: 1, Category: model.IntraPool})
		}
	}
	return pools, edges, nil
}

func buildCommunity(cfg Config) ([]model.Pool, []model.Edge, error) {
	n := cfg.NumCommunities
	if n <= 0 {
		return nil, nil, model.ConfigErrorf("num_communities", "must be > 0, got %d", n)
	}
	if len(cfg.PoolSizes) != n {
		return nil, nil, model.ConfigErrorf("community_size", "expected %d pool sizes, got %d", n, len(cfg.PoolSizes))
	}
	if len(cfg.IntraConnectivity) != n {
		return nil, nil, model.ConfigErrorf("intra_community_connectivity", "expected %d values, got %d", n, len(cfg.IntraConnectivity))
	}
	for k, size := range cfg.PoolSizes {
		if size <= 0 {
			return nil, nil, model.ConfigErrorf("community_size", "pool %d size must be > 0, got %d", k, size)
		}
	}
	for k, p := range cfg.IntraConnectivity {
		if !validProbability(p) {
			return nil, nil, model.ConfigErrorf("intra_community_connectivity", "pool %d probability must be in [0,1], got %v", k, p)
		}
	}
	if !validProbability(cfg.InterConnectivity) {
		return nil, nil, model.ConfigErrorf("inter_community_connectivity", "probability must be in [0,1], got %v", cfg.InterConnectivity)
	}
	subtype := cfg.Subtype
	if subtype == "" {
		subtype = SubtypeDense
	}
	if subtype != SubtypeDense && subtype != SubtypeChain {
		return nil, nil, model.ConfigErrorf("community_type", "unsupported community type %q", subtype)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	pools := make([]model.Pool, n)
	next := 0
	for k, size := range cfg.PoolSizes {
		pools[k] = model.Pool{ID: model.PoolID(k), Name: poolName(k), Members: agentRange(next, size)}
		next += size
	}

	var edges []model.Edge
	for k, pool := range pools {
		p := cfg.IntraConnectivity[k]
		for i := 0; i < len(pool.Members); i++ {
			for j := i + 1; j < len(pool.Members); j++ {
				if rng.Float64() < p {
					edges = append(edges, model.Edge{A: pool.Members[i], B: pool.Members[j], Weight: p, Category: model.IntraPool})
				}
			}
		}
	}
	p := cfg.InterConnectivity
	for k := 0; k < n; k++ {
		for l := k + 1; l < n; l++ {
			if subtype == SubtypeChain && l-k != 1 {
				continue
			}
			for _, a := range pools[k].Members {
				for _, b := range pools[l].Members {
					if rng.Float64() < p {
						edges = append(edges, model.Edge{A: a, B: b, Weight: p, Category: model.InterPool})
					}
				}
			}
		}
	}
	return pools, edges, nil
}

func applyTrainWeights(edges []model.Edge, weights map[model.PairKey]float64) ([]model.Edge, error) {
	if len(weights) == 0 {
		return edges, nil
	}
	index := make(map[model.PairKey]int, len(edges))
	for i, e := range edges {
		index[e.Key()] = i
	}
	for key, w := range weights {
		key = model.NewPairKey(key.Low, key.High)
		i, ok := index[key]
		if !ok {
			return nil, model.ConfigErrorf("train_weights", "pair %s is not an edge of the topology", key)
		}
		if w < 0 || !nn.IsFinite(w) {
			return nil, model.ConfigErrorf("train_weights", "pair %s weight must be finite and >= 0, got %v", key, w)
		}
		edges[i].TrainWeight = w
	}
	return edges, nil
}

func validProbability(p float64) bool {
	return p >= 0 && p <= 1 && nn.IsFinite(p)
}

func agentRange(start, n int) []model.AgentID {
	out := make([]model.AgentID, n)
	for i := range out {
		out[i] = model.AgentID(start + i)
	}
	return out
}

func poolName(k int) string {
	return "pool-" + strconv.Itoa(k)
}

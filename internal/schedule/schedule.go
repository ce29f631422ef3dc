// Package schedule draws the ordered speaker/listener pair trained at each step.
package schedule

import (
	"log/slog"
	"math/rand"
	"sync"

	"commgame/internal/model"
	"commgame/internal/nn"
	"commgame/internal/topology"
)

type Config struct {
	// Ratio is the relative frequency of intra-pool to inter-pool draws in
	// community mode: P(intra) = Ratio / (1 + Ratio).
	Ratio          float64
	// RandomizeOrder flips a fair coin for the speaker on every draw.
	// Otherwise each edge starts from a seeded first speaker and alternates.
	RandomizeOrder bool
	Seed           int64
}

type Draw struct {
	Pair       model.OrderedPair
	Edge       model.Edge
	Category   model.EdgeCategory
	Degenerate bool
}

// Degeneracy records a draw whose requested category had no edges.
type Degeneracy struct {
	Requested model.EdgeCategory
	Used      model.EdgeCategory
}

// Scheduler is safe for use by one trainer goroutine; Degeneracies may be read
// concurrently.
type Scheduler struct {
	mode   model.Mode
	cfg    Config
	rng    *rand.Rand
	logger *slog.Logger

	all   []model.Edge
	intra []model.Edge
	inter []model.Edge

	weighted    bool
	cumWeights  []float64
	totalWeight float64

	first map[model.PairKey]model.AgentID
	turns map[model.PairKey]int

	mu     sync.Mutex
	counts map[Degeneracy]int
	warned map[Degeneracy]bool
}

func New(topo *topology.Topology, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if topo == nil {
		return nil, model.ConfigErrorf("topology", "topology is required")
	}
	if topo.Mode() == model.ModeCommunity && (cfg.Ratio <= 0 || !nn.IsFinite(cfg.Ratio)) {
		return nil, model.ConfigErrorf("intra_inter_ratio", "must be a finite value > 0, got %v", cfg.Ratio)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		mode:   topo.Mode(),
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		logger: logger.With("component", "schedule"),
		all:    topo.Edges(),
		intra:  topo.EdgesByCategory(model.IntraPool),
		inter:  topo.EdgesByCategory(model.InterPool),
		counts: make(map[Degeneracy]int),
		warned: make(map[Degeneracy]bool),
	}
	if len(s.all) == 0 {
		return nil, model.ConfigErrorf("topology", "no edges to schedule")
	}
	for _, e := range s.all {
		if e.TrainWeight > 0 {
			s.weighted = true
			break
		}
	}
	if s.weighted {
		s.cumWeights = make([]float64, len(s.all))
		for i, e := range s.all {
			s.totalWeight += e.TrainWeight
			s.cumWeights[i] = s.totalWeight
		}
	}
	if !cfg.RandomizeOrder {
		s.first = make(map[model.PairKey]model.AgentID, len(s.all))
		s.turns = make(map[model.PairKey]int, len(s.all))
		for _, e := range s.all {
			speaker := e.A
			if s.rng.Float64() < 0.5 {
				speaker = e.B
			}
			s.first[e.Key()] = speaker
		}
	}
	return s, nil
}

// IntraProbability is the per-step probability of requesting an intra-pool edge.
func (s *Scheduler) IntraProbability() float64 {
	if s.mode != model.ModeCommunity {
		return 1
	}
	return s.cfg.Ratio / (1 + s.cfg.Ratio)
}

func (s *Scheduler) Next() Draw {
	var (
		edge       model.Edge
		category   model.EdgeCategory
		degenerate bool
	)
	if s.mode == model.ModeCommunity {
		requested := model.InterPool
		if s.rng.Float64() < s.IntraProbability() {
			requested = model.IntraPool
		}
		pool := s.edgesFor(requested)
		category = requested
		if len(pool) == 0 {
			category = other(requested)
			pool = s.edgesFor(category)
			degenerate = true
			s.recordDegeneracy(Degeneracy{Requested: requested, Used: category})
		}
		edge = pool[s.rng.Intn(len(pool))]
	} else {
		edge = s.sampleEdge()
		category = edge.Category
	}

	return Draw{Pair: s.order(edge), Edge: edge, Category: category, Degenerate: degenerate}
}

// FirstSpeaker is the endpoint that speaks on an edge's first draw when the
// order is not randomized.
func (s *Scheduler) FirstSpeaker(key model.PairKey) (model.AgentID, bool) {
	id, ok := s.first[key]
	return id, ok
}

func (s *Scheduler) order(edge model.Edge) model.OrderedPair {
	pair := model.OrderedPair{Speaker: edge.A, Listener: edge.B}
	if s.cfg.RandomizeOrder {
		if s.rng.Float64() < 0.5 {
			pair = pair.Swap()
		}
		return pair
	}
	key := edge.Key()
	if s.first[key] != pair.Speaker {
		pair = pair.Swap()
	}
	if s.turns[key]%2 == 1 {
		pair = pair.Swap()
	}
	s.turns[key]++
	return pair
}

func (s *Scheduler) sampleEdge() model.Edge {
	if !s.weighted {
		return s.all[s.rng.Intn(len(s.all))]
	}
	target := s.rng.Float64() * s.totalWeight
	for i, c := range s.cumWeights {
		if target < c {
			return s.all[i]
		}
	}
	return s.all[len(s.all)-1]
}

func (s *Scheduler) edgesFor(category model.EdgeCategory) []model.Edge {
	if category == model.IntraPool {
		return s.intra
	}
	return s.inter
}

func (s *Scheduler) recordDegeneracy(d Degeneracy) {
	s.mu.Lock()
	s.counts[d]++
	first := !s.warned[d]
	s.warned[d] = true
	s.mu.Unlock()
	if first {
		s.logger.Warn("requested edge category is empty, falling back",
			"requested", string(d.Requested),
			"used", string(d.Used),
		)
	}
}

// Degeneracies returns how often each fallback occurred.
func (s *Scheduler) Degeneracies() map[Degeneracy]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Degeneracy]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

func (s *Scheduler) TotalDegeneracies() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, v := range s.counts {
		total += v
	}
	return total
}

func other(c model.EdgeCategory) model.EdgeCategory {
	if c == model.IntraPool {
		return model.InterPool
	}
	return model.IntraPool
}

package dataset

import (
	"fmt"
	"math/rand"

	"commgame/internal/model"
)

var (
	Shapes = []string{"circle", "cross", "ellipse", "pentagon", "rectangle", "semicircle", "square", "triangle"}
	Colors = []string{"blue", "cyan", "gray", "green", "magenta", "red", "yellow"}
)

// FeatureDim is the candidate feature width: one-hot shape followed by
// one-hot color.
func FeatureDim() int {
	return len(Shapes) + len(Colors)
}

type ShapeWorldConfig struct {
	NumCandidates int
	TrainSize     int
	DevSize       int
	BatchSize     int
	// HeldOut shape/color combinations never appear in train or in-domain
	// dev; they make up the out-of-domain dev targets.
	HeldOut int
	Shuffle bool
	Seed    int64
}

func DefaultShapeWorldConfig() ShapeWorldConfig {
	return ShapeWorldConfig{
		NumCandidates: 5,
		TrainSize:     2048,
		DevSize:       256,
		BatchSize:     32,
		HeldOut:       8,
		Shuffle:       true,
	}
}

type combo struct {
	shape int
	color int
}

func (c combo) text() string {
	return Colors[c.color] + " " + Shapes[c.shape]
}

func (c combo) features() []float64 {
	v := make([]float64, FeatureDim())
	v[c.shape] = 1
	v[len(Shapes)+c.color] = 1
	return v
}

// NewShapeWorld generates a synthetic reference game over colored shapes. The
// speaker sees the averaged word embeddings of "<color> <shape>".
func NewShapeWorld(cfg ShapeWorldConfig, embedder Embedder) (*Static, error) {
	total := len(Shapes) * len(Colors)
	if cfg.NumCandidates < 2 {
		return nil, model.ConfigErrorf("num_candidates", "must be >= 2, got %d", cfg.NumCandidates)
	}
	if cfg.TrainSize <= 0 {
		return nil, model.ConfigErrorf("train_size", "must be > 0, got %d", cfg.TrainSize)
	}
	if cfg.DevSize < 0 {
		return nil, model.ConfigErrorf("dev_size", "must be >= 0, got %d", cfg.DevSize)
	}
	if cfg.HeldOut < 0 || total-cfg.HeldOut < cfg.NumCandidates {
		return nil, model.ConfigErrorf("held_out", "must leave at least %d in-domain combinations, got %d held out of %d", cfg.NumCandidates, cfg.HeldOut, total)
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	all := make([]combo, 0, total)
	for s := range Shapes {
		for c := range Colors {
			all = append(all, combo{shape: s, color: c})
		}
	}
	rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	heldOut := all[:cfg.HeldOut]
	inDomain := all[cfg.HeldOut:]

	descriptions := make(map[combo][]float64, total)
	for _, c := range all {
		d, err := Describe(embedder, c.text())
		if err != nil {
			return nil, fmt.Errorf("describe %q: %w", c.text(), err)
		}
		descriptions[c] = d
	}

	generate := func(n int, targets, distractors []combo) []model.Example {
		out := make([]model.Example, n)
		for i := range out {
			target := targets[rng.Intn(len(targets))]
			out[i] = makeExample(rng, target, distractors, cfg.NumCandidates, descriptions[target])
		}
		return out
	}

	splits := map[model.Split][]model.Example{
		model.SplitTrain: generate(cfg.TrainSize, inDomain, inDomain),
	}
	if cfg.DevSize > 0 {
		splits[model.SplitInDomainDev] = generate(cfg.DevSize, inDomain, inDomain)
		if len(heldOut) > 0 {
			splits[model.SplitOutDomainDev] = generate(cfg.DevSize, heldOut, all)
		}
	}
	return NewStatic(StaticConfig{BatchSize: cfg.BatchSize, Shuffle: cfg.Shuffle, Seed: cfg.Seed + 1}, splits)
}

func makeExample(rng *rand.Rand, target combo, pool []combo, n int, description []float64) model.Example {
	picked := map[combo]bool{target: true}
	candidates := []combo{target}
	for len(candidates) < n {
		c := pool[rng.Intn(len(pool))]
		if picked[c] {
			continue
		}
		picked[c] = true
		candidates = append(candidates, c)
	}
	rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	ex := model.Example{
		Description: append([]float64(nil), description...),
		Candidates:  make([][]float64, n),
		Text:        target.text(),
		Shape:       Shapes[target.shape],
		Color:       Colors[target.color],
	}
	for i, c := range candidates {
		if c == target {
			ex.Target = i
		}
		ex.Candidates[i] = c.features()
	}
	return ex
}

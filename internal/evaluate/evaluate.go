// Package evaluate measures communication success between agents on the dev
// splits without touching parameters.
package evaluate

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"commgame/internal/agent"
	"commgame/internal/channel"
	"commgame/internal/dataset"
	"commgame/internal/episode"
	"commgame/internal/model"
	"commgame/internal/population"
)

type Config struct {
	// Batches caps how many batches of a split are evaluated. Zero means the
	// whole split.
	Batches int
	Workers int
	Seed    int64

	// Corrupt lists the bits flipped in every evaluated message. Binary
	// messages only.
	Corrupt   []int
	// NoMessage also scores each listener on all-zero messages.
	NoMessage bool
}

type Tally struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
}

func (t Tally) Accuracy() float64 {
	if t.Total == 0 {
		return 0
	}
	return float64(t.Correct) / float64(t.Total)
}

type PairResult struct {
	Pair     model.OrderedPair `json:"pair"`
	Split    model.Split       `json:"split"`
	Accuracy float64           `json:"accuracy"`
	Examples int               `json:"examples"`
	ByShape  map[string]Tally  `json:"by_shape,omitempty"`
	ByColor  map[string]Tally  `json:"by_color,omitempty"`

	// NoMessageAccuracy is set when the evaluator runs the silent baseline.
	NoMessageAccuracy *float64 `json:"no_message_accuracy,omitempty"`
}

type Evaluator struct {
	cfg    Config
	runner *episode.Runner
	data   dataset.Source
}

func New(cfg Config, runner *episode.Runner, data dataset.Source) (*Evaluator, error) {
	if runner == nil || data == nil {
		return nil, fmt.Errorf("runner and dataset are required")
	}
	if cfg.Batches < 0 {
		return nil, model.ConfigErrorf("dev_batches", "must be >= 0, got %d", cfg.Batches)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if len(cfg.Corrupt) > 0 {
		ch := runner.Config().Channel
		if ch.Mode != channel.Binary {
			return nil, model.ConfigErrorf("corrupt_region", "bit flips need binary messages, got %q", ch.Mode)
		}
		if err := validateCorrupt(cfg.Corrupt, ch.MessageDim); err != nil {
			return nil, err
		}
	}
	return &Evaluator{cfg: cfg, runner: runner, data: data}, nil
}

// batches reads the evaluated portion of a split once so concurrent pairs
// see identical data.
func (e *Evaluator) batches(ctx context.Context, split model.Split) ([]model.Batch, error) {
	n := e.data.BatchesPerEpoch(split)
	if e.cfg.Batches > 0 && e.cfg.Batches < n {
		n = e.cfg.Batches
	}
	if n == 0 {
		return nil, fmt.Errorf("%s: %w", split, dataset.ErrEmptySplit)
	}
	e.data.Reset(split)
	out := make([]model.Batch, 0, n)
	for i := 0; i < n; i++ {
		b, err := e.data.NextBatch(ctx, split)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	e.data.Reset(split)
	return out, nil
}

func (e *Evaluator) pairRand(pair model.OrderedPair) *rand.Rand {
	seed := e.cfg.Seed ^ (int64(pair.Speaker)+1)*1_000_003 ^ (int64(pair.Listener)+1)*7_919
	return rand.New(rand.NewSource(seed))
}

func (e *Evaluator) run(ctx context.Context, speaker, listener agent.Agent, split model.Split, batches []model.Batch) (PairResult, error) {
	pair := model.OrderedPair{Speaker: speaker.ID(), Listener: listener.ID()}
	res := PairResult{Pair: pair, Split: split, ByShape: map[string]Tally{}, ByColor: map[string]Tally{}}
	rng := e.pairRand(pair)
	sender := e.speaker(speaker)
	correct, silentCorrect := 0, 0
	for _, batch := range batches {
		out, err := e.runner.Run(ctx, sender, listener, batch, rng, false)
		if err != nil {
			return PairResult{}, fmt.Errorf("evaluate %s on %s: %w", pair, split, err)
		}
		if e.cfg.NoMessage {
			silent, err := e.runner.Run(ctx, silentSpeaker{Agent: speaker}, listener, batch, rng, false)
			if err != nil {
				return PairResult{}, fmt.Errorf("evaluate %s on %s without messages: %w", pair, split, err)
			}
			silentCorrect += countTrue(silent.Correct)
		}
		for i, ex := range batch.Examples {
			hit := out.Correct[i]
			if hit {
				correct++
			}
			if ex.Shape != "" {
				res.ByShape[ex.Shape] = tally(res.ByShape[ex.Shape], hit)
			}
			if ex.Color != "" {
				res.ByColor[ex.Color] = tally(res.ByColor[ex.Color], hit)
			}
		}
		res.Examples += batch.Size()
	}
	if res.Examples > 0 {
		res.Accuracy = float64(correct) / float64(res.Examples)
		if e.cfg.NoMessage {
			acc := float64(silentCorrect) / float64(res.Examples)
			res.NoMessageAccuracy = &acc
		}
	}
	return res, nil
}

func countTrue(xs []bool) int {
	n := 0
	for _, x := range xs {
		if x {
			n++
		}
	}
	return n
}

// Pair evaluates one speaker/listener direction.
func (e *Evaluator) Pair(ctx context.Context, speaker, listener agent.Agent, split model.Split) (PairResult, error) {
	batches, err := e.batches(ctx, split)
	if err != nil {
		return PairResult{}, err
	}
	return e.run(ctx, speaker, listener, split, batches)
}

// Edges evaluates each edge in both directions and reports the mean of the
// two accuracies per unordered pair.
func (e *Evaluator) Edges(ctx context.Context, pop *population.Population, edges []model.Edge, split model.Split) (map[model.PairKey]float64, error) {
	results, err := e.EdgeResults(ctx, pop, edges, split)
	if err != nil {
		return nil, err
	}
	return EdgeMeans(results), nil
}

// EdgeResults evaluates each edge in both directions and returns one result
// per direction.
func (e *Evaluator) EdgeResults(ctx context.Context, pop *population.Population, edges []model.Edge, split model.Split) ([]PairResult, error) {
	pairs := make([]model.OrderedPair, 0, 2*len(edges))
	for _, edge := range edges {
		forward := model.OrderedPair{Speaker: edge.A, Listener: edge.B}
		pairs = append(pairs, forward, forward.Swap())
	}
	return e.evaluatePairs(ctx, pop, pairs, split)
}

// EdgeMeans averages directed results into one accuracy per unordered pair.
func EdgeMeans(results []PairResult) map[model.PairKey]float64 {
	sums := make(map[model.PairKey]float64)
	counts := make(map[model.PairKey]int)
	for _, r := range results {
		key := r.Pair.Key()
		sums[key] += r.Accuracy
		counts[key]++
	}
	out := make(map[model.PairKey]float64, len(sums))
	for key, sum := range sums {
		out[key] = sum / float64(counts[key])
	}
	return out
}

// CrossProduct evaluates every ordered pair in the population.
func (e *Evaluator) CrossProduct(ctx context.Context, pop *population.Population, split model.Split, includeSelf bool) ([]PairResult, error) {
	ids := pop.IDs()
	var pairs []model.OrderedPair
	for _, s := range ids {
		for _, l := range ids {
			if s == l && !includeSelf {
				continue
			}
			pairs = append(pairs, model.OrderedPair{Speaker: s, Listener: l})
		}
	}
	return e.evaluatePairs(ctx, pop, pairs, split)
}

func (e *Evaluator) evaluatePairs(ctx context.Context, pop *population.Population, pairs []model.OrderedPair, split model.Split) ([]PairResult, error) {
	batches, err := e.batches(ctx, split)
	if err != nil {
		return nil, err
	}
	results := make([]PairResult, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, pair := range pairs {
		speaker, ok := pop.Agent(pair.Speaker)
		if !ok {
			return nil, fmt.Errorf("unknown speaker %d", pair.Speaker)
		}
		listener, ok := pop.Agent(pair.Listener)
		if !ok {
			return nil, fmt.Errorf("unknown listener %d", pair.Listener)
		}
		g.Go(func() error {
			res, err := e.run(gctx, speaker, listener, split, batches)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Messages records what the speaker said for every evaluated example.
func (e *Evaluator) Messages(ctx context.Context, runID string, speaker, listener agent.Agent, split model.Split) (model.MessageExport, error) {
	batches, err := e.batches(ctx, split)
	if err != nil {
		return model.MessageExport{}, err
	}
	mode := e.runner.Config().Channel.Mode
	pair := model.OrderedPair{Speaker: speaker.ID(), Listener: listener.ID()}
	export := model.MessageExport{RunID: runID, Pair: pair, Split: split}
	rng := e.pairRand(pair)
	counts := make(map[string]int)
	correct := 0
	for _, batch := range batches {
		out, err := e.runner.Run(ctx, e.speaker(speaker), listener, batch, rng, false)
		if err != nil {
			return model.MessageExport{}, fmt.Errorf("export %s on %s: %w", pair, split, err)
		}
		for i, ex := range batch.Examples {
			msg := append([]float64(nil), out.Messages[i]...)
			export.Messages = append(export.Messages, model.MessageRecord{
				Target:     ex.Target,
				Prediction: out.Predictions[i],
				Message:    msg,
				Text:       ex.Text,
			})
			counts[channel.MessageKey(mode, msg)]++
			if out.Correct[i] {
				correct++
			}
		}
	}
	if n := len(export.Messages); n > 0 {
		export.Accuracy = float64(correct) / float64(n)
		export.DistinctMessages = len(counts)
		export.Entropy = entropyBits(counts, n)
	}
	return export, nil
}

func entropyBits(counts map[string]int, total int) float64 {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := 0.0
	for _, k := range keys {
		p := float64(counts[k]) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

func tally(t Tally, hit bool) Tally {
	t.Total++
	if hit {
		t.Correct++
	}
	return t
}

// MeanNoMessageAccuracy averages the silent baseline over the results that
// carry one.
func MeanNoMessageAccuracy(results []PairResult) (float64, bool) {
	sum, n := 0.0, 0
	for _, r := range results {
		if r.NoMessageAccuracy != nil {
			sum += *r.NoMessageAccuracy
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// MeanAccuracy averages pair results, zero for none.
func MeanAccuracy(results []PairResult) float64 {
	if len(results) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range results {
		sum += r.Accuracy
	}
	return sum / float64(len(results))
}

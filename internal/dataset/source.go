// Package dataset supplies reference-game batches per split.
package dataset

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"

	"commgame/internal/model"
)

var ErrEmptySplit = errors.New("split has no examples")

// Source yields batches. Each epoch visits every example of a split once;
// Reset starts a new epoch.
type Source interface {
	NextBatch(ctx context.Context, split model.Split) (model.Batch, error)
	BatchesPerEpoch(split model.Split) int
	Reset(split model.Split)
}

type StaticConfig struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
}

type splitState struct {
	examples []model.Example
	order    []int
	cursor   int
}

// Static serves fixed example lists held in memory.
type Static struct {
	cfg StaticConfig

	mu     sync.Mutex
	rng    *rand.Rand
	splits map[model.Split]*splitState
}

func NewStatic(cfg StaticConfig, splits map[model.Split][]model.Example) (*Static, error) {
	if cfg.BatchSize <= 0 {
		return nil, model.ConfigErrorf("batch_size", "must be > 0, got %d", cfg.BatchSize)
	}
	s := &Static{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		splits: make(map[model.Split]*splitState, len(splits)),
	}
	// Fixed split order keeps shuffles reproducible.
	for _, split := range []model.Split{model.SplitTrain, model.SplitInDomainDev, model.SplitOutDomainDev} {
		examples, ok := splits[split]
		if !ok {
			continue
		}
		if err := validateExamples(split, examples); err != nil {
			return nil, err
		}
		state := &splitState{examples: examples}
		s.splits[split] = state
		s.resetLocked(split == model.SplitTrain, state)
	}
	for split := range splits {
		if _, ok := s.splits[split]; !ok {
			return nil, fmt.Errorf("unknown split %q", split)
		}
	}
	return s, nil
}

func (s *Static) NextBatch(ctx context.Context, split model.Split) (model.Batch, error) {
	if err := ctx.Err(); err != nil {
		return model.Batch{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.splits[split]
	if !ok || len(state.examples) == 0 {
		return model.Batch{}, fmt.Errorf("%s: %w", split, ErrEmptySplit)
	}
	if state.cursor >= len(state.order) {
		s.resetLocked(split == model.SplitTrain, state)
	}
	end := state.cursor + s.cfg.BatchSize
	if end > len(state.order) {
		end = len(state.order)
	}
	batch := model.Batch{Split: split, Examples: make([]model.Example, 0, end-state.cursor)}
	for _, idx := range state.order[state.cursor:end] {
		batch.Examples = append(batch.Examples, state.examples[idx])
	}
	state.cursor = end
	return batch, nil
}

func (s *Static) BatchesPerEpoch(split model.Split) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.splits[split]
	if !ok {
		return 0
	}
	return (len(state.examples) + s.cfg.BatchSize - 1) / s.cfg.BatchSize
}

func (s *Static) Reset(split model.Split) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.splits[split]; ok {
		s.resetLocked(split == model.SplitTrain, state)
	}
}

func (s *Static) Size(split model.Split) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.splits[split]; ok {
		return len(state.examples)
	}
	return 0
}

// resetLocked rewinds a split. Only the train split is shuffled; dev splits
// keep file order so evaluations are comparable.
func (s *Static) resetLocked(shuffle bool, state *splitState) {
	state.cursor = 0
	if len(state.order) != len(state.examples) {
		state.order = make([]int, len(state.examples))
	}
	for i := range state.order {
		state.order[i] = i
	}
	if shuffle && s.cfg.Shuffle {
		s.rng.Shuffle(len(state.order), func(i, j int) {
			state.order[i], state.order[j] = state.order[j], state.order[i]
		})
	}
}

func validateExamples(split model.Split, examples []model.Example) error {
	for i, ex := range examples {
		if len(ex.Candidates) == 0 {
			return fmt.Errorf("%s example %d: no candidates", split, i)
		}
		if ex.Target < 0 || ex.Target >= len(ex.Candidates) {
			return fmt.Errorf("%s example %d: target %d out of range", split, i, ex.Target)
		}
	}
	return nil
}

// LoadJSONL reads one JSON-encoded example per line.
func LoadJSONL(r io.Reader) ([]model.Example, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var out []model.Example
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ex model.Example
		if err := json.Unmarshal(raw, &ex); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

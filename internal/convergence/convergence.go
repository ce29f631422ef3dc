// Package convergence tracks population-wide pairwise accuracy and decides
// when the population has agreed on a protocol.
package convergence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"commgame/internal/model"
	"commgame/internal/nn"
)

const DefaultThreshold = 0.75

// AccuracyMatrix holds the most recent evaluation accuracy per unordered pair.
// The monitor is its only writer.
type AccuracyMatrix struct {
	mu      sync.RWMutex
	entries map[model.PairKey]float64
}

func NewAccuracyMatrix() *AccuracyMatrix {
	return &AccuracyMatrix{entries: make(map[model.PairKey]float64)}
}

func (m *AccuracyMatrix) Set(key model.PairKey, accuracy float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[model.NewPairKey(key.Low, key.High)] = accuracy
}

func (m *AccuracyMatrix) Get(a, b model.AgentID) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[model.NewPairKey(a, b)]
	return v, ok
}

func (m *AccuracyMatrix) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Mean is zero for an empty matrix.
func (m *AccuracyMatrix) Mean() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range m.entries {
		sum += v
	}
	return sum / float64(len(m.entries))
}

// Entries lists pairs in ascending key order.
func (m *AccuracyMatrix) Entries() []model.PairAccuracy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.PairAccuracy, 0, len(m.entries))
	for k, v := range m.entries {
		out = append(out, model.PairAccuracy{Pair: k, Accuracy: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pair.Low != out[j].Pair.Low {
			return out[i].Pair.Low < out[j].Pair.Low
		}
		return out[i].Pair.High < out[j].Pair.High
	})
	return out
}

func (m *AccuracyMatrix) Snapshot(runID string, step int) model.AccuracySnapshot {
	return model.AccuracySnapshot{RunID: runID, Step: step, Mean: m.Mean(), Entries: m.Entries()}
}

type Status struct {
	Step      int
	Mean      float64
	Pairs     int
	Converged bool
}

// EvalFunc evaluates every listed edge and returns accuracy per pair.
type EvalFunc func(ctx context.Context, edges []model.Edge) (map[model.PairKey]float64, error)

type Monitor struct {
	Threshold float64
	Interval  int

	matrix *AccuracyMatrix
}

func NewMonitor(threshold float64, interval int) (*Monitor, error) {
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if threshold < 0 || threshold > 1 || !nn.IsFinite(threshold) {
		return nil, model.ConfigErrorf("convergence_threshold", "must be in (0,1], got %v", threshold)
	}
	if interval < 0 {
		return nil, model.ConfigErrorf("check_accuracy_interval", "must be >= 0, got %d", interval)
	}
	return &Monitor{Threshold: threshold, Interval: interval, matrix: NewAccuracyMatrix()}, nil
}

// Applicable reports whether convergence-based termination applies: it needs
// at least three agents outside pair mode.
func Applicable(mode model.Mode, numAgents int) bool {
	return mode != model.ModePair && numAgents >= 3
}

// Due reports whether a check is scheduled after the given 1-based step.
func (m *Monitor) Due(step int) bool {
	return m.Interval > 0 && step > 0 && step%m.Interval == 0
}

func (m *Monitor) Matrix() *AccuracyMatrix {
	return m.matrix
}

// Check evaluates every current edge, records the results and reports
// convergence exactly when the mean pairwise accuracy reaches the threshold.
func (m *Monitor) Check(ctx context.Context, step int, edges []model.Edge, eval EvalFunc) (Status, error) {
	if len(edges) == 0 {
		return Status{}, fmt.Errorf("no edges to check")
	}
	results, err := eval(ctx, edges)
	if err != nil {
		return Status{}, fmt.Errorf("evaluate pairs at step %d: %w", step, err)
	}
	for _, e := range edges {
		acc, ok := results[e.Key()]
		if !ok {
			return Status{}, fmt.Errorf("missing accuracy for pair %s", e.Key())
		}
		m.matrix.Set(e.Key(), acc)
	}
	mean := m.matrix.Mean()
	return Status{
		Step:      step,
		Mean:      mean,
		Pairs:     m.matrix.Len(),
		Converged: mean >= m.Threshold,
	}, nil
}

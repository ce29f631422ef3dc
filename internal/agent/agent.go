package agent

import (
	"fmt"
	"math/rand"

	"commgame/internal/model"
)

// Param is one named parameter tensor, flattened, with its gradient buffer.
type Param struct {
	Name  string
	Value []float64
	Grad  []float64
}

func NewParam(name string, size int) *Param {
	return &Param{Name: name, Value: make([]float64, size), Grad: make([]float64, size)}
}

func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Agent is the capability a network must offer to play the reference game.
// Any role can be taken by any agent.
type Agent interface {
	ID() model.AgentID
	EmitMessage(descriptions [][]float64, opts EmitOptions) (MessageTrace, error)
	SelectCandidate(messages [][]float64, candidates [][][]float64) (SelectionTrace, error)
	Parameters() []*Param
}

type EmitOptions struct {
	Rand *rand.Rand
	// Greedy emits the mode of the message distribution instead of sampling.
	Greedy bool
}

// MessageTrace is the recorded speaker step for one batch. Backward methods
// accumulate into the speaker's parameter gradients.
type MessageTrace interface {
	Messages() [][]float64
	LogProbs() []float64
	Entropies() []float64
	// BackwardLogProb accumulates sum_i coef[i] * grad log p(m_i).
	BackwardLogProb(coef []float64) error
	// BackwardEntropy accumulates coef * sum_i grad H_i.
	BackwardEntropy(coef float64)
	// BackwardMessage accumulates the direct path given dL/dm per example.
	BackwardMessage(grad [][]float64) error
}

// SelectionTrace is the recorded listener step for one batch.
type SelectionTrace interface {
	Probs() [][]float64
	// BackwardLogLikelihood accumulates sum_i coef[i] * grad log pi_i(choices[i]).
	BackwardLogLikelihood(choices []int, coef []float64) error
	BackwardEntropy(coef float64)
	// MessageGrad is the gradient accumulated so far with respect to the
	// received messages.
	MessageGrad() [][]float64
}

type Factory func(id model.AgentID, rng *rand.Rand) (Agent, error)

func ZeroGrad(a Agent) {
	for _, p := range a.Parameters() {
		p.ZeroGrad()
	}
}

// Snapshot copies every parameter value keyed by name.
func Snapshot(a Agent) map[string][]float64 {
	params := a.Parameters()
	out := make(map[string][]float64, len(params))
	for _, p := range params {
		out[p.Name] = append([]float64(nil), p.Value...)
	}
	return out
}

// Restore overwrites parameter values from a snapshot. Shapes must match.
func Restore(a Agent, values map[string][]float64) error {
	for _, p := range a.Parameters() {
		v, ok := values[p.Name]
		if !ok {
			return fmt.Errorf("agent %d: missing parameter %s", a.ID(), p.Name)
		}
		if len(v) != len(p.Value) {
			return fmt.Errorf("agent %d: parameter %s size mismatch: got=%d want=%d", a.ID(), p.Name, len(v), len(p.Value))
		}
		copy(p.Value, v)
		p.ZeroGrad()
	}
	return nil
}

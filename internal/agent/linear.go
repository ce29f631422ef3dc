package agent

import (
	"fmt"
	"math"
	"math/rand"

	"commgame/internal/channel"
	"commgame/internal/model"
	"commgame/internal/nn"
)

type LinearConfig struct {
	DescriptionDim int
	FeatureDim     int
	Channel        channel.Config
	InitScale      float64
}

// Linear is the reference agent. The speaker maps a description to message
// logits with one affine layer; the listener projects the message into
// feature space and scores each candidate by dot product.
//
// Forward passes only read parameters, so concurrent evaluation is safe.
type Linear struct {
	id  model.AgentID
	cfg LinearConfig

	speakerW  *Param // MessageDim x DescriptionDim
	speakerB  *Param
	listenerW *Param // FeatureDim x MessageDim
	listenerB *Param
}

func NewLinear(id model.AgentID, cfg LinearConfig, rng *rand.Rand) (*Linear, error) {
	if cfg.DescriptionDim <= 0 {
		return nil, fmt.Errorf("description dim must be > 0")
	}
	if cfg.FeatureDim <= 0 {
		return nil, fmt.Errorf("feature dim must be > 0")
	}
	if err := cfg.Channel.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		return nil, fmt.Errorf("random source is required")
	}
	if cfg.InitScale <= 0 {
		cfg.InitScale = 0.1
	}
	m := cfg.Channel.MessageDim
	a := &Linear{
		id:        id,
		cfg:       cfg,
		speakerW:  NewParam("speaker.w", m*cfg.DescriptionDim),
		speakerB:  NewParam("speaker.b", m),
		listenerW: NewParam("listener.w", cfg.FeatureDim*m),
		listenerB: NewParam("listener.b", cfg.FeatureDim),
	}
	for _, p := range []*Param{a.speakerW, a.listenerW} {
		for i := range p.Value {
			p.Value[i] = rng.NormFloat64() * cfg.InitScale
		}
	}
	return a, nil
}

// LinearFactory builds agents sharing one configuration.
func LinearFactory(cfg LinearConfig) Factory {
	return func(id model.AgentID, rng *rand.Rand) (Agent, error) {
		return NewLinear(id, cfg, rng)
	}
}

func (a *Linear) ID() model.AgentID {
	return a.id
}

func (a *Linear) Parameters() []*Param {
	return []*Param{a.speakerW, a.speakerB, a.listenerW, a.listenerB}
}

func (a *Linear) EmitMessage(descriptions [][]float64, opts EmitOptions) (MessageTrace, error) {
	if !opts.Greedy && opts.Rand == nil {
		return nil, fmt.Errorf("agent %d: random source is required for sampling", a.id)
	}
	m := a.cfg.Channel.MessageDim
	d := a.cfg.DescriptionDim
	trace := &linearMessageTrace{
		agent:        a,
		descriptions: descriptions,
		policies:     make([]channel.Policy, len(descriptions)),
		messages:     make([][]float64, len(descriptions)),
		logProbs:     make([]float64, len(descriptions)),
		entropies:    make([]float64, len(descriptions)),
	}
	for i, desc := range descriptions {
		if len(desc) != d {
			return nil, fmt.Errorf("agent %d: description %d has dim %d, want %d", a.id, i, len(desc), d)
		}
		logits := make([]float64, m)
		for j := 0; j < m; j++ {
			logits[j] = nn.Dot(a.speakerW.Value[j*d:(j+1)*d], desc) + a.speakerB.Value[j]
		}
		policy := channel.NewPolicy(a.cfg.Channel.Mode, a.cfg.Channel.Sigma, logits)
		var msg []float64
		if opts.Greedy {
			msg = policy.Greedy()
		} else {
			msg = policy.Sample(opts.Rand)
		}
		trace.policies[i] = policy
		trace.messages[i] = msg
		trace.logProbs[i] = policy.LogProb(msg)
		trace.entropies[i] = policy.Entropy()
	}
	return trace, nil
}

func (a *Linear) SelectCandidate(messages [][]float64, candidates [][][]float64) (SelectionTrace, error) {
	if len(messages) != len(candidates) {
		return nil, fmt.Errorf("agent %d: %d messages for %d candidate sets", a.id, len(messages), len(candidates))
	}
	m := a.cfg.Channel.MessageDim
	f := a.cfg.FeatureDim
	trace := &linearSelectionTrace{
		agent:      a,
		messages:   messages,
		candidates: candidates,
		probs:      make([][]float64, len(messages)),
		msgGrad:    make([][]float64, len(messages)),
	}
	for i, msg := range messages {
		if len(msg) != m {
			return nil, fmt.Errorf("agent %d: message %d has dim %d, want %d", a.id, i, len(msg), m)
		}
		if len(candidates[i]) == 0 {
			return nil, fmt.Errorf("agent %d: example %d has no candidates", a.id, i)
		}
		u := make([]float64, f)
		for r := 0; r < f; r++ {
			u[r] = nn.Dot(a.listenerW.Value[r*m:(r+1)*m], msg) + a.listenerB.Value[r]
		}
		scores := make([]float64, len(candidates[i]))
		for k, cand := range candidates[i] {
			if len(cand) != f {
				return nil, fmt.Errorf("agent %d: candidate %d/%d has dim %d, want %d", a.id, i, k, len(cand), f)
			}
			scores[k] = nn.Dot(cand, u)
		}
		trace.probs[i] = nn.Softmax(scores)
		trace.msgGrad[i] = make([]float64, m)
	}
	return trace, nil
}

type linearMessageTrace struct {
	agent        *Linear
	descriptions [][]float64
	policies     []channel.Policy
	messages     [][]float64
	logProbs     []float64
	entropies    []float64
}

func (t *linearMessageTrace) Messages() [][]float64 { return t.messages }
func (t *linearMessageTrace) LogProbs() []float64   { return t.logProbs }
func (t *linearMessageTrace) Entropies() []float64  { return t.entropies }

func (t *linearMessageTrace) BackwardLogProb(coef []float64) error {
	if len(coef) != len(t.policies) {
		return fmt.Errorf("coefficient count %d does not match batch %d", len(coef), len(t.policies))
	}
	for i, policy := range t.policies {
		if coef[i] == 0 {
			continue
		}
		t.accumulateLogits(i, policy.GradLogProb(t.messages[i]), coef[i])
	}
	return nil
}

func (t *linearMessageTrace) BackwardEntropy(coef float64) {
	if coef == 0 {
		return
	}
	for i, policy := range t.policies {
		t.accumulateLogits(i, policy.GradEntropy(), coef)
	}
}

func (t *linearMessageTrace) BackwardMessage(grad [][]float64) error {
	if len(grad) != len(t.policies) {
		return fmt.Errorf("message gradient count %d does not match batch %d", len(grad), len(t.policies))
	}
	for i, policy := range t.policies {
		t.accumulateLogits(i, policy.BackwardMessage(grad[i]), 1)
	}
	return nil
}

func (t *linearMessageTrace) accumulateLogits(i int, dz []float64, scale float64) {
	d := t.agent.cfg.DescriptionDim
	desc := t.descriptions[i]
	w := t.agent.speakerW.Grad
	b := t.agent.speakerB.Grad
	for j, g := range dz {
		g *= scale
		b[j] += g
		row := w[j*d : (j+1)*d]
		for k, x := range desc {
			row[k] += g * x
		}
	}
}

type linearSelectionTrace struct {
	agent      *Linear
	messages   [][]float64
	candidates [][][]float64
	probs      [][]float64
	msgGrad    [][]float64
}

func (t *linearSelectionTrace) Probs() [][]float64       { return t.probs }
func (t *linearSelectionTrace) MessageGrad() [][]float64 { return t.msgGrad }

func (t *linearSelectionTrace) BackwardLogLikelihood(choices []int, coef []float64) error {
	if len(choices) != len(t.probs) || len(coef) != len(t.probs) {
		return fmt.Errorf("choices/coefficients do not match batch %d", len(t.probs))
	}
	for i, probs := range t.probs {
		c := choices[i]
		if c < 0 || c >= len(probs) {
			return fmt.Errorf("choice %d out of range for example %d", c, i)
		}
		if coef[i] == 0 {
			continue
		}
		ds := make([]float64, len(probs))
		for k, p := range probs {
			ds[k] = -p * coef[i]
		}
		ds[c] += coef[i]
		t.accumulateScores(i, ds)
	}
	return nil
}

func (t *linearSelectionTrace) BackwardEntropy(coef float64) {
	if coef == 0 {
		return
	}
	for i, probs := range t.probs {
		h := 0.0
		for _, p := range probs {
			if p > 0 {
				h -= p * math.Log(p)
			}
		}
		ds := make([]float64, len(probs))
		for k, p := range probs {
			if p > 0 {
				ds[k] = -p * (math.Log(p) + h) * coef
			}
		}
		t.accumulateScores(i, ds)
	}
}

// accumulateScores back-propagates dL/ds for example i into the listener
// parameters and the message gradient.
func (t *linearSelectionTrace) accumulateScores(i int, ds []float64) {
	m := t.agent.cfg.Channel.MessageDim
	f := t.agent.cfg.FeatureDim
	du := make([]float64, f)
	for k, g := range ds {
		if g == 0 {
			continue
		}
		for r, x := range t.candidates[i][k] {
			du[r] += g * x
		}
	}
	msg := t.messages[i]
	w := t.agent.listenerW
	for r, g := range du {
		if g == 0 {
			continue
		}
		t.agent.listenerB.Grad[r] += g
		row := w.Value[r*m : (r+1)*m]
		gradRow := w.Grad[r*m : (r+1)*m]
		for j := 0; j < m; j++ {
			gradRow[j] += g * msg[j]
			t.msgGrad[i][j] += g * row[j]
		}
	}
}

package optim

import (
	"fmt"
	"math"
	"strings"

	"commgame/internal/agent"
	"commgame/internal/model"
	"commgame/internal/nn"
)

const (
	KindSGD     = "sgd"
	KindAdam    = "adam"
	KindRMSprop = "rmsprop"
)

// Optimizer applies one update from the accumulated gradients. Each agent owns
// its own optimizer and the state it keeps.
type Optimizer interface {
	Name() string
	Step(params []*agent.Param)
	State() model.OptimizerState
	LoadState(state model.OptimizerState) error
}

// Factory returns a fresh optimizer for one agent.
type Factory func() Optimizer

func NewFactory(kind string, lr float64) (Factory, error) {
	if lr <= 0 || !nn.IsFinite(lr) {
		return nil, model.ConfigErrorf("learning_rate", "must be a finite value > 0, got %v", lr)
	}
	switch strings.ToLower(kind) {
	case KindSGD, "":
		return func() Optimizer { return &SGD{LR: lr} }, nil
	case KindAdam:
		return func() Optimizer { return NewAdam(lr) }, nil
	case KindRMSprop:
		return func() Optimizer { return NewRMSprop(lr) }, nil
	default:
		return nil, model.ConfigErrorf("optim_type", "unsupported optimizer %q", kind)
	}
}

type SGD struct {
	LR    float64
	steps int
}

func (o *SGD) Name() string { return KindSGD }

func (o *SGD) Step(params []*agent.Param) {
	o.steps++
	for _, p := range params {
		for i, g := range p.Grad {
			p.Value[i] -= o.LR * g
		}
	}
}

func (o *SGD) State() model.OptimizerState {
	return model.OptimizerState{Kind: KindSGD, StepNum: o.steps}
}

func (o *SGD) LoadState(state model.OptimizerState) error {
	if state.Kind != KindSGD {
		return fmt.Errorf("optimizer state kind %q does not match %q", state.Kind, KindSGD)
	}
	o.steps = state.StepNum
	return nil
}

type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	steps int
	m     map[string][]float64
	v     map[string][]float64
}

func NewAdam(lr float64) *Adam {
	return &Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

func (o *Adam) Name() string { return KindAdam }

func (o *Adam) Step(params []*agent.Param) {
	if o.m == nil {
		o.m = make(map[string][]float64)
		o.v = make(map[string][]float64)
	}
	o.steps++
	c1 := 1 - math.Pow(o.Beta1, float64(o.steps))
	c2 := 1 - math.Pow(o.Beta2, float64(o.steps))
	for _, p := range params {
		m := slot(o.m, p)
		v := slot(o.v, p)
		for i, g := range p.Grad {
			m[i] = o.Beta1*m[i] + (1-o.Beta1)*g
			v[i] = o.Beta2*v[i] + (1-o.Beta2)*g*g
			p.Value[i] -= o.LR * (m[i] / c1) / (math.Sqrt(v[i]/c2) + o.Eps)
		}
	}
}

func (o *Adam) State() model.OptimizerState {
	slots := make(map[string][]float64, 2*len(o.m))
	for name, m := range o.m {
		slots["m."+name] = append([]float64(nil), m...)
	}
	for name, v := range o.v {
		slots["v."+name] = append([]float64(nil), v...)
	}
	return model.OptimizerState{Kind: KindAdam, StepNum: o.steps, Slots: slots}
}

func (o *Adam) LoadState(state model.OptimizerState) error {
	if state.Kind != KindAdam {
		return fmt.Errorf("optimizer state kind %q does not match %q", state.Kind, KindAdam)
	}
	o.steps = state.StepNum
	o.m = make(map[string][]float64)
	o.v = make(map[string][]float64)
	for key, values := range state.Slots {
		switch {
		case strings.HasPrefix(key, "m."):
			o.m[strings.TrimPrefix(key, "m.")] = append([]float64(nil), values...)
		case strings.HasPrefix(key, "v."):
			o.v[strings.TrimPrefix(key, "v.")] = append([]float64(nil), values...)
		default:
			return fmt.Errorf("unknown adam slot %q", key)
		}
	}
	return nil
}

type RMSprop struct {
	LR    float64
	Alpha float64
	Eps   float64

	steps int
	sq    map[string][]float64
}

func NewRMSprop(lr float64) *RMSprop {
	return &RMSprop{LR: lr, Alpha: 0.99, Eps: 1e-8}
}

func (o *RMSprop) Name() string { return KindRMSprop }

func (o *RMSprop) Step(params []*agent.Param) {
	if o.sq == nil {
		o.sq = make(map[string][]float64)
	}
	o.steps++
	for _, p := range params {
		sq := slot(o.sq, p)
		for i, g := range p.Grad {
			sq[i] = o.Alpha*sq[i] + (1-o.Alpha)*g*g
			p.Value[i] -= o.LR * g / (math.Sqrt(sq[i]) + o.Eps)
		}
	}
}

func (o *RMSprop) State() model.OptimizerState {
	slots := make(map[string][]float64, len(o.sq))
	for name, sq := range o.sq {
		slots[name] = append([]float64(nil), sq...)
	}
	return model.OptimizerState{Kind: KindRMSprop, StepNum: o.steps, Slots: slots}
}

func (o *RMSprop) LoadState(state model.OptimizerState) error {
	if state.Kind != KindRMSprop {
		return fmt.Errorf("optimizer state kind %q does not match %q", state.Kind, KindRMSprop)
	}
	o.steps = state.StepNum
	o.sq = make(map[string][]float64, len(state.Slots))
	for name, values := range state.Slots {
		o.sq[name] = append([]float64(nil), values...)
	}
	return nil
}

func slot(slots map[string][]float64, p *agent.Param) []float64 {
	s, ok := slots[p.Name]
	if !ok || len(s) != len(p.Value) {
		s = make([]float64, len(p.Value))
		slots[p.Name] = s
	}
	return s
}

// ClipGradNorm rescales gradients so their global L2 norm is at most maxNorm
// and returns the norm before clipping. maxNorm <= 0 disables clipping.
func ClipGradNorm(params []*agent.Param, maxNorm float64) float64 {
	sum := 0.0
	for _, p := range params {
		for _, g := range p.Grad {
			sum += g * g
		}
	}
	norm := math.Sqrt(sum)
	if maxNorm <= 0 || norm <= maxNorm || !nn.IsFinite(norm) {
		return norm
	}
	scale := maxNorm / (norm + 1e-6)
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= scale
		}
	}
	return norm
}

func GradsFinite(params []*agent.Param) bool {
	for _, p := range params {
		if !nn.AllFinite(p.Grad) {
			return false
		}
	}
	return true
}

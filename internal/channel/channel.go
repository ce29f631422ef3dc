// Package channel implements the stochastic message-emission step shared by
// every speaker: sampling, log-probability, entropy, and the derivatives the
// policy-gradient and direct estimators need.
package channel

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"commgame/internal/model"
	"commgame/internal/nn"
)

type Mode string

const (
	Continuous Mode = "continuous"
	Discrete   Mode = "discrete"
	Binary     Mode = "binary"
)

// Estimator selects how credit reaches the speaker through the channel. It is
// fixed per configuration.
type Estimator string

const (
	PolicyGradient Estimator = "policy_gradient"
	Direct         Estimator = "direct"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case Continuous:
		return Continuous, nil
	case Discrete, "categorical":
		return Discrete, nil
	case Binary, "":
		return Binary, nil
	default:
		return "", model.ConfigErrorf("message_type", "unsupported channel mode %q", s)
	}
}

func ParseEstimator(s string) (Estimator, error) {
	switch Estimator(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyGradient, "reinforce", "":
		return PolicyGradient, nil
	case Direct, "straight_through":
		return Direct, nil
	default:
		return "", model.ConfigErrorf("estimator", "unsupported estimator %q", s)
	}
}

type Config struct {
	Mode       Mode
	Estimator  Estimator
	MessageDim int
	// Sigma is the Gaussian noise scale of the continuous channel. Zero makes
	// the channel deterministic.
	Sigma float64
}

func (c Config) Validate() error {
	if c.MessageDim <= 0 {
		return model.ConfigErrorf("m_dim", "message dimension must be > 0, got %d", c.MessageDim)
	}
	switch c.Mode {
	case Continuous, Discrete, Binary:
	default:
		return model.ConfigErrorf("message_type", "unsupported channel mode %q", c.Mode)
	}
	switch c.Estimator {
	case PolicyGradient, Direct:
	default:
		return model.ConfigErrorf("estimator", "unsupported estimator %q", c.Estimator)
	}
	if c.Sigma < 0 || !nn.IsFinite(c.Sigma) {
		return model.ConfigErrorf("sigma", "must be a finite value >= 0, got %v", c.Sigma)
	}
	if c.Mode == Continuous && c.Sigma == 0 && c.Estimator == PolicyGradient {
		return model.ConfigErrorf("estimator", "deterministic continuous channel has no sampling distribution; use %q", Direct)
	}
	return nil
}

// Policy is the message distribution for one example, parameterised by the
// speaker's logits z.
type Policy struct {
	mode   Mode
	sigma  float64
	logits []float64
	// probs holds p (binary), q (discrete) or mu (continuous).
	probs []float64
}

func NewPolicy(mode Mode, sigma float64, logits []float64) Policy {
	p := Policy{mode: mode, sigma: sigma, logits: logits}
	switch mode {
	case Discrete:
		p.probs = nn.Softmax(logits)
	case Continuous:
		p.probs = make([]float64, len(logits))
		for i, z := range logits {
			p.probs[i] = math.Tanh(z)
		}
	default:
		p.probs = make([]float64, len(logits))
		for i, z := range logits {
			p.probs[i] = nn.Sigmoid(z)
		}
	}
	return p
}

func (p Policy) Mode() Mode {
	return p.mode
}

// Probs returns the per-dimension distribution parameters.
func (p Policy) Probs() []float64 {
	out := make([]float64, len(p.probs))
	copy(out, p.probs)
	return out
}

func (p Policy) Sample(rng *rand.Rand) []float64 {
	msg := make([]float64, len(p.probs))
	switch p.mode {
	case Discrete:
		msg[SampleIndex(rng, p.probs)] = 1
	case Continuous:
		for i, mu := range p.probs {
			msg[i] = mu
			if p.sigma > 0 {
				msg[i] += p.sigma * rng.NormFloat64()
			}
		}
	default:
		for i, prob := range p.probs {
			if rng.Float64() < prob {
				msg[i] = 1
			}
		}
	}
	return msg
}

// Greedy returns the mode of the distribution, used for evaluation.
func (p Policy) Greedy() []float64 {
	msg := make([]float64, len(p.probs))
	switch p.mode {
	case Discrete:
		msg[nn.Argmax(p.probs)] = 1
	case Continuous:
		copy(msg, p.probs)
	default:
		for i, prob := range p.probs {
			if prob >= 0.5 {
				msg[i] = 1
			}
		}
	}
	return msg
}

func (p Policy) LogProb(msg []float64) float64 {
	switch p.mode {
	case Discrete:
		return nn.LogSoftmax(p.logits)[nn.Argmax(msg)]
	case Continuous:
		if p.sigma == 0 {
			return 0
		}
		sum := 0.0
		for i, mu := range p.probs {
			d := msg[i] - mu
			sum += -(d*d)/(2*p.sigma*p.sigma) - math.Log(p.sigma) - 0.5*math.Log(2*math.Pi)
		}
		return sum
	default:
		sum := 0.0
		for i, z := range p.logits {
			// log p = -softplus(-z), log(1-p) = -softplus(z)
			if msg[i] > 0.5 {
				sum -= softplus(-z)
			} else {
				sum -= softplus(z)
			}
		}
		return sum
	}
}

// Entropy is the Shannon entropy in nats. The binary channel counts both
// sides of every bit.
func (p Policy) Entropy() float64 {
	switch p.mode {
	case Discrete:
		logq := nn.LogSoftmax(p.logits)
		h := 0.0
		for i, q := range p.probs {
			h -= q * logq[i]
		}
		return h
	case Continuous:
		if p.sigma == 0 {
			return 0
		}
		return float64(len(p.probs)) * 0.5 * math.Log(2*math.Pi*math.E*p.sigma*p.sigma)
	default:
		h := 0.0
		for i, z := range p.logits {
			prob := p.probs[i]
			h += prob*softplus(-z) + (1-prob)*softplus(z)
		}
		return h
	}
}

// GradLogProb returns d log p(msg) / dz.
func (p Policy) GradLogProb(msg []float64) []float64 {
	grad := make([]float64, len(p.probs))
	switch p.mode {
	case Discrete:
		k := nn.Argmax(msg)
		for i, q := range p.probs {
			grad[i] = -q
		}
		grad[k]++
	case Continuous:
		if p.sigma == 0 {
			return grad
		}
		for i, mu := range p.probs {
			grad[i] = (msg[i] - mu) / (p.sigma * p.sigma) * (1 - mu*mu)
		}
	default:
		for i, prob := range p.probs {
			grad[i] = msg[i] - prob
		}
	}
	return grad
}

// GradEntropy returns dH / dz.
func (p Policy) GradEntropy() []float64 {
	grad := make([]float64, len(p.probs))
	switch p.mode {
	case Discrete:
		h := p.Entropy()
		logq := nn.LogSoftmax(p.logits)
		for i, q := range p.probs {
			grad[i] = -q * (logq[i] + h)
		}
	case Continuous:
	default:
		for i, prob := range p.probs {
			grad[i] = -p.logits[i] * prob * (1 - prob)
		}
	}
	return grad
}

// BackwardMessage maps dL/dm onto dL/dz for the direct estimator:
// reparameterised for the continuous channel, straight-through otherwise.
func (p Policy) BackwardMessage(gradMsg []float64) []float64 {
	grad := make([]float64, len(p.probs))
	switch p.mode {
	case Discrete:
		mean := nn.Dot(p.probs, gradMsg)
		for i, q := range p.probs {
			grad[i] = q * (gradMsg[i] - mean)
		}
	case Continuous:
		for i, mu := range p.probs {
			grad[i] = gradMsg[i] * (1 - mu*mu)
		}
	default:
		for i, prob := range p.probs {
			grad[i] = gradMsg[i] * prob * (1 - prob)
		}
	}
	return grad
}

// SampleIndex draws an index from a categorical distribution.
func SampleIndex(rng *rand.Rand, probs []float64) int {
	u := rng.Float64()
	acc := 0.0
	for i, prob := range probs {
		acc += prob
		if u < acc {
			return i
		}
	}
	return len(probs) - 1
}

// MessageKey renders a message as a stable string for counting distinct
// messages. Continuous messages are rounded to two decimals.
func MessageKey(mode Mode, msg []float64) string {
	var b strings.Builder
	switch mode {
	case Continuous:
		for i, v := range msg {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%.2f", v)
		}
	case Discrete:
		fmt.Fprintf(&b, "%d", nn.Argmax(msg))
	default:
		for _, v := range msg {
			if v > 0.5 {
				b.WriteByte('1')
			} else {
				b.WriteByte('0')
			}
		}
	}
	return b.String()
}

func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	if x < -30 {
		return math.Exp(x)
	}
	return math.Log1p(math.Exp(x))
}

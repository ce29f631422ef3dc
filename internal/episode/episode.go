// Package episode plays one batch of the reference game between a speaker and
// a listener and, when training, accumulates the REINFORCE, likelihood and
// entropy gradients into both agents.
package episode

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"

	"commgame/internal/agent"
	"commgame/internal/channel"
	"commgame/internal/model"
	"commgame/internal/nn"
	"commgame/internal/optim"
)

type RewardType string

const (
	RewardBinary      RewardType = "binary"
	RewardProbability RewardType = "probability"
)

type ListenerObjective string

const (
	ObjectiveNLL       ListenerObjective = "nll"
	ObjectiveReinforce ListenerObjective = "reinforce"
)

type BaselineKind string

const (
	BaselineMovingAverage BaselineKind = "moving_average"
	BaselineBatchMean     BaselineKind = "batch_mean"
	BaselineNone          BaselineKind = "none"
)

type Config struct {
	Channel channel.Config

	TopKTrain int
	TopKEval  int

	SpeakerEntropyWeight  float64
	ListenerEntropyWeight float64

	RewardType         RewardType
	Cooperative        bool
	ListenerObjective  ListenerObjective
	NormalizeAdvantage bool
	RLWeight           float64
	NLLWeight          float64

	Baseline      BaselineKind
	BaselineDecay float64
}

func DefaultConfig() Config {
	return Config{
		Channel:           channel.Config{Mode: channel.Binary, Estimator: channel.PolicyGradient, MessageDim: 8},
		TopKTrain:         1,
		TopKEval:          1,
		RewardType:        RewardBinary,
		Cooperative:       true,
		ListenerObjective: ObjectiveNLL,
		RLWeight:          1,
		NLLWeight:         1,
		Baseline:          BaselineMovingAverage,
		BaselineDecay:     0.99,
	}
}

func ParseRewardType(raw string) (RewardType, error) {
	switch RewardType(strings.ToLower(strings.TrimSpace(raw))) {
	case "", RewardBinary:
		return RewardBinary, nil
	case RewardProbability:
		return RewardProbability, nil
	default:
		return "", model.ConfigErrorf("reward_type", "unsupported reward type %q", raw)
	}
}

func ParseListenerObjective(raw string) (ListenerObjective, error) {
	switch ListenerObjective(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ObjectiveNLL:
		return ObjectiveNLL, nil
	case ObjectiveReinforce:
		return ObjectiveReinforce, nil
	default:
		return "", model.ConfigErrorf("listener_objective", "unsupported listener objective %q", raw)
	}
}

func ParseBaseline(raw string) (BaselineKind, error) {
	switch BaselineKind(strings.ToLower(strings.TrimSpace(raw))) {
	case "", BaselineMovingAverage:
		return BaselineMovingAverage, nil
	case BaselineBatchMean:
		return BaselineBatchMean, nil
	case BaselineNone:
		return BaselineNone, nil
	default:
		return "", model.ConfigErrorf("baseline", "unsupported baseline %q", raw)
	}
}

func (c Config) Validate() error {
	if err := c.Channel.Validate(); err != nil {
		return err
	}
	if c.TopKTrain < 1 {
		return model.ConfigErrorf("top_k_train", "must be >= 1, got %d", c.TopKTrain)
	}
	if c.TopKEval < 1 {
		return model.ConfigErrorf("top_k_dev", "must be >= 1, got %d", c.TopKEval)
	}
	for name, w := range map[string]float64{
		"entropy_agent1": c.SpeakerEntropyWeight,
		"entropy_agent2": c.ListenerEntropyWeight,
		"rl_weight":      c.RLWeight,
		"nll_weight":     c.NLLWeight,
	} {
		if w < 0 || !nn.IsFinite(w) {
			return model.ConfigErrorf(name, "must be a finite value >= 0, got %v", w)
		}
	}
	switch c.RewardType {
	case RewardBinary, RewardProbability:
	default:
		return model.ConfigErrorf("reward_type", "unsupported reward type %q", c.RewardType)
	}
	switch c.ListenerObjective {
	case ObjectiveNLL, ObjectiveReinforce:
	default:
		return model.ConfigErrorf("listener_objective", "unsupported listener objective %q", c.ListenerObjective)
	}
	switch c.Baseline {
	case BaselineMovingAverage, BaselineBatchMean, BaselineNone:
	default:
		return model.ConfigErrorf("baseline", "unsupported baseline %q", c.Baseline)
	}
	if c.Baseline == BaselineMovingAverage && (c.BaselineDecay < 0 || c.BaselineDecay >= 1) {
		return model.ConfigErrorf("baseline_decay", "must be in [0,1), got %v", c.BaselineDecay)
	}
	if c.Channel.Estimator == channel.Direct && c.ListenerObjective != ObjectiveNLL {
		return model.ConfigErrorf("estimator", "direct estimator needs the listener's %q objective", ObjectiveNLL)
	}
	return nil
}

type Result struct {
	Pair         model.OrderedPair
	Rewards      []float64
	Accuracy     float64
	SpeakerLoss  float64
	ListenerLoss float64
	MeanEntropy  float64
	Messages     [][]float64
	Predictions  []int
	Correct      []bool
	// Finite is false when a loss or an accumulated gradient was NaN or
	// infinite. No baseline moved in that case; gradients may be partial and
	// must be zeroed by the caller.
	Finite bool
}

type role string

const (
	roleSpeaker  role = "speaker"
	roleListener role = "listener"
)

type baselineKey struct {
	agent model.AgentID
	role  role
}

// Runner executes episodes. It owns the per-agent reward baselines.
type Runner struct {
	cfg Config

	mu        sync.Mutex
	baselines map[baselineKey]float64
}

func NewRunner(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{cfg: cfg, baselines: make(map[baselineKey]float64)}, nil
}

func (r *Runner) Config() Config {
	return r.cfg
}

// Run plays one batch. With train set the speaker samples, gradients are
// accumulated into both agents, and baselines are updated; otherwise the
// channel is greedy and no state changes.
func (r *Runner) Run(ctx context.Context, speaker, listener agent.Agent, batch model.Batch, rng *rand.Rand, train bool) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if speaker == nil || listener == nil {
		return Result{}, fmt.Errorf("speaker and listener are required")
	}
	n := batch.Size()
	if n == 0 {
		return Result{}, fmt.Errorf("empty batch")
	}
	if train && rng == nil {
		return Result{}, fmt.Errorf("random source is required for training")
	}
	pair := model.OrderedPair{Speaker: speaker.ID(), Listener: listener.ID()}

	msgTrace, err := speaker.EmitMessage(batch.Descriptions(), agent.EmitOptions{Rand: rng, Greedy: !train})
	if err != nil {
		return Result{}, fmt.Errorf("speaker %d emit: %w", pair.Speaker, err)
	}
	messages := msgTrace.Messages()
	selTrace, err := listener.SelectCandidate(messages, batch.Candidates())
	if err != nil {
		return Result{}, fmt.Errorf("listener %d select: %w", pair.Listener, err)
	}

	k := r.cfg.TopKEval
	if train {
		k = r.cfg.TopKTrain
	}
	targets := batch.Targets()
	probs := selTrace.Probs()
	sampleChoice := train && r.cfg.ListenerObjective == ObjectiveReinforce

	res := Result{
		Pair:        pair,
		Rewards:     make([]float64, n),
		Messages:    messages,
		Predictions: make([]int, n),
		Correct:     make([]bool, n),
	}
	listenerRewards := make([]float64, n)
	targetLogLik := make([]float64, n)
	choiceLogLik := make([]float64, n)
	listenerEntropy := make([]float64, n)
	correct := 0
	for i, p := range probs {
		target := targets[i]
		if target < 0 || target >= len(p) {
			return Result{}, fmt.Errorf("example %d: target %d out of range for %d candidates", i, target, len(p))
		}
		// A sampled choice is the listener's prediction. Otherwise the
		// prediction is the argmax and a hit is the target in the top k.
		var (
			prediction int
			hit        bool
		)
		if sampleChoice {
			prediction = channel.SampleIndex(rng, p)
			hit = prediction == target
		} else {
			prediction = nn.Argmax(p)
			hit = inTopK(p, k, target)
		}
		res.Predictions[i] = prediction
		res.Correct[i] = hit
		if hit {
			correct++
		}

		switch r.cfg.RewardType {
		case RewardProbability:
			res.Rewards[i] = p[target]
		default:
			res.Rewards[i] = indicator(hit)
		}
		if r.cfg.Cooperative && !sampleChoice {
			listenerRewards[i] = res.Rewards[i]
		} else {
			listenerRewards[i] = indicator(prediction == target)
		}
		targetLogLik[i] = math.Log(p[target])
		choiceLogLik[i] = math.Log(p[prediction])
		listenerEntropy[i] = categoricalEntropy(p)
	}
	res.Accuracy = float64(correct) / float64(n)
	res.MeanEntropy = mean(msgTrace.Entropies())

	speakerBaseline := r.baseline(baselineKey{pair.Speaker, roleSpeaker}, res.Rewards)
	listenerBaseline := r.baseline(baselineKey{pair.Listener, roleListener}, listenerRewards)
	speakerAdv := Advantage(res.Rewards, speakerBaseline, r.cfg.NormalizeAdvantage)
	listenerAdv := Advantage(listenerRewards, listenerBaseline, r.cfg.NormalizeAdvantage)

	nll := -mean(targetLogLik)
	if r.cfg.Channel.Estimator == channel.Direct {
		res.SpeakerLoss = r.cfg.NLLWeight * nll
	} else {
		res.SpeakerLoss = -r.cfg.RLWeight * weightedMean(speakerAdv, msgTrace.LogProbs())
	}
	res.SpeakerLoss -= r.cfg.SpeakerEntropyWeight * res.MeanEntropy
	if r.cfg.ListenerObjective == ObjectiveReinforce {
		res.ListenerLoss = -r.cfg.RLWeight * weightedMean(listenerAdv, choiceLogLik)
	} else {
		res.ListenerLoss = r.cfg.NLLWeight * nll
	}
	res.ListenerLoss -= r.cfg.ListenerEntropyWeight * mean(listenerEntropy)

	res.Finite = nn.IsFinite(res.SpeakerLoss) && nn.IsFinite(res.ListenerLoss)
	if !train || !res.Finite {
		return res, nil
	}

	scale := 1 / float64(n)
	if r.cfg.ListenerObjective == ObjectiveReinforce {
		if err := selTrace.BackwardLogLikelihood(res.Predictions, PolicyGradientCoefficients(listenerAdv, r.cfg.RLWeight)); err != nil {
			return Result{}, fmt.Errorf("listener %d backward: %w", pair.Listener, err)
		}
	} else {
		if err := selTrace.BackwardLogLikelihood(targets, constant(n, -r.cfg.NLLWeight*scale)); err != nil {
			return Result{}, fmt.Errorf("listener %d backward: %w", pair.Listener, err)
		}
	}

	if r.cfg.Channel.Estimator == channel.Direct {
		// The listener likelihood term is the only contributor so far, so the
		// accumulated message gradient is dL/dm of the task loss.
		if err := msgTrace.BackwardMessage(copyRows(selTrace.MessageGrad())); err != nil {
			return Result{}, fmt.Errorf("speaker %d backward: %w", pair.Speaker, err)
		}
	} else {
		if err := msgTrace.BackwardLogProb(PolicyGradientCoefficients(speakerAdv, r.cfg.RLWeight)); err != nil {
			return Result{}, fmt.Errorf("speaker %d backward: %w", pair.Speaker, err)
		}
	}
	msgTrace.BackwardEntropy(-r.cfg.SpeakerEntropyWeight * scale)
	selTrace.BackwardEntropy(-r.cfg.ListenerEntropyWeight * scale)

	if !optim.GradsFinite(speaker.Parameters()) || !optim.GradsFinite(listener.Parameters()) {
		res.Finite = false
		return res, nil
	}
	r.updateBaseline(baselineKey{pair.Speaker, roleSpeaker}, res.Rewards)
	if r.cfg.ListenerObjective == ObjectiveReinforce {
		r.updateBaseline(baselineKey{pair.Listener, roleListener}, listenerRewards)
	}
	return res, nil
}

func (r *Runner) baseline(key baselineKey, rewards []float64) float64 {
	switch r.cfg.Baseline {
	case BaselineBatchMean:
		return mean(rewards)
	case BaselineMovingAverage:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.baselines[key]
	default:
		return 0
	}
}

func (r *Runner) updateBaseline(key baselineKey, rewards []float64) {
	if r.cfg.Baseline != BaselineMovingAverage {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.cfg.BaselineDecay
	r.baselines[key] = d*r.baselines[key] + (1-d)*mean(rewards)
}

// SpeakerBaseline exposes the moving-average baseline kept for an agent's
// speaker role.
func (r *Runner) SpeakerBaseline(id model.AgentID) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.baselines[baselineKey{id, roleSpeaker}]
}

// Advantage returns R_i - baseline. With normalize and more than one example,
// advantages are divided by max(1, std).
func Advantage(rewards []float64, baseline float64, normalize bool) []float64 {
	out := make([]float64, len(rewards))
	for i, r := range rewards {
		out[i] = r - baseline
	}
	if normalize && len(out) > 1 {
		std, err := nn.Std(out)
		if err == nil && std > 1 {
			for i := range out {
				out[i] /= std
			}
		}
	}
	return out
}

// PolicyGradientCoefficients turns advantages into the per-example
// coefficients of grad log p that make up the gradient of
// -weight * mean(A_i * log p_i).
func PolicyGradientCoefficients(advantages []float64, weight float64) []float64 {
	out := make([]float64, len(advantages))
	if len(advantages) == 0 {
		return out
	}
	scale := -weight / float64(len(advantages))
	for i, a := range advantages {
		out[i] = scale * a
	}
	return out
}

func inTopK(p []float64, k, target int) bool {
	for _, idx := range nn.TopK(p, k) {
		if idx == target {
			return true
		}
	}
	return false
}

func categoricalEntropy(p []float64) float64 {
	h := 0.0
	for _, v := range p {
		if v > 0 {
			h -= v * math.Log(v)
		}
	}
	return h
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func weightedMean(w, xs []float64) float64 {
	sum := 0.0
	for i := range xs {
		sum += w[i] * xs[i]
	}
	return sum / float64(len(xs))
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func copyRows(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

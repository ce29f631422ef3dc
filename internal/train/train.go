// Package train runs the population training loop: one scheduled pair per
// step, periodic evaluation, checkpointing and convergence checks.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"commgame/internal/convergence"
	"commgame/internal/dataset"
	"commgame/internal/episode"
	"commgame/internal/evaluate"
	"commgame/internal/logging"
	"commgame/internal/metrics"
	"commgame/internal/model"
	"commgame/internal/optim"
	"commgame/internal/population"
	"commgame/internal/schedule"
	"commgame/internal/storage"
)

const DefaultNonFiniteCeiling = 10

// Config holds the loop knobs. Every interval counts steps; zero disables it.
type Config struct {
	RunID string
	Seed  int64

	MaxEpoch              int
	LogInterval           int
	SaveInterval          int
	SaveDistinctInterval  int
	EvalInterval          int
	CheckAccuracyInterval int

	// NonFiniteCeiling consecutive skipped steps abort the run.
	NonFiniteCeiling int
	// ClipNorm bounds each participant's gradient norm. Zero disables it.
	ClipNorm float64
	// Threshold is the convergence threshold; zero means the default.
	Threshold float64
}

// Components are the collaborators the loop drives. Metrics and Logger are
// optional.
type Components struct {
	Population *population.Population
	Scheduler  *schedule.Scheduler
	Runner     *episode.Runner
	Data       dataset.Source
	Evaluator  *evaluate.Evaluator
	Store      storage.Store
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
}

// PairStat aggregates the training steps taken on one unordered pair.
type PairStat struct {
	Steps        int     `json:"steps"`
	MeanReward   float64 `json:"mean_reward"`
	MeanAccuracy float64 `json:"mean_accuracy"`
}

func (s *PairStat) add(reward, accuracy float64) {
	s.Steps++
	n := float64(s.Steps)
	s.MeanReward += (reward - s.MeanReward) / n
	s.MeanAccuracy += (accuracy - s.MeanAccuracy) / n
}

type Result struct {
	State           model.RunState
	Steps           int
	Epochs          int
	Skipped         int
	Degeneracies    map[schedule.Degeneracy]int
	Matrix          []model.PairAccuracy
	PairStats       map[model.PairKey]PairStat
	BestDevAccuracy float64
	DevAccuracy     map[model.Split]float64
	// History lists every convergence check in step order.
	History []convergence.Status
}

type Trainer struct {
	cfg     Config
	c       Components
	logger  *slog.Logger
	rng     *rand.Rand
	monitor *convergence.Monitor
	checks  bool

	createdAt   string
	step        int
	epoch       int
	skipped     int
	consecutive int
	best        float64
	dev         map[model.Split]float64
	stats       map[model.PairKey]*PairStat
	history     []convergence.Status

	window struct {
		steps   int
		reward  float64
		acc     float64
		entropy float64
	}
}

func New(cfg Config, c Components) (*Trainer, error) {
	if c.Population == nil || c.Scheduler == nil || c.Runner == nil || c.Data == nil {
		return nil, fmt.Errorf("population, scheduler, runner and dataset are required")
	}
	if c.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.RunID == "" {
		return nil, model.ConfigErrorf("run_id", "must not be empty")
	}
	if cfg.MaxEpoch <= 0 {
		return nil, model.ConfigErrorf("max_epoch", "must be > 0, got %d", cfg.MaxEpoch)
	}
	for name, v := range map[string]int{
		"log_interval":           cfg.LogInterval,
		"save_interval":          cfg.SaveInterval,
		"save_distinct_interval": cfg.SaveDistinctInterval,
		"eval_interval":          cfg.EvalInterval,
	} {
		if v < 0 {
			return nil, model.ConfigErrorf(name, "must be >= 0, got %d", v)
		}
	}
	if cfg.NonFiniteCeiling < 0 {
		return nil, model.ConfigErrorf("non_finite_ceiling", "must be >= 0, got %d", cfg.NonFiniteCeiling)
	}
	if cfg.NonFiniteCeiling == 0 {
		cfg.NonFiniteCeiling = DefaultNonFiniteCeiling
	}
	if cfg.ClipNorm < 0 {
		return nil, model.ConfigErrorf("clip_norm", "must be >= 0, got %v", cfg.ClipNorm)
	}
	monitor, err := convergence.NewMonitor(cfg.Threshold, cfg.CheckAccuracyInterval)
	if err != nil {
		return nil, err
	}
	topo := c.Population.Topology()
	checks := cfg.CheckAccuracyInterval > 0 && convergence.Applicable(topo.Mode(), topo.NumAgents())
	if (checks || cfg.EvalInterval > 0) && c.Evaluator == nil {
		return nil, model.ConfigErrorf("eval_interval", "evaluation requested without an evaluator")
	}
	return &Trainer{
		cfg:     cfg,
		c:       c,
		logger:  logging.OrDefault(c.Logger).With("run_id", cfg.RunID),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		monitor: monitor,
		checks:  checks,
		dev:     make(map[model.Split]float64),
		stats:   make(map[model.PairKey]*PairStat),
	}, nil
}

// Run trains until convergence, MaxEpoch, cancellation or a fatal error. The
// returned Result is meaningful alongside a non-nil error.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	t.createdAt = time.Now().UTC().Format(time.RFC3339)
	perEpoch := t.c.Data.BatchesPerEpoch(model.SplitTrain)
	if perEpoch == 0 {
		return t.result(model.StateFailed), fmt.Errorf("train: %w", dataset.ErrEmptySplit)
	}
	if err := t.saveRun(ctx, model.StateRunning); err != nil {
		return t.result(model.StateFailed), err
	}
	t.logger.Info("training started",
		"mode", t.c.Population.Topology().Mode(),
		"agents", t.c.Population.Size(),
		"steps_per_epoch", perEpoch,
		"max_epoch", t.cfg.MaxEpoch,
		"convergence_checks", t.checks,
	)

	for t.epoch = 0; t.epoch < t.cfg.MaxEpoch; t.epoch++ {
		t.c.Data.Reset(model.SplitTrain)
		for i := 0; i < perEpoch; i++ {
			if err := ctx.Err(); err != nil {
				return t.interrupt(ctx, err)
			}
			if err := t.trainStep(ctx); err != nil {
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					return t.interrupt(ctx, ctx.Err())
				}
				return t.fail(ctx, err)
			}
			converged, err := t.afterStep(ctx)
			if err != nil {
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					return t.interrupt(ctx, ctx.Err())
				}
				return t.fail(ctx, err)
			}
			if converged {
				return t.finish(ctx, model.StateConverged)
			}
		}
	}
	return t.finish(ctx, model.StateMaxEpochReached)
}

func (t *Trainer) trainStep(ctx context.Context) error {
	batch, err := t.c.Data.NextBatch(ctx, model.SplitTrain)
	if err != nil {
		return err
	}
	draw := t.c.Scheduler.Next()
	if draw.Degenerate {
		// Category is the one actually used.
		t.c.Metrics.ObserveDegeneracy(other(draw.Category), draw.Category)
	}
	participants, err := t.c.Population.Participants(draw.Pair.Speaker, draw.Pair.Listener)
	if err != nil {
		return err
	}
	speaker, listener := participants[0], participants[len(participants)-1]

	t.step++
	res, err := t.c.Runner.Run(ctx, speaker, listener, batch, t.rng, true)
	if err != nil {
		return fmt.Errorf("step %d pair %s: %w", t.step, draw.Pair, err)
	}
	if !res.Finite {
		return t.skip(draw.Pair, res)
	}
	t.consecutive = 0
	if t.cfg.ClipNorm > 0 {
		for _, a := range participants {
			optim.ClipGradNorm(a.Parameters(), t.cfg.ClipNorm)
		}
	}
	t.c.Population.Step(participants)

	reward := mean(res.Rewards)
	key := draw.Pair.Key()
	stat, ok := t.stats[key]
	if !ok {
		stat = &PairStat{}
		t.stats[key] = stat
	}
	stat.add(reward, res.Accuracy)
	t.window.steps++
	t.window.reward += reward
	t.window.acc += res.Accuracy
	t.window.entropy += res.MeanEntropy
	t.c.Metrics.ObserveStep(reward, res.MeanEntropy)
	return nil
}

func (t *Trainer) skip(pair model.OrderedPair, res episode.Result) error {
	t.c.Population.ZeroGrad()
	t.skipped++
	t.consecutive++
	t.c.Metrics.ObserveSkip()
	t.logger.Warn("non-finite step skipped",
		"step", t.step,
		"pair", pair.String(),
		"speaker_loss", res.SpeakerLoss,
		"listener_loss", res.ListenerLoss,
		"consecutive", t.consecutive,
	)
	if t.consecutive >= t.cfg.NonFiniteCeiling {
		return fmt.Errorf("%d consecutive non-finite steps at step %d: %w", t.consecutive, t.step, model.ErrNumericInstability)
	}
	return nil
}

// afterStep runs the interval actions for the step just taken.
func (t *Trainer) afterStep(ctx context.Context) (bool, error) {
	if due(t.cfg.LogInterval, t.step) {
		t.logProgress()
	}
	if due(t.cfg.SaveInterval, t.step) {
		if err := t.save(ctx, population.TagLatest, "latest"); err != nil {
			return false, err
		}
		if err := t.saveRun(ctx, model.StateRunning); err != nil {
			return false, err
		}
	}
	if due(t.cfg.SaveDistinctInterval, t.step) {
		if err := t.save(ctx, population.DistinctTag(t.step), "distinct"); err != nil {
			return false, err
		}
	}
	if due(t.cfg.EvalInterval, t.step) {
		if err := t.evaluateDev(ctx); err != nil {
			return false, err
		}
	}
	if t.checks && t.monitor.Due(t.step) {
		return t.checkConvergence(ctx)
	}
	return false, nil
}

func (t *Trainer) logProgress() {
	w := t.window
	if w.steps == 0 {
		t.logger.Info("train progress", "step", t.step, "epoch", t.epoch, "skipped", t.skipped)
		return
	}
	n := float64(w.steps)
	t.logger.Info("train progress",
		"step", t.step,
		"epoch", t.epoch,
		"reward_mean", w.reward/n,
		"accuracy_mean", w.acc/n,
		"entropy_mean", w.entropy/n,
		"skipped", t.skipped,
		"degeneracies", t.c.Scheduler.TotalDegeneracies(),
	)
	t.window.steps, t.window.reward, t.window.acc, t.window.entropy = 0, 0, 0, 0
}

func (t *Trainer) evaluateDev(ctx context.Context) error {
	edges := t.c.Population.Topology().Edges()
	for _, split := range []model.Split{model.SplitInDomainDev, model.SplitOutDomainDev} {
		if t.c.Data.BatchesPerEpoch(split) == 0 {
			continue
		}
		acc, err := t.c.Evaluator.Edges(ctx, t.c.Population, edges, split)
		if err != nil {
			return fmt.Errorf("dev evaluation at step %d: %w", t.step, err)
		}
		m := meanValues(acc)
		t.dev[split] = m
		t.c.Metrics.ObserveDevAccuracy(split, m)
		if split == model.SplitInDomainDev && m > t.best {
			t.best = m
		}
		t.logger.Info("dev evaluation", "step", t.step, "split", split, "accuracy", m, "pairs", len(acc))
	}
	return nil
}

func (t *Trainer) checkConvergence(ctx context.Context) (bool, error) {
	edges := t.c.Population.Topology().Edges()
	status, err := t.monitor.Check(ctx, t.step, edges, func(ctx context.Context, edges []model.Edge) (map[model.PairKey]float64, error) {
		return t.c.Evaluator.Edges(ctx, t.c.Population, edges, model.SplitInDomainDev)
	})
	if err != nil {
		return false, err
	}
	t.history = append(t.history, status)
	matrix := t.monitor.Matrix()
	t.c.Metrics.ObserveAccuracy(matrix.Entries(), status.Mean)
	if err := t.c.Store.SaveAccuracySnapshot(ctx, matrix.Snapshot(t.cfg.RunID, t.step)); err != nil {
		return false, &model.CheckpointIOError{Op: "save-accuracy", RunID: t.cfg.RunID, AgentID: model.NoAgent, Err: err}
	}
	t.logger.Info("accuracy check",
		"step", t.step,
		"mean", status.Mean,
		"pairs", status.Pairs,
		"threshold", t.monitor.Threshold,
		"converged", status.Converged,
	)
	return status.Converged, nil
}

func (t *Trainer) save(ctx context.Context, tag, kind string) error {
	if err := t.c.Population.Save(ctx, t.c.Store, t.cfg.RunID, tag, t.step, t.epoch); err != nil {
		return err
	}
	t.c.Metrics.ObserveCheckpoint(kind)
	t.logger.Debug("checkpoint saved", "step", t.step, "tag", tag)
	return nil
}

func (t *Trainer) saveRun(ctx context.Context, state model.RunState) error {
	topo := t.c.Population.Topology()
	record := model.RunRecord{
		VersionedRecord: storage.CurrentVersion(),
		ID:              t.cfg.RunID,
		Mode:            topo.Mode(),
		Seed:            t.cfg.Seed,
		Step:            t.step,
		Epoch:           t.epoch,
		State:           state,
		BestDevAccuracy: t.best,
		CreatedAtUTC:    t.createdAt,
		AgentIDs:        topo.AgentIDs(),
		Pools:           topo.Pools(),
		Edges:           topo.Edges(),
	}
	if err := t.c.Store.SaveRun(ctx, record); err != nil {
		return &model.CheckpointIOError{Op: "save-run", RunID: t.cfg.RunID, AgentID: model.NoAgent, Err: err}
	}
	return nil
}

// finish writes the final checkpoint and run record.
func (t *Trainer) finish(ctx context.Context, state model.RunState) (Result, error) {
	if err := t.save(ctx, population.TagLatest, "latest"); err != nil {
		return t.result(model.StateFailed), err
	}
	if err := t.saveRun(ctx, state); err != nil {
		return t.result(model.StateFailed), err
	}
	t.logger.Info("training finished", "state", state, "step", t.step, "epoch", t.epoch, "skipped", t.skipped, "best_dev_accuracy", t.best)
	return t.result(state), nil
}

// interrupt persists progress after cancellation. The writes run detached
// from the cancelled context.
func (t *Trainer) interrupt(ctx context.Context, cause error) (Result, error) {
	t.logger.Warn("training interrupted", "step", t.step, "epoch", t.epoch)
	res, err := t.finish(context.WithoutCancel(ctx), model.StateInterrupted)
	if err != nil {
		return res, errors.Join(cause, err)
	}
	return res, cause
}

// fail records the failed state. Checkpoint errors are returned without a
// further write attempt.
func (t *Trainer) fail(ctx context.Context, cause error) (Result, error) {
	t.logger.Error("training failed", "step", t.step, "error", cause)
	var ioErr *model.CheckpointIOError
	if !errors.As(cause, &ioErr) {
		if err := t.saveRun(context.WithoutCancel(ctx), model.StateFailed); err != nil {
			cause = errors.Join(cause, err)
		}
	}
	return t.result(model.StateFailed), cause
}

func (t *Trainer) result(state model.RunState) Result {
	stats := make(map[model.PairKey]PairStat, len(t.stats))
	for k, v := range t.stats {
		stats[k] = *v
	}
	dev := make(map[model.Split]float64, len(t.dev))
	for k, v := range t.dev {
		dev[k] = v
	}
	epochs := t.epoch
	if state == model.StateConverged || state == model.StateInterrupted || state == model.StateFailed {
		// The current epoch was entered.
		if t.step > 0 {
			epochs++
		}
	}
	return Result{
		State:           state,
		Steps:           t.step,
		Epochs:          epochs,
		Skipped:         t.skipped,
		Degeneracies:    t.c.Scheduler.Degeneracies(),
		Matrix:          t.monitor.Matrix().Entries(),
		PairStats:       stats,
		BestDevAccuracy: t.best,
		DevAccuracy:     dev,
		History:         append([]convergence.Status(nil), t.history...),
	}
}

func due(interval, step int) bool {
	return interval > 0 && step%interval == 0
}

func other(c model.EdgeCategory) model.EdgeCategory {
	if c == model.IntraPool {
		return model.InterPool
	}
	return model.IntraPool
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

func meanValues(m map[model.PairKey]float64) float64 {
	if len(m) == 0 {
		return 0
	}
	keys := make([]model.PairKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Low != keys[j].Low {
			return keys[i].Low < keys[j].Low
		}
		return keys[i].High < keys[j].High
	})
	sum := 0.0
	for _, k := range keys {
		sum += m[k]
	}
	return sum / float64(len(keys))
}

// Package commgame is the public entry point: it wires an experiment
// configuration into a topology, a population of agents, a scheduler, an
// episode runner and a training loop.
package commgame

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"commgame/internal/agent"
	"commgame/internal/config"
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
	"commgame/internal/stats"
	"commgame/internal/storage"
	"commgame/internal/topology"
	"commgame/internal/train"
)

type Options struct {
	StoreKind string
	DBPath    string
	// ArtifactsDir receives one directory per finished training run plus
	// the run index. Empty disables artifacts.
	ArtifactsDir string
	Logger       *slog.Logger
	// Metrics is optional; a nil recorder records nothing.
	Metrics *metrics.Recorder
}

type Client struct {
	store   storage.Store
	logger  *slog.Logger
	metrics *metrics.Recorder

	artifactsDir string
}

type TrainSummary struct {
	RunID        string
	Topology     topology.Summary
	Result       train.Result
	ArtifactsDir string
}

// SplitReport holds one split's evaluation. Edges is filled for topology
// evaluation, Pairs for the cross product. NoMessageMean is set when the
// no-message baseline ran.
type SplitReport struct {
	Split         model.Split
	Mean          float64
	NoMessageMean *float64
	Edges         []model.PairAccuracy
	Pairs         []evaluate.PairResult
}

type EvalSummary struct {
	RunID   string
	Tag     string
	Splits  []SplitReport
	Exports int
}

type RunDetail struct {
	Run      model.RunRecord
	Tags     []string
	Accuracy *model.AccuracySnapshot
}

func New(opts Options) (*Client, error) {
	kind := opts.StoreKind
	if kind == "" {
		kind = storage.DefaultStoreKind
	}
	store, err := storage.NewStore(kind, opts.DBPath)
	if err != nil {
		return nil, err
	}
	if err := store.Init(context.Background()); err != nil {
		_ = storage.CloseIfSupported(store)
		return nil, fmt.Errorf("init store: %w", err)
	}
	return &Client{
		store:        store,
		logger:       logging.OrDefault(opts.Logger),
		metrics:      opts.Metrics,
		artifactsDir: opts.ArtifactsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// DescribeTopology builds the topology a configuration would train without
// creating any agents.
func (c *Client) DescribeTopology(cfg *config.Config) (topology.Summary, error) {
	topoCfg, err := cfg.TopologyConfig()
	if err != nil {
		return topology.Summary{}, err
	}
	topo, err := topology.Build(topoCfg)
	if err != nil {
		return topology.Summary{}, err
	}
	return topo.Summary(), nil
}

// Train runs one experiment. An empty run id gets a fresh UUID. The summary
// is returned alongside a non-nil error whenever the loop started.
func (c *Client) Train(ctx context.Context, cfg *config.Config) (TrainSummary, error) {
	if cfg.Eval.EvalOnly {
		return TrainSummary{}, model.ConfigErrorf("eval_only", "use Evaluate for eval-only runs")
	}
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := c.logger.With("run_id", runID)

	topoCfg, err := cfg.TopologyConfig()
	if err != nil {
		return TrainSummary{}, err
	}
	topo, err := topology.Build(topoCfg)
	if err != nil {
		return TrainSummary{}, err
	}
	summary := TrainSummary{RunID: runID, Topology: topo.Summary()}
	logger.Info("topology built", "summary", summary.Topology.String())

	w, err := c.assemble(ctx, cfg, topo, logger)
	if err != nil {
		return summary, err
	}
	if len(cfg.Community.PoolCheckpoints) > 0 {
		if err := w.pop.SeedPools(ctx, c.store, cfg.Community.PoolCheckpoints, cfg.Eval.CheckpointTag); err != nil {
			return summary, err
		}
		logger.Info("pools seeded", "runs", cfg.Community.PoolCheckpoints, "tag", cfg.Eval.CheckpointTag)
	}
	sched, err := schedule.New(topo, cfg.ScheduleConfig(), logger)
	if err != nil {
		return summary, err
	}
	trainer, err := train.New(cfg.TrainConfig(runID), train.Components{
		Population: w.pop,
		Scheduler:  sched,
		Runner:     w.runner,
		Data:       w.data,
		Evaluator:  w.eval,
		Store:      c.store,
		Metrics:    c.metrics,
		Logger:     logger,
	})
	if err != nil {
		return summary, err
	}
	summary.Result, err = trainer.Run(ctx)
	if c.artifactsDir == "" {
		return summary, err
	}
	dir, artErr := c.writeArtifacts(context.WithoutCancel(ctx), cfg, runID, summary)
	if artErr != nil {
		logger.Error("write run artifacts", "error", artErr)
		return summary, errors.Join(err, artErr)
	}
	summary.ArtifactsDir = dir
	return summary, err
}

// Runs lists indexed runs newest first. A limit <= 0 returns all of them.
func (c *Client) Runs(limit int) ([]stats.RunIndexEntry, error) {
	if c.artifactsDir == "" {
		return nil, fmt.Errorf("artifacts directory is not configured")
	}
	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// ExportRun copies a run's artifacts to outDir/<runID>.
func (c *Client) ExportRun(runID, outDir string) (string, error) {
	if c.artifactsDir == "" {
		return "", fmt.Errorf("artifacts directory is not configured")
	}
	return stats.ExportRunArtifacts(c.artifactsDir, runID, outDir)
}

func (c *Client) writeArtifacts(ctx context.Context, cfg *config.Config, runID string, summary TrainSummary) (string, error) {
	res := summary.Result
	artifacts := stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:        runID,
			Mode:         cfg.Mode,
			Seed:         *cfg.Seed,
			NumAgents:    summary.Topology.Agents,
			MessageType:  cfg.Channel.MessageType,
			MessageDim:   cfg.Channel.MessageDim,
			Estimator:    cfg.Channel.Estimator,
			Optimizer:    cfg.Optimizer.Kind,
			LearningRate: cfg.Optimizer.LearningRate,
			MaxEpoch:     cfg.Training.MaxEpoch,
			Threshold:    cfg.Convergence.Threshold,
			Dataset:      cfg.Dataset.Kind,
		},
		Summary: stats.RunSummary{
			State:           res.State,
			Steps:           res.Steps,
			Epochs:          res.Epochs,
			Skipped:         res.Skipped,
			BestDevAccuracy: res.BestDevAccuracy,
			DevAccuracy:     res.DevAccuracy,
		},
		Matrix: res.Matrix,
	}
	for _, p := range summary.Topology.Pools {
		artifacts.Config.PoolSizes = append(artifacts.Config.PoolSizes, p.Size)
	}
	for d, n := range res.Degeneracies {
		artifacts.Summary.Degeneracies = append(artifacts.Summary.Degeneracies, stats.Degeneracy{Requested: d.Requested, Used: d.Used, Count: n})
	}
	for _, s := range res.History {
		artifacts.History = append(artifacts.History, stats.AccuracyPoint{Step: s.Step, Mean: s.Mean, Pairs: s.Pairs, Converged: s.Converged})
	}
	for key, s := range res.PairStats {
		artifacts.PairStats = append(artifacts.PairStats, stats.PairStat{Pair: key, Steps: s.Steps, MeanReward: s.MeanReward, MeanAccuracy: s.MeanAccuracy})
	}
	dir, err := stats.WriteRunArtifacts(c.artifactsDir, artifacts)
	if err != nil {
		return "", err
	}

	entry := stats.RunIndexEntry{
		RunID:           runID,
		Mode:            cfg.Mode,
		NumAgents:       summary.Topology.Agents,
		Seed:            *cfg.Seed,
		State:           res.State,
		Steps:           res.Steps,
		BestDevAccuracy: res.BestDevAccuracy,
	}
	if n := len(res.History); n > 0 {
		entry.FinalAccuracy = res.History[n-1].Mean
	}
	if run, ok, err := c.store.GetRun(ctx, runID); err == nil && ok {
		entry.CreatedAtUTC = run.CreatedAtUTC
	}
	if err := stats.AppendRunIndex(c.artifactsDir, entry); err != nil {
		return "", err
	}
	return dir, nil
}

// Evaluate restores the checkpoint named by the eval section and reports
// accuracy on every dev split that has examples. The topology comes from the
// stored run record.
func (c *Client) Evaluate(ctx context.Context, cfg *config.Config) (EvalSummary, error) {
	runID, tag := cfg.Eval.CheckpointRun, cfg.Eval.CheckpointTag
	if runID == "" {
		return EvalSummary{}, model.ConfigErrorf("checkpoint_run", "evaluation needs a checkpoint run")
	}
	run, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return EvalSummary{}, &model.CheckpointIOError{Op: "load-run", RunID: runID, AgentID: model.NoAgent, Err: err}
	}
	if !ok {
		return EvalSummary{}, &model.CheckpointIOError{Op: "load-run", RunID: runID, AgentID: model.NoAgent, Err: errors.New("run not found")}
	}
	topo, err := topology.FromEdges(run.Mode, run.Pools, run.Edges)
	if err != nil {
		return EvalSummary{}, fmt.Errorf("rebuild topology of %s: %w", runID, err)
	}
	logger := c.logger.With("run_id", runID, "tag", tag)

	w, err := c.assemble(ctx, cfg, topo, logger)
	if err != nil {
		return EvalSummary{}, err
	}
	if err := w.pop.LoadFromRun(ctx, c.store, runID, tag); err != nil {
		return EvalSummary{}, err
	}

	out := EvalSummary{RunID: runID, Tag: tag}
	for _, split := range []model.Split{model.SplitInDomainDev, model.SplitOutDomainDev} {
		if w.data.BatchesPerEpoch(split) == 0 {
			continue
		}
		report, pairs, err := c.evaluateSplit(ctx, cfg, w, topo, split)
		if err != nil {
			return out, err
		}
		out.Splits = append(out.Splits, report)
		if report.NoMessageMean != nil {
			logger.Info("evaluation", "split", split, "accuracy", report.Mean, "no_message_accuracy", *report.NoMessageMean, "pairs", len(pairs))
		} else {
			logger.Info("evaluation", "split", split, "accuracy", report.Mean, "pairs", len(pairs))
		}

		if !cfg.Eval.ExportMessages {
			continue
		}
		for _, pair := range pairs {
			n, err := c.exportMessages(ctx, w, runID, pair, split)
			if err != nil {
				return out, err
			}
			out.Exports += n
		}
	}
	if len(out.Splits) == 0 {
		return out, fmt.Errorf("evaluate: %w", dataset.ErrEmptySplit)
	}
	return out, nil
}

// ShowRun reads back a run record with its checkpoint tags and the latest
// accuracy snapshot, if any.
func (c *Client) ShowRun(ctx context.Context, runID string) (RunDetail, error) {
	run, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return RunDetail{}, err
	}
	if !ok {
		return RunDetail{}, fmt.Errorf("run %s not found", runID)
	}
	tags, err := c.store.ListCheckpointTags(ctx, runID)
	if err != nil {
		return RunDetail{}, err
	}
	detail := RunDetail{Run: run, Tags: tags}
	snapshot, ok, err := c.store.GetAccuracySnapshot(ctx, runID)
	if err != nil {
		return RunDetail{}, err
	}
	if ok {
		detail.Accuracy = &snapshot
	}
	return detail, nil
}

type wiring struct {
	pop    *population.Population
	runner *episode.Runner
	data   dataset.Source
	eval   *evaluate.Evaluator
}

func (c *Client) assemble(ctx context.Context, cfg *config.Config, topo *topology.Topology, logger *slog.Logger) (wiring, error) {
	epCfg, err := cfg.EpisodeConfig()
	if err != nil {
		return wiring{}, err
	}
	runner, err := episode.NewRunner(epCfg)
	if err != nil {
		return wiring{}, err
	}
	data, dims, err := loadDataset(cfg)
	if err != nil {
		return wiring{}, err
	}
	logger.Info("dataset ready",
		"kind", cfg.Dataset.Kind,
		"description_dim", dims.description,
		"feature_dim", dims.feature,
		"train_batches", data.BatchesPerEpoch(model.SplitTrain),
	)
	optFactory, err := optim.NewFactory(cfg.Optimizer.Kind, cfg.Optimizer.LearningRate)
	if err != nil {
		return wiring{}, err
	}
	factory := agent.LinearFactory(agent.LinearConfig{
		DescriptionDim: dims.description,
		FeatureDim:     dims.feature,
		Channel:        epCfg.Channel,
		InitScale:      cfg.Agent.InitScale,
	})
	pop, err := population.New(topo, factory, optFactory, *cfg.Seed)
	if err != nil {
		return wiring{}, err
	}
	eval, err := evaluate.New(cfg.EvaluateConfig(), runner, data)
	if err != nil {
		return wiring{}, err
	}
	return wiring{pop: pop, runner: runner, data: data, eval: eval}, ctx.Err()
}

func (c *Client) evaluateSplit(ctx context.Context, cfg *config.Config, w wiring, topo *topology.Topology, split model.Split) (SplitReport, []model.OrderedPair, error) {
	report := SplitReport{Split: split}
	if cfg.Eval.EvalXProduct {
		results, err := w.eval.CrossProduct(ctx, w.pop, split, true)
		if err != nil {
			return report, nil, err
		}
		report.Pairs = results
		report.Mean = evaluate.MeanAccuracy(results)
		report.NoMessageMean = noMessageMean(results)
		pairs := make([]model.OrderedPair, len(results))
		for i, r := range results {
			pairs[i] = r.Pair
		}
		return report, pairs, nil
	}

	results, err := w.eval.EdgeResults(ctx, w.pop, topo.Edges(), split)
	if err != nil {
		return report, nil, err
	}
	matrix := convergence.NewAccuracyMatrix()
	for key, v := range evaluate.EdgeMeans(results) {
		matrix.Set(key, v)
	}
	report.NoMessageMean = noMessageMean(results)
	report.Edges = matrix.Entries()
	report.Mean = matrix.Mean()
	var pairs []model.OrderedPair
	for _, e := range topo.Edges() {
		p := model.OrderedPair{Speaker: e.A, Listener: e.B}
		pairs = append(pairs, p)
		if e.A != e.B {
			pairs = append(pairs, p.Swap())
		}
	}
	return report, pairs, nil
}

func (c *Client) exportMessages(ctx context.Context, w wiring, runID string, pair model.OrderedPair, split model.Split) (int, error) {
	speaker, ok := w.pop.Agent(pair.Speaker)
	if !ok {
		return 0, fmt.Errorf("unknown speaker %d", pair.Speaker)
	}
	listener, ok := w.pop.Agent(pair.Listener)
	if !ok {
		return 0, fmt.Errorf("unknown listener %d", pair.Listener)
	}
	export, err := w.eval.Messages(ctx, runID, speaker, listener, split)
	if err != nil {
		return 0, err
	}
	if err := c.store.SaveMessageExport(ctx, export); err != nil {
		return 0, &model.CheckpointIOError{Op: "save-messages", RunID: runID, AgentID: pair.Speaker, Err: err}
	}
	return 1, nil
}

type dimensions struct {
	description int
	feature     int
}

func loadDataset(cfg *config.Config) (dataset.Source, dimensions, error) {
	switch cfg.Dataset.Kind {
	case config.DatasetShapeWorld:
		embedder, err := loadEmbedder(cfg.Dataset)
		if err != nil {
			return nil, dimensions{}, err
		}
		data, err := dataset.NewShapeWorld(cfg.ShapeWorldConfig(), embedder)
		if err != nil {
			return nil, dimensions{}, err
		}
		return data, dimensions{description: embedder.Dim(), feature: dataset.FeatureDim()}, nil
	case config.DatasetJSONL:
		splits := make(map[model.Split][]model.Example)
		for split, path := range map[model.Split]string{
			model.SplitTrain:        cfg.Dataset.TrainPath,
			model.SplitInDomainDev:  cfg.Dataset.InDomainPath,
			model.SplitOutDomainDev: cfg.Dataset.OutDomainPath,
		} {
			if path == "" {
				continue
			}
			examples, err := readJSONL(path)
			if err != nil {
				return nil, dimensions{}, err
			}
			splits[split] = examples
		}
		trainSet := splits[model.SplitTrain]
		if len(trainSet) == 0 || len(trainSet[0].Candidates) == 0 {
			return nil, dimensions{}, model.ConfigErrorf("train_path", "%s has no usable examples", cfg.Dataset.TrainPath)
		}
		data, err := dataset.NewStatic(dataset.StaticConfig{
			BatchSize: cfg.Dataset.BatchSize,
			Shuffle:   *cfg.Dataset.Shuffle,
			Seed:      *cfg.Seed + 1,
		}, splits)
		if err != nil {
			return nil, dimensions{}, err
		}
		return data, dimensions{description: len(trainSet[0].Description), feature: len(trainSet[0].Candidates[0])}, nil
	default:
		return nil, dimensions{}, model.ConfigErrorf("dataset", "unsupported dataset %q", cfg.Dataset.Kind)
	}
}

func loadEmbedder(cfg config.DatasetConfig) (dataset.Embedder, error) {
	if cfg.GloVePath == "" {
		return dataset.NewHashEmbedder(cfg.EmbeddingDim)
	}
	f, err := os.Open(cfg.GloVePath)
	if err != nil {
		return nil, fmt.Errorf("open word vectors: %w", err)
	}
	defer f.Close()
	words := append(append([]string(nil), dataset.Shapes...), dataset.Colors...)
	table, err := dataset.LoadGloVe(f, cfg.EmbeddingDim, words...)
	if err != nil {
		return nil, fmt.Errorf("load word vectors %s: %w", cfg.GloVePath, err)
	}
	return table, nil
}

func readJSONL(path string) ([]model.Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	examples, err := dataset.LoadJSONL(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return examples, nil
}

func noMessageMean(results []evaluate.PairResult) *float64 {
	mean, ok := evaluate.MeanNoMessageAccuracy(results)
	if !ok {
		return nil
	}
	return &mean
}

// Package config loads experiment files. Every section has SetDefaults and
// Validate; Validate reports the offending parameter as a ConfigurationError.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"commgame/internal/channel"
	"commgame/internal/dataset"
	"commgame/internal/episode"
	"commgame/internal/evaluate"
	"commgame/internal/model"
	"commgame/internal/optim"
	"commgame/internal/schedule"
	"commgame/internal/storage"
	"commgame/internal/topology"
	"commgame/internal/train"
)

type Config struct {
	RunID          string            `yaml:"run_id"`
	Seed           *int64            `yaml:"seed"`
	Mode           model.Mode        `yaml:"mode"`
	NumAgents      int               `yaml:"num_agents"`
	RandomizeComms bool              `yaml:"randomize_comms"`
	Community      CommunityConfig   `yaml:"community"`
	TrainWeights   []TrainWeight     `yaml:"train_weights"`
	Channel        ChannelConfig     `yaml:"channel"`
	Agent          AgentConfig       `yaml:"agent"`
	Training       TrainingConfig    `yaml:"training"`
	Optimizer      OptimizerConfig   `yaml:"optimizer"`
	Intervals      IntervalsConfig   `yaml:"intervals"`
	Convergence    ConvergenceConfig `yaml:"convergence"`
	Dataset        DatasetConfig     `yaml:"dataset"`
	Eval           EvalConfig        `yaml:"eval"`
	Store          StoreConfig       `yaml:"store"`
}

type CommunityConfig struct {
	NumCommunities    int       `yaml:"num_communities"`
	Sizes             []int     `yaml:"sizes"`
	IntraConnectivity []float64 `yaml:"intra_connectivity"`
	InterConnectivity float64   `yaml:"inter_connectivity"`
	Type              string    `yaml:"type"`
	IntraInterRatio   float64   `yaml:"intra_inter_ratio"`

	// PoolCheckpoints seeds pool k from a previous run, one id per pool.
	PoolCheckpoints []string `yaml:"pool_checkpoints"`
}

type TrainWeight struct {
	A      model.AgentID `yaml:"a"`
	B      model.AgentID `yaml:"b"`
	Weight float64       `yaml:"weight"`
}

type ChannelConfig struct {
	MessageType string  `yaml:"message_type"`
	Estimator   string  `yaml:"estimator"`
	MessageDim  int     `yaml:"m_dim"`
	Sigma       float64 `yaml:"sigma"`
}

type AgentConfig struct {
	InitScale float64 `yaml:"init_scale"`
}

type TrainingConfig struct {
	MaxEpoch           int      `yaml:"max_epoch"`
	TopKTrain          int      `yaml:"top_k_train"`
	TopKDev            int      `yaml:"top_k_dev"`
	EntropyAgent1      float64  `yaml:"entropy_agent1"`
	EntropyAgent2      float64  `yaml:"entropy_agent2"`
	RewardType         string   `yaml:"reward_type"`
	Cooperative        *bool    `yaml:"cooperative_reward"`
	ListenerObjective  string   `yaml:"listener_objective"`
	NormalizeAdvantage bool     `yaml:"normalize_advantage"`
	RLWeight           *float64 `yaml:"rl_weight"`
	NLLWeight          *float64 `yaml:"nll_weight"`
	Baseline           string   `yaml:"baseline"`
	BaselineDecay      float64  `yaml:"baseline_decay"`
	ClipNorm           float64  `yaml:"clip_norm"`
	NonFiniteCeiling   int      `yaml:"non_finite_ceiling"`
}

type OptimizerConfig struct {
	Kind         string  `yaml:"optim_type"`
	LearningRate float64 `yaml:"learning_rate"`
}

// IntervalsConfig counts steps. Zero takes the default, -1 disables.
type IntervalsConfig struct {
	Log          int `yaml:"log_interval"`
	Save         int `yaml:"save_interval"`
	SaveDistinct int `yaml:"save_distinct_interval"`
	Eval         int `yaml:"eval_interval"`
	DevBatches   int `yaml:"dev_batches"`
}

type ConvergenceConfig struct {
	Threshold             float64 `yaml:"threshold"`
	CheckAccuracyInterval int     `yaml:"check_accuracy_interval"`
}

type DatasetConfig struct {
	Kind          string `yaml:"kind"`
	BatchSize     int    `yaml:"batch_size"`
	NumCandidates int    `yaml:"num_candidates"`
	TrainSize     int    `yaml:"train_size"`
	DevSize       int    `yaml:"dev_size"`
	HeldOut       int    `yaml:"held_out"`
	Shuffle       *bool  `yaml:"shuffle_train"`
	EmbeddingDim  int    `yaml:"wv_dim"`
	GloVePath     string `yaml:"glove_path"`
	TrainPath     string `yaml:"train_path"`
	InDomainPath  string `yaml:"indomain_dev_path"`
	OutDomainPath string `yaml:"outdomain_dev_path"`
}

type EvalConfig struct {
	EvalOnly       bool   `yaml:"eval_only"`
	EvalXProduct   bool   `yaml:"eval_xproduct"`
	ExportMessages bool   `yaml:"export_messages"`
	CheckpointRun  string `yaml:"checkpoint_run"`
	CheckpointTag  string `yaml:"checkpoint_tag"`
	Workers        int    `yaml:"workers"`

	// BitFlip corrupts evaluated binary messages over CorruptRegion, or all
	// bits when the region is empty.
	BitFlip           bool   `yaml:"bit_flip"`
	CorruptRegion     string `yaml:"corrupt_region"`
	NoMessageBaseline bool   `yaml:"no_message_baseline"`
}

type StoreConfig struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

const (
	DatasetShapeWorld = "shapeworld"
	DatasetJSONL      = "jsonl"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// Load reads and validates a YAML experiment file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes YAML, rejecting unknown fields, then applies defaults and
// validates.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) SetDefaults() {
	if c.Seed == nil {
		seed := int64(7)
		c.Seed = &seed
	}
	if c.Mode == "" {
		c.Mode = model.ModePair
	}
	if c.Mode == model.ModePair && c.NumAgents == 0 {
		c.NumAgents = 2
	}
	c.Community.SetDefaults()
	c.Channel.SetDefaults()
	c.Agent.SetDefaults()
	c.Training.SetDefaults()
	c.Optimizer.SetDefaults()
	c.Intervals.SetDefaults()
	c.Convergence.SetDefaults()
	c.Dataset.SetDefaults()
	c.Eval.SetDefaults()
	c.Store.SetDefaults()
}

func (c *CommunityConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = string(topology.SubtypeDense)
	}
	if c.IntraInterRatio == 0 {
		c.IntraInterRatio = 1
	}
}

func (c *ChannelConfig) SetDefaults() {
	if c.MessageType == "" {
		c.MessageType = string(channel.Binary)
	}
	if c.Estimator == "" {
		c.Estimator = string(channel.PolicyGradient)
	}
	if c.MessageDim == 0 {
		c.MessageDim = 64
	}
}

func (c *AgentConfig) SetDefaults() {
	if c.InitScale == 0 {
		c.InitScale = 0.1
	}
}

func (c *TrainingConfig) SetDefaults() {
	if c.MaxEpoch == 0 {
		c.MaxEpoch = 500
	}
	if c.TopKTrain == 0 {
		c.TopKTrain = 3
	}
	if c.TopKDev == 0 {
		c.TopKDev = 3
	}
	if c.RewardType == "" {
		c.RewardType = string(episode.RewardBinary)
	}
	if c.Cooperative == nil {
		v := true
		c.Cooperative = &v
	}
	if c.ListenerObjective == "" {
		c.ListenerObjective = string(episode.ObjectiveNLL)
	}
	if c.RLWeight == nil {
		v := 1.0
		c.RLWeight = &v
	}
	if c.NLLWeight == nil {
		v := 1.0
		c.NLLWeight = &v
	}
	if c.Baseline == "" {
		c.Baseline = string(episode.BaselineMovingAverage)
	}
	if c.BaselineDecay == 0 {
		c.BaselineDecay = 0.99
	}
	if c.NonFiniteCeiling == 0 {
		c.NonFiniteCeiling = 10
	}
}

func (c *OptimizerConfig) SetDefaults() {
	if c.Kind == "" {
		c.Kind = optim.KindRMSprop
	}
	if c.LearningRate == 0 {
		c.LearningRate = 1e-4
	}
}

func (c *IntervalsConfig) SetDefaults() {
	if c.Log == 0 {
		c.Log = 50
	}
	if c.Save == 0 {
		c.Save = 1000
	}
	if c.Eval == 0 {
		c.Eval = 1000
	}
}

func (c *ConvergenceConfig) SetDefaults() {
	if c.Threshold == 0 {
		c.Threshold = 0.75
	}
	if c.CheckAccuracyInterval == 0 {
		c.CheckAccuracyInterval = 1000
	}
}

func (c *DatasetConfig) SetDefaults() {
	if c.Kind == "" {
		c.Kind = DatasetShapeWorld
	}
	if c.BatchSize == 0 {
		c.BatchSize = 32
	}
	if c.NumCandidates == 0 {
		c.NumCandidates = 5
	}
	if c.TrainSize == 0 {
		c.TrainSize = 2048
	}
	if c.DevSize == 0 {
		c.DevSize = 256
	}
	if c.HeldOut == 0 {
		c.HeldOut = 8
	}
	if c.Shuffle == nil {
		v := true
		c.Shuffle = &v
	}
	if c.EmbeddingDim == 0 {
		c.EmbeddingDim = 100
	}
}

func (c *EvalConfig) SetDefaults() {
	if c.CheckpointTag == "" {
		c.CheckpointTag = "latest"
	}
}

func (c *StoreConfig) SetDefaults() {
	if c.Kind == "" {
		c.Kind = storage.DefaultStoreKind
	}
}

// Validate checks the backend name only; the path may still come from a
// command-line override.
func (c *StoreConfig) Validate() error {
	switch c.Kind {
	case storage.KindMemory, storage.KindSQLite:
		return nil
	default:
		return model.ConfigErrorf("store", "unsupported store backend %q", c.Kind)
	}
}

func (c *Config) Validate() error {
	switch c.Mode {
	case model.ModePair:
		if c.NumAgents != 2 {
			return model.ConfigErrorf("num_agents", "pair mode uses exactly 2 agents, got %d", c.NumAgents)
		}
	case model.ModePool:
		if c.NumAgents < 2 {
			return model.ConfigErrorf("num_agents", "pool mode needs at least 2 agents, got %d", c.NumAgents)
		}
	case model.ModeCommunity:
		if err := c.Community.Validate(); err != nil {
			return err
		}
	default:
		return model.ConfigErrorf("mode", "unsupported mode %q", c.Mode)
	}
	if len(c.Community.PoolCheckpoints) > 0 && c.Mode != model.ModeCommunity {
		return model.ConfigErrorf("pool_checkpoints", "only community mode seeds pools")
	}
	for i, w := range c.TrainWeights {
		if w.Weight < 0 {
			return model.ConfigErrorf("train_weights", "entry %d weight must be >= 0, got %v", i, w.Weight)
		}
	}
	if _, err := c.EpisodeConfig(); err != nil {
		return err
	}
	if err := c.Training.Validate(); err != nil {
		return err
	}
	if _, err := optim.NewFactory(c.Optimizer.Kind, c.Optimizer.LearningRate); err != nil {
		return err
	}
	if err := c.Intervals.Validate(); err != nil {
		return err
	}
	if c.Convergence.Threshold <= 0 || c.Convergence.Threshold > 1 {
		return model.ConfigErrorf("convergence_threshold", "must be in (0,1], got %v", c.Convergence.Threshold)
	}
	if c.Convergence.CheckAccuracyInterval < -1 {
		return model.ConfigErrorf("check_accuracy_interval", "must be >= -1, got %d", c.Convergence.CheckAccuracyInterval)
	}
	if err := c.Dataset.Validate(); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Eval.Validate(); err != nil {
		return err
	}
	if _, err := c.corruptBits(); err != nil {
		return err
	}
	return nil
}

func (c *Config) corruptBits() ([]int, error) {
	if !c.Eval.BitFlip {
		if c.Eval.CorruptRegion != "" {
			return nil, model.ConfigErrorf("corrupt_region", "requires bit_flip")
		}
		return nil, nil
	}
	mode, err := channel.ParseMode(c.Channel.MessageType)
	if err != nil {
		return nil, err
	}
	if mode != channel.Binary {
		return nil, model.ConfigErrorf("bit_flip", "needs message_type %q, got %q", channel.Binary, mode)
	}
	return evaluate.ParseRegion(c.Eval.CorruptRegion, c.Channel.MessageDim)
}

func (c *CommunityConfig) Validate() error {
	if c.NumCommunities <= 0 {
		return model.ConfigErrorf("num_communities", "must be > 0, got %d", c.NumCommunities)
	}
	if len(c.Sizes) != c.NumCommunities {
		return model.ConfigErrorf("community_size", "expected %d pool sizes, got %d", c.NumCommunities, len(c.Sizes))
	}
	if len(c.IntraConnectivity) != c.NumCommunities {
		return model.ConfigErrorf("intra_community_connectivity", "expected %d values, got %d", c.NumCommunities, len(c.IntraConnectivity))
	}
	if _, err := topology.ParseSubtype(c.Type); err != nil {
		return err
	}
	if c.IntraInterRatio <= 0 {
		return model.ConfigErrorf("intra_inter_ratio", "must be > 0, got %v", c.IntraInterRatio)
	}
	if len(c.PoolCheckpoints) > 0 && len(c.PoolCheckpoints) != c.NumCommunities {
		return model.ConfigErrorf("pool_checkpoints", "expected %d run ids, got %d", c.NumCommunities, len(c.PoolCheckpoints))
	}
	return nil
}

func (c *TrainingConfig) Validate() error {
	if c.MaxEpoch <= 0 {
		return model.ConfigErrorf("max_epoch", "must be > 0, got %d", c.MaxEpoch)
	}
	if c.ClipNorm < 0 {
		return model.ConfigErrorf("clip_norm", "must be >= 0, got %v", c.ClipNorm)
	}
	if c.NonFiniteCeiling < 0 {
		return model.ConfigErrorf("non_finite_ceiling", "must be >= 0, got %d", c.NonFiniteCeiling)
	}
	return nil
}

func (c *IntervalsConfig) Validate() error {
	for name, v := range map[string]int{
		"log_interval":           c.Log,
		"save_interval":          c.Save,
		"save_distinct_interval": c.SaveDistinct,
		"eval_interval":          c.Eval,
	} {
		if v < -1 {
			return model.ConfigErrorf(name, "must be >= -1, got %d", v)
		}
	}
	if c.DevBatches < 0 {
		return model.ConfigErrorf("dev_batches", "must be >= 0, got %d", c.DevBatches)
	}
	return nil
}

func (c *DatasetConfig) Validate() error {
	if c.BatchSize <= 0 {
		return model.ConfigErrorf("batch_size", "must be > 0, got %d", c.BatchSize)
	}
	if c.EmbeddingDim <= 0 {
		return model.ConfigErrorf("wv_dim", "must be > 0, got %d", c.EmbeddingDim)
	}
	switch c.Kind {
	case DatasetShapeWorld:
		if c.NumCandidates < 2 {
			return model.ConfigErrorf("num_candidates", "must be >= 2, got %d", c.NumCandidates)
		}
	case DatasetJSONL:
		if c.TrainPath == "" {
			return model.ConfigErrorf("train_path", "jsonl dataset needs a train file")
		}
	default:
		return model.ConfigErrorf("dataset", "unsupported dataset %q", c.Kind)
	}
	return nil
}

func (c *EvalConfig) Validate() error {
	if c.EvalXProduct && !c.EvalOnly {
		return model.ConfigErrorf("eval_xproduct", "requires eval_only")
	}
	if c.EvalOnly && c.CheckpointRun == "" {
		return model.ConfigErrorf("checkpoint_run", "eval_only needs a checkpoint run")
	}
	if c.Workers < 0 {
		return model.ConfigErrorf("workers", "must be >= 0, got %d", c.Workers)
	}
	return nil
}

// EpisodeConfig translates the channel and training sections for the episode
// runner and validates the result.
func (c *Config) EpisodeConfig() (episode.Config, error) {
	mode, err := channel.ParseMode(c.Channel.MessageType)
	if err != nil {
		return episode.Config{}, err
	}
	estimator, err := channel.ParseEstimator(c.Channel.Estimator)
	if err != nil {
		return episode.Config{}, err
	}
	reward, err := episode.ParseRewardType(c.Training.RewardType)
	if err != nil {
		return episode.Config{}, err
	}
	objective, err := episode.ParseListenerObjective(c.Training.ListenerObjective)
	if err != nil {
		return episode.Config{}, err
	}
	baseline, err := episode.ParseBaseline(c.Training.Baseline)
	if err != nil {
		return episode.Config{}, err
	}
	cfg := episode.Config{
		Channel: channel.Config{
			Mode:       mode,
			Estimator:  estimator,
			MessageDim: c.Channel.MessageDim,
			Sigma:      c.Channel.Sigma,
		},
		TopKTrain:             c.Training.TopKTrain,
		TopKEval:              c.Training.TopKDev,
		SpeakerEntropyWeight:  c.Training.EntropyAgent1,
		ListenerEntropyWeight: c.Training.EntropyAgent2,
		RewardType:            reward,
		Cooperative:           *c.Training.Cooperative,
		ListenerObjective:     objective,
		NormalizeAdvantage:    c.Training.NormalizeAdvantage,
		RLWeight:              *c.Training.RLWeight,
		NLLWeight:             *c.Training.NLLWeight,
		Baseline:              baseline,
		BaselineDecay:         c.Training.BaselineDecay,
	}
	if err := cfg.Validate(); err != nil {
		return episode.Config{}, err
	}
	return cfg, nil
}

// TopologyConfig translates the layout sections for the topology builder.
func (c *Config) TopologyConfig() (topology.Config, error) {
	subtype, err := topology.ParseSubtype(c.Community.Type)
	if err != nil {
		return topology.Config{}, err
	}
	cfg := topology.Config{
		Mode:              c.Mode,
		NumAgents:         c.NumAgents,
		NumCommunities:    c.Community.NumCommunities,
		PoolSizes:         c.Community.Sizes,
		IntraConnectivity: c.Community.IntraConnectivity,
		InterConnectivity: c.Community.InterConnectivity,
		Subtype:           subtype,
		Seed:              *c.Seed,
	}
	if c.Mode == model.ModePair {
		cfg.NumAgents = 2
	}
	if len(c.TrainWeights) > 0 {
		cfg.TrainWeights = make(map[model.PairKey]float64, len(c.TrainWeights))
		for _, w := range c.TrainWeights {
			cfg.TrainWeights[model.NewPairKey(w.A, w.B)] = w.Weight
		}
	}
	return cfg, nil
}

func (c *Config) ScheduleConfig() schedule.Config {
	return schedule.Config{
		Ratio:          c.Community.IntraInterRatio,
		RandomizeOrder: c.RandomizeComms,
		Seed:           *c.Seed + 1,
	}
}

// TrainConfig translates the loop knobs. Disabled intervals become zero.
func (c *Config) TrainConfig(runID string) train.Config {
	return train.Config{
		RunID:                 runID,
		Seed:                  *c.Seed + 2,
		MaxEpoch:              c.Training.MaxEpoch,
		LogInterval:           enabled(c.Intervals.Log),
		SaveInterval:          enabled(c.Intervals.Save),
		SaveDistinctInterval:  enabled(c.Intervals.SaveDistinct),
		EvalInterval:          enabled(c.Intervals.Eval),
		CheckAccuracyInterval: enabled(c.Convergence.CheckAccuracyInterval),
		NonFiniteCeiling:      c.Training.NonFiniteCeiling,
		ClipNorm:              c.Training.ClipNorm,
		Threshold:             c.Convergence.Threshold,
	}
}

func (c *Config) EvaluateConfig() evaluate.Config {
	// Validate has already rejected a bad region.
	bits, _ := c.corruptBits()
	return evaluate.Config{
		Batches:   c.Intervals.DevBatches,
		Workers:   c.Eval.Workers,
		Seed:      *c.Seed + 3,
		Corrupt:   bits,
		NoMessage: c.Eval.NoMessageBaseline,
	}
}

func (c *Config) ShapeWorldConfig() dataset.ShapeWorldConfig {
	return dataset.ShapeWorldConfig{
		NumCandidates: c.Dataset.NumCandidates,
		TrainSize:     c.Dataset.TrainSize,
		DevSize:       c.Dataset.DevSize,
		BatchSize:     c.Dataset.BatchSize,
		HeldOut:       c.Dataset.HeldOut,
		Shuffle:       *c.Dataset.Shuffle,
		Seed:          *c.Seed,
	}
}

func enabled(interval int) int {
	if interval < 0 {
		return 0
	}
	return interval
}

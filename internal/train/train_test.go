package train

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commgame/internal/agent"
	"commgame/internal/dataset"
	"commgame/internal/episode"
	"commgame/internal/evaluate"
	"commgame/internal/logging"
	"commgame/internal/model"
	"commgame/internal/nn"
	"commgame/internal/optim"
	"commgame/internal/population"
	"commgame/internal/schedule"
	"commgame/internal/storage"
	"commgame/internal/topology"
)

// oracleAgent speaks its description verbatim and, as a listener, picks the
// candidate matching the message. With nan set its message log-probabilities
// are NaN.
type oracleAgent struct {
	id  model.AgentID
	nan bool
}

func (a *oracleAgent) ID() model.AgentID          { return a.id }
func (a *oracleAgent) Parameters() []*agent.Param { return nil }

func (a *oracleAgent) EmitMessage(descriptions [][]float64, _ agent.EmitOptions) (agent.MessageTrace, error) {
	logp := make([]float64, len(descriptions))
	if a.nan {
		for i := range logp {
			logp[i] = math.NaN()
		}
	}
	return oracleTrace{messages: descriptions, logp: logp}, nil
}

func (a *oracleAgent) SelectCandidate(messages [][]float64, candidates [][][]float64) (agent.SelectionTrace, error) {
	probs := make([][]float64, len(messages))
	for i, cands := range candidates {
		scores := make([]float64, len(cands))
		for j, c := range cands {
			for k := range c {
				scores[j] += c[k] * messages[i][k]
			}
		}
		p := make([]float64, len(cands))
		for j := range p {
			p[j] = 0.05
		}
		p[nn.Argmax(scores)] = 1 - 0.05*float64(len(cands)-1)
		probs[i] = p
	}
	return oracleSelection{probs: probs}, nil
}

type oracleTrace struct {
	messages [][]float64
	logp     []float64
}

func (t oracleTrace) Messages() [][]float64             { return t.messages }
func (t oracleTrace) LogProbs() []float64               { return t.logp }
func (t oracleTrace) Entropies() []float64              { return make([]float64, len(t.messages)) }
func (t oracleTrace) BackwardLogProb([]float64) error   { return nil }
func (t oracleTrace) BackwardEntropy(float64)           {}
func (t oracleTrace) BackwardMessage([][]float64) error { return nil }

type oracleSelection struct{ probs [][]float64 }

func (s oracleSelection) Probs() [][]float64                           { return s.probs }
func (s oracleSelection) BackwardLogLikelihood([]int, []float64) error { return nil }
func (s oracleSelection) BackwardEntropy(float64)                      {}
func (s oracleSelection) MessageGrad() [][]float64                     { return nil }

func gameExamples(n int) []model.Example {
	eye := [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	out := make([]model.Example, n)
	for i := range out {
		target := i % 3
		out[i] = model.Example{
			Description: append([]float64(nil), eye[target]...),
			Target:      target,
			Candidates:  eye,
		}
	}
	return out
}

func gameSource(t *testing.T, train, dev, batch int) *dataset.Static {
	t.Helper()
	splits := map[model.Split][]model.Example{model.SplitTrain: gameExamples(train)}
	if dev > 0 {
		splits[model.SplitInDomainDev] = gameExamples(dev)
	}
	src, err := dataset.NewStatic(dataset.StaticConfig{BatchSize: batch, Shuffle: true, Seed: 5}, splits)
	require.NoError(t, err)
	return src
}

type fixture struct {
	pop   *population.Population
	store storage.Store
	comps Components
}

func newFixture(t *testing.T, topoCfg topology.Config, factory agent.Factory, data dataset.Source) fixture {
	t.Helper()
	topo, err := topology.Build(topoCfg)
	require.NoError(t, err)
	optFactory, err := optim.NewFactory(optim.KindSGD, 0.5)
	require.NoError(t, err)
	pop, err := population.New(topo, factory, optFactory, 7)
	require.NoError(t, err)
	sched, err := schedule.New(topo, schedule.Config{Ratio: 1, Seed: 3}, logging.Discard())
	require.NoError(t, err)
	runner, err := episode.NewRunner(episode.DefaultConfig())
	require.NoError(t, err)
	ev, err := evaluate.New(evaluate.Config{Workers: 4}, runner, data)
	require.NoError(t, err)
	store := storage.NewMemoryStore()
	require.NoError(t, store.Init(context.Background()))
	return fixture{
		pop:   pop,
		store: store,
		comps: Components{
			Population: pop,
			Scheduler:  sched,
			Runner:     runner,
			Data:       data,
			Evaluator:  ev,
			Store:      store,
			Logger:     logging.Discard(),
		},
	}
}

func oracleFactory(nan bool) agent.Factory {
	return func(id model.AgentID, _ *rand.Rand) (agent.Agent, error) {
		return &oracleAgent{id: id, nan: nan}, nil
	}
}

func TestPairModeSingleStepUpdatesAgents(t *testing.T) {
	lin := agent.LinearConfig{DescriptionDim: 3, FeatureDim: 3, Channel: episode.DefaultConfig().Channel}
	f := newFixture(t, topology.Config{Mode: model.ModePair}, agent.LinearFactory(lin), gameSource(t, 4, 0, 4))
	listener, ok := f.pop.Agent(1)
	require.True(t, ok)
	before := agent.Snapshot(listener)

	tr, err := New(Config{RunID: "pair-run", Seed: 1, MaxEpoch: 1}, f.comps)
	require.NoError(t, err)
	res, err := tr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.StateMaxEpochReached, res.State)
	assert.Equal(t, 1, res.Steps)
	assert.Equal(t, 1, res.Epochs)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, 1, res.PairStats[model.NewPairKey(0, 1)].Steps)
	assert.Empty(t, res.Matrix, "pair mode never checks convergence")
	assert.NotEqual(t, before, agent.Snapshot(listener))

	ctx := context.Background()
	for _, id := range []model.AgentID{0, 1} {
		cp, ok, err := f.store.GetAgentCheckpoint(ctx, "pair-run", id, population.TagLatest)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 1, cp.Step)
	}
	run, ok, err := f.store.GetRun(ctx, "pair-run")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StateMaxEpochReached, run.State)
	assert.Equal(t, model.ModePair, run.Mode)
	assert.Len(t, run.Edges, 1)
}

func TestPoolConvergesOnFirstCheck(t *testing.T) {
	f := newFixture(t, topology.Config{Mode: model.ModePool, NumAgents: 8}, oracleFactory(false), gameSource(t, 12, 6, 3))
	tr, err := New(Config{RunID: "pool-run", MaxEpoch: 5, CheckAccuracyInterval: 1, EvalInterval: 1}, f.comps)
	require.NoError(t, err)

	res, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StateConverged, res.State)
	assert.Equal(t, 1, res.Steps)
	assert.Len(t, res.Matrix, 28)
	require.Len(t, res.History, 1)
	assert.True(t, res.History[0].Converged)
	assert.Equal(t, 28, res.History[0].Pairs)
	assert.Equal(t, 1.0, res.BestDevAccuracy)
	assert.Equal(t, 1.0, res.DevAccuracy[model.SplitInDomainDev])

	snap, ok, err := f.store.GetAccuracySnapshot(context.Background(), "pool-run")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, snap.Step)
	assert.Equal(t, 1.0, snap.Mean)

	run, _, err := f.store.GetRun(context.Background(), "pool-run")
	require.NoError(t, err)
	assert.Equal(t, model.StateConverged, run.State)
}

func TestDistinctCheckpoints(t *testing.T) {
	f := newFixture(t, topology.Config{Mode: model.ModePool, NumAgents: 2}, oracleFactory(false), gameSource(t, 12, 0, 3))
	tr, err := New(Config{RunID: "tags", MaxEpoch: 1, SaveInterval: 2, SaveDistinctInterval: 2, LogInterval: 1}, f.comps)
	require.NoError(t, err)
	res, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Steps)

	tags, err := f.store.ListCheckpointTags(context.Background(), "tags")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{population.TagLatest, "step-2", "step-4"}, tags)
}

// cancellingSource cancels the run on the n-th batch request.
type cancellingSource struct {
	dataset.Source
	cancel context.CancelFunc
	n      int
	calls  int
}

func (s *cancellingSource) NextBatch(ctx context.Context, split model.Split) (model.Batch, error) {
	s.calls++
	if s.calls == s.n {
		s.cancel()
	}
	return s.Source.NextBatch(ctx, split)
}

func TestCancellationWritesLatestCheckpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	data := &cancellingSource{Source: gameSource(t, 12, 0, 3), cancel: cancel, n: 3}
	f := newFixture(t, topology.Config{Mode: model.ModePool, NumAgents: 3}, oracleFactory(false), data)

	tr, err := New(Config{RunID: "cancel-run", MaxEpoch: 10}, f.comps)
	require.NoError(t, err)
	res, err := tr.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.StateInterrupted, res.State)
	assert.Equal(t, 2, res.Steps)

	cp, ok, err := f.store.GetAgentCheckpoint(context.Background(), "cancel-run", 0, population.TagLatest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, cp.Step)
	run, _, err := f.store.GetRun(context.Background(), "cancel-run")
	require.NoError(t, err)
	assert.Equal(t, model.StateInterrupted, run.State)
}

type failingStore struct {
	storage.Store
}

func (failingStore) SaveAgentCheckpoint(context.Context, model.AgentCheckpoint) error {
	return errors.New("disk full")
}

func TestCheckpointFailureHalts(t *testing.T) {
	f := newFixture(t, topology.Config{Mode: model.ModePool, NumAgents: 3}, oracleFactory(false), gameSource(t, 12, 0, 3))
	f.comps.Store = failingStore{Store: f.store}

	tr, err := New(Config{RunID: "io-run", MaxEpoch: 3, SaveInterval: 1}, f.comps)
	require.NoError(t, err)
	res, err := tr.Run(context.Background())
	var ioErr *model.CheckpointIOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "save", ioErr.Op)
	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, 1, res.Steps)
}

func TestNonFiniteCeiling(t *testing.T) {
	f := newFixture(t, topology.Config{Mode: model.ModePool, NumAgents: 3}, oracleFactory(true), gameSource(t, 30, 0, 3))
	tr, err := New(Config{RunID: "nan-run", MaxEpoch: 1, NonFiniteCeiling: 3}, f.comps)
	require.NoError(t, err)

	res, err := tr.Run(context.Background())
	require.ErrorIs(t, err, model.ErrNumericInstability)
	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, 3, res.Skipped)
	assert.Empty(t, res.PairStats)

	run, ok, err := f.store.GetRun(context.Background(), "nan-run")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StateFailed, run.State)
}

func TestCommunityDegeneracyIsCounted(t *testing.T) {
	cfg := topology.Config{
		Mode:              model.ModeCommunity,
		NumCommunities:    2,
		PoolSizes:         []int{2, 2},
		IntraConnectivity: []float64{1, 1},
		InterConnectivity: 0,
	}
	f := newFixture(t, cfg, oracleFactory(false), gameSource(t, 60, 0, 3))
	tr, err := New(Config{RunID: "degenerate", MaxEpoch: 1}, f.comps)
	require.NoError(t, err)
	res, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, res.Steps)
	assert.Greater(t, res.Degeneracies[schedule.Degeneracy{Requested: model.InterPool, Used: model.IntraPool}], 0)
	for key := range res.PairStats {
		a, _ := f.pop.Topology().PoolOf(key.Low)
		b, _ := f.pop.Topology().PoolOf(key.High)
		assert.Equal(t, a, b, "only intra-pool pairs can train")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	f := newFixture(t, topology.Config{Mode: model.ModePool, NumAgents: 3}, oracleFactory(false), gameSource(t, 3, 0, 3))

	_, err := New(Config{MaxEpoch: 1}, f.comps)
	assert.True(t, model.IsConfigurationError(err))
	_, err = New(Config{RunID: "x"}, f.comps)
	assert.True(t, model.IsConfigurationError(err))
	_, err = New(Config{RunID: "x", MaxEpoch: 1, SaveInterval: -1}, f.comps)
	assert.True(t, model.IsConfigurationError(err))
	_, err = New(Config{RunID: "x", MaxEpoch: 1, Threshold: 2}, f.comps)
	assert.True(t, model.IsConfigurationError(err))

	noEval := f.comps
	noEval.Evaluator = nil
	_, err = New(Config{RunID: "x", MaxEpoch: 1, EvalInterval: 5}, noEval)
	assert.True(t, model.IsConfigurationError(err))
}

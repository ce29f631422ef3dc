package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commgame/internal/model"
)

func TestBuildPair(t *testing.T) {
	topo, err := Build(Config{Mode: model.ModePair})
	require.NoError(t, err)
	assert.Equal(t, 2, topo.NumAgents())
	require.Len(t, topo.Edges(), 1)
	assert.True(t, topo.HasEdge(1, 0))

	_, err = Build(Config{Mode: model.ModePair, NumAgents: 3})
	assert.True(t, model.IsConfigurationError(err))
}

func TestBuildPoolIsComplete(t *testing.T) {
	topo, err := Build(Config{Mode: model.ModePool, NumAgents: 8})
	require.NoError(t, err)
	assert.Equal(t, 8, topo.NumAgents())
	assert.Len(t, topo.Edges(), 8*7/2)
	assert.Empty(t, topo.EdgesByCategory(model.InterPool))
	for _, id := range topo.AgentIDs() {
		assert.Len(t, topo.Neighbors(id), 7)
	}

	_, err = Build(Config{Mode: model.ModePool, NumAgents: 1})
	assert.True(t, model.IsConfigurationError(err))
}

func TestBuildCommunityAgentCountAndFullIntra(t *testing.T) {
	topo, err := Build(Config{
		Mode:              model.ModeCommunity,
		NumCommunities:    3,
		PoolSizes:         []int{4, 3, 5},
		IntraConnectivity: []float64{1, 1, 1},
		InterConnectivity: 0.2,
		Seed:              7,
	})
	require.NoError(t, err)
	assert.Equal(t, 12, topo.NumAgents())

	summary := topo.Summary()
	require.Len(t, summary.Pools, 3)
	for _, ps := range summary.Pools {
		assert.Equal(t, ps.Size*(ps.Size-1)/2, ps.IntraEdges, "pool %d", ps.Pool)
	}
	for _, e := range topo.EdgesByCategory(model.InterPool) {
		pa, _ := topo.PoolOf(e.A)
		pb, _ := topo.PoolOf(e.B)
		assert.NotEqual(t, pa, pb)
	}
	for _, e := range topo.EdgesByCategory(model.IntraPool) {
		pa, _ := topo.PoolOf(e.A)
		pb, _ := topo.PoolOf(e.B)
		assert.Equal(t, pa, pb)
	}
}

func TestChainSkipsNonAdjacentPools(t *testing.T) {
	topo, err := Build(Config{
		Mode:              model.ModeCommunity,
		NumCommunities:    3,
		PoolSizes:         []int{2, 2, 2},
		IntraConnectivity: []float64{1, 1, 1},
		InterConnectivity: 1,
		Subtype:           SubtypeChain,
		Seed:              1,
	})
	require.NoError(t, err)
	for _, e := range topo.EdgesByCategory(model.InterPool) {
		pa, _ := topo.PoolOf(e.A)
		pb, _ := topo.PoolOf(e.B)
		d := int(pa) - int(pb)
		assert.True(t, d == 1 || d == -1, "edge %s joins pools %d and %d", e.Key(), pa, pb)
	}
	// Pools 0-1 and 1-2 are fully wired, 0-2 not at all.
	assert.Len(t, topo.EdgesByCategory(model.InterPool), 2*4)

	dense, err := Build(Config{
		Mode:              model.ModeCommunity,
		NumCommunities:    3,
		PoolSizes:         []int{2, 2, 2},
		IntraConnectivity: []float64{1, 1, 1},
		InterConnectivity: 1,
		Seed:              1,
	})
	require.NoError(t, err)
	assert.Len(t, dense.EdgesByCategory(model.InterPool), 3*4)
}

func TestBuildCommunityDeterministic(t *testing.T) {
	cfg := Config{
		Mode:              model.ModeCommunity,
		NumCommunities:    2,
		PoolSizes:         []int{5, 5},
		IntraConnectivity: []float64{0.8, 0.6},
		InterConnectivity: 0.3,
		Seed:              99,
	}
	a, err := Build(cfg)
	require.NoError(t, err)
	b, err := Build(cfg)
	require.NoError(t, err)
	assert.Equal(t, a.Edges(), b.Edges())
}

func TestBuildCommunityRejectsMismatchedLists(t *testing.T) {
	base := Config{
		Mode:              model.ModeCommunity,
		NumCommunities:    2,
		PoolSizes:         []int{3, 3},
		IntraConnectivity: []float64{1, 1},
		InterConnectivity: 0.5,
	}

	cfg := base
	cfg.PoolSizes = []int{3}
	_, err := Build(cfg)
	var cfgErr *model.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "community_size", cfgErr.Param)

	cfg = base
	cfg.IntraConnectivity = []float64{1, 1, 1}
	_, err = Build(cfg)
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "intra_community_connectivity", cfgErr.Param)

	cfg = base
	cfg.InterConnectivity = 1.5
	_, err = Build(cfg)
	assert.True(t, model.IsConfigurationError(err))

	cfg = base
	cfg.Subtype = "ring"
	_, err = Build(cfg)
	assert.True(t, model.IsConfigurationError(err))
}

func TestBuildRejectsDisconnectedAgent(t *testing.T) {
	_, err := Build(Config{
		Mode:              model.ModeCommunity,
		NumCommunities:    2,
		PoolSizes:         []int{3, 3},
		IntraConnectivity: []float64{1, 0},
		InterConnectivity: 0,
	})
	var cfgErr *model.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "topology", cfgErr.Param)
}

func TestTrainWeights(t *testing.T) {
	topo, err := Build(Config{
		Mode:         model.ModePool,
		NumAgents:    3,
		TrainWeights: map[model.PairKey]float64{{Low: 2, High: 0}: 5},
	})
	require.NoError(t, err)
	e, ok := topo.Edge(0, 2)
	require.True(t, ok)
	assert.Equal(t, 5.0, e.TrainWeight)

	_, err = Build(Config{
		Mode:         model.ModePair,
		TrainWeights: map[model.PairKey]float64{{Low: 0, High: 5}: 1},
	})
	assert.True(t, model.IsConfigurationError(err))
}

func TestFromEdgesRoundTrip(t *testing.T) {
	topo, err := Build(Config{
		Mode:              model.ModeCommunity,
		NumCommunities:    2,
		PoolSizes:         []int{3, 2},
		IntraConnectivity: []float64{1, 1},
		InterConnectivity: 0.5,
		Seed:              3,
	})
	require.NoError(t, err)

	restored, err := FromEdges(topo.Mode(), topo.Pools(), topo.Edges())
	require.NoError(t, err)
	assert.Equal(t, topo.Edges(), restored.Edges())
	assert.Equal(t, topo.Summary(), restored.Summary())

	_, err = FromEdges(model.ModePool, topo.Pools(), append(topo.Edges(), model.Edge{A: 0, B: 0}))
	assert.True(t, model.IsConfigurationError(err))
}

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commgame/internal/model"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.ObserveStep(0.5, 1.2)
	r.ObserveStep(0.75, 1.0)
	r.ObserveSkip()
	r.ObserveDegeneracy(model.IntraPool, model.InterPool)
	r.ObserveCheckpoint("latest")
	r.ObserveCheckpoint("distinct")
	r.ObserveCheckpoint("latest")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.steps))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.skipped))
	assert.Equal(t, 0.75, testutil.ToFloat64(r.rewardMean))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.degeneracies.WithLabelValues("intra-pool", "inter-pool")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.checkpoints.WithLabelValues("latest")))
}

func TestRecorderAccuracy(t *testing.T) {
	r := New()
	r.ObserveAccuracy([]model.PairAccuracy{
		{Pair: model.NewPairKey(0, 1), Accuracy: 0.9},
		{Pair: model.NewPairKey(1, 2), Accuracy: 0.7},
	}, 0.8)
	r.ObserveDevAccuracy(model.SplitInDomainDev, 0.6)

	assert.Equal(t, 0.9, testutil.ToFloat64(r.pairAccuracy.WithLabelValues("0-1")))
	assert.Equal(t, 0.8, testutil.ToFloat64(r.meanAccuracy))
	assert.Equal(t, 0.6, testutil.ToFloat64(r.devAccuracy.WithLabelValues("indomain_dev")))
}

func TestHandlerServesRegistry(t *testing.T) {
	r := New()
	r.ObserveStep(1, 0)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "commgame_steps_total 1"))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.ObserveStep(1, 1)
	r.ObserveSkip()
	r.ObserveDegeneracy(model.IntraPool, model.InterPool)
	r.ObserveAccuracy(nil, 0)
	r.ObserveDevAccuracy(model.SplitInDomainDev, 0)
	r.ObserveCheckpoint("latest")
	assert.Nil(t, r.Registry())

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

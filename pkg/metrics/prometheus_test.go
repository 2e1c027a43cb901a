package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.RecordRejected("magnitude", 3)
	r.RecordRejected("magnitude", 2)
	r.RecordEvents("independent", 40)
	r.RecordPermutations("monte_carlo_permutation", 1000)
	r.RecordVerdict("schuster", "fail")
	r.RecordError("stage_regression")
	r.RecordStage("features", 0.2, false)
	r.RecordLatency("ephemeris_fetch", 0.5)

	assert.Equal(t, 5.0, testutil.ToFloat64(r.rejected.WithLabelValues("magnitude")))
	assert.Equal(t, 40.0, testutil.ToFloat64(r.events.WithLabelValues("independent")))
	assert.Equal(t, 1000.0, testutil.ToFloat64(r.permutations.WithLabelValues("monte_carlo_permutation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.verdicts.WithLabelValues("schuster", "fail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.errorsTotal.WithLabelValues("stage_regression")))

	n, err := testutil.GatherAndCount(reg, "astroseis_stage_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tongvtdan/apillis-mfg-sub009/metric"
)

func TestCacheMetricsIntegration(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	c, err := NewTTL[string](context.Background(), time.Minute, time.Minute,
		WithMetrics[string](registry, "query_cache"))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set("projects:a", "1", 0))
	require.NoError(t, c.Set("projects:b", "2", 0))
	c.Get("projects:a")
	c.Get("missing")
	c.DeleteMatching(MatchPrefix("projects:"))

	m := c.(*ttlCache[string]).metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.hits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.misses))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sets))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.deletes))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.size))

	count, err := testutil.GatherAndCount(registry.PrometheusRegistry(), "rfqsync_cache_hits_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCacheMetrics_DuplicatePrefix(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	c, err := NewTTL[string](context.Background(), time.Minute, time.Minute,
		WithMetrics[string](registry, "dup"))
	require.NoError(t, err)
	defer c.Close()

	_, err = NewTTL[string](context.Background(), time.Minute, time.Minute,
		WithMetrics[string](registry, "dup"))
	assert.Error(t, err)
}

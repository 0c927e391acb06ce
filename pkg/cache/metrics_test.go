package cache

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/polygraph/pkg/storage"
)

func TestCollector_ExportsPerMethodCounters(t *testing.T) {
	cb, err := New(storage.NewMemoryBackend(true), Options{})
	require.NoError(t, err)
	defer cb.Close()

	_, err = cb.AddNode("a", nil)
	require.NoError(t, err)
	_, err = cb.NodeCount()
	require.NoError(t, err)
	_, err = cb.NodeCount()
	require.NoError(t, err)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(cb)))

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := map[string]*dto.MetricFamily{}
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}
	require.Contains(t, byName, "polygraph_cache_hits_total")
	require.Contains(t, byName, "polygraph_cache_misses_total")
	require.Contains(t, byName, "polygraph_cache_entries")

	require.Equal(t, 1.0, metricValue(t, byName["polygraph_cache_hits_total"], MethodNodeCount))
	require.Equal(t, 1.0, metricValue(t, byName["polygraph_cache_misses_total"], MethodNodeCount))
	require.Equal(t, 1.0, metricValue(t, byName["polygraph_cache_entries"], MethodNodeCount))
}

func metricValue(t *testing.T, mf *dto.MetricFamily, method string) float64 {
	t.Helper()
	for _, m := range mf.GetMetric() {
		for _, label := range m.GetLabel() {
			if label.GetName() == "method" && label.GetValue() == method {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
				return m.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("no %s sample for method %s", mf.GetName(), method)
	return 0
}

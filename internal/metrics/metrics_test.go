package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(remoteCalls.WithLabelValues("getattr"))
	RemoteCall("getattr")
	RemoteCall("getattr")
	assert.Equal(t, before+2, testutil.ToFloat64(remoteCalls.WithLabelValues("getattr")))

	staleBefore := testutil.ToFloat64(staleEvents)
	StaleEvent()
	assert.Equal(t, staleBefore+1, testutil.ToFloat64(staleEvents))
}

func TestGaugeFuncLifecycle(t *testing.T) {
	labels := prometheus.Labels{"share": "gauge-test"}
	require.NoError(t, RegisterGaugeFunc("test_nodes", "test gauge", labels, func() float64 { return 7 }))
	assert.Error(t, RegisterGaugeFunc("test_nodes", "test gauge", labels, func() float64 { return 7 }))

	n, err := testutil.GatherAndCount(Registry, "sharefs_test_nodes")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, UnregisterGaugeFunc("test_nodes", labels))
}

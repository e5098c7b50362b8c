package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryRegistersDistinctCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewRegistry(reg, "vktest")

	metrics.AtlasEvictionsTotal.Inc()
	metrics.AtlasRegionsRetained.WithLabelValues("0").Set(3)
	metrics.StagingSegmentsInUse.Set(1)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestMisusePanics(t *testing.T) {
	require.Panics(t, func() {
		Misuse("condition count underflow on task %d", 7)
	})
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSinkRegistersAllCollectors(t *testing.T) {
	s := New()
	s.HandshakesTotal.WithLabelValues("accepted").Inc()
	s.ConnectionsActive.Set(3)
	s.PacketsDroppedTotal.WithLabelValues("malformed").Add(2)

	families, err := s.Registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	require.Equal(t, float64(1), testutil.ToFloat64(s.HandshakesTotal.WithLabelValues("accepted")))
	require.Equal(t, float64(3), testutil.ToFloat64(s.ConnectionsActive))
}

func TestSinkGaugeVecPerConnection(t *testing.T) {
	s := New()
	s.RTTMicros.WithLabelValues("conn-1").Set(12345)
	s.RTTMicros.WithLabelValues("conn-2").Set(6789)

	require.Equal(t, float64(12345), testutil.ToFloat64(s.RTTMicros.WithLabelValues("conn-1")))
	require.Equal(t, float64(6789), testutil.ToFloat64(s.RTTMicros.WithLabelValues("conn-2")))
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegistryCounters(t *testing.T) {
	r := New()

	r.RowsAdmitted.Inc()
	r.RowsAdmitted.Inc()
	require.Equal(t, 2.0, testutil.ToFloat64(r.RowsAdmitted))

	r.RowsRejected.WithLabelValues("url").Inc()
	require.Equal(t, 1.0, testutil.ToFloat64(r.RowsRejected.WithLabelValues("url")))
	require.Equal(t, 0.0, testutil.ToFloat64(r.RowsRejected.WithLabelValues("protocol")))

	r.RunsSpilled.Inc()
	require.Equal(t, 1.0, testutil.ToFloat64(r.RunsSpilled))

	r.CopyBytesWritten.Add(1024)
	require.Equal(t, 1024.0, testutil.ToFloat64(r.CopyBytesWritten))
}

package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metailurini/cati-queue/queue"
)

type stubSource struct {
	stats map[string]queue.Stats
	err   error
}

func (s stubSource) StatsBySurvey(context.Context) (map[string]queue.Stats, error) {
	return s.stats, s.err
}

func TestStatsCollector_ExportsEveryStatus(t *testing.T) {
	c := NewStatsCollector(stubSource{stats: map[string]queue.Stats{
		"S1": {Pending: 3, Leased: 1, Completed: 2},
	}}, 0, nil)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	expected := `
# HELP cati_queue_entries Number of queue entries by survey and status
# TYPE cati_queue_entries gauge
cati_queue_entries{status="abandoned",survey="S1"} 0
cati_queue_entries{status="completed",survey="S1"} 2
cati_queue_entries{status="exhausted",survey="S1"} 0
cati_queue_entries{status="leased",survey="S1"} 1
cati_queue_entries{status="pending",survey="S1"} 3
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "cati_queue_entries"))
}

func TestStatsCollector_SourceErrorExportsNothing(t *testing.T) {
	c := NewStatsCollector(stubSource{err: errors.New("db down")}, 0, nil)
	assert.Equal(t, 0, testutil.CollectAndCount(c))
}

func TestCountersAreRegistered(t *testing.T) {
	ClaimsTotal.WithLabelValues("claimed").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(ClaimsTotal.WithLabelValues("claimed")), 1.0)
}

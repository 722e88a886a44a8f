package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/metailurini/cati-queue/queue"
)

// StatsSource reports entry counts per survey.
type StatsSource interface {
	StatsBySurvey(ctx context.Context) (map[string]queue.Stats, error)
}

// StatsCollector exports queue_entries{survey,status} gauges, read from the
// store on every scrape.
type StatsCollector struct {
	source  StatsSource
	timeout time.Duration
	logger  zerolog.Logger
	desc    *prometheus.Desc
}

// NewStatsCollector builds a collector. Register it with a prometheus
// registry; scrapes that exceed timeout export nothing.
func NewStatsCollector(source StatsSource, timeout time.Duration, logger *zerolog.Logger) *StatsCollector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}
	return &StatsCollector{
		source:  source,
		timeout: timeout,
		logger:  log,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "entries"),
			"Number of queue entries by survey and status",
			[]string{"survey", "status"}, nil,
		),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	stats, err := c.source.StatsBySurvey(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Str("event", "collect_stats").Msg("failed to read queue stats")
		return
	}
	for survey, s := range stats {
		for _, status := range queue.Statuses {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(s.Count(status)), survey, status.String())
		}
	}
}

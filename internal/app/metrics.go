package app

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"guildbot/internal/config"
	logx "guildbot/pkg/logx"
)

// meters owns the in-process meter provider. There is no exporter; totals
// are pulled through a manual reader and logged.
type meters struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
	interval time.Duration
	log      logx.Logger
}

func newMeters(cfg config.MetricsConfig, log logx.Logger) (*meters, error) {
	interval, err := config.ParseDurationOrDefault("metrics.interval", cfg.Interval, time.Minute)
	if err != nil {
		return nil, err
	}
	reader := sdkmetric.NewManualReader()
	return &meters{
		provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		reader:   reader,
		interval: interval,
		log:      log,
	}, nil
}

func (m *meters) Meter() metric.Meter { return m.provider.Meter("guildbot") }

// summary collapses every instrument to one number: sums for counters and
// observation counts for histograms.
func (m *meters) summary(ctx context.Context) (map[string]float64, error) {
	var rm metricdata.ResourceMetrics
	if err := m.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	out := map[string]float64{}
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			switch d := mt.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range d.DataPoints {
					out[mt.Name] += float64(dp.Value)
				}
			case metricdata.Histogram[float64]:
				for _, dp := range d.DataPoints {
					out[mt.Name+".count"] += float64(dp.Count)
					out[mt.Name+".sum"] += dp.Sum
				}
			}
		}
	}
	return out, nil
}

func (m *meters) logLoop(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sum, err := m.summary(ctx)
			if err != nil {
				m.log.Warn("metrics collect failed", logx.Err(err))
				continue
			}
			if len(sum) == 0 {
				continue
			}
			names := make([]string, 0, len(sum))
			for k := range sum {
				names = append(names, k)
			}
			sort.Strings(names)
			fields := make([]logx.Field, 0, len(names))
			for _, k := range names {
				fields = append(fields, logx.Any(k, sum[k]))
			}
			m.log.Info("metrics", fields...)
		}
	}
}

func (m *meters) Shutdown(ctx context.Context) error { return m.provider.Shutdown(ctx) }

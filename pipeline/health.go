package pipeline

import (
	"context"
	"time"

	"github.com/datastreamhq/cascade/telemetry"
)

// Health probes every destination and assembles the report served on
// /health. Read-only: it never blocks the write path.
func (p *Pipeline) Health(ctx context.Context) telemetry.HealthReport {
	deps := make(map[string]telemetry.DependencyHealth, len(p.destinations))
	healthy := 0
	for _, d := range p.destinations {
		start := time.Now()
		err := d.sink.HealthCheck(ctx)
		probe := telemetry.DependencyHealth{
			Status:    "healthy",
			LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
		}
		if err != nil {
			probe.Status = "unhealthy"
			probe.Error = err.Error()
		} else {
			healthy++
		}
		deps[d.name()] = probe
	}

	latches := p.store.List()

	status := "healthy"
	switch {
	case healthy == 0:
		status = "unhealthy"
	case healthy < len(p.destinations) || len(latches) > 0:
		status = "degraded"
	}

	dlqCounts := make(map[string]int, len(p.destinations))
	for _, d := range p.destinations {
		if n, err := p.dlq.Count(d.name()); err == nil {
			dlqCounts[d.name()] = n
		}
	}

	return telemetry.HealthReport{
		Status:        status,
		UptimeSeconds: time.Since(p.startedAt).Seconds(),
		Dependencies:  deps,
		Quarantined:   latches,
		DLQCounts:     dlqCounts,
		EventsTotal:   p.manager.Totals(),
	}
}

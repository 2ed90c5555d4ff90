package analytics

import (
	"context"
	"fmt"
	"time"
)

// HealthWindow is how far back the health check looks.
const HealthWindow = 5 * time.Minute

// Level is a health severity.
type Level string

const (
	LevelOK       Level = "OK"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

func (l Level) rank() int {
	switch l {
	case LevelCritical:
		return 2
	case LevelWarning:
		return 1
	}
	return 0
}

// Threshold is the pair of alert levels for one check.
type Threshold struct {
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
	Unit     string  `json:"unit"`
}

// Level classifies v.
func (t Threshold) Level(v float64) Level {
	switch {
	case v >= t.Critical:
		return LevelCritical
	case v >= t.Warning:
		return LevelWarning
	}
	return LevelOK
}

// Thresholds are keyed by check name.
var Thresholds = map[string]Threshold{
	"error_rate":        {Warning: 5, Critical: 15, Unit: "%"},
	MetricResponseTime:  {Warning: 2000, Critical: 5000, Unit: "ms"},
	MetricCPU:           {Warning: 70, Critical: 90, Unit: "%"},
	MetricMemory:        {Warning: 80, Critical: 95, Unit: "%"},
	MetricStorage:       {Warning: 85, Critical: 95, Unit: "%"},
	MetricDBConnections: {Warning: 80, Critical: 95, Unit: "%"},
}

// checkOrder fixes the order checks are reported in.
var checkOrder = []string{"error_rate", MetricResponseTime, MetricCPU, MetricMemory, MetricStorage, MetricDBConnections}

// Check is one evaluated threshold.
type Check struct {
	Metric    string  `json:"metric_name"`
	Value     float64 `json:"current_value"`
	Threshold float64 `json:"threshold_value,omitempty"`
	Level     Level   `json:"severity"`
	Message   string  `json:"message"`
}

// Health is the result of a health check.
type Health struct {
	Status    Level     `json:"status"`
	Checks    []Check   `json:"checks"`
	Alerts    []Check   `json:"alerts"`
	CheckedAt time.Time `json:"checked_at"`
}

// Health evaluates the thresholds over the last five minutes. Checks
// with no data in the window are left out. The error rate is the
// http_error total as a percentage of recorded requests (response_time
// samples), so unrelated metrics in the window do not dilute it.
func (s *Service) Health(ctx context.Context) (Health, error) {
	now := s.clock.Now()
	since := now.Add(-HealthWindow)
	values := map[string]float64{}

	errorsSum, err := s.store.SumMetric(ctx, MetricHTTPError, since)
	if err != nil {
		return Health{}, err
	}
	_, requests, err := s.store.AverageMetric(ctx, MetricResponseTime, since)
	if err != nil {
		return Health{}, err
	}
	if requests > 0 {
		values["error_rate"] = round2(errorsSum / float64(requests) * 100)
	}

	for _, name := range checkOrder[1:] {
		avg, n, err := s.store.AverageMetric(ctx, name, since)
		if err != nil {
			return Health{}, err
		}
		if n > 0 {
			values[name] = round2(avg)
		}
	}

	h := Health{Status: LevelOK, Checks: []Check{}, Alerts: []Check{}, CheckedAt: now}
	for _, name := range checkOrder {
		v, ok := values[name]
		if !ok {
			continue
		}
		t := Thresholds[name]
		c := Check{Metric: name, Value: v, Level: t.Level(v)}
		switch c.Level {
		case LevelCritical:
			c.Threshold = t.Critical
		case LevelWarning:
			c.Threshold = t.Warning
		}
		if c.Level == LevelOK {
			c.Message = fmt.Sprintf("%s at %g%s", name, v, t.Unit)
		} else {
			c.Message = fmt.Sprintf("%s at %g%s (threshold: %g%s)", name, v, t.Unit, c.Threshold, t.Unit)
			h.Alerts = append(h.Alerts, c)
			s.logger.Warn("health threshold breached", "metric", name, "value", v, "severity", c.Level)
		}
		if c.Level.rank() > h.Status.rank() {
			h.Status = c.Level
		}
		h.Checks = append(h.Checks, c)
	}
	return h, nil
}

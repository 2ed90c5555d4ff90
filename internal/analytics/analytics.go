// Package analytics records operational metrics and turns them into
// dashboards, health checks and exports.
package analytics

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/clock"
	"github.com/roach88/caseguide/internal/ids"
	"github.com/roach88/caseguide/internal/store"
)

// Units a metric may be recorded in.
var Units = []string{"count", "ms", "percentage", "bytes", "mb", "gb"}

// Metric categories.
const (
	CategorySearch      = "search"
	CategoryPerformance = "performance"
	CategoryError       = "error"
	CategoryResource    = "resource"
)

// Categories lists every metric category.
var Categories = []string{CategorySearch, CategoryPerformance, CategoryError, CategoryResource}

// Well-known metric names.
const (
	MetricResponseTime  = "response_time"
	MetricHTTPError     = "http_error"
	MetricCPU           = "cpu_usage"
	MetricMemory        = "memory_usage"
	MetricStorage       = "storage_usage"
	MetricDBConnections = "db_connections"
	MetricHeap          = "heap_alloc"
	MetricGoroutines    = "goroutines"
)

// Periods maps the dashboard periods to their length.
var Periods = map[string]time.Duration{
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"90d": 90 * 24 * time.Hour,
}

const maxMetricName = 100

// RecordRequest is a metric to store.
type RecordRequest struct {
	Name     string         `json:"metric_name"`
	Value    float64        `json:"metric_value"`
	Unit     string         `json:"metric_unit"`
	Category string         `json:"category"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks the unit, category and value.
func (r RecordRequest) Validate() error {
	var c apperr.Collector
	name := strings.TrimSpace(r.Name)
	c.Check(name != "" && len(name) <= maxMetricName, "metric_name", "must be 1-%d characters", maxMetricName)
	c.Check(!math.IsNaN(r.Value) && !math.IsInf(r.Value, 0) && r.Value >= 0, "metric_value", "must be a number >= 0")
	c.Check(slices.Contains(Units, r.Unit), "metric_unit", "must be one of %s", strings.Join(Units, ", "))
	c.Check(slices.Contains(Categories, r.Category), "category", "must be one of %s", strings.Join(Categories, ", "))
	return c.Err()
}

// Dashboard is the aggregate view of one period.
type Dashboard struct {
	Period  string                  `json:"period"`
	Since   time.Time               `json:"since"`
	Metrics []store.MetricAggregate `json:"metrics"`
}

// Service records and summarises metrics.
type Service struct {
	store  *store.Store
	ids    ids.Generator
	clock  clock.Clock
	logger *slog.Logger
}

// NewService creates an analytics service.
func NewService(st *store.Store, gen ids.Generator, clk clock.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, ids: ids.OrDefault(gen), clock: clock.OrSystem(clk), logger: logger}
}

// Record validates and stores a metric.
func (s *Service) Record(ctx context.Context, req RecordRequest) (store.Metric, error) {
	if err := req.Validate(); err != nil {
		return store.Metric{}, err
	}
	m := store.Metric{
		ID:         s.ids.New(),
		Name:       strings.TrimSpace(req.Name),
		Category:   req.Category,
		Value:      req.Value,
		Unit:       req.Unit,
		Metadata:   req.Metadata,
		RecordedAt: s.clock.Now(),
	}
	if err := s.store.RecordMetric(ctx, m); err != nil {
		return store.Metric{}, err
	}
	s.logger.Debug("metric recorded", "name", m.Name, "value", m.Value, "unit", m.Unit, "category", m.Category)
	return m, nil
}

// since resolves a period name to its start time.
func (s *Service) since(period string) (time.Time, error) {
	if period == "" {
		period = "24h"
	}
	d, ok := Periods[period]
	if !ok {
		return time.Time{}, apperr.Invalid("period", "must be one of 24h, 7d, 30d, 90d")
	}
	return s.clock.Now().Add(-d), nil
}

// Aggregate groups the period's metrics by name and category. An empty
// category means all of them.
func (s *Service) Aggregate(ctx context.Context, period, category string) (Dashboard, error) {
	if period == "" {
		period = "24h"
	}
	since, err := s.since(period)
	if err != nil {
		return Dashboard{}, err
	}
	if category != "" && !slices.Contains(Categories, category) {
		return Dashboard{}, apperr.Invalid("category", "must be one of %s", strings.Join(Categories, ", "))
	}
	aggs, err := s.store.AggregateMetrics(ctx, since, category)
	if err != nil {
		return Dashboard{}, err
	}
	for i := range aggs {
		aggs[i].Avg = round2(aggs[i].Avg)
	}
	return Dashboard{Period: period, Since: since, Metrics: aggs}, nil
}

// Metrics lists raw metrics for a period, oldest first.
func (s *Service) Metrics(ctx context.Context, period, category string) ([]store.Metric, error) {
	since, err := s.since(period)
	if err != nil {
		return nil, err
	}
	if category != "" && !slices.Contains(Categories, category) {
		return nil, apperr.Invalid("category", "must be one of %s", strings.Join(Categories, ", "))
	}
	return s.store.ListMetrics(ctx, since, category)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

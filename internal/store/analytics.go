package store

import (
	"context"
	"fmt"
	"time"
)

// Metric is a single recorded measurement.
type Metric struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Category   string         `json:"category"`
	Value      float64        `json:"value"`
	Unit       string         `json:"unit"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// MetricAggregate summarises the metrics sharing a name and category.
type MetricAggregate struct {
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Unit     string  `json:"unit"`
	Count    int     `json:"count"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Avg      float64 `json:"avg"`
	Sum      float64 `json:"sum"`
}

// RecordMetric inserts a metric.
func (s *Store) RecordMetric(ctx context.Context, m Metric) error {
	meta, err := marshalJSON(m.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("record metric: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analytics_metrics (id, name, category, value, unit, metadata, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Name, m.Category, m.Value, m.Unit, meta, formatTime(m.RecordedAt))
	if err != nil {
		return fmt.Errorf("record metric: %w", err)
	}
	return nil
}

// ListMetrics returns metrics recorded at or after since, optionally
// restricted to one category, oldest first.
func (s *Store) ListMetrics(ctx context.Context, since time.Time, category string) ([]Metric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, value, unit, metadata, recorded_at
		FROM analytics_metrics
		WHERE recorded_at >= ? AND (? = '' OR category = ?)
		ORDER BY recorded_at ASC, id ASC
	`, formatTime(since), category, category)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	out := []Metric{}
	for rows.Next() {
		var m Metric
		var meta, recorded string
		if err := rows.Scan(&m.ID, &m.Name, &m.Category, &m.Value, &m.Unit, &meta, &recorded); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		if err := unmarshalJSON(meta, &m.Metadata); err != nil {
			return nil, err
		}
		if m.RecordedAt, err = parseTime(recorded); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AggregateMetrics groups metrics recorded since the given time by
// (name, category).
func (s *Store) AggregateMetrics(ctx context.Context, since time.Time, category string) ([]MetricAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, category, MAX(unit), COUNT(*), MIN(value), MAX(value), AVG(value), SUM(value)
		FROM analytics_metrics
		WHERE recorded_at >= ? AND (? = '' OR category = ?)
		GROUP BY name, category
		ORDER BY category ASC, name ASC
	`, formatTime(since), category, category)
	if err != nil {
		return nil, fmt.Errorf("aggregate metrics: %w", err)
	}
	defer rows.Close()

	out := []MetricAggregate{}
	for rows.Next() {
		var a MetricAggregate
		if err := rows.Scan(&a.Name, &a.Category, &a.Unit, &a.Count, &a.Min, &a.Max, &a.Avg, &a.Sum); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AverageMetric returns the mean and count of one metric name since the
// given time. Count is zero when nothing was recorded.
func (s *Store) AverageMetric(ctx context.Context, name string, since time.Time) (float64, int, error) {
	var avg *float64
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(value), COUNT(*) FROM analytics_metrics WHERE name = ? AND recorded_at >= ?
	`, name, formatTime(since)).Scan(&avg, &n)
	if err != nil {
		return 0, 0, fmt.Errorf("average metric: %w", err)
	}
	if avg == nil {
		return 0, 0, nil
	}
	return *avg, n, nil
}

// SumMetric returns the sum of one metric name since the given time.
func (s *Store) SumMetric(ctx context.Context, name string, since time.Time) (float64, error) {
	var sum float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(value), 0) FROM analytics_metrics WHERE name = ? AND recorded_at >= ?
	`, name, formatTime(since)).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum metric: %w", err)
	}
	return sum, nil
}

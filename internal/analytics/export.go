package analytics

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/store"
)

// Export formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

var csvHeader = []string{"id", "metric_name", "metric_value", "metric_unit", "timestamp", "category", "metadata"}

// ExportFilename names an export taken at t.
func ExportFilename(format string, t time.Time) string {
	return fmt.Sprintf("analytics_export_%s.%s", t.UTC().Format("20060102_150405"), format)
}

// Export writes the period's metrics to w as CSV or JSON and returns how
// many were written.
func (s *Service) Export(ctx context.Context, w io.Writer, format, period, category string) (int, error) {
	if format != FormatCSV && format != FormatJSON {
		return 0, apperr.Invalid("format", "must be csv or json")
	}
	if period == "" {
		period = "24h"
	}
	metrics, err := s.Metrics(ctx, period, category)
	if err != nil {
		return 0, err
	}

	switch format {
	case FormatCSV:
		err = writeCSV(w, metrics)
	default:
		err = writeJSON(w, period, s.clock.Now(), metrics)
	}
	if err != nil {
		return 0, fmt.Errorf("export %s: %w", format, err)
	}
	s.logger.Info("metrics exported", "format", format, "period", period, "count", len(metrics))
	return len(metrics), nil
}

func writeCSV(w io.Writer, metrics []store.Metric) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, m := range metrics {
		meta := ""
		if len(m.Metadata) > 0 {
			b, err := json.Marshal(m.Metadata)
			if err != nil {
				return err
			}
			meta = string(b)
		}
		if err := cw.Write([]string{
			m.ID,
			m.Name,
			strconv.FormatFloat(m.Value, 'f', -1, 64),
			m.Unit,
			m.RecordedAt.UTC().Format(time.RFC3339),
			m.Category,
			meta,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type jsonExport struct {
	ExportedAt time.Time      `json:"exported_at"`
	Period     string         `json:"period"`
	Count      int            `json:"count"`
	Metrics    []store.Metric `json:"metrics"`
}

func writeJSON(w io.Writer, period string, now time.Time, metrics []store.Metric) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonExport{ExportedAt: now, Period: period, Count: len(metrics), Metrics: metrics})
}

package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/ids"
	"github.com/roach88/caseguide/internal/store"
	"github.com/roach88/caseguide/internal/testutil"
)

type fixture struct {
	svc   *Service
	store *store.Store
	clock *testutil.FakeClock
}

func newFixture(t *testing.T, gen ids.Generator) *fixture {
	t.Helper()
	st := testutil.NewStore(t)
	clk := testutil.NewFakeClock(testutil.DefaultStart)
	return &fixture{svc: NewService(st, gen, clk, nil), store: st, clock: clk}
}

func (f *fixture) record(t *testing.T, name string, v float64, unit, category string) {
	t.Helper()
	_, err := f.svc.Record(context.Background(), RecordRequest{Name: name, Value: v, Unit: unit, Category: category})
	require.NoError(t, err)
}

func TestRecord_Validation(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Record(context.Background(), RecordRequest{Name: "x", Value: -1, Unit: "furlongs", Category: "misc"})
	require.Error(t, err)

	var fields []string
	for _, fe := range apperr.FieldsOf(err) {
		fields = append(fields, fe.Field)
	}
	assert.Equal(t, []string{"metric_value", "metric_unit", "category"}, fields)

	m, err := f.svc.Record(context.Background(), RecordRequest{Name: " search_volume ", Value: 0, Unit: "count", Category: CategorySearch})
	require.NoError(t, err)
	assert.Equal(t, "search_volume", m.Name)
	assert.Equal(t, testutil.DefaultStart, m.RecordedAt)
}

func TestAggregate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.record(t, MetricResponseTime, 100, "ms", CategoryPerformance)
	f.record(t, MetricResponseTime, 300, "ms", CategoryPerformance)
	f.record(t, MetricResponseTime, 201, "ms", CategoryPerformance)
	f.record(t, "search_volume", 2, "count", CategorySearch)

	f.clock.Advance(25 * time.Hour)
	f.record(t, "search_volume", 5, "count", CategorySearch)

	d, err := f.svc.Aggregate(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, "24h", d.Period)
	require.Len(t, d.Metrics, 1)
	assert.Equal(t, 5.0, d.Metrics[0].Sum)

	d, err = f.svc.Aggregate(ctx, "7d", "")
	require.NoError(t, err)
	require.Len(t, d.Metrics, 2)
	rt := d.Metrics[0]
	assert.Equal(t, MetricResponseTime, rt.Name)
	assert.Equal(t, 3, rt.Count)
	assert.Equal(t, 100.0, rt.Min)
	assert.Equal(t, 300.0, rt.Max)
	assert.Equal(t, 200.33, rt.Avg)
	assert.Equal(t, 601.0, rt.Sum)

	d, err = f.svc.Aggregate(ctx, "7d", CategorySearch)
	require.NoError(t, err)
	require.Len(t, d.Metrics, 1)
	assert.Equal(t, 2, d.Metrics[0].Count)

	_, err = f.svc.Aggregate(ctx, "1y", "")
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
	_, err = f.svc.Aggregate(ctx, "24h", "billing")
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	h, err := f.svc.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, LevelOK, h.Status)
	assert.Empty(t, h.Checks)

	f.record(t, MetricResponseTime, 2400, "ms", CategoryPerformance)
	f.record(t, MetricResponseTime, 2600, "ms", CategoryPerformance)
	f.record(t, MetricHTTPError, 1, "count", CategoryError)
	f.record(t, MetricCPU, 10, "percentage", CategoryResource)

	h, err = f.svc.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, LevelCritical, h.Status)
	require.Len(t, h.Checks, 3)
	assert.Equal(t, Check{
		Metric: "error_rate", Value: 50, Threshold: 15, Level: LevelCritical,
		Message: "error_rate at 50% (threshold: 15%)",
	}, h.Checks[0])
	assert.Equal(t, Check{
		Metric: MetricResponseTime, Value: 2500, Threshold: 2000, Level: LevelWarning,
		Message: "response_time at 2500ms (threshold: 2000ms)",
	}, h.Checks[1])
	assert.Equal(t, Check{Metric: MetricCPU, Value: 10, Level: LevelOK, Message: "cpu_usage at 10%"}, h.Checks[2])
	assert.Len(t, h.Alerts, 2)

	f.clock.Advance(HealthWindow + time.Second)
	h, err = f.svc.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, LevelOK, h.Status)
	assert.Empty(t, h.Checks)
}

func TestHealthErrorRateCountsRequestsOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.record(t, MetricHTTPError, 2, "count", CategoryError)
	h, err := f.svc.Health(ctx)
	require.NoError(t, err)
	assert.Empty(t, h.Checks, "no requests in the window means no error rate")

	for range 8 {
		f.record(t, MetricResponseTime, 100, "ms", CategoryPerformance)
	}
	for range 10 {
		f.record(t, "search_volume", 1, "count", CategorySearch)
	}
	f.record(t, MetricCPU, 10, "percentage", CategoryResource)

	h, err = f.svc.Health(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, h.Checks)
	assert.Equal(t, "error_rate", h.Checks[0].Metric)
	assert.Equal(t, 25.0, h.Checks[0].Value)
	assert.Equal(t, LevelCritical, h.Checks[0].Level)
}

func TestThresholdLevels(t *testing.T) {
	th := Thresholds[MetricStorage]
	assert.Equal(t, LevelOK, th.Level(84.99))
	assert.Equal(t, LevelWarning, th.Level(85))
	assert.Equal(t, LevelCritical, th.Level(95))
}

func TestExport_CSV(t *testing.T) {
	f := newFixture(t, ids.NewFixed("m1", "m2", "m3"))
	ctx := context.Background()

	_, err := f.svc.Record(ctx, RecordRequest{
		Name: MetricResponseTime, Value: 120, Unit: "ms", Category: CategoryPerformance,
		Metadata: map[string]any{"path": "/api/search"},
	})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	f.record(t, MetricHTTPError, 1, "count", CategoryError)
	f.clock.Advance(time.Minute)
	f.record(t, "search_volume", 3, "count", CategorySearch)

	var buf bytes.Buffer
	n, err := f.svc.Export(ctx, &buf, FormatCSV, "24h", "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "export_csv", buf.Bytes())
}

func TestExport_JSON(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.record(t, "search_volume", 3, "count", CategorySearch)
	f.record(t, MetricResponseTime, 50, "ms", CategoryPerformance)

	var buf bytes.Buffer
	n, err := f.svc.Export(ctx, &buf, FormatJSON, "", CategorySearch)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var out jsonExport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "24h", out.Period)
	assert.Equal(t, 1, out.Count)
	assert.Equal(t, "search_volume", out.Metrics[0].Name)

	_, err = f.svc.Export(ctx, &buf, "xml", "", "")
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
}

func TestExportFilename(t *testing.T) {
	assert.Equal(t, "analytics_export_20250115_093000.csv", ExportFilename(FormatCSV, testutil.DefaultStart))
}

func TestSampler(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	s := NewSampler(f.svc, f.store.DB(), t.TempDir())
	s.diskFunc = func(string) (float64, error) { return 42.5, nil }
	require.NoError(t, s.Sample(ctx))

	metrics, err := f.svc.Metrics(ctx, "24h", CategoryResource)
	require.NoError(t, err)
	names := map[string]float64{}
	for _, m := range metrics {
		names[m.Name] = m.Value
	}
	assert.Contains(t, names, MetricHeap)
	assert.Contains(t, names, MetricGoroutines)
	assert.Contains(t, names, MetricDBConnections)
	assert.Equal(t, 42.5, names[MetricStorage])
}

package analytics

import (
	"context"
	"database/sql"
	"runtime"
	"time"
)

// DiskUsageFunc reports the used percentage of the filesystem holding path.
type DiskUsageFunc func(path string) (float64, error)

// Sampler periodically records process and database resource metrics.
type Sampler struct {
	svc      *Service
	db       *sql.DB
	dataDir  string
	diskFunc DiskUsageFunc
}

// NewSampler creates a sampler. db and dataDir are optional; without them
// the database and storage gauges are skipped.
func NewSampler(svc *Service, db *sql.DB, dataDir string) *Sampler {
	return &Sampler{svc: svc, db: db, dataDir: dataDir, diskFunc: DiskUsage}
}

// Sample records one round of resource metrics.
func (s *Sampler) Sample(ctx context.Context) error {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	reqs := []RecordRequest{
		{Name: MetricHeap, Value: round2(float64(ms.HeapAlloc) / (1 << 20)), Unit: "mb", Category: CategoryResource},
		{Name: MetricGoroutines, Value: float64(runtime.NumGoroutine()), Unit: "count", Category: CategoryResource},
	}
	if ms.Sys > 0 {
		reqs = append(reqs, RecordRequest{
			Name: MetricMemory, Value: round2(float64(ms.HeapInuse) / float64(ms.Sys) * 100),
			Unit: "percentage", Category: CategoryResource,
		})
	}
	if s.db != nil {
		st := s.db.Stats()
		if st.MaxOpenConnections > 0 {
			reqs = append(reqs, RecordRequest{
				Name: MetricDBConnections, Value: round2(float64(st.InUse) / float64(st.MaxOpenConnections) * 100),
				Unit: "percentage", Category: CategoryResource,
			})
		}
	}
	if s.dataDir != "" && s.diskFunc != nil {
		if pct, err := s.diskFunc(s.dataDir); err == nil {
			reqs = append(reqs, RecordRequest{Name: MetricStorage, Value: round2(pct), Unit: "percentage", Category: CategoryResource})
		} else {
			s.svc.logger.Debug("disk usage unavailable", "path", s.dataDir, "error", err)
		}
	}

	for _, r := range reqs {
		if _, err := s.svc.Record(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Run samples every interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sample(ctx); err != nil && ctx.Err() == nil {
				s.svc.logger.Warn("resource sampling failed", "error", err)
			}
		}
	}
}

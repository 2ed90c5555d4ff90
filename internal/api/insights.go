package api

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/caseguide/internal/admin"
	"github.com/roach88/caseguide/internal/analytics"
	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/wcag"
)

func (s *Server) analyticsRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(s.requirePermission(admin.Perm(admin.CategoryAnalytics, admin.ActionRead)))
		r.Get("/metrics", s.listMetrics)
		r.Get("/aggregate", s.aggregateMetrics)
		r.Get("/health", s.systemHealth)
		r.Get("/stream", s.streamMetrics)
	})
	r.With(s.requirePermission(admin.Perm(admin.CategoryAnalytics, admin.ActionWrite))).Post("/metrics", s.recordMetric)
	r.With(s.requirePermission(admin.Perm(admin.CategoryAnalytics, admin.ActionExecute))).Get("/export", s.exportMetrics)
}

func (s *Server) listMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ms, err := s.svc.Analytics.Metrics(r.Context(), q.Get("period"), q.Get("category"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, ms)
}

func (s *Server) aggregateMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	d, err := s.svc.Analytics.Aggregate(r.Context(), q.Get("period"), q.Get("category"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, d)
}

func (s *Server) systemHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.svc.Analytics.Health(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, h)
}

func (s *Server) recordMetric(w http.ResponseWriter, r *http.Request) {
	var req analytics.RecordRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.svc.Analytics.Record(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, m)
}

// exportMetrics streams a CSV or JSON download. The export is buffered so
// a failure can still be reported in the envelope.
func (s *Server) exportMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format := q.Get("format")
	if format == "" {
		format = analytics.FormatCSV
	}
	var buf bytes.Buffer
	n, err := s.svc.Analytics.Export(r.Context(), &buf, format, q.Get("period"), q.Get("category"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	contentType := "text/csv; charset=utf-8"
	if format == analytics.FormatJSON {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+analytics.ExportFilename(format, s.clock.Now())+`"`)
	w.Header().Set("X-Record-Count", strconv.Itoa(n))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (s *Server) a11yRoutes(r chi.Router) {
	r.Use(s.requirePermission(admin.Perm(admin.CategoryA11y, admin.ActionRead)))
	r.Post("/contrast", s.checkContrast)
	r.Get("/suggest", s.suggestColor)
	r.Post("/palette", s.validatePalette)
	r.Get("/palette", s.govukPalette)
}

func colourError(err error) error {
	return apperr.New(apperr.CodeValidation, "%v", err)
}

func (s *Server) checkContrast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Foreground string `json:"foreground"`
		Background string `json:"background"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := wcag.Check(req.Foreground, req.Background)
	if err != nil {
		s.writeError(w, r, colourError(err))
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) suggestColor(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var target float64
	if raw := q.Get("target"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 1 || v > 21 {
			s.writeError(w, r, apperr.Invalid("target", "must be a ratio between 1 and 21"))
			return
		}
		target = v
	}
	res, err := wcag.SuggestAccessibleColor(q.Get("background"), target)
	if err != nil {
		s.writeError(w, r, colourError(err))
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) validatePalette(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Palette []wcag.Swatch `json:"palette"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Palette) < 2 {
		s.writeError(w, r, apperr.Invalid("palette", "must contain at least two colours"))
		return
	}
	rep, err := wcag.ValidatePalette(req.Palette)
	if err != nil {
		s.writeError(w, r, colourError(err))
		return
	}
	writeData(w, http.StatusOK, rep)
}

func (s *Server) govukPalette(w http.ResponseWriter, r *http.Request) {
	rep, err := wcag.ValidatePalette(wcag.GOVUK)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"palette": wcag.GOVUK, "report": rep})
}

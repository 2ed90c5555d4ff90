package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/caseguide/internal/search"
)

func (s *Server) searchRoutes(r chi.Router) {
	r.With(s.rateLimit("search")).Post("/", s.search)
	r.Post("/validate", s.validateQuery)
	r.With(s.rateLimit("search")).Post("/fields", s.fieldSearch)
	r.Get("/suggestions", s.suggestions)
	r.Get("/facets", s.facets)
	r.Post("/facets/preview", s.previewFilter)

	r.Route("/saved", func(r chi.Router) {
		r.Get("/", s.listSavedSearches)
		r.Post("/", s.createSavedSearch)
		r.Get("/{id}", s.getSavedSearch)
		r.Patch("/{id}", s.updateSavedSearch)
		r.Delete("/{id}", s.deleteSavedSearch)
		r.With(s.rateLimit("search")).Post("/{id}/execute", s.executeSavedSearch)
	})

	r.Route("/history", func(r chi.Router) {
		r.Get("/", s.searchHistory)
		r.Delete("/", s.clearHistory)
		r.Delete("/{id}", s.deleteHistoryEntry)
	})

	r.Route("/queries", func(r chi.Router) {
		r.Get("/", s.listSavedQueries)
		r.Post("/", s.createSavedQuery)
		r.Get("/{id}", s.getSavedQuery)
		r.Put("/{id}", s.updateSavedQuery)
		r.Delete("/{id}", s.deleteSavedQuery)
		r.With(s.rateLimit("search")).Post("/{id}/execute", s.executeSavedQuery)
	})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	var req search.Request
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Search.Search(r.Context(), actor(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) validateQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.svc.Search.Validate(actor(r), req.Query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, v)
}

func (s *Server) fieldSearch(w http.ResponseWriter, r *http.Request) {
	var req search.FieldRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Search.FieldSearch(r.Context(), actor(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) suggestions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 10)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Search.Suggestions(r.Context(), actor(r), r.URL.Query().Get("q"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) facets(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Search.Facets(r.Context(), actor(r), r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) previewFilter(w http.ResponseWriter, r *http.Request) {
	var req search.PreviewRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Search.PreviewCount(r.Context(), actor(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) listSavedSearches(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Search.SavedSearches(r.Context(), actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) createSavedSearch(w http.ResponseWriter, r *http.Request) {
	var req search.SavedSearchRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ss, err := s.svc.Search.CreateSavedSearch(r.Context(), actor(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, ss)
}

func (s *Server) getSavedSearch(w http.ResponseWriter, r *http.Request) {
	ss, err := s.svc.Search.SavedSearch(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, ss)
}

func (s *Server) updateSavedSearch(w http.ResponseWriter, r *http.Request) {
	var req search.SavedSearchUpdate
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ss, err := s.svc.Search.UpdateSavedSearch(r.Context(), actor(r), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, ss)
}

func (s *Server) deleteSavedSearch(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Search.DeleteSavedSearch(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) executeSavedSearch(w http.ResponseWriter, r *http.Request) {
	p, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Search.ExecuteSavedSearch(r.Context(), actor(r), chi.URLParam(r, "id"), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) searchHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Search.History(r.Context(), actor(r), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) clearHistory(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Search.ClearHistory(r.Context(), actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) deleteHistoryEntry(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Search.DeleteHistoryEntry(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listSavedQueries(w http.ResponseWriter, r *http.Request) {
	p, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Search.SavedQueries(r.Context(), actor(r), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) createSavedQuery(w http.ResponseWriter, r *http.Request) {
	var req search.QueryRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.svc.Search.CreateSavedQuery(r.Context(), actor(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, q)
}

func (s *Server) getSavedQuery(w http.ResponseWriter, r *http.Request) {
	q, err := s.svc.Search.SavedQuery(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, q)
}

func (s *Server) updateSavedQuery(w http.ResponseWriter, r *http.Request) {
	var req search.QueryRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.svc.Search.UpdateSavedQuery(r.Context(), actor(r), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, q)
}

func (s *Server) deleteSavedQuery(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Search.DeleteSavedQuery(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) executeSavedQuery(w http.ResponseWriter, r *http.Request) {
	p, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Search.ExecuteSavedQuery(r.Context(), actor(r), chi.URLParam(r, "id"), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

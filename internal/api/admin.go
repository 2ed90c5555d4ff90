package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/caseguide/internal/admin"
	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/paging"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	meta := admin.Actor{IPAddress: clientIP(r), UserAgent: r.UserAgent()}
	res, err := s.svc.Admin.Login(r.Context(), req.Username, req.Password, meta)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	token, _ := r.Context().Value(tokenKey).(string)
	if err := s.svc.Admin.Logout(r.Context(), actor(r), token); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	writeData(w, http.StatusOK, map[string]any{
		"id":          a.UserID,
		"username":    a.Username,
		"role":        a.Role,
		"permissions": admin.Permissions(a.Role),
	})
}

func (s *Server) adminRoutes(r chi.Router) {
	r.Route("/users", func(r chi.Router) {
		r.Get("/", s.listUsers)
		r.Post("/", s.createUser)
		r.Get("/{id}", s.getUser)
		r.Patch("/{id}", s.updateUser)
		r.Delete("/{id}", s.deleteUser)
		r.Put("/{id}/role", s.changeRole)
	})
	r.With(s.requirePermission(admin.Perm(admin.CategoryAudit, admin.ActionRead))).Get("/audit", s.listAudit)
}

func pageParams(r *http.Request) (paging.Params, error) {
	page, err := queryInt(r, "page", 0)
	if err != nil {
		return paging.Params{}, err
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		return paging.Params{}, err
	}
	return paging.Params{Page: page, Limit: limit}, nil
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	p, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	res, err := s.svc.Admin.ListUsers(r.Context(), actor(r), admin.UserQuery{
		Role:   q.Get("role"),
		Status: q.Get("status"),
		Search: q.Get("search"),
		Params: p,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req admin.CreateUserRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.svc.Admin.CreateUser(r.Context(), actor(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, u)
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.svc.Admin.GetUser(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, u)
}

func (s *Server) updateUser(w http.ResponseWriter, r *http.Request) {
	var req admin.UpdateUserRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.svc.Admin.UpdateUser(r.Context(), actor(r), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, u)
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Admin.DeleteUser(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) changeRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.svc.Admin.ChangeRole(r.Context(), actor(r), chi.URLParam(r, "id"), req.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, u)
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apperr.Invalid(key, "must be an RFC 3339 timestamp")
	}
	return t, nil
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	p, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	since, err := queryTime(r, "since")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	until, err := queryTime(r, "until")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	res, err := s.svc.Admin.Auditor().List(r.Context(), admin.AuditQuery{
		UserID:       q.Get("user_id"),
		Action:       q.Get("action"),
		ResourceType: q.Get("resource_type"),
		Since:        since,
		Until:        until,
		Params:       p,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

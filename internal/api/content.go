package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/caseguide/internal/templates"
	"github.com/roach88/caseguide/internal/workflow"
)

func (s *Server) templateRoutes(r chi.Router) {
	r.Get("/", s.listTemplates)
	r.Post("/", s.createTemplate)
	r.Get("/{id}", s.getTemplate)
	r.Patch("/{id}", s.updateTemplate)
	r.Delete("/{id}", s.deleteTemplate)
	r.Get("/{id}/versions", s.templateVersions)
	r.Post("/{id}/generate", s.generateDocument)
	r.Post("/{id}/preview", s.previewDocument)
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	p, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	res, err := s.svc.Templates.List(r.Context(), actor(r), templates.Query{
		PermissionLevel: q.Get("permission_level"),
		CreatedBy:       q.Get("created_by"),
		Search:          q.Get("search"),
		Params:          p,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) createTemplate(w http.ResponseWriter, r *http.Request) {
	var req templates.CreateRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.svc.Templates.Create(r.Context(), actor(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, t)
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Templates.Get(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, t)
}

func (s *Server) updateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templates.UpdateRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.svc.Templates.Update(r.Context(), actor(r), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, t)
}

func (s *Server) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Templates.Delete(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) templateVersions(w http.ResponseWriter, r *http.Request) {
	vs, err := s.svc.Templates.Versions(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, vs)
}

type placeholderValues struct {
	Values map[string]string `json:"placeholder_values"`
}

func (s *Server) generateDocument(w http.ResponseWriter, r *http.Request) {
	var req placeholderValues
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	doc, err := s.svc.Templates.Generate(r.Context(), actor(r), chi.URLParam(r, "id"), req.Values)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, doc)
}

func (s *Server) previewDocument(w http.ResponseWriter, r *http.Request) {
	var req placeholderValues
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.svc.Templates.Preview(r.Context(), actor(r), chi.URLParam(r, "id"), req.Values)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, p)
}

func (s *Server) workflowRoutes(r chi.Router) {
	r.Get("/", s.listWorkflows)
	r.Post("/", s.createWorkflow)
	r.Get("/{id}", s.getWorkflow)
	r.Put("/{id}", s.updateWorkflow)
	r.Delete("/{id}", s.deleteWorkflow)
	r.Post("/{id}/execute", s.executeWorkflow)
	r.Get("/{id}/executions", s.listExecutions)
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	p, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	res, err := s.svc.Workflows.List(r.Context(), actor(r), workflow.Query{
		Status:    q.Get("status"),
		CreatedBy: q.Get("created_by"),
		Search:    q.Get("search"),
		Params:    p,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var def workflow.Definition
	if err := decode(w, r, &def); err != nil {
		s.writeError(w, r, err)
		return
	}
	wf, err := s.svc.Workflows.Create(r.Context(), actor(r), def)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, wf)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.svc.Workflows.Get(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, wf)
}

func (s *Server) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	var def workflow.Definition
	if err := decode(w, r, &def); err != nil {
		s.writeError(w, r, err)
		return
	}
	wf, err := s.svc.Workflows.Update(r.Context(), actor(r), chi.URLParam(r, "id"), def)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, wf)
}

func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Workflows.Delete(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflow.ExecuteRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	exec, err := s.svc.Workflows.Execute(r.Context(), actor(r), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusAccepted, exec)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	execs, err := s.svc.Workflows.Executions(r.Context(), actor(r), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, execs)
}

func (s *Server) executionRoutes(r chi.Router) {
	r.Get("/{id}", s.getExecution)
	r.Post("/{id}/pause", s.pauseExecution)
	r.Post("/{id}/resume", s.resumeExecution)
	r.Post("/{id}/retry", s.retryExecutionStep)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.svc.Workflows.Execution(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, exec)
}

func (s *Server) pauseExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.svc.Workflows.Pause(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, exec)
}

func (s *Server) resumeExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.svc.Workflows.Resume(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, exec)
}

func (s *Server) retryExecutionStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StepNumber int    `json:"step_number"`
		Strategy   string `json:"strategy"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	exec, err := s.svc.Workflows.RetryStep(r.Context(), actor(r), chi.URLParam(r, "id"), req.StepNumber, req.Strategy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, exec)
}

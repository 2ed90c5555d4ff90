// Package templates manages versioned guidance document templates and
// renders documents from them.
package templates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/roach88/caseguide/internal/admin"
	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/clock"
	"github.com/roach88/caseguide/internal/ids"
	"github.com/roach88/caseguide/internal/paging"
	"github.com/roach88/caseguide/internal/store"
)

// Permission levels.
const (
	LevelPublic  = "public"
	LevelPrivate = "private"
	LevelShared  = "shared"
)

// RequiredSections must be present in every content structure.
var RequiredSections = []string{"header", "body", "footer"}

var placeholderName = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

const (
	maxNameLength            = 200
	initialChangeDescription = "Initial version"
	defaultChangeDescription = "Template updated"
)

// CreateRequest is the input to Create.
type CreateRequest struct {
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	ContentStructure map[string]any `json:"content_structure"`
	Placeholders     []string       `json:"placeholders"`
	PermissionLevel  string         `json:"permission_level"`
}

// UpdateRequest is a partial update. Nil fields are unchanged.
type UpdateRequest struct {
	Name              *string        `json:"name,omitempty"`
	Description       *string        `json:"description,omitempty"`
	ContentStructure  map[string]any `json:"content_structure,omitempty"`
	Placeholders      []string       `json:"placeholders,omitempty"`
	PermissionLevel   *string        `json:"permission_level,omitempty"`
	ChangeDescription string         `json:"change_description,omitempty"`
}

// Query filters List.
type Query struct {
	PermissionLevel string
	CreatedBy       string
	Search          string
	paging.Params
}

// Generated is a filled-in document.
type Generated struct {
	TemplateName        string         `json:"template_name"`
	Content             map[string]any `json:"generated_content"`
	MissingPlaceholders []string       `json:"missing_placeholders"`
}

// Preview is an HTML rendering of a filled-in document.
type Preview struct {
	TemplateName string  `json:"template_name"`
	HTML         string  `json:"preview_html"`
	RenderTimeMS float64 `json:"render_time_ms"`
}

// Service implements template operations.
type Service struct {
	store  *store.Store
	audit  *admin.Auditor
	ids    ids.Generator
	clock  clock.Clock
	logger *slog.Logger
}

// NewService creates a template service. audit may be nil.
func NewService(st *store.Store, audit *admin.Auditor, gen ids.Generator, clk clock.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, audit: audit, ids: ids.OrDefault(gen), clock: clock.OrSystem(clk), logger: logger}
}

func validateName(c *apperr.Collector, name string) {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	c.Check(n >= 1 && n <= maxNameLength, "name", "must be 1-%d characters", maxNameLength)
}

func validateContent(c *apperr.Collector, content map[string]any) {
	for _, key := range RequiredSections {
		if _, ok := content[key]; !ok {
			c.Add("content_structure", "missing required section %q", key)
		}
	}
}

func validatePlaceholders(c *apperr.Collector, names []string) {
	for _, name := range names {
		c.Check(placeholderName.MatchString(name), "placeholders", "invalid placeholder name %q", name)
	}
}

func validateLevel(c *apperr.Collector, level string) {
	c.Check(level == LevelPublic || level == LevelPrivate || level == LevelShared,
		"permission_level", "must be public, private or shared")
}

// Create stores a template as version 1.
func (s *Service) Create(ctx context.Context, actor admin.Actor, req CreateRequest) (store.Template, error) {
	if err := actor.Require(admin.Perm(admin.CategoryTemplates, admin.ActionWrite)); err != nil {
		return store.Template{}, err
	}
	if req.PermissionLevel == "" {
		req.PermissionLevel = LevelPrivate
	}
	var c apperr.Collector
	validateName(&c, req.Name)
	validateContent(&c, req.ContentStructure)
	validatePlaceholders(&c, req.Placeholders)
	validateLevel(&c, req.PermissionLevel)
	if err := c.Err(); err != nil {
		return store.Template{}, err
	}

	now := s.clock.Now()
	t := store.Template{
		ID:               s.ids.New(),
		Name:             strings.TrimSpace(req.Name),
		Description:      req.Description,
		ContentStructure: req.ContentStructure,
		Placeholders:     req.Placeholders,
		PermissionLevel:  req.PermissionLevel,
		CreatedBy:        actor.UserID,
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
	}
	v := store.TemplateVersion{
		ID:                s.ids.New(),
		TemplateID:        t.ID,
		Version:           1,
		ContentStructure:  t.ContentStructure,
		Placeholders:      t.Placeholders,
		ChangeDescription: initialChangeDescription,
		CreatedBy:         actor.UserID,
		CreatedAt:         now,
	}
	if err := s.store.CreateTemplate(ctx, t, v); err != nil {
		return store.Template{}, err
	}
	if err := s.record(ctx, actor, admin.AuditCreate, t.ID, nil, t); err != nil {
		return store.Template{}, err
	}
	s.logger.Info("template created", "template_id", t.ID, "name", t.Name)
	return t, nil
}

// Update applies a partial update. Any change creates a new version; an
// update that changes nothing returns the template as is.
func (s *Service) Update(ctx context.Context, actor admin.Actor, id string, req UpdateRequest) (store.Template, error) {
	if err := actor.Require(admin.Perm(admin.CategoryTemplates, admin.ActionWrite)); err != nil {
		return store.Template{}, err
	}
	t, err := s.get(ctx, actor, id)
	if err != nil {
		return store.Template{}, err
	}
	old := t

	var c apperr.Collector
	if req.Name != nil {
		validateName(&c, *req.Name)
	}
	if req.ContentStructure != nil {
		validateContent(&c, req.ContentStructure)
	}
	if req.Placeholders != nil {
		validatePlaceholders(&c, req.Placeholders)
	}
	if req.PermissionLevel != nil {
		validateLevel(&c, *req.PermissionLevel)
	}
	if err := c.Err(); err != nil {
		return store.Template{}, err
	}

	changed := false
	if req.Name != nil {
		t.Name = strings.TrimSpace(*req.Name)
		changed = true
	}
	if req.Description != nil {
		t.Description = *req.Description
		changed = true
	}
	if req.ContentStructure != nil {
		t.ContentStructure = req.ContentStructure
		changed = true
	}
	if req.Placeholders != nil {
		t.Placeholders = req.Placeholders
		changed = true
	}
	if req.PermissionLevel != nil {
		t.PermissionLevel = *req.PermissionLevel
		changed = true
	}
	if !changed {
		s.logger.Debug("template unchanged", "template_id", id)
		return t, nil
	}

	desc := req.ChangeDescription
	if desc == "" {
		desc = defaultChangeDescription
	}
	now := s.clock.Now()
	t.UpdatedAt = now
	t.Version = old.Version + 1
	v := &store.TemplateVersion{
		ID:                s.ids.New(),
		TemplateID:        t.ID,
		Version:           t.Version,
		ContentStructure:  t.ContentStructure,
		Placeholders:      t.Placeholders,
		ChangeDescription: desc,
		CreatedBy:         actor.UserID,
		CreatedAt:         now,
	}
	if err := s.store.UpdateTemplate(ctx, t, v); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.Template{}, apperr.Wrap(apperr.CodeConflict, err, "template was updated concurrently")
		}
		return store.Template{}, err
	}
	if err := s.record(ctx, actor, admin.AuditUpdate, id, old, t); err != nil {
		return store.Template{}, err
	}
	s.logger.Info("template updated", "template_id", id, "version", t.Version)
	return t, nil
}

// Get returns a template. Private templates are only visible to their
// creator and to admins.
func (s *Service) Get(ctx context.Context, actor admin.Actor, id string) (store.Template, error) {
	if err := actor.Require(admin.Perm(admin.CategoryTemplates, admin.ActionRead)); err != nil {
		return store.Template{}, err
	}
	return s.get(ctx, actor, id)
}

func (s *Service) get(ctx context.Context, actor admin.Actor, id string) (store.Template, error) {
	t, err := s.store.GetTemplate(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Template{}, apperr.NotFound("template", id)
	}
	if err != nil {
		return store.Template{}, err
	}
	if t.PermissionLevel == LevelPrivate && t.CreatedBy != actor.UserID && actor.Role != admin.RoleAdmin {
		return store.Template{}, apperr.NotFound("template", id)
	}
	return t, nil
}

// List returns a page of templates.
func (s *Service) List(ctx context.Context, actor admin.Actor, q Query) (paging.Result[store.Template], error) {
	if err := actor.Require(admin.Perm(admin.CategoryTemplates, admin.ActionRead)); err != nil {
		return paging.Result[store.Template]{}, err
	}
	p, err := q.Params.Normalize(50, 100)
	if err != nil {
		return paging.Result[store.Template]{}, err
	}
	if q.PermissionLevel != "" {
		var c apperr.Collector
		validateLevel(&c, q.PermissionLevel)
		if err := c.Err(); err != nil {
			return paging.Result[store.Template]{}, err
		}
	}
	list, total, err := s.store.ListTemplates(ctx, store.TemplateFilter{
		CreatedBy:       q.CreatedBy,
		PermissionLevel: q.PermissionLevel,
		Search:          q.Search,
		Limit:           p.Limit,
		Offset:          p.Offset(),
	})
	if err != nil {
		return paging.Result[store.Template]{}, err
	}
	return paging.NewResult(list, total, p), nil
}

// Versions returns the version history, newest first.
func (s *Service) Versions(ctx context.Context, actor admin.Actor, id string) ([]store.TemplateVersion, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.store.ListTemplateVersions(ctx, id)
}

// Delete removes a template and its versions.
func (s *Service) Delete(ctx context.Context, actor admin.Actor, id string) error {
	if err := actor.Require(admin.Perm(admin.CategoryTemplates, admin.ActionDelete)); err != nil {
		return err
	}
	t, err := s.get(ctx, actor, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTemplate(ctx, id); err != nil {
		return err
	}
	return s.record(ctx, actor, admin.AuditDelete, id, t, nil)
}

// Generate fills the template's placeholders with values.
func (s *Service) Generate(ctx context.Context, actor admin.Actor, id string, values map[string]string) (Generated, error) {
	if err := actor.Require(admin.Perm(admin.CategoryTemplates, admin.ActionExecute)); err != nil {
		return Generated{}, err
	}
	t, err := s.get(ctx, actor, id)
	if err != nil {
		return Generated{}, err
	}

	missing := MissingPlaceholders(t.Placeholders, values)
	if len(missing) > 0 {
		s.logger.Warn("missing placeholders", "template_id", id, "missing", missing)
	}
	content, _ := Fill(t.ContentStructure, values).(map[string]any)
	return Generated{TemplateName: t.Name, Content: content, MissingPlaceholders: missing}, nil
}

// Preview renders the filled template as HTML. Values are escaped before
// substitution.
func (s *Service) Preview(ctx context.Context, actor admin.Actor, id string, values map[string]string) (Preview, error) {
	start := s.clock.Now()
	if err := actor.Require(admin.Perm(admin.CategoryTemplates, admin.ActionExecute)); err != nil {
		return Preview{}, err
	}
	t, err := s.get(ctx, actor, id)
	if err != nil {
		return Preview{}, err
	}

	escaped := make(map[string]string, len(values))
	for k, v := range values {
		escaped[k] = html.EscapeString(v)
	}
	content, _ := Fill(t.ContentStructure, escaped).(map[string]any)
	out := RenderHTML(content)

	elapsed := s.clock.Now().Sub(start)
	ms := math.Round(float64(elapsed.Microseconds())/10) / 100
	s.logger.Debug("template preview rendered", "template_id", id, "render_time_ms", ms)
	return Preview{TemplateName: t.Name, HTML: out, RenderTimeMS: ms}, nil
}

func (s *Service) record(ctx context.Context, actor admin.Actor, action admin.AuditAction, id string, oldVal, newVal any) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.Record(ctx, actor, admin.Entry{
		Action:       action,
		ResourceType: admin.ResourceTemplate,
		ResourceID:   id,
		OldValue:     oldVal,
		NewValue:     newVal,
	})
}

// MissingPlaceholders returns the declared placeholders without a value,
// sorted.
func MissingPlaceholders(declared []string, values map[string]string) []string {
	missing := []string{}
	for _, name := range declared {
		if _, ok := values[name]; !ok {
			missing = append(missing, name)
		}
	}
	slices.Sort(missing)
	return slices.Compact(missing)
}

// Fill replaces {{name}} markers in every string reachable from v through
// maps and slices. Other values are returned unchanged.
func Fill(v any, values map[string]string) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = Fill(item, values)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = Fill(item, values)
		}
		return out
	case string:
		if !strings.Contains(x, "{{") {
			return x
		}
		pairs := make([]string, 0, 2*len(values))
		for _, k := range slices.Sorted(maps.Keys(values)) {
			pairs = append(pairs, "{{"+k+"}}", values[k])
		}
		return strings.NewReplacer(pairs...).Replace(x)
	default:
		return v
	}
}

var sectionTags = []struct{ key, tag string }{
	{"header", "header"},
	{"body", "main"},
	{"footer", "footer"},
}

// RenderHTML lays out header, body and footer sections.
func RenderHTML(content map[string]any) string {
	var parts []string
	for _, s := range sectionTags {
		v, ok := content[s.key]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("<%s>%s</%s>", s.tag, sectionText(v), s.tag))
	}
	return strings.Join(parts, "\n")
}

func sectionText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []any:
		lines := make([]string, len(x))
		for i, item := range x {
			lines[i] = sectionText(item)
		}
		return strings.Join(lines, "\n")
	default:
		return html.EscapeString(fmt.Sprint(x))
	}
}

// Package artifact validates uploaded reference files, extracts their text
// and keeps them in temporary storage until they expire.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"

	"github.com/roach88/caseguide/internal/admin"
	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/clock"
	"github.com/roach88/caseguide/internal/htmltext"
	"github.com/roach88/caseguide/internal/ids"
	"github.com/roach88/caseguide/internal/store"
)

// Limits.
const (
	MaxSizeBytes   = 10 * 1024 * 1024
	DefaultTTL     = time.Hour
	PreviewLength  = 200
	maxFilenameLen = 200
)

// Extensions are the accepted file types.
var Extensions = []string{".txt", ".md", ".json", ".html"}

// Service stores artifacts under a directory.
type Service struct {
	store    *store.Store
	dir      string
	ttl      time.Duration
	maxBytes int64
	ids      ids.Generator
	clock    clock.Clock
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithTTL sets how long artifacts are kept.
func WithTTL(d time.Duration) Option {
	return func(s *Service) { s.ttl = d }
}

// WithMaxBytes sets the largest accepted upload.
func WithMaxBytes(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithIDs sets the identifier generator.
func WithIDs(g ids.Generator) Option {
	return func(s *Service) { s.ids = g }
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a service storing files in dir, creating it if needed.
func NewService(st *store.Store, dir string, opts ...Option) (*Service, error) {
	s := &Service{store: st, dir: dir, ttl: DefaultTTL, maxBytes: MaxSizeBytes, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.ids = ids.OrDefault(s.ids)
	s.clock = clock.OrSystem(s.clock)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return s, nil
}

// Validate checks a file's name and size against the default limit.
func Validate(name string, size int64) error {
	return validate(name, size, MaxSizeBytes)
}

func validate(name string, size, limit int64) error {
	ext := strings.ToLower(filepath.Ext(name))
	if !slices.Contains(Extensions, ext) {
		return apperr.Invalid("file", "file type %q not supported, allowed types: %s", ext, strings.Join(Extensions, ", "))
	}
	if size > limit {
		return apperr.Invalid("file", "file exceeds %dMB limit, size: %.2fMB", limit>>20, float64(size)/(1<<20))
	}
	return nil
}

// ExtractText decodes content as UTF-8, replacing invalid bytes, and
// reduces it to plain text according to its extension.
func ExtractText(name string, content []byte) (string, error) {
	decoded, err := unicode.UTF8.NewDecoder().Bytes(content)
	if err != nil {
		return "", apperr.Invalid("file", "failed to decode %q: %v", name, err)
	}

	var text string
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		var buf bytes.Buffer
		if json.Valid(decoded) && json.Indent(&buf, decoded, "", "  ") == nil {
			text = buf.String()
		} else {
			text = string(decoded)
		}
	case ".html":
		text, err = htmltext.Extract(bytes.NewReader(decoded))
		if err != nil {
			return "", apperr.Invalid("file", "failed to parse HTML in %q: %v", name, err)
		}
	default:
		text = string(decoded)
	}

	if strings.TrimSpace(text) == "" {
		return "", apperr.Invalid("file", "file %q contains no extractable text", name)
	}
	return text, nil
}

// Preview returns the first PreviewLength characters of text.
func Preview(text string) string {
	if utf8.RuneCountInString(text) <= PreviewLength {
		return text
	}
	r := []rune(text)
	return string(r[:PreviewLength])
}

func cleanName(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if base == "." || base == "/" || base == "" {
		return "", apperr.Invalid("file", "filename is required")
	}
	if utf8.RuneCountInString(base) > maxFilenameLen {
		return "", apperr.Invalid("file", "filename must be at most %d characters", maxFilenameLen)
	}
	return base, nil
}

// Upload validates, extracts and stores a file read from r.
func (s *Service) Upload(ctx context.Context, actor admin.Actor, name string, r io.Reader) (store.Artifact, error) {
	if err := actor.Require(admin.Perm(admin.CategoryTemplates, admin.ActionExecute)); err != nil {
		return store.Artifact{}, err
	}
	name, err := cleanName(name)
	if err != nil {
		return store.Artifact{}, err
	}
	if err := validate(name, 0, s.maxBytes); err != nil {
		return store.Artifact{}, err
	}

	content, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return store.Artifact{}, fmt.Errorf("read upload: %w", err)
	}
	if err := validate(name, int64(len(content)), s.maxBytes); err != nil {
		return store.Artifact{}, err
	}
	text, err := ExtractText(name, content)
	if err != nil {
		return store.Artifact{}, err
	}

	now := s.clock.Now()
	a := store.Artifact{
		ID:            s.ids.New(),
		Filename:      name,
		Extension:     strings.ToLower(filepath.Ext(name)),
		ExtractedText: text,
		Preview:       Preview(text),
		UploadedBy:    actor.UserID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	}
	a.StoredPath = filepath.Join(s.dir, a.ID+"_"+name)
	if err := os.WriteFile(a.StoredPath, []byte(text), 0o600); err != nil {
		return store.Artifact{}, fmt.Errorf("save artifact: %w", err)
	}
	a.SizeBytes = int64(len(text))

	if err := s.store.CreateArtifact(ctx, a); err != nil {
		_ = os.Remove(a.StoredPath)
		return store.Artifact{}, err
	}
	s.logger.Info("artifact saved", "artifact_id", a.ID, "filename", name, "size_bytes", a.SizeBytes)
	return a, nil
}

// Get returns an artifact that has not expired.
func (s *Service) Get(ctx context.Context, actor admin.Actor, id string) (store.Artifact, error) {
	if err := actor.Require(admin.Perm(admin.CategoryTemplates, admin.ActionRead)); err != nil {
		return store.Artifact{}, err
	}
	a, err := s.store.GetArtifact(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Artifact{}, apperr.NotFound("artifact", id)
	}
	if err != nil {
		return store.Artifact{}, err
	}
	if !s.clock.Now().Before(a.ExpiresAt) {
		return store.Artifact{}, apperr.NotFound("artifact", id)
	}
	return a, nil
}

// Cleanup deletes expired artifacts and their files. It returns how many
// were removed.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpiredArtifacts(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range expired {
		if err := os.Remove(a.StoredPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove artifact file", "artifact_id", a.ID, "path", a.StoredPath, "error", err)
			continue
		}
		if err := s.store.DeleteArtifact(ctx, a.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return n, err
		}
		n++
	}
	if n > 0 {
		s.logger.Info("expired artifacts removed", "count", n)
	}
	return n, nil
}

// RunCleanup calls Cleanup every interval until ctx is cancelled.
func (s *Service) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("artifact cleanup failed", "error", err)
			}
		}
	}
}

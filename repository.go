package adam

/*
This file contains the template repository: a directory of <template_id>.json
files with an in-memory cache in front. Templates are immutable once
published. Putting an id that already exists succeeds only when the content
is identical; anything else must mint a new id. That keeps a template id a
stable reference: a scale device configured against it can never silently
change meaning.
*/

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/xid"
	"go.uber.org/zap"
)

var (
	// ErrTemplateNotFound is returned by Get and Delete for unknown ids.
	ErrTemplateNotFound = errors.New("template not found")
	// ErrTemplateExists is returned by Put when the id is taken by
	// different content.
	ErrTemplateExists = errors.New("template id exists with different content")
)

// TemplateRepository persists protocol templates. Safe for concurrent use
// with a single-writer, many-reader discipline.
type TemplateRepository struct {
	dir string
	log *zap.Logger

	mu    sync.RWMutex
	cache map[string]*ProtocolTemplate
}

// NewTemplateRepository opens (creating if needed) the template directory and
// loads every template in it. Files that fail to parse or validate are
// skipped with a warning rather than preventing startup.
func NewTemplateRepository(dir string, log *zap.Logger) (*TemplateRepository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ConfigErrorF("create template dir: %v", err)
	}
	r := &TemplateRepository{dir: dir, log: log, cache: map[string]*ProtocolTemplate{}}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, ConfigErrorF("read template dir: %v", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn("unreadable template file", zap.String("path", path), zap.Error(err))
			continue
		}
		t, err := ParseTemplate(data)
		if err == nil {
			err = t.Validate()
		}
		if err != nil {
			log.Warn("skipping invalid template file", zap.String("path", path), zap.Error(err))
			continue
		}
		if t.TemplateID == "" {
			t.TemplateID = strings.TrimSuffix(e.Name(), ".json")
		}
		r.cache[t.TemplateID] = t
	}
	log.Info("template repository loaded", zap.String("dir", dir), zap.Int("templates", len(r.cache)))
	return r, nil
}

// Get returns the template with the given id. The returned template is
// shared and must not be modified.
func (r *TemplateRepository) Get(id string) (*ProtocolTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.cache[id]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	return t, nil
}

// List returns templates whose name or id contains the filter, sorted by id.
// An empty filter returns everything.
func (r *TemplateRepository) List(filter string) []*ProtocolTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	filter = strings.ToLower(filter)
	out := make([]*ProtocolTemplate, 0, len(r.cache))
	for _, t := range r.cache {
		if filter != "" &&
			!strings.Contains(strings.ToLower(t.Name), filter) &&
			!strings.Contains(strings.ToLower(t.TemplateID), filter) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TemplateID < out[j].TemplateID })
	return out
}

// Put validates and persists a template, minting an id when it has none, and
// returns the stored id. Re-putting identical content under the same id is a
// no-op; different content under a taken id fails with ErrTemplateExists.
func (r *TemplateRepository) Put(t *ProtocolTemplate) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	stored := *t
	if stored.TemplateID == "" {
		stored.TemplateID = xid.New().String()
	}
	if strings.ContainsAny(stored.TemplateID, "/\\") || strings.Contains(stored.TemplateID, "..") {
		return "", ValidationErrorF("template id %q is not a safe file name", stored.TemplateID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.cache[stored.TemplateID]; ok {
		if templatesEqual(existing, &stored) {
			return stored.TemplateID, nil
		}
		return "", ErrTemplateExists
	}

	data, err := EncodeTemplate(&stored)
	if err != nil {
		return "", err
	}
	path := filepath.Join(r.dir, stored.TemplateID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	r.cache[stored.TemplateID] = &stored
	r.log.Info("template stored",
		zap.String("template_id", stored.TemplateID),
		zap.String("name", stored.Name),
		zap.Float64("confidence", stored.ConfidenceScore))
	return stored.TemplateID, nil
}

// Delete removes a template from disk and cache.
func (r *TemplateRepository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cache[id]; !ok {
		return ErrTemplateNotFound
	}
	if err := os.Remove(filepath.Join(r.dir, id+".json")); err != nil && !os.IsNotExist(err) {
		return err
	}
	delete(r.cache, id)
	r.log.Info("template deleted", zap.String("template_id", id))
	return nil
}

// templatesEqual compares by canonical JSON; struct field order is fixed and
// map keys marshal sorted, so equal content means equal bytes.
func templatesEqual(a, b *ProtocolTemplate) bool {
	da, ea := json.Marshal(a)
	db, eb := json.Marshal(b)
	return ea == nil && eb == nil && bytes.Equal(da, db)
}

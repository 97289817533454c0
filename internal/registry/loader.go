// Package registry resolves model ids to artifact sources on local storage.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"inferd/internal/common/fsutil"
	"inferd/pkg/types"
)

// LoadDir scans a directory for model artifacts and builds a registry from
// filenames. ID is the file name without extension; Path is the absolute
// file path; SizeBytes feeds the load resource estimate. Hidden files and
// subdirectories are skipped.
func LoadDir(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		fi, err := e.Info()
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		name := e.Name()
		id := strings.TrimSuffix(name, filepath.Ext(name))
		models = append(models, types.Model{
			ID:        id,
			Name:      name,
			Path:      filepath.Join(abs, name),
			SizeBytes: fi.Size(),
		})
	}
	return models, nil
}

// Registry is an immutable id -> model lookup built once at startup.
type Registry struct {
	byID map[string]types.Model
}

func New(models []types.Model) *Registry {
	r := &Registry{byID: make(map[string]types.Model, len(models))}
	for _, m := range models {
		r.byID[m.ID] = m
	}
	return r
}

// Lookup returns the model for id.
func (r *Registry) Lookup(id string) (types.Model, bool) {
	m, ok := r.byID[id]
	return m, ok
}

// List returns all registered models.
func (r *Registry) List() []types.Model {
	out := make([]types.Model, 0, len(r.byID))
	for _, m := range r.byID {
		out = append(out, m)
	}
	return out
}

// Len returns the number of registered models.
func (r *Registry) Len() int { return len(r.byID) }

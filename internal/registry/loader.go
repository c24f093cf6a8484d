// Package registry lists the model files in a directory together with what
// their headers say about them.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"sessiond/internal/common/fsutil"
	"sessiond/internal/modelutil"
	"sessiond/pkg/types"
)

// DefaultExtensions are the file suffixes a Scanner considers model files.
var DefaultExtensions = []string{".gguf", ".bin"}

// Scanner finds model files by extension (case-insensitive) and reads their headers.
type Scanner struct {
	Extensions []string
	inspect    func(path string) (modelutil.Header, error)
}

// NewScanner returns a Scanner for DefaultExtensions.
func NewScanner() *Scanner {
	return &Scanner{Extensions: DefaultExtensions, inspect: modelutil.ReadHeader}
}

// Scan lists model files directly under dir, sorted by ID. A file whose
// header cannot be read is still listed, with Error set.
func (s *Scanner) Scan(dir string) ([]types.Model, error) {
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
	models := []types.Model{}
	for _, e := range entries {
		if e.IsDir() || !s.matches(e.Name()) {
			continue
		}
		p := filepath.Join(abs, e.Name())
		m := types.Model{ID: e.Name(), Path: p}
		if fi, err := e.Info(); err == nil {
			m.SizeBytes = fi.Size()
		}
		if h, err := s.inspect(p); err != nil {
			m.Error = err.Error()
		} else {
			m.Format = string(h.Format)
			m.Version = h.Version
			m.Architecture = h.Architecture
			m.Layers = h.Layers
			m.Type = string(h.Type())
		}
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

func (s *Scanner) matches(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range s.Extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// LoadDir scans dir with the default extensions.
func LoadDir(dir string) ([]types.Model, error) {
	return NewScanner().Scan(dir)
}

// Find returns the model with the given ID.
func Find(models []types.Model, id string) (types.Model, bool) {
	for _, m := range models {
		if m.ID == id {
			return m, true
		}
	}
	return types.Model{}, false
}

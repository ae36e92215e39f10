// Package file provides file-based persistence for development and tests.
// Each repository serializes its writes with a mutex, so a directory must be
// owned by a single process.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/chatflow/pkg/content"
	"github.com/dukex/chatflow/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root            string
	flowRepo        *FlowRepository
	sessionRepo     *SessionRepository
	idempotencyRepo *IdempotencyRepository
	contentRepo     *ContentRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:            cleanRoot,
		flowRepo:        NewFlowRepository(cleanRoot),
		sessionRepo:     NewSessionRepository(cleanRoot),
		idempotencyRepo: NewIdempotencyRepository(cleanRoot),
		contentRepo:     NewContentRepository(cleanRoot),
	}
}

func (fp *Persistence) Flows() persistence.FlowRepository {
	return fp.flowRepo
}

func (fp *Persistence) Sessions() persistence.SessionRepository {
	return fp.sessionRepo
}

func (fp *Persistence) Idempotency() persistence.IdempotencyStore {
	return fp.idempotencyRepo
}

func (fp *Persistence) Content() content.Lookup {
	return fp.contentRepo
}

// ContentRepository returns the content store, which also accepts writes.
func (fp *Persistence) ContentRepository() *ContentRepository {
	return fp.contentRepo
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// fileName turns an identifier into a safe file name.
func fileName(id string) string {
	return url.PathEscape(id) + ".json"
}

// readJSON decodes the file into v and reports whether the file exists.
func readJSON(path string, v any) (bool, error) {
	body, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	err = json.Unmarshal(body, v)
	if err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}

	return true, nil
}

// writeJSON replaces the file atomically.
func writeJSON(path string, v any) error {
	err := os.MkdirAll(filepath.Dir(path), 0750)
	if err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}

	tmp := path + ".tmp"

	err = os.WriteFile(tmp, data, 0600)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	err = os.Rename(tmp, path)
	if err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	return nil
}

// listJSON returns the paths of the JSON files of a directory.
func listJSON(dir string) ([]string, error) {
	files, err := fs.Glob(os.DirFS(dir), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	paths := make([]string, len(files))
	for i, file := range files {
		paths[i] = filepath.Join(dir, file)
	}

	return paths, nil
}

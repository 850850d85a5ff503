package gitops

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"sync"

	"github.com/relay-ci/relay/pkg/helper/errors"
)

// File is a tracked file at a specific revision. Revision is the token the
// hosting service hands out for optimistic concurrency, a blob SHA on the
// real implementations.
type File struct {
	Path     string
	Content  []byte
	Revision string
}

type CommitRef struct {
	ID string
}

// Repository is a version-controlled store of declarative deployment state.
// Commit fails with a Conflict-kind error when parentRevision no longer
// matches the head revision of the file.
type Repository interface {
	Read(ctx context.Context, path string) (*File, error)
	Commit(ctx context.Context, path string, content []byte, parentRevision, message string) (*CommitRef, error)
}

// MemoryRepository keeps files in process. Used by tests and local runs.
type MemoryRepository struct {
	mu    sync.Mutex
	files map[string]*File

	// Log records commit messages in order.
	Log []string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		files: make(map[string]*File),
	}
}

// Seed writes a file without concurrency checks.
func (m *MemoryRepository) Seed(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = &File{
		Path:     path,
		Content:  content,
		Revision: revisionOf(content),
	}
}

func (m *MemoryRepository) Read(ctx context.Context, path string) (*File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[path]
	if !ok {
		return nil, errors.NewErr(http.StatusNotFound, &errors.CodeError{
			Code:    http.StatusNotFound,
			Message: "no such file: " + path,
		})
	}
	cp := make([]byte, len(f.Content))
	copy(cp, f.Content)
	return &File{Path: f.Path, Content: cp, Revision: f.Revision}, nil
}

func (m *MemoryRepository) Commit(ctx context.Context, path string, content []byte, parentRevision, message string) (*CommitRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[path]
	if !ok {
		return nil, errors.New("no such file: " + path)
	}
	if f.Revision != parentRevision {
		return nil, errors.WithKind(errors.Errorf("revision moved: have %s, head %s", parentRevision, f.Revision), errors.KindConflict)
	}

	m.files[path] = &File{
		Path:     path,
		Content:  content,
		Revision: revisionOf(content),
	}
	m.Log = append(m.Log, message)

	return &CommitRef{ID: revisionOf(append([]byte(message), content...))}, nil
}

func revisionOf(content []byte) string {
	sum := sha1.Sum(content)
	return hex.EncodeToString(sum[:])
}

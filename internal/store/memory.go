package store

import (
	"context"
	"sort"
	"sync"

	"github.com/ticktalk/ticktalk/internal/models"
)

// MemoryStore keeps session documents in a process-local arena keyed by id.
type MemoryStore struct {
	*engine
	arena *memoryArena
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	arena := &memoryArena{docs: make(map[string]*models.Session)}
	return &MemoryStore{
		engine: newEngine(arena, buildOptions(opts)),
		arena:  arena,
	}
}

type memoryArena struct {
	mu   sync.RWMutex
	docs map[string]*models.Session
}

func (a *memoryArena) load(_ context.Context, id string) (*models.Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.docs[id].Clone(), nil
}

func (a *memoryArena) swap(_ context.Context, id string, expected int64, next *models.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var stored int64
	if current, ok := a.docs[id]; ok {
		stored = current.Version
	}
	if stored != expected {
		return errVersionConflict
	}
	a.docs[id] = next.Clone()
	return nil
}

func (a *memoryArena) list(_ context.Context) ([]models.SessionSummary, error) {
	a.mu.RLock()
	summaries := make([]models.SessionSummary, 0, len(a.docs))
	for _, doc := range a.docs {
		summaries = append(summaries, doc.Summary())
	}
	a.mu.RUnlock()

	sortSummaries(summaries)
	return summaries, nil
}

func sortSummaries(summaries []models.SessionSummary) {
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt != summaries[j].CreatedAt {
			return summaries[i].CreatedAt > summaries[j].CreatedAt
		}
		return summaries[i].ID < summaries[j].ID
	})
}

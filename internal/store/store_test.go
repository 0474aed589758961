package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ticktalk/ticktalk/internal/models"
	apperrors "github.com/ticktalk/ticktalk/pkg/errors"
)

func newDoc() *models.Session {
	return &models.Session{
		HostID:              "alice",
		CreatedAt:           1_700_000_000_000,
		SlotDurationSeconds: 60,
		Status:              models.SessionStatusLobby,
		SpokenUserIDs:       []string{},
		Participants: map[string]*models.Participant{
			"alice": {Name: "Alice", Role: models.RoleHost},
		},
	}
}

func addParticipant(id string) TransformFunc {
	return func(current *models.Session) (*models.Session, error) {
		if current == nil {
			return nil, apperrors.ErrSessionNotFound
		}
		current.Participants[id] = &models.Participant{Name: id, Role: models.RoleParticipant}
		return current, nil
	}
}

// storeFactories lets the shared behaviour tests run against every backend.
func storeFactories(t *testing.T) map[string]func(opts ...Option) Store {
	return map[string]func(opts ...Option) Store{
		"memory": func(opts ...Option) Store { return NewMemoryStore(opts...) },
		"database": func(opts ...Option) Store {
			return mustDatabaseStore(t, opts...)
		},
	}
}

func TestStoreCreateAndRead(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			ctx := context.Background()

			require.NoError(t, s.Create(ctx, "s1", newDoc()))

			doc, err := s.Read(ctx, "s1")
			require.NoError(t, err)
			require.Equal(t, "s1", doc.ID)
			require.EqualValues(t, 1, doc.Version)
			require.Equal(t, "Alice", doc.Participants["alice"].Name)

			err = s.Create(ctx, "s1", newDoc())
			require.ErrorIs(t, err, apperrors.ErrAlreadyExists)

			_, err = s.Read(ctx, "missing")
			require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
		})
	}
}

func TestStoreTransactCommitsAndBumpsVersion(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, "s1", newDoc()))

			doc, err := s.Transact(ctx, "s1", addParticipant("bob"))
			require.NoError(t, err)
			require.EqualValues(t, 2, doc.Version)
			require.Contains(t, doc.Participants, "bob")

			stored, err := s.Read(ctx, "s1")
			require.NoError(t, err)
			require.Equal(t, doc, stored)
		})
	}
}

func TestStoreTransactUnchangedAndRejected(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, "s1", newDoc()))

			doc, err := s.Transact(ctx, "s1", func(current *models.Session) (*models.Session, error) {
				return nil, nil
			})
			require.NoError(t, err)
			require.EqualValues(t, 1, doc.Version)

			rejection := errors.New("nope")
			_, err = s.Transact(ctx, "s1", func(current *models.Session) (*models.Session, error) {
				current.Participants["mallory"] = &models.Participant{Name: "M"}
				return nil, rejection
			})
			require.ErrorIs(t, err, rejection)

			stored, err := s.Read(ctx, "s1")
			require.NoError(t, err)
			require.EqualValues(t, 1, stored.Version)
			require.NotContains(t, stored.Participants, "mallory")
		})
	}
}

func TestStoreTransactSeesNilForMissingDocument(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()

			_, err := s.Transact(context.Background(), "ghost", addParticipant("bob"))
			require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
		})
	}
}

func TestStoreRefusesInvariantViolations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", newDoc()))

	_, err := s.Transact(ctx, "s1", func(current *models.Session) (*models.Session, error) {
		current.ActiveSpeakerID = "alice"
		return current, nil
	})
	require.ErrorIs(t, err, apperrors.ErrInternalServer)

	stored, err := s.Read(ctx, "s1")
	require.NoError(t, err)
	require.False(t, stored.HasActiveSpeaker())
}

func TestStoreTransformGetsPrivateCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", newDoc()))

	_, err := s.Transact(ctx, "s1", func(current *models.Session) (*models.Session, error) {
		current.Participants["alice"].Name = "changed"
		return nil, nil
	})
	require.NoError(t, err)

	stored, err := s.Read(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "Alice", stored.Participants["alice"].Name)
}

func TestMemoryStoreConcurrentTransactionsAllApply(t *testing.T) {
	s := NewMemoryStore(WithMaxRetries(1000), WithRetryBackoff(0))
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "s1", newDoc()))

	const workers = 20
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := s.Transact(ctx, "s1", func(current *models.Session) (*models.Session, error) {
				current.SlotDurationSeconds++
				return current, nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stored, err := s.Read(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 60+workers, stored.SlotDurationSeconds)
	require.EqualValues(t, 1+workers, stored.Version)
}

type conflictingBackend struct {
	memoryArena
}

func (b *conflictingBackend) swap(context.Context, string, int64, *models.Session) error {
	return errVersionConflict
}

func TestTransactExhaustsRetries(t *testing.T) {
	backend := &conflictingBackend{memoryArena{docs: map[string]*models.Session{}}}
	seed := newDoc()
	seed.ID, seed.Version = "s1", 1
	backend.docs["s1"] = seed

	e := newEngine(backend, buildOptions([]Option{WithMaxRetries(3), WithRetryBackoff(0)}))

	var calls int32
	_, err := e.Transact(context.Background(), "s1", func(current *models.Session) (*models.Session, error) {
		atomic.AddInt32(&calls, 1)
		return current, nil
	})
	require.ErrorIs(t, err, apperrors.ErrTransientStore)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestTransactHonoursCancellation(t *testing.T) {
	backend := &conflictingBackend{memoryArena{docs: map[string]*models.Session{}}}
	seed := newDoc()
	seed.ID, seed.Version = "s1", 1
	backend.docs["s1"] = seed

	e := newEngine(backend, buildOptions([]Option{WithMaxRetries(100), WithRetryBackoff(50 * time.Millisecond)}))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.Transact(ctx, "s1", func(current *models.Session) (*models.Session, error) {
		return current, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStoreListNewestFirst(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			ctx := context.Background()

			older := newDoc()
			newer := newDoc()
			newer.CreatedAt = older.CreatedAt + 1000
			require.NoError(t, s.Create(ctx, "old", older))
			require.NoError(t, s.Create(ctx, "new", newer))
			_, err := s.Transact(ctx, "old", addParticipant("bob"))
			require.NoError(t, err)

			summaries, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, summaries, 2)
			require.Equal(t, "new", summaries[0].ID)
			require.Equal(t, "old", summaries[1].ID)
			require.Equal(t, 2, summaries[1].ParticipantCount)
			require.Equal(t, "alice", summaries[1].HostID)
		})
	}
}

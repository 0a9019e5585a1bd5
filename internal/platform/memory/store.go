package memory

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/phrazzld/commitcast/internal/platform/logger"
	"github.com/phrazzld/commitcast/internal/store"
)

type edge struct {
	dependsOn uuid.UUID
	position  int
}

type commitKey struct {
	projectID uuid.UUID
	sha       string
}

// state is everything a transaction may need to restore.
type state struct {
	jobs       map[uuid.UUID]*domain.Job
	edges      map[uuid.UUID][]edge
	commits    map[uuid.UUID]*domain.Commit
	commitKeys map[commitKey]uuid.UUID
}

func (st state) clone() state {
	out := state{
		jobs:       make(map[uuid.UUID]*domain.Job, len(st.jobs)),
		edges:      make(map[uuid.UUID][]edge, len(st.edges)),
		commits:    make(map[uuid.UUID]*domain.Commit, len(st.commits)),
		commitKeys: maps.Clone(st.commitKeys),
	}
	for id, j := range st.jobs {
		out.jobs[id] = cloneJob(j)
	}
	for id, e := range st.edges {
		out.edges[id] = append([]edge(nil), e...)
	}
	for id, c := range st.commits {
		cp := *c
		out.commits[id] = &cp
	}
	return out
}

// Store holds jobs, dependency edges and commits in memory behind one mutex.
type Store struct {
	mu     sync.Mutex
	st     state
	logger *slog.Logger
}

// New creates an empty Store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		st: state{
			jobs:       make(map[uuid.UUID]*domain.Job),
			edges:      make(map[uuid.UUID][]edge),
			commits:    make(map[uuid.UUID]*domain.Commit),
			commitKeys: make(map[commitKey]uuid.UUID),
		},
		logger: logger.With(slog.String("component", "memory_store")),
	}
}

var _ store.Transactor = (*Store)(nil)

// Jobs returns the job store view.
func (s *Store) Jobs() *JobStore {
	return &JobStore{s: s}
}

// Commits returns the commit store view.
func (s *Store) Commits() *CommitStore {
	return &CommitStore{s: s}
}

// Stores returns both views bundled for the workflow builder and handlers.
func (s *Store) Stores() store.Stores {
	return store.Stores{Jobs: s.Jobs(), Commits: s.Commits()}
}

// InTransaction implements store.Transactor. The store stays locked while fn
// runs; if fn fails or panics, the state from before the call is restored.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context, st store.Stores) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	defer func() {
		if p := recover(); p != nil {
			s.st = snapshot
			// ALLOW-PANIC: re-raising the caller's panic after restoring state
			panic(p)
		}
		if err != nil {
			s.st = snapshot
			logger.FromContextOrDefault(ctx, s.logger).Debug("rolled back in-memory transaction",
				slog.String("error", err.Error()))
		}
	}()

	return fn(ctx, store.Stores{
		Jobs:    &JobStore{s: s, inTx: true},
		Commits: &CommitStore{s: s, inTx: true},
	})
}

// lock acquires the store mutex unless the caller already holds it through
// InTransaction.
func (s *Store) lock(inTx bool) func() {
	if inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func cloneJob(j *domain.Job) *domain.Job {
	cp := *j
	cp.Context = cloneContext(j.Context)
	return &cp
}

func cloneContext(c domain.JobContext) domain.JobContext {
	out := domain.JobContext{
		Result:    maps.Clone(c.Result),
		Inherited: maps.Clone(c.Inherited),
	}
	if len(c.Dependencies) > 0 {
		out.Dependencies = append([]domain.DependencyResult(nil), c.Dependencies...)
	}
	return out
}

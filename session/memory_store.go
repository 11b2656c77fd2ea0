package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/reviewflow/types"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	// locks serializes Apply/Finalize per session id so concurrently
	// completing workers never lose an update.
	locks  map[string]*sync.Mutex
	closed bool
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*types.Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Create registers a new session and returns its id.
func (s *MemoryStore) Create(ctx context.Context, input types.AnalysisInput) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	now := time.Now()
	sess := &types.Session{
		ID:        uuid.New().String(),
		Status:    types.SessionInitializing,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[sess.ID] = sess
	s.locks[sess.ID] = &sync.Mutex{}

	return sess.ID, nil
}

// Get returns a copy of the session.
func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(sess), nil
}

// Apply atomically applies a partial update.
func (s *MemoryStore) Apply(ctx context.Context, id string, delta Delta) (*types.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock, err := s.sessionLock(id)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	// 终稿会话不可再变更
	if sess.Report != nil || sess.Status == types.SessionCompleted {
		return nil, ErrConflict
	}

	applyDelta(sess, delta)
	return cloneSession(sess), nil
}

// Finalize attaches the report and completes the session.
func (s *MemoryStore) Finalize(ctx context.Context, id string, report *types.Report) (*types.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if report == nil {
		return nil, ErrInvalidInput
	}

	lock, err := s.sessionLock(id)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if sess.Report != nil || sess.Status == types.SessionCompleted {
		return nil, ErrConflict
	}

	copied := *report
	sess.Report = &copied
	sess.Status = types.SessionCompleted
	sess.UpdatedAt = time.Now()
	sess.Version++

	return cloneSession(sess), nil
}

// List returns session summaries matching the filter.
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]types.SessionSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]types.SessionSummary, 0)
	for _, sess := range s.sessions {
		if matchesFilter(sess, filter) {
			result = append(result, summarize(sess))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if filter.OrderDesc {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	return result, nil
}

// sessionLock returns the per-session mutex.
func (s *MemoryStore) sessionLock(id string) (*sync.Mutex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	lock, ok := s.locks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return lock, nil
}

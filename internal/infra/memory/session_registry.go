package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"quizbot/internal/domain"
)

// SessionRegistry is an in-memory implementation of app.SessionRegistry.
// State lives for the process lifetime only.
type SessionRegistry struct {
	mu    sync.RWMutex
	users map[string]*userState
}

type userState struct {
	active atomic.Bool

	mu       sync.Mutex
	progress int
	score    domain.Score
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		users: make(map[string]*userState),
	}
}

func (r *SessionRegistry) entry(userID string) *userState {
	r.mu.RLock()
	st, ok := r.users[userID]
	r.mu.RUnlock()
	if ok {
		return st
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.users[userID]; ok {
		return st
	}
	st = &userState{}
	r.users[userID] = st
	return st
}

// TryStart flips the user's active flag with a compare-and-swap, so two
// concurrent starts for the same user cannot both succeed.
func (r *SessionRegistry) TryStart(_ context.Context, userID string) (bool, error) {
	return r.entry(userID).active.CompareAndSwap(false, true), nil
}

func (r *SessionRegistry) End(_ context.Context, userID string) error {
	r.entry(userID).active.Store(false)
	return nil
}

// Active reports whether the user currently holds a session.
func (r *SessionRegistry) Active(userID string) bool {
	return r.entry(userID).active.Load()
}

func (r *SessionRegistry) Progress(_ context.Context, userID string) (int, error) {
	st := r.entry(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.progress, nil
}

func (r *SessionRegistry) SetProgress(_ context.Context, userID string, offset int) error {
	if offset < 0 {
		offset = 0
	}
	st := r.entry(userID)
	st.mu.Lock()
	st.progress = offset
	st.mu.Unlock()
	return nil
}

func (r *SessionRegistry) ResetProgress(ctx context.Context, userID string) error {
	return r.SetProgress(ctx, userID, 0)
}

func (r *SessionRegistry) RecordAnswer(_ context.Context, userID string, correct bool) error {
	st := r.entry(userID)
	st.mu.Lock()
	st.score.Total++
	if correct {
		st.score.Correct++
	}
	st.mu.Unlock()
	return nil
}

func (r *SessionRegistry) Score(_ context.Context, userID string) (domain.Score, error) {
	st := r.entry(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.score, nil
}

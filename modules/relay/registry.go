package relay

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/zachfi/dfpwmrelay/pkg/session"
)

var (
	ErrAtCapacity   = errors.New("server is at capacity")
	ErrShuttingDown = errors.New("server is shutting down")
)

type entry struct {
	session *session.Session
	cancel  context.CancelFunc
}

// Registry tracks the live sessions of the relay. Sessions register
// themselves on accept and deregister when they finish.
type Registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]entry
	limit    int
	closed   bool
	wg       sync.WaitGroup
}

// NewRegistry returns a registry holding at most limit sessions. Zero is
// unlimited.
func NewRegistry(limit int) *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]entry),
		limit:    limit,
	}
}

// Add registers s. cancel aborts the session.
func (r *Registry) Add(s *session.Session, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrShuttingDown
	}
	if r.limit > 0 && len(r.sessions) >= r.limit {
		return ErrAtCapacity
	}

	r.sessions[s.ID] = entry{session: s, cancel: cancel}
	r.wg.Add(1)
	return nil
}

// Remove deregisters the session with the given ID.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)
	r.wg.Done()
}

// Cancel aborts the session with the given ID, reporting whether it exists.
func (r *Registry) Cancel(id uuid.UUID) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	r.mu.Unlock()

	if ok {
		e.cancel()
	}
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List describes the live sessions, oldest first.
func (r *Registry) List(ctx context.Context) []session.Info {
	r.mu.Lock()
	live := make([]*session.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		live = append(live, e.session)
	}
	r.mu.Unlock()

	infos := make([]session.Info, 0, len(live))
	for _, s := range live {
		infos = append(infos, s.Info(ctx))
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Started.Before(infos[j].Started)
	})
	return infos
}

// Shutdown refuses new sessions, aborts the live ones and waits for them to
// deregister or for ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, e := range r.sessions {
		e.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

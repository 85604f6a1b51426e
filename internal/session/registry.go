package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrAlreadyExists = errors.New("session already exists")
	ErrRegression    = errors.New("status transition would regress")
)

// Registry is the owned, injected map of live sessions. Each session is
// mutated by exactly one background task; the registry serializes those
// writes against concurrent status reads. It also holds the cancel
// handle for each session's pipeline task so an explicit stop can
// request cooperative cancellation rather than only flipping a flag.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cancels  map[string]context.CancelFunc
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Create registers a new session in the initializing state and stores
// the cancel handle for its pipeline task.
func (r *Registry) Create(sess *Session, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sess.ID]; ok {
		return ErrAlreadyExists
	}
	if sess.Status == "" {
		sess.Status = StatusInitializing
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	r.sessions[sess.ID] = sess
	if cancel != nil {
		r.cancels[sess.ID] = cancel
	}
	return nil
}

// Get returns a copy of the session, so readers never observe a
// half-applied update.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *sess, nil
}

// Advance moves a session forward to the given status, progress and
// step description. Transitions that would regress are rejected, which
// keeps concurrent readers on a monotonically-advancing view.
func (r *Registry) Advance(id string, status Status, progress int, step string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !sess.Status.CanAdvanceTo(status) {
		return ErrRegression
	}
	sess.Status = status
	if progress > sess.Progress {
		sess.Progress = progress
	}
	sess.CurrentStep = step
	return nil
}

// Complete marks a session terminal with its results payload.
func (r *Registry) Complete(id string, status Status, results *Results) error {
	if !status.Terminal() {
		return errors.New("Complete requires a terminal status")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.Status.Terminal() {
		// First terminal transition wins (e.g. stop racing the pipeline).
		return nil
	}
	now := time.Now()
	sess.Status = status
	sess.Progress = 100
	sess.CompletedAt = &now
	sess.Results = results
	delete(r.cancels, id)
	return nil
}

// Fail marks a session terminally failed with a human-readable error.
func (r *Registry) Fail(id string, errText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.Status.Terminal() {
		return nil
	}
	now := time.Now()
	sess.Status = StatusFailed
	sess.Error = errText
	sess.CompletedAt = &now
	delete(r.cancels, id)
	return nil
}

// Stop marks a session stopped and cancels its pipeline task. The task
// observes the cancellation at its next checkpoint. Stopping an already
// terminal session is a no-op.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if cancel, ok := r.cancels[id]; ok {
		cancel()
		delete(r.cancels, id)
	}
	if sess.Status.Terminal() {
		return nil
	}
	now := time.Now()
	sess.Status = StatusStopped
	sess.CompletedAt = &now
	return nil
}

// Remove deletes a session entirely. Used by acceptance-session expiry,
// where the session should vanish rather than linger as terminal.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cancel, ok := r.cancels[id]; ok {
		cancel()
		delete(r.cancels, id)
	}
	if _, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		log.Debug().Str("session_id", id).Msg("session removed from registry")
	}
}

// ActiveCount returns the number of non-terminal sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, sess := range r.sessions {
		if !sess.Status.Terminal() {
			n++
		}
	}
	return n
}

// List returns copies of all sessions.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, *sess)
	}
	return out
}

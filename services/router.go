package services

import (
	"context"
	"fmt"
	"sync"

	core "marketplace-backend/core/marketplace"
)

// PerformFunc adapts a function to a per-kind performer.
type PerformFunc func(ctx context.Context, jobID string, terms core.Terms) (string, error)

// VerifyFunc adapts a function to a per-kind verifier.
type VerifyFunc func(ctx context.Context, artifactRef string, terms core.Terms) (bool, string, error)

// Router dispatches perform and verify calls by task kind, so one engine can
// serve several task kinds with different backing services.
type Router struct {
	mu         sync.RWMutex
	performers map[core.TaskKind]PerformFunc
	verifiers  map[core.TaskKind]VerifyFunc
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{
		performers: make(map[core.TaskKind]PerformFunc),
		verifiers:  make(map[core.TaskKind]VerifyFunc),
	}
}

// RegisterPerformer binds a performer to a task kind.
func (r *Router) RegisterPerformer(kind core.TaskKind, fn PerformFunc) {
	r.mu.Lock()
	r.performers[kind] = fn
	r.mu.Unlock()
}

// RegisterVerifier binds a verifier to a task kind.
func (r *Router) RegisterVerifier(kind core.TaskKind, fn VerifyFunc) {
	r.mu.Lock()
	r.verifiers[kind] = fn
	r.mu.Unlock()
}

// Perform dispatches to the performer registered for the terms' task kind.
func (r *Router) Perform(ctx context.Context, jobID string, terms core.Terms) (string, error) {
	r.mu.RLock()
	fn, ok := r.performers[terms.TaskKind]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no performer for task kind %q", terms.TaskKind)
	}
	return fn(ctx, jobID, terms)
}

// Verify dispatches to the verifier registered for the terms' task kind.
func (r *Router) Verify(ctx context.Context, artifactRef string, terms core.Terms) (bool, string, error) {
	r.mu.RLock()
	fn, ok := r.verifiers[terms.TaskKind]
	r.mu.RUnlock()
	if !ok {
		return false, "", fmt.Errorf("no verifier for task kind %q", terms.TaskKind)
	}
	return fn(ctx, artifactRef, terms)
}

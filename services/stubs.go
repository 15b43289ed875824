package services

import (
	"context"
	"fmt"
	"sync/atomic"

	core "marketplace-backend/core/marketplace"
)

// StubPerformer returns a fixed artifact reference; useful for demos and
// wiring checks without a live tracker.
type StubPerformer struct {
	ArtifactRef string
	Err         error
	calls       atomic.Int64
}

// Perform returns the configured artifact reference.
func (s *StubPerformer) Perform(ctx context.Context, jobID string, terms core.Terms) (string, error) {
	s.calls.Add(1)
	if s.Err != nil {
		return "", s.Err
	}
	if s.ArtifactRef != "" {
		return s.ArtifactRef, nil
	}
	return fmt.Sprintf("issues/%d", s.calls.Load()), nil
}

// Calls reports how many times Perform ran.
func (s *StubPerformer) Calls() int64 { return s.calls.Load() }

// StubVerifier passes or fails every artifact it sees.
type StubVerifier struct {
	Pass     bool
	Evidence string
	Err      error
	calls    atomic.Int64
}

// Verify returns the configured outcome.
func (s *StubVerifier) Verify(ctx context.Context, artifactRef string, terms core.Terms) (bool, string, error) {
	s.calls.Add(1)
	if s.Err != nil {
		return false, "", s.Err
	}
	evidence := s.Evidence
	if evidence == "" {
		evidence = "observed " + artifactRef
	}
	return s.Pass, evidence, nil
}

// Calls reports how many times Verify ran.
func (s *StubVerifier) Calls() int64 { return s.calls.Load() }

// StubPayer hands out sequential transfer references.
type StubPayer struct {
	TransferRef string
	Err         error
	calls       atomic.Int64
}

// Pay returns the configured transfer reference.
func (s *StubPayer) Pay(ctx context.Context, payee string, amountUnits int64, denom string) (string, error) {
	n := s.calls.Add(1)
	if s.Err != nil {
		return "", s.Err
	}
	if s.TransferRef != "" {
		return s.TransferRef, nil
	}
	return fmt.Sprintf("tx-%d", n), nil
}

// Calls reports how many times Pay ran.
func (s *StubPayer) Calls() int64 { return s.calls.Load() }

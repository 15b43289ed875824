package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	core "marketplace-backend/core/marketplace"
	mkstore "marketplace-backend/storage/marketplace"
)

// Performer executes the quoted task and returns an artifact reference.
type Performer interface {
	Perform(ctx context.Context, jobID string, terms core.Terms) (string, error)
}

// Verifier independently checks the claimed artifact against the terms.
// Returns pass/fail plus free-form evidence.
type Verifier interface {
	Verify(ctx context.Context, artifactRef string, terms core.Terms) (bool, string, error)
}

// Payer transfers funds to the payee and returns a transfer reference.
type Payer interface {
	Pay(ctx context.Context, payee string, amountUnits int64, denom string) (string, error)
}

// Engine is the job state machine. It owns all job mutation, validates every
// counterparty message before acting on it, and invokes the external
// capabilities against snapshots so no adapter call ever holds a store lock.
type Engine struct {
	store     Store
	bus       *EventBus
	performer Performer
	verifier  Verifier
	payer     Payer
}

// NewEngine wires the state machine to its store, event bus, and adapters.
func NewEngine(store Store, bus *EventBus, performer Performer, verifier Verifier, payer Payer) *Engine {
	if bus == nil {
		bus = NewEventBus()
	}
	return &Engine{store: store, bus: bus, performer: performer, verifier: verifier, payer: payer}
}

// Bus exposes the event bus so callers can register sinks.
func (e *Engine) Bus() *EventBus { return e.bus }

// GetJob reads a job record.
func (e *Engine) GetJob(ctx context.Context, jobID string) (core.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return core.Job{}, err
	}
	return job, nil
}

// ListJobs queries job records.
func (e *Engine) ListJobs(ctx context.Context, filter core.JobFilter) ([]core.Job, error) {
	return e.store.ListJobs(ctx, filter)
}

// OpenJob records a validated quote against its originating request and
// creates the job in quoted state. Replaying the same quote is a no-op that
// returns the existing job.
func (e *Engine) OpenJob(ctx context.Context, req core.QuoteRequest, quote core.QuoteResponse) (core.Job, error) {
	now := time.Now().UTC()
	terms, err := ValidateQuote(req, quote, now)
	if err != nil {
		rejectedMessagesTotal.WithLabelValues("quote").Inc()
		return core.Job{}, err
	}

	job := core.Job{
		JobID:     quote.JobID,
		Requester: req.Requester,
		Provider:  quote.Provider,
		Terms:     terms,
		TermsHash: quote.TermsHash,
		Status:    core.StatusQuoted,
		History:   []core.Transition{{Status: core.StatusQuoted, Timestamp: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, mkstore.ErrDuplicateJob) {
			return e.store.GetJob(ctx, quote.JobID)
		}
		return core.Job{}, err
	}
	transitionsTotal.WithLabelValues(string(core.StatusQuoted)).Inc()
	e.emit(job, "quote recorded")
	return job, nil
}

// Accept applies the requester's signed commitment: quoted -> accepted.
func (e *Engine) Accept(ctx context.Context, acc core.Acceptance) (core.Job, error) {
	job, err := e.store.GetJob(ctx, acc.JobID)
	if err != nil {
		return core.Job{}, err
	}
	if err := ValidateAcceptance(job, acc, time.Now().UTC()); err != nil {
		rejectedMessagesTotal.WithLabelValues("acceptance").Inc()
		return core.Job{}, err
	}

	job, err = e.store.CompareAndTransition(ctx, acc.JobID, core.StatusQuoted, core.StatusAccepted, "", nil)
	if err != nil {
		if errors.Is(err, mkstore.ErrStaleState) {
			return e.resolveReplay(ctx, acc.JobID, core.StatusAccepted, "")
		}
		return core.Job{}, err
	}
	transitionsTotal.WithLabelValues(string(core.StatusAccepted)).Inc()
	e.emit(job, "terms accepted")
	return job, nil
}

// Perform moves the job into in_progress and delegates to the perform
// capability against a snapshot, outside any lock. An adapter failure is
// terminal: the job fails with the adapter's reason and no automatic retry.
func (e *Engine) Perform(ctx context.Context, jobID string) (core.Job, string, error) {
	job, err := e.store.CompareAndTransition(ctx, jobID, core.StatusAccepted, core.StatusInProgress, "", nil)
	if err != nil {
		if errors.Is(err, mkstore.ErrStaleState) {
			cur, gerr := e.store.GetJob(ctx, jobID)
			if gerr != nil {
				return core.Job{}, "", gerr
			}
			return cur, "", fmt.Errorf("%w: perform requires accepted, job is %s", ErrStateConflict, cur.Status)
		}
		return core.Job{}, "", err
	}
	transitionsTotal.WithLabelValues(string(core.StatusInProgress)).Inc()
	e.emit(job, "perform started")

	artifactRef, err := e.performer.Perform(ctx, jobID, job.Terms)
	if err != nil {
		adapterFailuresTotal.WithLabelValues("perform").Inc()
		failed, ferr := e.store.CompareAndTransition(ctx, jobID, core.StatusInProgress, core.StatusFailed,
			fmt.Sprintf("perform failed: %v", err), nil)
		if ferr != nil {
			log.Printf("engine: job %s: record perform failure: %v", jobID, ferr)
			return job, "", err
		}
		transitionsTotal.WithLabelValues(string(core.StatusFailed)).Inc()
		e.emit(failed, "perform failed")
		return failed, "", err
	}
	return job, artifactRef, nil
}

// SubmitReceipt applies the provider's completion claim: in_progress ->
// completed. A duplicate receipt with the same artifact is a no-op.
func (e *Engine) SubmitReceipt(ctx context.Context, rcpt core.Receipt) (core.Job, error) {
	job, err := e.store.GetJob(ctx, rcpt.JobID)
	if err != nil {
		return core.Job{}, err
	}
	if alreadyCompleted(job) && job.ArtifactRef == rcpt.ArtifactRef {
		return job, nil
	}
	if err := ValidateReceipt(job, rcpt); err != nil {
		rejectedMessagesTotal.WithLabelValues("receipt").Inc()
		return core.Job{}, err
	}

	job, err = e.store.CompareAndTransition(ctx, rcpt.JobID, core.StatusInProgress, core.StatusCompleted, "", func(j *core.Job) {
		j.ArtifactRef = rcpt.ArtifactRef
	})
	if err != nil {
		if errors.Is(err, mkstore.ErrStaleState) {
			return e.resolveReplay(ctx, rcpt.JobID, core.StatusCompleted, rcpt.ArtifactRef)
		}
		return core.Job{}, err
	}
	transitionsTotal.WithLabelValues(string(core.StatusCompleted)).Inc()
	e.emit(job, "receipt recorded")
	return job, nil
}

// VerifyJob invokes the verification capability against the recorded
// artifact: completed -> verified on pass, completed -> failed on fail.
// Payment is unreachable without passing through here first.
func (e *Engine) VerifyJob(ctx context.Context, jobID string) (core.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return core.Job{}, err
	}
	if job.Status != core.StatusCompleted {
		return job, fmt.Errorf("%w: verification requires completed, job is %s", ErrStateConflict, job.Status)
	}

	passed, evidence, err := e.verifier.Verify(ctx, job.ArtifactRef, job.Terms)
	if err != nil {
		adapterFailuresTotal.WithLabelValues("verify").Inc()
		return e.failFrom(ctx, jobID, core.StatusCompleted, fmt.Sprintf("verification error: %v", err), nil)
	}

	outcome := &core.VerificationOutcome{
		Passed:    passed,
		Evidence:  evidence,
		CheckedAt: time.Now().UTC(),
		Checker:   job.Requester,
	}
	if !passed {
		reason := "verification failed"
		if evidence != "" {
			reason = "verification failed: " + evidence
		}
		return e.failFrom(ctx, jobID, core.StatusCompleted, reason, func(j *core.Job) {
			j.Verification = outcome
		})
	}

	job, err = e.store.CompareAndTransition(ctx, jobID, core.StatusCompleted, core.StatusVerified, "verification passed", func(j *core.Job) {
		j.Verification = outcome
	})
	if err != nil {
		if errors.Is(err, mkstore.ErrStaleState) {
			cur, gerr := e.store.GetJob(ctx, jobID)
			if gerr != nil {
				return core.Job{}, gerr
			}
			return cur, fmt.Errorf("%w: job moved to %s during verification", ErrStateConflict, cur.Status)
		}
		return core.Job{}, err
	}
	transitionsTotal.WithLabelValues(string(core.StatusVerified)).Inc()
	e.emit(job, "verification passed")
	return job, nil
}

// PayJob releases payment: verified -> paid. Invoking it from any other
// state is a hard state-conflict error, never a silent no-op, so a caller
// bug cannot pay for unverified work.
func (e *Engine) PayJob(ctx context.Context, jobID string) (core.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return core.Job{}, err
	}
	if job.Status != core.StatusVerified {
		return job, fmt.Errorf("%w: payment requires verified, job is %s", ErrStateConflict, job.Status)
	}

	transferRef, err := e.payer.Pay(ctx, job.Provider, job.Terms.PriceUnits, job.Terms.Denom)
	if err != nil {
		adapterFailuresTotal.WithLabelValues("pay").Inc()
		return e.failFrom(ctx, jobID, core.StatusVerified, fmt.Sprintf("payment failed: %v", err), nil)
	}

	job, err = e.store.CompareAndTransition(ctx, jobID, core.StatusVerified, core.StatusPaid, "transfer "+transferRef, func(j *core.Job) {
		j.PaymentRef = transferRef
	})
	if err != nil {
		if errors.Is(err, mkstore.ErrStaleState) {
			cur, gerr := e.store.GetJob(ctx, jobID)
			if gerr != nil {
				return core.Job{}, gerr
			}
			if cur.Status == core.StatusPaid {
				return cur, nil
			}
			return cur, fmt.Errorf("%w: job moved to %s during payment", ErrStateConflict, cur.Status)
		}
		return core.Job{}, err
	}
	transitionsTotal.WithLabelValues(string(core.StatusPaid)).Inc()
	e.emit(job, "payment released")
	return job, nil
}

// FailExpired drives a job whose terms expired to failed. Losing the race to
// a concurrent message is not an error: exactly one of the two wins.
func (e *Engine) FailExpired(ctx context.Context, job core.Job, now time.Time) (bool, error) {
	if job.Status.IsTerminal() || now.Before(job.Terms.ExpiresAt) {
		return false, nil
	}
	switch job.Status {
	case core.StatusQuoted, core.StatusAccepted, core.StatusInProgress:
	default:
		return false, nil
	}
	failed, err := e.store.CompareAndTransition(ctx, job.JobID, job.Status, core.StatusFailed, "terms expired", nil)
	if err != nil {
		if errors.Is(err, mkstore.ErrStaleState) || errors.Is(err, mkstore.ErrJobNotFound) {
			return false, nil
		}
		return false, err
	}
	transitionsTotal.WithLabelValues(string(core.StatusFailed)).Inc()
	e.emit(failed, "terms expired")
	return true, nil
}

// failFrom records a terminal failure from the expected state.
func (e *Engine) failFrom(ctx context.Context, jobID string, expected core.JobStatus, reason string, mutate func(*core.Job)) (core.Job, error) {
	job, err := e.store.CompareAndTransition(ctx, jobID, expected, core.StatusFailed, reason, mutate)
	if err != nil {
		if errors.Is(err, mkstore.ErrStaleState) {
			cur, gerr := e.store.GetJob(ctx, jobID)
			if gerr != nil {
				return core.Job{}, gerr
			}
			return cur, fmt.Errorf("%w: job moved to %s", ErrStateConflict, cur.Status)
		}
		return core.Job{}, err
	}
	transitionsTotal.WithLabelValues(string(core.StatusFailed)).Inc()
	e.emit(job, reason)
	return job, nil
}

// resolveReplay decides whether a stale transition was a duplicate delivery
// of an already-applied message. If so it is a no-op returning current state;
// otherwise the caller lost a race and gets a state conflict.
func (e *Engine) resolveReplay(ctx context.Context, jobID string, applied core.JobStatus, artifactRef string) (core.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return core.Job{}, err
	}
	if job.Status == core.StatusFailed {
		return job, fmt.Errorf("%w: job already failed", ErrStateConflict)
	}
	if !job.TransitionAt(applied).IsZero() {
		if applied == core.StatusCompleted && job.ArtifactRef != artifactRef {
			return job, fmt.Errorf("%w: conflicting receipt for job %s", ErrValidation, jobID)
		}
		return job, nil
	}
	return job, fmt.Errorf("%w: job is %s", ErrStateConflict, job.Status)
}

func alreadyCompleted(job core.Job) bool {
	switch job.Status {
	case core.StatusCompleted, core.StatusVerified, core.StatusPaid:
		return true
	default:
		return false
	}
}

func (e *Engine) emit(job core.Job, message string) {
	evt := core.Event{
		JobID:     job.JobID,
		Status:    job.Status,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if job.ArtifactRef != "" {
		evt.Fields = map[string]string{"artifact_ref": job.ArtifactRef}
	}
	e.bus.Publish(evt)
}

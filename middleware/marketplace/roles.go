package marketplace

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	core "marketplace-backend/core/marketplace"
)

// PriceBook is the provider's pricing configuration.
type PriceBook struct {
	Prices    map[core.TaskKind]int64
	BondUnits int64
	Denom     string
	QuoteTTL  time.Duration
}

// ProviderAPI is the provider-side facade over the shared engine. It can
// only quote and submit receipts; acceptance, verification, and payment
// belong to the requester.
type ProviderAPI struct {
	engine   *Engine
	identity string
	key      ed25519.PrivateKey
	book     PriceBook
}

// NewProviderAPI builds the provider facade.
func NewProviderAPI(engine *Engine, identity string, key ed25519.PrivateKey, book PriceBook) *ProviderAPI {
	if book.QuoteTTL <= 0 {
		book.QuoteTTL = time.Hour
	}
	if book.Denom == "" {
		book.Denom = "units"
	}
	return &ProviderAPI{engine: engine, identity: identity, key: key, book: book}
}

// Identity returns the provider's wire identity.
func (p *ProviderAPI) Identity() string { return p.identity }

// Quote prices a request, mints a fresh job identifier, and signs the offer.
func (p *ProviderAPI) Quote(req core.QuoteRequest) (core.QuoteResponse, error) {
	price, ok := p.book.Prices[req.TaskKind]
	if !ok {
		return core.QuoteResponse{}, fmt.Errorf("%w: unsupported task kind %q", ErrValidation, req.TaskKind)
	}
	now := time.Now().UTC()
	terms := core.Terms{
		TaskKind:   req.TaskKind,
		Params:     req.Params,
		PriceUnits: price,
		BondUnits:  p.book.BondUnits,
		Denom:      p.book.Denom,
		ExpiresAt:  now.Add(p.book.QuoteTTL),
	}
	hash := core.HashTerms(terms)
	return core.QuoteResponse{
		JobID:      core.NewJobID(),
		TermsHash:  hash,
		PriceUnits: price,
		BondUnits:  p.book.BondUnits,
		Denom:      p.book.Denom,
		ExpiresAt:  terms.ExpiresAt,
		Provider:   p.identity,
		Signature:  core.Sign(p.key, core.QuotePayload(hash, price, p.book.BondUnits, p.identity)),
		Timestamp:  now,
	}, nil
}

// PerformAndSubmit executes the task and submits the signed receipt.
func (p *ProviderAPI) PerformAndSubmit(ctx context.Context, jobID string) (core.Job, error) {
	job, artifactRef, err := p.engine.Perform(ctx, jobID)
	if err != nil {
		return job, err
	}
	completedAt := time.Now().UTC()
	rcpt := core.Receipt{
		JobID:       jobID,
		TermsHash:   job.TermsHash,
		ArtifactRef: artifactRef,
		CompletedAt: completedAt,
		Provider:    p.identity,
		Signature:   core.Sign(p.key, core.ReceiptPayload(jobID, job.TermsHash, artifactRef, completedAt)),
	}
	return p.engine.SubmitReceipt(ctx, rcpt)
}

// RequesterAPI is the requester-side facade over the shared engine. It can
// only request quotes, accept terms, and drive verification and payment.
type RequesterAPI struct {
	engine   *Engine
	identity string
	key      ed25519.PrivateKey
}

// NewRequesterAPI builds the requester facade.
func NewRequesterAPI(engine *Engine, identity string, key ed25519.PrivateKey) *RequesterAPI {
	return &RequesterAPI{engine: engine, identity: identity, key: key}
}

// Identity returns the requester's wire identity.
func (r *RequesterAPI) Identity() string { return r.identity }

// NewQuoteRequest builds a quote request for a task.
func (r *RequesterAPI) NewQuoteRequest(kind core.TaskKind, params map[string]string, maxPriceUnits int64) core.QuoteRequest {
	return core.QuoteRequest{
		Requester:     r.identity,
		TaskKind:      kind,
		Params:        params,
		MaxPriceUnits: maxPriceUnits,
		Timestamp:     time.Now().UTC(),
	}
}

// Open records the quote against its request, creating the job.
func (r *RequesterAPI) Open(ctx context.Context, req core.QuoteRequest, quote core.QuoteResponse) (core.Job, error) {
	return r.engine.OpenJob(ctx, req, quote)
}

// Accept signs and submits the commitment to the quoted terms.
func (r *RequesterAPI) Accept(ctx context.Context, jobID, termsHash string) (core.Job, error) {
	now := time.Now().UTC()
	acc := core.Acceptance{
		JobID:     jobID,
		TermsHash: termsHash,
		Requester: r.identity,
		Signature: core.Sign(r.key, core.AcceptancePayload(jobID, termsHash, now)),
		Timestamp: now,
	}
	return r.engine.Accept(ctx, acc)
}

// VerifyAndPay runs the mandatory verification gate and, only on a pass,
// releases payment.
func (r *RequesterAPI) VerifyAndPay(ctx context.Context, jobID string) (core.Job, error) {
	job, err := r.engine.VerifyJob(ctx, jobID)
	if err != nil {
		return job, err
	}
	if job.Status != core.StatusVerified {
		// Verification failed and the job is already terminal; payment is
		// never attempted.
		return job, nil
	}
	return r.engine.PayJob(ctx, jobID)
}

// RunToCompletion drives an accepted job through perform, receipt,
// verification, and payment. It stops at the first terminal outcome, so a
// failed verification returns the failed job with a nil error.
func RunToCompletion(ctx context.Context, provider *ProviderAPI, requester *RequesterAPI, jobID string) (core.Job, error) {
	job, err := provider.PerformAndSubmit(ctx, jobID)
	if err != nil {
		return job, err
	}
	if job.Status != core.StatusCompleted {
		return job, nil
	}
	return requester.VerifyAndPay(ctx, jobID)
}

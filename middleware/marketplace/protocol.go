package marketplace

import (
	"fmt"
	"strings"
	"time"

	core "marketplace-backend/core/marketplace"
)

// ImpliedTerms reconstructs the Terms a quote commits to from the original
// request plus the provider's pricing. Both sides must derive the same value,
// which is what makes the terms hash binding.
func ImpliedTerms(req core.QuoteRequest, quote core.QuoteResponse) core.Terms {
	return core.Terms{
		TaskKind:   req.TaskKind,
		Params:     req.Params,
		PriceUnits: quote.PriceUnits,
		BondUnits:  quote.BondUnits,
		Denom:      quote.Denom,
		ExpiresAt:  quote.ExpiresAt,
	}
}

// ValidateQuote checks a provider's quote against the originating request
// before the engine records a job. Returns the implied terms on success.
func ValidateQuote(req core.QuoteRequest, quote core.QuoteResponse, now time.Time) (core.Terms, error) {
	if strings.TrimSpace(quote.JobID) == "" {
		return core.Terms{}, fmt.Errorf("%w: missing job id", ErrValidation)
	}
	if strings.TrimSpace(req.Requester) == "" {
		return core.Terms{}, fmt.Errorf("%w: missing requester identity", ErrValidation)
	}
	if strings.TrimSpace(quote.Provider) == "" {
		return core.Terms{}, fmt.Errorf("%w: missing provider identity", ErrValidation)
	}
	if quote.PriceUnits < 0 || quote.BondUnits < 0 {
		return core.Terms{}, fmt.Errorf("%w: negative price or bond", ErrValidation)
	}
	if !quote.ExpiresAt.After(now) {
		return core.Terms{}, fmt.Errorf("%w: quote already expired", ErrValidation)
	}
	if req.MaxPriceUnits > 0 && quote.PriceUnits > req.MaxPriceUnits {
		return core.Terms{}, fmt.Errorf("%w: price %d exceeds requester max %d", ErrValidation, quote.PriceUnits, req.MaxPriceUnits)
	}

	terms := ImpliedTerms(req, quote)
	hash := core.HashTerms(terms)
	if quote.TermsHash != hash {
		return core.Terms{}, fmt.Errorf("%w: terms hash mismatch", ErrValidation)
	}
	payload := core.QuotePayload(quote.TermsHash, quote.PriceUnits, quote.BondUnits, quote.Provider)
	if !core.VerifySignature(quote.Provider, payload, quote.Signature) {
		return core.Terms{}, fmt.Errorf("%w: quote signature invalid", ErrValidation)
	}
	return terms, nil
}

// ValidateAcceptance checks the requester's commitment against the job.
func ValidateAcceptance(job core.Job, acc core.Acceptance, now time.Time) error {
	if acc.JobID != job.JobID {
		return fmt.Errorf("%w: acceptance for wrong job", ErrValidation)
	}
	if acc.TermsHash != job.TermsHash {
		return fmt.Errorf("%w: terms hash mismatch", ErrValidation)
	}
	if acc.Requester != job.Requester {
		return fmt.Errorf("%w: acceptance from wrong requester", ErrValidation)
	}
	if !job.Terms.ExpiresAt.After(now) {
		return fmt.Errorf("%w: terms expired", ErrValidation)
	}
	payload := core.AcceptancePayload(acc.JobID, acc.TermsHash, acc.Timestamp)
	if !core.VerifySignature(acc.Requester, payload, acc.Signature) {
		return fmt.Errorf("%w: acceptance signature invalid", ErrValidation)
	}
	return nil
}

// ValidateReceipt checks the provider's completion claim against the job.
// The completion time may not precede the acceptance timestamp, so a replayed
// receipt from an earlier negotiation can never clear a fresh job.
func ValidateReceipt(job core.Job, rcpt core.Receipt) error {
	if rcpt.JobID != job.JobID {
		return fmt.Errorf("%w: receipt for wrong job", ErrValidation)
	}
	if rcpt.TermsHash != job.TermsHash {
		return fmt.Errorf("%w: terms hash mismatch", ErrValidation)
	}
	if rcpt.Provider != job.Provider {
		return fmt.Errorf("%w: receipt from wrong provider", ErrValidation)
	}
	if err := ValidateArtifactRef(job.Terms.TaskKind, rcpt.ArtifactRef); err != nil {
		return err
	}
	accepted := job.TransitionAt(core.StatusAccepted)
	if accepted.IsZero() {
		return fmt.Errorf("%w: job was never accepted", ErrValidation)
	}
	if rcpt.CompletedAt.Before(accepted) {
		return fmt.Errorf("%w: completion predates acceptance", ErrValidation)
	}
	payload := core.ReceiptPayload(rcpt.JobID, rcpt.TermsHash, rcpt.ArtifactRef, rcpt.CompletedAt)
	if !core.VerifySignature(rcpt.Provider, payload, rcpt.Signature) {
		return fmt.Errorf("%w: receipt signature invalid", ErrValidation)
	}
	return nil
}

// ValidateArtifactRef checks the artifact reference shape for a task kind.
func ValidateArtifactRef(kind core.TaskKind, ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("%w: empty artifact reference", ErrValidation)
	}
	switch kind {
	case core.TaskCreateIssue:
		if !strings.HasPrefix(ref, "issues/") || len(ref) <= len("issues/") {
			return fmt.Errorf("%w: artifact reference %q is not an issue path", ErrValidation, ref)
		}
	case core.TaskTranslateText:
		// Any opaque non-empty reference is acceptable for text outputs.
	}
	return nil
}

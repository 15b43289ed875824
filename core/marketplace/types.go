package marketplace

import "time"

// TaskKind identifies what kind of work a job asks for.
type TaskKind string

const (
	TaskCreateIssue   TaskKind = "create_issue"
	TaskTranslateText TaskKind = "translate_text"
)

// JobStatus tracks where a job is in its lifecycle.
type JobStatus string

const (
	StatusQuoted     JobStatus = "quoted"
	StatusAccepted   JobStatus = "accepted"
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusVerified   JobStatus = "verified"
	StatusPaid       JobStatus = "paid"
	StatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether a job in this status can never move again.
func (s JobStatus) IsTerminal() bool {
	return s == StatusPaid || s == StatusFailed
}

// Terms is the immutable description of a requested task. Once hashed it is
// never edited; a new negotiation gets new Terms and a new job.
type Terms struct {
	TaskKind   TaskKind          `json:"task_kind"`
	Params     map[string]string `json:"params,omitempty"`
	PriceUnits int64             `json:"price_units"`
	BondUnits  int64             `json:"bond_units"`
	Denom      string            `json:"denom"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// Transition is one accepted status change in a job's history.
type Transition struct {
	Status    JobStatus `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// VerificationOutcome records the requester's independent check of the
// provider's claimed artifact. It is produced and trusted only by the
// requester, who is also the payer, so it carries no signature.
type VerificationOutcome struct {
	Passed    bool      `json:"passed"`
	Evidence  string    `json:"evidence,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
	Checker   string    `json:"checker"`
}

// Job is one end-to-end transaction instance. Only the engine mutates jobs,
// and only through the store's compare-and-transition primitive.
type Job struct {
	JobID        string               `json:"job_id"`
	Requester    string               `json:"requester"`
	Provider     string               `json:"provider"`
	Terms        Terms                `json:"terms"`
	TermsHash    string               `json:"terms_hash"`
	Status       JobStatus            `json:"status"` // quoted | accepted | in_progress | completed | verified | paid | failed
	History      []Transition         `json:"history"`
	ArtifactRef  string               `json:"artifact_ref,omitempty"`
	Verification *VerificationOutcome `json:"verification,omitempty"`
	PaymentRef   string               `json:"payment_ref,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// TransitionAt returns the timestamp of the first history entry with the
// given status, or the zero time if the job never reached it.
func (j Job) TransitionAt(status JobStatus) time.Time {
	for _, tr := range j.History {
		if tr.Status == status {
			return tr.Timestamp
		}
	}
	return time.Time{}
}

// QuoteRequest asks a provider to price a task. No prior state is required;
// a fresh job identifier is minted for every request.
type QuoteRequest struct {
	Requester     string            `json:"requester"`
	TaskKind      TaskKind          `json:"task_kind"`
	Params        map[string]string `json:"params,omitempty"`
	MaxPriceUnits int64             `json:"max_price_units,omitempty"` // 0 means no cap
	Timestamp     time.Time         `json:"timestamp"`
}

// QuoteResponse is the provider's signed offer, bound to the terms hash.
type QuoteResponse struct {
	JobID      string    `json:"job_id"`
	TermsHash  string    `json:"terms_hash"`
	PriceUnits int64     `json:"price_units"`
	BondUnits  int64     `json:"bond_units"`
	Denom      string    `json:"denom"`
	ExpiresAt  time.Time `json:"expires_at"`
	Provider   string    `json:"provider"`
	Signature  string    `json:"signature"`
	Timestamp  time.Time `json:"timestamp"`
}

// Acceptance is the requester's signed commitment to the quoted terms.
type Acceptance struct {
	JobID     string    `json:"job_id"`
	TermsHash string    `json:"terms_hash"`
	Requester string    `json:"requester"`
	Signature string    `json:"signature"`
	Timestamp time.Time `json:"timestamp"`
}

// Receipt is the provider's signed attestation that the work is done,
// referencing the artifact it claims to have produced.
type Receipt struct {
	JobID       string    `json:"job_id"`
	TermsHash   string    `json:"terms_hash"`
	ArtifactRef string    `json:"artifact_ref"`
	CompletedAt time.Time `json:"completed_at"`
	Provider    string    `json:"provider"`
	Signature   string    `json:"signature"`
}

// PaymentNotification records a completed transfer in the job history trail.
// It is generated internally by the engine, never accepted from a counterparty.
type PaymentNotification struct {
	JobID       string    `json:"job_id"`
	TransferRef string    `json:"transfer_ref"`
	AmountUnits int64     `json:"amount_units"`
	Denom       string    `json:"denom"`
	Payer       string    `json:"payer"`
	Timestamp   time.Time `json:"timestamp"`
}

// Event is a fire-and-forget lifecycle notification for observers. Delivery
// may be late, repeated, or reordered relative to the durable transition.
type Event struct {
	JobID     string            `json:"job_id"`
	Status    JobStatus         `json:"status"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// JobFilter captures simple query params for listing jobs.
type JobFilter struct {
	Status    JobStatus
	Requester string
	Provider  string
	Limit     int
	Offset    int
}

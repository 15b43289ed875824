package marketplace

import (
	"context"
	"crypto/ed25519"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	core "marketplace-backend/core/marketplace"
	"marketplace-backend/services"
	mkstore "marketplace-backend/storage/marketplace"
)

type fixture struct {
	engine    *Engine
	requester *RequesterAPI
	provider  *ProviderAPI
	store     *mkstore.MemoryStore

	performer *services.StubPerformer
	verifier  *services.StubVerifier
	payer     *services.StubPayer

	providerKey  ed25519.PrivateKey
	requesterKey ed25519.PrivateKey
}

func newFixture(t *testing.T, quoteTTL time.Duration) *fixture {
	t.Helper()
	store := mkstore.NewMemoryStore()
	performer := &services.StubPerformer{ArtifactRef: "issues/123"}
	verifier := &services.StubVerifier{Pass: true}
	payer := &services.StubPayer{TransferRef: "tx-001"}
	engine := NewEngine(store, nil, performer, verifier, payer)

	providerID, providerKey, err := core.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate provider identity: %v", err)
	}
	requesterID, requesterKey, err := core.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate requester identity: %v", err)
	}

	book := PriceBook{
		Prices: map[core.TaskKind]int64{
			core.TaskCreateIssue:   5,
			core.TaskTranslateText: 3,
		},
		BondUnits: 1,
		Denom:     "units",
		QuoteTTL:  quoteTTL,
	}
	return &fixture{
		engine:       engine,
		requester:    NewRequesterAPI(engine, requesterID, requesterKey),
		provider:     NewProviderAPI(engine, providerID, providerKey, book),
		store:        store,
		performer:    performer,
		verifier:     verifier,
		payer:        payer,
		providerKey:  providerKey,
		requesterKey: requesterKey,
	}
}

// openJob negotiates a create_issue quote and records the job in quoted state.
func (f *fixture) openJob(t *testing.T) core.Job {
	t.Helper()
	req := f.requester.NewQuoteRequest(core.TaskCreateIssue, map[string]string{
		"repo":  "acme/site",
		"title": "fix login redirect",
	}, 10)
	quote, err := f.provider.Quote(req)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	job, err := f.requester.Open(context.Background(), req, quote)
	if err != nil {
		t.Fatalf("open job: %v", err)
	}
	return job
}

// acceptJob drives an opened job to accepted.
func (f *fixture) acceptJob(t *testing.T, job core.Job) core.Job {
	t.Helper()
	accepted, err := f.requester.Accept(context.Background(), job.JobID, job.TermsHash)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return accepted
}

func (f *fixture) signedReceipt(jobID, termsHash, artifactRef string, completedAt time.Time) core.Receipt {
	return core.Receipt{
		JobID:       jobID,
		TermsHash:   termsHash,
		ArtifactRef: artifactRef,
		CompletedAt: completedAt,
		Provider:    f.provider.Identity(),
		Signature:   core.Sign(f.providerKey, core.ReceiptPayload(jobID, termsHash, artifactRef, completedAt)),
	}
}

func countStatus(history []core.Transition, status core.JobStatus) int {
	n := 0
	for _, tr := range history {
		if tr.Status == status {
			n++
		}
	}
	return n
}

func TestJobLifecycleHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)

	job := f.openJob(t)
	if job.Status != core.StatusQuoted {
		t.Fatalf("expected quoted, got %s", job.Status)
	}
	if job.Terms.PriceUnits != 5 || job.Terms.BondUnits != 1 {
		t.Fatalf("unexpected terms: price=%d bond=%d", job.Terms.PriceUnits, job.Terms.BondUnits)
	}
	if job.TermsHash == "" || job.TermsHash != core.HashTerms(job.Terms) {
		t.Fatalf("terms hash does not bind the recorded terms")
	}

	job = f.acceptJob(t, job)
	if job.Status != core.StatusAccepted {
		t.Fatalf("expected accepted, got %s", job.Status)
	}

	job, err := f.provider.PerformAndSubmit(ctx, job.JobID)
	if err != nil {
		t.Fatalf("perform and submit: %v", err)
	}
	if job.Status != core.StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if job.ArtifactRef != "issues/123" {
		t.Fatalf("expected artifact issues/123, got %q", job.ArtifactRef)
	}

	job, err = f.requester.VerifyAndPay(ctx, job.JobID)
	if err != nil {
		t.Fatalf("verify and pay: %v", err)
	}
	if job.Status != core.StatusPaid {
		t.Fatalf("expected paid, got %s", job.Status)
	}
	if job.PaymentRef != "tx-001" {
		t.Fatalf("expected payment ref tx-001, got %q", job.PaymentRef)
	}
	if job.Verification == nil || !job.Verification.Passed {
		t.Fatalf("expected recorded passing verification, got %+v", job.Verification)
	}
	if len(job.History) != 6 {
		t.Fatalf("expected 6 history entries, got %d: %+v", len(job.History), job.History)
	}
	want := []core.JobStatus{
		core.StatusQuoted, core.StatusAccepted, core.StatusInProgress,
		core.StatusCompleted, core.StatusVerified, core.StatusPaid,
	}
	for i, status := range want {
		if job.History[i].Status != status {
			t.Fatalf("history[%d]: expected %s, got %s", i, status, job.History[i].Status)
		}
	}
	if f.payer.Calls() != 1 {
		t.Fatalf("expected exactly one payment, got %d", f.payer.Calls())
	}
}

func TestVerificationFailureBlocksPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)
	f.performer.ArtifactRef = "issues/999"
	f.verifier.Pass = false
	f.verifier.Evidence = "artifact issues/999 not found"

	job := f.acceptJob(t, f.openJob(t))
	job, err := RunToCompletion(ctx, f.provider, f.requester, job.JobID)
	if err != nil {
		t.Fatalf("run to completion: %v", err)
	}
	if job.Status != core.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if f.payer.Calls() != 0 {
		t.Fatalf("payment must never run after failed verification, got %d calls", f.payer.Calls())
	}
	if job.PaymentRef != "" {
		t.Fatalf("expected empty payment ref, got %q", job.PaymentRef)
	}
	if job.Verification == nil || job.Verification.Passed {
		t.Fatalf("expected recorded failing verification, got %+v", job.Verification)
	}
	last := job.History[len(job.History)-1]
	if !strings.Contains(last.Reason, "verification failed") {
		t.Fatalf("expected verification failure reason, got %q", last.Reason)
	}
}

func TestReceiptTermsHashMismatchRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)

	job := f.acceptJob(t, f.openJob(t))
	job, _, err := f.engine.Perform(ctx, job.JobID)
	if err != nil {
		t.Fatalf("perform: %v", err)
	}

	rcpt := f.signedReceipt(job.JobID, "deadbeef", "issues/123", time.Now().UTC())
	if _, err := f.engine.SubmitReceipt(ctx, rcpt); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for wrong terms hash, got %v", err)
	}

	cur, err := f.engine.GetJob(ctx, job.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if cur.Status != core.StatusInProgress {
		t.Fatalf("rejected receipt must not move the job, got %s", cur.Status)
	}
}

func TestDuplicateReceiptIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)

	job := f.acceptJob(t, f.openJob(t))
	job, artifactRef, err := f.engine.Perform(ctx, job.JobID)
	if err != nil {
		t.Fatalf("perform: %v", err)
	}

	rcpt := f.signedReceipt(job.JobID, job.TermsHash, artifactRef, time.Now().UTC())
	if _, err := f.engine.SubmitReceipt(ctx, rcpt); err != nil {
		t.Fatalf("first receipt: %v", err)
	}
	job, err = f.engine.SubmitReceipt(ctx, rcpt)
	if err != nil {
		t.Fatalf("duplicate receipt must be a no-op, got %v", err)
	}
	if countStatus(job.History, core.StatusCompleted) != 1 {
		t.Fatalf("expected exactly one completed transition, history: %+v", job.History)
	}

	// Same job, different artifact: that is not a duplicate, it is a conflict.
	conflicting := f.signedReceipt(job.JobID, job.TermsHash, "issues/777", time.Now().UTC())
	if _, err := f.engine.SubmitReceipt(ctx, conflicting); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for conflicting receipt, got %v", err)
	}

	if _, err := f.engine.VerifyJob(ctx, job.JobID); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if f.verifier.Calls() != 1 {
		t.Fatalf("expected at most one verification, got %d", f.verifier.Calls())
	}
}

func TestAcceptReplayIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)

	job := f.acceptJob(t, f.openJob(t))
	replayed, err := f.requester.Accept(ctx, job.JobID, job.TermsHash)
	if err != nil {
		t.Fatalf("replayed acceptance must be a no-op, got %v", err)
	}
	if replayed.Status != core.StatusAccepted {
		t.Fatalf("expected accepted, got %s", replayed.Status)
	}
	if countStatus(replayed.History, core.StatusAccepted) != 1 {
		t.Fatalf("expected exactly one accepted transition, history: %+v", replayed.History)
	}
}

func TestPayRequiresVerified(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)

	job := f.acceptJob(t, f.openJob(t))
	job, err := f.provider.PerformAndSubmit(ctx, job.JobID)
	if err != nil {
		t.Fatalf("perform and submit: %v", err)
	}

	if _, err := f.engine.PayJob(ctx, job.JobID); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected state conflict paying a completed job, got %v", err)
	}
	if f.payer.Calls() != 0 {
		t.Fatalf("payer must not run for an unverified job, got %d calls", f.payer.Calls())
	}
}

func TestPerformAdapterFailureFailsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)
	f.performer.Err = errors.New("tracker unreachable")

	job := f.acceptJob(t, f.openJob(t))
	if _, _, err := f.engine.Perform(ctx, job.JobID); err == nil {
		t.Fatalf("expected perform error")
	}

	cur, err := f.engine.GetJob(ctx, job.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if cur.Status != core.StatusFailed {
		t.Fatalf("expected failed, got %s", cur.Status)
	}
	last := cur.History[len(cur.History)-1]
	if !strings.Contains(last.Reason, "perform failed") {
		t.Fatalf("expected perform failure reason, got %q", last.Reason)
	}
}

func TestSweepFailsExpiredJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 30*time.Millisecond)

	job := f.acceptJob(t, f.openJob(t))
	time.Sleep(50 * time.Millisecond)

	sweeper := NewSweeper(f.engine, f.store, time.Minute)
	n, err := sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired job, got %d", n)
	}

	cur, err := f.engine.GetJob(ctx, job.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if cur.Status != core.StatusFailed {
		t.Fatalf("expected failed, got %s", cur.Status)
	}
	last := cur.History[len(cur.History)-1]
	if last.Reason != "terms expired" {
		t.Fatalf("expected terms expired reason, got %q", last.Reason)
	}
}

func TestSweepDoesNotTouchTerminalJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 30*time.Millisecond)

	job := f.acceptJob(t, f.openJob(t))
	job, err := f.provider.PerformAndSubmit(ctx, job.JobID)
	if err != nil {
		t.Fatalf("perform and submit: %v", err)
	}
	job, err = f.requester.VerifyAndPay(ctx, job.JobID)
	if err != nil {
		t.Fatalf("verify and pay: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	sweeper := NewSweeper(f.engine, f.store, time.Minute)
	n, err := sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no expirations, got %d", n)
	}
	cur, _ := f.engine.GetJob(ctx, job.JobID)
	if cur.Status != core.StatusPaid {
		t.Fatalf("paid job must stay paid, got %s", cur.Status)
	}
}

func TestExpiryRaceHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10*time.Millisecond)

	job := f.openJob(t)
	time.Sleep(20 * time.Millisecond)
	now := time.Now().UTC()

	// A sweep and a late acceptance contend for the same quoted-state job.
	// Both go through compare-and-transition, so exactly one can win.
	var wg sync.WaitGroup
	var swept bool
	var acceptErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		swept, _ = f.engine.FailExpired(ctx, job, now)
	}()
	go func() {
		defer wg.Done()
		_, acceptErr = f.store.CompareAndTransition(ctx, job.JobID, core.StatusQuoted, core.StatusAccepted, "", nil)
	}()
	wg.Wait()

	accepted := acceptErr == nil
	if swept == accepted {
		t.Fatalf("expected exactly one winner, swept=%v accepted=%v", swept, accepted)
	}
	cur, err := f.engine.GetJob(ctx, job.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if countStatus(cur.History, core.StatusFailed)+countStatus(cur.History, core.StatusAccepted) != 1 {
		t.Fatalf("expected a single transition out of quoted, history: %+v", cur.History)
	}
}

func TestOpenJobReplayReturnsExisting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)

	req := f.requester.NewQuoteRequest(core.TaskCreateIssue, map[string]string{
		"repo":  "acme/site",
		"title": "fix login redirect",
	}, 10)
	quote, err := f.provider.Quote(req)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	first, err := f.engine.OpenJob(ctx, req, quote)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	second, err := f.engine.OpenJob(ctx, req, quote)
	if err != nil {
		t.Fatalf("replayed open must be a no-op, got %v", err)
	}
	if second.JobID != first.JobID || len(second.History) != 1 {
		t.Fatalf("expected existing job back unchanged, got %+v", second)
	}
}

func TestEngineEmitsLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)

	var mu sync.Mutex
	var seen []core.JobStatus
	f.engine.Bus().Register(func(evt core.Event) {
		mu.Lock()
		seen = append(seen, evt.Status)
		mu.Unlock()
	})

	job := f.acceptJob(t, f.openJob(t))
	if _, err := f.provider.PerformAndSubmit(ctx, job.JobID); err != nil {
		t.Fatalf("perform and submit: %v", err)
	}
	if _, err := f.requester.VerifyAndPay(ctx, job.JobID); err != nil {
		t.Fatalf("verify and pay: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []core.JobStatus{
		core.StatusQuoted, core.StatusAccepted, core.StatusInProgress,
		core.StatusCompleted, core.StatusVerified, core.StatusPaid,
	}
	if len(seen) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(seen), seen)
	}
	for i, status := range want {
		if seen[i] != status {
			t.Fatalf("event[%d]: expected %s, got %s", i, status, seen[i])
		}
	}
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	core "marketplace-backend/core/marketplace"
	mkmiddleware "marketplace-backend/middleware/marketplace"
	"marketplace-backend/services"
	mkstore "marketplace-backend/storage/marketplace"
)

func newDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run one job end to end in memory and print its history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context())
		},
	}
}

func runDemo(ctx context.Context) error {
	store := mkstore.NewMemoryStore()
	defer store.Close()

	performer := &services.StubPerformer{ArtifactRef: "issues/123"}
	verifier := &services.StubVerifier{Pass: true}
	payer := &services.StubPayer{}
	engine := mkmiddleware.NewEngine(store, nil, performer, verifier, payer)

	providerID, providerKey, err := core.GenerateIdentity()
	if err != nil {
		return err
	}
	requesterID, requesterKey, err := core.GenerateIdentity()
	if err != nil {
		return err
	}
	provider := mkmiddleware.NewProviderAPI(engine, providerID, providerKey, mkmiddleware.PriceBook{
		Prices:    map[core.TaskKind]int64{core.TaskCreateIssue: 5},
		BondUnits: 1,
		Denom:     "units",
		QuoteTTL:  time.Hour,
	})
	requester := mkmiddleware.NewRequesterAPI(engine, requesterID, requesterKey)

	req := requester.NewQuoteRequest(core.TaskCreateIssue, map[string]string{
		"repo":  "acme/site",
		"title": "fix login redirect",
	}, 10)
	quote, err := provider.Quote(req)
	if err != nil {
		return err
	}
	fmt.Printf("quote: job %s, %d %s, expires %s\n", quote.JobID, quote.PriceUnits, quote.Denom, quote.ExpiresAt.Format(time.RFC3339))

	job, err := requester.Open(ctx, req, quote)
	if err != nil {
		return err
	}
	if job, err = requester.Accept(ctx, job.JobID, job.TermsHash); err != nil {
		return err
	}
	if job, err = mkmiddleware.RunToCompletion(ctx, provider, requester, job.JobID); err != nil {
		return err
	}

	fmt.Printf("\njob %s finished as %s (artifact %s, transfer %s)\n", job.JobID, job.Status, job.ArtifactRef, job.PaymentRef)
	fmt.Println("history:")
	for _, tr := range job.History {
		line := fmt.Sprintf("  %s  %s", tr.Timestamp.Format(time.RFC3339Nano), tr.Status)
		if tr.Reason != "" {
			line += "  (" + tr.Reason + ")"
		}
		fmt.Println(line)
	}
	return nil
}

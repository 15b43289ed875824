package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	core "marketplace-backend/core/marketplace"
)

// IssueTrackerService performs and verifies create_issue tasks against a
// ticket-tracker HTTP API. Perform and Verify deliberately share no state:
// verification re-reads the tracker instead of trusting anything Perform
// returned, which is the whole point of the gate.
type IssueTrackerService struct {
	baseURL    string
	token      string
	httpClient *http.Client
	// settleDelay gives the tracker time to become read-consistent before
	// the verification read.
	settleDelay time.Duration
}

// NewIssueTrackerService builds a tracker adapter for the given API base URL.
func NewIssueTrackerService(baseURL, token string, settleDelay time.Duration) *IssueTrackerService {
	return &IssueTrackerService{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		settleDelay: settleDelay,
	}
}

type issueBody struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
}

type issueResponse struct {
	Number int64  `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
}

// Perform creates the issue described by the terms and returns its artifact
// reference in the form "issues/<number>".
func (s *IssueTrackerService) Perform(ctx context.Context, jobID string, terms core.Terms) (string, error) {
	repo := strings.TrimSpace(terms.Params["repo"])
	title := strings.TrimSpace(terms.Params["title"])
	if repo == "" || title == "" {
		return "", fmt.Errorf("create_issue requires repo and title params")
	}

	payload, err := json.Marshal(issueBody{Title: title, Body: terms.Params["body"]})
	if err != nil {
		return "", fmt.Errorf("marshal issue: %w", err)
	}
	url := fmt.Sprintf("%s/repos/%s/issues", s.baseURL, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create issue: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create issue: tracker returned %s", resp.Status)
	}

	var created issueResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode issue: %w", err)
	}
	log.Printf("issue tracker: job %s created issues/%d in %s", jobID, created.Number, repo)
	return fmt.Sprintf("issues/%d", created.Number), nil
}

// Verify re-reads the referenced issue and checks that it exists with the
// agreed title.
func (s *IssueTrackerService) Verify(ctx context.Context, artifactRef string, terms core.Terms) (bool, string, error) {
	repo := strings.TrimSpace(terms.Params["repo"])
	wantTitle := strings.TrimSpace(terms.Params["title"])
	if repo == "" {
		return false, "", fmt.Errorf("create_issue requires repo param")
	}

	if s.settleDelay > 0 {
		select {
		case <-ctx.Done():
			return false, "", ctx.Err()
		case <-time.After(s.settleDelay):
		}
	}

	url := fmt.Sprintf("%s/repos/%s/%s", s.baseURL, repo, artifactRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, "", err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, "", fmt.Errorf("read issue: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, fmt.Sprintf("artifact %s not found in %s", artifactRef, repo), nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, "", fmt.Errorf("read issue: tracker returned %s", resp.Status)
	}

	var issue issueResponse
	if err := json.NewDecoder(resp.Body).Decode(&issue); err != nil {
		return false, "", fmt.Errorf("decode issue: %w", err)
	}
	if wantTitle != "" && issue.Title != wantTitle {
		return false, fmt.Sprintf("title mismatch: got %q, agreed %q", issue.Title, wantTitle), nil
	}
	return true, fmt.Sprintf("observed %s with title %q", artifactRef, issue.Title), nil
}

// LedgerService executes transfers against a ledger HTTP API.
type LedgerService struct {
	baseURL    string
	sender     string
	httpClient *http.Client
}

// NewLedgerService builds a payment adapter sending from the given identity.
func NewLedgerService(baseURL, sender string) *LedgerService {
	return &LedgerService{
		baseURL:    strings.TrimRight(baseURL, "/"),
		sender:     sender,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Pay submits a transfer and returns the ledger's transfer reference.
func (s *LedgerService) Pay(ctx context.Context, payee string, amountUnits int64, denom string) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"sender": s.sender,
		"payee":  payee,
		"amount": amountUnits,
		"denom":  denom,
	})
	if err != nil {
		return "", fmt.Errorf("marshal transfer: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/transfers", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transfer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("transfer: ledger returned %s", resp.Status)
	}

	var result struct {
		TransferRef string `json:"transfer_ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode transfer: %w", err)
	}
	if result.TransferRef == "" {
		return "", fmt.Errorf("transfer: ledger returned empty reference")
	}
	log.Printf("ledger: paid %d %s to %s (%s)", amountUnits, denom, payee, result.TransferRef)
	return result.TransferRef, nil
}

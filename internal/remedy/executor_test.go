package remedy

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"junoloop/internal/domain"
)

type scriptedProposer struct {
	calls    int
	failures int
	delay    time.Duration
	outcome  domain.FixOutcome
}

func (p *scriptedProposer) ProposeFix(ctx context.Context, issue domain.IssueRecord) (domain.FixOutcome, error) {
	p.calls++
	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return domain.FixOutcome{}, ctx.Err()
		case <-time.After(p.delay):
		}
	}
	if p.calls <= p.failures {
		return domain.FixOutcome{}, errors.New("proposer unavailable")
	}
	return p.outcome, nil
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func quickRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      200 * time.Millisecond,
		Multiplier:          1.5,
		RandomizationFactor: 0,
	}
}

func qualityIssue() domain.IssueRecord {
	return domain.IssueRecord{
		ID:        "issue-1",
		Kind:      domain.IssueCodeQuality,
		Team:      domain.TeamJuno,
		CreatedAt: time.Now(),
	}
}

func TestRemediateReturnsAppliedFix(t *testing.T) {
	p := &scriptedProposer{outcome: domain.FixOutcome{
		Applied:     true,
		Description: "raised review rigor for research outputs",
	}}
	e := NewExecutor(Config{Timeout: time.Second, Retry: quickRetry()}, p, quietLogger())

	fix := e.Remediate(context.Background(), qualityIssue())
	if !fix.Applied {
		t.Fatalf("Applied = false, want true")
	}
	if fix.IssueID != "issue-1" {
		t.Fatalf("IssueID = %q, want issue-1", fix.IssueID)
	}
	if fix.Description != "raised review rigor for research outputs" {
		t.Fatalf("unexpected description %q", fix.Description)
	}
}

func TestRemediateRetriesTransientFailures(t *testing.T) {
	p := &scriptedProposer{
		failures: 2,
		outcome:  domain.FixOutcome{Applied: true, Description: "retuned writer prompt"},
	}
	e := NewExecutor(Config{Timeout: time.Second, Retry: quickRetry()}, p, quietLogger())

	fix := e.Remediate(context.Background(), qualityIssue())
	if !fix.Applied {
		t.Fatalf("fix not applied after retries")
	}
	if p.calls != 3 {
		t.Fatalf("calls = %d, want 3", p.calls)
	}
}

func TestRemediateTimeoutYieldsUnappliedFix(t *testing.T) {
	p := &scriptedProposer{delay: time.Second}
	e := NewExecutor(Config{Timeout: 20 * time.Millisecond, Retry: quickRetry()}, p, quietLogger())

	start := time.Now()
	fix := e.Remediate(context.Background(), qualityIssue())
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("remediation did not respect timeout")
	}
	if fix.Applied {
		t.Fatalf("timed out fix reported as applied")
	}
	if fix.IssueID != "issue-1" {
		t.Fatalf("unapplied fix must still name its issue, got %q", fix.IssueID)
	}
}

func TestRemediateExhaustedRetriesYieldUnappliedFix(t *testing.T) {
	p := &scriptedProposer{failures: 1000}
	e := NewExecutor(Config{Timeout: time.Second, Retry: quickRetry()}, p, quietLogger())

	fix := e.Remediate(context.Background(), qualityIssue())
	if fix.Applied {
		t.Fatalf("fix reported applied after permanent failure")
	}
	if p.calls < 2 {
		t.Fatalf("expected retries before giving up, got %d calls", p.calls)
	}
}

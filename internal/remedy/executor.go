package remedy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"junoloop/internal/domain"
)

// Proposer designs and applies a fix for a code-quality issue. Implementations
// are expected to be slow and fallible; the executor wraps every call with a
// deadline, retries, and a circuit breaker.
type Proposer interface {
	ProposeFix(ctx context.Context, issue domain.IssueRecord) (domain.FixOutcome, error)
}

// RetryConfig configures the exponential backoff around a proposer call.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

type Config struct {
	Timeout time.Duration
	Retry   RetryConfig
}

// Executor runs remediation attempts against a Proposer. A run that times out
// or exhausts its retries still yields a FixRecord so the issue's history is
// complete; the record is simply unapplied.
type Executor struct {
	cfg      Config
	proposer Proposer
	breaker  *gobreaker.CircuitBreaker
	logger   *log.Logger
	now      func() time.Time
}

func NewExecutor(cfg Config, proposer Proposer, logger *log.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	e := &Executor{cfg: cfg, proposer: proposer, logger: logger, now: time.Now}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remediation",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Printf("circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Cancellation says nothing about the proposer's health.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	return e
}

// Remediate runs one fix attempt for the issue. It never returns an error to
// the caller: the outcome is always a FixRecord, applied or not.
func (e *Executor) Remediate(ctx context.Context, issue domain.IssueRecord) domain.FixRecord {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	outcome, err := e.propose(ctx, issue)
	if err != nil {
		e.logger.Printf("remediation for issue %s failed: %v", issue.ID, err)
		return domain.FixRecord{
			IssueID:     issue.ID,
			Description: fmt.Sprintf("remediation attempt failed: %v", err),
			Applied:     false,
			Verified:    false,
			CreatedAt:   e.now().UTC(),
		}
	}

	return domain.FixRecord{
		IssueID:     issue.ID,
		Description: outcome.Description,
		Applied:     outcome.Applied,
		Verified:    outcome.Verified,
		CreatedAt:   e.now().UTC(),
	}
}

func (e *Executor) propose(ctx context.Context, issue domain.IssueRecord) (domain.FixOutcome, error) {
	var outcome domain.FixOutcome

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := e.breaker.Execute(func() (interface{}, error) {
			return e.proposer.ProposeFix(ctx, issue)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		outcome = result.(domain.FixOutcome)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.Retry.InitialInterval
	policy.MaxInterval = e.cfg.Retry.MaxInterval
	policy.MaxElapsedTime = e.cfg.Retry.MaxElapsedTime
	policy.Multiplier = e.cfg.Retry.Multiplier
	policy.RandomizationFactor = e.cfg.Retry.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return outcome, err
}

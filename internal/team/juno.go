package team

import (
	"context"
	"fmt"
	"time"

	"junoloop/internal/domain"
)

// JunoProposer is the self-improvement team. It designs process fixes for
// code-quality issues; with more agents allocated it finishes faster.
type JunoProposer struct {
	Delay      time.Duration
	AgentCount func() int
}

func (p *JunoProposer) ProposeFix(ctx context.Context, issue domain.IssueRecord) (domain.FixOutcome, error) {
	delay := p.Delay
	if p.AgentCount != nil {
		if agents := p.AgentCount(); agents > 1 {
			delay = delay / time.Duration(agents)
		}
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.FixOutcome{}, ctx.Err()
		case <-timer.C:
		}
	}

	return domain.FixOutcome{
		Applied: true,
		Description: fmt.Sprintf("tightened review checklist and regenerated prompts for issue %s (%s)",
			issue.ID, issue.Evidence),
	}, nil
}

package services

import "context"

// Outcome message kinds.
const (
	OutcomeAutomationExecuted = "automation.executed"
	OutcomeAutomationResumed  = "automation.resumed"
	OutcomeLeadRedistributed  = "lead.redistributed"
)

// OutcomePublisher fans engine outcomes out to other systems.
type OutcomePublisher interface {
	Publish(ctx context.Context, kind string, tenantID uint, payload interface{}) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, uint, interface{}) error { return nil }

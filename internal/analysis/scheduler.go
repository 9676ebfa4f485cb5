package analysis

import "context"

// Scheduler queues bulk analysis of a case. Implementations return once the
// work is queued, not when it finishes.
type Scheduler interface {
	Enqueue(ctx context.Context, caseID string) error
}

// SchedulerFunc adapts a function to the Scheduler interface.
type SchedulerFunc func(ctx context.Context, caseID string) error

// Enqueue calls f.
func (f SchedulerFunc) Enqueue(ctx context.Context, caseID string) error {
	return f(ctx, caseID)
}

// NopScheduler drops every request. Used by the CLI, where analysis is run
// explicitly with the analyze command.
var NopScheduler Scheduler = nopScheduler{}

type nopScheduler struct{}

func (nopScheduler) Enqueue(context.Context, string) error { return nil }

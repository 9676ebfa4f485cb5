// Package lifecycle owns case status transitions.
//
// All status writes for a case go through a per-case lock, so concurrent
// analysis units observe a consistent status and the transition to completed
// happens exactly once.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kozaktomas/sightline/internal/database"
	"github.com/kozaktomas/sightline/internal/events"
	"github.com/kozaktomas/sightline/internal/metrics"
)

var (
	// ErrInvalidTransition is matched by every *TransitionError.
	ErrInvalidTransition = errors.New("invalid case status transition")
	// ErrReasonRequired is returned when a case is rejected without a reason.
	ErrReasonRequired = errors.New("rejection reason is required")
)

// TransitionError describes a refused status change.
type TransitionError struct {
	CaseID string
	From   database.CaseStatus
	To     database.CaseStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("case %s: cannot move from %s to %s", e.CaseID, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) true.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

var edges = map[database.CaseStatus][]database.CaseStatus{
	database.StatusPendingApproval: {database.StatusApproved, database.StatusRejected},
	database.StatusApproved:        {database.StatusAwaitingFootage, database.StatusProcessing},
	database.StatusAwaitingFootage: {database.StatusProcessing},
	database.StatusProcessing:      {database.StatusCompleted},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to database.CaseStatus) bool {
	return slices.Contains(edges[from], to)
}

// Store is the subset of the repository the machine needs.
type Store interface {
	GetCase(ctx context.Context, id string) (*database.Case, error)
	SaveCase(ctx context.Context, c *database.Case) error
}

// PendingFunc reports whether the case still has unfinished work.
type PendingFunc func(ctx context.Context, caseID string) (bool, error)

// Machine applies transitions and emits the matching events.
type Machine struct {
	store   Store
	emitter events.Emitter
	metrics *metrics.Metrics
	locks   keyedMutex
	now     func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithMetrics counts transitions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mc *Machine) { mc.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(mc *Machine) { mc.now = now }
}

// New creates a machine. A nil emitter drops events.
func New(store Store, emitter events.Emitter, opts ...Option) *Machine {
	if emitter == nil {
		emitter = events.Nop()
	}
	m := &Machine{
		store:   store,
		emitter: emitter,
		locks:   keyedMutex{m: make(map[string]*lockEntry)},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LinkFunc links footage to a freshly read case and reports whether the case
// has any linked footage afterwards. It must not modify c.
type LinkFunc func(ctx context.Context, c *database.Case) (bool, error)

// Link runs link under the case lock and then settles the status in the same
// critical section: an approved or awaiting case with footage starts
// processing, an approved case without footage waits for it. TryComplete
// never runs between the link and the status decision.
func (m *Machine) Link(ctx context.Context, caseID string, link LinkFunc) (*database.Case, error) {
	unlock := m.locks.lock(caseID)
	defer unlock()

	c, err := m.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("loading case %s: %w", caseID, err)
	}
	hasFootage, err := link(ctx, c)
	if err != nil {
		return nil, err
	}

	var to database.CaseStatus
	switch {
	case hasFootage && (c.Status == database.StatusApproved || c.Status == database.StatusAwaitingFootage):
		to = database.StatusProcessing
	case !hasFootage && c.Status == database.StatusApproved:
		to = database.StatusAwaitingFootage
	default:
		return c, nil
	}

	c, err = m.apply(ctx, caseID, to, nil)
	if err != nil {
		return nil, err
	}
	if to == database.StatusProcessing {
		m.emit(ctx, events.Event{Kind: events.CaseProcessing, CaseID: caseID})
	}
	return c, nil
}

// Approve moves a pending case to approved.
func (m *Machine) Approve(ctx context.Context, caseID, adminID string) (*database.Case, error) {
	c, err := m.transition(ctx, caseID, database.StatusApproved, func(c *database.Case) {
		t := m.now()
		c.ApprovedAt = &t
		c.ReviewedBy = adminID
	})
	if err != nil {
		return nil, err
	}
	m.emit(ctx, events.Event{Kind: events.CaseApproved, CaseID: caseID, ActorID: adminID})
	return c, nil
}

// Reject moves a pending case to rejected. The reason is mandatory.
func (m *Machine) Reject(ctx context.Context, caseID, adminID, reason string) (*database.Case, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	c, err := m.transition(ctx, caseID, database.StatusRejected, func(c *database.Case) {
		c.RejectionReason = reason
		c.ReviewedBy = adminID
	})
	if err != nil {
		return nil, err
	}
	m.emit(ctx, events.Event{Kind: events.CaseRejected, CaseID: caseID, ActorID: adminID, Reason: reason})
	return c, nil
}

// AwaitFootage parks an approved case that has no candidate footage.
func (m *Machine) AwaitFootage(ctx context.Context, caseID string) (*database.Case, error) {
	return m.transition(ctx, caseID, database.StatusAwaitingFootage, nil)
}

// StartProcessing moves an approved or awaiting case to processing.
func (m *Machine) StartProcessing(ctx context.Context, caseID string) (*database.Case, error) {
	c, err := m.transition(ctx, caseID, database.StatusProcessing, nil)
	if err != nil {
		return nil, err
	}
	m.emit(ctx, events.Event{Kind: events.CaseProcessing, CaseID: caseID})
	return c, nil
}

// TryComplete completes a processing case once pending reports no remaining
// work. The case is re-read and pending re-evaluated under the case lock, so
// of several racing callers exactly one completes the case and emits
// CaseCompleted; the others, and any later caller, get false.
func (m *Machine) TryComplete(ctx context.Context, caseID string, pending PendingFunc) (bool, error) {
	unlock := m.locks.lock(caseID)
	defer unlock()

	c, err := m.store.GetCase(ctx, caseID)
	if err != nil {
		return false, fmt.Errorf("loading case %s: %w", caseID, err)
	}
	if c.Status != database.StatusProcessing {
		return false, nil
	}

	busy, err := pending(ctx, caseID)
	if err != nil {
		return false, fmt.Errorf("checking pending work for case %s: %w", caseID, err)
	}
	if busy {
		return false, nil
	}

	t := m.now()
	c.Status = database.StatusCompleted
	c.CompletedAt = &t
	if err := m.store.SaveCase(ctx, c); err != nil {
		return false, fmt.Errorf("saving case %s: %w", caseID, err)
	}
	m.metrics.CaseTransition(string(database.StatusProcessing), string(database.StatusCompleted))
	m.emit(ctx, events.Event{Kind: events.CaseCompleted, CaseID: caseID})
	return true, nil
}

// RequestCancel asks running bulk analysis of the case to stop before the
// next footage item. The status is not changed. Closed cases are left as is.
func (m *Machine) RequestCancel(ctx context.Context, caseID string) (*database.Case, error) {
	return m.setCancel(ctx, caseID, true)
}

// ClearCancel resets a previous cancellation so analysis can be resumed.
func (m *Machine) ClearCancel(ctx context.Context, caseID string) (*database.Case, error) {
	return m.setCancel(ctx, caseID, false)
}

func (m *Machine) setCancel(ctx context.Context, caseID string, v bool) (*database.Case, error) {
	unlock := m.locks.lock(caseID)
	defer unlock()

	c, err := m.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("loading case %s: %w", caseID, err)
	}
	if c.Status.Terminal() || c.CancelRequested == v {
		return c, nil
	}
	c.CancelRequested = v
	if err := m.store.SaveCase(ctx, c); err != nil {
		return nil, fmt.Errorf("saving case %s: %w", caseID, err)
	}
	return c, nil
}

func (m *Machine) transition(ctx context.Context, caseID string, to database.CaseStatus, mutate func(*database.Case)) (*database.Case, error) {
	unlock := m.locks.lock(caseID)
	defer unlock()
	return m.apply(ctx, caseID, to, mutate)
}

// apply performs a transition; the caller holds the case lock.
func (m *Machine) apply(ctx context.Context, caseID string, to database.CaseStatus, mutate func(*database.Case)) (*database.Case, error) {
	c, err := m.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("loading case %s: %w", caseID, err)
	}
	from := c.Status
	if !CanTransition(from, to) {
		return nil, &TransitionError{CaseID: caseID, From: from, To: to}
	}

	c.Status = to
	if mutate != nil {
		mutate(c)
	}
	if err := m.store.SaveCase(ctx, c); err != nil {
		return nil, fmt.Errorf("saving case %s: %w", caseID, err)
	}
	m.metrics.CaseTransition(string(from), string(to))
	return c, nil
}

func (m *Machine) emit(ctx context.Context, e events.Event) {
	if e.At.IsZero() {
		e.At = m.now()
	}
	m.emitter.Emit(ctx, e)
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.m[key]
	if !ok {
		e = &lockEntry{}
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}

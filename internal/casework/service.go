// Package casework implements the administrative flows around a case:
// submission, review, footage assignment and reaction to new footage.
package casework

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/kozaktomas/sightline/internal/analysis"
	"github.com/kozaktomas/sightline/internal/database"
	"github.com/kozaktomas/sightline/internal/footage"
	"github.com/kozaktomas/sightline/internal/lifecycle"
	"github.com/kozaktomas/sightline/internal/logger"
)

var (
	// ErrInvalidCase is returned for submissions missing required fields.
	ErrInvalidCase = errors.New("invalid case")
	// ErrCaseClosed is returned when footage is assigned to a case that is
	// not open for analysis.
	ErrCaseClosed = errors.New("case is not open for analysis")
	// ErrFootageDeleted is returned when deleted footage is assigned.
	ErrFootageDeleted = errors.New("footage was deleted")
)

// ManualStrength is the strength of an admin assignment.
const ManualStrength = 1.0

// openStatuses are the statuses whose cases react to new footage.
var openStatuses = []database.CaseStatus{
	database.StatusApproved,
	database.StatusAwaitingFootage,
	database.StatusProcessing,
}

// Service ties the lifecycle machine, the footage index and the scheduler
// together.
type Service struct {
	repo      database.Repository
	machine   *lifecycle.Machine
	index     *footage.Index
	scheduler analysis.Scheduler
	log       *logger.Logger
}

// NewService creates the service. A nil scheduler drops analysis requests.
func NewService(repo database.Repository, machine *lifecycle.Machine, index *footage.Index, scheduler analysis.Scheduler, log *logger.Logger) *Service {
	if scheduler == nil {
		scheduler = analysis.NopScheduler
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Service{repo: repo, machine: machine, index: index, scheduler: scheduler, log: log}
}

// Machine returns the lifecycle machine.
func (s *Service) Machine() *lifecycle.Machine {
	return s.machine
}

// Submit validates and stores a new case awaiting review.
func (s *Service) Submit(ctx context.Context, c *database.Case) error {
	c.SubjectName = strings.TrimSpace(c.SubjectName)
	c.Location.Text = strings.TrimSpace(c.Location.Text)

	var problems []string
	if c.SubjectName == "" {
		problems = append(problems, "subject name is required")
	}
	if c.Location.Text == "" && c.Location.Point == nil {
		problems = append(problems, "last seen location is required")
	}
	if c.Location.Point != nil && !c.Location.Point.Valid() {
		problems = append(problems, "coordinates are out of range")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidCase, strings.Join(problems, "; "))
	}

	c.ID = ""
	c.Status = database.StatusPendingApproval
	c.RejectionReason = ""
	c.ReviewedBy = ""
	c.CancelRequested = false
	c.ApprovedAt = nil
	c.CompletedAt = nil
	if err := s.repo.CreateCase(ctx, c); err != nil {
		return fmt.Errorf("creating case: %w", err)
	}
	s.log.Info("case submitted", "case_id", c.ID, "owner_id", c.OwnerID)
	return nil
}

// ApprovalResult is the outcome of approving a case.
type ApprovalResult struct {
	Case    *database.Case           `json:"case"`
	Matches []database.LocationMatch `json:"matches"`
}

// Approve approves a pending case and links it to nearby footage. With no
// candidates the case waits for footage; otherwise it starts processing and
// bulk analysis is queued. Approving a case left approved by an earlier
// attempt that failed while linking footage resumes that attempt.
func (s *Service) Approve(ctx context.Context, caseID, adminID string) (*ApprovalResult, error) {
	if _, err := s.machine.Approve(ctx, caseID, adminID); err != nil {
		if !errors.Is(err, lifecycle.ErrInvalidTransition) {
			return nil, err
		}
		c, getErr := s.repo.GetCase(ctx, caseID)
		if getErr != nil || c.Status != database.StatusApproved {
			return nil, err
		}
		s.log.Warn("resuming interrupted approval", "case_id", caseID)
	}

	var matches []database.LocationMatch
	c, err := s.machine.Link(ctx, caseID, func(ctx context.Context, c *database.Case) (bool, error) {
		matches = matches[:0]
		if !isOpen(c.Status) {
			return false, nil
		}
		candidates, err := s.index.Nearby(ctx, c)
		if err != nil {
			return false, fmt.Errorf("finding footage for case %s: %w", caseID, err)
		}
		for _, cand := range candidates {
			m, _, err := s.linkCandidate(ctx, caseID, cand)
			if err != nil {
				return false, err
			}
			matches = append(matches, *m)
		}
		return s.hasMatches(ctx, caseID)
	})
	if err != nil {
		return nil, err
	}

	if c.Status != database.StatusProcessing {
		s.log.Info("case approved, awaiting footage", "case_id", caseID)
		return &ApprovalResult{Case: c, Matches: matches}, nil
	}
	s.log.Info("case approved", "case_id", caseID, "matches", len(matches))
	s.enqueue(ctx, caseID)
	return &ApprovalResult{Case: c, Matches: matches}, nil
}

// Reject rejects a pending case with a reason.
func (s *Service) Reject(ctx context.Context, caseID, adminID, reason string) (*database.Case, error) {
	return s.machine.Reject(ctx, caseID, adminID, reason)
}

// Cancel asks running bulk analysis of the case to stop.
func (s *Service) Cancel(ctx context.Context, caseID string) (*database.Case, error) {
	return s.machine.RequestCancel(ctx, caseID)
}

// OnFootageUploaded links new footage to every open case it qualifies for.
// Cases waiting for footage start processing. Analysis is queued for the
// affected cases when the footage asks for it.
func (s *Service) OnFootageUploaded(ctx context.Context, f *database.Footage) ([]database.LocationMatch, error) {
	if !f.Active() {
		return nil, nil
	}
	cases, err := s.repo.ListCases(ctx, database.CaseFilter{Statuses: openStatuses})
	if err != nil {
		return nil, fmt.Errorf("listing open cases: %w", err)
	}

	var created []database.LocationMatch
	for i := range cases {
		if _, ok := s.index.Qualify(&cases[i], f); !ok {
			continue
		}

		// The listed status may be stale; the link decides on a fresh read.
		var linked *database.LocationMatch
		c, err := s.machine.Link(ctx, cases[i].ID, func(ctx context.Context, c *database.Case) (bool, error) {
			linked = nil
			if !isOpen(c.Status) {
				return false, nil
			}
			cand, ok := s.index.Qualify(c, f)
			if !ok {
				return s.hasMatches(ctx, c.ID)
			}
			m, isNew, err := s.linkCandidate(ctx, c.ID, cand)
			if err != nil {
				return false, err
			}
			if isNew {
				linked = m
			}
			return true, nil
		})
		if err != nil {
			return created, err
		}
		if linked == nil {
			continue
		}
		created = append(created, *linked)

		s.log.Info("new footage matched case", "case_id", c.ID, "footage_id", f.ID,
			"match_type", string(linked.MatchType), "strength", linked.Strength)
		if f.AutoAnalyze && c.Status == database.StatusProcessing {
			s.enqueue(ctx, c.ID)
		}
	}
	return created, nil
}

// AssignManual links footage to a case on an admin's judgement. An existing
// match is upgraded to manual and reset so it is analyzed again.
func (s *Service) AssignManual(ctx context.Context, caseID, footageID, adminID string) (*database.LocationMatch, error) {
	f, err := s.repo.GetFootage(ctx, footageID)
	if err != nil {
		return nil, fmt.Errorf("loading footage %s: %w", footageID, err)
	}
	if !f.Active() {
		return nil, fmt.Errorf("footage %s: %w", footageID, ErrFootageDeleted)
	}

	var m *database.LocationMatch
	_, err = s.machine.Link(ctx, caseID, func(ctx context.Context, c *database.Case) (bool, error) {
		if !isOpen(c.Status) {
			return false, fmt.Errorf("case %s is %s: %w", caseID, c.Status, ErrCaseClosed)
		}
		m = &database.LocationMatch{
			CaseID:    caseID,
			FootageID: footageID,
			MatchType: database.MatchManual,
			Strength:  ManualStrength,
			Status:    database.MatchPending,
		}
		if cand, ok := s.index.Qualify(c, f); ok {
			m.DistanceKm = cand.DistanceKm
		}
		if err := s.repo.SaveLocationMatch(ctx, m); err != nil {
			return false, fmt.Errorf("saving match: %w", err)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("footage assigned manually", "case_id", caseID, "footage_id", footageID, "admin_id", adminID)
	return m, nil
}

// linkCandidate stores a match for the candidate unless the pair is already
// linked, in which case the existing match is returned with isNew false.
func (s *Service) linkCandidate(ctx context.Context, caseID string, cand footage.Candidate) (m *database.LocationMatch, isNew bool, err error) {
	existing, err := s.repo.GetLocationMatch(ctx, caseID, cand.Footage.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, false, fmt.Errorf("checking match of case %s: %w", caseID, err)
	}
	m, err = s.saveMatch(ctx, caseID, cand)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func (s *Service) hasMatches(ctx context.Context, caseID string) (bool, error) {
	ms, err := s.repo.ListLocationMatches(ctx, caseID)
	if err != nil {
		return false, fmt.Errorf("listing matches of case %s: %w", caseID, err)
	}
	return len(ms) > 0, nil
}

func isOpen(status database.CaseStatus) bool {
	return slices.Contains(openStatuses, status)
}

func (s *Service) saveMatch(ctx context.Context, caseID string, cand footage.Candidate) (*database.LocationMatch, error) {
	m := &database.LocationMatch{
		CaseID:     caseID,
		FootageID:  cand.Footage.ID,
		MatchType:  cand.MatchType,
		Strength:   cand.Strength,
		DistanceKm: cand.DistanceKm,
		Status:     database.MatchPending,
	}
	if err := s.repo.SaveLocationMatch(ctx, m); err != nil {
		return nil, fmt.Errorf("saving match of case %s: %w", caseID, err)
	}
	return m, nil
}

func (s *Service) enqueue(ctx context.Context, caseID string) {
	if err := s.scheduler.Enqueue(ctx, caseID); err != nil {
		s.log.Warn("queueing analysis failed", "case_id", caseID, "error", err)
	}
}

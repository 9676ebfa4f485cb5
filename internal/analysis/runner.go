package analysis

import (
	"context"
	"fmt"
	"sync"

	"github.com/kozaktomas/sightline/internal/database"
	"golang.org/x/sync/errgroup"
)

// RunConcurrent is RunBulk with up to concurrency units in flight. The cancel
// flag is checked before each unit is started, progress calls are serialized,
// and the case completion check runs once after every started unit returned.
func (o *Orchestrator) RunConcurrent(ctx context.Context, caseID string, concurrency int, progress func(Progress)) (*BulkResult, error) {
	if concurrency <= 1 {
		return o.RunBulk(ctx, caseID, progress)
	}
	if _, err := o.processingCase(ctx, caseID); err != nil {
		return nil, err
	}
	todo, err := o.PendingMatches(ctx, caseID)
	if err != nil {
		return nil, err
	}

	result := &BulkResult{CaseID: caseID, ItemsTotal: len(todo)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var launchErr error
	for i := range todo {
		c, err := o.repo.GetCase(gctx, caseID)
		if err != nil {
			launchErr = fmt.Errorf("loading case %s: %w", caseID, err)
			break
		}
		if c.CancelRequested {
			o.log.Info("bulk analysis cancelled", "case_id", caseID, "items_total", result.ItemsTotal)
			result.Cancelled = true
			break
		}
		if gctx.Err() != nil {
			break
		}

		m := todo[i]
		g.Go(func() error {
			ur, err := o.runUnit(gctx, c, &m)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			result.ItemsDone++
			result.Detections += ur.Detections
			if ur.Status == database.MatchFailed {
				result.Failed++
			}
			result.Units = append(result.Units, *ur)
			if progress != nil {
				progress(Progress{CaseID: caseID, ItemsTotal: result.ItemsTotal, ItemsDone: result.ItemsDone, Last: ur})
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, err
	}
	if launchErr != nil {
		return result, launchErr
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if result.Cancelled {
		return result, nil
	}

	result.CaseCompleted, err = o.Complete(ctx, caseID)
	if err != nil {
		return result, err
	}
	return result, nil
}

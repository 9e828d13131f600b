package deploy

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/splax/exoframed/internal/domain"
	"github.com/splax/exoframed/internal/runtime"
)

// runRollout waits the grace interval, then removes every remaining old
// container whose replacement is running and up, repeating until none
// remain or a configured limit is reached.
func (s *Service) runRollout(ctx context.Context, attempt domain.RolloutAttempt) (domain.RolloutAttempt, error) {
	attempt.StartedAt = s.now()
	generation := make(map[string]struct{}, len(attempt.Remaining))
	for _, c := range attempt.Remaining {
		generation[c.ID] = struct{}{}
	}
	log := s.logger.With("user", attempt.Username, "project", attempt.Project)

	for !attempt.Done() {
		attempt.State = domain.RolloutCleanupWait
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-s.after(s.cfg.RolloutInterval):
		}

		attempt.Attempt++
		attempt.State = domain.RolloutCleanupPoll
		running, err := s.runtime.List(ctx, runtime.ListOptions{Labels: runtime.ProjectLabels(attempt.Username, attempt.Project)})
		if err != nil {
			log.Warn("rollout poll failed", "attempt", attempt.Attempt, "error", err)
		} else {
			eligible := Eligible(attempt.Remaining, running, generation)
			removed := s.removeAll(ctx, eligible)
			attempt.Remaining = subtract(attempt.Remaining, removed)
			log.Debug("rollout poll", "attempt", attempt.Attempt, "removed", len(removed), "remaining", len(attempt.Remaining))
		}
		if attempt.Done() {
			break
		}
		if s.limitReached(attempt) {
			attempt.State = domain.RolloutAbandoned
			s.metrics.rollouts.WithLabelValues(string(attempt.State)).Inc()
			log.Warn("rollout abandoned", "attempts", attempt.Attempt, "remaining", len(attempt.Remaining))
			return attempt, nil
		}
		attempt.State = domain.RolloutRetry
	}

	attempt.State = domain.RolloutDone
	s.metrics.rollouts.WithLabelValues(string(attempt.State)).Inc()
	log.Info("rollout complete", "attempts", attempt.Attempt)
	s.schedulePrune()
	return attempt, nil
}

func (s *Service) limitReached(attempt domain.RolloutAttempt) bool {
	if s.cfg.RolloutMaxAttempts > 0 && attempt.Attempt >= s.cfg.RolloutMaxAttempts {
		return true
	}
	if s.cfg.RolloutMaxElapsed > 0 && s.now().Sub(attempt.StartedAt) >= s.cfg.RolloutMaxElapsed {
		return true
	}
	return false
}

// Eligible returns the old containers that have a running, up replacement.
// Members of the old generation never count as replacements.
func Eligible(old, running []domain.Container, generation map[string]struct{}) []domain.Container {
	var out []domain.Container
	for _, c := range old {
		for _, r := range running {
			if _, isOld := generation[r.ID]; isOld {
				continue
			}
			if domain.CompareNames(c.Label(domain.LabelName), r.Label(domain.LabelName)) && r.Up() {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// removeAll removes containers concurrently and returns the ids that were
// removed. Failures are logged and left for the next pass.
func (s *Service) removeAll(ctx context.Context, containers []domain.Container) map[string]struct{} {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		removed = make(map[string]struct{}, len(containers))
	)
	for _, c := range containers {
		g.Go(func() error {
			if err := s.runtime.Remove(ctx, c.ID); err != nil {
				s.metrics.removals.WithLabelValues("error").Inc()
				s.logger.Warn("old container removal failed", "container_id", c.ID, "name", c.Name, "error", err)
				return nil
			}
			s.metrics.removals.WithLabelValues("removed").Inc()
			mu.Lock()
			removed[c.ID] = struct{}{}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return removed
}

func subtract(containers []domain.Container, removed map[string]struct{}) []domain.Container {
	kept := make([]domain.Container, 0, len(containers))
	for _, c := range containers {
		if _, ok := removed[c.ID]; !ok {
			kept = append(kept, c)
		}
	}
	return kept
}

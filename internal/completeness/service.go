package completeness

import (
	"context"
	"strings"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
)

// Service runs the check and, when rows are missing, the repair.
type Service struct {
	checker  *Checker
	repairer *Repairer
	metrics  *Metrics
	clock    clockwork.Clock
	logger   *zap.SugaredLogger
}

func NewService(checker *Checker, repairer *Repairer, metrics *Metrics, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{checker: checker, repairer: repairer, metrics: metrics, clock: checker.clock, logger: logger}
}

// Ensure checks the user's rows and creates any that are missing. It never
// returns an error: failures are reported in the result and logged. A
// result with failures clears the throttle so the next call retries.
func (s *Service) Ensure(ctx context.Context, id identity.Identity, force bool) Result {
	start := s.clock.Now()
	res := s.checker.Check(ctx, id.ID, force)
	if res.Throttled {
		s.metrics.observe(ActionThrottled, nil, 0)
		return res
	}

	if len(res.Failed) == len(Tables) {
		res.ActionTaken = "check failed: " + joinTables(failedTables(res.Failed))
		s.logger.Warnw("completeness check failed", "user_id", id.ID)
		s.checker.Forget(id.ID)
		s.metrics.observe("check_failed", nil, s.clock.Since(start).Seconds())
		return res
	}

	if len(res.Missing()) > 0 {
		res.Steps = s.repairer.Repair(ctx, id, res)
	}
	res.ActionTaken = describe(res)

	outcome := "complete"
	switch {
	case len(res.Failed) > 0 || hasStatus(res.Steps, StepFailed):
		outcome = "partial"
		s.checker.Forget(id.ID)
	case hasStatus(res.Steps, StepCreated):
		outcome = "repaired"
		s.checker.Remember(afterRepair(res))
	default:
		s.checker.Remember(afterRepair(res))
	}
	if outcome != "complete" {
		s.logger.Infow("completeness ensured", "user_id", id.ID, "action", res.ActionTaken)
	}
	s.metrics.observe(outcome, res.Steps, s.clock.Since(start).Seconds())
	return res
}

// afterRepair returns res with the rows the repair created or found marked
// as existing, which is what a throttled caller should see.
func afterRepair(res Result) Result {
	for _, st := range res.Steps {
		if st.Status == StepCreated || st.Status == StepExists {
			res.set(st.Table, true)
		}
	}
	return res
}

// describe renders the action text, e.g. "created: profiles, user_preferences"
// or "created: profiles; failed: security_settings".
func describe(res Result) string {
	var created, failed []Table
	for _, st := range res.Steps {
		switch st.Status {
		case StepCreated:
			created = append(created, st.Table)
		case StepFailed:
			failed = append(failed, st.Table)
		}
	}
	var parts []string
	if len(created) > 0 {
		parts = append(parts, "created: "+joinTables(created))
	}
	if len(failed) > 0 {
		parts = append(parts, "failed: "+joinTables(failed))
	}
	if len(res.Failed) > 0 {
		parts = append(parts, "check failed: "+joinTables(failedTables(res.Failed)))
	}
	if len(parts) == 0 {
		return ActionComplete
	}
	return strings.Join(parts, "; ")
}

func failedTables(errs []TableError) []Table {
	out := make([]Table, len(errs))
	for i, e := range errs {
		out[i] = e.Table
	}
	return out
}

func hasStatus(steps []Step, st StepStatus) bool {
	for _, s := range steps {
		if s.Status == st {
			return true
		}
	}
	return false
}

package gates

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/escalation"
)

// limiterSweepInterval is how often idle per-project limiters are evicted.
const limiterSweepInterval = time.Minute

// EscalationChecker re-derives the escalation level after a triggered
// evaluation.
type EscalationChecker interface {
	CheckReadinessEscalation(ctx context.Context, projectID, actor string) (*escalation.CheckResult, error)
}

// Trigger schedules a gate evaluation in the background and returns
// immediately. Failures are logged and never reach the caller. Triggers
// beyond the per-project rate are dropped.
func (e *Engine) Trigger(projectID, actor string) {
	if !e.allow(projectID) {
		e.metrics.RecordTriggerDropped(context.Background())
		e.logger.Debug("gate trigger dropped", zap.String("project.id", projectID))
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				e.logger.Error("gate trigger panic", zap.String("project.id", projectID), zap.Any("panic", rec))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), e.triggerTimeout)
		defer cancel()
		e.runTrigger(ctx, projectID, actor)
	}()
}

func (e *Engine) runTrigger(ctx context.Context, projectID, actor string) {
	if _, err := e.EvaluateAllGates(ctx, projectID, actor); err != nil {
		e.logger.Warn("triggered gate evaluation failed", zap.String("project.id", projectID), zap.Error(err))
		return
	}
	if e.escalation == nil {
		return
	}
	p, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		e.logger.Warn("triggered escalation lookup failed", zap.String("project.id", projectID), zap.Error(err))
		return
	}
	if !p.Phase.InMathematicalGovernance() {
		return
	}
	if _, err := e.escalation.CheckReadinessEscalation(ctx, projectID, actor); err != nil {
		e.logger.Warn("triggered escalation check failed", zap.String("project.id", projectID), zap.Error(err))
	}
}

// Wait blocks until every triggered evaluation has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// allow takes a token from the project's limiter. Limiters whose bucket
// has refilled are evicted at most once per limiterSweepInterval; a fresh
// limiter starts full, so eviction never changes what is allowed.
func (e *Engine) allow(projectID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if now.Sub(e.lastSweep) >= limiterSweepInterval {
		for id, l := range e.limiters {
			if l.TokensAt(now) >= float64(e.triggerBurst) {
				delete(e.limiters, id)
			}
		}
		e.lastSweep = now
	}

	l, ok := e.limiters[projectID]
	if !ok {
		l = rate.NewLimiter(e.triggerRate, e.triggerBurst)
		e.limiters[projectID] = l
	}
	return l.AllowN(now, 1)
}

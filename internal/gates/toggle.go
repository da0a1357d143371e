package gates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/apperr"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/events"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/store"
)

// Toggle is an explicit request to set one gate.
type Toggle struct {
	ProjectID string
	Gate      model.GateID
	Value     bool
	Actor     string
	Reason    string
}

// ToggleResult reports a gate toggle.
type ToggleResult struct {
	Gate     model.GateID          `json:"gate"`
	Previous bool                  `json:"previous"`
	Value    bool                  `json:"value"`
	Changed  bool                  `json:"changed"`
	Gates    map[model.GateID]bool `json:"gates"`
}

// SetGate applies an explicit toggle. Only the project owner may toggle.
// Setting a structural gate to true requires its evaluator to pass.
// Setting any gate to false is always allowed and is how a gate is reset.
func (e *Engine) SetGate(ctx context.Context, t Toggle) (*ToggleResult, error) {
	if !t.Gate.Known() {
		return nil, unknownGate(t.Gate)
	}
	p, err := e.store.GetProject(ctx, t.ProjectID)
	if err != nil {
		return nil, lookupErr(err)
	}
	if p.OwnerID != t.Actor {
		return nil, apperr.Unauthorized(apperr.CodeNotProjectOwner, "only the project owner may toggle gates")
	}
	current, err := e.store.GetGateMap(ctx, t.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("get gate map: %w", err)
	}

	res := &ToggleResult{Gate: t.Gate, Previous: current.Get(t.Gate), Value: t.Value}
	if res.Previous == t.Value {
		res.Gates = current.Values()
		return res, nil
	}

	if t.Value && t.Gate.Structural() {
		ev, err := e.Evaluate(ctx, t.ProjectID, t.Gate)
		if err != nil {
			return nil, err
		}
		if !ev.Satisfied {
			return nil, apperr.Conflict(apperr.CodeGatePreconditionFailed,
				fmt.Sprintf("gate %s precondition not met: %s", t.Gate, ev.Reason)).
				WithMetadata("gate", string(t.Gate), "reason", ev.Reason)
		}
	}

	if err := e.store.SetGate(ctx, t.ProjectID, t.Gate, t.Value); err != nil {
		return nil, fmt.Errorf("set gate: %w", err)
	}
	res.Changed = true
	res.Gates = current.Set(t.Gate, t.Value).Values()

	snapshot, _ := json.Marshal(res)
	if err := e.store.AppendDecision(ctx, &model.DecisionEntry{
		ProjectID: t.ProjectID,
		Actor:     t.Actor,
		Kind:      model.DecisionGateToggle,
		Phase:     p.Phase,
		Outcome:   fmt.Sprintf("%s=%t", t.Gate, t.Value),
		Rationale: t.Reason,
		Snapshot:  snapshot,
	}); err != nil {
		e.logger.Error("gate toggle ledger append failed", zap.String("project.id", t.ProjectID), zap.Error(err))
	}

	e.metrics.RecordChange(ctx, t.Gate)
	events.Emit(ctx, e.publisher, e.logger, events.New(events.KindGateToggled, t.ProjectID, t.Actor, res))
	e.logger.Info("gate toggled",
		zap.String("project.id", t.ProjectID),
		zap.String("gate", string(t.Gate)),
		zap.Bool("value", t.Value),
		zap.String("actor", t.Actor),
	)
	return res, nil
}

func unknownGate(g model.GateID) error {
	return apperr.Validation(apperr.CodeUnknownGate, fmt.Sprintf("unknown gate %q", g))
}

func lookupErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Wrap(apperr.KindNotFound, apperr.CodeProjectNotFound, "project not found", err)
	}
	return fmt.Errorf("load project: %w", err)
}

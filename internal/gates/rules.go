package gates

import (
	"context"
	"fmt"
	"strings"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/readiness"
)

// Readiness thresholds used by the execution gates.
const (
	ValidationMinScopeR  = 0.6
	VerificationMinProjR = 0.8
)

// Evaluation is the outcome of one gate evaluator.
type Evaluation struct {
	Satisfied bool   `json:"satisfied"`
	Reason    string `json:"reason"`
}

func pass(format string, args ...any) Evaluation {
	return Evaluation{Satisfied: true, Reason: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...any) Evaluation {
	return Evaluation{Satisfied: false, Reason: fmt.Sprintf(format, args...)}
}

// Rule is a named precondition over project state.
type Rule interface {
	ID() model.GateID
	Description() string
	Evaluate(ctx context.Context, ec *EvalContext) (Evaluation, error)
}

type rule struct {
	id          model.GateID
	description string
	evaluate    func(ctx context.Context, ec *EvalContext) (Evaluation, error)
}

func (r rule) ID() model.GateID { return r.id }
func (r rule) Description() string { return r.description }
func (r rule) Evaluate(ctx context.Context, ec *EvalContext) (Evaluation, error) {
	return r.evaluate(ctx, ec)
}

// NewRule builds a Rule from an evaluator function.
func NewRule(id model.GateID, description string, fn func(ctx context.Context, ec *EvalContext) (Evaluation, error)) Rule {
	return rule{id: id, description: description, evaluate: fn}
}

// DefaultRules returns the gate table in evaluation order. Setup gates come
// first, execution gates last.
func DefaultRules() []Rule {
	return []Rule{
		NewRule(model.GateLicense, "license or subscription tier is active", evalLicense),
		NewRule(model.GateDisclaimer, "disclaimer acknowledged by at least one user message", evalDisclaimer),
		NewRule(model.GateEnvironment, "execution environment is bound", evalEnvironment),
		NewRule(model.GateFolder, "workspace folder is bound", evalFolder),
		NewRule(model.GateBlueprint, "scope blueprint exists with complete Definitions of Done", evalBlueprint),
		NewRule(model.GateIntegrity, "latest integrity validation passed", evalIntegrity),
		NewRule(model.GatePreExecution, "WU initialized, conserved and allocated with an execution plan", evalPreExecution),
		NewRule(model.GateValidation, "every active scope has R >= 0.6 and no execution layer failed", evalValidation),
		NewRule(model.GateVerification, "project R >= 0.8 with verified, conserved and reconciled WU", evalVerification),
	}
}

func evalLicense(_ context.Context, ec *EvalContext) (Evaluation, error) {
	if ec.Project.LicenseActive {
		return pass("license active"), nil
	}
	return fail("no active license"), nil
}

func evalDisclaimer(_ context.Context, ec *EvalContext) (Evaluation, error) {
	if ec.UserMessages >= 1 {
		return pass("%d user messages", ec.UserMessages), nil
	}
	return fail("no user message acknowledges the disclaimer"), nil
}

func evalEnvironment(_ context.Context, ec *EvalContext) (Evaluation, error) {
	if strings.TrimSpace(ec.Project.Environment) != "" {
		return pass("environment %q bound", ec.Project.Environment), nil
	}
	return fail("no environment bound"), nil
}

func evalFolder(_ context.Context, ec *EvalContext) (Evaluation, error) {
	if strings.TrimSpace(ec.Project.WorkspaceFolder) != "" {
		return pass("workspace folder bound"), nil
	}
	return fail("no workspace folder bound"), nil
}

func evalBlueprint(_ context.Context, ec *EvalContext) (Evaluation, error) {
	topLevel := ec.TopLevelScopes()
	if len(topLevel) == 0 {
		return fail("no top-level scope"), nil
	}
	if len(ec.Deliverables) == 0 {
		return fail("no deliverables"), nil
	}
	missing := 0
	for _, d := range ec.Deliverables {
		if !d.HasDefinitionOfDone() {
			missing++
		}
	}
	if missing > 0 {
		return fail("%d deliverables lack a Definition of Done", missing), nil
	}
	return pass("%d scopes, %d deliverables with Definition of Done", len(topLevel), len(ec.Deliverables)), nil
}

func evalIntegrity(_ context.Context, ec *EvalContext) (Evaluation, error) {
	switch {
	case ec.Integrity == nil:
		return fail("no integrity report"), nil
	case !ec.Integrity.Passed:
		return fail("latest integrity report passed %d of %d checks", ec.Integrity.ChecksPassed, ec.Integrity.ChecksTotal), nil
	}
	return pass("latest integrity report passed"), nil
}

func evalPreExecution(_ context.Context, ec *EvalContext) (Evaluation, error) {
	p := ec.Project
	if !p.WUInitialized() {
		return fail("WU not initialized"), nil
	}
	if c := model.ConservationOf(p); !c.Valid {
		return fail("conservation violated: delta %.6f", c.Delta), nil
	}
	topLevel := ec.TopLevelScopes()
	if len(topLevel) == 0 {
		return fail("no top-level scope"), nil
	}
	for _, sc := range topLevel {
		if sc.AllocatedWU <= 0 {
			return fail("scope %q has no WU allocated", sc.Title), nil
		}
	}
	if len(ec.Layers) == 0 {
		return fail("no execution layer"), nil
	}
	return pass("WU allocated across %d scopes with %d execution layers", len(topLevel), len(ec.Layers)), nil
}

func evalValidation(ctx context.Context, ec *EvalContext) (Evaluation, error) {
	pr, err := ec.Readiness(ctx)
	if err != nil {
		return Evaluation{}, err
	}
	if len(pr.Scopes) == 0 {
		return fail("no active scope"), nil
	}
	for _, s := range pr.Scopes {
		if s.R < ValidationMinScopeR {
			return fail("scope %q R %.3f below %.1f", s.Title, s.R, ValidationMinScopeR), nil
		}
	}
	for _, l := range ec.Layers {
		if l.Status == model.LayerFailed {
			return fail("execution layer %q failed", l.Name), nil
		}
	}
	return pass("all %d scopes at R >= %.1f", len(pr.Scopes), ValidationMinScopeR), nil
}

func evalVerification(ctx context.Context, ec *EvalContext) (Evaluation, error) {
	pr, err := ec.Readiness(ctx)
	if err != nil {
		return Evaluation{}, err
	}
	if pr.ProjectR < VerificationMinProjR {
		return fail("project R %.3f below %.1f", pr.ProjectR, VerificationMinProjR), nil
	}
	for _, s := range pr.Scopes {
		if s.AllocatedWU > 0 && s.VerifiedWU <= 0 {
			return fail("scope %q has no verified WU", s.Title), nil
		}
	}
	if !pr.Conservation.Valid {
		return fail("conservation violated: delta %.6f", pr.Conservation.Delta), nil
	}
	rec, err := ec.Reconciliation(ctx)
	if err != nil {
		return Evaluation{}, err
	}
	if rec.HasDivergences {
		return fail("reconciliation divergence %.2f%% exceeds %.0f%%", rec.MaxDivergencePct, readiness.DivergenceThresholdPct), nil
	}
	return pass("project R %.3f verified and reconciled", pr.ProjectR), nil
}

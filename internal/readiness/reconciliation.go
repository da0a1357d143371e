package readiness

import (
	"context"
	"math"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
)

// DivergenceThresholdPct flags a scope whose verified WU strays from its
// plan by more than this percentage.
const DivergenceThresholdPct = 20.0

// ReconciliationEntry is the planned/claimed/verified triad of one scope.
type ReconciliationEntry struct {
	ScopeID           string  `json:"scope_id"`
	Title             string  `json:"title"`
	Planned           float64 `json:"planned"`
	Claimed           float64 `json:"claimed"`
	Verified          float64 `json:"verified"`
	Delta             float64 `json:"delta"`
	DivergencePct     float64 `json:"divergence_pct"`
	RequiresAttention bool    `json:"requires_attention"`
}

// Reconciliation compares planned, claimed and verified WU per scope.
// It is advisory: nothing is persisted.
type Reconciliation struct {
	ProjectID        string                `json:"project_id"`
	Entries          []ReconciliationEntry `json:"entries"`
	HasDivergences   bool                  `json:"has_divergences"`
	MaxDivergencePct float64               `json:"max_divergence_pct"`
}

// ComputeReconciliation builds the reconciliation triad for every active
// tier-1 scope.
func (e *Engine) ComputeReconciliation(ctx context.Context, projectID string) (*Reconciliation, error) {
	snap, err := e.load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return reconcile(snap), nil
}

func reconcile(snap *snapshot) *Reconciliation {
	out := &Reconciliation{ProjectID: snap.project.ID, Entries: []ReconciliationEntry{}}
	for _, sc := range snap.scopes {
		if !sc.TopLevel() || sc.Status == model.ScopeCancelled {
			continue
		}
		deliverables := snap.scopeDeliverables(sc)
		entry := ReconciliationEntry{
			ScopeID:  sc.ID,
			Title:    sc.Title,
			Planned:  sc.AllocatedWU,
			Verified: sc.VerifiedWU,
			Delta:    model.Round(sc.AllocatedWU-sc.VerifiedWU, 6),
		}
		if n := len(deliverables); n > 0 {
			done := 0
			for _, d := range deliverables {
				if d.Status.Done() {
					done++
				}
			}
			entry.Claimed = model.Round3(sc.AllocatedWU * float64(done) / float64(n))
		}
		if entry.Planned > 0 {
			entry.DivergencePct = model.Round(math.Abs(entry.Delta)/entry.Planned*100, 2)
		}
		entry.RequiresAttention = entry.DivergencePct > DivergenceThresholdPct
		if entry.RequiresAttention {
			out.HasDivergences = true
		}
		if entry.DivergencePct > out.MaxDivergencePct {
			out.MaxDivergencePct = entry.DivergencePct
		}
		out.Entries = append(out.Entries, entry)
	}
	return out
}

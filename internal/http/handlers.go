package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/apperr"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/gates"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/transition"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components,omitempty"`
}

// CreateProjectRequest creates a project owned by the acting user.
type CreateProjectRequest struct {
	ID        string `json:"id" validate:"omitempty,max=128"`
	Name      string `json:"name" validate:"required,max=200"`
	Objective string `json:"objective" validate:"max=4000"`
}

// SetGateRequest toggles one gate.
type SetGateRequest struct {
	Value  *bool  `json:"value" validate:"required"`
	Reason string `json:"reason" validate:"max=2000"`
}

// FinalizeBody is the body of POST /projects/:id/finalize.
type FinalizeBody struct {
	Phase          string `json:"phase" validate:"required"`
	OverrideReason string `json:"override_reason" validate:"max=2000"`
	ReviewSummary  string `json:"review_summary" validate:"max=8000"`
}

// ReassessBody is the body of POST /projects/:id/reassess.
type ReassessBody struct {
	FromPhase     string `json:"from_phase"`
	TargetPhase   string `json:"target_phase" validate:"required"`
	Reason        string `json:"reassess_reason" validate:"max=2000"`
	ReviewSummary string `json:"review_summary" validate:"max=8000"`
}

// InitializeWURequest sets a project's WU budget.
type InitializeWURequest struct {
	Total *float64 `json:"total" validate:"required"`
}

// AllocateWURequest sets a scope's WU allocation.
type AllocateWURequest struct {
	Amount *float64 `json:"amount" validate:"required"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if s.config.Health != nil {
		resp.Components = s.config.Health()
	}
	return c.JSON(http.StatusOK, resp)
}

func actor(c echo.Context) (string, error) {
	a := strings.TrimSpace(c.Request().Header.Get(HeaderActor))
	if a == "" {
		return "", apperr.Validation(apperr.CodeInvalidInput, HeaderActor+" header is required")
	}
	return a, nil
}

// bind decodes and validates the request body.
func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.Validation(apperr.CodeInvalidInput, "invalid request body")
	}
	return c.Validate(v)
}

func parsePhase(field, v string) (model.Phase, error) {
	p, err := model.ParsePhase(v)
	if err != nil {
		return "", apperr.Validation(apperr.CodeInvalidPhase, err.Error()).WithMetadata("field", field)
	}
	return p, nil
}

func limit(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxListLimit {
		return 0, apperr.Validation(apperr.CodeInvalidInput, "limit must be between 1 and "+strconv.Itoa(maxListLimit))
	}
	return n, nil
}

func (s *Server) handleCreateProject(c echo.Context) error {
	owner, err := actor(c)
	if err != nil {
		return err
	}
	var req CreateProjectRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	p := &model.Project{ID: req.ID, OwnerID: owner, Name: req.Name, Objective: req.Objective}
	if err := s.svc.Store.CreateProject(c.Request().Context(), p); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) handleGetProject(c echo.Context) error {
	p, err := s.svc.Store.GetProject(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleReadiness(c echo.Context) error {
	pr, err := s.svc.Readiness.ComputeProjectReadiness(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pr)
}

func (s *Server) handleScopeReadiness(c echo.Context) error {
	sr, err := s.svc.Readiness.ComputeScopeReadiness(c.Request().Context(), c.Param("scope"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sr)
}

func (s *Server) handleConservation(c echo.Context) error {
	cs, err := s.svc.Readiness.ConservationSnapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cs)
}

func (s *Server) handleReconciliation(c echo.Context) error {
	rec, err := s.svc.Readiness.ComputeReconciliation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleGetGates(c echo.Context) error {
	m, err := s.svc.Store.GetGateMap(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m.Values())
}

func (s *Server) handleEvaluateGates(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	res, err := s.svc.Gates.EvaluateAllGates(c.Request().Context(), c.Param("id"), a)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// handleTriggerGates schedules a background gate evaluation and answers
// without waiting for it.
func (s *Server) handleTriggerGates(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id := c.Param("id")
	if _, err := s.svc.Store.GetProject(c.Request().Context(), id); err != nil {
		return err
	}
	s.svc.Gates.Trigger(id, a)
	return c.JSON(http.StatusAccepted, map[string]string{"project_id": id, "status": "scheduled"})
}

func (s *Server) handleSetGate(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	var req SetGateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.svc.Gates.SetGate(c.Request().Context(), gates.Toggle{
		ProjectID: c.Param("id"),
		Gate:      model.GateID(c.Param("gate")),
		Value:     *req.Value,
		Actor:     a,
		Reason:    req.Reason,
	})
	if err != nil {
		return err
	}
	s.svc.Gates.Trigger(c.Param("id"), a)
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleEscalationStatus(c echo.Context) error {
	st, err := s.svc.Escalation.GetEscalationStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleEscalationCheck(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	res, err := s.svc.Escalation.CheckReadinessEscalation(c.Request().Context(), c.Param("id"), a)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// handleValidateTransition validates ?from=&to=. Missing values default to
// the project's current phase and its successor.
func (s *Server) handleValidateTransition(c echo.Context) error {
	ctx := c.Request().Context()
	projectID := c.Param("id")

	var from, to model.Phase
	var err error
	if raw := c.QueryParam("from"); raw != "" {
		if from, err = parsePhase("from", raw); err != nil {
			return err
		}
	}
	if raw := c.QueryParam("to"); raw != "" {
		if to, err = parsePhase("to", raw); err != nil {
			return err
		}
	}
	if from == "" {
		p, err := s.svc.Store.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		from = p.Phase
	}
	if to == "" {
		next, ok := from.Next()
		if !ok {
			return apperr.Validation(apperr.CodeInvalidTransition, "phase "+string(from)+" has no successor")
		}
		to = next
	}

	res, err := s.svc.Contract.ValidatePhaseTransition(ctx, projectID, from, to)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// handleFinalize responds with the status the decision carries: 200 for
// APPROVED and WARNINGS, 422 for REJECTED.
func (s *Server) handleFinalize(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	var body FinalizeBody
	if err := bind(c, &body); err != nil {
		return err
	}
	phase, err := parsePhase("phase", body.Phase)
	if err != nil {
		return err
	}
	res, err := s.svc.Transition.Finalize(c.Request().Context(), transition.FinalizeRequest{
		ProjectID:      c.Param("id"),
		Phase:          phase,
		Actor:          a,
		OverrideReason: body.OverrideReason,
		ReviewSummary:  body.ReviewSummary,
	})
	if err != nil {
		return err
	}
	return c.JSON(res.HTTPStatus, res)
}

func (s *Server) handleReassess(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	var body ReassessBody
	if err := bind(c, &body); err != nil {
		return err
	}
	target, err := parsePhase("target_phase", body.TargetPhase)
	if err != nil {
		return err
	}
	var from model.Phase
	if body.FromPhase != "" {
		if from, err = parsePhase("from_phase", body.FromPhase); err != nil {
			return err
		}
	}
	res, err := s.svc.Transition.Reassess(c.Request().Context(), transition.ReassessRequest{
		ProjectID:     c.Param("id"),
		Actor:         a,
		FromPhase:     from,
		TargetPhase:   target,
		Reason:        body.Reason,
		ReviewSummary: body.ReviewSummary,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleInitializeWU(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	var req InitializeWURequest
	if err := bind(c, &req); err != nil {
		return err
	}
	cs, err := s.svc.Readiness.InitializeWorkUnits(c.Request().Context(), c.Param("id"), *req.Total, a)
	if err != nil {
		return err
	}
	s.svc.Gates.Trigger(c.Param("id"), a)
	return c.JSON(http.StatusOK, cs)
}

func (s *Server) handleAllocateWU(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	var req AllocateWURequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.svc.Readiness.AllocateWorkUnits(c.Request().Context(), c.Param("scope"), *req.Amount, a)
	if err != nil {
		return err
	}
	if res.Success {
		s.svc.Gates.Trigger(res.ProjectID, a)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleTransferWU(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	res, err := s.svc.Readiness.TransferWorkUnits(c.Request().Context(), c.Param("scope"), a)
	if err != nil {
		return err
	}
	s.svc.Gates.Trigger(res.ProjectID, a)
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleDecisions(c echo.Context) error {
	n, err := limit(c)
	if err != nil {
		return err
	}
	rows, err := s.svc.Store.ListDecisions(c.Request().Context(), c.Param("id"), n)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rows)
}

func (s *Server) handleWUAudit(c echo.Context) error {
	n, err := limit(c)
	if err != nil {
		return err
	}
	rows, err := s.svc.Store.ListWUAudit(c.Request().Context(), c.Param("id"), n)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rows)
}

func (s *Server) handleEscalations(c echo.Context) error {
	n, err := limit(c)
	if err != nil {
		return err
	}
	rows, err := s.svc.Store.ListEscalations(c.Request().Context(), c.Param("id"), n)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rows)
}

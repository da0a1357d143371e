package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func healthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check governd server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(opts).call(cmd, http.MethodGet, "/health", nil, nil)
		},
	}
}

func projectCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Create and inspect projects",
	}

	var id, objective string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project owned by --actor",
		Example: `  govctl --actor alice project create "Billing" \
    --objective "Build a governed billing pipeline"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"name": args[0], "objective": objective}
			if id != "" {
				body["id"] = id
			}
			return newClient(opts).call(cmd, http.MethodPost, "/api/v1/projects", nil, body)
		},
	}
	create.Flags().StringVar(&id, "id", "", "project id (generated when empty)")
	create.Flags().StringVar(&objective, "objective", "", "project objective")

	get := &cobra.Command{
		Use:   "get <project>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(opts).call(cmd, http.MethodGet, projectPath(args[0]), nil, nil)
		},
	}

	cmd.AddCommand(create, get)
	return cmd
}

func readinessCmd(opts *options) *cobra.Command {
	var scope bool
	cmd := &cobra.Command{
		Use:   "readiness <project|scope>",
		Short: "Compute project readiness, or scope readiness with --scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := projectPath(args[0], "readiness")
			if scope {
				path = scopePath(args[0], "readiness")
			}
			return newClient(opts).call(cmd, http.MethodGet, path, nil, nil)
		},
	}
	cmd.Flags().BoolVar(&scope, "scope", false, "treat the argument as a scope id")
	return cmd
}

func conservationCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "conservation <project>",
		Short: "Show the WU conservation snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(opts).call(cmd, http.MethodGet, projectPath(args[0], "conservation"), nil, nil)
		},
	}
}

func reconcileCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <project>",
		Short: "Compare planned against verified WU per scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(opts).call(cmd, http.MethodGet, projectPath(args[0], "reconciliation"), nil, nil)
		},
	}
}

func gatesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gates <project>",
		Short: "Show the gate map",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(opts).call(cmd, http.MethodGet, projectPath(args[0], "gates"), nil, nil)
		},
	}

	evaluate := &cobra.Command{
		Use:   "evaluate <project>",
		Short: "Re-evaluate every gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(opts).call(cmd, http.MethodPost, projectPath(args[0], "gates", "evaluate"), nil, nil)
		},
	}

	trigger := &cobra.Command{
		Use:   "trigger <project>",
		Short: "Schedule a background gate evaluation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(opts).call(cmd, http.MethodPost, projectPath(args[0], "gates", "trigger"), nil, nil)
		},
	}

	var reason string
	set := &cobra.Command{
		Use:     "set <project> <gate> <true|false>",
		Short:   "Toggle a gate explicitly (owner only)",
		Example: `  govctl --actor alice gates set proj-1 license true --reason "license signed"`,
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseBool(args[2])
			if err != nil {
				return fmt.Errorf("invalid gate value %q: %w", args[2], err)
			}
			body := map[string]any{"value": value, "reason": reason}
			return newClient(opts).call(cmd, http.MethodPut, projectPath(args[0], "gates", url.PathEscape(args[1])), nil, body)
		},
	}
	set.Flags().StringVar(&reason, "reason", "", "reason recorded with the toggle")

	cmd.AddCommand(evaluate, trigger, set)
	return cmd
}

func escalationCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escalation <project>",
		Short: "Show the escalation status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(opts).call(cmd, http.MethodGet, projectPath(args[0], "escalation"), nil, nil)
		},
	}
	check := &cobra.Command{
		Use:   "check <project>",
		Short: "Recompute the escalation level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(opts).call(cmd, http.MethodPost, projectPath(args[0], "escalation", "check"), nil, nil)
		},
	}
	history := &cobra.Command{
		Use:   "history <project>",
		Short: "List escalation ledger rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(opts).call(cmd, http.MethodGet, projectPath(args[0], "escalations"), nil, nil)
		},
	}
	cmd.AddCommand(check, history)
	return cmd
}

func validateCmd(opts *options) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "validate <project>",
		Short: "Evaluate the phase-contract laws for a transition",
		Long: `Evaluate the phase-contract laws for a transition without applying it.
Defaults to the project's current phase and its successor.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if from != "" {
				q.Set("from", from)
			}
			if to != "" {
				q.Set("to", to)
			}
			return newClient(opts).call(cmd, http.MethodGet, projectPath(args[0], "transitions", "validate"), q, nil)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "source phase")
	cmd.Flags().StringVar(&to, "to", "", "target phase")
	return cmd
}

func finalizeCmd(opts *options) *cobra.Command {
	var override, summary string
	cmd := &cobra.Command{
		Use:   "finalize <project> <phase>",
		Short: "Finalize the current phase (owner only)",
		Long: `Finalize the current phase. A REJECTED outcome is printed like any
other result; authority and phase errors exit non-zero.`,
		Example: `  govctl --actor alice finalize proj-1 IDEATION
  govctl --actor alice finalize proj-1 EXECUTION --override "accepted risk on docs"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{
				"phase":           args[1],
				"override_reason": override,
				"review_summary":  summary,
			}
			return newClient(opts).call(cmd, http.MethodPost, projectPath(args[0], "finalize"), nil, body)
		},
	}
	cmd.Flags().StringVar(&override, "override", "", "override reason accepting warnings")
	cmd.Flags().StringVar(&summary, "review-summary", "", "review summary (required to close REVIEW)")
	return cmd
}

func reassessCmd(opts *options) *cobra.Command {
	var from, reason, summary string
	cmd := &cobra.Command{
		Use:   "reassess <project> <target-phase>",
		Short: "Regress the project to an earlier phase (owner only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{
				"from_phase":      from,
				"target_phase":    args[1],
				"reassess_reason": reason,
				"review_summary":  summary,
			}
			return newClient(opts).call(cmd, http.MethodPost, projectPath(args[0], "reassess"), nil, body)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "expected current phase")
	cmd.Flags().StringVar(&reason, "reason", "", "why the project regresses")
	cmd.Flags().StringVar(&summary, "review-summary", "", "review summary for escalated regressions")
	return cmd
}

func wuCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wu",
		Short: "Manage work units",
	}
	initialize := &cobra.Command{
		Use:   "init <project> <total>",
		Short: "Set the project's WU budget",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			total, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid total %q: %w", args[1], err)
			}
			return newClient(opts).call(cmd, http.MethodPost, projectPath(args[0], "wu", "initialize"), nil, map[string]float64{"total": total})
		},
	}
	allocate := &cobra.Command{
		Use:   "allocate <scope> <amount>",
		Short: "Set a scope's WU allocation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}
			return newClient(opts).call(cmd, http.MethodPost, scopePath(args[0], "wu", "allocate"), nil, map[string]float64{"amount": amount})
		},
	}
	transfer := &cobra.Command{
		Use:   "transfer <scope>",
		Short: "Move earned WU from the formula pool to verified",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(opts).call(cmd, http.MethodPost, scopePath(args[0], "wu", "transfer"), nil, nil)
		},
	}
	var limit int
	audit := &cobra.Command{
		Use:   "audit <project>",
		Short: "List WU audit rows, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(opts).call(cmd, http.MethodGet, projectPath(args[0], "wu-audit"), limitQuery(limit), nil)
		},
	}
	audit.Flags().IntVar(&limit, "limit", 0, "maximum rows (server default when 0)")

	cmd.AddCommand(initialize, allocate, transfer, audit)
	return cmd
}

func decisionsCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "decisions <project>",
		Short: "List decision ledger rows, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(opts).call(cmd, http.MethodGet, projectPath(args[0], "decisions"), limitQuery(limit), nil)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows (server default when 0)")
	return cmd
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": []string{strconv.Itoa(limit)}}
}

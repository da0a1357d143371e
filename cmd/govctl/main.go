// Package main implements govctl, a CLI for the governd HTTP API.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var version = "dev"

// options are the persistent flags shared by every command.
type options struct {
	server  string
	actor   string
	output  string
	timeout time.Duration
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "govctl",
		Short: "CLI for governd governance operations",
		Long: `govctl talks to a running governd server. It reads readiness, gate and
escalation state, and drives phase finalize and reassess.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case "json", "yaml":
				return nil
			}
			return fmt.Errorf("unknown output format %q (want json or yaml)", opts.output)
		},
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&opts.server, "server", envOr("GOVCTL_SERVER", "http://localhost:8470"), "governd server URL")
	pf.StringVar(&opts.actor, "actor", os.Getenv("GOVCTL_ACTOR"), "acting user id, sent as X-Actor-ID")
	pf.StringVarP(&opts.output, "output", "o", "json", "output format: json or yaml")
	pf.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		healthCmd(opts),
		projectCmd(opts),
		readinessCmd(opts),
		conservationCmd(opts),
		reconcileCmd(opts),
		gatesCmd(opts),
		escalationCmd(opts),
		validateCmd(opts),
		finalizeCmd(opts),
		reassessCmd(opts),
		wuCmd(opts),
		decisionsCmd(opts),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

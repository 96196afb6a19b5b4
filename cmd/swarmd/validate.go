package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"AgentSwarm/internal/policy"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and report the admission decision for every archetype",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			catalog, err := cfg.Catalog()
			if err != nil {
				return err
			}
			gate, err := policy.NewGate(cfg.Rules())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ARCHETYPE\tADMITTED\tRULE\tREASON")
			rejected := 0
			for _, spec := range catalog.Specs() {
				decision := gate.Validate(spec)
				if !decision.Admitted {
					rejected++
				}
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", spec.Type, decision.Admitted, decision.Rule, decision.Reason)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d archetypes, %d rejected\n", len(catalog.Specs()), rejected)
			return nil
		},
	}
}

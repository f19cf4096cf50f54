package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/basket/go-conductor/internal/agent"
	"github.com/basket/go-conductor/internal/config"
	"github.com/spf13/cobra"
)

func kindsCmd(load configLoader) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "kinds",
		Short: "List the registered agent kinds",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			reg, err := buildRegistry(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"kinds": reg.List()})
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tREQUIRED\tOPTIONAL\tDESCRIPTION")
			for _, k := range reg.List() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", k.Name, joinOrDash(k.RequiredInputs), joinOrDash(k.OptionalInputs), k.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print descriptors as JSON")
	return cmd
}

// buildRegistry merges the builtin kinds with those in config.yaml.
func buildRegistry(cfg config.Config) (*agent.Registry, error) {
	extra, err := cfg.AgentKinds()
	if err != nil {
		return nil, fmt.Errorf("load kinds: %w", err)
	}
	reg, err := agent.NewRegistry(append(agent.Builtins(), extra...)...)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	return reg, nil
}

func joinOrDash(fields []string) string {
	if len(fields) == 0 {
		return "-"
	}
	return strings.Join(fields, ",")
}

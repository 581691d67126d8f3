package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cryguy/scriptd"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Compile the scripts and validate their registrations",
	Long: `Bundles every script, evaluates it in a throwaway isolate and checks the
routes it registers. Exits non-zero on a compile or registration error.

Example:
  scriptd check --scripts ./scripts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		routes, err := scriptd.Check(cfg, logger)
		if err != nil {
			return err
		}
		printRoutes(cmd, routes)
		fmt.Fprintf(cmd.OutOrStdout(), "ok: %d routes\n", len(routes))
		return nil
	},
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the route table the scripts register",
	RunE: func(cmd *cobra.Command, args []string) error {
		routes, err := scriptd.Check(cfg, logger)
		if err != nil {
			return err
		}
		printRoutes(cmd, routes)
		return nil
	},
}

func printRoutes(cmd *cobra.Command, routes []scriptd.Route) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "METHOD\tPATTERN\tKIND")
	for _, r := range routes {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Method, r.Pattern.String(), r.Kind)
	}
	_ = tw.Flush()
}

package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/riskflow/internal/definitions"
	"github.com/rendis/riskflow/internal/risk"
)

func newClassifyCmd(c *cli) *cobra.Command {
	var planFile string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "classify [command...]",
		Short: "Show the risk tier and policy decision for a command or plan",
		Example: `  riskflow classify rm -rf build
  riskflow classify --plan deploy.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			mode := sessionMode(c.cfg.Policy, interactive())

			if planFile != "" {
				loader, err := definitions.NewLoader()
				if err != nil {
					return err
				}
				plan, err := loader.LoadPlanFile(planFile)
				if err != nil {
					return err
				}
				enhanced, assessment := risk.Enhance(*plan)
				if asJSON {
					return printJSON(out, map[string]any{"plan": enhanced, "assessment": assessment})
				}
				printAssessment(out, enhanced, assessment)
				return nil
			}

			if len(args) == 0 {
				return cobra.MinimumNArgs(1)(cmd, args)
			}
			gate, err := risk.NewGate(c.cfg.Policy.Deny, c.cfg.Policy.Allow)
			if err != nil {
				return err
			}
			command := strings.Join(args, " ")
			verdict := gate.Evaluate(command, risk.Classify(command), mode)
			if asJSON {
				return printJSON(out, verdict)
			}
			printVerdict(out, command, verdict, mode)
			return nil
		},
	}
	cmd.Flags().StringVar(&planFile, "plan", "", "assess a plan file instead of a command")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

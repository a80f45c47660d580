package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"checkline/internal/app"
	"checkline/internal/engine"
)

func verifyCmd() *cobra.Command {
	v := &cobra.Command{Use: "verify", Short: "Score and inspect completed work"}
	v.AddCommand(verifyAnalyzeCmd())
	v.AddCommand(verifyResultsCmd())
	v.AddCommand(verifyDecisionCmd(engine.DecisionPass, "pass", "Pass a finished instruction"))
	v.AddCommand(verifyDecisionCmd(engine.DecisionFail, "fail", "Fail a finished instruction"))
	v.AddCommand(verifyDecisionCmd(engine.DecisionCancelApproval, "cancel", "Withdraw the verdict of a finished instruction"))
	return v
}

func verifyAnalyzeCmd() *cobra.Command {
	var team string
	cmd := &cobra.Command{
		Use:   "analyze [instruction-id]",
		Short: "Score one instruction, or every finished one without a score",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var out []engine.Analysis
				if len(args) == 1 {
					res, err := a.Engine.Verification.Analyze(ctx, args[0])
					if err != nil {
						return err
					}
					out = append(out, res)
				} else {
					res, err := a.Engine.Verification.AnalyzePending(ctx, team)
					out = res
					if err != nil && len(out) == 0 {
						return err
					}
					if err != nil {
						fmt.Println("warning:", err)
					}
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Subject", "Score", "Pass", "Analysis"})
				for _, r := range out {
					tw.AppendRow(table.Row{r.Instruction.ID, r.Instruction.Subject, r.Result.Score, r.Result.IsPass, r.Result.Analysis})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "team filter when no id is given")
	return cmd
}

func verifyResultsCmd() *cobra.Command {
	var team string
	cmd := &cobra.Command{
		Use:   "results",
		Short: "List finished instructions, latest completion first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rows, err := a.Engine.Board.InspectionResults(ctx, team)
				if err != nil {
					return err
				}
				return printInstructions(rows)
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "team filter")
	return cmd
}

func verifyDecisionCmd(d engine.Decision, use, short string) *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   use + " <instruction-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				row, err := a.Engine.Verification.Finalize(ctx, args[0], d, optionalString(feedback))
				if err != nil {
					return err
				}
				return printInstruction(row)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "inspector feedback")
	return cmd
}

func actionCmd() *cobra.Command {
	act := &cobra.Command{Use: "action", Short: "Work the action plan"}
	act.AddCommand(actionListCmd())
	act.AddCommand(actionResolveCmd())
	return act
}

func actionListCmd() *cobra.Command {
	var team string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List action plan items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Board.ActionItems(ctx, team)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Team", "Assignee", "Issue", "Reason", "Since"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Team, it.Assignee, it.Issue, it.Reason, it.Timestamp})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "team filter")
	return cmd
}

func actionResolveCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "resolve <instruction-id>",
		Short: "Resolve an action item by passing its instruction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				row, err := a.Engine.Verification.ResolveActionItem(ctx, args[0], optionalString(feedback))
				if err != nil {
					return err
				}
				return printInstruction(row)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "corrective action taken")
	return cmd
}

func statsCmd() *cobra.Command {
	var team string
	var staff bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show compliance statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if staff {
					rows, err := a.Engine.Board.StaffSummary(ctx, team)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(rows)
					}
					tw := newTable()
					tw.AppendHeader(table.Row{"Worker", "Total", "OK", "Non", "Delay", "Status"})
					for _, s := range rows {
						tw.AppendRow(table.Row{s.Assignee, s.Total, s.OK, s.Non, s.Delay, s.Status})
					}
					tw.Render()
					return nil
				}
				s, err := a.Engine.Board.Stats(ctx, team)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Total", "Completed", "Delayed", "Non-compliant", "Rate", "Action required"})
				tw.AppendRow(table.Row{s.Total, s.Completed, s.Delayed, s.NonCompliant, fmt.Sprintf("%d%%", s.ComplianceRate), s.ActionRequired})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "team filter")
	cmd.Flags().BoolVar(&staff, "staff", false, "per-worker summary")
	return cmd
}

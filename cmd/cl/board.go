package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"checkline/internal/app"
	"checkline/internal/domain"
	"checkline/internal/engine"
	"checkline/internal/evidence"
	"checkline/internal/repo"
)

func boardCmd() *cobra.Command {
	b := &cobra.Command{Use: "board", Short: "Deploy task groups and assign workers"}
	b.AddCommand(boardDeployCmd())
	b.AddCommand(boardRemoveCmd())
	b.AddCommand(boardAssignCmd())
	b.AddCommand(boardUnassignCmd())
	b.AddCommand(boardBatchCmd())
	b.AddCommand(boardDeployedCmd())
	b.AddCommand(boardColumnsCmd())
	b.AddCommand(boardWatchCmd())
	b.AddCommand(boardSweepCmd())
	return b
}

func boardDeployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <task-group-id>",
		Short: "Put a task group on the board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				row, created, err := a.Engine.Assignment.Deploy(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"instruction": row, "created": created})
				}
				if !created {
					fmt.Printf("Task group %s is already deployed\n", args[0])
				}
				return printInstruction(row)
			})
		},
	}
}

func boardRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <task-group-id>",
		Short: "Remove every row of a task group from the board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.Assignment.RemoveFromBoard(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int64{"removed": n})
				}
				fmt.Printf("Removed %d rows of %s\n", n, args[0])
				return nil
			})
		},
	}
}

func boardAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <task-group-id> <worker>",
		Short: "Give a worker a row of a deployed task group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				row, err := a.Engine.Assignment.Assign(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printInstruction(row)
			})
		},
	}
}

func boardUnassignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unassign <task-group-id> <worker>",
		Short: "Take a worker off a task group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Assignment.Unassign(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("Unassigned %s from %s\n", args[1], args[0])
				return nil
			})
		},
	}
}

func boardBatchCmd() *cobra.Command {
	var pairs []string
	var file string
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Deploy several task groups to several workers at once",
		Long: `Plan entries are given as --plan <task-group-id>=<worker>[,<worker>...] or as a YAML
file mapping task group ids to worker lists.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := parsePlan(pairs, file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rows, err := a.Engine.Assignment.BatchDeploy(ctx, plan)
				if err != nil {
					return err
				}
				return printInstructions(rows)
			})
		},
	}
	cmd.Flags().StringArrayVar(&pairs, "plan", nil, "task-group-id=worker1,worker2 (repeatable)")
	cmd.Flags().StringVar(&file, "file", "", "YAML plan file")
	return cmd
}

func parsePlan(pairs []string, file string) (map[string][]string, error) {
	plan := map[string][]string{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &plan); err != nil {
			return nil, fmt.Errorf("invalid plan file: %w", err)
		}
	}
	for _, p := range pairs {
		group, workers, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(group) == "" {
			return nil, fmt.Errorf("invalid plan entry %q", p)
		}
		group = strings.TrimSpace(group)
		for _, w := range strings.Split(workers, ",") {
			if w = strings.TrimSpace(w); w != "" {
				plan[group] = append(plan[group], w)
			}
		}
	}
	if len(plan) == 0 {
		return nil, fmt.Errorf("--plan or --file required")
	}
	return plan, nil
}

func boardDeployedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deployed",
		Short: "List deployed task group ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ids, err := a.Engine.Board.DeployedTaskGroupIDs(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ids)
				}
				for _, id := range ids {
					fmt.Println(id)
				}
				return nil
			})
		},
	}
}

func boardColumnsCmd() *cobra.Command {
	var team string
	cmd := &cobra.Command{
		Use:   "columns",
		Short: "Show the kanban columns of a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cols, err := a.Engine.Board.Columns(ctx, team)
				if err != nil {
					return err
				}
				return printColumns(cols)
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "team filter")
	return cmd
}

func boardWatchCmd() *cobra.Command {
	var team string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reprint the kanban columns every board.poll_interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ticker := time.NewTicker(a.Config.Board.PollInterval)
				defer ticker.Stop()
				for {
					cols, err := a.Engine.Board.Columns(ctx, team)
					if err != nil {
						return err
					}
					fmt.Printf("-- %s --\n", time.Now().Format(time.Kitchen))
					if err := printColumns(cols); err != nil {
						return err
					}
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "team filter")
	return cmd
}

func boardSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark live instructions past their deadline as delayed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.Lifecycle.SweepOverdue(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"delayed": n})
				}
				fmt.Printf("Marked %d instructions delayed\n", n)
				return nil
			})
		},
	}
}

func printColumns(cols domain.BoardColumns) error {
	if viper.GetBool("json") {
		return printJSON(cols)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Before", "Doing", "After"})
	n := max(len(cols.Before), len(cols.Doing), len(cols.After))
	cell := func(rows []domain.JobInstruction, i int) string {
		if i >= len(rows) {
			return ""
		}
		j := rows[i]
		label := j.Subject
		if j.Assignee != nil {
			label += " @" + *j.Assignee
		}
		if j.Status == domain.StatusDelayed || j.Status == domain.StatusNonCompliant {
			label += " [" + string(j.Status) + "]"
		}
		return label
	}
	for i := 0; i < n; i++ {
		tw.AppendRow(table.Row{cell(cols.Before, i), cell(cols.Doing, i), cell(cols.After, i)})
	}
	tw.Render()
	return nil
}

func jobCmd() *cobra.Command {
	j := &cobra.Command{Use: "job", Short: "Work on job instructions"}
	j.AddCommand(jobCreateCmd())
	j.AddCommand(jobListCmd())
	j.AddCommand(jobShowCmd())
	j.AddCommand(jobStartCmd())
	j.AddCommand(jobCompleteCmd())
	j.AddCommand(jobRevertCmd())
	j.AddCommand(jobDelayCmd())
	j.AddCommand(jobTransitionCmd())
	j.AddCommand(jobDeleteCmd())
	return j
}

func jobCreateCmd() *cobra.Command {
	var opts engine.InstructionOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job instruction by hand",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				row, err := a.Engine.Assignment.CreateInstruction(ctx, opts)
				if err != nil {
					return err
				}
				return printInstruction(row)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Team, "team", "", "team")
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "subject")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Assignee, "assignee", "", "worker")
	cmd.Flags().StringVar(&opts.Job, "job", "", "job")
	cmd.Flags().StringVar(&opts.Workplace, "workplace", "", "workplace")
	cmd.Flags().StringVar(&opts.Deadline, "deadline", "", "deadline (RFC3339)")
	cmd.Flags().StringVar(&opts.TaskGroupID, "group", "", "task group id")
	cmd.Flags().StringVar(&opts.TemplateID, "template", "", "template id")
	return cmd
}

func jobListCmd() *cobra.Command {
	var team, status, assignee, group string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List job instructions",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.InstructionFilter{Team: team, Assignee: assignee, TaskGroupID: group, Limit: limit}
			if status != "" {
				for _, raw := range strings.Split(status, ",") {
					s, err := domain.ParseStatus(raw)
					if err != nil {
						return err
					}
					f.Statuses = append(f.Statuses, s)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rows, err := a.Engine.Board.Instructions(ctx, f)
				if err != nil {
					return err
				}
				return printInstructions(rows)
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "team filter")
	cmd.Flags().StringVar(&status, "status", "", "comma separated statuses")
	cmd.Flags().StringVar(&opts.Assignee, "assignee", "", "worker filter")
	cmd.Flags().StringVar(&group, "group", "", "task group filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func jobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <instruction-id>",
		Short: "Show a job instruction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				row, err := a.Engine.Board.Instruction(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(row)
			})
		},
	}
}

func jobStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <instruction-id>",
		Short: "Start work on an instruction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				row, err := a.Engine.Lifecycle.Start(ctx, args[0])
				if err != nil {
					return err
				}
				return printInstruction(row)
			})
		},
	}
}

func jobCompleteCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "complete <instruction-id>",
		Short: "Complete an instruction, uploading evidence first when given",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var obj *evidence.Object
			if file != "" {
				o, err := readEvidence(file)
				if err != nil {
					return err
				}
				obj = &o
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				row, err := a.Engine.Lifecycle.Complete(ctx, args[0], obj)
				if err != nil {
					return err
				}
				return printInstruction(row)
			})
		},
	}
	cmd.Flags().StringVar(&file, "evidence", "", "evidence photo path")
	return cmd
}

func jobRevertCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "revert <instruction-id>",
		Short: "Move an instruction back to in_progress or waiting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var row domain.JobInstruction
				var err error
				switch to {
				case string(domain.StatusInProgress):
					row, err = a.Engine.Lifecycle.RevertToInProgress(ctx, args[0])
				case string(domain.StatusWaiting):
					row, err = a.Engine.Lifecycle.RevertToWaiting(ctx, args[0])
				default:
					return fmt.Errorf("--to must be in_progress or waiting")
				}
				if err != nil {
					return err
				}
				return printInstruction(row)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", string(domain.StatusInProgress), "target status (in_progress|waiting)")
	return cmd
}

func jobDelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delay <instruction-id>",
		Short: "Mark a live instruction delayed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				row, err := a.Engine.Lifecycle.MarkDelayed(ctx, args[0])
				if err != nil {
					return err
				}
				return printInstruction(row)
			})
		},
	}
}

func jobTransitionCmd() *cobra.Command {
	var force bool
	var file string
	cmd := &cobra.Command{
		Use:   "transition <instruction-id> <status>",
		Short: "Move an instruction to any status the lifecycle allows",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := domain.ParseStatus(args[1])
			if err != nil {
				return err
			}
			opts := engine.TransitionOptions{Force: force}
			if file != "" {
				o, err := readEvidence(file)
				if err != nil {
					return err
				}
				opts.Evidence = &o
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				row, err := a.Engine.Lifecycle.Transition(ctx, args[0], to, opts)
				if err != nil {
					return err
				}
				return printInstruction(row)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "allow moving straight to non_compliant")
	cmd.Flags().StringVar(&file, "evidence", "", "evidence photo path when completing")
	return cmd
}

func jobDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <instruction-id>",
		Short: "Delete a job instruction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Assignment.DeleteInstruction(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted instruction %s\n", args[0])
				return nil
			})
		},
	}
}

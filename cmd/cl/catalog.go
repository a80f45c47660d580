package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"checkline/internal/app"
	"checkline/internal/domain"
	"checkline/internal/engine"
	"checkline/internal/evidence"
)

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Manage checklist templates"}
	tpl.AddCommand(templateCreateCmd())
	tpl.AddCommand(templateUpdateCmd())
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateShowCmd())
	tpl.AddCommand(templateDeleteCmd())
	tpl.AddCommand(templateImageCmd())
	return tpl
}

type templateFlags struct {
	opts engine.TemplateOptions
}

func (f *templateFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.opts.Team, "team", "", "team")
	cmd.Flags().StringVar(&f.opts.Workplace, "workplace", "", "workplace")
	cmd.Flags().StringVar(&f.opts.Job, "job", "", "job")
	cmd.Flags().StringVar(&f.opts.Situation.Time, "time", "", "situation time")
	cmd.Flags().StringVar(&f.opts.Situation.Place, "place", "", "situation place")
	cmd.Flags().StringVar(&f.opts.Situation.Occasion, "occasion", "", "situation occasion")
	cmd.Flags().StringVar(&f.opts.ChecklistTitle, "title", "", "checklist title")
	cmd.Flags().StringArrayVar(&f.opts.Items, "item", nil, "checklist item (repeatable)")
	cmd.Flags().StringVar(&f.opts.Matching.EvidenceType, "evidence-type", "", "expected evidence type")
	cmd.Flags().StringVar(&f.opts.Matching.Method, "method", "", "verification method")
	cmd.Flags().StringSliceVar(&f.opts.Matching.Tags, "tag", nil, "matching tags")
}

func templateCreateCmd() *cobra.Command {
	var f templateFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Catalog.CreateTemplate(ctx, f.opts)
				if err != nil {
					return err
				}
				return printTemplate(t)
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func templateUpdateCmd() *cobra.Command {
	var f templateFlags
	cmd := &cobra.Command{
		Use:   "update <template-id>",
		Short: "Rewrite a template header and append new items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Catalog.UpdateTemplate(ctx, args[0], f.opts)
				if err != nil {
					return err
				}
				return printTemplate(t)
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func templateListCmd() *cobra.Command {
	var team string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Catalog.ListTemplates(ctx, team)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Team", "Place", "Occasion", "Stage", "Title", "Items"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Team, t.Situation.Place, t.Situation.Occasion, t.Stage, t.ChecklistTitle, len(t.Items)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "team filter")
	return cmd
}

func templateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <template-id>",
		Short: "Show a template with its items and task groups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Catalog.GetTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				groups, err := a.Engine.Catalog.TaskGroups(ctx, t.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"template": t, "task_groups": groups})
				}
				if err := printTemplate(t); err != nil {
					return err
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Task group", "Name", "Items"})
				for _, g := range groups {
					tw.AppendRow(table.Row{g.ID, g.Name, len(g.Items)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func templateDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <template-id>",
		Short: "Delete a template with its items and task groups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Catalog.DeleteTemplate(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted template %s\n", args[0])
				return nil
			})
		},
	}
}

func templateImageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "image <item-id> <file>",
		Short: "Attach a reference image to a checklist item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			obj, err := readEvidence(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				item, err := a.Engine.Catalog.AttachItemImage(ctx, args[0], obj)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

func printTemplate(t domain.Template) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	fmt.Printf("%s  %s / %s / %s %s (%s)\n", t.ID, t.Team, t.Situation.Time, t.Situation.Place, t.Situation.Occasion, t.Stage)
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "Item", "Content", "Image"})
	for _, it := range t.Items {
		tw.AppendRow(table.Row{it.Sequence, it.ID, it.Content, deref(it.ImageURL)})
	}
	tw.Render()
	return nil
}

func readEvidence(path string) (evidence.Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return evidence.Object{}, err
	}
	return evidence.FromBytes(filepath.Base(path), http.DetectContentType(data), data), nil
}

func groupCmd() *cobra.Command {
	grp := &cobra.Command{Use: "group", Short: "Manage task groups"}
	grp.AddCommand(groupRegisterCmd())
	grp.AddCommand(groupAdHocCmd())
	grp.AddCommand(groupListCmd())
	grp.AddCommand(groupDeleteCmd())
	return grp
}

func groupRegisterCmd() *cobra.Command {
	var items []string
	var name string
	cmd := &cobra.Command{
		Use:   "register <template-id>",
		Short: "Register a task group over template items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				g, err := a.Engine.Catalog.RegisterTaskGroup(ctx, args[0], items, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringSliceVar(&items, "item", nil, "checklist item ids")
	cmd.Flags().StringVar(&name, "name", "", "task group name")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func groupAdHocCmd() *cobra.Command {
	var f templateFlags
	var name string
	cmd := &cobra.Command{
		Use:   "adhoc",
		Short: "Register a one-off template and a task group over all its items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, g, err := a.Engine.Catalog.RegisterAdHoc(ctx, f.opts, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"template": t, "task_group": g})
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&name, "name", "", "task group name")
	return cmd
}

func groupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <template-id>",
		Short: "List task groups of a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				groups, err := a.Engine.Catalog.TaskGroups(ctx, args[0])
				if err != nil {
					return err
				}
				deployed, err := a.Engine.Board.DeployedTaskGroupIDs(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(groups)
				}
				live := map[string]bool{}
				for _, id := range deployed {
					live[id] = true
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Items", "Deployed"})
				for _, g := range groups {
					tw.AppendRow(table.Row{g.ID, g.Name, len(g.Items), live[g.ID]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func groupDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-group-id>",
		Short: "Delete a task group definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Catalog.DeleteTaskGroup(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted task group %s\n", args[0])
				return nil
			})
		},
	}
}

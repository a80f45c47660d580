package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"checkline/internal/app"
	"checkline/internal/config"
	"checkline/internal/db"
	"checkline/internal/domain"
	"checkline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Checkline CLI",
	Long: `Checkline runs the Do and Check phases of hotel PDCA checklists.
Core concepts:
- Template: a checklist registered for a team in a time/place/occasion situation.
- Task group: a subset of a template's items handed out as one unit of work.
- Board: a task group is deployed while it has a waiting or in_progress row.
- Instruction: one worker's row; waiting -> in_progress -> completed, with delayed and non_compliant on the side.
- Verification: completed work is scored, then an inspector passes or fails it.
- Action plan: failed instructions waiting for corrective action.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CHECKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides checkline.yml)")
	rootCmd.PersistentFlags().String("redis-addr", "", "use the Redis override cache at this address")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("redis-addr", rootCmd.PersistentFlags().Lookup("redis-addr"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(statsCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create checkline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if viper.GetBool("json") {
					return printJSON(map[string]string{"config": path, "database": db.Path(workspace)})
				}
				fmt.Printf("Initialized %s and %s\n", path, db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var sweepEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath})
				if err != nil {
					return err
				}
				if sweepEvery > 0 {
					go sweepLoop(ctx, a, sweepEvery)
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Checkline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().DurationVar(&sweepEvery, "sweep-every", 0, "mark overdue instructions delayed at this interval (0 disables)")
	return cmd
}

func sweepLoop(ctx context.Context, a *app.App, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Engine.Lifecycle.SweepOverdue(ctx)
			if err != nil {
				log.WithError(err).Warn("overdue sweep failed")
				continue
			}
			if n > 0 {
				log.WithField("delayed", n).Info("overdue instructions marked delayed")
			}
		}
	}
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if addr := viper.GetString("redis-addr"); addr != "" {
		cfg.Overrides.Backend = "redis"
		cfg.Overrides.Redis.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a, err := app.Open(ctx, workspace, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printInstructions(rows []domain.JobInstruction) error {
	if viper.GetBool("json") {
		return printJSON(rows)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Team", "Subject", "Assignee", "Status", "Verdict", "Score"})
	for _, j := range rows {
		tw.AppendRow(table.Row{j.ID, j.Team, j.Subject, deref(j.Assignee), j.Status, verdictString(j.VerificationResult), scoreString(j.AIScore)})
	}
	tw.Render()
	return nil
}

func printInstruction(j domain.JobInstruction) error {
	if viper.GetBool("json") {
		return printJSON(j)
	}
	return printInstructions([]domain.JobInstruction{j})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func verdictString(v *domain.Verdict) string {
	if v == nil {
		return ""
	}
	return string(*v)
}

func scoreString(s *int) string {
	if s == nil {
		return ""
	}
	return fmt.Sprint(*s)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

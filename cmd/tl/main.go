package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"trunkline/internal/app"
	"trunkline/internal/finalize"
	"trunkline/internal/lease"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Trunkline workflow orchestrator",
	Long: `Trunkline drives work items from backlog to trunk.
- Backlog: ordered items with dependencies; an item is eligible once every dependency has left the backlog.
- Phases: draft -> gate (readiness) -> build -> review -> fix/deferral-review -> finalize, derived from persisted state.
- Leases: per-file exclusive ownership for workers; a contender heartbeats, waits, retries once, then stops as blocked.
- Finalize: takes the trunk-wide lock, checks the trunk is clean and not diverged, integrates, and removes the item.
- Deferrals: out-of-scope findings captured during build, turned into new items before finalize.
- Event log: every state change, view with 'tl log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRUNKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/trunkline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(nextCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(backlogCmd())
	rootCmd.AddCommand(leaseCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(deferralCmd())
	rootCmd.AddCommand(finalizeCmd())
	rootCmd.AddCommand(rebaseCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}

func initCmd() *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create trunkline.yml and the state directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, created, err := app.Init(viper.GetString("workspace"), ref)
			if err != nil {
				return err
			}
			if created {
				fmt.Println("Wrote", path)
			} else {
				fmt.Println("Config already exists:", path)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error { return nil })
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "main", "trunk ref to integrate into")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(app.Version)
		},
	}
}

// --- helpers ---

func actorID() string { return viper.GetString("actor-id") }

func withApp(cmd *cobra.Command, fn func(context.Context, *app.App) error) error {
	ctx := cmd.Context()
	a, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		ActorID:    actorID(),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// require checks the local actor against the store before a command runs.
func require(ctx context.Context, a *app.App, perm string) error {
	return a.Engine.Require(ctx, actorID(), perm)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

// printOr prints v as JSON under --json and calls render otherwise.
func printOr(v any, render func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	render()
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

// exitCode separates stalls that need an operator from ordinary failures.
func exitCode(err error) int {
	var lb *lease.BlockedError
	var fb *finalize.BlockedError
	switch {
	case errors.As(err, &lb), errors.As(err, &fb):
		return 3
	default:
		return 1
	}
}

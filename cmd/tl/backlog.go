package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"trunkline/internal/app"
	"trunkline/internal/engine"
	"trunkline/internal/engine/auth"
)

func backlogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backlog",
		Short: "Sync the backlog from an authoring file",
	}
	cmd.AddCommand(backlogImportCmd(), backlogWatchCmd())
	return cmd
}

func backlogImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Merge a backlog YAML file into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermItemWrite); err != nil {
					return err
				}
				res, err := a.Engine.ImportBacklogFile(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printOr(res, func() { printImport(res) })
			})
		},
	}
}

func backlogWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <file>",
		Short: "Re-import a backlog file whenever it changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermItemWrite); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "Watching %s (Ctrl+C to stop)\n", args[0])
				return app.WatchFile(ctx, args[0], a.Logger, func(ctx context.Context) error {
					res, err := a.Engine.ImportBacklogFile(ctx, args[0], actorID())
					if err != nil {
						fmt.Fprintln(os.Stderr, "import failed:", err)
						return err
					}
					printImport(res)
					return nil
				})
			})
		},
	}
}

func printImport(res engine.ImportResult) {
	line := func(label string, slugs []string) {
		if len(slugs) > 0 {
			fmt.Printf("%-10s %s\n", label+":", strings.Join(slugs, ", "))
		}
	}
	if len(res.Added)+len(res.Updated) == 0 {
		fmt.Println("Backlog unchanged")
	}
	line("added", res.Added)
	line("updated", res.Updated)
	line("completed", res.Completed)
}

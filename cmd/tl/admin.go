package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trunkline/internal/app"
	"trunkline/internal/domain"
	"trunkline/internal/engine/auth"
)

func jsonOutput() bool { return viper.GetBool("json") }

func stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the orchestration state",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print a full state snapshot (YAML, or JSON with --json)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermItemRead); err != nil {
					return err
				}
				st, err := a.Engine.Snapshot(ctx)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(st)
				}
				return printYAML(st)
			})
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermItemRead); err != nil {
					return err
				}
				events, err := a.Engine.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				// newest first from the store; print oldest first
				for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
					events[i], events[j] = events[j], events[i]
				}
				if !follow {
					return printOr(events, func() { renderEvents(events) })
				}
				for _, evt := range events {
					printEventLine(evt)
				}
				var cursor int64
				if len(events) > 0 {
					cursor = events[len(events)-1].ID
				} else if cursor, err = a.Engine.Repo.LatestEventID(ctx); err != nil {
					return err
				}
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					next, err := a.Engine.Repo.EventsAfter(ctx, 200, cursor)
					if err != nil {
						return err
					}
					for _, evt := range next {
						cursor = evt.ID
						if matchEvent(evt, evtType, entityKind, entityID) {
							printEventLine(evt)
						}
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	return cmd
}

func matchEvent(evt domain.Event, typ, kind, id string) bool {
	return (typ == "" || evt.Type == typ) && (kind == "" || evt.EntityKind == kind) && (id == "" || evt.EntityID == id)
}

func renderEvents(events []domain.Event) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
	for _, evt := range events {
		tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
	}
	tw.Render()
}

func printEventLine(evt domain.Event) {
	if jsonOutput() {
		_ = printJSON(evt)
		return
	}
	fmt.Printf("%s %-6s %-24s %s:%s by %s %s\n", evt.TS, strconv.FormatInt(evt.ID, 10), evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID, evt.Payload)
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "Roles, permissions and API keys",
	}
	cmd.AddCommand(rbacWhoamiCmd(), rbacGrantCmd(), rbacRevokeCmd(), apiKeyCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the local actor's roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				who, err := a.Engine.WhoAmI(ctx, actorID())
				if err != nil {
					return err
				}
				return printOr(who, func() {
					fmt.Println("actor:      ", who.ActorID)
					fmt.Println("roles:      ", strings.Join(who.Roles, ", "))
					fmt.Println("permissions:", strings.Join(who.Permissions, ", "))
				})
			})
		},
	}
}

func rbacGrantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant <actor> <role>",
		Short: "Grant a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermRBACAdmin); err != nil {
					return err
				}
				return a.Engine.GrantRole(ctx, args[0], args[1], actorID())
			})
		},
	}
}

func rbacRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <actor> <role>",
		Short: "Revoke a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermRBACAdmin); err != nil {
					return err
				}
				return a.Engine.RevokeRole(ctx, args[0], args[1], actorID())
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "apikey <actor>",
		Short: "Mint an API key for an actor; the key is shown once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermRBACAdmin); err != nil {
					return err
				}
				key, token, err := a.Engine.CreateAPIKey(ctx, args[0], name, actorID())
				if err != nil {
					return err
				}
				return printOr(map[string]any{"key": key, "token": token}, func() {
					fmt.Printf("API key %s for %s:\n%s\n", key.ID, key.ActorID, token)
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

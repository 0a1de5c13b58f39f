package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"trunkline/internal/app"
	"trunkline/internal/domain"
	"trunkline/internal/engine"
	"trunkline/internal/engine/auth"
)

func itemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Manage backlog items",
	}
	cmd.AddCommand(itemAddCmd(), itemListCmd(), itemShowCmd(), itemDependCmd(), itemReadyCmd(), itemAssessCmd())
	return cmd
}

func itemAddCmd() *cobra.Command {
	var group, desc string
	var deps []string
	cmd := &cobra.Command{
		Use:   "add <slug>",
		Short: "Append an item to the backlog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermItemWrite); err != nil {
					return err
				}
				it, err := a.Engine.AddItem(ctx, engine.AddItemOptions{
					Slug: args[0], Group: group, Description: desc, DependsOn: deps, ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				return printOr(it, func() { fmt.Println("Added", it.Slug) })
			})
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "group label")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringSliceVar(&deps, "depends-on", nil, "dependency slugs")
	return cmd
}

func itemListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backlog items with derived phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermItemRead); err != nil {
					return err
				}
				items, err := a.Engine.ListItems(ctx)
				if err != nil {
					return err
				}
				return printOr(items, func() {
					tw := newTable()
					tw.AppendHeader(table.Row{"Slug", "Group", "Phase", "Eligible", "Readiness", "Build", "Review", "Assignee", "Blocked by"})
					for _, it := range items {
						tw.AppendRow(table.Row{
							it.Slug, it.Group, it.Phase, it.Eligible, readiness(it.WorkItem),
							it.BuildStatus, it.ReviewStatus, it.AssigneeID, strings.Join(it.Blockers, ","),
						})
					}
					tw.Render()
				})
			})
		},
	}
}

func readiness(it domain.WorkItem) string {
	if it.ReadinessScore == nil {
		return string(it.ReadinessVerdict)
	}
	return fmt.Sprintf("%d %s", *it.ReadinessScore, it.ReadinessVerdict)
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <slug>",
		Short: "Show one item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermItemRead); err != nil {
					return err
				}
				it, err := a.Engine.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(it)
			})
		},
	}
}

func itemDependCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "depend <slug> <depends-on>",
		Short: "Make an item depend on another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermItemWrite); err != nil {
					return err
				}
				if _, err := a.Engine.AddDependency(ctx, args[0], args[1], actorID()); err != nil {
					return err
				}
				fmt.Printf("%s now depends on %s\n", args[0], args[1])
				return nil
			})
		},
	}
}

func itemReadyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "List items whose build may be dispatched now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermItemRead); err != nil {
					return err
				}
				ready, err := a.Engine.Ready(ctx)
				if err != nil {
					return err
				}
				return printOr(ready, func() {
					for _, s := range ready {
						fmt.Println(s)
					}
				})
			})
		},
	}
}

func itemAssessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assess <slug>",
		Short: "Score readiness with the configured command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermItemReport); err != nil {
					return err
				}
				it, err := a.Engine.Assess(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printOr(it, func() { fmt.Printf("%s: %s\n", it.Slug, readiness(it)) })
			})
		},
	}
}

func nextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next <slug>",
		Short: "Show what happens next for an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermItemRead); err != nil {
					return err
				}
				act, err := a.Engine.NextAction(ctx, args[0])
				if err != nil {
					return err
				}
				return printOr(act, func() {
					fmt.Printf("%s [%s] -> %s\n", act.Slug, act.Phase, act.Instruction)
					if len(act.Blockers) > 0 {
						fmt.Println("  waiting on:", strings.Join(act.Blockers, ", "))
					}
					if act.Wait > 0 {
						fmt.Println("  retry in:", act.Wait)
					}
					if l := act.Lease; l != nil {
						fmt.Printf("  blocked on %s: held by %s (%s) for %s, last heartbeat %s\n",
							l.Path, l.Owner, l.OwnerSlug, l.Age, l.LastHeartbeat.Format("15:04:05"))
					}
				})
			})
		},
	}
}

func reportCmd() *cobra.Command {
	var r engine.Report
	var score int
	var phase, result, verdict string
	cmd := &cobra.Command{
		Use:   "report <slug>",
		Short: "Report a phase outcome",
		Example: `  tl report parser --phase gate --result assessed --score 8 --verdict pass
  tl report parser --phase build --result started --owner w1 --base abc123
  tl report parser --phase build --result complete --owner w1 --paths src/parser.go
  tl report parser --phase review --result changes_requested`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r.Slug = args[0]
			r.Phase = domain.Phase(phase)
			r.Result = engine.Result(result)
			r.Verdict = domain.Verdict(verdict)
			r.ActorID = actorID()
			if cmd.Flags().Changed("score") {
				r.Score = &score
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermItemReport); err != nil {
					return err
				}
				it, err := a.Engine.ReportOutcome(ctx, r)
				if err != nil {
					return err
				}
				return printOr(it, func() { fmt.Printf("%s recorded %s/%s\n", it.Slug, phase, result) })
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "gate|build|fix|review")
	cmd.Flags().StringVar(&result, "result", "", "assessed|started|complete|failed|approved|changes_requested")
	cmd.Flags().StringVar(&r.Owner, "owner", "", "worker id for build and fix")
	cmd.Flags().StringVar(&r.Base, "base", "", "trunk commit the build started from")
	cmd.Flags().StringSliceVar(&r.Paths, "paths", nil, "paths the build touched")
	cmd.Flags().IntVar(&score, "score", 0, "readiness score 0-10")
	cmd.Flags().StringVar(&verdict, "verdict", "", "pass|needs_work|needs_decision")
	cmd.Flags().StringSliceVar(&r.Issues, "issue", nil, "readiness issue (repeatable)")
	_ = cmd.MarkFlagRequired("phase")
	_ = cmd.MarkFlagRequired("result")
	return cmd
}

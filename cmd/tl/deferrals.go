package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"trunkline/internal/app"
	"trunkline/internal/domain"
	"trunkline/internal/engine/auth"
	"trunkline/internal/finalize"
)

func deferralCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deferral",
		Short: "Out-of-scope work found while building",
	}
	cmd.AddCommand(deferralAddCmd(), deferralListCmd(), deferralProcessCmd())
	return cmd
}

func deferralAddCmd() *cobra.Command {
	var d domain.Deferral
	var outcome string
	cmd := &cobra.Command{
		Use:   "add <slug> <title>",
		Short: "Defer work discovered during build or fix",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d.Title = args[1]
			d.SuggestedOutcome = domain.SuggestedOutcome(outcome)
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermDeferralSubmit); err != nil {
					return err
				}
				saved, err := a.Engine.SubmitDeferral(ctx, args[0], d, actorID())
				if err != nil {
					return err
				}
				return printOr(saved, func() { fmt.Printf("deferred %q from %s (%s)\n", saved.Title, saved.OriginSlug, saved.ID) })
			})
		},
	}
	cmd.Flags().StringVar(&d.Reason, "reason", "", "why it is out of scope")
	cmd.Flags().StringVar(&d.DecisionNeeded, "decision", "", "decision the follow-up needs")
	cmd.Flags().StringVar(&outcome, "outcome", string(domain.OutcomeNewTodo), "NEW_TODO|NOOP")
	return cmd
}

func deferralListCmd() *cobra.Command {
	var pending bool
	cmd := &cobra.Command{
		Use:   "list <slug>",
		Short: "List an item's deferrals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermItemRead); err != nil {
					return err
				}
				ds, err := a.Engine.ListDeferrals(ctx, args[0], pending)
				if err != nil {
					return err
				}
				return printOr(ds, func() {
					tw := newTable()
					tw.AppendHeader(table.Row{"ID", "Title", "Outcome", "Created", "Consumed", "New item"})
					for _, d := range ds {
						consumed := ""
						if d.ConsumedAt != nil {
							consumed = *d.ConsumedAt
						}
						tw.AppendRow(table.Row{d.ID, d.Title, d.SuggestedOutcome, d.CreatedAt, consumed, d.CreatedSlug})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "only unprocessed deferrals")
	return cmd
}

func deferralProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process <slug>",
		Short: "Turn an approved item's pending deferrals into backlog items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermDeferralProcess); err != nil {
					return err
				}
				created, err := a.Engine.ProcessDeferrals(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printOr(created, func() {
					for _, it := range created {
						fmt.Println("created", it.Slug)
					}
					fmt.Printf("%d item(s) created\n", len(created))
				})
			})
		},
	}
}

func finalizeCmd() *cobra.Command {
	var clearBlock bool
	cmd := &cobra.Command{
		Use:   "finalize <slug>",
		Short: "Integrate an approved item into trunk and remove it from the backlog",
		Long: `Integrate an approved item into trunk and remove it from the backlog.
A blocked finalize is recorded and answered again until an operator runs
"tl finalize --clear <slug>" or "tl rebase <slug>".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if clearBlock {
					if err := require(ctx, a, auth.PermFinalizeAdmin); err != nil {
						return err
					}
					b, err := a.Engine.ClearFinalizeBlock(ctx, args[0], actorID())
					if err != nil {
						return err
					}
					return printOr(b, func() { fmt.Printf("cleared %s block on %s (attempt %s)\n", b.Code, b.Slug, b.AttemptID) })
				}
				if err := require(ctx, a, auth.PermFinalizeRun); err != nil {
					return err
				}
				res, err := a.Engine.Finalize(ctx, args[0], actorID())
				var blocked *finalize.BlockedError
				if errors.As(err, &blocked) && !jsonOutput() {
					fmt.Printf("finalize blocked [%s]\n", blocked.Code)
					for _, p := range blocked.DirtyPaths {
						fmt.Println("  dirty:", p)
					}
					for _, p := range blocked.ChangedPaths {
						fmt.Println("  changed on trunk:", p)
					}
					if blocked.Detail != "" {
						fmt.Println(" ", blocked.Detail)
					}
				}
				if err != nil {
					return err
				}
				return printOr(res, func() {
					fmt.Printf("finalized %s (attempt %s), released %d lease(s)\n", res.Slug, res.AttemptID, res.Released)
					for _, s := range res.Unblocked {
						fmt.Println("  now eligible:", s)
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&clearBlock, "clear", false, "operator: clear the recorded finalize block instead")
	return cmd
}

func rebaseCmd() *cobra.Command {
	var base string
	cmd := &cobra.Command{
		Use:   "rebase <slug>",
		Short: "Operator: move an item's integration base and clear its finalize block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermFinalizeAdmin); err != nil {
					return err
				}
				res, err := a.Engine.Rebase(ctx, args[0], base, actorID())
				if err != nil {
					return err
				}
				return printOr(res, func() {
					fmt.Printf("rebased %s: %s -> %s\n", args[0], res.Previous, res.Base)
					for _, p := range res.Overlap {
						fmt.Println("  trunk also changed:", p)
					}
					if res.Cleared {
						fmt.Println("  finalize block cleared")
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "new integration base (default trunk head)")
	return cmd
}

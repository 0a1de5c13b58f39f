package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"trunkline/internal/app"
	"trunkline/internal/domain"
	"trunkline/internal/engine/auth"
	"trunkline/internal/lease"
	"trunkline/internal/repo"
)

func leaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "File leases held by workers",
	}
	cmd.AddCommand(leaseAcquireCmd(), leaseHeartbeatCmd(), leaseReleaseCmd(), leaseEndCmd(),
		leaseListCmd(), leaseSweepCmd(), leaseUnblockCmd())
	return cmd
}

func leaseAcquireCmd() *cobra.Command {
	var owner, slug string
	cmd := &cobra.Command{
		Use:   "acquire <path>",
		Short: "Acquire a file lease and print the protocol step to take",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermLeaseWrite); err != nil {
					return err
				}
				res, err := a.Engine.AcquireLease(ctx, lease.Request{Path: args[0], OwnerID: ownerOr(owner), Slug: slug})
				advice := lease.Advise(res, err)
				var blocked *lease.BlockedError
				if err != nil && !errors.As(err, &blocked) {
					return err
				}
				out := struct {
					Result lease.Result `json:"result"`
					Advice lease.Advice `json:"advice"`
				}{res, advice}
				if perr := printOr(out, func() {
					switch {
					case blocked != nil:
						fmt.Println("BLOCKED:", blocked.Error())
						fmt.Println("Operator action needed: tl lease unblock", blocked.Path)
					case res.Decision == lease.Granted:
						fmt.Printf("granted %s to %s\n", res.Lease.Path, res.Lease.OwnerID)
						if res.Reclaimed != nil {
							fmt.Printf("  reclaimed from %s (%s)\n", res.Reclaimed.OwnerID, res.Reclaimed.Reason)
						}
					default:
						fmt.Printf("denied: held by %s for %s; %s, retry in %s\n",
							res.Owner, res.Age.Round(time.Second), advice.Action, advice.Wait.Round(time.Second))
					}
				}); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "worker id (default --actor-id)")
	cmd.Flags().StringVar(&slug, "slug", "", "item the worker is building")
	return cmd
}

func ownerOr(owner string) string {
	if owner != "" {
		return owner
	}
	return actorID()
}

func leaseHeartbeatCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "heartbeat <path>",
		Short: "Refresh a held lease or a pending contention",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermLeaseWrite); err != nil {
					return err
				}
				ok, err := a.Engine.Heartbeat(ctx, args[0], ownerOr(owner))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(os.Stderr, "heartbeat ignored: nothing held or contended")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "worker id (default --actor-id)")
	return cmd
}

func leaseReleaseCmd() *cobra.Command {
	var owner, reason string
	cmd := &cobra.Command{
		Use:   "release <path>",
		Short: "Release a held lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermLeaseWrite); err != nil {
					return err
				}
				rel, err := a.Engine.ReleaseLease(ctx, args[0], ownerOr(owner), domain.ReleaseReason(reason))
				if err != nil {
					return err
				}
				return printOr(rel, func() { fmt.Printf("released %s after %s (%s)\n", rel.Path, rel.HeldFor.Round(time.Second), rel.Reason) })
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "worker id (default --actor-id)")
	cmd.Flags().StringVar(&reason, "reason", string(domain.ReleaseEnd), "commit|failure|end")
	return cmd
}

func leaseEndCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "end <path>",
		Short: "Signal the owner is done with a path; the idle window starts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermLeaseWrite); err != nil {
					return err
				}
				_, err := a.Engine.EndWork(ctx, args[0], ownerOr(owner))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "worker id (default --actor-id)")
	return cmd
}

func leaseListCmd() *cobra.Command {
	var f repo.LeaseFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermItemRead); err != nil {
					return err
				}
				ls, err := a.Engine.ListLeases(ctx, f)
				if err != nil {
					return err
				}
				return printOr(ls, func() {
					now := time.Now()
					tw := newTable()
					tw.AppendHeader(table.Row{"Path", "State", "Owner", "Item", "Held", "Heartbeat", "Contenders"})
					for _, l := range ls {
						held, beat := "", ""
						if l.Held() {
							held = now.Sub(l.AcquiredAt).Round(time.Second).String()
							beat = now.Sub(l.LastHeartbeatAt).Round(time.Second).String() + " ago"
						}
						tw.AppendRow(table.Row{l.Path, l.State, l.OwnerID, l.Slug, held, beat, len(l.Contenders)})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "filter by owner")
	cmd.Flags().StringVar(&f.Slug, "slug", "", "filter by item")
	cmd.Flags().BoolVar(&f.HeldOnly, "held", false, "only held leases")
	return cmd
}

func leaseSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Release idle and dead-owner leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermLeaseAdmin); err != nil {
					return err
				}
				rels, err := a.Engine.SweepIdle(ctx)
				if err != nil {
					return err
				}
				return printOr(rels, func() {
					for _, r := range rels {
						fmt.Printf("released %s from %s (%s)\n", r.Path, r.OwnerID, r.Reason)
					}
					fmt.Printf("%d lease(s) released\n", len(rels))
				})
			})
		},
	}
}

func leaseUnblockCmd() *cobra.Command {
	var contender string
	cmd := &cobra.Command{
		Use:   "unblock <path>",
		Short: "Operator: clear a blocked contention so the contender may retry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermLeaseAdmin); err != nil {
					return err
				}
				_, err := a.Engine.Unblock(ctx, args[0], contender, actorID())
				return err
			})
		},
	}
	cmd.Flags().StringVar(&contender, "contender", "", "only this contender (default all blocked)")
	return cmd
}

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Worker registry used for liveness checks",
	}
	var pid int
	var host string
	register := &cobra.Command{
		Use:   "register <id>",
		Short: "Register a worker process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := require(ctx, a, auth.PermLeaseWrite); err != nil {
					return err
				}
				if host == "" {
					host, _ = os.Hostname()
				}
				w, err := a.Engine.RegisterWorker(ctx, domain.Worker{ID: args[0], PID: pid, Host: host})
				if err != nil {
					return err
				}
				return printOr(w, func() { fmt.Printf("registered %s (pid %d on %s)\n", w.ID, w.PID, w.Host) })
			})
		},
	}
	register.Flags().IntVar(&pid, "pid", 0, "worker process id")
	register.Flags().StringVar(&host, "host", "", "worker host (default this host)")
	cmd.AddCommand(register)
	return cmd
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyberlearn/labmanager/internal/audit"
	"github.com/cyberlearn/labmanager/internal/config"
	"github.com/cyberlearn/labmanager/internal/reconcile"
)

var reconcileOpts reconcile.Options

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Remove orphaned lab containers and report records whose container is gone",
	Args:  cobra.NoArgs,
	RunE:  runReconcile,
}

func init() {
	f := reconcileCmd.Flags()
	f.BoolVar(&reconcileOpts.DryRun, "dry-run", false, "report drift without changing anything")
	f.BoolVar(&reconcileOpts.ExpireDangling, "expire-dangling", false, "mark active records with no container as expired")
	f.DurationVar(&reconcileOpts.MinAge, "min-age", 10*time.Minute, "ignore containers younger than this")
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	cfg := config.FromEnv()
	initLogger(cfg)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	sealer, err := openSealer(cfg)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg, sealer)
	if err != nil {
		return err
	}
	defer st.close()

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	report, err := reconcile.New(rt, st.repo, audit.NewSlogLogger()).Run(ctx, reconcileOpts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, inst := range report.Orphans {
		fmt.Fprintf(out, "orphan   %s  %s\n", shortID(inst.ID), inst.Name)
	}
	for _, env := range report.Dangling {
		fmt.Fprintf(out, "dangling %s  owner=%s container=%s\n", env.ID, env.UserID, shortID(env.ContainerID))
	}
	fmt.Fprintf(out, "orphans=%d removed=%d dangling=%d expired=%d failed=%d skipped_young=%d dry_run=%t\n",
		len(report.Orphans), report.Removed, len(report.Dangling), report.Expired, report.Failed,
		report.SkippedTooYoung, reconcileOpts.DryRun)
	if report.Failed > 0 {
		return fmt.Errorf("%d reconcile actions failed", report.Failed)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

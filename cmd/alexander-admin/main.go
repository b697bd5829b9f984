// Package main is the Alexander uploads administration tool.
// It operates on the same database and object store as the server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/prn-tf/alexander-uploads/internal/app"
	"github.com/prn-tf/alexander-uploads/internal/config"
	"github.com/prn-tf/alexander-uploads/internal/logging"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	ownerID    string
	dryRun     bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "alexander-admin",
		Short: "Administer Alexander upload tasks",
		Long: `Administer Alexander upload tasks.

Examples:
  # Retire expired tasks and purge old ones once
  alexander-admin sweep --dry-run

  # Inspect a task
  alexander-admin task status 7c1e... --owner alice

  # Count live uploads of an owner
  alexander-admin guard count alice`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(newSweepCmd(), newTaskCmd(), newGuardCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Alexander Uploads Admin Tool\nVersion: %s\nBuild Time: %s\nGit Commit: %s\n",
				Version, BuildTime, GitCommit)
		},
	}
}

func newSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the expiry sweeper once",
		RunE:  runSweep,
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would change without changing it")
	return cmd
}

func newTaskCmd() *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect or cancel upload tasks",
	}
	taskCmd.PersistentFlags().StringVar(&ownerID, "owner", "", "owner of the task")
	_ = taskCmd.MarkPersistentFlagRequired("owner")

	// Show task progress
	taskCmd.AddCommand(&cobra.Command{
		Use:   "status <task-id>",
		Short: "Show the state and progress of a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskStatus,
	})

	// Cancel task
	taskCmd.AddCommand(&cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel an in-progress task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskCancel,
	})

	return taskCmd
}

func newGuardCmd() *cobra.Command {
	guardCmd := &cobra.Command{
		Use:   "guard",
		Short: "Inspect the per-owner concurrency guard",
	}
	guardCmd.AddCommand(&cobra.Command{
		Use:   "count <owner>",
		Short: "Count live upload slots held by an owner",
		Args:  cobra.ExactArgs(1),
		RunE:  runGuardCount,
	})
	return guardCmd
}

// open loads configuration and wires the application.
func open(ctx context.Context) (*app.App, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	if dryRun {
		cfg.Sweeper.DryRun = true
	}

	logger, _, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, logger, err
	}
	return a, logger, nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	a, _, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	result := a.Sweeper.RunOnce(cmd.Context())

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EXPIRED\tPURGED\tSKIPPED\tERRORS\tDURATION")
	fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%s\n", result.Expired, result.Purged, result.Skipped, result.Errors, result.Duration.Round(time.Millisecond))
	if err := w.Flush(); err != nil {
		return err
	}

	if result.Errors > 0 {
		return fmt.Errorf("sweep finished with %d errors, see log", result.Errors)
	}
	return nil
}

func runTaskStatus(cmd *cobra.Command, args []string) error {
	taskID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid task id %q: %w", args[0], err)
	}

	a, _, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.Uploads.GetTaskStatus(cmd.Context(), taskID, ownerID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Task:\t%s\n", st.TaskID)
	fmt.Fprintf(w, "State:\t%s\n", st.Status)
	fmt.Fprintf(w, "Progress:\t%d/%d (%d%%)\n", st.CompletedChunks, st.TotalChunks, st.ProgressPercent)
	fmt.Fprintf(w, "Expires:\t%s\n", st.TaskExpiresAt.Format(time.RFC3339))
	if len(st.MissingChunks) > 0 {
		fmt.Fprintf(w, "Missing:\t%v\n", st.MissingChunks)
	}
	if st.FileID != nil {
		fmt.Fprintf(w, "File:\t%s\n", st.FileID)
	}
	if st.FailureReason != "" {
		fmt.Fprintf(w, "Failure:\t%s\n", st.FailureReason)
	}
	return w.Flush()
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	taskID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid task id %q: %w", args[0], err)
	}

	a, logger, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Uploads.CancelUpload(cmd.Context(), taskID, ownerID); err != nil {
		return err
	}
	logger.Info().Str("task_id", taskID.String()).Msg("task cancelled")
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled task %s\n", taskID)
	return nil
}

func runGuardCount(cmd *cobra.Command, args []string) error {
	a, _, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.Repos.Guard.Count(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s holds %d of %d upload slots\n", args[0], n, a.Config.Upload.MaxConcurrentUploads)
	return nil
}

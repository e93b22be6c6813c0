package tempora

import (
	"fmt"
	"maps"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/soundprediction/tempora/pkg/checkpoint"
	"github.com/spf13/cobra"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and clean ingestion checkpoints",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingestion checkpoints with their progress",
	Args:  cobra.NoArgs,
	RunE:  runCheckpointsList,
}

var checkpointsShowCmd = &cobra.Command{
	Use:   "show BATCH_ID",
	Short: "Print one checkpoint in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointsShow,
}

var checkpointsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete checkpoints older than --max-age",
	Args:  cobra.NoArgs,
	RunE:  runCheckpointsClean,
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(checkpointsListCmd, checkpointsShowCmd, checkpointsCleanCmd)

	checkpointsCmd.PersistentFlags().String("checkpoint-dir", "", "Checkpoint directory (default from config)")
	checkpointsListCmd.Flags().Duration("stalled-after", time.Hour, "Report in-progress batches idle for longer than this as stalled")
	checkpointsListCmd.Flags().Int("max-attempts", 3, "Attempts after which a failed batch is no longer retried")
	checkpointsListCmd.Flags().Bool("stalled", false, "Only list stalled batches")
	checkpointsCleanCmd.Flags().Duration("max-age", 7*24*time.Hour, "Delete checkpoints last updated before this age")
}

func checkpointManager(cmd *cobra.Command) (*checkpoint.Manager, *runtime, error) {
	rt, err := newRuntime(cmd)
	if err != nil {
		return nil, nil, err
	}
	dir := rt.cfg.Checkpoint.Dir
	if cmd.Flags().Changed("checkpoint-dir") {
		dir, _ = cmd.Flags().GetString("checkpoint-dir")
	}
	m, err := checkpoint.NewManager(dir)
	if err != nil {
		_ = rt.Close()
		return nil, nil, err
	}
	return m, rt, nil
}

func runCheckpointsList(cmd *cobra.Command, args []string) error {
	m, rt, err := checkpointManager(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	stalledAfter, _ := cmd.Flags().GetDuration("stalled-after")
	maxAttempts, _ := cmd.Flags().GetInt("max-attempts")

	var all []*checkpoint.BatchCheckpoint
	if onlyStalled, _ := cmd.Flags().GetBool("stalled"); onlyStalled {
		all, err = m.FindStalled(cmd.Context(), stalledAfter)
	} else {
		all, err = m.List(cmd.Context())
	}
	if err != nil {
		return err
	}
	stats, err := m.GetStatistics(cmd.Context(), maxAttempts, stalledAfter)
	if err != nil {
		return err
	}

	now := time.Now()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tSTATUS\tOFFSET\tACCEPTED\tREJECTED\tATTEMPTS\tUPDATED\tSOURCE")
	for _, cp := range all {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			cp.BatchID, cp.Status(maxAttempts, stalledAfter, now), cp.Offset, cp.Accepted, cp.Rejected,
			cp.AttemptCount, cp.LastUpdatedAt.Format(time.RFC3339), cp.Source)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d checkpoints: %d completed, %d in progress, %d failed, %d stalled, %d records\n",
		stats.Total, stats.Completed, stats.InProgress, stats.Failed, stats.Stalled, stats.Records)
	return nil
}

func runCheckpointsShow(cmd *cobra.Command, args []string) error {
	m, rt, err := checkpointManager(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	cp, err := m.Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("no checkpoint for batch %s in %s", args[0], m.Dir())
	}
	fmt.Fprint(cmd.OutOrStdout(), cp.Summary())
	for _, index := range slices.Sorted(maps.Keys(cp.Rejections)) {
		fmt.Fprintf(cmd.OutOrStdout(), "  record %d: %s\n", index, cp.Rejections[index])
	}
	return nil
}

func runCheckpointsClean(cmd *cobra.Command, args []string) error {
	m, rt, err := checkpointManager(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	maxAge, _ := cmd.Flags().GetDuration("max-age")
	n, err := m.CleanOld(cmd.Context(), maxAge)
	if err != nil {
		return err
	}
	rt.logger.Info("Checkpoints cleaned", "deleted", n, "max_age", maxAge)
	return nil
}

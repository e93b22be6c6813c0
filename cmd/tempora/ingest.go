package tempora

import (
	"fmt"

	"github.com/soundprediction/tempora/pkg/checkpoint"
	"github.com/soundprediction/tempora/pkg/ingest"
	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest FILE...",
	Short: "Ingest entity and relationship candidates from files",
	Long: `Ingest candidate records produced by an upstream extraction pipeline.

Each file holds one record per line (JSON Lines) or a YAML list. A record is
either {"kind":"entity","entity":{...}} or
{"kind":"relationship","relationship":{...}}. Records are applied in file
order. Progress is checkpointed, so an interrupted run resumes where it
stopped unless --restart is given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().Bool("restart", false, "Ignore existing checkpoints and start from the first record")
	ingestCmd.Flags().Int("checkpoint-interval", 0, "Records between checkpoint saves (default from config)")
	ingestCmd.Flags().String("checkpoint-dir", "", "Checkpoint directory (default from config)")
}

func runIngest(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cmd.Flags().Changed("checkpoint-dir") {
		rt.cfg.Checkpoint.Dir, _ = cmd.Flags().GetString("checkpoint-dir")
	}
	if cmd.Flags().Changed("checkpoint-interval") {
		rt.cfg.Checkpoint.Interval, _ = cmd.Flags().GetInt("checkpoint-interval")
	}
	restart, _ := cmd.Flags().GetBool("restart")

	checkpoints, err := checkpoint.NewManager(rt.cfg.Checkpoint.Dir)
	if err != nil {
		return err
	}
	if err := rt.open(cmd.Context()); err != nil {
		return err
	}

	ingester := ingest.NewIngester(rt.client, ingest.Options{
		Checkpoints: checkpoints,
		Interval:    rt.cfg.Checkpoint.Interval,
		Restart:     restart,
		Logger:      rt.logger,
	})

	out := cmd.OutOrStdout()
	for _, path := range args {
		res, err := ingester.IngestFile(cmd.Context(), path)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		resumed := ""
		if res.Resumed {
			resumed = fmt.Sprintf(" (resumed, %d skipped)", res.Skipped)
		}
		fmt.Fprintf(out, "%s: %d records, %d accepted, %d rejected%s\n",
			path, res.Total, res.Accepted, res.Rejected, resumed)
	}
	return nil
}

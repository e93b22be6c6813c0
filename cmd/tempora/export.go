package tempora

import (
	"fmt"
	"path/filepath"

	"github.com/soundprediction/tempora/pkg/export"
	"github.com/soundprediction/tempora/pkg/query"
	"github.com/soundprediction/tempora/pkg/server/dto"
	"github.com/soundprediction/tempora/pkg/types"
	"github.com/soundprediction/tempora/pkg/utils"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a point-in-time snapshot to Parquet",
	Long: `Write the graph as it stood at --at into two Parquet files,
entities.parquet and relationships.parquet, under --out.`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().String("at", "", "Snapshot instant (RFC3339 or YYYY-MM-DD, default now)")
	exportCmd.Flags().String("out", "", "Output directory (default ./snapshot-<date>)")
	exportCmd.Flags().StringSlice("entity-types", nil, "Only export these entity types")
	exportCmd.Flags().StringSlice("relationship-types", nil, "Only export these relationship types")
	exportCmd.Flags().Bool("include-inactive", false, "Include relationships closed before the instant")
	exportCmd.Flags().Int("batch-size", 0, "Rows per Parquet write")
}

func runExport(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.open(cmd.Context()); err != nil {
		return err
	}

	at := rt.client.Now()
	if s, _ := cmd.Flags().GetString("at"); s != "" {
		if at, err = utils.ParseTime(s); err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
	}

	opts := query.SnapshotOptions{}
	entityTypes, _ := cmd.Flags().GetStringSlice("entity-types")
	opts.EntityTypes = dto.SplitList(entityTypes)
	relTypes, _ := cmd.Flags().GetStringSlice("relationship-types")
	for _, name := range dto.SplitList(relTypes) {
		t, err := types.ParseRelationshipType(name)
		if err != nil {
			return err
		}
		opts.RelationshipTypes = append(opts.RelationshipTypes, t)
	}
	opts.IncludeInactive, _ = cmd.Flags().GetBool("include-inactive")

	dir, _ := cmd.Flags().GetString("out")
	if dir == "" {
		dir = filepath.Join(".", "snapshot-"+at.Format("2006-01-02"))
	}
	batchSize, _ := cmd.Flags().GetInt("batch-size")

	summary, err := export.NewSnapshotWriter(rt.client, batchSize, rt.logger).Export(cmd.Context(), at, opts, dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "snapshot at %s: %d entities -> %s, %d relationships -> %s\n",
		summary.At.Format("2006-01-02T15:04:05Z07:00"), summary.Entities, summary.EntitiesPath,
		summary.Relationships, summary.RelationshipsPath)
	return nil
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/krau/tumorlens/history"
	"github.com/spf13/cobra"
)

func newHistoryCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or clear the prediction history",
	}
	cmd.AddCommand(newHistoryListCmd(cfgPath))
	cmd.AddCommand(newHistoryClearCmd(cfgPath))
	return cmd
}

func newHistoryListCmd(cfgPath *string) *cobra.Command {
	var jsonOutput bool
	var limit int

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List past predictions, newest first",
		Example: `  tumorlens history list
  tumorlens history ls --limit 10
  tumorlens history list --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer store.Close()
			return runHistoryList(cmd.Context(), cmd.OutOrStdout(), store, jsonOutput, limit)
		},
	}
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most n records (0 for all)")
	return cmd
}

func newHistoryClearCmd(cfgPath *string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every prediction and every stored image",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear history without --yes")
			}
			store, err := openHistory(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer store.Close()
			return runHistoryClear(cmd.Context(), cmd.OutOrStdout(), store)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm deletion")
	return cmd
}

type historyStore interface {
	List(ctx context.Context) ([]history.Record, error)
	Clear(ctx context.Context) (history.ClearResult, error)
}

func openHistory(ctx context.Context, cfgPath string) (*history.Store, error) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	return history.Open(ctx, history.Options{
		DBPath:       cfg.DBPath,
		ImageDir:     cfg.HistoryDir,
		ModelVersion: cfg.ModelVersion,
	})
}

func runHistoryList(ctx context.Context, out io.Writer, store historyStore, jsonOutput bool, limit int) error {
	records, err := store.List(ctx)
	if err != nil {
		return err
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	if len(records) == 0 {
		fmt.Fprintln(out, "No predictions recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tPREDICTION\tCONFIDENCE\tMODEL\tIMAGE")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.2f%%\t%s\t%s\n",
			r.ID, r.Timestamp.Local().Format("2006-01-02 15:04:05"), r.Prediction, r.Confidence*100, r.ModelVersion, r.ImageFilename)
	}
	return tw.Flush()
}

func runHistoryClear(ctx context.Context, out io.Writer, store historyStore) error {
	res, err := store.Clear(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Deleted %d predictions and %d images.\n", res.Rows, res.Files)
	return nil
}

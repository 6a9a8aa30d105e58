package main

import (
	"fmt"
	"io"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"papertrail/internal/api"
	"papertrail/internal/domain"
	"papertrail/internal/infrastructure/storage"
)

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var (
		limit    int
		jsonFlag bool
	)

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recent runs or show one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			// no process lock: listing is safe next to a serving process
			repo, err := storage.Open(cfg.Database.Driver, cfg.Database.Source())
			if err != nil {
				return err
			}
			defer repo.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := repo.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonFlag {
					return writeJSON(out, api.NewRunView(run))
				}
				printRun(out, run)
				return nil
			}

			runs, err := repo.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonFlag {
				views := make([]api.RunView, 0, len(runs))
				for _, run := range runs {
					views = append(views, api.NewRunView(run))
				}
				return writeJSON(out, views)
			}
			printRuns(out, runs)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to list")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "Output JSON")
	return cmd
}

func printRuns(w io.Writer, runs []domain.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs yet")
		return
	}
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, []string{
			run.ID,
			string(run.Kind),
			string(run.State),
			formatTime(run.AsOf),
			strconv.Itoa(run.Skipped()),
			formatTime(run.FinishedAt),
		})
	}
	headers := []string{"ID", "Kind", "State", "As of", "Skipped", "Finished"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft}
	fmt.Fprintln(w, renderTable(headers, rows, aligns))
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

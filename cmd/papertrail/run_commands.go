package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"papertrail/internal/app"
	"papertrail/internal/domain"
	"papertrail/internal/usecase"
)

type runOptions struct {
	topics   []string
	lookback time.Duration
	asOf     string
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline once",
		Long: "Run the full pipeline for the given topics (all configured topics by default).\n" +
			"Runs are keyed by schedule slot, so repeating the command resumes or returns the same run.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asOf, err := parseAsOf(opts.asOf)
			if err != nil {
				return err
			}
			return withPipeline(cmd, ctx, func(p *usecase.Pipeline) (domain.Run, error) {
				return p.RunFull(cmd.Context(), opts.topics, opts.lookback, asOf)
			})
		},
	}

	cmd.Flags().StringSliceVarP(&opts.topics, "topic", "t", nil, "Topic to include (repeatable)")
	cmd.Flags().DurationVar(&opts.lookback, "lookback", 0, "Publication lookback window (defaults to feed.lookback)")
	cmd.Flags().StringVar(&opts.asOf, "as-of", "", "Run as of an RFC3339 time instead of now")
	return cmd
}

func newRunTopicCommand(ctx *commandContext) *cobra.Command {
	var asOfFlag string

	cmd := &cobra.Command{
		Use:   "run-topic <topic>",
		Short: "Run the pipeline for a single topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asOf, err := parseAsOf(asOfFlag)
			if err != nil {
				return err
			}
			return withPipeline(cmd, ctx, func(p *usecase.Pipeline) (domain.Run, error) {
				return p.RunTopic(cmd.Context(), args[0], asOf)
			})
		},
	}

	cmd.Flags().StringVar(&asOfFlag, "as-of", "", "Run as of an RFC3339 time instead of now")
	return cmd
}

func withPipeline(cmd *cobra.Command, ctx *commandContext, execute func(*usecase.Pipeline) (domain.Run, error)) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	application, err := app.New(cmd.Context(), cfg, ctx.logger())
	if err != nil {
		return err
	}
	defer application.Close()

	run, err := execute(application.Pipeline())
	if run.ID != "" {
		printRun(cmd.OutOrStdout(), run)
	}
	return err
}

func parseAsOf(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --as-of %q: %w", raw, err)
	}
	return t, nil
}

func printRun(w io.Writer, run domain.Run) {
	rows := [][]string{
		{"ID", run.ID},
		{"Kind", string(run.Kind)},
		{"Topics", strings.Join(run.Topics, ", ")},
		{"As of", formatTime(run.AsOf)},
		{"State", string(run.State)},
		{"Skipped", strconv.Itoa(run.Skipped())},
	}
	if run.Error != "" {
		rows = append(rows, []string{"Error", run.Error})
	}
	for _, stage := range domain.Stages {
		if ids := run.Manifest[stage]; len(ids) > 0 {
			rows = append(rows, []string{"Skipped in " + string(stage), strings.Join(ids, ", ")})
		}
	}
	fmt.Fprintln(w, renderTable([]string{"Field", "Value"}, rows, nil))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"papertrail/internal/app"
	"papertrail/internal/infrastructure/storage"
	"papertrail/internal/usecase"
)

// openCatalog opens the configured store read-side. The caller closes the returned closer.
func openCatalog(ctx *commandContext) (*usecase.Catalog, io.Closer, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	repo, err := storage.Open(cfg.Database.Driver, cfg.Database.Source())
	if err != nil {
		return nil, nil, err
	}
	embedder := app.NewEmbedder(cfg.Embedding, ctx.logger())
	return usecase.NewCatalog(repo, embedder, cfg, nil), repo, nil
}

func newTrendingCommand(ctx *commandContext) *cobra.Command {
	var (
		limit    int
		jsonFlag bool
	)

	cmd := &cobra.Command{
		Use:   "trending <run-id>",
		Short: "List the hottest papers of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, closer, err := openCatalog(ctx)
			if err != nil {
				return err
			}
			defer closer.Close()

			papers, err := catalog.Trending(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if jsonFlag {
				return writeJSON(cmd.OutOrStdout(), papers)
			}
			printTrending(cmd.OutOrStdout(), papers)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of papers (default from config)")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "Output JSON")
	return cmd
}

func newSimilarCommand(ctx *commandContext) *cobra.Command {
	var (
		limit    int
		jsonFlag bool
	)

	cmd := &cobra.Command{
		Use:   "similar <paper-id>",
		Short: "List recent papers closest to a stored paper",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, closer, err := openCatalog(ctx)
			if err != nil {
				return err
			}
			defer closer.Close()

			papers, err := catalog.Similar(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if jsonFlag {
				return writeJSON(cmd.OutOrStdout(), papers)
			}
			printSimilar(cmd.OutOrStdout(), papers)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of papers (default from config)")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "Output JSON")
	return cmd
}

func printTrending(w io.Writer, papers []usecase.TrendingPaper) {
	if len(papers) == 0 {
		fmt.Fprintln(w, "No trending papers")
		return
	}
	rows := make([][]string, 0, len(papers))
	for _, p := range papers {
		rows = append(rows, []string{
			p.Paper.ID,
			truncate(p.Paper.Title, 60),
			p.Cluster,
			formatScore(p.Hot.Score),
			formatScore(p.Hot.Components.Buzz),
			formatScore(p.Hot.Components.Novelty),
		})
	}
	headers := []string{"Paper", "Title", "Cluster", "Hot", "Buzz", "Novelty"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight}
	fmt.Fprintln(w, renderTable(headers, rows, aligns))
}

func printSimilar(w io.Writer, papers []usecase.SimilarPaper) {
	if len(papers) == 0 {
		fmt.Fprintln(w, "No similar papers")
		return
	}
	rows := make([][]string, 0, len(papers))
	for _, p := range papers {
		rows = append(rows, []string{p.Paper.ID, truncate(p.Paper.Title, 60), strings.Join(p.Paper.Tags, ", "), formatScore(p.Similarity)})
	}
	headers := []string{"Paper", "Title", "Tags", "Similarity"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight}
	fmt.Fprintln(w, renderTable(headers, rows, aligns))
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"papertrail/internal/domain"
	"papertrail/internal/infrastructure/storage"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "papertrail.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	raw := "logging:\n  level: error\ndatabase:\n  path: " + dbPath + "\n"
	if err := os.WriteFile(cfgPath, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath, dbPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunsCommand(t *testing.T) {
	t.Parallel()

	cfgPath, dbPath := writeConfig(t)
	out, err := execute(t, "--config", cfgPath, "runs")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if !strings.Contains(out, "No runs yet") {
		t.Fatalf("unexpected output %q", out)
	}

	repo, err := storage.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	asOf := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	run := domain.Run{ID: "full-20261019T0000", Kind: domain.RunFull, Topics: []string{"LLM"}, AsOf: asOf, State: domain.StatePartiallyFailed, StartedAt: asOf, UpdatedAt: asOf}
	run.Skip(domain.StateEnriching, "analysis:2410.00001")
	if err := repo.SaveRun(context.Background(), run); err != nil {
		t.Fatalf("save run: %v", err)
	}
	_ = repo.Close()

	out, err = execute(t, "--config", cfgPath, "runs")
	if err != nil || !strings.Contains(out, "full-20261019T0000") || !strings.Contains(out, "partially_failed") {
		t.Fatalf("unexpected listing %q (%v)", out, err)
	}

	out, err = execute(t, "--config", cfgPath, "runs", "full-20261019T0000")
	if err != nil || !strings.Contains(out, "analysis:2410.00001") {
		t.Fatalf("unexpected run detail %q (%v)", out, err)
	}

	out, err = execute(t, "--config", cfgPath, "runs", "--json")
	if err != nil || !strings.Contains(out, `"state": "partially_failed"`) {
		t.Fatalf("unexpected json %q (%v)", out, err)
	}

	if _, err := execute(t, "--config", cfgPath, "runs", "topic-20261019T0000-llm"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTrendingAndSimilarCommands(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfgPath, dbPath := writeConfig(t)
	repo, err := storage.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	asOf := time.Now().UTC().Truncate(time.Hour)
	published := asOf.Add(-12 * time.Hour)
	papers := []domain.Paper{
		{ID: "2410.00001", Title: "Sparse attention for language models", Tags: []string{"LLM", "cs.CL"}, PublishedAt: published},
		{ID: "2410.00002", Title: "LLM agents that plan", Tags: []string{"LLM", "cs.AI"}, PublishedAt: published},
		{ID: "2410.00003", Title: "Vision transformers at scale", Tags: []string{"Vision", "cs.CV"}, PublishedAt: published},
	}
	for _, p := range papers {
		if err := repo.SavePaper(ctx, p); err != nil {
			t.Fatalf("save paper: %v", err)
		}
	}
	run := domain.Run{ID: "full-20261019T0000", Kind: domain.RunFull, Topics: []string{"LLM"}, AsOf: asOf, State: domain.StateCompleted, StartedAt: asOf, UpdatedAt: asOf}
	if err := repo.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}
	scores := []domain.HotScore{
		{PaperID: "2410.00001", RunID: run.ID, Score: 0.7, ComputedAt: asOf},
		{PaperID: "2410.00002", RunID: run.ID, Score: 0.1, ComputedAt: asOf},
	}
	if err := repo.SaveHotScores(ctx, scores); err != nil {
		t.Fatalf("save hot scores: %v", err)
	}
	_ = repo.Close()

	out, err := execute(t, "--config", cfgPath, "trending", run.ID)
	if err != nil || !strings.Contains(out, "2410.00001") || strings.Contains(out, "2410.00002") {
		t.Fatalf("unexpected trending output %q (%v)", out, err)
	}
	if _, err := execute(t, "--config", cfgPath, "trending", "full-20261020T0000"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	out, err = execute(t, "--config", cfgPath, "similar", "2410.00001", "--json")
	if err != nil || !strings.Contains(out, "2410.00002") || !strings.Contains(out, "2410.00003") {
		t.Fatalf("unexpected similar output %q (%v)", out, err)
	}
	out, err = execute(t, "--config", cfgPath, "similar", "2410.00001", "-n", "1")
	if err != nil || strings.Count(out, "2410.0000") != 1 {
		t.Fatalf("limit not applied: %q (%v)", out, err)
	}
}

func TestConfigErrorsSurfaceBeforeCommands(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "runs")
	if !domain.IsConfiguration(err) || exitCode(err) != 3 {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRunTopicRequiresTopic(t *testing.T) {
	t.Parallel()

	cfgPath, _ := writeConfig(t)
	if _, err := execute(t, "--config", cfgPath, "run-topic"); err == nil {
		t.Fatalf("expected argument error")
	}
	if _, err := execute(t, "--config", cfgPath, "run", "--as-of", "monday"); err == nil {
		t.Fatalf("expected invalid --as-of error")
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	if got := exitCode(&domain.PartialRunError{RunID: "x"}); got != 2 {
		t.Fatalf("partial run exit code %d", got)
	}
	if got := exitCode(errors.New("boom")); got != 1 {
		t.Fatalf("generic exit code %d", got)
	}
}

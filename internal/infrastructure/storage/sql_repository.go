package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"papertrail/internal/domain"
	"papertrail/internal/ports"
)

// SQLRepository persists pipeline entities into SQLite or Postgres.
type SQLRepository struct {
	db      *sql.DB
	dialect dialect
	sb      sq.StatementBuilderType
	version uint
}

var _ ports.Repository = (*SQLRepository)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

// Open connects to driver ("sqlite" or "postgres") at source, a file path or a DSN.
func Open(driver, source string) (*SQLRepository, error) {
	switch driver {
	case "", DriverSQLite:
		return OpenSQLite(source)
	case DriverPostgres:
		return OpenPostgres(source)
	default:
		return nil, &domain.ConfigurationError{Field: "database.driver", Reason: fmt.Sprintf("unknown driver %q", driver)}
	}
}

// OpenSQLite opens (or creates) the database at path and applies migrations.
func OpenSQLite(path string) (*SQLRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	return newSQLRepository(db, sqliteDialect)
}

func newSQLRepository(db *sql.DB, d dialect) (*SQLRepository, error) {
	version, err := runMigrations(db, d.name)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLRepository{
		db:      db,
		dialect: d,
		sb:      sq.StatementBuilder.PlaceholderFormat(d.placeholder),
		version: version,
	}, nil
}

func (r *SQLRepository) rebind(query string) string {
	out, err := r.dialect.placeholder.ReplacePlaceholders(query)
	if err != nil {
		return query
	}
	return out
}

// Close closes the underlying database connection.
func (r *SQLRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SchemaVersion reports the applied migration version.
func (r *SQLRepository) SchemaVersion() uint {
	return r.version
}

// KnownPaperIDs returns a map with ids that already exist in storage.
func (r *SQLRepository) KnownPaperIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	result := make(map[string]bool)
	if len(ids) == 0 {
		return result, nil
	}

	query, args, err := r.sb.Select("id").From("papers").Where(r.dialect.anyOf("id", ids)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build known ids query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query known ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		result[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return result, nil
}

// SavePaper inserts a paper; an existing id is left untouched.
func (r *SQLRepository) SavePaper(ctx context.Context, paper domain.Paper) error {
	authors, err := json.Marshal(nonNil(paper.Authors))
	if err != nil {
		return fmt.Errorf("marshal authors: %w", err)
	}
	tags, err := json.Marshal(nonNil(paper.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	query, args, err := r.sb.Insert("papers").
		Columns("id", "title", "abstract", "authors", "tags", "url", "source", "published_at", "first_seen_at").
		Values(paper.ID, paper.Title, paper.Abstract, string(authors), string(tags), paper.URL, paper.Source,
			toUnix(paper.PublishedAt), toUnix(paper.FirstSeenAt)).
		Suffix("ON CONFLICT(id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert paper: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert paper %s: %w", paper.ID, err)
	}
	return nil
}

// AugmentTags unions extra tags into the stored paper.
func (r *SQLRepository) AugmentTags(ctx context.Context, paperID string, tags []string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, r.rebind("SELECT tags FROM papers WHERE id = ?"), paperID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("paper %s: %w", paperID, domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load tags: %w", err)
		}
		var existing []string
		if err := json.Unmarshal([]byte(raw), &existing); err != nil {
			return fmt.Errorf("decode tags: %w", err)
		}
		merged, err := json.Marshal(nonNil(domain.MergeTags(existing, tags)))
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		query, args, err := r.sb.Update("papers").Set("tags", string(merged)).Where(sq.Eq{"id": paperID}).ToSql()
		if err != nil {
			return fmt.Errorf("build update tags: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("update tags: %w", err)
		}
		return nil
	})
}

var paperColumns = []string{"id", "title", "abstract", "authors", "tags", "url", "source", "published_at", "first_seen_at"}

// GetPaper loads a paper by id.
func (r *SQLRepository) GetPaper(ctx context.Context, id string) (domain.Paper, error) {
	query, args, err := r.sb.Select(paperColumns...).From("papers").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.Paper{}, fmt.Errorf("build get paper: %w", err)
	}
	paper, err := scanPaper(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Paper{}, fmt.Errorf("paper %s: %w", id, domain.ErrNotFound)
	}
	return paper, err
}

// ListPapers returns papers matching the filter, ordered by id.
func (r *SQLRepository) ListPapers(ctx context.Context, filter ports.PaperFilter) ([]domain.Paper, error) {
	builder := r.sb.Select(paperColumns...).From("papers").OrderBy("id")
	if !filter.PublishedSince.IsZero() {
		builder = builder.Where(sq.GtOrEq{"published_at": toUnix(filter.PublishedSince)})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list papers: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query papers: %w", err)
	}
	defer rows.Close()

	var papers []domain.Paper
	for rows.Next() {
		paper, err := scanPaper(rows)
		if err != nil {
			return nil, err
		}
		if len(filter.AnyTag) > 0 && !hasAnyTag(paper.Tags, filter.AnyTag) {
			continue
		}
		papers = append(papers, paper)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return papers, nil
}

func scanPaper(row rowScanner) (domain.Paper, error) {
	var (
		paper                domain.Paper
		authors, tags        string
		published, firstSeen int64
	)
	if err := row.Scan(&paper.ID, &paper.Title, &paper.Abstract, &authors, &tags, &paper.URL, &paper.Source, &published, &firstSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Paper{}, err
		}
		return domain.Paper{}, fmt.Errorf("scan paper: %w", err)
	}
	if err := json.Unmarshal([]byte(authors), &paper.Authors); err != nil {
		return domain.Paper{}, fmt.Errorf("decode authors: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &paper.Tags); err != nil {
		return domain.Paper{}, fmt.Errorf("decode tags: %w", err)
	}
	paper.PublishedAt = fromUnix(published)
	paper.FirstSeenAt = fromUnix(firstSeen)
	return paper, nil
}

var analysisColumns = []string{"id", "paper_id", "run_id", "summary", "relevance", "novelty", "keywords", "provider", "raw_ref", "flagged", "is_current", "generated_at"}

// CurrentAnalyses returns the current analysis per paper id.
func (r *SQLRepository) CurrentAnalyses(ctx context.Context, paperIDs []string) (map[string]domain.Analysis, error) {
	out := make(map[string]domain.Analysis)
	if len(paperIDs) == 0 {
		return out, nil
	}
	analyses, err := r.queryAnalyses(ctx, sq.And{r.dialect.anyOf("paper_id", paperIDs), sq.Eq{"is_current": 1}})
	if err != nil {
		return nil, err
	}
	for _, a := range analyses {
		out[a.PaperID] = a
	}
	return out, nil
}

// AnalysisHistory returns every analysis of a paper, oldest first.
func (r *SQLRepository) AnalysisHistory(ctx context.Context, paperID string) ([]domain.Analysis, error) {
	return r.queryAnalyses(ctx, sq.Eq{"paper_id": paperID})
}

func (r *SQLRepository) queryAnalyses(ctx context.Context, where sq.Sqlizer) ([]domain.Analysis, error) {
	query, args, err := r.sb.Select(analysisColumns...).From("analyses").Where(where).OrderBy("generated_at", "id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build analyses query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query analyses: %w", err)
	}
	defer rows.Close()

	var out []domain.Analysis
	for rows.Next() {
		var (
			a                domain.Analysis
			keywords         string
			flagged, current int
			generated        int64
		)
		if err := rows.Scan(&a.ID, &a.PaperID, &a.RunID, &a.Summary, &a.Relevance, &a.Novelty, &keywords, &a.Provider, &a.RawRef, &flagged, &current, &generated); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		if err := json.Unmarshal([]byte(keywords), &a.Keywords); err != nil {
			return nil, fmt.Errorf("decode keywords: %w", err)
		}
		a.Flagged = flagged != 0
		a.Current = current != 0
		a.GeneratedAt = fromUnix(generated)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// SaveAnalysis stores a new current analysis, demotes older ones and clears the pending marker.
func (r *SQLRepository) SaveAnalysis(ctx context.Context, analysis domain.Analysis) error {
	keywords, err := json.Marshal(nonNil(analysis.Keywords))
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		demote, args, err := r.sb.Update("analyses").Set("is_current", 0).
			Where(sq.And{sq.Eq{"paper_id": analysis.PaperID}, sq.NotEq{"id": analysis.ID}}).ToSql()
		if err != nil {
			return fmt.Errorf("build demote: %w", err)
		}
		if _, err := tx.ExecContext(ctx, demote, args...); err != nil {
			return fmt.Errorf("demote analyses: %w", err)
		}

		insert, args, err := r.sb.Insert("analyses").Columns(analysisColumns...).
			Values(analysis.ID, analysis.PaperID, analysis.RunID, analysis.Summary, analysis.Relevance, analysis.Novelty,
				string(keywords), analysis.Provider, analysis.RawRef, boolInt(analysis.Flagged), 1, toUnix(analysis.GeneratedAt)).
			Suffix(`ON CONFLICT(id) DO UPDATE SET summary = excluded.summary, relevance = excluded.relevance,
				novelty = excluded.novelty, keywords = excluded.keywords, provider = excluded.provider,
				raw_ref = excluded.raw_ref, flagged = excluded.flagged, is_current = 1, generated_at = excluded.generated_at`).
			ToSql()
		if err != nil {
			return fmt.Errorf("build insert analysis: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
			return fmt.Errorf("insert analysis: %w", err)
		}

		if _, err := tx.ExecContext(ctx, r.rebind("DELETE FROM analysis_pending WHERE paper_id = ?"), analysis.PaperID); err != nil {
			return fmt.Errorf("clear pending: %w", err)
		}
		return nil
	})
}

// MarkAnalysisPending upserts the pending marker of a paper.
func (r *SQLRepository) MarkAnalysisPending(ctx context.Context, pending domain.AnalysisPending) error {
	query, args, err := r.sb.Insert("analysis_pending").
		Columns("paper_id", "attempts", "last_error", "updated_at").
		Values(pending.PaperID, pending.Attempts, pending.LastError, toUnix(pending.UpdatedAt)).
		Suffix("ON CONFLICT(paper_id) DO UPDATE SET attempts = excluded.attempts, last_error = excluded.last_error, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build pending upsert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert pending %s: %w", pending.PaperID, err)
	}
	return nil
}

// PendingAnalyses lists pending markers ordered by paper id.
func (r *SQLRepository) PendingAnalyses(ctx context.Context) ([]domain.AnalysisPending, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT paper_id, attempts, last_error, updated_at FROM analysis_pending ORDER BY paper_id")
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []domain.AnalysisPending
	for rows.Next() {
		var (
			p       domain.AnalysisPending
			updated int64
		)
		if err := rows.Scan(&p.PaperID, &p.Attempts, &p.LastError, &updated); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		p.UpdatedAt = fromUnix(updated)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// SaveSignals upserts signals keyed by paper, platform and run.
func (r *SQLRepository) SaveSignals(ctx context.Context, signals []domain.SocialSignal) error {
	if len(signals) == 0 {
		return nil
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		for _, s := range signals {
			query, args, err := r.sb.Insert("social_signals").
				Columns("paper_id", "platform", "run_id", "raw_count", "buzz", "collected_at").
				Values(s.PaperID, s.Platform, s.RunID, s.RawCount, s.Buzz, toUnix(s.CollectedAt)).
				Suffix("ON CONFLICT(paper_id, platform, run_id) DO UPDATE SET raw_count = excluded.raw_count, buzz = excluded.buzz, collected_at = excluded.collected_at").
				ToSql()
			if err != nil {
				return fmt.Errorf("build signal upsert: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("upsert signal %s/%s: %w", s.PaperID, s.Platform, err)
			}
		}
		return nil
	})
}

// SignalsForRun lists a run's signals ordered by paper then platform.
func (r *SQLRepository) SignalsForRun(ctx context.Context, runID string) ([]domain.SocialSignal, error) {
	query, args, err := r.sb.Select("paper_id", "platform", "run_id", "raw_count", "buzz", "collected_at").
		From("social_signals").Where(sq.Eq{"run_id": runID}).OrderBy("paper_id", "platform").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build signals query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []domain.SocialSignal
	for rows.Next() {
		var (
			s         domain.SocialSignal
			collected int64
		)
		if err := rows.Scan(&s.PaperID, &s.Platform, &s.RunID, &s.RawCount, &s.Buzz, &collected); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		s.CollectedAt = fromUnix(collected)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// MeanEngagement averages raw engagement per platform since the cutoff.
func (r *SQLRepository) MeanEngagement(ctx context.Context, since time.Time, excludeRunID string) (map[string]float64, error) {
	query, args, err := r.sb.Select("platform", "AVG(raw_count)").From("social_signals").
		Where(sq.GtOrEq{"collected_at": toUnix(since)}).
		Where(sq.NotEq{"run_id": excludeRunID}).
		GroupBy("platform").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build engagement query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query engagement: %w", err)
	}
	defer rows.Close()

	out := map[string]float64{}
	for rows.Next() {
		var (
			platform string
			mean     float64
		)
		if err := rows.Scan(&platform, &mean); err != nil {
			return nil, fmt.Errorf("scan engagement: %w", err)
		}
		out[platform] = mean
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// SaveHotScores upserts scores keyed by paper and run.
func (r *SQLRepository) SaveHotScores(ctx context.Context, scores []domain.HotScore) error {
	if len(scores) == 0 {
		return nil
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		for _, s := range scores {
			query, args, err := r.sb.Insert("hot_scores").
				Columns("paper_id", "run_id", "score", "relevance", "novelty", "buzz", "decay", "computed_at").
				Values(s.PaperID, s.RunID, s.Score, s.Components.Relevance, s.Components.Novelty, s.Components.Buzz, s.Components.Decay, toUnix(s.ComputedAt)).
				Suffix(`ON CONFLICT(paper_id, run_id) DO UPDATE SET score = excluded.score, relevance = excluded.relevance,
					novelty = excluded.novelty, buzz = excluded.buzz, decay = excluded.decay, computed_at = excluded.computed_at`).
				ToSql()
			if err != nil {
				return fmt.Errorf("build score upsert: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("upsert score %s: %w", s.PaperID, err)
			}
		}
		return nil
	})
}

// HotScoresForRun lists a run's scores ordered by paper id.
func (r *SQLRepository) HotScoresForRun(ctx context.Context, runID string) ([]domain.HotScore, error) {
	query, args, err := r.sb.Select("paper_id", "run_id", "score", "relevance", "novelty", "buzz", "decay", "computed_at").
		From("hot_scores").Where(sq.Eq{"run_id": runID}).OrderBy("paper_id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build scores query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scores: %w", err)
	}
	defer rows.Close()

	var out []domain.HotScore
	for rows.Next() {
		var (
			s        domain.HotScore
			computed int64
		)
		if err := rows.Scan(&s.PaperID, &s.RunID, &s.Score, &s.Components.Relevance, &s.Components.Novelty, &s.Components.Buzz, &s.Components.Decay, &computed); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		s.ComputedAt = fromUnix(computed)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// SaveClusters replaces the clusters of a run.
func (r *SQLRepository) SaveClusters(ctx context.Context, runID string, clusters []domain.Cluster) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.rebind("DELETE FROM clusters WHERE run_id = ?"), runID); err != nil {
			return fmt.Errorf("clear clusters: %w", err)
		}
		for _, c := range clusters {
			centroid, err := json.Marshal(nonNilFloats(c.Centroid))
			if err != nil {
				return fmt.Errorf("marshal centroid: %w", err)
			}
			members, err := json.Marshal(nonNil(c.MemberIDs))
			if err != nil {
				return fmt.Errorf("marshal members: %w", err)
			}
			query, args, err := r.sb.Insert("clusters").
				Columns("id", "run_id", "label", "centroid", "member_ids", "avg_hot_score", "trend", "created_at").
				Values(c.ID, runID, c.Label, string(centroid), string(members), c.AvgHotScore, string(c.Trend), toUnix(c.CreatedAt)).
				ToSql()
			if err != nil {
				return fmt.Errorf("build insert cluster: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("insert cluster %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

// ClustersForRun lists a run's clusters ordered by id.
func (r *SQLRepository) ClustersForRun(ctx context.Context, runID string) ([]domain.Cluster, error) {
	query, args, err := r.sb.Select("id", "run_id", "label", "centroid", "member_ids", "avg_hot_score", "trend", "created_at").
		From("clusters").Where(sq.Eq{"run_id": runID}).OrderBy("id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build clusters query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query clusters: %w", err)
	}
	defer rows.Close()

	var out []domain.Cluster
	for rows.Next() {
		var (
			c                 domain.Cluster
			centroid, members string
			trend             string
			created           int64
		)
		if err := rows.Scan(&c.ID, &c.RunID, &c.Label, &centroid, &members, &c.AvgHotScore, &trend, &created); err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		if err := json.Unmarshal([]byte(centroid), &c.Centroid); err != nil {
			return nil, fmt.Errorf("decode centroid: %w", err)
		}
		if err := json.Unmarshal([]byte(members), &c.MemberIDs); err != nil {
			return nil, fmt.Errorf("decode members: %w", err)
		}
		c.Trend = domain.ClusterTrend(trend)
		c.CreatedAt = fromUnix(created)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// PreviousClusters returns the clusters of the latest earlier run sharing kind and scope.
func (r *SQLRepository) PreviousClusters(ctx context.Context, run domain.Run) ([]domain.Cluster, error) {
	query, args, err := r.sb.Select("id").From("runs").
		Where(sq.Eq{"kind": string(run.Kind), "scope": run.Scope()}).
		Where(sq.NotEq{"id": run.ID}).
		Where(sq.LtOrEq{"as_of": toUnix(run.AsOf)}).
		Where(sq.Expr("EXISTS (SELECT 1 FROM clusters c WHERE c.run_id = runs.id)")).
		OrderBy("as_of DESC", "id DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build previous run query: %w", err)
	}

	var previousID string
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&previousID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query previous run: %w", err)
	}
	return r.ClustersForRun(ctx, previousID)
}

// SaveRecommendation upserts a recommendation, keeping an earlier delivered flag.
func (r *SQLRepository) SaveRecommendation(ctx context.Context, rec domain.Recommendation) error {
	items, err := json.Marshal(toItemRecords(rec.Items))
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	query, args, err := r.sb.Insert("recommendations").
		Columns("user_id", "run_id", "items", "generated_at", "delivered").
		Values(rec.UserID, rec.RunID, string(items), toUnix(rec.GeneratedAt), boolInt(rec.Delivered)).
		Suffix(`ON CONFLICT(user_id, run_id) DO UPDATE SET items = excluded.items, generated_at = excluded.generated_at,
			delivered = ` + r.dialect.greatest + `(recommendations.delivered, excluded.delivered)`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build recommendation upsert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert recommendation %s/%s: %w", rec.UserID, rec.RunID, err)
	}
	return nil
}

// RecommendationsForRun lists a run's recommendations ordered by user id.
func (r *SQLRepository) RecommendationsForRun(ctx context.Context, runID string) ([]domain.Recommendation, error) {
	return r.queryRecommendations(ctx, sq.Eq{"run_id": runID})
}

// RecentlyRecommended lists paper ids delivered to a user since the cutoff in other runs.
func (r *SQLRepository) RecentlyRecommended(ctx context.Context, userID string, since time.Time, excludeRunID string) (map[string]bool, error) {
	recs, err := r.queryRecommendations(ctx, sq.And{
		sq.Eq{"user_id": userID, "delivered": 1},
		sq.GtOrEq{"generated_at": toUnix(since)},
		sq.NotEq{"run_id": excludeRunID},
	})
	if err != nil {
		return nil, err
	}
	out := map[string]bool{}
	for _, rec := range recs {
		for _, item := range rec.Items {
			out[item.PaperID] = true
		}
	}
	return out, nil
}

func (r *SQLRepository) queryRecommendations(ctx context.Context, where sq.Sqlizer) ([]domain.Recommendation, error) {
	query, args, err := r.sb.Select("user_id", "run_id", "items", "generated_at", "delivered").
		From("recommendations").Where(where).OrderBy("user_id", "run_id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recommendations query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recommendations: %w", err)
	}
	defer rows.Close()

	var out []domain.Recommendation
	for rows.Next() {
		var (
			rec       domain.Recommendation
			items     string
			generated int64
			delivered int
		)
		if err := rows.Scan(&rec.UserID, &rec.RunID, &items, &generated, &delivered); err != nil {
			return nil, fmt.Errorf("scan recommendation: %w", err)
		}
		var records []itemRecord
		if err := json.Unmarshal([]byte(items), &records); err != nil {
			return nil, fmt.Errorf("decode items: %w", err)
		}
		rec.Items = fromItemRecords(records)
		rec.GeneratedAt = fromUnix(generated)
		rec.Delivered = delivered != 0
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// MarkDelivered flags a recommendation as handed off.
func (r *SQLRepository) MarkDelivered(ctx context.Context, userID, runID string) error {
	query, args, err := r.sb.Update("recommendations").Set("delivered", 1).
		Where(sq.Eq{"user_id": userID, "run_id": runID}).ToSql()
	if err != nil {
		return fmt.Errorf("build mark delivered: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("recommendation %s/%s: %w", userID, runID, domain.ErrNotFound)
	}
	return nil
}

var runColumns = []string{"id", "kind", "scope", "topics", "lookback_ns", "as_of", "state", "completed_stages", "manifest", "error", "started_at", "updated_at", "finished_at"}

// GetRun loads a run by id.
func (r *SQLRepository) GetRun(ctx context.Context, id string) (domain.Run, error) {
	query, args, err := r.sb.Select(runColumns...).From("runs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.Run{}, fmt.Errorf("build get run: %w", err)
	}
	run, err := scanRun(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return run, err
}

// SaveRun upserts a run.
func (r *SQLRepository) SaveRun(ctx context.Context, run domain.Run) error {
	topics, err := json.Marshal(nonNil(run.Topics))
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}
	stages, err := json.Marshal(run.CompletedStages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	manifest, err := json.Marshal(run.Manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	query, args, err := r.sb.Insert("runs").Columns(runColumns...).
		Values(run.ID, string(run.Kind), run.Scope(), string(topics), int64(run.Lookback), toUnix(run.AsOf), string(run.State),
			string(stages), string(manifest), run.Error, toUnix(run.StartedAt), toUnix(run.UpdatedAt), toUnix(run.FinishedAt)).
		Suffix(`ON CONFLICT(id) DO UPDATE SET state = excluded.state, completed_stages = excluded.completed_stages,
			manifest = excluded.manifest, error = excluded.error, updated_at = excluded.updated_at, finished_at = excluded.finished_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build run upsert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert run %s: %w", run.ID, err)
	}
	return nil
}

// ListRuns returns the most recently started runs first.
func (r *SQLRepository) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	builder := r.sb.Select(runColumns...).From("runs").OrderBy("started_at DESC", "id DESC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list runs: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

func scanRun(row rowScanner) (domain.Run, error) {
	var (
		run                        domain.Run
		kind, scope, topics, state string
		stages, manifest           string
		lookback, asOf             int64
		started, updated, finished int64
	)
	if err := row.Scan(&run.ID, &kind, &scope, &topics, &lookback, &asOf, &state, &stages, &manifest, &run.Error, &started, &updated, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Run{}, err
		}
		return domain.Run{}, fmt.Errorf("scan run: %w", err)
	}
	if err := json.Unmarshal([]byte(topics), &run.Topics); err != nil {
		return domain.Run{}, fmt.Errorf("decode topics: %w", err)
	}
	if err := json.Unmarshal([]byte(stages), &run.CompletedStages); err != nil {
		return domain.Run{}, fmt.Errorf("decode stages: %w", err)
	}
	if err := json.Unmarshal([]byte(manifest), &run.Manifest); err != nil {
		return domain.Run{}, fmt.Errorf("decode manifest: %w", err)
	}
	run.Kind = domain.RunKind(kind)
	run.State = domain.RunState(state)
	run.Lookback = time.Duration(lookback)
	run.AsOf = fromUnix(asOf)
	run.StartedAt = fromUnix(started)
	run.UpdatedAt = fromUnix(updated)
	run.FinishedAt = fromUnix(finished)
	return run, nil
}

// UpsertUser seeds or refreshes a user of the directory.
func (r *SQLRepository) UpsertUser(ctx context.Context, user domain.User) error {
	interests, err := json.Marshal(nonNil(user.Interests))
	if err != nil {
		return fmt.Errorf("marshal interests: %w", err)
	}
	prefs, err := json.Marshal(user.Preferences)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	query, args, err := r.sb.Insert("users").
		Columns("id", "name", "interests", "frequency", "active", "contact", "preferences").
		Values(user.ID, user.Name, string(interests), string(user.Frequency), boolInt(user.Active), user.Contact, string(prefs)).
		Suffix(`ON CONFLICT(id) DO UPDATE SET name = excluded.name, interests = excluded.interests,
			frequency = excluded.frequency, active = excluded.active, contact = excluded.contact,
			preferences = excluded.preferences`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build user upsert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert user %s: %w", user.ID, err)
	}
	return nil
}

// ActiveUsers lists active users ordered by id.
func (r *SQLRepository) ActiveUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, name, interests, frequency, active, contact, preferences FROM users WHERE active = 1 ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		var (
			u                           domain.User
			interests, frequency, prefs string
			active                      int
		)
		if err := rows.Scan(&u.ID, &u.Name, &interests, &frequency, &active, &u.Contact, &prefs); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		if err := json.Unmarshal([]byte(interests), &u.Interests); err != nil {
			return nil, fmt.Errorf("decode interests: %w", err)
		}
		if err := json.Unmarshal([]byte(prefs), &u.Preferences); err != nil {
			return nil, fmt.Errorf("decode preferences: %w", err)
		}
		u.Frequency = domain.Frequency(frequency)
		u.Active = active != 0
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

func (r *SQLRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type itemRecord struct {
	PaperID    string   `json:"paper_id"`
	MatchScore float64  `json:"match_score"`
	HotScore   float64  `json:"hot_score"`
	Reasons    []string `json:"reasons"`
}

func toItemRecords(items []domain.RecommendedPaper) []itemRecord {
	out := make([]itemRecord, 0, len(items))
	for _, item := range items {
		out = append(out, itemRecord{PaperID: item.PaperID, MatchScore: item.MatchScore, HotScore: item.HotScore, Reasons: nonNil(item.Reasons)})
	}
	return out
}

func fromItemRecords(records []itemRecord) []domain.RecommendedPaper {
	out := make([]domain.RecommendedPaper, 0, len(records))
	for _, r := range records {
		out = append(out, domain.RecommendedPaper{PaperID: r.PaperID, MatchScore: r.MatchScore, HotScore: r.HotScore, Reasons: r.Reasons})
	}
	return out
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nonNilFloats(values []float64) []float64 {
	if values == nil {
		return []float64{}
	}
	return values
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hanrei/internal/model"
)

// ReplaceProjection atomically rebuilds the repo_* view tables for one
// repository from a fresh projector run. Rows are bulk-loaded with COPY.
// Free-text excerpts pass the guard before any row is written.
func (db *DB) ReplaceProjection(ctx context.Context, repo string, p model.Projection) error {
	for _, wi := range p.WorkItems {
		if err := db.guard.AssertAny(map[string]any{"title": wi.Title, "body": wi.BodyExcerpt}); err != nil {
			return fmt.Errorf("storage: replace projection refused (item %d): %w", wi.Number, err)
		}
	}
	for _, c := range p.Comments {
		if err := db.guard.AssertAny(c.BodyExcerpt); err != nil {
			return fmt.Errorf("storage: replace projection refused (comment %s): %w", c.CommentID, err)
		}
	}
	for _, r := range p.Reviews {
		if err := db.guard.AssertAny(r.BodyExcerpt); err != nil {
			return fmt.Errorf("storage: replace projection refused (review %s): %w", r.ReviewID, err)
		}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: replace projection: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, table := range []string{
		"repo_work_item", "repo_work_item_event", "repo_comment", "repo_pr_review", "repo_user_activity",
	} {
		if _, err := tx.Exec(ctx,
			`DELETE FROM `+pgx.Identifier{table}.Sanitize()+` WHERE repo_full_name = $1`, repo,
		); err != nil {
			return fmt.Errorf("storage: replace projection: clear %s: %w", table, err)
		}
	}

	// Dedicated COPY timeout so a hung Postgres cannot block the rebuild
	// indefinitely.
	copyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if len(p.WorkItems) > 0 {
		rows := make([][]any, len(p.WorkItems))
		for i, wi := range p.WorkItems {
			labels, err := json.Marshal(sortedUnique(wi.Labels))
			if err != nil {
				return fmt.Errorf("storage: replace projection: marshal labels: %w", err)
			}
			rows[i] = []any{
				wi.RepoFullName, wi.Number, wi.Type, wi.URL, wi.Title, wi.BodyExcerpt,
				wi.State, wi.CreatedAt, wi.ClosedAt, wi.AuthorLogin, wi.AuthorAssociation,
				labels, wi.MilestoneTitle, wi.IsMerged, wi.MergedAt, wi.MergedBy,
				wi.CommentCount, wi.ReviewCount, wi.ChangedFiles, wi.Additions, wi.Deletions,
			}
		}
		if _, err := tx.CopyFrom(copyCtx, pgx.Identifier{"repo_work_item"},
			[]string{"repo_full_name", "number", "type", "url", "title", "body_excerpt",
				"state", "created_at", "closed_at", "author_login", "author_association",
				"labels_json", "milestone_title", "is_merged", "merged_at", "merged_by",
				"comment_count", "review_count", "changed_files", "additions", "deletions"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("storage: replace projection: copy work items: %w", err)
		}
	}

	if len(p.Events) > 0 {
		rows := make([][]any, len(p.Events))
		for i, ev := range p.Events {
			rows[i] = []any{
				ev.RepoFullName, ev.Number, ev.Type, ev.EventID, ev.EventType,
				ev.OccurredAt, ev.ActorLogin, ev.SubjectType, ev.Subject, ev.Reference,
			}
		}
		if _, err := tx.CopyFrom(copyCtx, pgx.Identifier{"repo_work_item_event"},
			[]string{"repo_full_name", "number", "type", "event_id", "event_type",
				"occurred_at", "actor_login", "subject_type", "subject", "reference"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("storage: replace projection: copy events: %w", err)
		}
	}

	if len(p.Comments) > 0 {
		rows := make([][]any, len(p.Comments))
		for i, c := range p.Comments {
			rows[i] = []any{
				c.RepoFullName, c.Number, c.Type, c.CommentID, c.URL,
				c.CreatedAt, c.AuthorLogin, c.AuthorAssociation, c.BodyExcerpt,
			}
		}
		if _, err := tx.CopyFrom(copyCtx, pgx.Identifier{"repo_comment"},
			[]string{"repo_full_name", "number", "type", "comment_id", "url",
				"created_at", "author_login", "author_association", "body_excerpt"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("storage: replace projection: copy comments: %w", err)
		}
	}

	if len(p.Reviews) > 0 {
		rows := make([][]any, len(p.Reviews))
		for i, r := range p.Reviews {
			rows[i] = []any{
				r.RepoFullName, r.PRNumber, r.ReviewID, r.ReviewState,
				r.SubmittedAt, r.AuthorLogin, r.BodyExcerpt, r.Reference,
			}
		}
		if _, err := tx.CopyFrom(copyCtx, pgx.Identifier{"repo_pr_review"},
			[]string{"repo_full_name", "pr_number", "review_id", "review_state",
				"submitted_at", "author_login", "body_excerpt", "reference"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("storage: replace projection: copy reviews: %w", err)
		}
	}

	if len(p.Activities) > 0 {
		rows := make([][]any, len(p.Activities))
		for i, a := range p.Activities {
			rows[i] = []any{a.RepoFullName, a.Login, a.Activity, a.Number, a.OccurredAt, a.Reference}
		}
		if _, err := tx.CopyFrom(copyCtx, pgx.Identifier{"repo_user_activity"},
			[]string{"repo_full_name", "login", "activity", "number", "occurred_at", "reference"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("storage: replace projection: copy activities: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: replace projection: commit: %w", err)
	}
	return nil
}

// ListWorkItems returns projected work items for a repo ordered by number.
func (db *DB) ListWorkItems(ctx context.Context, repo string, limit, offset int) ([]model.WorkItem, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.pool.Query(ctx,
		`SELECT repo_full_name, number, type, url, title, body_excerpt, state,
		        created_at, closed_at, author_login, author_association, labels_json,
		        milestone_title, is_merged, merged_at, merged_by,
		        comment_count, review_count, changed_files, additions, deletions
		 FROM repo_work_item WHERE repo_full_name = $1
		 ORDER BY number ASC LIMIT $2 OFFSET $3`, repo, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list work items: %w", err)
	}
	defer rows.Close()

	var items []model.WorkItem
	for rows.Next() {
		var wi model.WorkItem
		var labels []byte
		if err := rows.Scan(
			&wi.RepoFullName, &wi.Number, &wi.Type, &wi.URL, &wi.Title, &wi.BodyExcerpt,
			&wi.State, &wi.CreatedAt, &wi.ClosedAt, &wi.AuthorLogin, &wi.AuthorAssociation,
			&labels, &wi.MilestoneTitle, &wi.IsMerged, &wi.MergedAt, &wi.MergedBy,
			&wi.CommentCount, &wi.ReviewCount, &wi.ChangedFiles, &wi.Additions, &wi.Deletions,
		); err != nil {
			return nil, fmt.Errorf("storage: scan work item: %w", err)
		}
		if err := json.Unmarshal(labels, &wi.Labels); err != nil {
			return nil, fmt.Errorf("storage: decode labels for %d: %w", wi.Number, err)
		}
		items = append(items, wi)
	}
	return items, rows.Err()
}

// ListComments returns comments for one work item ordered by creation time.
func (db *DB) ListComments(ctx context.Context, repo string, number int) ([]model.Comment, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT repo_full_name, number, type, comment_id, url, created_at,
		        author_login, author_association, body_excerpt
		 FROM repo_comment WHERE repo_full_name = $1 AND number = $2
		 ORDER BY created_at ASC, comment_id ASC`, repo, number,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list comments: %w", err)
	}
	defer rows.Close()

	var comments []model.Comment
	for rows.Next() {
		var c model.Comment
		if err := rows.Scan(&c.RepoFullName, &c.Number, &c.Type, &c.CommentID, &c.URL,
			&c.CreatedAt, &c.AuthorLogin, &c.AuthorAssociation, &c.BodyExcerpt); err != nil {
			return nil, fmt.Errorf("storage: scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// ListReviews returns reviews for one PR ordered by submission time.
func (db *DB) ListReviews(ctx context.Context, repo string, prNumber int) ([]model.PRReview, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT repo_full_name, pr_number, review_id, review_state, submitted_at,
		        author_login, body_excerpt, reference
		 FROM repo_pr_review WHERE repo_full_name = $1 AND pr_number = $2
		 ORDER BY submitted_at ASC, review_id ASC`, repo, prNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list reviews: %w", err)
	}
	defer rows.Close()

	var reviews []model.PRReview
	for rows.Next() {
		var r model.PRReview
		if err := rows.Scan(&r.RepoFullName, &r.PRNumber, &r.ReviewID, &r.ReviewState,
			&r.SubmittedAt, &r.AuthorLogin, &r.BodyExcerpt, &r.Reference); err != nil {
			return nil, fmt.Errorf("storage: scan review: %w", err)
		}
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

// ListContributorStats aggregates per-contributor footprints for a repo:
// merged PRs authored, reviews submitted, comments written, recent activity
// rows and the distinct labels of items they touched.
func (db *DB) ListContributorStats(ctx context.Context, repo string) ([]model.ContributorStats, error) {
	rows, err := db.pool.Query(ctx,
		`WITH logins AS (
		   SELECT DISTINCT login FROM repo_user_activity WHERE repo_full_name = $1 AND login <> ''
		 )
		 SELECT l.login,
		   (SELECT count(*) FROM repo_work_item wi
		    WHERE wi.repo_full_name = $1 AND wi.author_login = l.login AND wi.is_merged),
		   (SELECT count(*) FROM repo_pr_review rv
		    WHERE rv.repo_full_name = $1 AND rv.author_login = l.login),
		   (SELECT count(*) FROM repo_comment c
		    WHERE c.repo_full_name = $1 AND c.author_login = l.login),
		   (SELECT count(*) FROM repo_user_activity a
		    WHERE a.repo_full_name = $1 AND a.login = l.login),
		   COALESCE((
		     SELECT array_agg(DISTINCT label ORDER BY label)
		     FROM repo_work_item wi2,
		          LATERAL jsonb_array_elements_text(wi2.labels_json) AS label
		     WHERE wi2.repo_full_name = $1 AND wi2.author_login = l.login
		   ), '{}')
		 FROM logins l
		 ORDER BY l.login`, repo,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list contributor stats: %w", err)
	}
	defer rows.Close()

	var stats []model.ContributorStats
	for rows.Next() {
		var s model.ContributorStats
		if err := rows.Scan(&s.Login, &s.MergedPRs, &s.Reviews, &s.Comments, &s.RecentActivity, &s.Labels); err != nil {
			return nil, fmt.Errorf("storage: scan contributor stats: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

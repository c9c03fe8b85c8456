package project

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ashita-ai/hanrei/internal/model"
)

// ExportCSV writes the projection as five deterministic CSV files under
// dir. Rows come out in the projection's sort order, so two exports of
// the same archive diff clean.
func ExportCSV(dir string, proj *model.Projection, writeHeaders bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("project: create out dir: %w", err)
	}

	if err := writeCSV(filepath.Join(dir, "repo_work_item.csv"), writeHeaders,
		[]string{
			"repo_full_name", "number", "type", "url", "title", "body_excerpt",
			"state", "created_at", "closed_at", "author_login", "author_association",
			"labels_json", "milestone_title", "is_merged", "merged_at", "merged_by",
			"comment_count", "review_count", "changed_files", "additions", "deletions",
		},
		len(proj.WorkItems), func(i int) []string {
			wi := proj.WorkItems[i]
			labels, _ := json.Marshal(wi.Labels)
			return []string{
				wi.RepoFullName, strconv.Itoa(wi.Number), wi.Type, wi.URL, wi.Title,
				wi.BodyExcerpt, wi.State, timeCol(wi.CreatedAt), timeCol(wi.ClosedAt),
				wi.AuthorLogin, wi.AuthorAssociation, string(labels), wi.MilestoneTitle,
				boolCol(wi.IsMerged), timeCol(wi.MergedAt), wi.MergedBy,
				intCol(wi.CommentCount), intCol(wi.ReviewCount), intCol(wi.ChangedFiles),
				intCol(wi.Additions), intCol(wi.Deletions),
			}
		}); err != nil {
		return err
	}

	if err := writeCSV(filepath.Join(dir, "repo_work_item_event.csv"), writeHeaders,
		[]string{
			"repo_full_name", "number", "type", "event_id", "event_type",
			"occurred_at", "actor_login", "subject_type", "subject", "reference",
		},
		len(proj.Events), func(i int) []string {
			ev := proj.Events[i]
			return []string{
				ev.RepoFullName, strconv.Itoa(ev.Number), ev.Type, ev.EventID,
				ev.EventType, isoUTC(ev.OccurredAt), ev.ActorLogin,
				ev.SubjectType, ev.Subject, ev.Reference,
			}
		}); err != nil {
		return err
	}

	if err := writeCSV(filepath.Join(dir, "repo_comment.csv"), writeHeaders,
		[]string{
			"repo_full_name", "number", "type", "comment_id", "url",
			"created_at", "author_login", "author_association", "body_excerpt",
		},
		len(proj.Comments), func(i int) []string {
			c := proj.Comments[i]
			return []string{
				c.RepoFullName, strconv.Itoa(c.Number), c.Type, c.CommentID, c.URL,
				isoUTC(c.CreatedAt), c.AuthorLogin, c.AuthorAssociation, c.BodyExcerpt,
			}
		}); err != nil {
		return err
	}

	if err := writeCSV(filepath.Join(dir, "repo_pr_review.csv"), writeHeaders,
		[]string{
			"repo_full_name", "pr_number", "review_id", "review_state",
			"submitted_at", "author_login", "body_excerpt", "reference",
		},
		len(proj.Reviews), func(i int) []string {
			r := proj.Reviews[i]
			return []string{
				r.RepoFullName, strconv.Itoa(r.PRNumber), r.ReviewID, r.ReviewState,
				isoUTC(r.SubmittedAt), r.AuthorLogin, r.BodyExcerpt, r.Reference,
			}
		}); err != nil {
		return err
	}

	return writeCSV(filepath.Join(dir, "repo_user_activity.csv"), writeHeaders,
		[]string{"repo_full_name", "login", "activity", "number", "occurred_at", "reference"},
		len(proj.Activities), func(i int) []string {
			a := proj.Activities[i]
			return []string{
				a.RepoFullName, a.Login, a.Activity, strconv.Itoa(a.Number),
				timeCol(a.OccurredAt), a.Reference,
			}
		})
}

func writeCSV(path string, header bool, fields []string, n int, row func(i int) []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("project: create %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = f.Close() }()

	w := csv.NewWriter(f)
	if header {
		if err := w.Write(fields); err != nil {
			return fmt.Errorf("project: write %s: %w", filepath.Base(path), err)
		}
	}
	for i := 0; i < n; i++ {
		if err := w.Write(row(i)); err != nil {
			return fmt.Errorf("project: write %s: %w", filepath.Base(path), err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("project: flush %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func isoUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func timeCol(t *time.Time) string {
	if t == nil {
		return ""
	}
	return isoUTC(*t)
}

func boolCol(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func intCol(n *int) string {
	if n == nil {
		return ""
	}
	return strconv.Itoa(*n)
}

// Package kb builds the knowledge base: one bounded document per work
// item section, plus the embedding pass that keeps vectors in sync with
// document text.
package kb

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashita-ai/hanrei/internal/model"
)

// BuildDocuments derives the section documents for every work item in a
// projection. Items produce a title_body section always, and comments /
// reviews / timeline sections only when rows exist for them.
func BuildDocuments(proj *model.Projection, now time.Time) []model.KBDocument {
	commentsByItem := map[string][]model.Comment{}
	for _, c := range proj.Comments {
		k := itemKey(c.RepoFullName, c.Type, c.Number)
		commentsByItem[k] = append(commentsByItem[k], c)
	}
	reviewsByItem := map[string][]model.PRReview{}
	for _, r := range proj.Reviews {
		k := itemKey(r.RepoFullName, "pr", r.PRNumber)
		reviewsByItem[k] = append(reviewsByItem[k], r)
	}
	eventsByItem := map[string][]model.WorkItemEvent{}
	for _, ev := range proj.Events {
		k := itemKey(ev.RepoFullName, ev.Type, ev.Number)
		eventsByItem[k] = append(eventsByItem[k], ev)
	}

	var docs []model.KBDocument
	for _, wi := range proj.WorkItems {
		k := itemKey(wi.RepoFullName, wi.Type, wi.Number)
		meta := map[string]any{
			"repo":        wi.RepoFullName,
			"item_type":   wi.Type,
			"item_number": wi.Number,
			"title":       wi.Title,
			"state":       wi.State,
			"labels":      wi.Labels,
		}

		docs = append(docs, sectionDoc(wi, model.SectionTitleBody, titleBodyText(wi), meta, now))

		if comments := commentsByItem[k]; len(comments) > 0 {
			docs = append(docs, sectionDoc(wi, model.SectionComments, commentsText(comments), meta, now))
		}
		if reviews := reviewsByItem[k]; len(reviews) > 0 {
			docs = append(docs, sectionDoc(wi, model.SectionReviews, reviewsText(reviews), meta, now))
		}
		if events := eventsByItem[k]; len(events) > 0 {
			docs = append(docs, sectionDoc(wi, model.SectionTimeline, timelineText(events), meta, now))
		}
	}
	return docs
}

func sectionDoc(wi model.WorkItem, section model.KBSection, text string, meta map[string]any, now time.Time) model.KBDocument {
	m := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		m[k] = v
	}
	m["section"] = string(section)
	return model.KBDocument{
		KBID:         model.KBDocumentID(wi.RepoFullName, wi.Type, wi.Number, section),
		RepoFullName: wi.RepoFullName,
		ItemType:     wi.Type,
		ItemNumber:   wi.Number,
		Section:      section,
		SourceRef:    wi.URL,
		Text:         text,
		Metadata:     m,
		UpdatedAt:    now,
	}
}

func itemKey(repo, itemType string, number int) string {
	return fmt.Sprintf("%s|%s|%d", repo, itemType, number)
}

func titleBodyText(wi model.WorkItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s #%d: %s\n", strings.ToUpper(wi.Type), wi.Number, wi.Title)
	fmt.Fprintf(&b, "state: %s", wi.State)
	if len(wi.Labels) > 0 {
		fmt.Fprintf(&b, " labels: %s", strings.Join(wi.Labels, ", "))
	}
	if wi.AuthorLogin != "" {
		fmt.Fprintf(&b, " author: %s", wi.AuthorLogin)
	}
	b.WriteString("\n")
	if wi.BodyExcerpt != "" {
		b.WriteString("\n")
		b.WriteString(wi.BodyExcerpt)
	}
	return b.String()
}

func commentsText(comments []model.Comment) string {
	var b strings.Builder
	for i, c := range comments {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s %s (%s): %s",
			c.CreatedAt.UTC().Format("2006-01-02"), c.AuthorLogin, c.AuthorAssociation, c.BodyExcerpt)
	}
	return b.String()
}

func reviewsText(reviews []model.PRReview) string {
	var b strings.Builder
	for i, r := range reviews {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s %s %s", r.SubmittedAt.UTC().Format("2006-01-02"), r.AuthorLogin, r.ReviewState)
		if r.BodyExcerpt != "" {
			fmt.Fprintf(&b, ": %s", r.BodyExcerpt)
		}
	}
	return b.String()
}

func timelineText(events []model.WorkItemEvent) string {
	var b strings.Builder
	for i, ev := range events {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s %s", ev.OccurredAt.UTC().Format("2006-01-02"), ev.EventType)
		if ev.ActorLogin != "" {
			fmt.Fprintf(&b, " by %s", ev.ActorLogin)
		}
		if ev.Subject != "" {
			fmt.Fprintf(&b, " (%s: %s)", ev.SubjectType, ev.Subject)
		}
	}
	return b.String()
}

// DocumentStore is the slice of storage the builder writes through.
type DocumentStore interface {
	UpsertKBDocument(ctx context.Context, doc model.KBDocument) error
}

// Sync upserts every built document. Document text passes the redaction
// gate inside the store; a refused document aborts the sync.
func Sync(ctx context.Context, store DocumentStore, docs []model.KBDocument, logger *slog.Logger) error {
	for _, doc := range docs {
		if err := store.UpsertKBDocument(ctx, doc); err != nil {
			return fmt.Errorf("kb: sync document %s/%s#%d %s: %w",
				doc.RepoFullName, doc.ItemType, doc.ItemNumber, doc.Section, err)
		}
	}
	logger.Info("kb: documents synced", "count", len(docs))
	return nil
}

// Package project turns the raw archive into relational views: work
// items, timeline events, comments, reviews and contributor activity.
// The transform is pure; records are selected by their archive tag
// prefix and everything else is ignored.
package project

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ashita-ai/hanrei/internal/archive"
	"github.com/ashita-ai/hanrei/internal/model"
)

const (
	// DefaultMaxBodyChars bounds comment and review excerpts.
	DefaultMaxBodyChars = 280

	// DefaultMaxItemBodyChars bounds issue and PR body excerpts.
	DefaultMaxItemBodyChars = 800
)

var repoQueryRe = regexp.MustCompile(`\brepo:([A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+)\b`)

// Options bound the excerpt sizes.
type Options struct {
	MaxBodyChars     int
	MaxItemBodyChars int
}

func (o *Options) defaults() {
	if o.MaxBodyChars <= 0 {
		o.MaxBodyChars = DefaultMaxBodyChars
	}
	if o.MaxItemBodyChars <= 0 {
		o.MaxItemBodyChars = DefaultMaxItemBodyChars
	}
}

// Projector accumulates rows across archived records.
type Projector struct {
	opts Options

	workItems  map[string]model.WorkItem
	events     []model.WorkItemEvent
	comments   []model.Comment
	reviews    []model.PRReview
	activities map[string]model.UserActivity
}

// New creates a Projector.
func New(opts Options) *Projector {
	opts.defaults()
	return &Projector{
		opts:       opts,
		workItems:  map[string]model.WorkItem{},
		activities: map[string]model.UserActivity{},
	}
}

// Run walks the archive and returns the sorted projection.
func (p *Projector) Run(store *archive.Store) (*model.Projection, error) {
	err := store.Walk(func(_ string, rec *archive.Record) error {
		p.Consume(rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("project: walk archive: %w", err)
	}
	return p.Result(), nil
}

// Consume folds one archived record into the projection. Records without
// a derivable repo or an unknown tag are skipped.
func (p *Projector) Consume(rec *archive.Record) {
	repo := deriveRepoFullName(rec)
	if repo == "" {
		return
	}
	tag := rec.Meta.Tag
	resp, ok := rec.Response.JSON.(map[string]any)
	if !ok {
		return
	}

	switch {
	case strings.HasPrefix(tag, "discovery_"):
		p.consumeDiscovery(repo, resp)
	case strings.HasPrefix(tag, "graphql_core_item"):
		p.consumeCore(repo, resp)
	case strings.HasPrefix(tag, "graphql_comments_item"):
		p.consumeComments(repo, rec, resp)
	case strings.HasPrefix(tag, "graphql_timeline_item"):
		p.consumeTimeline(repo, rec, resp)
	case strings.HasPrefix(tag, "graphql_reviews_pr"):
		p.consumeReviews(repo, rec, resp)
	}
}

// Result sorts and returns everything consumed so far. Work items are
// keyed by (repo, number, type) so re-hydrated cores overwrite cleanly;
// activities dedupe on their full identity.
func (p *Projector) Result() *model.Projection {
	items := make([]model.WorkItem, 0, len(p.workItems))
	for _, wi := range p.workItems {
		items = append(items, wi)
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.RepoFullName != b.RepoFullName {
			return a.RepoFullName < b.RepoFullName
		}
		if a.Number != b.Number {
			return a.Number < b.Number
		}
		return a.Type < b.Type
	})

	events := append([]model.WorkItemEvent(nil), p.events...)
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.RepoFullName != b.RepoFullName {
			return a.RepoFullName < b.RepoFullName
		}
		if a.Number != b.Number {
			return a.Number < b.Number
		}
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.Before(b.OccurredAt)
		}
		if a.EventType != b.EventType {
			return a.EventType < b.EventType
		}
		return a.EventID < b.EventID
	})

	comments := append([]model.Comment(nil), p.comments...)
	sort.Slice(comments, func(i, j int) bool {
		a, b := comments[i], comments[j]
		if a.RepoFullName != b.RepoFullName {
			return a.RepoFullName < b.RepoFullName
		}
		if a.Number != b.Number {
			return a.Number < b.Number
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.CommentID < b.CommentID
	})

	reviews := append([]model.PRReview(nil), p.reviews...)
	sort.Slice(reviews, func(i, j int) bool {
		a, b := reviews[i], reviews[j]
		if a.RepoFullName != b.RepoFullName {
			return a.RepoFullName < b.RepoFullName
		}
		if a.PRNumber != b.PRNumber {
			return a.PRNumber < b.PRNumber
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.ReviewID < b.ReviewID
	})

	acts := make([]model.UserActivity, 0, len(p.activities))
	for _, a := range p.activities {
		acts = append(acts, a)
	}
	sort.Slice(acts, func(i, j int) bool {
		a, b := acts[i], acts[j]
		if a.RepoFullName != b.RepoFullName {
			return a.RepoFullName < b.RepoFullName
		}
		if a.Login != b.Login {
			return a.Login < b.Login
		}
		at, bt := timeOrZero(a.OccurredAt), timeOrZero(b.OccurredAt)
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		if a.Activity != b.Activity {
			return a.Activity < b.Activity
		}
		return a.Reference < b.Reference
	})

	return &model.Projection{
		WorkItems:  items,
		Events:     events,
		Comments:   comments,
		Reviews:    reviews,
		Activities: acts,
	}
}

func (p *Projector) addActivity(a model.UserActivity) {
	key := fmt.Sprintf("%s|%s|%s|%d|%s", a.RepoFullName, a.Login, a.Activity, a.Number, a.Reference)
	p.activities[key] = a
}

func (p *Projector) consumeDiscovery(repo string, resp map[string]any) {
	items, _ := resp["items"].([]any)
	for _, raw := range items {
		it, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		login := actorLogin(it["user"])
		number, hasNumber := asInt(it["number"])
		occurredAt := parseTime(str(it["created_at"]))
		reference := str(it["html_url"])
		if login == "" || !hasNumber || occurredAt == nil || reference == "" {
			continue
		}
		activity := "issue_opened"
		if _, isPR := it["pull_request"].(map[string]any); isPR {
			activity = "pr_opened"
		}
		p.addActivity(model.UserActivity{
			RepoFullName: repo,
			Login:        login,
			Activity:     activity,
			Number:       number,
			OccurredAt:   occurredAt,
			Reference:    reference,
		})
	}
}

func (p *Projector) consumeCore(repo string, resp map[string]any) {
	item := itemNode(resp)
	if item == nil {
		return
	}
	typename := str(item["__typename"])
	if typename != "Issue" && typename != "PullRequest" {
		return
	}
	number, ok := asInt(item["number"])
	if !ok {
		return
	}
	itemType := "issue"
	if typename == "PullRequest" {
		itemType = "pr"
	}

	wi := model.WorkItem{
		RepoFullName:      repo,
		Number:            number,
		Type:              itemType,
		URL:               str(item["url"]),
		Title:             str(item["title"]),
		BodyExcerpt:       Excerpt(str(item["body"]), p.opts.MaxItemBodyChars),
		State:             str(item["state"]),
		CreatedAt:         parseTime(str(item["createdAt"])),
		ClosedAt:          parseTime(str(item["closedAt"])),
		AuthorLogin:       actorLogin(item["author"]),
		AuthorAssociation: str(item["authorAssociation"]),
		Labels:            labelNames(item["labels"]),
		MilestoneTitle:    nestedStr(item["milestone"], "title"),
	}
	if wi.URL == "" {
		wi.URL = workItemURL(repo, itemType, number)
	}
	wi.CommentCount = totalCount(item["comments"])

	if typename == "PullRequest" {
		wi.MergedAt = parseTime(str(item["mergedAt"]))
		wi.IsMerged = wi.MergedAt != nil
		wi.MergedBy = actorLogin(item["mergedBy"])
		wi.ReviewCount = totalCount(item["reviews"])
		wi.ChangedFiles = intPtr(item["changedFiles"])
		wi.Additions = intPtr(item["additions"])
		wi.Deletions = intPtr(item["deletions"])
	}

	key := fmt.Sprintf("%s|%d|%s", repo, number, itemType)
	p.workItems[key] = wi

	if wi.AuthorLogin != "" && wi.CreatedAt != nil {
		activity := "issue_opened"
		if itemType == "pr" {
			activity = "pr_opened"
		}
		p.addActivity(model.UserActivity{
			RepoFullName: repo,
			Login:        wi.AuthorLogin,
			Activity:     activity,
			Number:       number,
			OccurredAt:   wi.CreatedAt,
			Reference:    wi.URL,
		})
	}
}

func (p *Projector) consumeComments(repo string, rec *archive.Record, resp map[string]any) {
	item := itemNode(resp)
	if item == nil {
		return
	}
	itemType, ok := itemTypeOf(item)
	if !ok {
		return
	}
	number, ok := deriveNumber(rec)
	if !ok {
		return
	}
	reference := workItemURL(repo, itemType, number)

	for _, raw := range connectionNodes(item["comments"]) {
		c, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		createdAt := parseTime(str(c["createdAt"]))
		if createdAt == nil {
			continue
		}
		commentID := str(c["id"])
		if commentID == "" {
			commentID = SurrogateKey(c)
		}
		login := actorLogin(c["author"])
		p.comments = append(p.comments, model.Comment{
			RepoFullName:      repo,
			Number:            number,
			Type:              itemType,
			CommentID:         commentID,
			URL:               str(c["url"]),
			CreatedAt:         *createdAt,
			AuthorLogin:       login,
			AuthorAssociation: str(c["authorAssociation"]),
			BodyExcerpt:       Excerpt(str(c["body"]), p.opts.MaxBodyChars),
		})
		if login != "" {
			p.addActivity(model.UserActivity{
				RepoFullName: repo,
				Login:        login,
				Activity:     "commented",
				Number:       number,
				OccurredAt:   createdAt,
				Reference:    reference,
			})
		}
	}
}

func (p *Projector) consumeTimeline(repo string, rec *archive.Record, resp map[string]any) {
	item := itemNode(resp)
	if item == nil {
		return
	}
	itemType, ok := itemTypeOf(item)
	if !ok {
		return
	}
	number, ok := deriveNumber(rec)
	if !ok {
		return
	}
	reference := workItemURL(repo, itemType, number)

	for _, raw := range connectionNodes(item["timelineItems"]) {
		ev, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		typename := str(ev["__typename"])
		if typename == "" {
			continue
		}
		occurredAt := parseTime(str(ev["createdAt"]))
		if occurredAt == nil {
			continue
		}
		subjectType, subject := eventSubject(typename, ev)
		eventID := str(ev["id"])
		if eventID == "" {
			eventID = SurrogateKey(ev)
		}
		p.events = append(p.events, model.WorkItemEvent{
			RepoFullName: repo,
			Number:       number,
			Type:         itemType,
			EventID:      eventID,
			EventType:    CanonicalEventName(typename),
			OccurredAt:   *occurredAt,
			ActorLogin:   actorLogin(ev["actor"]),
			SubjectType:  subjectType,
			Subject:      subject,
			Reference:    reference,
		})
	}
}

func (p *Projector) consumeReviews(repo string, rec *archive.Record, resp map[string]any) {
	data, _ := resp["data"].(map[string]any)
	repoNode, _ := data["repository"].(map[string]any)
	pr, _ := repoNode["pullRequest"].(map[string]any)
	if pr == nil {
		return
	}
	number, ok := deriveNumber(rec)
	if !ok {
		return
	}
	reference := workItemURL(repo, "pr", number)

	for _, raw := range connectionNodes(pr["reviews"]) {
		r, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		submittedAt := parseTime(str(r["submittedAt"]))
		if submittedAt == nil {
			continue
		}
		reviewID := str(r["id"])
		if reviewID == "" {
			reviewID = SurrogateKey(r)
		}
		login := actorLogin(r["author"])
		p.reviews = append(p.reviews, model.PRReview{
			RepoFullName: repo,
			PRNumber:     number,
			ReviewID:     reviewID,
			ReviewState:  str(r["state"]),
			SubmittedAt:  *submittedAt,
			AuthorLogin:  login,
			BodyExcerpt:  Excerpt(str(r["body"]), p.opts.MaxBodyChars),
			Reference:    reference,
		})
		if login != "" {
			p.addActivity(model.UserActivity{
				RepoFullName: repo,
				Login:        login,
				Activity:     "reviewed",
				Number:       number,
				OccurredAt:   submittedAt,
				Reference:    reference,
			})
		}
	}
}

// CanonicalEventName maps a GraphQL timeline typename to its canonical
// short form: ClosedEvent becomes Closed, RenamedTitleEvent becomes
// RenamedTitle, and so on.
func CanonicalEventName(typename string) string {
	return strings.TrimSuffix(typename, "Event")
}

func eventSubject(typename string, ev map[string]any) (subjectType, subject string) {
	switch typename {
	case "LabeledEvent", "UnlabeledEvent":
		if name := nestedStr(ev["label"], "name"); name != "" {
			return "label", name
		}
	case "MilestonedEvent", "DemilestonedEvent":
		if title := str(ev["milestoneTitle"]); title != "" {
			return "milestone", title
		}
	case "AssignedEvent", "UnassignedEvent":
		if login := nestedStr(ev["assignee"], "login"); login != "" {
			return "assignee", login
		}
	case "CrossReferencedEvent":
		if u := nestedStr(ev["source"], "url"); u != "" {
			return "source", u
		}
	case "ReferencedEvent":
		if u := nestedStr(ev["commit"], "url"); u != "" {
			return "commit", u
		}
	}
	return "", ""
}

// Excerpt collapses all whitespace runs to single spaces, trims, and
// truncates to maxChars with a terminal ellipsis.
func Excerpt(text string, maxChars int) string {
	s := []rune(strings.Join(strings.Fields(text), " "))
	if len(s) <= maxChars {
		return string(s)
	}
	cut := maxChars - 1
	if cut < 0 {
		cut = 0
	}
	return string(s[:cut]) + "…"
}

// SurrogateKey derives a stable id for nodes the forge returned without
// one: the sha256 of the node's canonical JSON, truncated.
func SurrogateKey(node any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(node); err != nil {
		return ""
	}
	sum := sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return "sha256:" + hex.EncodeToString(sum[:])[:12]
}

// deriveRepoFullName prefers GraphQL variables, then the repo: qualifier
// in a REST search query.
func deriveRepoFullName(rec *archive.Record) string {
	if body, ok := rec.Request.Body.(map[string]any); ok {
		if vars, ok := body["variables"].(map[string]any); ok {
			owner := str(vars["owner"])
			name := str(vars["name"])
			if owner != "" && name != "" {
				return owner + "/" + name
			}
		}
	}
	parsed, err := url.Parse(rec.Request.URL)
	if err != nil {
		return ""
	}
	q := parsed.Query().Get("q")
	if q == "" {
		return ""
	}
	m := repoQueryRe.FindStringSubmatch(q)
	if m == nil {
		return ""
	}
	return m[1]
}

func deriveNumber(rec *archive.Record) (int, bool) {
	body, ok := rec.Request.Body.(map[string]any)
	if !ok {
		return 0, false
	}
	vars, ok := body["variables"].(map[string]any)
	if !ok {
		return 0, false
	}
	return asInt(vars["number"])
}

// actorLogin renders the "@login" identity. Actors without a login (a
// deleted account, a ghost bot) fall back to "user-<id>" so their rows
// stay attributable.
func actorLogin(actor any) string {
	m, ok := actor.(map[string]any)
	if !ok {
		return ""
	}
	if login := str(m["login"]); login != "" {
		return "@" + strings.TrimLeft(login, "@")
	}
	if id, ok := asInt(m["databaseId"]); ok {
		return fmt.Sprintf("user-%d", id)
	}
	if id := str(m["id"]); id != "" {
		return "user-" + id
	}
	return ""
}

func workItemURL(repo, itemType string, number int) string {
	owner, name, _ := strings.Cut(repo, "/")
	path := "issues"
	if itemType == "pr" {
		path = "pull"
	}
	return fmt.Sprintf("https://github.com/%s/%s/%s/%d", owner, name, path, number)
}

func itemNode(resp map[string]any) map[string]any {
	data, _ := resp["data"].(map[string]any)
	repoNode, _ := data["repository"].(map[string]any)
	item, _ := repoNode["issueOrPullRequest"].(map[string]any)
	return item
}

func itemTypeOf(item map[string]any) (string, bool) {
	switch str(item["__typename"]) {
	case "Issue":
		return "issue", true
	case "PullRequest":
		return "pr", true
	}
	return "", false
}

func connectionNodes(conn any) []any {
	m, ok := conn.(map[string]any)
	if !ok {
		return nil
	}
	nodes, _ := m["nodes"].([]any)
	return nodes
}

func labelNames(labels any) []string {
	seen := map[string]bool{}
	var names []string
	for _, raw := range connectionNodes(labels) {
		if n, ok := raw.(map[string]any); ok {
			if name := str(n["name"]); name != "" && !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	if names == nil {
		names = []string{}
	}
	return names
}

func nestedStr(v any, key string) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	return str(m[key])
}

func totalCount(v any) *int {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return intPtr(m["totalCount"])
}

func intPtr(v any) *int {
	if n, ok := asInt(v); ok {
		return &n
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func parseTime(value string) *time.Time {
	s := strings.TrimSpace(value)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

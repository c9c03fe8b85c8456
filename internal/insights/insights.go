// Package insights derives a bounded, evidence-linked report from the
// projected relational views: insight cards (label taxonomy, workflow
// signals, recurring maintainer asks) plus repo-level aggregates. Every
// card cites work-item URLs so a reader can check the claim.
package insights

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ashita-ai/hanrei/internal/model"
)

const (
	DefaultMaxCards          = 30
	DefaultMaxEvidence       = 5
	DefaultMaxStatementChars = 240
)

// Options bound the report size.
type Options struct {
	MaxCards          int
	MaxEvidence       int
	MaxStatementChars int
}

func (o *Options) defaults() {
	if o.MaxCards <= 0 {
		o.MaxCards = DefaultMaxCards
	}
	if o.MaxEvidence <= 0 {
		o.MaxEvidence = DefaultMaxEvidence
	}
	if o.MaxStatementChars <= 0 {
		o.MaxStatementChars = DefaultMaxStatementChars
	}
}

// Evidence is one citation backing a card.
type Evidence struct {
	URL string `json:"url"`
	Why string `json:"why"`
}

// Card is one bounded insight statement with its citations.
type Card struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Statement    string     `json:"statement"`
	Confidence   string     `json:"confidence"`
	Evidence     []Evidence `json:"evidence"`
	RepoFullName string     `json:"repo_full_name"`
}

// CountEntry is a name with an occurrence count, used by the aggregates.
type CountEntry struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Aggregates are repo-level rollups computed alongside the cards.
type Aggregates struct {
	TopCommenters          []CountEntry `json:"top_commenters"`
	LabelFrequency         []CountEntry `json:"label_frequency"`
	ReviewCounts           []CountEntry `json:"review_counts"`
	MedianTimeToCloseHours *float64     `json:"median_time_to_close_hours,omitempty"`
}

// Notes record the bounds the report was generated under.
type Notes struct {
	BoundedContext    bool `json:"bounded_context"`
	StatementMaxChars int  `json:"statement_max_chars"`
	MaxCards          int  `json:"max_cards"`
	MaxEvidence       int  `json:"max_evidence"`
}

// Report is the full repo_insights payload.
type Report struct {
	RepoFullName string     `json:"repo_full_name"`
	GeneratedAt  time.Time  `json:"generated_at_utc"`
	CardCount    int        `json:"card_count"`
	Cards        []Card     `json:"cards"`
	Aggregates   Aggregates `json:"aggregates"`
	Notes        Notes      `json:"notes"`
}

var confidenceRank = map[string]int{"high": 0, "medium": 1, "low": 2}

var typeRank = map[string]int{"taxonomy": 0, "workflow": 1, "support_checklist": 2}

// Build computes the bounded insight report from a projection.
func Build(proj *model.Projection, now time.Time, opts Options) *Report {
	opts.defaults()

	repo := repoFullName(proj)

	taxonomy := labelCards(proj, repo, opts)
	taxonomy = append(taxonomy, labelPairCards(proj, repo, opts)...)
	workflow := workflowCards(proj, repo, opts)
	support := supportCards(proj, repo, opts)

	taxonomy = dedupe(taxonomy)
	workflow = dedupe(workflow)
	support = dedupe(support)

	sortCards(taxonomy)
	sortCards(workflow)
	sortCards(support)

	cards := selectBalanced(taxonomy, workflow, support, opts.MaxCards)

	return &Report{
		RepoFullName: repo,
		GeneratedAt:  now.UTC().Truncate(time.Second),
		CardCount:    len(cards),
		Cards:        cards,
		Aggregates:   aggregates(proj),
		Notes: Notes{
			BoundedContext:    true,
			StatementMaxChars: opts.MaxStatementChars,
			MaxCards:          opts.MaxCards,
			MaxEvidence:       opts.MaxEvidence,
		},
	}
}

func repoFullName(proj *model.Projection) string {
	if len(proj.WorkItems) > 0 {
		return proj.WorkItems[0].RepoFullName
	}
	if len(proj.Events) > 0 {
		return proj.Events[0].RepoFullName
	}
	if len(proj.Comments) > 0 {
		return proj.Comments[0].RepoFullName
	}
	return "unknown/unknown"
}

// labelCards emits frequency cards for the most common labels, split by
// item type so issue and PR taxonomies read separately.
func labelCards(proj *model.Projection, repo string, opts Options) []Card {
	issueCounts := map[string]int{}
	prCounts := map[string]int{}
	refs := map[string][]string{}

	for _, wi := range proj.WorkItems {
		for _, lab := range wi.Labels {
			if lab == "" {
				continue
			}
			if wi.Type == "issue" {
				issueCounts[lab]++
			} else {
				prCounts[lab]++
			}
			if len(refs[lab]) < opts.MaxEvidence {
				refs[lab] = append(refs[lab], wi.URL)
			}
		}
	}

	var cards []Card
	for _, e := range topEntries(issueCounts, 8) {
		cards = append(cards, Card{
			ID:           "labels.issue." + e.Name,
			Type:         "taxonomy",
			Statement:    shorten(fmt.Sprintf("Label `%s` is used frequently on recently closed issues (%d samples).", e.Name, e.Count), opts.MaxStatementChars),
			Confidence:   "medium",
			Evidence:     evidenceFor(refs[e.Name], "label usage example", opts.MaxEvidence),
			RepoFullName: repo,
		})
	}
	for _, e := range topEntries(prCounts, 8) {
		cards = append(cards, Card{
			ID:           "labels.pr." + e.Name,
			Type:         "taxonomy",
			Statement:    shorten(fmt.Sprintf("Label `%s` is used frequently on recently closed PRs (%d samples).", e.Name, e.Count), opts.MaxStatementChars),
			Confidence:   "medium",
			Evidence:     evidenceFor(refs[e.Name], "label usage example", opts.MaxEvidence),
			RepoFullName: repo,
		})
	}
	return cards
}

// labelPairCards surfaces the label combinations that co-occur most often.
func labelPairCards(proj *model.Projection, repo string, opts Options) []Card {
	pairCounts := map[string]int{}
	pairRefs := map[string][]string{}

	for _, wi := range proj.WorkItems {
		uniq := uniqueSorted(wi.Labels)
		for i := 0; i < len(uniq); i++ {
			for j := i + 1; j < len(uniq); j++ {
				key := uniq[i] + "+" + uniq[j]
				pairCounts[key]++
				if len(pairRefs[key]) < opts.MaxEvidence {
					pairRefs[key] = append(pairRefs[key], wi.URL)
				}
			}
		}
	}

	var cards []Card
	for _, e := range topEntries(pairCounts, 6) {
		a, b, _ := strings.Cut(e.Name, "+")
		conf := "medium"
		if e.Count < 3 {
			conf = "low"
		}
		cards = append(cards, Card{
			ID:           "labels.pair." + e.Name,
			Type:         "taxonomy",
			Statement:    shorten(fmt.Sprintf("Labels `%s` and `%s` are often applied together (%d samples).", a, b, e.Count), opts.MaxStatementChars),
			Confidence:   conf,
			Evidence:     evidenceFor(pairRefs[e.Name], "co-occurrence example", opts.MaxEvidence),
			RepoFullName: repo,
		})
	}
	return cards
}

// workflowCards covers the reopen rate and the most frequent timeline
// event types.
func workflowCards(proj *model.Projection, repo string, opts Options) []Card {
	var closed, reopened int
	var reopenRefs []string
	evCounts := map[string]int{}
	evRefs := map[string][]string{}

	for _, ev := range proj.Events {
		evCounts[ev.EventType]++
		if len(evRefs[ev.EventType]) < opts.MaxEvidence && ev.Reference != "" {
			evRefs[ev.EventType] = append(evRefs[ev.EventType], ev.Reference)
		}
		switch ev.EventType {
		case "Closed":
			closed++
		case "Reopened":
			reopened++
			if len(reopenRefs) < opts.MaxEvidence && ev.Reference != "" {
				reopenRefs = append(reopenRefs, ev.Reference)
			}
		}
	}

	var cards []Card
	if closed > 0 && reopened > 0 {
		pct := float64(reopened) / float64(closed) * 100.0
		cards = append(cards, Card{
			ID:           "workflow.reopen_rate",
			Type:         "workflow",
			Statement:    shorten(fmt.Sprintf("Some items are reopened after being closed (about %.1f%% of close events).", pct), opts.MaxStatementChars),
			Confidence:   "low",
			Evidence:     evidenceFor(reopenRefs, "reopen example", opts.MaxEvidence),
			RepoFullName: repo,
		})
	}

	for _, e := range topEntries(evCounts, 6) {
		if e.Name == "Closed" || e.Name == "Reopened" {
			continue
		}
		conf := "medium"
		if e.Count < 5 {
			conf = "low"
		}
		cards = append(cards, Card{
			ID:           "workflow.event." + e.Name,
			Type:         "workflow",
			Statement:    shorten(fmt.Sprintf("`%s` events appear frequently in item timelines (%d samples).", e.Name, e.Count), opts.MaxStatementChars),
			Confidence:   conf,
			Evidence:     evidenceFor(evRefs[e.Name], e.Name+" example", opts.MaxEvidence),
			RepoFullName: repo,
		})
	}
	return cards
}

var tokenSplitRe = regexp.MustCompile(`[^A-Za-z0-9_./:-]+`)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "can": {}, "do": {}, "for": {}, "from": {},
	"get": {}, "has": {}, "have": {}, "i": {}, "if": {}, "in": {}, "is": {},
	"it": {}, "just": {}, "me": {}, "my": {}, "no": {}, "not": {}, "of": {},
	"on": {}, "or": {}, "our": {}, "please": {}, "so": {}, "that": {},
	"the": {}, "this": {}, "to": {}, "try": {}, "we": {}, "what": {},
	"with": {}, "you": {}, "your": {},
}

func tokenize(text string) []string {
	var out []string
	for _, t := range tokenSplitRe.Split(strings.ToLower(text), -1) {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func isMaintainerRole(assoc string) bool {
	switch assoc {
	case "MEMBER", "OWNER", "COLLABORATOR":
		return true
	}
	return false
}

// supportCards mines maintainer comments for the terms they repeat,
// approximating the checklist maintainers keep asking contributors for.
func supportCards(proj *model.Projection, repo string, opts Options) []Card {
	tokCounts := map[string]int{}
	tokRefs := map[string][]string{}

	for _, c := range proj.Comments {
		if !isMaintainerRole(c.AuthorAssociation) {
			continue
		}
		ref := workItemRef(repo, c.Type, c.Number)
		for _, t := range tokenize(c.BodyExcerpt) {
			if len(t) < 3 {
				continue
			}
			if _, stop := stopwords[t]; stop {
				continue
			}
			tokCounts[t]++
			if len(tokRefs[t]) < opts.MaxEvidence {
				tokRefs[t] = append(tokRefs[t], ref)
			}
		}
	}

	var cards []Card
	for _, e := range topEntries(tokCounts, 12) {
		conf := "medium"
		if e.Count < 3 {
			conf = "low"
		}
		cards = append(cards, Card{
			ID:           "support.keyword." + e.Name,
			Type:         "support_checklist",
			Statement:    shorten(fmt.Sprintf("Maintainer comments repeatedly mention `%s` (%d occurrences).", e.Name, e.Count), opts.MaxStatementChars),
			Confidence:   conf,
			Evidence:     evidenceFor(tokRefs[e.Name], fmt.Sprintf("keyword '%s' appears", e.Name), opts.MaxEvidence),
			RepoFullName: repo,
		})
	}
	return cards
}

func workItemRef(repo, itemType string, number int) string {
	path := "issues"
	if itemType == "pr" {
		path = "pull"
	}
	return fmt.Sprintf("https://github.com/%s/%s/%d", repo, path, number)
}

func aggregates(proj *model.Projection) Aggregates {
	commenters := map[string]int{}
	for _, c := range proj.Comments {
		if c.AuthorLogin != "" {
			commenters[c.AuthorLogin]++
		}
	}

	labels := map[string]int{}
	for _, wi := range proj.WorkItems {
		for _, lab := range wi.Labels {
			labels[lab]++
		}
	}

	reviewers := map[string]int{}
	for _, r := range proj.Reviews {
		if r.AuthorLogin != "" {
			reviewers[r.AuthorLogin]++
		}
	}

	var closeDurations []time.Duration
	for _, wi := range proj.WorkItems {
		if wi.CreatedAt != nil && wi.ClosedAt != nil && wi.ClosedAt.After(*wi.CreatedAt) {
			closeDurations = append(closeDurations, wi.ClosedAt.Sub(*wi.CreatedAt))
		}
	}

	return Aggregates{
		TopCommenters:          topEntries(commenters, 10),
		LabelFrequency:         topEntries(labels, 10),
		ReviewCounts:           topEntries(reviewers, 10),
		MedianTimeToCloseHours: medianHours(closeDurations),
	}
}

func medianHours(ds []time.Duration) *float64 {
	if len(ds) == 0 {
		return nil
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	var m time.Duration
	mid := len(ds) / 2
	if len(ds)%2 == 1 {
		m = ds[mid]
	} else {
		m = (ds[mid-1] + ds[mid]) / 2
	}
	h := m.Hours()
	return &h
}

// topEntries returns the n highest counts, ties broken by name so the
// output is stable across runs.
func topEntries(counts map[string]int, n int) []CountEntry {
	entries := make([]CountEntry, 0, len(counts))
	for name, count := range counts {
		entries = append(entries, CountEntry{Name: name, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Name < entries[j].Name
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

func evidenceFor(urls []string, why string, maxEvidence int) []Evidence {
	out := make([]Evidence, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		out = append(out, Evidence{URL: u, Why: why})
		if len(out) == maxEvidence {
			break
		}
	}
	return out
}

func uniqueSorted(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func shorten(s string, maxChars int) string {
	r := []rune(strings.Join(strings.Fields(s), " "))
	if len(r) <= maxChars {
		return string(r)
	}
	if maxChars < 1 {
		return ""
	}
	return string(r[:maxChars-1]) + "…"
}

func dedupe(cards []Card) []Card {
	seen := map[string]struct{}{}
	out := make([]Card, 0, len(cards))
	for _, c := range cards {
		if c.ID == "" {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

func sortCards(cards []Card) {
	sort.Slice(cards, func(i, j int) bool {
		ri, rj := confRank(cards[i].Confidence), confRank(cards[j].Confidence)
		if ri != rj {
			return ri < rj
		}
		return cards[i].ID < cards[j].ID
	})
}

func confRank(c string) int {
	if r, ok := confidenceRank[c]; ok {
		return r
	}
	return 9
}

// selectBalanced caps the card list with per-type quotas (60% taxonomy,
// 20% workflow, remainder support) so one card type cannot crowd out the
// others, then backfills any unused slots from the leftovers.
func selectBalanced(taxonomy, workflow, support []Card, maxCards int) []Card {
	if maxCards <= 0 {
		return []Card{}
	}
	quotaTax := max(1, maxCards*6/10)
	quotaWork := max(1, maxCards*2/10)
	quotaSupport := max(1, maxCards-quotaTax-quotaWork)

	selected := make([]Card, 0, maxCards)
	selected = append(selected, head(taxonomy, quotaTax)...)
	selected = append(selected, head(workflow, quotaWork)...)
	selected = append(selected, head(support, quotaSupport)...)

	if len(selected) < maxCards {
		var leftovers []Card
		leftovers = append(leftovers, tail(taxonomy, quotaTax)...)
		leftovers = append(leftovers, tail(workflow, quotaWork)...)
		leftovers = append(leftovers, tail(support, quotaSupport)...)
		sort.Slice(leftovers, func(i, j int) bool {
			ri, rj := confRank(leftovers[i].Confidence), confRank(leftovers[j].Confidence)
			if ri != rj {
				return ri < rj
			}
			if leftovers[i].Type != leftovers[j].Type {
				return leftovers[i].Type < leftovers[j].Type
			}
			return leftovers[i].ID < leftovers[j].ID
		})
		for _, c := range leftovers {
			if len(selected) >= maxCards {
				break
			}
			selected = append(selected, c)
		}
	}

	sort.Slice(selected, func(i, j int) bool {
		ti, tj := cardTypeRank(selected[i].Type), cardTypeRank(selected[j].Type)
		if ti != tj {
			return ti < tj
		}
		ri, rj := confRank(selected[i].Confidence), confRank(selected[j].Confidence)
		if ri != rj {
			return ri < rj
		}
		return selected[i].ID < selected[j].ID
	})
	if len(selected) > maxCards {
		selected = selected[:maxCards]
	}
	return selected
}

func cardTypeRank(t string) int {
	if r, ok := typeRank[t]; ok {
		return r
	}
	return 9
}

func head(cards []Card, n int) []Card {
	if len(cards) <= n {
		return cards
	}
	return cards[:n]
}

func tail(cards []Card, n int) []Card {
	if len(cards) <= n {
		return nil
	}
	return cards[n:]
}

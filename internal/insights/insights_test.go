package insights

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hanrei/internal/model"
)

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	t = t.UTC()
	return &t
}

func sampleProjection() *model.Projection {
	return &model.Projection{
		WorkItems: []model.WorkItem{
			{
				RepoFullName: "octo/widgets", Number: 1, Type: "issue",
				URL:    "https://github.com/octo/widgets/issues/1",
				Labels: []string{"bug", "needs-repro"},
				CreatedAt: ts("2026-01-01T00:00:00Z"), ClosedAt: ts("2026-01-02T00:00:00Z"),
			},
			{
				RepoFullName: "octo/widgets", Number: 2, Type: "issue",
				URL:    "https://github.com/octo/widgets/issues/2",
				Labels: []string{"bug", "needs-repro"},
				CreatedAt: ts("2026-01-01T00:00:00Z"), ClosedAt: ts("2026-01-04T00:00:00Z"),
			},
			{
				RepoFullName: "octo/widgets", Number: 7, Type: "pr",
				URL:    "https://github.com/octo/widgets/pull/7",
				Labels: []string{"enhancement"},
			},
		},
		Events: []model.WorkItemEvent{
			{RepoFullName: "octo/widgets", Number: 1, Type: "issue", EventType: "Closed", Reference: "https://github.com/octo/widgets/issues/1"},
			{RepoFullName: "octo/widgets", Number: 2, Type: "issue", EventType: "Closed", Reference: "https://github.com/octo/widgets/issues/2"},
			{RepoFullName: "octo/widgets", Number: 2, Type: "issue", EventType: "Reopened", Reference: "https://github.com/octo/widgets/issues/2"},
			{RepoFullName: "octo/widgets", Number: 1, Type: "issue", EventType: "Labeled", Reference: "https://github.com/octo/widgets/issues/1"},
			{RepoFullName: "octo/widgets", Number: 2, Type: "issue", EventType: "Labeled", Reference: "https://github.com/octo/widgets/issues/2"},
		},
		Comments: []model.Comment{
			{RepoFullName: "octo/widgets", Number: 1, Type: "issue", AuthorLogin: "@maintainer", AuthorAssociation: "MEMBER", BodyExcerpt: "please share reproduction steps and logs"},
			{RepoFullName: "octo/widgets", Number: 2, Type: "issue", AuthorLogin: "@maintainer", AuthorAssociation: "MEMBER", BodyExcerpt: "reproduction steps missing, also attach logs"},
			{RepoFullName: "octo/widgets", Number: 2, Type: "issue", AuthorLogin: "@visitor", AuthorAssociation: "NONE", BodyExcerpt: "same problem here"},
		},
		Reviews: []model.PRReview{
			{RepoFullName: "octo/widgets", PRNumber: 7, AuthorLogin: "@reviewer", ReviewState: "APPROVED"},
		},
	}
}

func TestBuildCards(t *testing.T) {
	report := Build(sampleProjection(), time.Now(), Options{})

	require.Equal(t, "octo/widgets", report.RepoFullName)
	require.Equal(t, len(report.Cards), report.CardCount)

	byID := map[string]Card{}
	for _, c := range report.Cards {
		byID[c.ID] = c
	}

	bug, ok := byID["labels.issue.bug"]
	require.True(t, ok, "expected a frequency card for the bug label")
	assert.Equal(t, "taxonomy", bug.Type)
	assert.Equal(t, "medium", bug.Confidence)
	assert.Contains(t, bug.Statement, "`bug`")
	require.NotEmpty(t, bug.Evidence)
	assert.Equal(t, "https://github.com/octo/widgets/issues/1", bug.Evidence[0].URL)

	pair, ok := byID["labels.pair.bug+needs-repro"]
	require.True(t, ok, "expected a co-occurrence card")
	assert.Equal(t, "low", pair.Confidence, "two samples stay low confidence")

	reopen, ok := byID["workflow.reopen_rate"]
	require.True(t, ok, "expected a reopen-rate card")
	assert.Contains(t, reopen.Statement, "50.0%")
	require.Len(t, reopen.Evidence, 1)

	kw, ok := byID["support.keyword.reproduction"]
	require.True(t, ok, "expected a maintainer keyword card")
	assert.Equal(t, "support_checklist", kw.Type)

	// Non-maintainer comment tokens never become cards.
	_, ok = byID["support.keyword.problem"]
	assert.False(t, ok)
}

func TestCardOrderingAndCap(t *testing.T) {
	report := Build(sampleProjection(), time.Now(), Options{MaxCards: 5})

	require.LessOrEqual(t, len(report.Cards), 5)
	// Final order groups by type: taxonomy, workflow, support.
	lastRank := -1
	for _, c := range report.Cards {
		r := cardTypeRank(c.Type)
		require.GreaterOrEqual(t, r, lastRank, "cards must be grouped by type rank")
		lastRank = r
	}
}

func TestAggregates(t *testing.T) {
	report := Build(sampleProjection(), time.Now(), Options{})
	agg := report.Aggregates

	require.NotEmpty(t, agg.TopCommenters)
	assert.Equal(t, CountEntry{Name: "@maintainer", Count: 2}, agg.TopCommenters[0])

	require.NotNil(t, agg.MedianTimeToCloseHours)
	// Close durations are 24h and 72h; even count takes the average.
	assert.InDelta(t, 48.0, *agg.MedianTimeToCloseHours, 0.01)

	assert.Equal(t, CountEntry{Name: "@reviewer", Count: 1}, agg.ReviewCounts[0])
	assert.Equal(t, CountEntry{Name: "bug", Count: 2}, agg.LabelFrequency[0])
}

func TestShortenBounds(t *testing.T) {
	assert.Equal(t, "abc", shorten("  abc  ", 10))
	long := strings.Repeat("word ", 100)
	got := shorten(long, 20)
	assert.Equal(t, 20, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
}

func TestWriteReport(t *testing.T) {
	dir := t.TempDir()
	report := Build(sampleProjection(), time.Now(), Options{})

	require.NoError(t, WriteReport(dir, report))

	data, err := os.ReadFile(filepath.Join(dir, "repo_insights.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"repo_full_name": "octo/widgets"`)

	md, err := os.ReadFile(filepath.Join(dir, "repo_insights.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "# repo_insights: octo/widgets")
	assert.Contains(t, string(md), "## taxonomy")
	assert.Contains(t, string(md), "## aggregates")
}

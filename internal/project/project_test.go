package project

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hanrei/internal/archive"
)

func record(t *testing.T, tag string, reqBody, respJSON string) *archive.Record {
	t.Helper()
	rec := &archive.Record{
		Request:  archive.RecordRequest{Method: "POST", URL: "https://api.github.com/graphql"},
		Response: archive.RecordResponse{Status: 200},
		Meta:     archive.RecordMeta{Tag: tag, RequestFingerprint: "0123456789abcdef", Attempt: 1},
	}
	if reqBody != "" {
		require.NoError(t, json.Unmarshal([]byte(reqBody), &rec.Request.Body))
	}
	require.NoError(t, json.Unmarshal([]byte(respJSON), &rec.Response.JSON))
	return rec
}

func gqlBody(number int) string {
	return `{"query":"q","variables":{"owner":"octo","name":"widgets","number":` + itoa(number) + `}}`
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestProjectCoreToWorkItem(t *testing.T) {
	p := New(Options{})
	p.Consume(record(t, "graphql_core_item7", gqlBody(7), `{
		"data": {"repository": {"issueOrPullRequest": {
			"__typename": "PullRequest",
			"number": 7,
			"url": "https://github.com/octo/widgets/pull/7",
			"title": "Fix flaky retry loop",
			"body": "The   retry   loop\n\nraces under load.",
			"state": "MERGED",
			"createdAt": "2026-06-02T10:00:00Z",
			"closedAt": "2026-06-03T09:00:00Z",
			"mergedAt": "2026-06-03T09:00:00Z",
			"mergedBy": {"login": "maintainer"},
			"author": {"login": "alice"},
			"authorAssociation": "CONTRIBUTOR",
			"labels": {"nodes": [{"name": "bug"}, {"name": "area/http"}, {"name": "bug"}]},
			"milestone": {"title": "v1.2"},
			"comments": {"totalCount": 3},
			"reviews": {"totalCount": 2},
			"changedFiles": 4,
			"additions": 120,
			"deletions": 30
		}}}
	}`))

	proj := p.Result()
	require.Len(t, proj.WorkItems, 1)
	wi := proj.WorkItems[0]
	assert.Equal(t, "octo/widgets", wi.RepoFullName)
	assert.Equal(t, "pr", wi.Type)
	assert.Equal(t, "The retry loop races under load.", wi.BodyExcerpt)
	assert.Equal(t, "@alice", wi.AuthorLogin)
	assert.Equal(t, "@maintainer", wi.MergedBy)
	assert.True(t, wi.IsMerged)
	assert.Equal(t, []string{"area/http", "bug"}, wi.Labels)
	assert.Equal(t, "v1.2", wi.MilestoneTitle)
	require.NotNil(t, wi.CommentCount)
	assert.Equal(t, 3, *wi.CommentCount)

	// the author's pr_opened activity is derived alongside
	require.Len(t, proj.Activities, 1)
	assert.Equal(t, "pr_opened", proj.Activities[0].Activity)
	assert.Equal(t, "@alice", proj.Activities[0].Login)
}

func TestProjectTimelineCanonicalNames(t *testing.T) {
	p := New(Options{})
	p.Consume(record(t, "graphql_timeline_item3", gqlBody(3), `{
		"data": {"repository": {"issueOrPullRequest": {
			"__typename": "Issue",
			"timelineItems": {"nodes": [
				{"__typename": "ClosedEvent", "id": "E2", "createdAt": "2026-06-05T12:00:00Z",
				 "actor": {"login": "bob"}},
				{"__typename": "LabeledEvent", "id": "E1", "createdAt": "2026-06-04T12:00:00Z",
				 "actor": {"login": "bob"}, "label": {"name": "needs-triage"}},
				{"__typename": "RenamedTitleEvent", "id": "E3", "createdAt": "2026-06-04T13:00:00Z",
				 "actor": {"login": "carol"}}
			]}
		}}}
	}`))

	proj := p.Result()
	require.Len(t, proj.Events, 3)
	// sorted by occurred_at within the item
	assert.Equal(t, "Labeled", proj.Events[0].EventType)
	assert.Equal(t, "label", proj.Events[0].SubjectType)
	assert.Equal(t, "needs-triage", proj.Events[0].Subject)
	assert.Equal(t, "RenamedTitle", proj.Events[1].EventType)
	assert.Equal(t, "Closed", proj.Events[2].EventType)
	assert.Equal(t, "@bob", proj.Events[2].ActorLogin)
	assert.Equal(t, "https://github.com/octo/widgets/issues/3", proj.Events[0].Reference)
}

func TestProjectTimelineFallbackIdentifiers(t *testing.T) {
	p := New(Options{})
	p.Consume(record(t, "graphql_timeline_item7", gqlBody(7), `{
		"data": {"repository": {"issueOrPullRequest": {
			"__typename": "Issue",
			"timelineItems": {"nodes": [
				{"__typename": "ClosedEvent", "id": "", "createdAt": "2026-06-05T12:00:00Z",
				 "actor": {"databaseId": 9152}},
				{"__typename": "ReopenedEvent", "createdAt": "2026-06-06T12:00:00Z",
				 "actor": {"id": "U_node1"}}
			]}
		}}}
	}`))

	proj := p.Result()
	require.Len(t, proj.Events, 2)
	for _, ev := range proj.Events {
		// Missing node ids get a stable surrogate, not an empty key.
		assert.True(t, strings.HasPrefix(ev.EventID, "sha256:"), ev.EventType)
		assert.Len(t, ev.EventID, len("sha256:")+12, ev.EventType)
	}
	assert.Equal(t, "user-9152", proj.Events[0].ActorLogin)
	assert.Equal(t, "user-U_node1", proj.Events[1].ActorLogin)
}

func TestProjectCommentsSurrogateKeyAndActivity(t *testing.T) {
	p := New(Options{MaxBodyChars: 20})
	p.Consume(record(t, "graphql_comments_item3_pdeadbeef", gqlBody(3), `{
		"data": {"repository": {"issueOrPullRequest": {
			"__typename": "Issue",
			"comments": {"nodes": [
				{"body": "a comment with a body long enough to truncate",
				 "createdAt": "2026-06-04T10:00:00Z",
				 "author": {"login": "dana"}, "authorAssociation": "MEMBER"}
			]}
		}}}
	}`))

	proj := p.Result()
	require.Len(t, proj.Comments, 1)
	c := proj.Comments[0]
	assert.True(t, strings.HasPrefix(c.CommentID, "sha256:"))
	assert.Len(t, c.CommentID, len("sha256:")+12)
	assert.Equal(t, 20, len([]rune(c.BodyExcerpt)))
	assert.True(t, strings.HasSuffix(c.BodyExcerpt, "…"))

	require.Len(t, proj.Activities, 1)
	assert.Equal(t, "commented", proj.Activities[0].Activity)
	assert.Equal(t, "@dana", proj.Activities[0].Login)
}

func TestProjectDiscoveryActivitiesDedupe(t *testing.T) {
	searchRec := func() *archive.Record {
		rec := &archive.Record{
			Request: archive.RecordRequest{
				Method: "GET",
				URL:    "https://api.github.com/search/issues?q=repo%3Aocto%2Fwidgets+is%3Aissue+state%3Aclosed&per_page=100&page=1",
			},
			Meta: archive.RecordMeta{Tag: "discovery_issue_page1"},
		}
		_ = json.Unmarshal([]byte(`{
			"items": [{"number": 3, "html_url": "https://github.com/octo/widgets/issues/3",
				"user": {"login": "alice"}, "created_at": "2026-06-01T08:00:00Z",
				"author_association": "CONTRIBUTOR"}]
		}`), &rec.Response.JSON)
		return rec
	}

	p := New(Options{})
	p.Consume(searchRec())
	p.Consume(searchRec())

	proj := p.Result()
	require.Len(t, proj.Activities, 1)
	assert.Equal(t, "issue_opened", proj.Activities[0].Activity)
	assert.Equal(t, "octo/widgets", proj.Activities[0].RepoFullName)
}

func TestProjectReviews(t *testing.T) {
	p := New(Options{})
	p.Consume(record(t, "graphql_reviews_pr7_pstart", gqlBody(7), `{
		"data": {"repository": {"pullRequest": {
			"reviews": {"nodes": [
				{"id": "R1", "state": "APPROVED", "submittedAt": "2026-06-03T08:00:00Z",
				 "author": {"login": "maintainer"}, "body": "LGTM"}
			]}
		}}}
	}`))

	proj := p.Result()
	require.Len(t, proj.Reviews, 1)
	r := proj.Reviews[0]
	assert.Equal(t, "APPROVED", r.ReviewState)
	assert.Equal(t, "@maintainer", r.AuthorLogin)
	assert.Equal(t, "https://github.com/octo/widgets/pull/7", r.Reference)

	require.Len(t, proj.Activities, 1)
	assert.Equal(t, "reviewed", proj.Activities[0].Activity)
}

func TestExcerptBounds(t *testing.T) {
	assert.Equal(t, "", Excerpt("", 10))
	assert.Equal(t, "short", Excerpt("  short  ", 10))
	assert.Equal(t, "exactlyten", Excerpt("exactlyten", 10))

	out := Excerpt("0123456789X", 10)
	assert.Equal(t, "012345678…", out)
	assert.Equal(t, 10, len([]rune(out)))
}

func TestExportCSVDeterministic(t *testing.T) {
	p := New(Options{})
	p.Consume(record(t, "graphql_core_item7", gqlBody(7), `{
		"data": {"repository": {"issueOrPullRequest": {
			"__typename": "Issue", "number": 7, "title": "t", "state": "CLOSED",
			"createdAt": "2026-06-02T10:00:00Z",
			"author": {"login": "alice"}
		}}}
	}`))
	proj := p.Result()

	dir := t.TempDir()
	require.NoError(t, ExportCSV(dir, proj, true))

	first, err := os.ReadFile(filepath.Join(dir, "repo_work_item.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(first)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "repo_full_name,number,type,"))
	assert.True(t, strings.HasPrefix(lines[1], "octo/widgets,7,issue,"))

	require.NoError(t, ExportCSV(dir, proj, true))
	second, err := os.ReadFile(filepath.Join(dir, "repo_work_item.csv"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	for _, name := range []string{"repo_work_item_event.csv", "repo_comment.csv", "repo_pr_review.csv", "repo_user_activity.csv"} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
	}
}

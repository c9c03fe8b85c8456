package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeIssueBug(t *testing.T) {
	analysis := AnalyzeIssue(Issue{
		Number: 42,
		Title:  "Crash on OAuth token refresh",
		Body:   "The auth flow crashes with a stack trace when the redis cache is cold.",
		Labels: []string{"bug"},
	})

	assert.Equal(t, IssueBug, analysis.IssueType)
	assert.Equal(t, PriorityHigh, analysis.Priority)
	assert.Contains(t, analysis.RequiredSkills, "debugging")
	assert.Contains(t, analysis.RequiredSkills, "auth")
	assert.Contains(t, analysis.RequiredSkills, "cache")
	assert.Contains(t, analysis.Keywords, "oauth")
	assert.False(t, analysis.NeedsMoreInfo)
	assert.Equal(t, StrategyDirectAnswer, analysis.SuggestedAction)
}

func TestAnalyzeIssueEmptyBodyRequestsInfo(t *testing.T) {
	analysis := AnalyzeIssue(Issue{Number: 7, Title: "How do I configure logging?"})

	assert.Equal(t, IssueQuestion, analysis.IssueType)
	assert.Equal(t, PriorityLow, analysis.Priority)
	assert.True(t, analysis.NeedsMoreInfo)
	assert.Equal(t, StrategyRequestInfo, analysis.SuggestedAction)
}

func TestAnalyzeIssueCriticalOverridesType(t *testing.T) {
	analysis := AnalyzeIssue(Issue{
		Number: 9,
		Title:  "Security breach via API token leak",
		Body:   "critical data loss possible",
	})
	assert.Equal(t, PriorityCritical, analysis.Priority)
}

func TestRecommendAssigneePrefersSkillOverlap(t *testing.T) {
	analysis := IssueAnalysis{
		IssueType:      IssueBug,
		Priority:       PriorityHigh,
		RequiredSkills: []string{"auth", "debugging"},
		Keywords:       []string{"oauth"},
	}
	contributors := []Contributor{
		{Login: "generalist", RecentActivityScore: 2.0, MergedPRs: 10, Reviews: 20},
		{Login: "authexpert", Areas: []string{"auth", "debugging"}, RecentActivityScore: 1.0, MergedPRs: 3},
	}

	got := RecommendAssignee(analysis, contributors, 3)

	assert.Equal(t, "authexpert", got.RecommendedAssignee)
	assert.Equal(t, []string{"generalist"}, got.AlternativeAssignees)
	assert.Greater(t, got.Confidence, 0.5)
	assert.Contains(t, got.ContextForAssignee, "oauth")

	factors := make([]string, 0, len(got.Reasons))
	for _, r := range got.Reasons {
		factors = append(factors, r.Factor)
	}
	assert.Contains(t, factors, "skill_match")
}

func TestRecommendAssigneeEmptyInput(t *testing.T) {
	got := RecommendAssignee(IssueAnalysis{}, nil, 3)
	assert.Empty(t, got.RecommendedAssignee)
	assert.Empty(t, got.AlternativeAssignees)
}

func TestScoreContributorCaps(t *testing.T) {
	analysis := IssueAnalysis{RequiredSkills: []string{"auth"}}
	c := Contributor{
		Login:               "vet",
		Areas:               []string{"auth"},
		RecentActivityScore: 99,
		MergedPRs:           500,
		Reviews:             500,
	}
	// activity capped at 2.0, merged at 10*0.05, reviews at 20*0.02.
	assert.InDelta(t, 2.0+2.0+0.5+0.4, scoreContributor(analysis, c), 1e-9)
}

func TestDraftResponseBranches(t *testing.T) {
	issue := Issue{Number: 5, Title: "Timeout connecting", Body: "happens under load"}

	info := DraftResponse(issue, IssueAnalysis{NeedsMoreInfo: true})
	assert.Contains(t, info.Body, "steps to reproduce")

	answer := DraftResponse(issue, IssueAnalysis{NeedsMoreInfo: false})
	assert.Contains(t, answer.Body, "next steps")
}

func TestDetectDocGaps(t *testing.T) {
	issues := []Issue{
		{Number: 1, Title: "Docs for setup are outdated"},
		{Number: 2, Title: "Missing guide", Labels: []string{"documentation"}},
		{Number: 3, Title: "Redis eviction unclear", Body: "redis maxmemory?"},
		{Number: 4, Title: "Unrelated feature request"},
	}

	gaps := DetectDocGaps(issues)
	require.Len(t, gaps, 2)
	assert.Equal(t, "documentation", gaps[0].Topic)
	assert.Equal(t, []int{1, 2}, gaps[0].EvidenceIssueNumbers)
	assert.Equal(t, "redis", gaps[1].Topic)
	assert.Equal(t, []int{3}, gaps[1].EvidenceIssueNumbers)

	draft := DraftDocsIssue(gaps[1])
	assert.Equal(t, "Docs gap: redis", draft.Title)
	assert.Contains(t, draft.Body, "#3")
}

func TestEvaluatePromotionLadder(t *testing.T) {
	cases := []struct {
		merged    int
		stage     string
		suggested string
		candidate bool
	}{
		{0, StageNew, StageNew, false},
		{1, StageNew, StageFirstTimer, true},
		{2, StageFirstTimer, StageRegular, true},
		{10, StageRegular, StageCore, true},
		{30, StageCore, StageMaintainer, true},
		{30, StageMaintainer, StageMaintainer, false},
		{5, StageCore, StageCore, false}, // the ladder never demotes
	}
	for _, tc := range cases {
		got := EvaluatePromotion(Contributor{Login: "u", Stage: tc.stage, MergedPRs: tc.merged})
		assert.Equal(t, tc.stage, got.CurrentStage, "merged=%d stage=%s", tc.merged, tc.stage)
		assert.Equal(t, tc.suggested, got.SuggestedStage, "merged=%d stage=%s", tc.merged, tc.stage)
		assert.Equal(t, tc.candidate, got.IsCandidate, "merged=%d stage=%s", tc.merged, tc.stage)
	}
}

func TestEvaluatePromotionEvidenceAndConfidence(t *testing.T) {
	got := EvaluatePromotion(Contributor{
		Login:               "rising",
		MergedPRs:           3,
		Reviews:             4,
		RecentActivityScore: 3.0,
	})

	require.Len(t, got.Evidence, 3)
	for _, e := range got.Evidence {
		assert.Equal(t, "met", e.Status, e.Criterion)
	}
	require.True(t, got.IsCandidate)
	assert.Equal(t, StageRegular, got.SuggestedStage)
	assert.InDelta(t, 0.8, got.Confidence, 1e-9)
	assert.Contains(t, got.Recommendation, "Consider promoting @rising to REGULAR.")
}

func TestEvaluatePromotionNotCandidateConfidence(t *testing.T) {
	got := EvaluatePromotion(Contributor{Login: "steady", Stage: StageRegular, MergedPRs: 2})
	assert.False(t, got.IsCandidate)
	assert.InDelta(t, 0.4, got.Confidence, 1e-9)
	assert.Equal(t, "No promotion suggested for @steady.", got.Recommendation)
}

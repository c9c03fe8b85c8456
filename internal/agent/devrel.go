package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ashita-ai/hanrei/internal/model"
)

// IssueType classifies a triaged issue.
type IssueType string

const (
	IssueBug           IssueType = "bug"
	IssueQuestion      IssueType = "question"
	IssueDocumentation IssueType = "documentation"
	IssueFeature       IssueType = "feature"
	IssueOther         IssueType = "other"
)

// Priority grades a triaged issue.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// ResponseStrategy is the suggested next action for an issue.
type ResponseStrategy string

const (
	StrategyRequestInfo  ResponseStrategy = "request_info"
	StrategyDirectAnswer ResponseStrategy = "direct_answer"
)

// Issue is the triage input: one work item reduced to its text signals.
type Issue struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

// IssueAnalysis is the triage output.
type IssueAnalysis struct {
	IssueType       IssueType        `json:"issue_type"`
	Priority        Priority         `json:"priority"`
	RequiredSkills  []string         `json:"required_skills"`
	Keywords        []string         `json:"keywords"`
	Summary         string           `json:"summary"`
	NeedsMoreInfo   bool             `json:"needs_more_info"`
	SuggestedAction ResponseStrategy `json:"suggested_action"`
}

// AnalyzeIssue classifies an issue by its labels and title, infers
// priority and required skills, and flags empty reports for follow-up.
// Deterministic: the same issue always yields the same analysis.
func AnalyzeIssue(issue Issue) IssueAnalysis {
	titleLower := strings.ToLower(issue.Title)
	labelsLower := map[string]bool{}
	for _, l := range issue.Labels {
		labelsLower[strings.ToLower(l)] = true
	}

	var issueType IssueType
	switch {
	case labelsLower["bug"] || labelsLower["crash"] || labelsLower["regression"] ||
		containsAny(titleLower, "fail", "error", "exception", "stack trace", "crash"):
		issueType = IssueBug
	case labelsLower["documentation"] || strings.Contains(titleLower, "docs") || strings.Contains(titleLower, "readme"):
		issueType = IssueDocumentation
	case labelsLower["feature"] || containsAny(titleLower, "feature", "support", "add "):
		issueType = IssueFeature
	case strings.Contains(issue.Title, "?") || labelsLower["question"] || strings.Contains(titleLower, "how do i"):
		issueType = IssueQuestion
	default:
		issueType = IssueOther
	}

	combined := strings.ToLower(issue.Title + "\n\n" + issue.Body)
	keywords := extractKeywords(combined)
	skills := inferRequiredSkills(issueType, keywords)

	needsMoreInfo := strings.TrimSpace(issue.Body) == ""
	action := StrategyDirectAnswer
	if needsMoreInfo {
		action = StrategyRequestInfo
	}

	summary := strings.TrimSpace(issue.Title)
	if summary == "" {
		summary = fmt.Sprintf("Issue #%d", issue.Number)
	}

	return IssueAnalysis{
		IssueType:       issueType,
		Priority:        inferPriority(issueType, combined),
		RequiredSkills:  skills,
		Keywords:        keywords,
		Summary:         summary,
		NeedsMoreInfo:   needsMoreInfo,
		SuggestedAction: action,
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func inferPriority(issueType IssueType, text string) Priority {
	if containsAny(text, "critical", "security", "data loss", "breach") {
		return PriorityCritical
	}
	if containsAny(text, "crash", "regression", "downtime", "outage") {
		return PriorityHigh
	}
	if issueType == IssueBug || issueType == IssueDocumentation {
		return PriorityMedium
	}
	return PriorityLow
}

// keywordVocabulary is the small fixed set of technical terms the triage
// heuristic recognizes. Order determines keyword output order.
var keywordVocabulary = []string{"oauth", "auth", "redis", "cache", "logging", "debug", "api", "timeout"}

func extractKeywords(text string) []string {
	var hits []string
	for _, token := range keywordVocabulary {
		if strings.Contains(text, token) {
			hits = append(hits, token)
		}
	}
	return hits
}

func inferRequiredSkills(issueType IssueType, keywords []string) []string {
	var skills []string
	if issueType == IssueDocumentation {
		skills = append(skills, "docs")
	}
	if issueType == IssueBug {
		skills = append(skills, "debugging")
	}
	kw := map[string]bool{}
	for _, k := range keywords {
		kw[k] = true
	}
	if kw["oauth"] || kw["auth"] {
		skills = append(skills, "auth")
	}
	if kw["redis"] || kw["cache"] {
		skills = append(skills, "cache")
	}
	return skills
}

// Contributor is the assignment and promotion input: one contributor's
// footprint in the repo.
type Contributor struct {
	Login               string   `json:"login"`
	Stage               string   `json:"stage,omitempty"`
	Areas               []string `json:"areas,omitempty"`
	RecentActivityScore float64  `json:"recent_activity_score"`
	MergedPRs           int      `json:"merged_prs"`
	Reviews             int      `json:"reviews"`
}

// AssignmentReason explains one scoring factor behind a recommendation.
type AssignmentReason struct {
	Factor      string  `json:"factor"`
	Explanation string  `json:"explanation"`
	Score       float64 `json:"score"`
}

// Assignment is the assignee recommendation output.
type Assignment struct {
	RecommendedAssignee  string             `json:"recommended_assignee"`
	Confidence           float64            `json:"confidence"`
	Reasons              []AssignmentReason `json:"reasons"`
	ContextForAssignee   string             `json:"context_for_assignee"`
	AlternativeAssignees []string           `json:"alternative_assignees"`
}

// RecommendAssignee scores contributors against the issue analysis
// (skill overlap, recent activity, merged PRs, reviews) and returns the
// best match with up to limit-1 alternatives. Confidence reflects the
// score gap between first and second place.
func RecommendAssignee(analysis IssueAnalysis, contributors []Contributor, limit int) Assignment {
	if len(contributors) == 0 || limit <= 0 {
		return Assignment{Reasons: []AssignmentReason{}, AlternativeAssignees: []string{}}
	}

	ranked := make([]Contributor, len(contributors))
	copy(ranked, contributors)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := scoreContributor(analysis, ranked[i]), scoreContributor(analysis, ranked[j])
		if si != sj {
			return si > sj
		}
		return ranked[i].Login < ranked[j].Login
	})

	top := ranked[0]
	topScore := scoreContributor(analysis, top)
	secondScore := 0.0
	if len(ranked) > 1 {
		secondScore = scoreContributor(analysis, ranked[1])
	}

	confidence := 0.5
	if topScore > 0 {
		confidence = min(1.0, 0.5+(topScore-secondScore)/max(topScore, 1.0))
	}

	alternatives := []string{}
	for _, c := range ranked[1:] {
		if len(alternatives) >= limit-1 {
			break
		}
		alternatives = append(alternatives, c.Login)
	}

	keywords := "n/a"
	if len(analysis.Keywords) > 0 {
		keywords = strings.Join(analysis.Keywords, ", ")
	}
	context := fmt.Sprintf("Issue type: %s\nPriority: %s\nKeywords: %s\nSuggested action: %s\n",
		analysis.IssueType, analysis.Priority, keywords, analysis.SuggestedAction)

	return Assignment{
		RecommendedAssignee:  top.Login,
		Confidence:           confidence,
		Reasons:              buildReasons(analysis, top),
		ContextForAssignee:   context,
		AlternativeAssignees: alternatives,
	}
}

func scoreContributor(analysis IssueAnalysis, c Contributor) float64 {
	score := min(c.RecentActivityScore, 2.0)

	required := map[string]bool{}
	for _, s := range analysis.RequiredSkills {
		required[s] = true
	}
	overlap := 0
	for _, a := range c.Areas {
		if required[a] {
			overlap++
		}
	}
	score += float64(overlap) * 2.0

	score += float64(min(c.MergedPRs, 10)) * 0.05
	score += float64(min(c.Reviews, 20)) * 0.02
	return score
}

func buildReasons(analysis IssueAnalysis, c Contributor) []AssignmentReason {
	var reasons []AssignmentReason

	areas := map[string]bool{}
	for _, a := range c.Areas {
		areas[a] = true
	}
	var overlap []string
	for _, s := range analysis.RequiredSkills {
		if areas[s] {
			overlap = append(overlap, s)
		}
	}
	sort.Strings(overlap)
	if len(overlap) > 0 {
		reasons = append(reasons, AssignmentReason{
			Factor:      "skill_match",
			Explanation: "Overlapping areas: " + strings.Join(overlap, ", "),
			Score:       min(1.0, 0.3+0.2*float64(len(overlap))),
		})
	}
	reasons = append(reasons, AssignmentReason{
		Factor:      "recent_activity",
		Explanation: fmt.Sprintf("recent_activity_score=%g", c.RecentActivityScore),
		Score:       min(1.0, c.RecentActivityScore/5.0),
	})
	if c.MergedPRs > 0 {
		reasons = append(reasons, AssignmentReason{
			Factor:      "merged_prs",
			Explanation: fmt.Sprintf("merged_prs=%d", c.MergedPRs),
			Score:       min(1.0, float64(c.MergedPRs)/20.0),
		})
	}
	if c.Reviews > 0 {
		reasons = append(reasons, AssignmentReason{
			Factor:      "reviews",
			Explanation: fmt.Sprintf("reviews=%d", c.Reviews),
			Score:       min(1.0, float64(c.Reviews)/40.0),
		})
	}
	return reasons
}

// Draft is a drafted text artifact (response or docs issue).
type Draft struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// DraftResponse writes a maintainer reply for an issue: an information
// request when the analysis flagged missing info, otherwise a next-steps
// checklist.
func DraftResponse(issue Issue, analysis IssueAnalysis) Draft {
	if analysis.NeedsMoreInfo {
		body := "Thanks for the report. To help us reproduce and confirm the fix, could you provide:\n" +
			"- Your environment and version\n" +
			"- The exact steps to reproduce\n" +
			"- Any logs or error output\n"
		return Draft{Title: fmt.Sprintf("Info request for #%d", issue.Number), Body: body}
	}

	body := "Thanks for reaching out. Based on the details provided, here are a few next steps:\n" +
		"- Please confirm your environment/version.\n" +
		"- Share any logs or error messages.\n" +
		"- If possible, provide a minimal reproduction.\n"
	return Draft{Title: fmt.Sprintf("Draft response for #%d", issue.Number), Body: body}
}

// DocGapCandidate is a recurring documentation gap with its evidence.
type DocGapCandidate struct {
	Topic                string `json:"topic"`
	EvidenceIssueNumbers []int  `json:"evidence_issue_numbers"`
	Rationale            string `json:"rationale"`
}

// DetectDocGaps groups issues whose labels or text point at missing
// documentation. Topics are returned in stable alphabetical order.
func DetectDocGaps(issues []Issue) []DocGapCandidate {
	byTopic := map[string][]int{}
	for _, issue := range issues {
		labels := map[string]bool{}
		for _, l := range issue.Labels {
			labels[strings.ToLower(l)] = true
		}
		titleLower := strings.ToLower(issue.Title)
		bodyLower := strings.ToLower(issue.Body)

		var topic string
		switch {
		case labels["documentation"] || strings.Contains(titleLower, "docs"):
			topic = "documentation"
		case strings.Contains(titleLower, "redis") || strings.Contains(bodyLower, "redis"):
			topic = "redis"
		default:
			continue
		}
		byTopic[topic] = append(byTopic[topic], issue.Number)
	}

	topics := make([]string, 0, len(byTopic))
	for t := range byTopic {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	results := make([]DocGapCandidate, 0, len(topics))
	for _, topic := range topics {
		numbers := uniqueSortedInts(byTopic[topic])
		results = append(results, DocGapCandidate{
			Topic:                topic,
			EvidenceIssueNumbers: numbers,
			Rationale:            "Multiple issues suggest a recurring documentation gap.",
		})
	}
	return results
}

// DraftDocsIssue writes a tracking issue for a detected docs gap.
func DraftDocsIssue(candidate DocGapCandidate) Draft {
	refs := make([]string, len(candidate.EvidenceIssueNumbers))
	for i, n := range candidate.EvidenceIssueNumbers {
		refs[i] = fmt.Sprintf("#%d", n)
	}
	body := "We've seen repeated questions that indicate a documentation gap.\n\n" +
		fmt.Sprintf("Topic: %s\n", candidate.Topic) +
		fmt.Sprintf("Evidence: %s\n\n", strings.Join(refs, ", ")) +
		"Proposed action:\n" +
		"- Add a short guide and troubleshooting section\n" +
		"- Link example configs in `examples/`\n"
	return Draft{Title: "Docs gap: " + candidate.Topic, Body: body}
}

// PromotionEvidence is one criterion check in a promotion evaluation.
type PromotionEvidence struct {
	Criterion string `json:"criterion"`
	Status    string `json:"status"`
	Detail    string `json:"detail"`
}

// Promotion is the contributor promotion evaluation output.
type Promotion struct {
	IsCandidate    bool                `json:"is_candidate"`
	CurrentStage   string              `json:"current_stage"`
	SuggestedStage string              `json:"suggested_stage"`
	Confidence     float64             `json:"confidence"`
	Evidence       []PromotionEvidence `json:"evidence"`
	Recommendation string              `json:"recommendation"`
}

// Contributor ladder stages, ordered by merged-PR thresholds 1/2/10/30.
const (
	StageNew        = "NEW"
	StageFirstTimer = "FIRST_TIMER"
	StageRegular    = "REGULAR"
	StageCore       = "CORE"
	StageMaintainer = "MAINTAINER"
)

// EvaluatePromotion compares a contributor's recorded stage against the
// stage their merged PRs warrant, with activity/review criteria as
// supporting evidence. An unknown recorded stage starts at NEW.
func EvaluatePromotion(c Contributor) Promotion {
	current := c.Stage
	if stageRank(current) < 0 {
		current = StageNew
	}
	suggested := current
	if earned := stageForMergedPRs(c.MergedPRs); stageRank(earned) > stageRank(current) {
		suggested = earned
	}

	evidence := []PromotionEvidence{
		{
			Criterion: "recent_activity",
			Status:    metStatus(c.RecentActivityScore >= 2.5),
			Detail:    fmt.Sprintf("recent_activity_score=%g", c.RecentActivityScore),
		},
		{
			Criterion: "merged_prs",
			Status:    metStatus(c.MergedPRs >= 2),
			Detail:    fmt.Sprintf("merged_prs=%d", c.MergedPRs),
		},
		{
			Criterion: "reviews",
			Status:    metStatus(c.Reviews >= 3),
			Detail:    fmt.Sprintf("reviews=%d", c.Reviews),
		},
	}

	isCandidate := suggested != current
	confidence := 0.4
	if isCandidate {
		confidence = min(1.0, 0.5+c.RecentActivityScore/10.0)
	}

	recommendation := fmt.Sprintf("No promotion suggested for @%s.", c.Login)
	if isCandidate {
		recommendation = fmt.Sprintf("Consider promoting @%s to %s.", c.Login, suggested)
	}

	return Promotion{
		IsCandidate:    isCandidate,
		CurrentStage:   current,
		SuggestedStage: suggested,
		Confidence:     confidence,
		Evidence:       evidence,
		Recommendation: recommendation,
	}
}

func metStatus(met bool) string {
	if met {
		return "met"
	}
	return "not_met"
}

func stageForMergedPRs(merged int) string {
	switch {
	case merged >= 30:
		return StageMaintainer
	case merged >= 10:
		return StageCore
	case merged >= 2:
		return StageRegular
	case merged >= 1:
		return StageFirstTimer
	}
	return StageNew
}

func stageRank(stage string) int {
	switch stage {
	case StageNew:
		return 0
	case StageFirstTimer:
		return 1
	case StageRegular:
		return 2
	case StageCore:
		return 3
	case StageMaintainer:
		return 4
	}
	return -1
}

// ContributorFromStats converts projected contributor stats into the
// shape the scoring heuristics consume.
func ContributorFromStats(s model.ContributorStats) Contributor {
	return Contributor{
		Login:               strings.TrimPrefix(s.Login, "@"),
		Areas:               s.Labels,
		RecentActivityScore: float64(s.RecentActivity) / 10.0,
		MergedPRs:           s.MergedPRs,
		Reviews:             s.Reviews,
	}
}

func uniqueSortedInts(values []int) []int {
	seen := map[int]struct{}{}
	out := make([]int, 0, len(values))
	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

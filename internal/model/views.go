package model

import "time"

// WorkItem is one closed issue or PR projected from the raw archive.
type WorkItem struct {
	RepoFullName      string     `json:"repo_full_name"`
	Number            int        `json:"number"`
	Type              string     `json:"type"`
	URL               string     `json:"url"`
	Title             string     `json:"title"`
	BodyExcerpt       string     `json:"body_excerpt"`
	State             string     `json:"state"`
	CreatedAt         *time.Time `json:"created_at,omitempty"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
	AuthorLogin       string     `json:"author_login"`
	AuthorAssociation string     `json:"author_association"`
	Labels            []string   `json:"labels"`
	MilestoneTitle    string     `json:"milestone_title"`
	IsMerged          bool       `json:"is_merged"`
	MergedAt          *time.Time `json:"merged_at,omitempty"`
	MergedBy          string     `json:"merged_by"`
	CommentCount      *int       `json:"comment_count,omitempty"`
	ReviewCount       *int       `json:"review_count,omitempty"`
	ChangedFiles      *int       `json:"changed_files,omitempty"`
	Additions         *int       `json:"additions,omitempty"`
	Deletions         *int       `json:"deletions,omitempty"`
}

// WorkItemEvent is one canonical timeline event for a work item.
type WorkItemEvent struct {
	RepoFullName string    `json:"repo_full_name"`
	Number       int       `json:"number"`
	Type         string    `json:"type"`
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	OccurredAt   time.Time `json:"occurred_at"`
	ActorLogin   string    `json:"actor_login"`
	SubjectType  string    `json:"subject_type"`
	Subject      string    `json:"subject"`
	Reference    string    `json:"reference"`
}

// Comment is one issue or PR comment excerpt.
type Comment struct {
	RepoFullName      string    `json:"repo_full_name"`
	Number            int       `json:"number"`
	Type              string    `json:"type"`
	CommentID         string    `json:"comment_id"`
	URL               string    `json:"url"`
	CreatedAt         time.Time `json:"created_at"`
	AuthorLogin       string    `json:"author_login"`
	AuthorAssociation string    `json:"author_association"`
	BodyExcerpt       string    `json:"body_excerpt"`
}

// PRReview is one pull request review excerpt.
type PRReview struct {
	RepoFullName string    `json:"repo_full_name"`
	PRNumber     int       `json:"pr_number"`
	ReviewID     string    `json:"review_id"`
	ReviewState  string    `json:"review_state"`
	SubmittedAt  time.Time `json:"submitted_at"`
	AuthorLogin  string    `json:"author_login"`
	BodyExcerpt  string    `json:"body_excerpt"`
	Reference    string    `json:"reference"`
}

// UserActivity is one attributed contributor action.
type UserActivity struct {
	RepoFullName string     `json:"repo_full_name"`
	Login        string     `json:"login"`
	Activity     string     `json:"activity"`
	Number       int        `json:"number"`
	OccurredAt   *time.Time `json:"occurred_at,omitempty"`
	Reference    string     `json:"reference"`
}

// Projection is the full relational view set for one projector run.
type Projection struct {
	WorkItems  []WorkItem
	Events     []WorkItemEvent
	Comments   []Comment
	Reviews    []PRReview
	Activities []UserActivity
}

// ContributorStats aggregates one contributor's footprint in a repo,
// consumed by the assignment heuristics.
type ContributorStats struct {
	Login          string   `json:"login"`
	MergedPRs      int      `json:"merged_prs"`
	Reviews        int      `json:"reviews"`
	Comments       int      `json:"comments"`
	RecentActivity int      `json:"recent_activity"`
	Labels         []string `json:"labels"`
}

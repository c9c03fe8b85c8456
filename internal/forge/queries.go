package forge

// actorFields selects the common actor shape used across all queries.
const actorFields = `
  __typename
  login
  url
  avatarUrl
  ... on User { id databaseId }
  ... on Organization { id databaseId }
  ... on Bot { id databaseId }
  ... on Mannequin { id databaseId }
`

// timelineEventFields selects the filtered timeline event union shared by
// the Issue and PullRequest branches.
const timelineEventFields = `
  __typename
  ... on ClosedEvent {
    id
    createdAt
    actor {` + actorFields + `}
  }
  ... on ReopenedEvent {
    id
    createdAt
    actor {` + actorFields + `}
  }
  ... on LabeledEvent {
    id
    createdAt
    actor {` + actorFields + `}
    label { name color }
  }
  ... on UnlabeledEvent {
    id
    createdAt
    actor {` + actorFields + `}
    label { name color }
  }
  ... on AssignedEvent {
    id
    createdAt
    actor {` + actorFields + `}
    assignee { __typename ... on User { login id } }
  }
  ... on UnassignedEvent {
    id
    createdAt
    actor {` + actorFields + `}
    assignee { __typename ... on User { login id } }
  }
  ... on MilestonedEvent {
    id
    createdAt
    actor {` + actorFields + `}
    milestoneTitle
  }
  ... on DemilestonedEvent {
    id
    createdAt
    actor {` + actorFields + `}
    milestoneTitle
  }
  ... on RenamedTitleEvent {
    id
    createdAt
    actor {` + actorFields + `}
    previousTitle
    currentTitle
  }
  ... on CrossReferencedEvent {
    id
    createdAt
    actor {` + actorFields + `}
    source {
      __typename
      ... on Issue { number url title }
      ... on PullRequest { number url title }
    }
  }
  ... on ReferencedEvent {
    id
    createdAt
    actor {` + actorFields + `}
    commit { oid url }
    commitRepository { nameWithOwner }
  }
`

const timelineItemTypes = `[
  CLOSED_EVENT, REOPENED_EVENT,
  LABELED_EVENT, UNLABELED_EVENT,
  ASSIGNED_EVENT, UNASSIGNED_EVENT,
  MILESTONED_EVENT, DEMILESTONED_EVENT,
  RENAMED_TITLE_EVENT,
  CROSS_REFERENCED_EVENT, REFERENCED_EVENT
]`

const commentFields = `
  id
  databaseId
  url
  body
  createdAt
  updatedAt
  author {` + actorFields + `}
  authorAssociation
`

// queryCore fetches the full core record of an issue or pull request.
const queryCore = `
query GetIssueOrPRCore($owner: String!, $name: String!, $number: Int!) {
  repository(owner: $owner, name: $name) {
    issueOrPullRequest(number: $number) {
      __typename
      ... on Issue {
        id
        databaseId
        number
        url
        title
        body
        state
        locked
        author {` + actorFields + `}
        authorAssociation
        createdAt
        updatedAt
        closedAt
        labels(first: 100) { nodes { name color description } }
        milestone { title description dueOn state number }
        assignees(first: 100) { nodes { login id databaseId url avatarUrl __typename } }
        comments { totalCount }
      }
      ... on PullRequest {
        id
        databaseId
        number
        url
        title
        body
        state
        isDraft
        locked
        author {` + actorFields + `}
        authorAssociation
        createdAt
        updatedAt
        closedAt
        mergedAt
        mergedBy {` + actorFields + `}
        mergeCommit { oid url }
        baseRefName
        headRefName
        headRefOid
        additions
        deletions
        changedFiles
        labels(first: 100) { nodes { name color description } }
        milestone { title description dueOn state number }
        assignees(first: 100) { nodes { login id databaseId url avatarUrl __typename } }
        comments { totalCount }
        reviews { totalCount }
        files { totalCount }
      }
    }
  }
}`

// queryCommentsPage fetches one page of issue or PR comments.
const queryCommentsPage = `
query GetItemCommentsPage($owner: String!, $name: String!, $number: Int!, $after: String) {
  repository(owner: $owner, name: $name) {
    issueOrPullRequest(number: $number) {
      __typename
      ... on Issue {
        comments(first: 100, after: $after) {
          pageInfo { hasNextPage endCursor }
          nodes {` + commentFields + `}
        }
      }
      ... on PullRequest {
        comments(first: 100, after: $after) {
          pageInfo { hasNextPage endCursor }
          nodes {` + commentFields + `}
        }
      }
    }
  }
}`

// queryTimelinePage fetches one page of filtered timeline events.
const queryTimelinePage = `
query GetItemTimelinePage($owner: String!, $name: String!, $number: Int!, $after: String) {
  repository(owner: $owner, name: $name) {
    issueOrPullRequest(number: $number) {
      __typename
      ... on Issue {
        timelineItems(first: 100, after: $after, itemTypes: ` + timelineItemTypes + `) {
          pageInfo { hasNextPage endCursor }
          nodes {` + timelineEventFields + `}
        }
      }
      ... on PullRequest {
        timelineItems(first: 100, after: $after, itemTypes: ` + timelineItemTypes + `) {
          pageInfo { hasNextPage endCursor }
          nodes {` + timelineEventFields + `}
        }
      }
    }
  }
}`

// queryPRReviewsPage fetches one page of pull request reviews.
const queryPRReviewsPage = `
query GetPRReviewsPage($owner: String!, $name: String!, $number: Int!, $after: String) {
  repository(owner: $owner, name: $name) {
    pullRequest(number: $number) {
      reviews(first: 100, after: $after) {
        pageInfo { hasNextPage endCursor }
        nodes {
          id
          databaseId
          author {` + actorFields + `}
          state
          body
          submittedAt
        }
      }
    }
  }
}`

// queryPRFilesPage fetches one page of changed files via GraphQL; patches
// come from the REST files endpoint instead.
const queryPRFilesPage = `
query GetPRFilesPage($owner: String!, $name: String!, $number: Int!, $after: String) {
  repository(owner: $owner, name: $name) {
    pullRequest(number: $number) {
      files(first: 100, after: $after) {
        pageInfo { hasNextPage endCursor }
        nodes {
          path
          additions
          deletions
          changeType
        }
      }
    }
  }
}`

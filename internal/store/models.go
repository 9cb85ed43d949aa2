package store

import "time"

// Workspace is the tenancy boundary. Every other entity belongs to one.
type Workspace struct {
	ID        string
	Name      string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// Deleted reports whether the workspace has been soft deleted.
func (w Workspace) Deleted() bool { return w.DeletedAt != nil }

// FeedbackItem is a normalized feedback record.
type FeedbackItem struct {
	ID             int64
	WorkspaceID    string
	SourceSystem   string
	ExternalID     string
	Content        string
	ContentHash    string
	Author         string
	CreatedAt      time.Time
	IngestedAt     time.Time
	UpdatedAt      time.Time
	Sentiment      *float64
	EmbeddingStale bool
	ClusterID      int64
}

// NewFeedback carries normalized fields for an upsert.
type NewFeedback struct {
	WorkspaceID  string
	SourceSystem string
	ExternalID   string
	Content      string
	ContentHash  string
	Author       string
	CreatedAt    time.Time
	Sentiment    *float64
}

// UpsertOutcome reports what an upsert did.
type UpsertOutcome string

const (
	OutcomeCreated   UpsertOutcome = "created"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeUnchanged UpsertOutcome = "unchanged"
)

// Embedding is the vector computed for one feedback item.
type Embedding struct {
	FeedbackItemID int64
	Vector         []float32
	Model          string
	ContentHash    string
	ComputedAt     time.Time
}

// ClusterStatus describes a cluster lifecycle state.
type ClusterStatus string

const (
	ClusterActive    ClusterStatus = "active"
	ClusterDissolved ClusterStatus = "dissolved"
)

// Cluster groups semantically equivalent feedback items.
type Cluster struct {
	ID                   int64
	WorkspaceID          string
	RepresentativeItemID int64
	Centroid             []float32
	Size                 int
	PriorityScore        float64
	PriorityBucket       string
	Status               ClusterStatus
	FailureReason        string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ClusterState is the mutable part of a cluster written after a membership change.
type ClusterState struct {
	ID                   int64
	Centroid             []float32
	Size                 int
	RepresentativeItemID int64
	Status               ClusterStatus
}

// ClusterMember joins a member item with the fields the dedup engine and the
// priority scorer need.
type ClusterMember struct {
	ItemID    int64
	Content   string
	Sentiment *float64
	CreatedAt time.Time
	Vector    []float32
}

// AnalysisResult is the model's reading of a cluster.
type AnalysisResult struct {
	ID         int64
	ClusterID  int64
	Tier       string
	Sentiment  float64
	Themes     []string
	Summary    string
	CacheKey   string
	Cached     bool
	Cost       float64
	Active     bool
	ComputedAt time.Time
}

// RequirementStatus describes requirement lifecycle states.
type RequirementStatus string

const (
	RequirementDraft       RequirementStatus = "draft"
	RequirementReview      RequirementStatus = "review"
	RequirementSynthesized RequirementStatus = "synthesized"
	RequirementExported    RequirementStatus = "exported"
)

// Requirement is a synthesized artifact derived from one cluster.
type Requirement struct {
	ID                 int64
	WorkspaceID        string
	ClusterID          int64
	Title              string
	UserStory          string
	AcceptanceCriteria []string
	PriorityScore      float64
	PriorityBucket     string
	SourceFeedbackIDs  []int64
	MemberFingerprint  string
	Template           string
	Status             RequirementStatus
	FailureReason      string
	SupersededBy       int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// SyncState describes sync record lifecycle states.
type SyncState string

const (
	SyncPending   SyncState = "pending"
	SyncInFlight  SyncState = "in_flight"
	SyncSucceeded SyncState = "succeeded"
	SyncFailed    SyncState = "failed"
)

// SyncRecord tracks one requirement pushed to one target.
type SyncRecord struct {
	ID             int64
	RequirementID  int64
	TargetSystem   string
	IdempotencyKey string
	ExternalRef    string
	State          SyncState
	AttemptCount   int
	LastAttemptAt  *time.Time
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Stage names a pipeline stage lane.
type Stage string

const (
	StageIngest     Stage = "ingest"
	StageEmbed      Stage = "embed"
	StageDedup      Stage = "dedup"
	StageAnalyze    Stage = "analyze"
	StageSynthesize Stage = "synthesize"
	StageSync       Stage = "sync"
)

// Stages lists every stage in pipeline order.
func Stages() []Stage {
	return []Stage{StageIngest, StageEmbed, StageDedup, StageAnalyze, StageSynthesize, StageSync}
}

// JobStatus describes job lifecycle states.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is a durable queue message referencing an entity by id.
type Job struct {
	ID          int64
	WorkspaceID string
	Stage       Stage
	EntityID    int64
	Payload     string
	Status      JobStatus
	Attempts    int
	AvailableAt time.Time
	LastError   string
	HeartbeatAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewJob describes a job to enqueue. A zero AvailableAt means now.
type NewJob struct {
	WorkspaceID string
	Stage       Stage
	EntityID    int64
	Payload     string
	AvailableAt time.Time
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	WorkspaceID string
	Stage       Stage
	Statuses    []JobStatus
	Limit       int
}

// ReviewEntry is a manual review queue entry.
type ReviewEntry struct {
	ID            int64
	WorkspaceID   string
	ClusterID     int64
	RequirementID int64
	Reason        string
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

// SourceCursor is the persisted poll position of a source.
type SourceCursor struct {
	WorkspaceID  string
	SourceSystem string
	Cursor       string
	UpdatedAt    time.Time
}

// CostEntry aggregates model spend for one workspace, period, and tier.
type CostEntry struct {
	WorkspaceID      string
	Period           string
	Tier             string
	Calls            int64
	PromptTokens     int64
	CompletionTokens int64
	Cost             float64
}

// OperatorAlert records a condition an operator must look at.
type OperatorAlert struct {
	ID          int64
	WorkspaceID string
	Kind        string
	Subject     string
	Message     string
	CreatedAt   time.Time
}

// DatabaseHealth captures diagnostic information about the database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	SchemaVersion    int
	MissingTables    []string
	IntegrityCheck   bool
	JobCounts        map[JobStatus]int
	Error            string
}

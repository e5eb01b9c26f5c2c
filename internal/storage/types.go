package storage

// Plugin is an installed third-party extension (§3).
type Plugin struct {
	ID          string
	Name        string
	Version     string
	Manifest    string // serialized JSON
	Enabled     bool
	InstalledAt int64
	UpdatedAt   int64
}

type SyncStatus string

const (
	SyncStatusIdle     SyncStatus = "idle"
	SyncStatusSyncing  SyncStatus = "syncing"
	SyncStatusError    SyncStatus = "error"
)

// PluginSyncState is one row per (pluginId, dataSourceId) composite key.
type PluginSyncState struct {
	PluginID     string
	DataSourceID string
	LastSyncAt   *int64
	SyncCursor   *string
	SyncStatus   SyncStatus
	Error        *string
	ItemsSynced  int
	CreatedAt    int64
	UpdatedAt    int64
}

type InboxStatus string

const (
	InboxStatusUnread   InboxStatus = "unread"
	InboxStatusRead     InboxStatus = "read"
	InboxStatusArchived InboxStatus = "archived"
	InboxStatusSnoozed  InboxStatus = "snoozed"
)

// InboxItem is a unified inbox entry (§3).
type InboxItem struct {
	ID                string
	PluginID          string
	ExternalID        string
	Type              string
	Title             string
	Body              *string
	Preview           *string
	SourceURL         *string
	Priority          int
	Status            InboxStatus
	AiClassification  *string
	AiSummary         *string
	AiDraft           *string
	Metadata          string // JSON
	IsActionable      bool
	SnoozedUntil      *int64
	ExternalCreatedAt *int64
	SyncedAt          int64
	CreatedAt         int64
	UpdatedAt         int64
}

// AiOperation is an immutable ledger row per LLM call (§3).
type AiOperation struct {
	ID           string
	Provider     string
	Model        string
	Operation    string
	PluginID     *string
	PipelineID   *string
	InboxItemID  *string
	ExecutionID  *string
	InputTokens  int
	OutputTokens int
	CostUsd      float64
	DurationMs   *int64
	CreatedAt    int64
}

type Workflow struct {
	ID          string
	WorkspaceID string
	Name        string
	Disabled    bool
	CreatedAt   int64
	UpdatedAt   int64
}

type FlowNodeType string

const (
	FlowNodeTrigger   FlowNodeType = "trigger"
	FlowNodeAction    FlowNodeType = "action"
	FlowNodeCondition FlowNodeType = "condition"
)

type FlowNode struct {
	ID         string
	WorkflowID string
	Type       FlowNodeType
	Config     string // JSON
	PosX       float64
	PosY       float64
	CreatedAt  int64
	UpdatedAt  int64
}

type FlowEdge struct {
	ID           string
	WorkflowID   string
	SourceNodeID string
	TargetNodeID string
	CreatedAt    int64
}

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
)

type Execution struct {
	ID          string
	WorkflowID  string
	TriggerKind string
	Status      ExecutionStatus
	Error       *string
	StartedAt   int64
	FinishedAt  *int64
}

type ExecutionStep struct {
	ID          string
	ExecutionID string
	NodeID      string
	Status      ExecutionStatus
	Output      *string
	Error       *string
	StartedAt   int64
	FinishedAt  *int64
}

// Secret is a keyed encrypted blob (§3). List views must never expose
// EncryptedValue.
type Secret struct {
	ID             string
	Name           string
	EncryptedValue string
	Provider       string
	CreatedAt      int64
	UpdatedAt      int64
}

// SecretSummary is the list-view projection that omits EncryptedValue.
type SecretSummary struct {
	ID        string
	Name      string
	Provider  string
	CreatedAt int64
	UpdatedAt int64
}

type Setting struct {
	Key       string
	Value     string
	UpdatedAt int64
}

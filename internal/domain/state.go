package domain

type RunStatus string

const (
	RunStatusPending          RunStatus = "PENDING"
	RunStatusAwaitingApproval RunStatus = "AWAITING_APPROVAL"
	RunStatusRunning          RunStatus = "RUNNING"
	RunStatusSucceeded        RunStatus = "SUCCEEDED"
	RunStatusFailed           RunStatus = "FAILED"
	RunStatusRejected         RunStatus = "REJECTED"
	RunStatusCancelled        RunStatus = "CANCELLED"
)

// Terminal reports whether a run has reached a state it cannot leave.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusRejected, RunStatusCancelled:
		return true
	}
	return false
}

type StepStatus string

const (
	StepStatusSucceeded StepStatus = "SUCCEEDED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusSkipped   StepStatus = "SKIPPED"
)

type AuditState string

const (
	AuditTriggered        AuditState = "TRIGGERED"
	AuditApprovalQueued   AuditState = "APPROVAL_QUEUED"
	AuditApproved         AuditState = "APPROVED"
	AuditRejected         AuditState = "REJECTED"
	AuditCheckedOut       AuditState = "CHECKED_OUT"
	AuditCacheRestored    AuditState = "CACHE_RESTORED"
	AuditCacheSaved       AuditState = "CACHE_SAVED"
	AuditStepFinished     AuditState = "STEP_FINISHED"
	AuditCompleted        AuditState = "COMPLETED"
	AuditCancelled        AuditState = "CANCELLED"
	AuditSceneProcessed   AuditState = "SCENE_PROCESSED"
	AuditSceneSkipped     AuditState = "SCENE_SKIPPED"
	AuditDatasetFinalized AuditState = "DATASET_FINALIZED"
)

type EventKind string

const (
	EventPush        EventKind = "push"
	EventPullRequest EventKind = "pull_request"
)

type ApprovalDecisionType string

const (
	ApprovalApprove ApprovalDecisionType = "approve"
	ApprovalReject  ApprovalDecisionType = "reject"
)

type DatasetStatus string

const (
	DatasetStatusBuilding DatasetStatus = "BUILDING"
	DatasetStatusReady    DatasetStatus = "READY"
)

type SceneOutcome string

const (
	SceneProcessed SceneOutcome = "PROCESSED"
	SceneSkipped   SceneOutcome = "SKIPPED"
	SceneDuplicate SceneOutcome = "DUPLICATE"
)

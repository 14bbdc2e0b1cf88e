package temporal

import (
	"cropharvest-orchestrator/internal/domain"
)

const ApprovalDecisionSignalName = "approvalDecision"

type ApprovalDecisionSignal struct {
	Decision domain.ApprovalDecisionType `json:"decision"`
	Reviewer string                      `json:"reviewer,omitempty"`
	Reason   string                      `json:"reason,omitempty"`
}

package protocol

// Ticket categories the classifier may assign.
const (
	CategoryAccess  = "Access"
	CategoryNetwork = "Network"
	CategoryBilling = "Billing"
	CategoryGeneral = "General"

	// CategoryUnclassified is the placeholder before triage runs.
	CategoryUnclassified = "Unclassified"
)

// Ticket priorities the classifier may assign.
const (
	PriorityHigh   = "High"
	PriorityMedium = "Medium"
	PriorityLow    = "Low"

	// PriorityUnknown is the placeholder before triage runs.
	PriorityUnknown = "Unknown"
)

// Categories lists the categories accepted from the classifier.
var Categories = []string{CategoryAccess, CategoryNetwork, CategoryBilling, CategoryGeneral}

// Priorities lists the priorities accepted from the classifier.
var Priorities = []string{PriorityHigh, PriorityMedium, PriorityLow}

// Stage names a step of the triage pipeline.
type Stage string

const (
	StageTriage      Stage = "triage"
	StageResearch    Stage = "research"
	StageDraft       Stage = "draft"
	StageQualityGate Stage = "quality_gate"
	StageDone        Stage = "done"
)

// StepIssue records that a pipeline step fell back to a degraded output.
type StepIssue struct {
	Stage  Stage  `json:"stage"`
	Reason string `json:"reason"`
}

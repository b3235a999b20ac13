package protocol

import "time"

// TicketStatus represents the lifecycle state of a support ticket.
type TicketStatus string

const (
	TicketOpen           TicketStatus = "Open"
	TicketProcessing     TicketStatus = "Processing"
	TicketAwaitingReview TicketStatus = "Awaiting_Review"
	TicketResolved       TicketStatus = "Resolved"
	TicketFailed         TicketStatus = "Failed"
)

// AllStatuses lists every ticket status in lifecycle order.
var AllStatuses = []TicketStatus{
	TicketOpen,
	TicketProcessing,
	TicketAwaitingReview,
	TicketResolved,
	TicketFailed,
}

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// CanTransition reports whether a ticket may move from one status to another.
// Resolved→Resolved is accepted so that re-approving a resolved ticket is a no-op
// rather than an error.
func CanTransition(from, to TicketStatus) bool {
	switch from {
	case TicketProcessing:
		return to == TicketAwaitingReview || to == TicketResolved || to == TicketFailed
	case TicketAwaitingReview:
		return to == TicketResolved
	case TicketResolved:
		return to == TicketResolved
	}
	return false
}

// Ticket is a support request tracked through its lifecycle.
type Ticket struct {
	ID          int64        `json:"id"`
	Email       string       `json:"user_email"`
	Description string       `json:"issue_description"`
	Status      TicketStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// AgentLog records the outputs of one pipeline run for a ticket. Write-once.
type AgentLog struct {
	ID          int64       `json:"id"`
	TicketID    int64       `json:"ticket_id"`
	Category    string      `json:"category"`
	Priority    string      `json:"priority"`
	Passages    []string    `json:"rag_docs"`
	Draft       string      `json:"response"`
	Confidence  float64     `json:"confidence_score"`
	NeedsReview bool        `json:"needs_human_review"`
	Degraded    []StepIssue `json:"degraded,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

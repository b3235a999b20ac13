// Package pipeline implements the four-step triage run: classify the ticket,
// retrieve knowledge-base passages, draft a reply, and gate it for review.
package pipeline

import (
	"slices"

	"github.com/h1v3-io/triage/pkg/protocol"
)

// Outcome is a step result. A degraded outcome still carries a usable Value
// (a fallback label, a sentinel passage, an error-text draft) plus the reason
// the step could not produce a real one.
type Outcome[T any] struct {
	Value    T
	Degraded bool
	Reason   string
}

// Ok wraps a successful step value.
func Ok[T any](v T) Outcome[T] {
	return Outcome[T]{Value: v}
}

// Degrade wraps a fallback value with the reason it was used.
func Degrade[T any](v T, reason string) Outcome[T] {
	return Outcome[T]{Value: v, Degraded: true, Reason: reason}
}

// Classification is the triage step output.
type Classification struct {
	Category string `json:"category"`
	Priority string `json:"priority"`
}

// Assessment is the quality gate output.
type Assessment struct {
	Confidence  float64 `json:"confidence_score"`
	NeedsReview bool    `json:"needs_human_review"`
}

// State is the record threaded through one run. Methods return a new State;
// a State is never modified after it is handed to the next step.
type State struct {
	TicketID    int64
	Query       string
	Category    string
	Priority    string
	Passages    []string
	Draft       string
	Confidence  float64
	NeedsReview bool
	// Stage is the last stage completed.
	Stage  protocol.Stage
	Issues []protocol.StepIssue
}

// NewState returns the initial state for a run: the raw ticket text with
// placeholder labels.
func NewState(ticketID int64, query string) State {
	return State{
		TicketID: ticketID,
		Query:    query,
		Category: protocol.CategoryUnclassified,
		Priority: protocol.PriorityUnknown,
	}
}

func (s State) WithClassification(o Outcome[Classification]) State {
	s.Category = o.Value.Category
	s.Priority = o.Value.Priority
	return s.completed(protocol.StageTriage, o.Degraded, o.Reason)
}

func (s State) WithPassages(o Outcome[[]string]) State {
	s.Passages = slices.Clone(o.Value)
	return s.completed(protocol.StageResearch, o.Degraded, o.Reason)
}

func (s State) WithDraft(o Outcome[string]) State {
	s.Draft = o.Value
	return s.completed(protocol.StageDraft, o.Degraded, o.Reason)
}

func (s State) WithAssessment(a Assessment) State {
	s.Confidence = a.Confidence
	s.NeedsReview = a.NeedsReview
	return s.completed(protocol.StageQualityGate, false, "")
}

// Degraded reports whether any step fell back.
func (s State) Degraded() bool { return len(s.Issues) > 0 }

// Status is the ticket status this run resolves to.
func (s State) Status() protocol.TicketStatus {
	if s.NeedsReview {
		return protocol.TicketAwaitingReview
	}
	return protocol.TicketResolved
}

// AgentLog converts a finished state into the row persisted for the run.
func (s State) AgentLog() *protocol.AgentLog {
	return &protocol.AgentLog{
		TicketID:    s.TicketID,
		Category:    s.Category,
		Priority:    s.Priority,
		Passages:    slices.Clone(s.Passages),
		Draft:       s.Draft,
		Confidence:  s.Confidence,
		NeedsReview: s.NeedsReview,
		Degraded:    slices.Clone(s.Issues),
	}
}

func (s State) completed(stage protocol.Stage, degraded bool, reason string) State {
	s.Stage = stage
	s.Passages = slices.Clone(s.Passages)
	s.Issues = slices.Clone(s.Issues)
	if degraded {
		s.Issues = append(s.Issues, protocol.StepIssue{Stage: stage, Reason: reason})
	}
	return s
}

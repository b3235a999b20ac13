// Package desk is the ticket service: it files tickets, runs them through the
// triage pipeline, and handles human approval.
package desk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/h1v3-io/triage/internal/notify"
	"github.com/h1v3-io/triage/internal/pipeline"
	"github.com/h1v3-io/triage/internal/ticket"
	"github.com/h1v3-io/triage/pkg/protocol"
)

const maxDescriptionLen = 8000

var (
	// ErrInvalidInput is returned for requests that fail validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrProcessingFailed is returned when a pipeline run breaks and the
	// ticket has been marked Failed.
	ErrProcessingFailed = errors.New("processing failed")
)

// Runner runs the triage pipeline for one ticket. *pipeline.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, ticketID int64, query string) (pipeline.State, error)
}

// TicketView is a ticket joined with its latest pipeline run.
type TicketView struct {
	ID          int64                 `json:"ticket_id"`
	Email       string                `json:"user_email"`
	Description string                `json:"issue_description"`
	Status      protocol.TicketStatus `json:"status"`
	Category    string                `json:"category,omitempty"`
	Priority    string                `json:"priority,omitempty"`
	Draft       string                `json:"final_response,omitempty"`
	Passages    []string              `json:"rag_docs"`
	Confidence  float64               `json:"confidence_score"`
	NeedsReview bool                  `json:"needs_human_review"`
	Degraded    []protocol.StepIssue  `json:"degraded,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

// Stats is the queue summary.
type Stats struct {
	Total    int                           `json:"total"`
	ByStatus map[protocol.TicketStatus]int `json:"by_status"`
}

// Service coordinates the ticket store, pipeline and notifier.
type Service struct {
	store    ticket.Store
	runner   Runner
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Service. A nil notifier logs deliveries instead of sending them.
func New(store ticket.Store, runner Runner, notifier notify.Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = &notify.LogNotifier{Logger: logger}
	}
	return &Service{
		store:    store,
		runner:   runner,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Create files a ticket, runs the pipeline on it and records the outcome.
// The ticket ends Resolved or Awaiting_Review; if the run itself breaks it is
// marked Failed and ErrProcessingFailed is returned.
func (s *Service) Create(ctx context.Context, email, description string) (*TicketView, error) {
	email, description, err := validate(email, description)
	if err != nil {
		return nil, err
	}

	tk, err := s.store.Create(ctx, email, description)
	if err != nil {
		return nil, fmt.Errorf("desk: create: %w", err)
	}
	s.logger.Info("ticket created", "ticket_id", tk.ID, "email", email)

	st, runErr := s.runner.Run(ctx, tk.ID, description)

	// The run's outcome is persisted even if the caller has gone away.
	wctx := context.WithoutCancel(ctx)
	if runErr != nil {
		s.markFailed(wctx, tk.ID, runErr)
		return nil, fmt.Errorf("%w: ticket %d: %w", ErrProcessingFailed, tk.ID, runErr)
	}

	log := st.AgentLog()
	status := st.Status()
	if err := s.store.Complete(wctx, log, status); err != nil {
		s.markFailed(wctx, tk.ID, err)
		return nil, fmt.Errorf("%w: ticket %d: %w", ErrProcessingFailed, tk.ID, err)
	}
	tk.Status = status

	s.logger.Info("ticket triaged",
		"ticket_id", tk.ID,
		"status", status,
		"category", log.Category,
		"confidence", log.Confidence,
	)
	return newView(tk, log), nil
}

// List returns tickets newest first.
func (s *Service) List(ctx context.Context, filter ticket.Filter) ([]*protocol.Ticket, error) {
	tickets, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("desk: list: %w", err)
	}
	return tickets, nil
}

// Get returns a ticket with its latest run. Tickets with no run yet have empty
// labels and no passages.
func (s *Service) Get(ctx context.Context, id int64) (*TicketView, error) {
	tk, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	log, err := s.store.LatestLog(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("desk: get %d: %w", id, err)
	}
	return newView(tk, log), nil
}

// Runs returns every pipeline run recorded for a ticket, oldest first.
func (s *Service) Runs(ctx context.Context, id int64) ([]*protocol.AgentLog, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	logs, err := s.store.Logs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("desk: runs %d: %w", id, err)
	}
	return logs, nil
}

// Approve resolves a ticket and delivers finalText to the submitter. An empty
// finalText sends the latest draft unchanged. Only Awaiting_Review and
// Resolved tickets can be approved. Delivery failures are logged; the ticket
// stays resolved.
func (s *Service) Approve(ctx context.Context, id int64, finalText string) (*protocol.Ticket, error) {
	tk, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tk.Status != protocol.TicketAwaitingReview && tk.Status != protocol.TicketResolved {
		return nil, fmt.Errorf("ticket %d: %s cannot be approved: %w", id, tk.Status, ticket.ErrInvalidTransition)
	}

	text := strings.TrimSpace(finalText)
	if text == "" {
		log, err := s.store.LatestLog(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("desk: approve %d: %w", id, err)
		}
		if log == nil || strings.TrimSpace(log.Draft) == "" {
			return nil, fmt.Errorf("%w: final_response is required", ErrInvalidInput)
		}
		text = log.Draft
	}

	if err := s.store.UpdateStatus(ctx, id, protocol.TicketResolved); err != nil {
		return nil, err
	}
	tk.Status = protocol.TicketResolved
	s.logger.Info("ticket approved", "ticket_id", id)

	if err := s.notifier.Notify(ctx, notify.NewDelivery(id, tk.Email, text)); err != nil {
		s.logger.Error("response delivery failed",
			"ticket_id", id,
			"notifier", s.notifier.Name(),
			"error", err,
		)
	}
	return tk, nil
}

// Stats counts tickets per status. Every status is present in the result.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("desk: stats: %w", err)
	}
	st := &Stats{ByStatus: make(map[protocol.TicketStatus]int, len(protocol.AllStatuses))}
	for _, status := range protocol.AllStatuses {
		st.ByStatus[status] = counts[status]
		st.Total += counts[status]
	}
	return st, nil
}

// SweepStale marks tickets left in Processing for longer than olderThan as
// Failed, e.g. after a crash mid-run. It returns how many were swept.
func (s *Service) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	stale, err := s.store.ListStale(ctx, protocol.TicketProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("desk: sweep: %w", err)
	}

	swept := 0
	for _, tk := range stale {
		err := s.store.UpdateStatus(ctx, tk.ID, protocol.TicketFailed)
		if errors.Is(err, ticket.ErrInvalidTransition) {
			continue // finished between list and update
		}
		if err != nil {
			return swept, fmt.Errorf("desk: sweep ticket %d: %w", tk.ID, err)
		}
		swept++
		s.logger.Warn("stale ticket marked failed", "ticket_id", tk.ID, "created_at", tk.CreatedAt)
	}
	return swept, nil
}

// Ping checks the ticket store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) markFailed(ctx context.Context, id int64, cause error) {
	s.logger.Error("ticket processing failed", "ticket_id", id, "error", cause)
	if err := s.store.UpdateStatus(ctx, id, protocol.TicketFailed); err != nil {
		s.logger.Error("failed to mark ticket failed", "ticket_id", id, "error", err)
	}
}

func validate(email, description string) (string, string, error) {
	email = strings.TrimSpace(email)
	description = strings.TrimSpace(description)
	if email == "" {
		return "", "", fmt.Errorf("%w: user_email is required", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return "", "", fmt.Errorf("%w: user_email: %v", ErrInvalidInput, err)
	}
	if description == "" {
		return "", "", fmt.Errorf("%w: issue_description is required", ErrInvalidInput)
	}
	if len(description) > maxDescriptionLen {
		return "", "", fmt.Errorf("%w: issue_description exceeds %d bytes", ErrInvalidInput, maxDescriptionLen)
	}
	return addr.Address, description, nil
}

func newView(tk *protocol.Ticket, log *protocol.AgentLog) *TicketView {
	v := &TicketView{
		ID:          tk.ID,
		Email:       tk.Email,
		Description: tk.Description,
		Status:      tk.Status,
		Passages:    []string{},
		CreatedAt:   tk.CreatedAt,
	}
	if log != nil {
		v.Category = log.Category
		v.Priority = log.Priority
		v.Draft = log.Draft
		v.Confidence = log.Confidence
		v.NeedsReview = log.NeedsReview
		v.Degraded = log.Degraded
		if log.Passages != nil {
			v.Passages = log.Passages
		}
	}
	return v
}

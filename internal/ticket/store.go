package ticket

import (
	"context"
	"errors"
	"time"

	"github.com/h1v3-io/triage/pkg/protocol"
)

var (
	// ErrNotFound is returned when a ticket id does not exist.
	ErrNotFound = errors.New("ticket not found")
	// ErrInvalidTransition is returned when a status change violates the lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the persistence interface for tickets and their agent logs.
type Store interface {
	// Create inserts a new ticket in Processing status.
	Create(ctx context.Context, email, description string) (*protocol.Ticket, error)
	// Get retrieves a ticket by ID.
	Get(ctx context.Context, id int64) (*protocol.Ticket, error)
	// List returns tickets matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]*protocol.Ticket, error)
	// Count returns the number of tickets matching the filter.
	Count(ctx context.Context, filter Filter) (int, error)
	// CountByStatus returns ticket counts keyed by status.
	CountByStatus(ctx context.Context) (map[protocol.TicketStatus]int, error)
	// UpdateStatus moves a ticket to a new status if the lifecycle allows it.
	UpdateStatus(ctx context.Context, id int64, status protocol.TicketStatus) error
	// AppendLog records a pipeline run for an existing ticket.
	AppendLog(ctx context.Context, log *protocol.AgentLog) error
	// Complete records a pipeline run and applies the resulting status atomically.
	Complete(ctx context.Context, log *protocol.AgentLog, status protocol.TicketStatus) error
	// LatestLog returns the most recent log for a ticket, or nil if none exists.
	LatestLog(ctx context.Context, ticketID int64) (*protocol.AgentLog, error)
	// Logs returns every log for a ticket, oldest first.
	Logs(ctx context.Context, ticketID int64) ([]*protocol.AgentLog, error)
	// ListStale returns tickets in the given status created before cutoff.
	ListStale(ctx context.Context, status protocol.TicketStatus, cutoff time.Time) ([]*protocol.Ticket, error)
	// Ping checks the database connection.
	Ping(ctx context.Context) error
	// Close releases the database handle.
	Close() error
}

// Filter constrains ticket list queries.
type Filter struct {
	Status *protocol.TicketStatus
	Email  string // exact match on submitter
	Query  string // text search on description
	Limit  int    // 0 = no limit
}

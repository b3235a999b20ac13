// Package connector defines how external channels hand tickets to the desk.
package connector

import (
	"context"
	"errors"
)

// ErrRejected marks an intake the desk refused as invalid (bad email, empty
// description). Channels report it to the sender as a client error.
var ErrRejected = errors.New("intake rejected")

// Intake is a ticket submitted through an external channel.
type Intake struct {
	Channel     string         // e.g. "webhook:servicenow"
	Email       string         // submitter contact
	Description string         // issue text
	Metadata    map[string]any // channel-specific extras
}

// Receipt acknowledges a filed ticket.
type Receipt struct {
	TicketID int64  `json:"ticket_id"`
	Status   string `json:"ticket_status"`
}

// IntakeHandler files a ticket for an intake.
type IntakeHandler func(ctx context.Context, in Intake) (Receipt, error)

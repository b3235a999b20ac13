// Package notify delivers approved ticket responses to the submitter or to a
// support channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Delivery is one outbound response.
type Delivery struct {
	TicketID int64  `json:"ticket_id"`
	Email    string `json:"user_email"`
	Subject  string `json:"subject"`
	Body     string `json:"final_response"`
}

// NewDelivery builds the delivery for an approved ticket.
func NewDelivery(ticketID int64, email, body string) Delivery {
	return Delivery{
		TicketID: ticketID,
		Email:    email,
		Subject:  fmt.Sprintf("Re: support ticket #%d", ticketID),
		Body:     body,
	}
}

// Notifier sends a Delivery somewhere.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, d Delivery) error
}

// LogNotifier records deliveries in the log instead of sending them.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, d Delivery) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("response delivered",
		"ticket_id", d.TicketID,
		"to", d.Email,
		"subject", d.Subject,
		"body_len", len(d.Body),
	)
	return nil
}

// Multi fans a delivery out to several notifiers. Every notifier is tried;
// failures are logged and joined into the returned error.
type Multi struct {
	Notifiers []Notifier
	Logger    *slog.Logger
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Notify(ctx context.Context, d Delivery) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var errs []error
	for _, n := range m.Notifiers {
		if err := n.Notify(ctx, d); err != nil {
			logger.Error("notification failed",
				"notifier", n.Name(),
				"ticket_id", d.TicketID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

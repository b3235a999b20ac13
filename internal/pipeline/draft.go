package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/h1v3-io/triage/internal/provider"
	"github.com/h1v3-io/triage/pkg/protocol"
)

const draftPrompt = `You are an IT Support Agent.
Context Guidelines:
%s

User Query: %s

Draft a helpful, professional response based on the context above. If the context doesn't help, politely ask for more details.`

// Drafter writes the reply sent (or proposed) to the ticket submitter.
type Drafter struct {
	Provider    provider.Provider
	Model       string
	Temperature float64
	MaxTokens   int
}

// Draft returns the generated reply. When the model call fails the draft is
// the text "Error generating response: <cause>", marked degraded.
func (d *Drafter) Draft(ctx context.Context, query string, passages []string) Outcome[string] {
	prompt := fmt.Sprintf(draftPrompt, strings.Join(passages, "\n\n"), query)

	resp, err := d.Provider.Chat(ctx, protocol.ChatRequest{
		Model:       d.Model,
		Messages:    []protocol.ChatMessage{{Role: "user", Content: prompt}},
		Temperature: &d.Temperature,
		MaxTokens:   d.MaxTokens,
	})
	if err == nil && strings.TrimSpace(resp.Content) == "" {
		err = errors.New("empty completion")
	}
	if err != nil {
		return Degrade(fmt.Sprintf("Error generating response: %v", err), fmt.Sprintf("drafter call failed: %v", err))
	}
	return Ok(resp.Content)
}

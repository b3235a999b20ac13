package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/h1v3-io/triage/internal/provider"
	"github.com/h1v3-io/triage/pkg/protocol"
)

const classifyPrompt = `Classify the IT support ticket.
Answer with a JSON object of the form {"category": "<category>", "priority": "<priority>"}.
category must be one of: %s.
priority must be one of: %s.

Ticket: %s`

// FallbackClassification is used whenever the model cannot be called or its
// answer cannot be used.
var FallbackClassification = Classification{
	Category: protocol.CategoryGeneral,
	Priority: protocol.PriorityMedium,
}

// Classifier assigns a category and priority to ticket text.
type Classifier struct {
	Provider    provider.Provider
	Model       string
	Temperature float64
}

// Classify never fails: call errors, unparsable output and labels outside the
// known sets all produce the degraded fallback.
func (c *Classifier) Classify(ctx context.Context, query string) Outcome[Classification] {
	prompt := fmt.Sprintf(classifyPrompt,
		strings.Join(protocol.Categories, ", "),
		strings.Join(protocol.Priorities, ", "),
		query)

	resp, err := c.Provider.Chat(ctx, protocol.ChatRequest{
		Model:       c.Model,
		Messages:    []protocol.ChatMessage{{Role: "user", Content: prompt}},
		Temperature: &c.Temperature,
		JSONOutput:  true,
	})
	if err != nil {
		return Degrade(FallbackClassification, fmt.Sprintf("classifier call failed: %v", err))
	}

	cl, err := parseClassification(resp.Content)
	if err != nil {
		return Degrade(FallbackClassification, fmt.Sprintf("classifier output unusable: %v", err))
	}
	return Ok(cl)
}

func parseClassification(raw string) (Classification, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return Classification{}, fmt.Errorf("no JSON object in %q", truncate(raw, 80))
	}

	var out struct {
		Category string `json:"category"`
		Priority string `json:"priority"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return Classification{}, fmt.Errorf("parse: %w", err)
	}

	category := normalizeLabel(out.Category)
	if !slices.Contains(protocol.Categories, category) {
		return Classification{}, fmt.Errorf("unknown category %q", out.Category)
	}
	priority := normalizeLabel(out.Priority)
	if !slices.Contains(protocol.Priorities, priority) {
		return Classification{}, fmt.Errorf("unknown priority %q", out.Priority)
	}
	return Classification{Category: category, Priority: priority}, nil
}

// normalizeLabel maps " NETWORK " and "network" to "Network".
func normalizeLabel(s string) string {
	return cases.Title(language.English).String(strings.TrimSpace(s))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

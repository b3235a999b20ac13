package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/h1v3-io/triage/internal/knowledge"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		err      error
		want     Classification
		degraded bool
	}{
		{"valid", `{"category":"Network","priority":"High"}`, nil, Classification{"Network", "High"}, false},
		{"case folded", `{"category":" access ","priority":"LOW"}`, nil, Classification{"Access", "Low"}, false},
		{"fenced", "```json\n{\"category\": \"Billing\", \"priority\": \"Medium\"}\n```", nil, Classification{"Billing", "Medium"}, false},
		{"prose", "This looks like a network problem.", nil, FallbackClassification, true},
		{"broken json", `{"category": "Network", `, nil, FallbackClassification, true},
		{"unknown category", `{"category":"Hardware","priority":"High"}`, nil, FallbackClassification, true},
		{"missing priority", `{"category":"Access"}`, nil, FallbackClassification, true},
		{"call error", "", errors.New("timeout"), FallbackClassification, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{classify: tt.reply, err: tt.err}
			c := &Classifier{Provider: p}
			got := c.Classify(context.Background(), "my ticket")
			if got.Value != tt.want {
				t.Errorf("value = %+v, want %+v", got.Value, tt.want)
			}
			if got.Degraded != tt.degraded {
				t.Errorf("degraded = %v (reason %q)", got.Degraded, got.Reason)
			}
			if got.Degraded && got.Reason == "" {
				t.Error("degraded outcome needs a reason")
			}
		})
	}
}

func TestClassify_RequestShape(t *testing.T) {
	p := &fakeProvider{classify: `{"category":"General","priority":"Low"}`}
	c := &Classifier{Provider: p, Model: "llama3"}
	c.Classify(context.Background(), "printer jam on floor 3")

	req := p.requests[0]
	if !req.JSONOutput || req.Model != "llama3" {
		t.Errorf("request = %+v", req)
	}
	prompt := req.Messages[0].Content
	if !strings.HasPrefix(prompt, "Classify the IT support ticket.") || !strings.HasSuffix(prompt, "Ticket: printer jam on floor 3") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestRetrieve(t *testing.T) {
	s := &fakeStore{hits: []knowledge.Passage{
		{Content: "one"}, {Content: "  "}, {Content: "two"}, {Content: "three"}, {Content: "four"},
	}}
	r := &Retriever{Store: s}
	got := r.Retrieve(context.Background(), "q", "General")
	if got.Degraded {
		t.Fatalf("unexpected degrade: %s", got.Reason)
	}
	if s.lastK != DefaultTopK {
		t.Errorf("k = %d", s.lastK)
	}
	if strings.Join(got.Value, ",") != "one,two,three" {
		t.Errorf("passages = %v", got.Value)
	}
}

func TestRetrieve_EmptyYieldsSentinel(t *testing.T) {
	r := &Retriever{Store: &fakeStore{}, TopK: 5}
	got := r.Retrieve(context.Background(), "q", "General")
	if !got.Degraded || len(got.Value) != 1 || got.Value[0] != NoArticleFound {
		t.Errorf("outcome = %+v", got)
	}
}

func TestRetrieve_ErrorYieldsSentinel(t *testing.T) {
	r := &Retriever{Store: &fakeStore{err: errors.New("refused")}}
	got := r.Retrieve(context.Background(), "q", "General")
	if !got.Degraded || len(got.Value) != 1 || got.Value[0] != KnowledgeBaseError {
		t.Errorf("outcome = %+v", got)
	}
}

func TestDraft(t *testing.T) {
	p := &fakeProvider{draft: "Here is how to reset it."}
	d := &Drafter{Provider: p}
	got := d.Draft(context.Background(), "forgot password", []string{"alpha", "beta"})
	if got.Degraded || got.Value != "Here is how to reset it." {
		t.Errorf("outcome = %+v", got)
	}
	prompt := p.requests[0].Messages[0].Content
	if !strings.Contains(prompt, "alpha\n\nbeta") {
		t.Error("passages should be joined by a blank line")
	}
	if !strings.Contains(prompt, "User Query: forgot password") {
		t.Error("prompt should include the query")
	}
	if !strings.HasPrefix(prompt, "You are an IT Support Agent.") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestDraft_ErrorText(t *testing.T) {
	d := &Drafter{Provider: &fakeProvider{err: errors.New("model not found")}}
	got := d.Draft(context.Background(), "q", []string{"p"})
	if !got.Degraded || got.Value != "Error generating response: model not found" {
		t.Errorf("outcome = %+v", got)
	}
}

func TestDraft_EmptyCompletion(t *testing.T) {
	d := &Drafter{Provider: &fakeProvider{draft: "   "}}
	got := d.Draft(context.Background(), "q", []string{"p"})
	if !got.Degraded || !strings.HasPrefix(got.Value, "Error generating response:") {
		t.Errorf("outcome = %+v", got)
	}
}

func TestQualityGate(t *testing.T) {
	tests := []struct {
		draft  string
		conf   float64
		review bool
	}{
		{"Please reset your password at the portal.", 0.9, false},
		{"Error generating response: timeout", 0.4, true},
		{"No specific knowledge base article found, can you share more?", 0.4, true},
		{"We saw an Error in the logs.", 0.4, true},
		{"no specific lowercase does not match", 0.9, false},
		{"", 0.9, false},
	}
	for _, tt := range tests {
		got := QualityGate(tt.draft)
		if got.Confidence != tt.conf || got.NeedsReview != tt.review {
			t.Errorf("QualityGate(%q) = %+v", tt.draft, got)
		}
	}
}

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/h1v3-io/triage/internal/knowledge"
	"github.com/h1v3-io/triage/pkg/protocol"
)

// fakeProvider answers classification prompts and draft prompts separately.
type fakeProvider struct {
	mu       sync.Mutex
	classify string
	draft    string
	err      error
	panicMsg string
	requests []protocol.ChatRequest
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Chat(_ context.Context, req protocol.ChatRequest) (*protocol.ChatResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return nil, f.err
	}
	if req.JSONOutput {
		return &protocol.ChatResponse{Content: f.classify}, nil
	}
	return &protocol.ChatResponse{Content: f.draft}, nil
}

type fakeStore struct {
	hits  []knowledge.Passage
	err   error
	lastK int
}

func (f *fakeStore) Search(_ context.Context, _ string, k int) ([]knowledge.Passage, error) {
	f.lastK = k
	return f.hits, f.err
}
func (f *fakeStore) Upsert(context.Context, []knowledge.Passage) (int, error) { return 0, nil }
func (f *fakeStore) Count(context.Context) (int, error)                        { return len(f.hits), nil }
func (f *fakeStore) Ping(context.Context) error                                { return f.err }

func newRunner(p *fakeProvider, s knowledge.Store, buf *bytes.Buffer) *Runner {
	logger := slog.New(slog.NewJSONHandler(buf, nil))
	return New(
		&Classifier{Provider: p},
		&Retriever{Store: s},
		&Drafter{Provider: p},
		logger,
	)
}

func TestRun_HappyPath(t *testing.T) {
	p := &fakeProvider{
		classify: `{"category":"Access","priority":"High"}`,
		draft:    "Passwords must be 16 characters; reset yours at the portal.",
	}
	s := &fakeStore{hits: []knowledge.Passage{{Content: "Passwords must be 16 characters."}}}
	var buf bytes.Buffer

	st, err := newRunner(p, s, &buf).Run(context.Background(), 7, "forgot password")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Category != "Access" || st.Priority != "High" {
		t.Errorf("labels = %s/%s", st.Category, st.Priority)
	}
	if len(st.Passages) != 1 || st.Passages[0] != "Passwords must be 16 characters." {
		t.Errorf("passages = %v", st.Passages)
	}
	if st.Confidence != ConfidenceHigh || st.NeedsReview {
		t.Errorf("gate = %v/%v", st.Confidence, st.NeedsReview)
	}
	if st.Status() != protocol.TicketResolved {
		t.Errorf("status = %s", st.Status())
	}
	if st.Stage != protocol.StageDone || st.Degraded() {
		t.Errorf("stage=%s issues=%v", st.Stage, st.Issues)
	}

	draftReq := p.requests[1]
	if !strings.Contains(draftReq.Messages[0].Content, "Passwords must be 16 characters.") {
		t.Error("draft prompt should include retrieved passage")
	}
	if !strings.Contains(buf.String(), `"ticket_id":7`) {
		t.Error("expected stage logs tagged with ticket_id")
	}
}

func TestRun_RetrievalUnreachable(t *testing.T) {
	p := &fakeProvider{
		classify: `{"category":"Network","priority":"Low"}`,
		draft:    "Could you share more details about the VPN issue?",
	}
	s := &fakeStore{err: errors.New("dial tcp: connection refused")}

	st, err := newRunner(p, s, &bytes.Buffer{}).Run(context.Background(), 1, "vpn down")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(st.Passages) != 1 || st.Passages[0] != KnowledgeBaseError {
		t.Errorf("passages = %v", st.Passages)
	}
	if st.Draft == "" {
		t.Error("expected a draft")
	}
	if len(st.Issues) != 1 || st.Issues[0].Stage != protocol.StageResearch {
		t.Errorf("issues = %v", st.Issues)
	}
	if s := st.Status(); s != protocol.TicketResolved && s != protocol.TicketAwaitingReview {
		t.Errorf("status = %s", s)
	}
}

func TestRun_MalformedClassification(t *testing.T) {
	p := &fakeProvider{classify: "I think it's about billing", draft: "Thanks, we are on it."}
	s := &fakeStore{hits: []knowledge.Passage{{Content: "Invoices are sent monthly."}}}

	st, err := newRunner(p, s, &bytes.Buffer{}).Run(context.Background(), 2, "invoice wrong")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Category != protocol.CategoryGeneral || st.Priority != protocol.PriorityMedium {
		t.Errorf("labels = %s/%s", st.Category, st.Priority)
	}
	if st.Stage != protocol.StageDone {
		t.Errorf("stage = %s", st.Stage)
	}
	if len(st.Issues) != 1 || st.Issues[0].Stage != protocol.StageTriage {
		t.Errorf("issues = %v", st.Issues)
	}
}

func TestRun_AllBackendsDown(t *testing.T) {
	p := &fakeProvider{err: errors.New("connection refused")}
	s := &fakeStore{}

	st, err := newRunner(p, s, &bytes.Buffer{}).Run(context.Background(), 3, "help")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasPrefix(st.Draft, "Error generating response:") {
		t.Errorf("draft = %q", st.Draft)
	}
	if st.Confidence != ConfidenceLow || !st.NeedsReview {
		t.Errorf("gate = %v/%v", st.Confidence, st.NeedsReview)
	}
	if st.Status() != protocol.TicketAwaitingReview {
		t.Errorf("status = %s", st.Status())
	}
	if len(st.Issues) != 3 {
		t.Errorf("expected 3 degraded steps, got %v", st.Issues)
	}
}

func TestRun_PanicIsReturnedAsError(t *testing.T) {
	p := &fakeProvider{panicMsg: "boom"}
	_, err := newRunner(p, &fakeStore{}, &bytes.Buffer{}).Run(context.Background(), 4, "x")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected panic error, got %v", err)
	}
}

func TestRun_MissingStep(t *testing.T) {
	r := New(nil, nil, nil, nil)
	if _, err := r.Run(context.Background(), 5, "x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestState_WithDoesNotMutate(t *testing.T) {
	base := NewState(1, "q").WithPassages(Ok([]string{"a"}))
	next := base.WithPassages(Degrade([]string{NoArticleFound}, "empty"))

	if base.Passages[0] != "a" || base.Degraded() {
		t.Errorf("base changed: %+v", base)
	}
	if next.Passages[0] != NoArticleFound || !next.Degraded() {
		t.Errorf("next = %+v", next)
	}

	next.Passages[0] = "mutated"
	if base.Passages[0] != "a" {
		t.Error("states share passage storage")
	}
}

func TestState_Initial(t *testing.T) {
	st := NewState(9, "printer jam")
	if st.Category != protocol.CategoryUnclassified || st.Priority != protocol.PriorityUnknown {
		t.Errorf("initial labels = %s/%s", st.Category, st.Priority)
	}
}

func TestState_AgentLog(t *testing.T) {
	st := NewState(3, "q").
		WithClassification(Ok(Classification{Category: "Billing", Priority: "Low"})).
		WithPassages(Degrade([]string{NoArticleFound}, "no matching passages")).
		WithDraft(Ok("No specific guidance, please share more details.")).
		WithAssessment(QualityGate("No specific guidance, please share more details."))

	l := st.AgentLog()
	if l.TicketID != 3 || l.Category != "Billing" || l.Priority != "Low" {
		t.Errorf("log = %+v", l)
	}
	if !l.NeedsReview || l.Confidence != ConfidenceLow {
		t.Errorf("gate = %v/%v", l.Confidence, l.NeedsReview)
	}
	if len(l.Degraded) != 1 || l.Degraded[0].Stage != protocol.StageResearch {
		t.Errorf("degraded = %v", l.Degraded)
	}
}

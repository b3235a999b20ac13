package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/h1v3-io/triage/pkg/protocol"
)

// Runner executes Triage → Research → Draft → QualityGate in that order.
// It holds no per-run state and may be shared by concurrent runs.
type Runner struct {
	Classifier *Classifier
	Retriever  *Retriever
	Drafter    *Drafter
	Logger     *slog.Logger
}

// New creates a Runner from its steps.
func New(c *Classifier, r *Retriever, d *Drafter, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{Classifier: c, Retriever: r, Drafter: d, Logger: logger}
}

// Run drives one ticket through the pipeline. Step failures degrade the
// state and the run continues; an error is returned only when the run itself
// breaks (a panic inside a step or a missing dependency).
func (p *Runner) Run(ctx context.Context, ticketID int64, query string) (st State, err error) {
	log := p.Logger.With("ticket_id", ticketID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline panic", "stage", st.Stage, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("pipeline: ticket %d: panic after stage %q: %v", ticketID, st.Stage, r)
		}
	}()

	if p.Classifier == nil || p.Retriever == nil || p.Drafter == nil {
		return State{}, fmt.Errorf("pipeline: ticket %d: runner is missing a step", ticketID)
	}

	st = NewState(ticketID, query)
	log.Info("pipeline started", "query_len", len(query))

	cl := p.Classifier.Classify(ctx, st.Query)
	st = st.WithClassification(cl)
	logStage(log, st, cl.Degraded, cl.Reason, "category", st.Category, "priority", st.Priority)

	ps := p.Retriever.Retrieve(ctx, st.Query, st.Category)
	st = st.WithPassages(ps)
	logStage(log, st, ps.Degraded, ps.Reason, "passages", len(st.Passages))

	dr := p.Drafter.Draft(ctx, st.Query, st.Passages)
	st = st.WithDraft(dr)
	logStage(log, st, dr.Degraded, dr.Reason, "draft_len", len(st.Draft))

	st = st.WithAssessment(QualityGate(st.Draft))
	logStage(log, st, false, "", "confidence", st.Confidence, "needs_review", st.NeedsReview)

	st.Stage = protocol.StageDone
	log.Info("pipeline finished",
		"category", st.Category,
		"priority", st.Priority,
		"status", st.Status(),
		"degraded_steps", len(st.Issues),
	)
	return st, nil
}

func logStage(log *slog.Logger, st State, degraded bool, reason string, attrs ...any) {
	attrs = append([]any{"stage", st.Stage}, attrs...)
	if degraded {
		log.Warn("pipeline stage degraded", append(attrs, "reason", reason)...)
		return
	}
	log.Info("pipeline stage complete", attrs...)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/h1v3-io/triage/internal/desk"
	"github.com/h1v3-io/triage/internal/health"
	"github.com/h1v3-io/triage/internal/knowledge"
	"github.com/h1v3-io/triage/internal/logbuf"
	"github.com/h1v3-io/triage/internal/ticket"
	"github.com/h1v3-io/triage/pkg/protocol"
)

const (
	defaultLogLimit   = 200
	defaultTraceLimit = 500
	shutdownGrace     = 5 * time.Second
	maxRequestBody    = 1 << 20
)

// DeskService is the interface the API server needs from the desk.
type DeskService interface {
	Create(ctx context.Context, email, description string) (*desk.TicketView, error)
	List(ctx context.Context, filter ticket.Filter) ([]*protocol.Ticket, error)
	Get(ctx context.Context, id int64) (*desk.TicketView, error)
	Runs(ctx context.Context, id int64) ([]*protocol.AgentLog, error)
	Approve(ctx context.Context, id int64, finalText string) (*protocol.Ticket, error)
	Stats(ctx context.Context) (*desk.Stats, error)
}

// LogQuerier abstracts log entry querying.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
	Ticket(id int64, limit int) []logbuf.Entry
}

// Ingester adds documents to the passage store.
type Ingester interface {
	IngestText(ctx context.Context, source, text string) (knowledge.Result, error)
	IngestURL(ctx context.Context, rawURL string) (knowledge.Result, error)
}

// HealthChecker reports component health.
type HealthChecker interface {
	Run(ctx context.Context) health.Report
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth
}

// Option configures optional server surfaces.
type Option func(*Server)

// WithLogs enables /api/logs and ticket traces.
func WithLogs(logs LogQuerier) Option {
	return func(s *Server) { s.logs = logs }
}

// WithIngester enables /api/v1/kb/documents.
func WithIngester(in Ingester) Option {
	return func(s *Server) { s.ingester = in }
}

// WithHealth enables /api/v1/health/components.
func WithHealth(h HealthChecker) Option {
	return func(s *Server) { s.health = h }
}

// WithWebhook mounts the inbound webhook connector at /api/webhook/{name}.
// The connector does its own per-endpoint auth.
func WithWebhook(h http.Handler) Option {
	return func(s *Server) { s.webhook = h }
}

// Server is the triage REST API server.
type Server struct {
	desk     DeskService
	cfg      Config
	logger   *slog.Logger
	logs     LogQuerier
	ingester Ingester
	health   HealthChecker
	webhook  http.Handler
	srv      *http.Server
}

// NewServer creates a new API server.
func NewServer(svc DeskService, cfg Config, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		desk:   svc,
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/tickets", s.requireAuth(s.handleCreateTicket))
	mux.HandleFunc("GET /api/v1/tickets", s.requireAuth(s.handleListTickets))
	mux.HandleFunc("GET /api/v1/tickets/{id}", s.requireAuth(s.handleGetTicket))
	mux.HandleFunc("POST /api/v1/tickets/{id}/approve", s.requireAuth(s.handleApprove))
	mux.HandleFunc("GET /api/v1/tickets/{id}/trace", s.requireAuth(s.handleTrace))
	mux.HandleFunc("GET /api/v1/stats", s.requireAuth(s.handleStats))
	mux.HandleFunc("POST /api/v1/kb/documents", s.requireAuth(s.handleIngest))
	mux.HandleFunc("GET /api/v1/health/components", s.requireAuth(s.handleComponents))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))
	if s.webhook != nil {
		mux.Handle("POST /api/webhook/{name}", s.webhook)
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("api server: %w", err)
	}
	return s.serve(ctx, ln)
}

// serve returns once ctx is cancelled and in-flight requests have drained
// (or shutdownGrace has passed).
func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.srv.Shutdown(shutCtx); err != nil {
			s.logger.Warn("api server shutdown incomplete", "error", err)
		}
	}()

	s.logger.Info("api server starting", "addr", ln.Addr().String())
	if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	<-drained
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "running", "system": "triage"})
}

type createTicketRequest struct {
	Email       string `json:"user_email"`
	Description string `json:"issue_description"`
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if !decodeBody(w, r, &req) {
		return
	}
	view, err := s.desk.Create(r.Context(), req.Email, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ticket.Filter{
		Email: q.Get("email"),
		Query: q.Get("q"),
	}
	if status := q.Get("status"); status != "" {
		ts := protocol.TicketStatus(status)
		if !ts.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status: " + status})
			return
		}
		filter.Status = &ts
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	tickets, err := s.desk.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := ticketID(w, r)
	if !ok {
		return
	}
	view, err := s.desk.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type approveRequest struct {
	FinalResponse string `json:"final_response"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := ticketID(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := s.desk.Approve(r.Context(), id, req.FinalResponse); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "resolved",
		"message": "Ticket approved and response sent.",
	})
}

type traceResponse struct {
	TicketID int64                `json:"ticket_id"`
	Runs     []*protocol.AgentLog `json:"runs"`
	Logs     []logbuf.Entry       `json:"logs"`
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	id, ok := ticketID(w, r)
	if !ok {
		return
	}
	runs, err := s.desk.Runs(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := traceResponse{TicketID: id, Runs: runs, Logs: []logbuf.Entry{}}
	if resp.Runs == nil {
		resp.Runs = []*protocol.AgentLog{}
	}
	if s.logs != nil {
		resp.Logs = s.logs.Ticket(id, defaultTraceLimit)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.desk.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type ingestRequest struct {
	Source string `json:"source"`
	Text   string `json:"text"`
	URL    string `json:"url"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.ingester == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "knowledge ingestion is not configured"})
		return
	}
	var req ingestRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var (
		res knowledge.Result
		err error
	)
	switch {
	case req.URL != "":
		res, err = s.ingester.IngestURL(r.Context(), req.URL)
	case req.Source != "" && strings.TrimSpace(req.Text) != "":
		res, err = s.ingester.IngestText(r.Context(), req.Source, req.Text)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "either url or source and text are required"})
		return
	}
	if err != nil {
		s.logger.Error("ingestion failed", "source", req.Source, "url", req.URL, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleComponents(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "health checks are not configured"})
		return
	}
	rep := s.health.Run(r.Context())
	status := http.StatusOK
	if !rep.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	q := r.URL.Query()
	f := logbuf.Filter{Limit: defaultLogLimit, MinLevel: slog.LevelDebug}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if lvl := q.Get("level"); lvl != "" {
		f.MinLevel = logbuf.ParseLevel(lvl)
	}
	if since := q.Get("since"); since != "" {
		if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
			f.Since = time.UnixMilli(ms)
		}
	}
	if id := q.Get("ticket"); id != "" {
		f.AttrKey = logbuf.TicketKey
		f.AttrValue = id
	}

	writeJSON(w, http.StatusOK, s.logs.Query(f))
}

// --- Helpers ---

// writeError maps service errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, desk.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, ticket.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ticket.ErrInvalidTransition):
		status = http.StatusConflict
	default:
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func ticketID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid ticket id"})
		return 0, false
	}
	return id, true
}

// decodeBody reads a JSON body into v. An empty body leaves v zero.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

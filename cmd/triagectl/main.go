package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/h1v3-io/triage/internal/app"
	"github.com/h1v3-io/triage/internal/config"
	"github.com/h1v3-io/triage/internal/health"
	"github.com/h1v3-io/triage/internal/knowledge"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	config.LoadDotEnv()

	args := os.Args[2:]
	switch os.Args[1] {
	case "health":
		cmdHealth(args)
	case "stats":
		cmdStats()
	case "logs":
		cmdLogs(args)
	case "tickets":
		if len(args) < 1 {
			fail("usage: triagectl tickets <list|show|create|approve>")
		}
		switch args[0] {
		case "list":
			cmdTicketsList(args[1:])
		case "show":
			cmdTicketsShow(args[1:])
		case "create":
			cmdTicketsCreate(args[1:])
		case "approve":
			cmdTicketsApprove(args[1:])
		default:
			fail("unknown tickets subcommand: %s", args[0])
		}
	case "kb":
		if len(args) < 1 || args[0] != "ingest" {
			fail("usage: triagectl kb ingest <path|url>")
		}
		cmdIngest(args[1:])
	case "config":
		if len(args) < 2 || args[0] != "validate" {
			fail("usage: triagectl config validate <path>")
		}
		cmdConfigValidate(args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// --- Commands ---

func cmdHealth(args []string) {
	fs := pflag.NewFlagSet("health", pflag.ExitOnError)
	local := fs.Bool("local", false, "Check components directly instead of asking the daemon")
	configPath := fs.StringP("config", "c", "", "Config file for --local (default: environment)")
	fs.Parse(args)

	var rep health.Report
	if *local {
		a := openLocal(*configPath)
		defer a.Close()
		rep = a.Health.Run(context.Background())
	} else {
		c := newClient()
		body, err := c.do(http.MethodGet, "/api/health", nil)
		if err != nil {
			fail("error: %v", err)
		}
		fmt.Println(string(body))

		// The components endpoint answers 503 with a full report when unhealthy.
		body, err = c.do(http.MethodGet, "/api/v1/health/components", nil)
		if err != nil {
			var he *httpError
			if !errors.As(err, &he) || he.status != http.StatusServiceUnavailable {
				fail("error: %v", err)
			}
			body = he.body
		}
		if err := json.Unmarshal(body, &rep); err != nil {
			fail("error: decode health report: %v", err)
		}
	}

	printReport(os.Stdout, rep)
	if !rep.Healthy {
		os.Exit(1)
	}
}

func cmdStats() {
	body, err := newClient().do(http.MethodGet, "/api/v1/stats", nil)
	if err != nil {
		fail("error: %v", err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdLogs(args []string) {
	fs := pflag.NewFlagSet("logs", pflag.ExitOnError)
	level := fs.String("level", "info", "Minimum level (debug|info|warn|error)")
	ticketID := fs.String("ticket", "", "Only entries for this ticket")
	limit := fs.Int("limit", 100, "Max entries")
	fs.Parse(args)

	q := url.Values{}
	q.Set("level", *level)
	q.Set("limit", fmt.Sprint(*limit))
	if *ticketID != "" {
		q.Set("ticket", *ticketID)
	}
	body, err := newClient().do(http.MethodGet, "/api/logs?"+q.Encode(), nil)
	if err != nil {
		fail("error: %v", err)
	}
	var entries []struct {
		Time    time.Time      `json:"time"`
		Level   string         `json:"level"`
		Message string         `json:"message"`
		Attrs   map[string]any `json:"attrs"`
	}
	json.Unmarshal(body, &entries)
	for _, e := range entries {
		fmt.Printf("%s %-5s %s %v\n", e.Time.Format(time.RFC3339), e.Level, e.Message, e.Attrs)
	}
}

func cmdTicketsList(args []string) {
	fs := pflag.NewFlagSet("tickets list", pflag.ExitOnError)
	status := fs.String("status", "", "Filter by status (Processing|Awaiting_Review|Resolved|Failed)")
	email := fs.String("email", "", "Filter by submitter")
	limit := fs.Int("limit", 50, "Max results")
	fs.Parse(args)

	q := url.Values{}
	q.Set("limit", fmt.Sprint(*limit))
	if *status != "" {
		q.Set("status", *status)
	}
	if *email != "" {
		q.Set("email", *email)
	}

	body, err := newClient().do(http.MethodGet, "/api/v1/tickets?"+q.Encode(), nil)
	if err != nil {
		fail("error: %v", err)
	}
	var tickets []struct {
		ID          int64  `json:"id"`
		Email       string `json:"user_email"`
		Description string `json:"issue_description"`
		Status      string `json:"status"`
	}
	json.Unmarshal(body, &tickets)
	for _, t := range tickets {
		fmt.Printf("%-6d %-16s %-24s %s\n", t.ID, t.Status, t.Email, truncate(t.Description, 60))
	}
}

func cmdTicketsShow(args []string) {
	fs := pflag.NewFlagSet("tickets show", pflag.ExitOnError)
	trace := fs.Bool("trace", false, "Show pipeline runs and captured logs")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fail("usage: triagectl tickets show <id> [--trace]")
	}

	path := "/api/v1/tickets/" + fs.Arg(0)
	if *trace {
		path += "/trace"
	}
	body, err := newClient().do(http.MethodGet, path, nil)
	if err != nil {
		fail("error: %v", err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdTicketsCreate(args []string) {
	fs := pflag.NewFlagSet("tickets create", pflag.ExitOnError)
	email := fs.StringP("email", "e", "", "Submitter email")
	description := fs.StringP("description", "d", "", "Issue description (- reads stdin)")
	fs.Parse(args)

	if *description == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fail("error: read stdin: %v", err)
		}
		*description = string(data)
	}
	if *email == "" || strings.TrimSpace(*description) == "" {
		fail("usage: triagectl tickets create --email <addr> --description <text>")
	}

	body, err := newClient().do(http.MethodPost, "/api/v1/tickets", map[string]string{
		"user_email":        *email,
		"issue_description": *description,
	})
	if err != nil {
		fail("error: %v", err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdTicketsApprove(args []string) {
	fs := pflag.NewFlagSet("tickets approve", pflag.ExitOnError)
	response := fs.StringP("response", "r", "", "Final response text (default: the latest draft)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fail("usage: triagectl tickets approve <id> [--response <text>]")
	}

	body, err := newClient().do(http.MethodPost, "/api/v1/tickets/"+fs.Arg(0)+"/approve", map[string]string{
		"final_response": *response,
	})
	if err != nil {
		fail("error: %v", err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdIngest(args []string) {
	fs := pflag.NewFlagSet("kb ingest", pflag.ExitOnError)
	local := fs.Bool("local", false, "Write to the passage store directly instead of through the daemon")
	configPath := fs.StringP("config", "c", "", "Config file for --local (default: environment)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fail("usage: triagectl kb ingest <path|url> [--local]")
	}
	target := fs.Arg(0)

	if *local {
		a := openLocal(*configPath)
		defer a.Close()
		res, err := ingestLocal(context.Background(), a.Ingester, target)
		if err != nil {
			fail("error: %v", err)
		}
		fmt.Printf("ingested %d document(s), %d chunk(s)\n", res.Documents, res.Chunks)
		return
	}

	c := newClient()
	if isURL(target) {
		body, err := c.do(http.MethodPost, "/api/v1/kb/documents", map[string]string{"url": target})
		if err != nil {
			fail("error: %v", err)
		}
		fmt.Println(prettyJSON(body))
		return
	}
	res, err := ingestRemote(c, target)
	if err != nil {
		fail("error: %v", err)
	}
	fmt.Printf("ingested %d document(s), %d chunk(s)\n", res.Documents, res.Chunks)
}

func cmdConfigValidate(path string) {
	_, err := config.Load(path)
	if err != nil {
		fail("invalid: %v", err)
	}
	fmt.Println("config is valid")
}

// --- Helpers ---

// openLocal builds the components from a config file or the environment.
func openLocal(configPath string) *app.App {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else if cfg, err = config.LoadFromEnv(); err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fail("error: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	a, err := app.New(cfg, logger)
	if err != nil {
		fail("error: %v", err)
	}
	return a
}

func ingestLocal(ctx context.Context, in *knowledge.Ingester, target string) (knowledge.Result, error) {
	if isURL(target) {
		return in.IngestURL(ctx, target)
	}
	info, err := os.Stat(target)
	if err != nil {
		return knowledge.Result{}, err
	}
	if info.IsDir() {
		return in.IngestDir(ctx, target)
	}
	return in.IngestFile(ctx, target)
}

// ingestRemote uploads a text or markdown file, or every such file under a
// directory, through the daemon's ingestion endpoint.
func ingestRemote(c *client, target string) (knowledge.Result, error) {
	var total knowledge.Result
	err := filepath.WalkDir(target, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		ext := strings.ToLower(filepath.Ext(path))
		if d.IsDir() || (ext != ".txt" && ext != ".md") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		body, err := c.do(http.MethodPost, "/api/v1/kb/documents", map[string]string{
			"source": filepath.Base(path),
			"text":   string(data),
		})
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		var res knowledge.Result
		if err := json.Unmarshal(body, &res); err != nil {
			return fmt.Errorf("%s: decode response: %w", path, err)
		}
		total.Documents += res.Documents
		total.Chunks += res.Chunks
		return nil
	})
	return total, err
}

type client struct {
	base string
	key  string
	http *http.Client
}

func newClient() *client {
	return &client{
		base: envOr("TRIAGE_API_URL", "http://localhost:8080"),
		key:  os.Getenv("TRIAGE_API_KEY"),
		// Ticket creation waits for the whole pipeline.
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

type httpError struct {
	status int
	body   []byte
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, strings.TrimSpace(string(e.body)))
}

func (c *client) do(method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reqBody)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &httpError{status: resp.StatusCode, body: body}
	}
	return body, nil
}

func printReport(w io.Writer, rep health.Report) {
	for _, r := range rep.Results {
		mark := "ok"
		if !r.OK {
			mark = "FAIL"
		}
		fmt.Fprintf(w, "%-10s %-4s %5dms  %s\n", r.Name, mark, r.LatencyMS, r.Message)
	}
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func printUsage() {
	fmt.Println("triagectl - support triage CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  health [--local]             Check daemon and component health")
	fmt.Println("  stats                        Ticket counts per status")
	fmt.Println("  logs                         Recent daemon logs (--level, --ticket, --limit)")
	fmt.Println("  tickets list                 List tickets (--status, --email, --limit)")
	fmt.Println("  tickets show <id>            Show ticket details (--trace for pipeline runs)")
	fmt.Println("  tickets create               File a ticket (--email, --description)")
	fmt.Println("  tickets approve <id>         Approve and send (--response, default: draft)")
	fmt.Println("  kb ingest <path|url>         Add documents to the knowledge base (--local)")
	fmt.Println("  config validate <path>       Validate config file")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  TRIAGE_API_URL   Daemon URL (default: http://localhost:8080)")
	fmt.Println("  TRIAGE_API_KEY   API key for authentication")
}

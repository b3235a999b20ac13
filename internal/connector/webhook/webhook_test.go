package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/h1v3-io/triage/internal/connector"
)

type capturedIntake struct {
	mu  sync.Mutex
	ins []connector.Intake
	err error
}

func (c *capturedIntake) handler(_ context.Context, in connector.Intake) (connector.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return connector.Receipt{}, c.err
	}
	c.ins = append(c.ins, in)
	return connector.Receipt{TicketID: int64(len(c.ins)), Status: "AR"}, nil
}

func (c *capturedIntake) last() connector.Intake {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ins[len(c.ins)-1]
}

func (c *capturedIntake) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ins)
}

func newTestHandler(endpoints map[string]EndpointConfig) (*Handler, *capturedIntake) {
	cap := &capturedIntake{}
	h := New(Config{Endpoints: endpoints}, cap.handler, nil)
	return h, cap
}

func post(h http.Handler, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestWebhook_BasicPost(t *testing.T) {
	h, cap := newTestHandler(map[string]EndpointConfig{
		"servicenow": {},
	})

	w := post(h, "/api/webhook/servicenow", `{"email":"jane@corp.com","description":"VPN drops every hour"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	in := cap.last()
	if in.Channel != "webhook:servicenow" {
		t.Errorf("channel = %q", in.Channel)
	}
	if in.Email != "jane@corp.com" {
		t.Errorf("email = %q", in.Email)
	}
	if in.Description != "VPN drops every hour" {
		t.Errorf("description = %q", in.Description)
	}
}

func TestWebhook_ResponseBody(t *testing.T) {
	h, _ := newTestHandler(map[string]EndpointConfig{"form": {}})

	w := post(h, "/api/webhook/form", `{"email":"a@b.co","description":"printer jam"}`)

	var resp struct {
		Status       string `json:"status"`
		TicketID     int64  `json:"ticket_id"`
		TicketStatus string `json:"ticket_status"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.TicketID != 1 || resp.TicketStatus != "AR" {
		t.Errorf("response = %+v", resp)
	}
}

func TestWebhook_BearerAuth(t *testing.T) {
	h, cap := newTestHandler(map[string]EndpointConfig{
		"form": {BearerToken: "secret123"},
	})
	payload := `{"email":"a@b.co","description":"password reset"}`

	if w := post(h, "/api/webhook/form", payload); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without auth, got %d", w.Code)
	}
	if w := post(h, "/api/webhook/form", payload, "Authorization", "Bearer wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong auth, got %d", w.Code)
	}
	if w := post(h, "/api/webhook/form", payload, "Authorization", "Bearer secret123"); w.Code != http.StatusOK {
		t.Errorf("expected 200 with correct auth, got %d", w.Code)
	}
	if cap.count() != 1 {
		t.Errorf("intakes = %d, want 1", cap.count())
	}
}

func TestWebhook_HMACAuth(t *testing.T) {
	secret := "webhook_secret_key"
	h, _ := newTestHandler(map[string]EndpointConfig{
		"servicenow": {Secret: secret},
	})

	payload := `{"email":"a@b.co","description":"laptop will not boot"}`
	sig := ComputeSignature([]byte(payload), secret)

	if w := post(h, "/api/webhook/servicenow", payload, "X-Hub-Signature-256", sig); w.Code != http.StatusOK {
		t.Errorf("expected 200 with valid HMAC, got %d", w.Code)
	}
	if w := post(h, "/api/webhook/servicenow", payload, "X-Signature-256", sig); w.Code != http.StatusOK {
		t.Errorf("expected 200 with alternate header, got %d", w.Code)
	}
	if w := post(h, "/api/webhook/servicenow", payload, "X-Hub-Signature-256", "sha256=invalid"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with invalid HMAC, got %d", w.Code)
	}
	if w := post(h, "/api/webhook/servicenow", payload); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without signature, got %d", w.Code)
	}
}

func TestWebhook_UnknownEndpoint(t *testing.T) {
	h, _ := newTestHandler(map[string]EndpointConfig{"servicenow": {}})

	if w := post(h, "/api/webhook/unknown", `{"email":"a@b.co","description":"hi"}`); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown endpoint, got %d", w.Code)
	}
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(map[string]EndpointConfig{"form": {}})

	req := httptest.NewRequest(http.MethodGet, "/api/webhook/form", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestWebhook_MissingFields(t *testing.T) {
	h, cap := newTestHandler(map[string]EndpointConfig{"form": {}})

	for _, body := range []string{
		`{"email":"","description":"disk full"}`,
		`{"email":"a@b.co","description":"   "}`,
		`not json`,
	} {
		if w := post(h, "/api/webhook/form", body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, w.Code)
		}
	}
	if cap.count() != 0 {
		t.Errorf("intakes = %d, want 0", cap.count())
	}
}

func TestWebhook_Rejected(t *testing.T) {
	h, cap := newTestHandler(map[string]EndpointConfig{"form": {}})
	cap.err = fmt.Errorf("%w: invalid email", connector.ErrRejected)

	w := post(h, "/api/webhook/form", `{"email":"not-an-email","description":"help"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for rejected intake, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "invalid email") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestWebhook_IntakeFailure(t *testing.T) {
	h, cap := newTestHandler(map[string]EndpointConfig{"form": {}})
	cap.err = errors.New("database is locked")

	w := post(h, "/api/webhook/form", `{"email":"a@b.co","description":"help"}`)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "locked") {
		t.Errorf("internal error leaked: %s", w.Body.String())
	}
}

func TestWebhook_Metadata(t *testing.T) {
	h, cap := newTestHandler(map[string]EndpointConfig{"servicenow": {}})

	payload := `{"email":"a@b.co","description":"Outlook crashes","metadata":{"asset":"LT-0042"}}`
	if w := post(h, "/api/webhook/servicenow", payload); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	in := cap.last()
	if !strings.HasPrefix(in.Description, "Outlook crashes") {
		t.Errorf("description = %q", in.Description)
	}
	if !strings.Contains(in.Description, "[Submitted via servicenow:") || !strings.Contains(in.Description, "LT-0042") {
		t.Errorf("metadata missing: %q", in.Description)
	}
	if in.Metadata["asset"] != "LT-0042" {
		t.Errorf("metadata = %v", in.Metadata)
	}
}

func TestWebhook_PathValue(t *testing.T) {
	h, cap := newTestHandler(map[string]EndpointConfig{"form": {}})
	mux := http.NewServeMux()
	mux.Handle("POST /api/webhook/{name}", h)

	if w := post(mux, "/api/webhook/form", `{"email":"a@b.co","description":"help"}`); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if cap.last().Channel != "webhook:form" {
		t.Errorf("channel = %q", cap.last().Channel)
	}
}

func TestLastSegment(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/webhook/servicenow", "servicenow"},
		{"/api/webhook/form/", "form"},
		{"/webhook", "webhook"},
		{"/", ""},
	}
	for _, tt := range tests {
		if got := lastSegment(tt.path); got != tt.want {
			t.Errorf("lastSegment(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestComputeSignature(t *testing.T) {
	sig := ComputeSignature([]byte("test body"), "secret")
	if !strings.HasPrefix(sig, "sha256=") {
		t.Errorf("signature should start with sha256=: %q", sig)
	}
	if !verifyHMAC([]byte("test body"), "secret", sig) {
		t.Error("signature should verify")
	}
	if verifyHMAC([]byte("other body"), "secret", sig) {
		t.Error("signature should not verify a different body")
	}
}

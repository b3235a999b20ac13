// Package webhook accepts tickets from external systems (ITSM tools, forms,
// chat bots) over authenticated HTTP POSTs.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/h1v3-io/triage/internal/connector"
)

const maxBodySize = 1 << 20

// Config holds webhook endpoint configuration.
type Config struct {
	// Endpoints maps endpoint names to their auth settings,
	// e.g. {"servicenow": {Secret: "whsec_abc"}, "form": {BearerToken: "xyz"}}.
	Endpoints map[string]EndpointConfig `json:"endpoints" yaml:"endpoints"`
}

// EndpointConfig holds per-endpoint authentication.
type EndpointConfig struct {
	// Secret enables HMAC-SHA256 verification of the X-Hub-Signature-256 header.
	Secret string `json:"secret,omitempty" yaml:"secret,omitempty"`
	// BearerToken is checked against the Authorization header when Secret is empty.
	BearerToken string `json:"bearer_token,omitempty" yaml:"bearer_token,omitempty"`
}

// Payload is the JSON body of a ticket submission.
type Payload struct {
	Email       string         `json:"email"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Handler serves POST /api/webhook/{name}.
type Handler struct {
	config Config
	intake connector.IntakeHandler
	logger *slog.Logger
}

// New creates a webhook handler that files tickets through intake.
func New(cfg Config, intake connector.IntakeHandler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{config: cfg, intake: intake, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	name := r.PathValue("name")
	if name == "" {
		name = lastSegment(r.URL.Path)
	}
	endpoint, ok := h.config.Endpoints[name]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown webhook endpoint: %s", name))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if !authenticate(r, endpoint, body) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if strings.TrimSpace(p.Email) == "" || strings.TrimSpace(p.Description) == "" {
		writeError(w, http.StatusBadRequest, "email and description are required")
		return
	}

	description := p.Description
	if len(p.Metadata) > 0 {
		meta, _ := json.Marshal(p.Metadata)
		description = fmt.Sprintf("%s\n\n[Submitted via %s: %s]", description, name, meta)
	}

	receipt, err := h.intake(r.Context(), connector.Intake{
		Channel:     "webhook:" + name,
		Email:       p.Email,
		Description: description,
		Metadata:    p.Metadata,
	})
	if err != nil {
		if errors.Is(err, connector.ErrRejected) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("webhook intake failed", "endpoint", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.logger.Info("ticket received via webhook", "endpoint", name, "ticket_id", receipt.TicketID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
		connector.Receipt
	}{Status: "ok", Receipt: receipt})
}

// authenticate checks the HMAC signature or bearer token. Endpoints with
// neither configured are open.
func authenticate(r *http.Request, endpoint EndpointConfig, body []byte) bool {
	if endpoint.Secret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if sig == "" {
			sig = r.Header.Get("X-Signature-256")
		}
		return verifyHMAC(body, endpoint.Secret, sig)
	}
	if endpoint.BearerToken != "" {
		return hmac.Equal([]byte(r.Header.Get("Authorization")), []byte("Bearer "+endpoint.BearerToken))
	}
	return true
}

// verifyHMAC checks a "sha256=<hex>" signature.
func verifyHMAC(body []byte, secret, signature string) bool {
	expected, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil || len(expected) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// ComputeSignature returns the X-Hub-Signature-256 value for body.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func lastSegment(path string) string {
	path = strings.TrimSuffix(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

const remoteYAML = `
service:
  id: remote-desk
  data_dir: /ignored
providers:
  default:
    api_key: sk-test
    model: gpt-4o
knowledge:
  backend: dir
  dir: /ignored/knowledge
api:
  port: 8081
`

func TestLoadRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/configs/triage" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.Write([]byte(remoteYAML))
	}))
	defer srv.Close()

	dataDir := filepath.Join(t.TempDir(), "data")
	cfg, err := LoadRemote(context.Background(), RemoteOptions{
		URL:     srv.URL + "/configs/triage",
		Token:   "test-key",
		DataDir: dataDir,
	})
	if err != nil {
		t.Fatalf("LoadRemote: %v", err)
	}

	if cfg.Service.ID != "remote-desk" {
		t.Errorf("service.id = %q", cfg.Service.ID)
	}
	if cfg.Service.DataDir != dataDir {
		t.Errorf("data_dir should be overridden to %q, got %q", dataDir, cfg.Service.DataDir)
	}
	if cfg.Database.DSN != filepath.Join(dataDir, "triage.db") {
		t.Errorf("database.dsn = %q", cfg.Database.DSN)
	}
	if cfg.Knowledge.Dir != filepath.Join(dataDir, "knowledge") {
		t.Errorf("knowledge.dir = %q", cfg.Knowledge.Dir)
	}
	if cfg.API.Port != 8081 {
		t.Errorf("api.port = %d", cfg.API.Port)
	}
	if _, err := os.Stat(dataDir); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
}

func TestLoadRemote_JSONByExtension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(validJSON))
	}))
	defer srv.Close()

	cfg, err := LoadRemote(context.Background(), RemoteOptions{URL: srv.URL + "/triage.json", DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("LoadRemote: %v", err)
	}
	if cfg.Pipeline.Drafter != "claude" {
		t.Errorf("pipeline.drafter = %q", cfg.Pipeline.Drafter)
	}
}

func TestLoadRemote_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := LoadRemote(context.Background(), RemoteOptions{URL: srv.URL, Token: "wrong", DataDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected error for unauthorized")
	}
}

func TestLoadRemote_Invalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	if _, err := LoadRemote(context.Background(), RemoteOptions{URL: srv.URL, DataDir: t.TempDir()}); err == nil {
		t.Fatal("expected error for invalid document")
	}
}

func TestRemoteFormat(t *testing.T) {
	tests := []struct {
		contentType, path, want string
	}{
		{"application/yaml; charset=utf-8", "/x", ".yaml"},
		{"text/yaml", "/x.json", ".yaml"},
		{"application/json", "/x.yaml", ".json"},
		{"text/plain", "/configs/triage.yml", ".yml"},
		{"", "/configs/triage", ".json"},
	}
	for _, tt := range tests {
		if got := remoteFormat(tt.contentType, tt.path); got != tt.want {
			t.Errorf("remoteFormat(%q, %q) = %q, want %q", tt.contentType, tt.path, got, tt.want)
		}
	}
}

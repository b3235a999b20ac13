package provider

import (
	"context"

	"github.com/h1v3-io/triage/pkg/protocol"
)

// Provider is the abstraction over LLM chat APIs.
type Provider interface {
	Chat(ctx context.Context, req protocol.ChatRequest) (*protocol.ChatResponse, error)
	Name() string
}

// Embedder turns text into vectors for similarity search.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Pinger is implemented by providers that can check API reachability
// without spending tokens.
type Pinger interface {
	Ping(ctx context.Context) error
}

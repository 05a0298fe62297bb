package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"govline/internal/config"
)

// CallInput is what reaches a provider adapter.
type CallInput struct {
	Provider       string
	Action         string
	Params         map[string]any
	IdempotencyKey string
}

// Caller executes provider calls. Implementations must honor the context
// deadline; the broker wraps every call in its configured timeout.
type Caller interface {
	Call(ctx context.Context, in CallInput) ([]byte, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, in CallInput) ([]byte, error)

func (f CallerFunc) Call(ctx context.Context, in CallInput) ([]byte, error) {
	return f(ctx, in)
}

// HTTPCaller posts actions to per-provider adapter endpoints. The adapter,
// not this process, holds the provider credentials; the broker only ever
// sees and hashes the call parameters.
type HTTPCaller struct {
	Endpoints map[string]string
	Client    *http.Client
}

// NewHTTPCaller builds a caller from the providers that have an endpoint
// configured. Providers without one stay callable in check-only mode but
// fail execution.
func NewHTTPCaller(cfg *config.Config) *HTTPCaller {
	endpoints := map[string]string{}
	for name, pc := range cfg.Broker.Providers {
		if pc.Endpoint != "" {
			endpoints[name] = pc.Endpoint
		}
	}
	return &HTTPCaller{Endpoints: endpoints}
}

func (h *HTTPCaller) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

func (h *HTTPCaller) Call(ctx context.Context, in CallInput) ([]byte, error) {
	base, ok := h.Endpoints[in.Provider]
	if !ok {
		return nil, fmt.Errorf("no endpoint configured for provider %s", in.Provider)
	}
	body, err := json.Marshal(in.Params)
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(base, "/") + "/" + in.Action
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if in.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", in.IdempotencyKey)
	}
	resp, err := h.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider %s returned %s", in.Provider, resp.Status)
	}
	return data, nil
}

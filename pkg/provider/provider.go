// Package provider connects dispatch workers to AI provider accounts. Each
// provider kind is adapted to dispatch.Caller: a system prompt and a user
// prompt in, plain text out.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"sttq/pkg/dispatch"
)

// Temperature is the sampling temperature sent with every request.
const Temperature = 0.7

// DefaultSystemPrompt is used when a caller sends an empty system prompt.
const DefaultSystemPrompt = "You are a helpful assistant."

// ErrMissingAPIKey is returned by every call of a provider configured
// without an API key. Its text matches one of the dispatch error markers.
var ErrMissingAPIKey = errors.New("API Key missing")

// Option configures provider construction.
type Option func(*options)

type options struct {
	httpClient *http.Client
}

// WithHTTPClient sets the HTTP client used by the provider SDKs.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// New creates the Caller for cfg. A missing API key is not a construction
// error: the returned Caller fails every call so the pool retires it.
func New(ctx context.Context, cfg dispatch.ProviderConfig, opts ...Option) (dispatch.Caller, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Transport: &headerTransport{}}
	}

	if cfg.APIKey == "" {
		return missingKey(cfg.Name), nil
	}

	switch cfg.Kind {
	case dispatch.KindOpenAI, "":
		return NewOpenAI(cfg, o.httpClient), nil
	case dispatch.KindGemini:
		return NewGemini(ctx, cfg, o.httpClient)
	default:
		return nil, fmt.Errorf("provider %s: unknown kind %q", cfg.Name, cfg.Kind)
	}
}

// Connector returns a connect function for dispatch.NewPool bound to ctx.
func Connector(ctx context.Context, opts ...Option) func(dispatch.ProviderConfig) (dispatch.Caller, error) {
	return func(cfg dispatch.ProviderConfig) (dispatch.Caller, error) {
		return New(ctx, cfg, opts...)
	}
}

func missingKey(name string) dispatch.Caller {
	return dispatch.CallerFunc(func(context.Context, string, string) (string, error) {
		return "", fmt.Errorf("provider %s: %w", name, ErrMissingAPIKey)
	})
}

// browserUserAgent is sent instead of the SDK default; some OpenAI-compatible
// gateways reject non-browser clients.
const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// headerTransport sets the User-Agent and Accept headers on every request.
type headerTransport struct {
	base http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", browserUserAgent)
	if r.Header.Get("Accept") == "" {
		r.Header.Set("Accept", "application/json")
	}
	return base.RoundTrip(r)
}

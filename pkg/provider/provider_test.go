package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sttq/pkg/dispatch"
)

type chatRequest struct {
	Model       string  `json:"model"`
	Temperature float32 `json:"temperature"`
	Messages    []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func openAIServer(t *testing.T, reply string, seen *chatRequest, userAgent *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), "path %s", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if userAgent != nil {
			*userAgent = r.Header.Get("User-Agent")
		}
		body, _ := io.ReadAll(r.Body)
		if seen != nil {
			require.NoError(t, json.Unmarshal(body, seen))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": reply},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAI_Complete(t *testing.T) {
	var req chatRequest
	var ua string
	srv := openAIServer(t, "a summary", &req, &ua)

	caller, err := New(context.Background(), dispatch.ProviderConfig{
		Name: "acct1", Kind: dispatch.KindOpenAI, APIKey: "sk-test", BaseURL: srv.URL + "/v1", Model: "test-model",
	})
	require.NoError(t, err)

	out, err := caller.Complete(context.Background(), "be brief", "summarize this")
	require.NoError(t, err)
	assert.Equal(t, "a summary", out)

	assert.Equal(t, "test-model", req.Model)
	assert.InDelta(t, 0.7, req.Temperature, 1e-6)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "be brief", req.Messages[0].Content)
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Equal(t, "summarize this", req.Messages[1].Content)
	assert.Equal(t, browserUserAgent, ua)
}

func TestOpenAI_DefaultsModelAndSystemPrompt(t *testing.T) {
	var req chatRequest
	srv := openAIServer(t, "ok", &req, nil)

	caller, err := New(context.Background(), dispatch.ProviderConfig{Name: "a", APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	_, err = caller.Complete(context.Background(), "", "hi")
	require.NoError(t, err)
	assert.Equal(t, DefaultOpenAIModel, req.Model)
	assert.Equal(t, DefaultSystemPrompt, req.Messages[0].Content)
}

func TestOpenAI_APIErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"quota exceeded","type":"insufficient_quota","code":"insufficient_quota"}}`)
	}))
	defer srv.Close()

	caller, err := New(context.Background(), dispatch.ProviderConfig{Name: "acct", APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	_, err = caller.Complete(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acct")
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestNew_MissingAPIKeyFailsEveryCall(t *testing.T) {
	caller, err := New(context.Background(), dispatch.ProviderConfig{Name: "nokey", Kind: dispatch.KindGemini})
	require.NoError(t, err)

	_, err = caller.Complete(context.Background(), "s", "u")
	require.ErrorIs(t, err, ErrMissingAPIKey)

	outcome := dispatch.Classify("", err, dispatch.DefaultErrorMarkers)
	assert.True(t, outcome.Retired())
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New(context.Background(), dispatch.ProviderConfig{Name: "x", Kind: "claude", APIKey: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestGemini_Complete(t *testing.T) {
	var path string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"},{"text":"lo"}]},"finishReason":"STOP"}]}`)
	}))
	defer srv.Close()

	caller, err := New(context.Background(), dispatch.ProviderConfig{
		Name: "g1", Kind: dispatch.KindGemini, APIKey: "g-key", BaseURL: srv.URL, Model: "gemini-test",
	})
	require.NoError(t, err)

	out, err := caller.Complete(context.Background(), "sys", "user text")
	require.NoError(t, err)
	assert.Equal(t, "Hello", out)
	assert.Contains(t, path, "gemini-test:generateContent")
	assert.Contains(t, body, "systemInstruction")
}

func TestProbeAll(t *testing.T) {
	var calls atomic.Int32
	callers := map[string]dispatch.Caller{
		"ok": dispatch.CallerFunc(func(context.Context, string, string) (string, error) {
			calls.Add(1)
			return " ok \n", nil
		}),
		"chatty": dispatch.CallerFunc(func(context.Context, string, string) (string, error) {
			calls.Add(1)
			return "Hello there", nil
		}),
		"down": dispatch.CallerFunc(func(context.Context, string, string) (string, error) {
			calls.Add(1)
			return "", errors.New("connection refused")
		}),
	}
	configs := []dispatch.ProviderConfig{
		{Name: "ok", Model: "m1"},
		{Name: "down", Failed: true},
		{Name: "chatty", Timeout: time.Second},
	}

	results := ProbeAll(context.Background(), configs, func(cfg dispatch.ProviderConfig) (dispatch.Caller, error) {
		return callers[cfg.Name], nil
	})

	require.Len(t, results, 3)
	assert.Equal(t, int32(3), calls.Load())

	assert.Equal(t, "ok", results[0].Provider)
	assert.True(t, results[0].Available)
	assert.Empty(t, results[0].Reply)
	assert.Equal(t, "m1", results[0].Model)

	assert.Equal(t, "down", results[1].Provider)
	assert.False(t, results[1].Available)
	assert.ErrorContains(t, results[1].Err, "connection refused")

	assert.True(t, results[2].Available)
	assert.Equal(t, "Hello there", results[2].Reply)
}

func TestProbe_TimesOut(t *testing.T) {
	slow := dispatch.CallerFunc(func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	_, err := Probe(context.Background(), slow, 20*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

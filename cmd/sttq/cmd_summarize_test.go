package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"sttq/pkg/config"
	"sttq/pkg/dispatch"
)

// chatServer answers every chat completion with reply and counts the calls.
func chatServer(t *testing.T, reply string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
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

// summarizeConfig writes a config with a single openai provider at baseURL.
func summarizeConfig(t *testing.T, baseURL, apiKey string) string {
	t.Helper()
	root := t.TempDir()
	body := fmt.Sprintf(`log_level: error
paths:
  ledger_db: %q
providers:
  - name: acct1
    kind: openai
    api_key: %q
    base_url: %q
    model: test-model
    timeout: 10s
`, filepath.Join(root, "sttq.db"), apiKey, baseURL)
	path := filepath.Join(root, "sttq.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeDoc(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readDoc(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestSummarize_WritesSummaries(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, "the gist", &calls)
	cfg := summarizeConfig(t, srv.URL+"/v1", "sk-test")

	dir := t.TempDir()
	pending := filepath.Join(dir, "a.md")
	done := filepath.Join(dir, "b.md")
	writeDoc(t, pending, "# A\n\n## 视频文稿\n\nsome transcript\n")
	writeDoc(t, done, "# B\n\n## AI总结\n\nalready there\n\n## 视频文稿\n\nt\n")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out, stderr, err := execCLI(ctx, "summarize", "--config", cfg, dir)
	if err != nil {
		t.Fatalf("summarize: %v\n%s", err, stderr)
	}

	got := readDoc(t, pending)
	if !strings.Contains(got, "## AI总结\n\n> 本总结由 acct1 生成\n\nthe gist") {
		t.Errorf("summary not inserted:\n%s", got)
	}
	if strings.Index(got, "## AI总结") > strings.Index(got, "## 视频文稿") {
		t.Errorf("summary must precede the transcript:\n%s", got)
	}
	if readDoc(t, done) != "# B\n\n## AI总结\n\nalready there\n\n## 视频文稿\n\nt\n" {
		t.Error("an already summarized document was rewritten")
	}
	if calls.Load() != 1 {
		t.Errorf("provider calls = %d, want 1", calls.Load())
	}
	if !strings.Contains(out, "1 summaries written") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestSummarize_FixRedoesErrorSummaries(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, "a proper summary", &calls)
	cfg := summarizeConfig(t, srv.URL+"/v1", "sk-test")

	dir := t.TempDir()
	broken := filepath.Join(dir, "broken.md")
	writeDoc(t, broken, "# A\n\n## AI总结\n\nError: 429 quota exceeded\n\n## 视频文稿\n\ntranscript\n")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, stderr, err := execCLI(ctx, "summarize", "--config", cfg, dir); err != nil {
		t.Fatalf("summarize: %v\n%s", err, stderr)
	}
	if calls.Load() != 0 || !strings.Contains(readDoc(t, broken), "quota exceeded") {
		t.Fatal("without --fix a summary section counts as done")
	}

	out, stderr, err := execCLI(ctx, "summarize", "--config", cfg, "--fix", dir)
	if err != nil {
		t.Fatalf("summarize --fix: %v\n%s", err, stderr)
	}
	got := readDoc(t, broken)
	if strings.Contains(got, "quota exceeded") || !strings.Contains(got, "a proper summary") {
		t.Errorf("error summary not replaced:\n%s", got)
	}
	if strings.Count(got, "## AI总结") != 1 {
		t.Errorf("expected a single summary section:\n%s", got)
	}
	if !strings.Contains(out, "1 summaries carry a provider error") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestSummarize_RequiresCredentials(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, "unused", &calls)
	cfg := summarizeConfig(t, srv.URL+"/v1", "")

	dir := t.TempDir()
	doc := filepath.Join(dir, "a.md")
	writeDoc(t, doc, "# A\n\n## 视频文稿\n\nsome transcript\n")

	_, _, err := execCLI(context.Background(), "summarize", "--config", cfg, dir)
	if !errors.Is(err, config.ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
	if calls.Load() != 0 {
		t.Errorf("provider called %d times without credentials", calls.Load())
	}
	if strings.Contains(readDoc(t, doc), "## AI总结") {
		t.Error("document changed without credentials")
	}
}

func TestRateGate_FallsBackToMemory(t *testing.T) {
	for _, addr := range []string{"", "127.0.0.1:1"} {
		cfg := config.Default()
		cfg.RateGate.RedisAddr = addr
		a := &app{cfg: &cfg, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

		gate, closeGate := a.rateGate(context.Background())
		if _, ok := gate.(*dispatch.MemoryGate); !ok {
			t.Errorf("addr %q: gate = %T, want *dispatch.MemoryGate", addr, gate)
		}
		closeGate()
	}
}

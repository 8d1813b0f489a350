package genai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/config"
	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
	calls  int
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.calls++
	m.params = params
	return m.resp, m.err
}

func completion(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestClientGenerate_Success(t *testing.T) {
	mock := &mockChatService{resp: completion("  Hello there!  ")}
	client := &Client{chat: mock, model: "test-model", systemPrompt: "sys", language: "en", temperature: 0.5, maxTokens: 50}

	reply, err := client.Generate(context.Background(), Request{Context: "user: hi"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if reply.Text != "Hello there!" {
		t.Errorf("expected trimmed text, got %q", reply.Text)
	}
	if reply.Language != "en" {
		t.Errorf("expected language en, got %q", reply.Language)
	}
	if mock.calls != 1 || len(mock.params.Messages) != 2 {
		t.Errorf("expected one call with system and user messages, got calls=%d messages=%d", mock.calls, len(mock.params.Messages))
	}
}

func TestClientGenerate_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}, model: "m"}
	_, err := client.Generate(context.Background(), Request{Text: "hi"})
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestClientGenerate_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{}}, model: "m"}
	_, err := client.Generate(context.Background(), Request{Text: "hi"})
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestClientGenerate_EmptyContent(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: completion("   ")}, model: "m"}
	_, err := client.Generate(context.Background(), Request{Text: "hi"})
	if !errors.Is(err, ErrEmptyReply) {
		t.Errorf("expected ErrEmptyReply, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	if _, err := NewClient(); !errors.Is(err, ErrAPIKeyMissing) {
		t.Errorf("expected ErrAPIKeyMissing, got %v", err)
	}
}

func TestNewClient_WithOptions(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-test"), WithMaxTokens(10), WithTemperature(0.2))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "gpt-test" || cli.maxTokens != 10 || cli.temperature != 0.2 {
		t.Errorf("options not applied: %+v", cli)
	}
}

func TestClientDebugLogging(t *testing.T) {
	dir := t.TempDir()
	client := &Client{chat: &mockChatService{resp: completion("ok")}, model: "test-model", debugMode: true, stateDir: dir}
	if _, err := client.Generate(context.Background(), Request{Context: "ctx"}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	files, err := os.ReadDir(filepath.Join(dir, "debug"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one debug file, got %d (err %v)", len(files), err)
	}
	content, err := os.ReadFile(filepath.Join(dir, "debug", files[0].Name()))
	if err != nil {
		t.Fatalf("failed to read debug file: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(content, &entry); err != nil {
		t.Fatalf("failed to unmarshal debug entry: %v", err)
	}
	for _, field := range []string{"timestamp", "method", "model", "params", "response"} {
		if _, ok := entry[field]; !ok {
			t.Errorf("required field %q missing from debug entry", field)
		}
	}
	if entry["model"] != "test-model" {
		t.Errorf("expected model test-model, got %v", entry["model"])
	}
}

func TestClientDebugLoggingDisabled(t *testing.T) {
	dir := t.TempDir()
	client := &Client{chat: &mockChatService{resp: completion("ok")}, model: "m", stateDir: dir}
	if _, err := client.Generate(context.Background(), Request{Context: "ctx"}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "debug")); !os.IsNotExist(err) {
		t.Error("debug directory should not exist when debug mode is off")
	}
}

func TestHTTPBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req contextRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Context != "user: hello" {
			t.Errorf("unexpected context %q", req.Context)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"Nice to meet you.","latency":0.25}`))
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, time.Second, "en")
	reply, err := b.Generate(context.Background(), Request{Context: "user: hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Text != "Nice to meet you." {
		t.Errorf("got text %q", reply.Text)
	}
	if reply.Latency != 250*time.Millisecond {
		t.Errorf("got latency %v, want 250ms", reply.Latency)
	}
}

func TestHTTPBackend_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPBackend(srv.URL, time.Second, "en").Generate(context.Background(), Request{Context: "x"})
	if !errors.Is(err, ErrBackendStatus) {
		t.Errorf("expected ErrBackendStatus, got %v", err)
	}
}

func TestCommunityBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req conversationalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if len(req.PastUserInputs) != 1 || req.GeneratedResponses == nil || req.Text != "and you?" {
			t.Errorf("unexpected request %+v", req)
		}
		w.Write([]byte(`{"generated_text":"I like music."}`))
	}))
	defer srv.Close()

	b := NewCommunityBackend(srv.URL, time.Second, "en")
	reply, err := b.Generate(context.Background(), Request{PastUserInputs: []string{"hi"}, Text: "and you?"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Text != "I like music." {
		t.Errorf("got %q", reply.Text)
	}
}

type stubBackend struct {
	reply Reply
	err   error
	calls int
}

func (s *stubBackend) Generate(ctx context.Context, req Request) (Reply, error) {
	s.calls++
	return s.reply, s.err
}

func TestFallback(t *testing.T) {
	primary := &stubBackend{err: errors.New("down")}
	secondary := &stubBackend{reply: Reply{Text: "from casual"}}
	b := NewFallback("community", primary, secondary)

	reply, err := b.Generate(context.Background(), Request{Text: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Text != "from casual" || primary.calls != 1 || secondary.calls != 1 {
		t.Errorf("unexpected fallback behaviour: reply=%q primary=%d secondary=%d", reply.Text, primary.calls, secondary.calls)
	}

	ok := &stubBackend{reply: Reply{Text: "primary"}}
	unused := &stubBackend{}
	reply, _ = NewFallback("x", ok, unused).Generate(context.Background(), Request{})
	if reply.Text != "primary" || unused.calls != 0 {
		t.Errorf("secondary should not be called when primary succeeds")
	}

	if NewFallback("x", nil, secondary) != Backend(secondary) {
		t.Error("nil primary should return secondary")
	}
}

func TestFromConfig(t *testing.T) {
	b, err := FromConfig(RoleCommunity, config.BackendConfig{Kind: config.BackendHTTP, URL: "http://x"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := b.(*CommunityBackend); !ok {
		t.Errorf("community role should build a CommunityBackend, got %T", b)
	}

	b, err = FromConfig(RoleCasual, config.BackendConfig{Kind: config.BackendHTTP, URL: "http://x"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := b.(*HTTPBackend); !ok {
		t.Errorf("casual role should build an HTTPBackend, got %T", b)
	}

	if _, err := FromConfig(RoleInterview, config.BackendConfig{Kind: "carrier-pigeon"}, ""); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := FromConfig(RoleInterview, config.BackendConfig{Kind: config.BackendOpenAI}, ""); !errors.Is(err, ErrAPIKeyMissing) {
		t.Errorf("expected ErrAPIKeyMissing, got %v", err)
	}
}

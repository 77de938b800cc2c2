package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

const chatOK = `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o",
"choices":[{"index":0,"message":{"role":"assistant","content":"  {\"brandName\":\"Fizz\"}  "},"finish_reason":"stop"}]}`

func TestOpenAICompleteMapsJSONModeAndImage(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatOK))
	}))
	defer srv.Close()

	c := NewOpenAI(OpenAIOptions{APIKey: "test-key", BaseURL: srv.URL + "/", HTTPClient: srv.Client()})
	out, err := c.Complete(context.Background(), CompletionRequest{
		System:   "analyze",
		Prompt:   "describe the product",
		ImageURL: "https://cdn.example.com/p.png",
		JSON:     true,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != `{"brandName":"Fizz"}` {
		t.Fatalf("content=%q", out)
	}

	if got["model"] != "gpt-4o" {
		t.Fatalf("model=%v", got["model"])
	}
	format, _ := got["response_format"].(map[string]any)
	if format["type"] != "json_object" {
		t.Fatalf("response_format=%v", got["response_format"])
	}
	messages, _ := got["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("messages=%v", got["messages"])
	}
	user, _ := messages[1].(map[string]any)
	parts, _ := user["content"].([]any)
	if len(parts) != 2 {
		t.Fatalf("expected text and image parts, got %v", user["content"])
	}
	image, _ := parts[1].(map[string]any)
	imageURL, _ := image["image_url"].(map[string]any)
	if image["type"] != "image_url" || imageURL["url"] != "https://cdn.example.com/p.png" {
		t.Fatalf("unexpected image part %v", image)
	}
}

func TestOpenAICompletePlainPromptHasNoResponseFormat(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatOK))
	}))
	defer srv.Close()

	c := NewOpenAI(OpenAIOptions{APIKey: "k", BaseURL: srv.URL, Model: "gpt-4o-mini", HTTPClient: srv.Client()})
	if _, err := c.Complete(context.Background(), CompletionRequest{Prompt: "write a prompt"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, ok := got["response_format"]; ok {
		t.Fatalf("plain prompt sent response_format %v", got["response_format"])
	}
	if got["model"] != "gpt-4o-mini" {
		t.Fatalf("model=%v", got["model"])
	}
	messages, _ := got["messages"].([]any)
	user, _ := messages[0].(map[string]any)
	if user["content"] != "write a prompt" {
		t.Fatalf("user message=%v", user)
	}
}

func TestOpenAIAPIErrorBecomesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`))
	}))
	defer srv.Close()

	c := NewOpenAI(OpenAIOptions{APIKey: "k", BaseURL: srv.URL, HTTPClient: srv.Client()})
	_, err := c.Complete(context.Background(), CompletionRequest{Prompt: "x"})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	var pErr *Error
	if !errors.As(err, &pErr) || pErr.Code != "HTTP_429" || !pErr.Retryable {
		t.Fatalf("unexpected error %+v", pErr)
	}
	if Message(err) != "OpenAI error: Rate limit reached" {
		t.Fatalf("message=%q", Message(err))
	}
}

func TestOpenAIEmptyCompletionIsParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"   "}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAI(OpenAIOptions{APIKey: "k", BaseURL: srv.URL, HTTPClient: srv.Client()})
	if _, err := c.Complete(context.Background(), CompletionRequest{Prompt: "x"}); !errors.Is(err, ErrParse) {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestOpenAIMissingKeyDoesNotCallUpstream(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := NewOpenAI(OpenAIOptions{BaseURL: srv.URL, HTTPClient: srv.Client()})
	_, err := c.Complete(context.Background(), CompletionRequest{Prompt: "x"})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if Message(err) != "OpenAI not configured (OPENAI_API_KEY missing)" {
		t.Fatalf("message=%q", Message(err))
	}
	if calls.Load() != 0 {
		t.Fatalf("upstream called %d times", calls.Load())
	}
}

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(baseURL string) *OpenAIProvider {
	return NewOpenAIProvider(Config{
		APIKey:  "sk-test",
		BaseURL: baseURL,
		Model:   "gpt-4o-mini",
		Timeout: 5 * time.Second,
	})
}

func completionBody(text string) string {
	data, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": text}},
		},
	})
	return string(data)
}

func TestNewProviderUnsupported(t *testing.T) {
	_, err := NewProvider(Config{Provider: "palm"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported LLM provider")
}

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)
		assert.Equal(t, "Describe the cave.", req.Messages[1].Content)
		assert.Equal(t, 0.2, req.Temperature)

		w.Write([]byte(completionBody("  The cave is damp and echoing.  ")))
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	out, err := p.Complete(context.Background(), "You are a GM.", "Describe the cave.", 0.2)
	require.NoError(t, err)
	assert.Equal(t, "The cave is damp and echoing.", out)
}

func TestOpenAICompleteRequiresAPIKey(t *testing.T) {
	p := NewOpenAIProvider(Config{BaseURL: "http://localhost:0"})
	_, err := p.Complete(context.Background(), "s", "u", 0)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "API key not configured")
}

func TestOpenAICompleteRetriesOnServerError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "upstream overloaded", http.StatusBadGateway)
			return
		}
		w.Write([]byte(completionBody("Recovered narration.")))
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	out, err := p.Complete(context.Background(), "s", "u", 0.2)
	require.NoError(t, err)
	assert.Equal(t, "Recovered narration.", out)
	assert.Equal(t, 3, calls)
}

func TestOpenAICompleteFailsFastOnClientError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"error":{"message":"bad request"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	_, err := p.Complete(context.Background(), "s", "u", 0.2)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestOpenAICompleteAPIErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"message":"model deprecated"}}`))
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	_, err := p.Complete(context.Background(), "s", "u", 0.2)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "model deprecated")
}

func TestOpenAICompleteEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	_, err := p.Complete(context.Background(), "s", "u", 0.2)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no completion")
}

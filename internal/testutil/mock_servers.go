package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
)

// NewOllamaServer starts an httptest.Server that answers POST /api/chat with
// a minimal Ollama chat response carrying content. Caller must Close it (or
// register t.Cleanup(server.Close)).
func NewOllamaServer(content string) *httptest.Server {
	if content == "" {
		content = "mock response"
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"message": map[string]string{"role": "assistant", "content": content},
			"done":    true,
		})
	})
	return httptest.NewServer(handler)
}

// NewOpenAICompatibleServer starts an httptest.Server that answers POST
// /v1/chat/completions with a minimal OpenAI-style response. Content is the
// assistant message; inputTokens/outputTokens set usage.
func NewOpenAICompatibleServer(content string, inputTokens, outputTokens int) *httptest.Server {
	if content == "" {
		content = "mock response"
	}
	if inputTokens == 0 {
		inputTokens = 10
	}
	if outputTokens == 0 {
		outputTokens = 20
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "chatcmpl-test",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]interface{}{
				{
					"message":       map[string]string{"role": "assistant", "content": content},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     inputTokens,
				"completion_tokens": outputTokens,
				"total_tokens":      inputTokens + outputTokens,
			},
		})
	})
	return httptest.NewServer(handler)
}

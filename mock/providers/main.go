// Command providers runs lightweight HTTP mock servers that simulate the
// upstream provider APIs the gateway routes to. It is used for local
// development and load testing without real credentials: point the adapter
// base URLs at these ports and run the gateway as usual.
//
// Each wire format listens on its own port:
//
//	OpenAI-compatible (openai, groq, mistral)  :19001
//	Anthropic messages                         :19002
//	Gemini generateContent                     :19003
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS   — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_REPLY_WORDS  — words in each generated reply (default 10)
//
// Streaming is supported on the OpenAI-compatible endpoint only; the
// Anthropic and Gemini mocks answer non-streaming requests.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

type mockConfig struct {
	LatencyMS  int
	ErrorRate  float64
	ReplyWords int
}

func loadMockConfig() mockConfig {
	c := mockConfig{ReplyWords: 10}
	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_REPLY_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ReplyWords = n
		}
	}
	return c
}

func main() {
	cfg := loadMockConfig()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	servers := []struct {
		name    string
		port    string
		handler http.Handler
	}{
		{"openai-compatible", "19001", openAIHandler(cfg)},
		{"anthropic", "19002", anthropicHandler(cfg)},
		{"gemini", "19003", geminiHandler(cfg)},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, s := range servers {
		srv := &http.Server{Addr: ":" + s.port, Handler: s.handler}
		log.Info("mock_listening", slog.String("provider", s.name), slog.String("addr", srv.Addr))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("mock_server_failed", slog.String("provider", s.name), slog.Any("error", err))
			}
		}()

		go func() {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}
	wg.Wait()
}

var replyWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"this", "is", "a", "mock", "reply", "generated", "for", "gateway",
	"development", "and", "load", "testing", "without", "real", "credentials",
}

func reply(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = replyWords[rand.IntN(len(replyWords))]
	}
	return strings.Join(words, " ") + "."
}

// gate applies latency and the error-rate dice roll. It reports whether the
// handler should proceed.
func gate(cfg mockConfig, w http.ResponseWriter) bool {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
	if cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate {
		respond(w, http.StatusInternalServerError, map[string]any{
			"error": map[string]string{"message": "mock internal server error", "type": "server_error"},
		})
		return false
	}
	return true
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// openAIHandler simulates POST /v1/chat/completions in the OpenAI wire
// format, which also covers groq and mistral.
func openAIHandler(cfg mockConfig) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if !gate(cfg, w) {
			return
		}
		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respond(w, http.StatusBadRequest, map[string]any{
				"error": map[string]string{"message": "invalid request body", "type": "invalid_request_error"},
			})
			return
		}
		if req.Model == "" {
			req.Model = "gpt-4o"
		}

		id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
		content := reply(cfg.ReplyWords)

		if req.Stream {
			streamOpenAI(w, id, req.Model, content)
			return
		}

		respond(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{
				"prompt_tokens":     10,
				"completion_tokens": cfg.ReplyWords,
				"total_tokens":      10 + cfg.ReplyWords,
			},
		})
	})
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "gpt-4o", "object": "model", "owned_by": "openai"},
				{"id": "gpt-4o-mini", "object": "model", "owned_by": "openai"},
			},
		})
	})
	return mux
}

func streamOpenAI(w http.ResponseWriter, id, model, content string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	emit := func(delta map[string]string, finish any) {
		chunk := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finish}},
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	for _, word := range strings.Fields(content) {
		emit(map[string]string{"content": word + " "}, nil)
	}
	emit(map[string]string{}, "stop")
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// anthropicHandler simulates POST /v1/messages.
func anthropicHandler(cfg mockConfig) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if !gate(cfg, w) {
			return
		}
		var req struct {
			Model string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respond(w, http.StatusBadRequest, map[string]any{
				"type":  "error",
				"error": map[string]string{"type": "invalid_request_error", "message": "invalid request body"},
			})
			return
		}
		if req.Model == "" {
			req.Model = "claude-sonnet-4-5"
		}

		respond(w, http.StatusOK, map[string]any{
			"id":    fmt.Sprintf("msg_mock%x", rand.Int64()),
			"type":  "message",
			"role":  "assistant",
			"model": req.Model,
			"content": []map[string]string{
				{"type": "text", "text": reply(cfg.ReplyWords)},
			},
			"stop_reason": "end_turn",
			"usage": map[string]int{
				"input_tokens":  10,
				"output_tokens": cfg.ReplyWords,
			},
		})
	})
	return mux
}

// geminiHandler simulates POST /v1beta/models/{model}:generateContent.
func geminiHandler(cfg mockConfig) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		if !gate(cfg, w) {
			return
		}
		respond(w, http.StatusOK, map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]string{{"text": reply(cfg.ReplyWords)}},
				},
				"finishReason": "STOP",
			}},
			"usageMetadata": map[string]int{
				"promptTokenCount":     10,
				"candidatesTokenCount": cfg.ReplyWords,
				"totalTokenCount":      10 + cfg.ReplyWords,
			},
		})
	})
	return mux
}

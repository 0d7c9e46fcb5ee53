package http

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/localmind/localmind/internal/chattpl"
	"github.com/localmind/localmind/internal/serve"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// mustMarshalJSON serializes v for an SSE data: line. v is always one of
// this package's own response structs, so a marshal error here means a
// programming mistake, not bad input — safe to degrade to an empty
// object rather than panic mid-stream (spec §7: never panic in steady
// state request paths).
func mustMarshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Server wires one loaded model's Pipeline into an HTTP surface. One
// Server per process: this build doesn't multiplex several checkpoints
// behind one listener (spec §9 Non-goals).
type Server struct {
	Pipeline  *serve.Pipeline
	Metrics   *serve.Metrics
	ModelName string
	StartedAt int64
}

// clientKey identifies the caller for per-client rate limiting: an
// API key from the Authorization header when present (distinct API
// keys get distinct buckets), falling back to the remote address for
// unauthenticated deployments.
func clientKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		return auth
	}
	return c.ClientIP()
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	var req chatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errBody("invalid_request_error", err.Error()))
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, errBody("invalid_request_error", "messages must not be empty"))
		return
	}

	messages := make([]chattpl.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = chattpl.Message{
			Role:       chattpl.Role(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
	}

	id := "chatcmpl-" + uuid.NewString()
	maxTokens := int64(512)
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	chatReq := serve.ChatRequest{
		ID:        id,
		Messages:  messages,
		Sampler:   req.samplerConfig(),
		MaxTokens: maxTokens,
		Stop:      req.Stop,
		Stream:    req.Stream,
		ClientKey: clientKey(c),
	}

	out := make(chan serve.Delta, 16)
	if err := s.Pipeline.Submit(chatReq, out); err != nil {
		c.JSON(http.StatusInternalServerError, errBody("server_error", err.Error()))
		return
	}

	if req.Stream {
		s.streamChat(c, id, req.Model, out)
		return
	}
	s.collectChat(c, id, req.Model, out)
}

func (s *Server) collectChat(c *gin.Context, id, modelName string, out <-chan serve.Delta) {
	var text string
	var final serve.Delta
	for d := range out {
		if d.Err != nil {
			c.JSON(http.StatusInternalServerError, errBody("server_error", d.Err.Error()))
			return
		}
		text += d.Text
		if d.Done {
			final = d
		}
	}
	reason := string(final.FinishReason)
	resp := chatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Model:   modelName,
		Choices: []chatChoice{{Index: 0, Message: &chatMessage{Role: "assistant", Content: text}, FinishReason: &reason}},
		Usage: &usage{
			PromptTokens:     final.PromptTokens,
			CompletionTokens: final.OutputTokens,
			TotalTokens:      final.PromptTokens + final.OutputTokens,
		},
	}
	if s.Metrics != nil {
		s.Metrics.CompletedRequests.Inc()
		s.Metrics.OutputTokens.Add(float64(final.OutputTokens))
	}
	c.JSON(http.StatusOK, resp)
}

// streamChat emits one SSE "data:" event per delta, followed by the
// OpenAI-convention "[DONE]" sentinel, matching the pack's gin-server
// sendSSE/c.Writer.Flush pattern adapted to OpenAI's wire format instead
// of named SSE event types.
func (s *Server) streamChat(c *gin.Context, id, modelName string, out <-chan serve.Delta) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	write := func(payload string) {
		fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
		if flusher != nil {
			flusher.Flush()
		}
	}

	for d := range out {
		if d.Err != nil {
			write(mustMarshalJSON(errBody("server_error", d.Err.Error())))
			break
		}
		if d.Text != "" {
			chunk := chatCompletionResponse{
				ID: id, Object: "chat.completion.chunk", Model: modelName,
				Choices: []chatChoice{{Index: 0, Delta: &chatMessage{Content: d.Text}}},
			}
			write(mustMarshalJSON(chunk))
		}
		if d.Done {
			reason := string(d.FinishReason)
			chunk := chatCompletionResponse{
				ID: id, Object: "chat.completion.chunk", Model: modelName,
				Choices: []chatChoice{{Index: 0, Delta: &chatMessage{}, FinishReason: &reason}},
			}
			write(mustMarshalJSON(chunk))
			if s.Metrics != nil {
				s.Metrics.CompletedRequests.Inc()
				s.Metrics.OutputTokens.Add(float64(d.OutputTokens))
			}
		}
	}
	write("[DONE]")
}

// handleCompletions serves legacy /v1/completions as a single user-turn
// chat request through the same chat template (spec §4.1: there is only
// one prompt pipeline, chat and completion both flow through it).
func (s *Server) handleCompletions(c *gin.Context) {
	var req completionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errBody("invalid_request_error", err.Error()))
		return
	}

	id := "cmpl-" + uuid.NewString()
	maxTokens := int64(512)
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	cfg := chatCompletionRequest{Temperature: req.Temperature, TopP: req.TopP}.samplerConfig()

	chatReq := serve.ChatRequest{
		ID:        id,
		Messages:  []chattpl.Message{{Role: chattpl.RoleUser, Content: req.Prompt}},
		Sampler:   cfg,
		MaxTokens: maxTokens,
		Stop:      req.Stop,
		Stream:    req.Stream,
		ClientKey: clientKey(c),
	}
	out := make(chan serve.Delta, 16)
	if err := s.Pipeline.Submit(chatReq, out); err != nil {
		c.JSON(http.StatusInternalServerError, errBody("server_error", err.Error()))
		return
	}
	if req.Stream {
		s.streamChat(c, id, req.Model, out)
		return
	}
	s.collectChat(c, id, req.Model, out)
}

func (s *Server) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, modelListResponse{
		Object: "list",
		Data: []modelCard{{
			ID: s.ModelName, Object: "model", Created: s.StartedAt, OwnedBy: "localmind",
		}},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	if s.Pipeline == nil || s.Pipeline.Engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) handleEmbeddings(c *gin.Context) {
	var req embeddingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errBody("invalid_request_error", err.Error()))
		return
	}
	data := make([]embeddingData, len(req.Input))
	var totalTokens int
	for i, text := range req.Input {
		tokens := s.Pipeline.Tokenizer.Encode(text)
		totalTokens += len(tokens)
		vec, err := s.Pipeline.Engine.EmbedTokens(tokens)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errBody("server_error", err.Error()))
			return
		}
		data[i] = embeddingData{Object: "embedding", Index: i, Embedding: vec}
	}
	c.JSON(http.StatusOK, embeddingResponse{
		Object: "list", Model: req.Model, Data: data,
		Usage: usage{PromptTokens: totalTokens, TotalTokens: totalTokens},
	})
}

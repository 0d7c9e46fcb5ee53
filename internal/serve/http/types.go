// Package http implements the OpenAI-compatible HTTP surface of spec §4.8
// (C8): request/response JSON shapes, SSE streaming, health/readiness
// probes, and the Prometheus scrape endpoint, wired on gin-gonic the way
// the pack's gin-server example wires a chat/stream/agent API.
package http

import (
	"strconv"

	"github.com/localmind/localmind/internal/sampler"
)

// chatMessage is the wire shape of one chat turn.
type chatMessage struct {
	Role       string `json:"role" binding:"required"`
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// chatCompletionRequest mirrors the OpenAI /v1/chat/completions body,
// restricted to the sampling knobs this server actually implements
// (spec §4.6).
type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages" binding:"required"`
	MaxTokens   *int64        `json:"max_tokens"`
	Temperature *float32      `json:"temperature"`
	TopP        *float32      `json:"top_p"`
	TopK        *int          `json:"top_k"`
	MinP        *float32      `json:"min_p"`
	Stop        []string      `json:"stop"`
	Stream      bool          `json:"stream"`

	RepetitionPenalty *float32           `json:"repetition_penalty"`
	FrequencyPenalty  *float32           `json:"frequency_penalty"`
	PresencePenalty   *float32           `json:"presence_penalty"`
	LogitBias         map[string]float32 `json:"logit_bias"`

	DryMultiplier    *float32 `json:"dry_multiplier"`
	DryBase          *float32 `json:"dry_base"`
	DryAllowedLength *int     `json:"dry_allowed_length"`
}

func (r chatCompletionRequest) samplerConfig() sampler.Config {
	cfg := sampler.Config{Temperature: 1.0}
	if r.Temperature != nil {
		cfg.Temperature = *r.Temperature
	}
	if r.TopP != nil {
		cfg.TopP = *r.TopP
	}
	if r.TopK != nil {
		cfg.TopK = *r.TopK
	}
	if r.MinP != nil {
		cfg.MinP = *r.MinP
	}
	if r.RepetitionPenalty != nil {
		cfg.RepetitionPenalty = *r.RepetitionPenalty
	}
	if r.FrequencyPenalty != nil {
		cfg.FrequencyPenalty = *r.FrequencyPenalty
	}
	if r.PresencePenalty != nil {
		cfg.PresencePenalty = *r.PresencePenalty
	}
	if r.DryMultiplier != nil {
		cfg.DryMultiplier = *r.DryMultiplier
	}
	if r.DryBase != nil {
		cfg.DryBase = *r.DryBase
	}
	if r.DryAllowedLength != nil {
		cfg.DryAllowedLength = *r.DryAllowedLength
	}
	if len(r.LogitBias) > 0 {
		cfg.LogitBias = make(map[int64]float32, len(r.LogitBias))
		for id, bias := range r.LogitBias {
			if tok, err := strconv.ParseInt(id, 10, 64); err == nil {
				cfg.LogitBias[tok] = bias
			}
		}
	}
	return cfg
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *usage       `json:"usage,omitempty"`
}

// apiError is the OpenAI-shaped error envelope every non-2xx response
// body uses.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func errBody(kind, message string) apiError {
	return apiError{Error: apiErrorBody{Message: message, Type: kind}}
}

// modelCard is one entry of GET /v1/models.
type modelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string      `json:"object"`
	Data   []modelCard `json:"data"`
}

type completionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt" binding:"required"`
	MaxTokens   *int64   `json:"max_tokens"`
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	Stop        []string `json:"stop"`
	Stream      bool     `json:"stream"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input" binding:"required"`
}

type embeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embeddingResponse struct {
	Object string          `json:"object"`
	Model  string          `json:"model"`
	Data   []embeddingData `json:"data"`
	Usage  usage           `json:"usage"`
}

// Package serve implements the request/response pipeline of spec §4.8
// (C8): turning a chat request into a scheduled internal/engine.Sequence,
// and a Sequence's token stream back into stable text deltas for the
// HTTP adapter (internal/serve/http).
package serve

import (
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/localmind/localmind/internal/chattpl"
	"github.com/localmind/localmind/internal/engine"
	"github.com/localmind/localmind/internal/sampler"
)

// ChatRequest is one incoming chat completion request, already decoded
// from its transport encoding by the caller (internal/serve/http).
type ChatRequest struct {
	ID         string
	Messages   []chattpl.Message
	Sampler    sampler.Config
	MaxTokens  int64
	Stop       []string
	Stream     bool
	// ClientKey identifies the caller for per-client rate limiting (an
	// API key, a remote address — whatever the HTTP adapter extracts).
	// Empty means "no per-client limiting", which only matters if
	// Pipeline.Limiter is set at all.
	ClientKey string
}

// Delta is one unit of streamed output: either a text fragment, or the
// terminal chunk carrying FinishReason and usage counts.
type Delta struct {
	Text         string
	Done         bool
	FinishReason engine.FinishReason
	Err          error
	PromptTokens int
	OutputTokens int
}

// Pipeline wires chat requests into the engine and decodes their output
// stream back into text, sharing one Tokenizer and chat Template across
// requests against a single loaded model.
type Pipeline struct {
	Engine    *engine.Engine
	Template  *chattpl.Template
	Tokenizer Tokenizer
	StopToken map[int64]struct{} // the model's own EOS/IM_END ids

	// Limiter gates admission per ChatRequest.ClientKey ahead of the
	// engine's own admission policy. Nil disables rate limiting entirely.
	Limiter *RateLimiter
	// Telemetry controls whether Submit's prefill/decode lifecycle is
	// wrapped in tracing spans. The zero value is a no-op tracer.
	Telemetry TelemetrySettings
}

// Submit renders req's messages, tokenizes them, and hands a Sequence to
// the engine, streaming Deltas to out until the generation finishes. out
// is closed exactly once, after the terminal Delta is sent. Submit
// returns once the sequence has been admitted (or rejected); it does not
// block for the full generation. If the template fails to render,
// Submit returns that error and neither writes to nor closes out.
func (p *Pipeline) Submit(req ChatRequest, out chan<- Delta) error {
	if req.ClientKey != "" && p.Limiter != nil && !p.Limiter.Allow(req.ClientKey) {
		out <- Delta{Done: true, FinishReason: engine.FinishCapacity, Err: fmt.Errorf("serve: client %q rate-limited", req.ClientKey)}
		close(out)
		return nil
	}

	tracer := p.Telemetry.tracer()
	_, span := tracer.Start(spanCtx(), "serve.generate", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.Int64("request.max_tokens", req.MaxTokens),
	))

	prompt, err := p.Template.Render(req.Messages, true)
	if err != nil {
		span.RecordError(err)
		span.End()
		return fmt.Errorf("serve: render template: %w", err)
	}
	tokens := p.Tokenizer.Encode(prompt)
	span.SetAttributes(attribute.Int("request.prompt_tokens", len(tokens)))

	stopTokens := make(map[int64]struct{}, len(p.StopToken))
	for id := range p.StopToken {
		stopTokens[id] = struct{}{}
	}

	seq := &engine.Sequence{
		ID:          req.ID,
		ArrivalTime: time.Now().UnixMicro(),
		Prompt:      tokens,
		SamplerCfg:  req.Sampler,
		StopTokens:  stopTokens,
		MaxTokens:   req.MaxTokens,
	}

	decoder := NewStreamDecoder(p.Tokenizer, req.Stop)
	var mu sync.Mutex
	var stoppedByString bool
	closeOnce := sync.Once{}
	finish := func(reason engine.FinishReason, err error) {
		mu.Lock()
		tail := decoder.Flush(seq.Generated)
		promptN, outN := len(seq.Prompt), len(seq.Generated)
		if stoppedByString && reason == engine.FinishCancelled {
			reason = engine.FinishStop
		}
		mu.Unlock()
		if tail != "" {
			out <- Delta{Text: tail}
		}
		out <- Delta{Done: true, FinishReason: reason, Err: err, PromptTokens: promptN, OutputTokens: outN}
		closeOnce.Do(func() { close(out) })

		span.SetAttributes(
			attribute.String("request.finish_reason", string(reason)),
			attribute.Int("request.output_tokens", outN),
		)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}

	seq.OnToken = func(tok int64) {
		mu.Lock()
		delta := decoder.Push(seq.Generated)
		stop := checkStop(seq.Generated, p.Tokenizer, req.Stop)
		if stop {
			stoppedByString = true
		}
		mu.Unlock()
		if delta != "" {
			out <- Delta{Text: delta}
		}
		if stop {
			seq.Cancel()
		}
	}
	seq.OnFinish = finish

	admitted, reason := p.Engine.Submit(seq)
	if !admitted {
		rejectErr := fmt.Errorf("serve: request rejected: %s", reason)
		out <- Delta{Done: true, FinishReason: engine.FinishCapacity, Err: rejectErr}
		close(out)
		span.SetAttributes(attribute.String("request.finish_reason", string(engine.FinishCapacity)))
		span.RecordError(rejectErr)
		span.End()
	}
	return nil
}

// checkStop reports whether the decoded generated-so-far text ends with
// one of the caller's stop strings, applied in addition to the model's
// own StopTokens (spec §4.8: stop sequences may span multiple tokens).
func checkStop(generated []int64, tok Tokenizer, stops []string) bool {
	if len(stops) == 0 {
		return false
	}
	text := tok.Decode(generated)
	for _, s := range stops {
		if len(s) > 0 && len(text) >= len(s) && text[len(text)-len(s):] == s {
			return true
		}
	}
	return false
}

package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/synaxis-dev/synaxis/internal/config"
	"github.com/synaxis-dev/synaxis/internal/providers"
	"github.com/synaxis-dev/synaxis/internal/routing"
	"github.com/synaxis-dev/synaxis/pkg/apierr"
)

// Streaming wire chunks.
type (
	chunkToolFunction struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments"`
	}
	chunkToolCall struct {
		Index    int               `json:"index"`
		ID       string            `json:"id,omitempty"`
		Type     string            `json:"type,omitempty"`
		Function chunkToolFunction `json:"function"`
	}
	chunkDelta struct {
		Role      string          `json:"role,omitempty"`
		Content   string          `json:"content,omitempty"`
		ToolCalls []chunkToolCall `json:"tool_calls,omitempty"`
	}
	chatChunkChoice struct {
		Index        int        `json:"index"`
		Delta        chunkDelta `json:"delta"`
		FinishReason *string    `json:"finish_reason"`
	}
	chatChunk struct {
		ID      string            `json:"id"`
		Object  string            `json:"object"`
		Created int64             `json:"created"`
		Model   string            `json:"model"`
		Choices []chatChunkChoice `json:"choices"`
		Usage   *wireUsage        `json:"usage,omitempty"`
	}

	textChunkChoice struct {
		Text         string  `json:"text"`
		Index        int     `json:"index"`
		FinishReason *string `json:"finish_reason"`
	}
	textChunk struct {
		ID      string            `json:"id"`
		Object  string            `json:"object"`
		Created int64             `json:"created"`
		Model   string            `json:"model"`
		Choices []textChunkChoice `json:"choices"`
		Usage   *wireUsage        `json:"usage,omitempty"`
	}
)

// approxTokens estimates token usage from character count when the upstream
// stream ended without a usage payload (client disconnects included). Four
// characters per token is the usual English-text heuristic.
func approxTokens(chars int) int {
	if chars == 0 {
		return 0
	}
	return chars/4 + 1
}

// streamResponse drains a canonical chunk stream into SSE frames. It takes
// ownership of cancel: fasthttp invokes the body writer after the handler
// returns, so cleanup and usage recording happen here.
func (g *Gateway) streamResponse(ctx *fasthttp.RequestCtx, meta requestMeta,
	out *routing.Outcome, cancel context.CancelFunc) {

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	if g.metrics != nil {
		g.metrics.StreamOpened()
	}

	stream := out.Result.Stream
	enc := newChunkEncoder(meta)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("stream_writer_panic",
					slog.String("request_id", meta.requestID),
					slog.Any("panic", r),
				)
			}
			cancel()
			// Drain so the producing goroutine can exit.
			for range stream {
			}
			if g.metrics != nil {
				g.metrics.StreamClosed()
			}
		}()

		var (
			finalUsage  *providers.Usage
			outputChars int
			streamErr   error
		)

		for chunk := range stream {
			if chunk.Err != nil {
				streamErr = chunk.Err
				writeSSEError(w, chunk.Err)
				break
			}
			if chunk.Usage != nil {
				finalUsage = chunk.Usage
			}
			outputChars += len(chunk.ContentDelta)

			frame, err := enc.encode(chunk)
			if err != nil {
				g.log.Error("chunk_encode_failed",
					slog.String("request_id", meta.requestID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
				// Client went away; stop writing, keep what we counted.
				streamErr = apierr.Wrap(apierr.KindTimeout, err, "client disconnected")
				break
			}
			if err := w.Flush(); err != nil {
				streamErr = apierr.Wrap(apierr.KindTimeout, err, "client disconnected")
				break
			}
		}

		fmt.Fprintf(w, "data: [DONE]\n\n")
		w.Flush()

		u := providers.Usage{OutputTokens: approxTokens(outputChars)}
		if finalUsage != nil {
			u = *finalUsage
		}
		g.orchestrator.RecordStreamUsage(g.baseCtx, out.Provider.Key, u)
		g.recordOutcome(meta, out, u, streamErr)
	})
}

// writeSSEError emits an in-band error frame. The client already holds a 200
// status line, so the error travels in the event body.
func writeSSEError(w *bufio.Writer, err error) {
	kind := apierr.KindOf(err)
	msg := err.Error()
	var e *apierr.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	body, _ := json.Marshal(map[string]apierr.APIError{
		"error": {
			Message: msg,
			Type:    string(kind),
			Code:    "stream_error",
		},
	})
	fmt.Fprintf(w, "data: %s\n\n", body)
	w.Flush()
}

// chunkEncoder shapes canonical chunks into the endpoint's wire dialect:
// chat.completion.chunk for chat and responses, text_completion for legacy
// completions.
type chunkEncoder struct {
	id       string
	model    string
	created  int64
	legacy   bool
	toolSeq  int
	sentRole bool
}

func newChunkEncoder(meta requestMeta) *chunkEncoder {
	return &chunkEncoder{
		id:      "chatcmpl-" + uuid.New().String(),
		model:   meta.canonicalID,
		created: time.Now().Unix(),
		legacy:  meta.endpoint == config.EndpointCompletions,
	}
}

func (e *chunkEncoder) encode(c providers.Chunk) ([]byte, error) {
	var finish *string
	if c.FinishReason != "" {
		f := c.FinishReason
		finish = &f
	}
	var u *wireUsage
	if c.Usage != nil {
		u = &wireUsage{
			PromptTokens:     c.Usage.InputTokens,
			CompletionTokens: c.Usage.OutputTokens,
			TotalTokens:      c.Usage.InputTokens + c.Usage.OutputTokens,
		}
	}

	if e.legacy {
		return json.Marshal(textChunk{
			ID:      e.id,
			Object:  "text_completion",
			Created: e.created,
			Model:   e.model,
			Choices: []textChunkChoice{{Text: c.ContentDelta, FinishReason: finish}},
			Usage:   u,
		})
	}

	delta := chunkDelta{Content: c.ContentDelta}
	if c.Role != "" && !e.sentRole {
		delta.Role = c.Role
		e.sentRole = true
	}
	if tc := c.ToolCallDelta; tc != nil {
		delta.ToolCalls = []chunkToolCall{{
			Index: e.toolSeq,
			ID:    tc.ID,
			Type:  "function",
			Function: chunkToolFunction{
				Name:      tc.Name,
				Arguments: string(tc.Arguments),
			},
		}}
		e.toolSeq++
	}

	return json.Marshal(chatChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []chatChunkChoice{{Delta: delta, FinishReason: finish}},
		Usage:   u,
	})
}

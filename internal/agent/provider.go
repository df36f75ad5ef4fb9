package agent

import (
	"context"

	"github.com/kronklabs/kronk/pkg/models"
)

// ChunkKind tags one element of a completion stream.
type ChunkKind string

const (
	// ChunkText carries a content delta.
	ChunkText ChunkKind = "chunk"

	// ChunkToolCall carries one complete tool call.
	ChunkToolCall ChunkKind = "tool_call"

	// ChunkDone terminates the stream and may carry token usage.
	ChunkDone ChunkKind = "done"

	// ChunkError terminates the stream with a mid-stream failure.
	ChunkError ChunkKind = "error"
)

// CompletionChunk is one element of a provider's completion stream.
type CompletionChunk struct {
	Kind       ChunkKind
	Content    string
	ToolCall   *models.ToolCall
	TokensUsed int
	Err        error
}

// CompletionRequest is the provider-neutral request shape.
type CompletionRequest struct {
	Messages []models.Message
	Tools    []*models.Tool
}

// Provider adapts one LLM vendor. Complete returns a channel of chunks; the
// provider closes it after sending a terminal ChunkDone or ChunkError.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (<-chan *CompletionChunk, error)
}

// Completion is the aggregate of one completion stream.
type Completion struct {
	Content    string
	ToolCalls  []models.ToolCall
	TokensUsed int
}

// Collect runs one completion to exhaustion without delta callbacks. It is
// the one-shot path used by summarizers and other non-loop callers.
func Collect(ctx context.Context, p Provider, req CompletionRequest) (*Completion, error) {
	chunks, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return aggregate(ctx, chunks, nil)
}

// aggregate drains a chunk stream into a Completion, invoking onDelta for
// each text chunk with the delta and the accumulated text so far.
func aggregate(ctx context.Context, chunks <-chan *CompletionChunk, onDelta func(delta, accumulated string)) (*Completion, error) {
	var out Completion
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return &out, nil
			}
			switch chunk.Kind {
			case ChunkText:
				out.Content += chunk.Content
				if onDelta != nil {
					onDelta(chunk.Content, out.Content)
				}
			case ChunkToolCall:
				if chunk.ToolCall != nil {
					out.ToolCalls = append(out.ToolCalls, *chunk.ToolCall)
				}
			case ChunkDone:
				if chunk.TokensUsed > 0 {
					out.TokensUsed = chunk.TokensUsed
				}
			case ChunkError:
				if chunk.Err != nil {
					return nil, chunk.Err
				}
			}
		}
	}
}

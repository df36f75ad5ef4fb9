package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kronklabs/kronk/internal/agent"
	"github.com/kronklabs/kronk/pkg/models"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o"

// OpenAI adapts OpenAI's chat completions API.
type OpenAI struct {
	client *openai.Client
	model  string
}

// OpenAIOption configures an OpenAI provider.
type OpenAIOption func(*openai.ClientConfig)

// WithOpenAIBaseURL points the client at a compatible endpoint.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(cfg *openai.ClientConfig) {
		if u := strings.TrimSpace(url); u != "" {
			cfg.BaseURL = u
		}
	}
}

// NewOpenAI creates an OpenAI chat provider.
func NewOpenAI(apiKey, model string, opts ...OpenAIOption) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	cfg := openai.DefaultConfig(apiKey)
	for _, opt := range opts {
		opt(&cfg)
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func (p *OpenAI) Name() string { return "openai" }

// Complete sends a streaming chat completion request.
func (p *OpenAI) Complete(ctx context.Context, req agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: toOpenAIMessages(req.Messages),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

// processStream converts the SSE stream to chunks. OpenAI streams tool calls
// incrementally, so fragments are accumulated by index and emitted once the
// stream finishes.
func (p *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- *agent.CompletionChunk) {
	defer close(out)
	defer stream.Close()

	pending := map[int]*models.ToolCall{}
	args := map[int]string{}
	tokensUsed := 0

	flush := func() {
		indexes := make([]int, 0, len(pending))
		for i := range pending {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			call := pending[i]
			if call.Name == "" {
				continue
			}
			if args[i] != "" {
				call.Args = json.RawMessage(args[i])
			}
			out <- &agent.CompletionChunk{Kind: agent.ChunkToolCall, ToolCall: call}
		}
		pending = map[int]*models.ToolCall{}
		args = map[int]string{}
	}

	for {
		select {
		case <-ctx.Done():
			out <- &agent.CompletionChunk{Kind: agent.ChunkError, Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				out <- &agent.CompletionChunk{Kind: agent.ChunkDone, TokensUsed: tokensUsed}
				return
			}
			out <- &agent.CompletionChunk{Kind: agent.ChunkError, Err: err}
			return
		}

		if resp.Usage != nil {
			tokensUsed = resp.Usage.TotalTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			out <- &agent.CompletionChunk{Kind: agent.ChunkText, Content: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if pending[index] == nil {
				pending[index] = &models.ToolCall{}
			}
			if tc.ID != "" {
				pending[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				pending[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				args[index] += tc.Function.Arguments
			}
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

func toOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				args := string(tc.Args)
				if args == "" {
					args = "{}"
				}
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, m)
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}
	return out
}

func toOpenAITools(tools []*models.Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if err := json.Unmarshal(t.Schema, &schema); err != nil || schema == nil {
			// One bad schema must not break the rest of the catalog.
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}

package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/kronklabs/kronk/internal/agent"
	"github.com/kronklabs/kronk/pkg/models"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

const anthropicMaxTokens = 4096

// Anthropic adapts Anthropic's Messages API.
type Anthropic struct {
	client anthropic.Client
	model  string
}

// AnthropicOption configures an Anthropic provider.
type AnthropicOption func(*[]option.RequestOption)

// WithAnthropicBaseURL overrides the API base URL.
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(opts *[]option.RequestOption) {
		if u := strings.TrimSpace(url); u != "" {
			*opts = append(*opts, option.WithBaseURL(u))
		}
	}
}

// NewAnthropic creates an Anthropic chat provider.
func NewAnthropic(apiKey, model string, opts ...AnthropicOption) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if model == "" {
		model = DefaultAnthropicModel
	}
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, opt := range opts {
		opt(&clientOpts)
	}
	return &Anthropic{client: anthropic.NewClient(clientOpts...), model: model}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

// Complete sends a streaming messages request. The system prompt rides in a
// dedicated parameter rather than the message list.
func (p *Anthropic) Complete(ctx context.Context, req agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: anthropicMaxTokens,
	}

	messages, system, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}
	params.Messages = messages
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}

	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(stream, chunks)
	return chunks, nil
}

// processStream converts Anthropic SSE events to chunks. Tool input arrives
// as partial JSON deltas and is assembled until the block closes.
func (p *Anthropic) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- *agent.CompletionChunk) {
	defer close(out)

	var currentCall *models.ToolCall
	var currentInput strings.Builder
	inputTokens := 0
	outputTokens := 0

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- &agent.CompletionChunk{Kind: agent.ChunkText, Content: delta.Text}
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentCall != nil {
				args := currentInput.String()
				if args == "" {
					args = "{}"
				}
				currentCall.Args = json.RawMessage(args)
				out <- &agent.CompletionChunk{Kind: agent.ChunkToolCall, ToolCall: currentCall}
				currentCall = nil
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}

		case "message_stop":
			out <- &agent.CompletionChunk{Kind: agent.ChunkDone, TokensUsed: inputTokens + outputTokens}
			return

		case "error":
			out <- &agent.CompletionChunk{Kind: agent.ChunkError, Err: errors.New("anthropic: stream error")}
			return
		}
	}

	if err := stream.Err(); err != nil {
		out <- &agent.CompletionChunk{Kind: agent.ChunkError, Err: fmt.Errorf("anthropic: %w", err)}
		return
	}
	out <- &agent.CompletionChunk{Kind: agent.ChunkDone, TokensUsed: inputTokens + outputTokens}
}

// toAnthropicMessages converts the neutral log. System messages are folded
// into the returned system prompt; tool results become tool_result blocks in
// user messages.
func toAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, string, error) {
	var out []anthropic.MessageParam
	var system strings.Builder

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(msg.Content)

		case models.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]any
				if len(tc.Args) > 0 {
					if err := json.Unmarshal(tc.Args, &input); err != nil {
						return nil, "", fmt.Errorf("invalid tool call args for %s: %w", tc.Name, err)
					}
				}
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(content...))

		case models.RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))

		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	return out, system.String(), nil
}

func toAnthropicTools(tools []*models.Tool) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		raw := t.Schema
		if len(raw) == 0 {
			raw = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid schema for %s", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		out = append(out, param)
	}
	return out, nil
}

// Package providers contains LLM provider adapters.
package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kronklabs/kronk/internal/agent"
	"github.com/kronklabs/kronk/pkg/models"
)

// DefaultOllamaHost is used when no base URL is configured.
const DefaultOllamaHost = "http://localhost:11434"

// Ollama talks to a local Ollama server over its /api/chat endpoint.
type Ollama struct {
	client  *http.Client
	baseURL string
	model   string
}

// OllamaOption configures an Ollama provider.
type OllamaOption func(*Ollama)

// WithOllamaHost overrides the server base URL.
func WithOllamaHost(host string) OllamaOption {
	return func(p *Ollama) {
		if h := strings.TrimRight(strings.TrimSpace(host), "/"); h != "" {
			p.baseURL = h
		}
	}
}

// WithOllamaHTTPClient overrides the HTTP client, for tests.
func WithOllamaHTTPClient(c *http.Client) OllamaOption {
	return func(p *Ollama) { p.client = c }
}

// NewOllama creates an Ollama chat provider for the given model.
func NewOllama(model string, opts ...OllamaOption) *Ollama {
	p := &Ollama{
		client:  &http.Client{Timeout: 2 * time.Minute},
		baseURL: DefaultOllamaHost,
		model:   model,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Ollama) Name() string { return "ollama" }

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []ollamaTool        `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ollamaTool struct {
	Type     string            `json:"type"`
	Function ollamaToolCatalog `json:"function"`
}

type ollamaToolCatalog struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ollamaChatResponse struct {
	Message   *ollamaChatMessage `json:"message"`
	Done      bool               `json:"done"`
	Error     string             `json:"error"`
	EvalCount int                `json:"eval_count"`
}

// Complete sends a streaming chat request. Ollama does not assign tool call
// ids; they are left empty for the caller to synthesize.
func (p *Ollama) Complete(ctx context.Context, req agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if p.model == "" {
		return nil, errors.New("ollama: model is required")
	}

	payload := ollamaChatRequest{
		Model:    p.model,
		Stream:   true,
		Messages: buildOllamaMessages(req.Messages),
		Tools:    buildOllamaTools(req.Tools),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("ollama: status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.streamResponse(ctx, resp.Body, chunks)
	return chunks, nil
}

func (p *Ollama) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- *agent.CompletionChunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- &agent.CompletionChunk{Kind: agent.ChunkError, Err: ctx.Err()}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			out <- &agent.CompletionChunk{Kind: agent.ChunkError, Err: fmt.Errorf("ollama: decode response: %w", err)}
			return
		}
		if resp.Error != "" {
			out <- &agent.CompletionChunk{Kind: agent.ChunkError, Err: errors.New("ollama: " + resp.Error)}
			return
		}
		if resp.Message != nil {
			if resp.Message.Content != "" {
				out <- &agent.CompletionChunk{Kind: agent.ChunkText, Content: resp.Message.Content}
			}
			for _, tc := range resp.Message.ToolCalls {
				args := tc.Function.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				out <- &agent.CompletionChunk{Kind: agent.ChunkToolCall, ToolCall: &models.ToolCall{
					Name: strings.TrimSpace(tc.Function.Name),
					Args: args,
				}}
			}
		}
		if resp.Done {
			out <- &agent.CompletionChunk{Kind: agent.ChunkDone, TokensUsed: resp.EvalCount}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		out <- &agent.CompletionChunk{Kind: agent.ChunkError, Err: fmt.Errorf("ollama: %w", err)}
		return
	}
	out <- &agent.CompletionChunk{Kind: agent.ChunkDone}
}

func buildOllamaMessages(messages []models.Message) []ollamaChatMessage {
	// Tool result messages carry only the call id; recover the tool name
	// from the assistant message that requested the call.
	toolNames := map[string]string{}
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" {
				toolNames[tc.ID] = tc.Name
			}
		}
	}

	out := make([]ollamaChatMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			m := ollamaChatMessage{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := tc.Args
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				m.ToolCalls = append(m.ToolCalls, ollamaToolCall{
					Function: ollamaToolFunction{Name: tc.Name, Arguments: args},
				})
			}
			out = append(out, m)
		case models.RoleTool:
			out = append(out, ollamaChatMessage{
				Role:     "tool",
				Content:  msg.Content,
				ToolName: toolNames[msg.ToolCallID],
			})
		default:
			out = append(out, ollamaChatMessage{Role: msg.Role, Content: msg.Content})
		}
	}
	return out
}

func buildOllamaTools(tools []*models.Tool) []ollamaTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ollamaTool, 0, len(tools))
	for _, t := range tools {
		params := t.Schema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, ollamaTool{
			Type: "function",
			Function: ollamaToolCatalog{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

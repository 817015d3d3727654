// Package genai provides the OpenAI-backed completion operations used by the
// engine: tool-calling chat completions, plain completions, cheap-model
// summaries, and audio transcription.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// FunctionCall carries the function name and raw JSON arguments of one tool
// call requested by the model.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// ToolCallResponse is the model's answer to a tool-enabled completion: free
// text, tool calls, or both.
type ToolCallResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

// ClientInterface is the surface the engine depends on, so tests can swap in
// a mock.
type ClientInterface interface {
	// GenerateWithMessages runs a plain completion over the message history.
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)

	// GenerateWithTools runs a completion with the given tool definitions and
	// returns text and/or requested tool calls.
	GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error)

	// GenerateSummary runs a single-shot completion on the cheap summary
	// model.
	GenerateSummary(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	// TranscribeAudio converts an audio attachment to text.
	TranscribeAudio(ctx context.Context, filename string, audio io.Reader) (string, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	// APIKey is the OpenAI API key.
	APIKey string
	// Model is the chat model for customer-facing completions.
	Model openai.ChatModel
	// SummaryModel is the cheaper model used for background summaries.
	SummaryModel openai.ChatModel
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model for customer-facing completions.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = openai.ChatModel(model) }
}

// WithSummaryModel sets the cheap model used for background summaries.
func WithSummaryModel(model string) Option {
	return func(o *Opts) { o.SummaryModel = openai.ChatModel(model) }
}

// Client wraps the OpenAI API client.
type Client struct {
	client       openai.Client
	model        openai.ChatModel
	summaryModel openai.ChatModel
}

// Ensure Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)

// NewClient initializes a GenAI client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:        openai.ChatModelGPT4o,
		SummaryModel: openai.ChatModelGPT4oMini,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	return &Client{
		client:       openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:        cfg.Model,
		summaryModel: cfg.SummaryModel,
	}, nil
}

// GenerateWithMessages runs a plain completion over the message history.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateWithTools runs a completion with the given tool definitions.
func (c *Client) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
		Tools:    tools,
	})
	if err != nil {
		return nil, fmt.Errorf("tool completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}

	message := resp.Choices[0].Message
	result := &ToolCallResponse{Content: message.Content}
	for _, tc := range message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			},
		})
	}
	slog.Debug("GenAI.GenerateWithTools: completion received",
		"contentLength", len(result.Content), "toolCallCount", len(result.ToolCalls))
	return result, nil
}

// GenerateSummary runs a single-shot completion on the cheap summary model.
func (c *Client) GenerateSummary(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.summaryModel,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("summary completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// TranscribeAudio converts an audio attachment to text via Whisper.
func (c *Client) TranscribeAudio(ctx context.Context, filename string, audio io.Reader) (string, error) {
	resp, err := c.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: openai.AudioModelWhisper1,
		File:  openai.File(audio, filename, "application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("audio transcription failed: %w", err)
	}
	return resp.Text, nil
}

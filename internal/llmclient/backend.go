package llmclient

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/mathmodelagent/pkg/models"
)

// ToolSchema describes a single function tool offered to the model. The
// single registered Coder tool (execute_code) is the only user of this in
// practice, but the shape is general per the OpenAI-compatible contract.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  json.RawMessage // a JSON Schema document
}

// BackendRequest is the backend-neutral request shape Backend.Complete
// receives, after the full pre-flight pipeline has run over History.
type BackendRequest struct {
	Model      string
	History    []models.Message
	Tools      []ToolSchema
	ToolChoice string // "", "auto", "required", or a specific function name
	MaxTokens  int
	TopP       float64
}

// Backend is the external-interface seam to the OpenAI-compatible chat
// endpoint (spec.md section 6, "To the LLM backend"). Production code
// wires *OpenAIBackend; tests use a stub.
type Backend interface {
	Complete(ctx context.Context, req BackendRequest) (models.Message, error)
}

// OpenAIBackend adapts github.com/sashabaranov/go-openai to Backend.
// Grounded on internal/agent/providers/openai.go's OpenAIProvider.Complete
// (message/tool conversion, non-streaming request) — the teacher's
// provider additionally handled streaming-chunk assembly and multi-
// backend failover, which the single fixed-backend C6 design here does
// not need; this adapter keeps its message/tool conversion idiom only.
type OpenAIBackend struct {
	client *openai.Client
}

// NewOpenAIBackend constructs a Backend against apiKey/baseURL. An empty
// baseURL uses the default OpenAI API endpoint.
func NewOpenAIBackend(apiKey, baseURL string) *OpenAIBackend {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIBackend{client: openai.NewClientWithConfig(cfg)}
}

func (b *OpenAIBackend) Complete(ctx context.Context, req BackendRequest) (models.Message, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.History),
		Stream:   false,
	}
	if req.TopP > 0 {
		chatReq.TopP = float32(req.TopP)
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
		switch req.ToolChoice {
		case "required":
			chatReq.ToolChoice = "required"
		case "", "auto":
			chatReq.ToolChoice = "auto"
		default:
			chatReq.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: req.ToolChoice},
			}
		}
	}

	resp, err := b.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return models.Message{}, err
	}
	if len(resp.Choices) == 0 {
		return models.Message{}, fmt.Errorf("llmclient: backend returned no choices")
	}
	return fromOpenAIMessage(resp.Choices[0].Message), nil
}

// toOpenAIMessages mirrors providers/openai.go's convertToOpenAIMessages:
// one wire message per models.Message, tool results carrying tool_call_id.
func toOpenAIMessages(history []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		wm := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, wm)
	}
	return out
}

func fromOpenAIMessage(m openai.ChatCompletionMessage) models.Message {
	msg := models.Message{
		Role:    models.Role(m.Role),
		Content: m.Content,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: models.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return msg
}

func toOpenAITools(tools []ToolSchema) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var params any
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &params)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

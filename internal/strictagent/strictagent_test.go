package strictagent

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/mathmodelagent/internal/agentcore"
	"github.com/haasonsaas/mathmodelagent/internal/llmclient"
	"github.com/haasonsaas/mathmodelagent/pkg/models"
)

type stubSummarizer struct{}

func (stubSummarizer) Summarize(ctx context.Context, systemPrompt, userContent string) (string, error) {
	return "condensed", nil
}

type scriptedBackend struct {
	responses []models.Message
	calls     int
}

func (b *scriptedBackend) Complete(ctx context.Context, req llmclient.BackendRequest) (models.Message, error) {
	i := b.calls
	b.calls++
	if i >= len(b.responses) {
		return models.Message{Role: models.RoleAssistant, Content: ""}, nil
	}
	return b.responses[i], nil
}

type recordingPublisher struct {
	payloads []map[string]any
}

func (p *recordingPublisher) Publish(ctx context.Context, agentName string, payload map[string]any) error {
	p.payloads = append(p.payloads, payload)
	return nil
}

func newBaseAgent(backend llmclient.Backend, name string, publisher llmclient.Publisher) *agentcore.Agent {
	client := llmclient.NewClient(backend, "gpt-4", true, publisher, nil)
	return agentcore.New("task-1", "gpt-4", name, client, stubSummarizer{}, nil)
}

func TestCoordinator_ParsesStrictJSONAndUsesExplicitQuesCount(t *testing.T) {
	backend := &scriptedBackend{responses: []models.Message{
		{Role: models.RoleAssistant, Content: `{"title": "T", "background": "B", "ques_count": 2, "ques1": "a", "ques2": "b"}`},
	}}
	c := NewCoordinator(newBaseAgent(backend, "coordinator", nil), "system prompt")

	result, err := c.Run(context.Background(), "raw problem text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.QuesCount != 2 {
		t.Fatalf("expected ques_count=2, got %d", result.QuesCount)
	}
}

func TestCoordinator_InfersQuesCountFromQuesNKeys(t *testing.T) {
	backend := &scriptedBackend{responses: []models.Message{
		{Role: models.RoleAssistant, Content: `{"title": "T", "background": "B", "ques1": "a", "ques2": "b", "ques3": "c"}`},
	}}
	c := NewCoordinator(newBaseAgent(backend, "coordinator", nil), "system prompt")

	result, err := c.Run(context.Background(), "raw problem text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.QuesCount != 3 {
		t.Fatalf("expected inferred ques_count=3, got %d", result.QuesCount)
	}
	if v, ok := result.Questions["ques_count"]; !ok || v != 3 {
		t.Fatalf("expected ques_count written back into the questions object, got %v", result.Questions["ques_count"])
	}
}

func TestCoordinator_MissingQuesCountAndNoQuesKeysIsFatal(t *testing.T) {
	backend := &scriptedBackend{responses: []models.Message{
		{Role: models.RoleAssistant, Content: `{"title": "T", "background": "B"}`},
	}}
	c := NewCoordinator(newBaseAgent(backend, "coordinator", nil), "system prompt")

	_, err := c.Run(context.Background(), "raw problem text")
	if err == nil {
		t.Fatalf("expected a fatal error when ques_count is absent and no quesN keys exist")
	}
}

func TestCoordinator_MissingTitleFailsSchemaValidation(t *testing.T) {
	backend := &scriptedBackend{responses: []models.Message{
		{Role: models.RoleAssistant, Content: `{"background": "B", "ques_count": 1, "ques1": "a"}`},
	}}
	c := NewCoordinator(newBaseAgent(backend, "coordinator", nil), "system prompt")

	_, err := c.Run(context.Background(), "raw problem text")
	if err == nil {
		t.Fatalf("expected schema validation to reject a response missing the required title field")
	}
}

func TestCoordinator_NonJSONResponseIsFatal(t *testing.T) {
	backend := &scriptedBackend{responses: []models.Message{
		{Role: models.RoleAssistant, Content: "Sure, here is my plan in prose, not JSON."},
	}}
	c := NewCoordinator(newBaseAgent(backend, "coordinator", nil), "system prompt")

	_, err := c.Run(context.Background(), "raw problem text")
	if err == nil {
		t.Fatalf("expected a fatal error on a non-JSON response")
	}
}

func TestCoordinator_InjectsSystemPromptOnlyOnce(t *testing.T) {
	backend := &scriptedBackend{responses: []models.Message{
		{Role: models.RoleAssistant, Content: `{"title": "T", "background": "B", "ques_count": 1, "ques1": "a"}`},
		{Role: models.RoleAssistant, Content: `{"title": "T", "background": "B", "ques_count": 1, "ques1": "a"}`},
	}}
	c := NewCoordinator(newBaseAgent(backend, "coordinator", nil), "system prompt")

	if _, err := c.Run(context.Background(), "first"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Run(context.Background(), "second"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	systemCount := 0
	for _, m := range c.History {
		if m.Role == models.RoleSystem {
			systemCount++
		}
	}
	if systemCount != 1 {
		t.Fatalf("expected exactly one system message across two runs, got %d", systemCount)
	}
}

func TestModeler_PublishesParsedObjectAsStructuredMessage(t *testing.T) {
	backend := &scriptedBackend{responses: []models.Message{
		{Role: models.RoleAssistant, Content: `{"eda": "strategy", "ques1": "strategy1"}`},
	}}
	publisher := &recordingPublisher{}
	m := NewModeler(newBaseAgent(backend, "modeler", nil), "system prompt", publisher)

	obj, err := m.Run(context.Background(), map[string]any{"ques_count": 1, "ques1": "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj["eda"] != "strategy" {
		t.Fatalf("expected parsed eda field, got %v", obj)
	}
	if len(publisher.payloads) != 1 {
		t.Fatalf("expected exactly one publish call, got %d", len(publisher.payloads))
	}
	content, _ := publisher.payloads[0]["content"].(string)
	if !strings.Contains(content, "strategy") {
		t.Fatalf("expected published content to contain the parsed object, got %q", content)
	}
}

func TestModeler_NullParseResultIsFatal(t *testing.T) {
	backend := &scriptedBackend{responses: []models.Message{
		{Role: models.RoleAssistant, Content: "not json at all"},
	}}
	m := NewModeler(newBaseAgent(backend, "modeler", nil), "system prompt", nil)

	_, err := m.Run(context.Background(), map[string]any{"ques_count": 1})
	if err == nil {
		t.Fatalf("expected a fatal error on a null parse result")
	}
}

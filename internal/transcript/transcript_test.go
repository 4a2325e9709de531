package transcript

import (
	"strings"
	"testing"

	"github.com/haasonsaas/mathmodelagent/pkg/models"
)

func TestNormalize_DefaultsRoleToAssistant(t *testing.T) {
	msg := Normalize(map[string]any{"content": "hi"})
	if msg.Role != models.RoleAssistant {
		t.Fatalf("expected default role assistant, got %q", msg.Role)
	}
}

func TestNormalize_LegacyFunctionRoleBecomesTool(t *testing.T) {
	msg := Normalize(map[string]any{"role": "function", "content": "result text"})
	if msg.Role != models.RoleTool {
		t.Fatalf("expected role tool, got %q", msg.Role)
	}
}

func TestNormalize_NilContentCoercesToEmptyString(t *testing.T) {
	msg := Normalize(map[string]any{"role": "user", "content": nil})
	if msg.Content != "" {
		t.Fatalf("expected empty content, got %q", msg.Content)
	}
}

func TestNormalize_StructuredContentIsJSONEncoded(t *testing.T) {
	msg := Normalize(map[string]any{"role": "user", "content": []any{"a", "b"}})
	if msg.Content != `["a","b"]` {
		t.Fatalf("expected json-encoded content, got %q", msg.Content)
	}
}

func TestNormalize_ToolMessage_AltFieldExtraction(t *testing.T) {
	msg := Normalize(map[string]any{
		"role":   "tool",
		"output": "computed value",
	})
	if msg.Content != "computed value" {
		t.Fatalf("expected alt-field extraction, got %q", msg.Content)
	}
}

func TestNormalize_ToolMessage_AltFieldPriorityOrder(t *testing.T) {
	msg := Normalize(map[string]any{
		"role":   "tool",
		"result": "first priority",
		"text":   "lower priority",
	})
	if !strings.Contains(msg.Content, "first priority") {
		t.Fatalf("expected higher-priority field present, got %q", msg.Content)
	}
}

func TestNormalize_ToolMessage_DedupFragments(t *testing.T) {
	msg := Normalize(map[string]any{
		"role":   "tool",
		"output": "same text",
		"result": "same text",
	})
	if strings.Count(msg.Content, "same text") != 1 {
		t.Fatalf("expected dedup, got %q", msg.Content)
	}
}

func TestNormalize_ToolMessage_FallsBackToPlaceholder(t *testing.T) {
	msg := Normalize(map[string]any{"role": "tool"})
	if msg.Content != PlaceholderToolContent {
		t.Fatalf("expected placeholder, got %q", msg.Content)
	}
}

func TestNormalize_AssistantToolCalls_SynthesizesMissingID(t *testing.T) {
	msg := Normalize(map[string]any{
		"role": "assistant",
		"tool_calls": []any{
			map[string]any{
				"function": map[string]any{"name": "run_code", "arguments": map[string]any{"code": "1+1"}},
			},
		},
	})
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %d", len(msg.ToolCalls))
	}
	tc := msg.ToolCalls[0]
	if tc.ID == "" || !strings.HasPrefix(tc.ID, "call_") {
		t.Fatalf("expected synthesized call_ id, got %q", tc.ID)
	}
	if tc.Type != "function" {
		t.Fatalf("expected type function, got %q", tc.Type)
	}
	if tc.Function.Arguments != `{"code":"1+1"}` {
		t.Fatalf("expected json-encoded arguments, got %q", tc.Function.Arguments)
	}
}

func TestNormalize_AssistantToolCalls_PreservesExistingID(t *testing.T) {
	msg := Normalize(map[string]any{
		"role": "assistant",
		"tool_calls": []any{
			map[string]any{
				"id":       "call_abc123",
				"function": map[string]any{"name": "run_code", "arguments": "{}"},
			},
		},
	})
	if msg.ToolCalls[0].ID != "call_abc123" {
		t.Fatalf("expected preserved id, got %q", msg.ToolCalls[0].ID)
	}
}

func TestNormalize_SanitizesControlCharsAndANSI(t *testing.T) {
	msg := Normalize(map[string]any{"role": "user", "content": "hi\x1b[31mred\x1b[0m\x07"})
	if msg.Content != "hired" {
		t.Fatalf("expected sanitized content, got %q", msg.Content)
	}
}

func TestNormalize_TypedMessagePassthrough(t *testing.T) {
	msg := Normalize(models.Message{Role: models.RoleUser, Content: "plain"})
	if msg.Content != "plain" || msg.Role != models.RoleUser {
		t.Fatalf("unexpected passthrough result: %+v", msg)
	}
}

func TestAppend_MergesAdjacentUserMessages(t *testing.T) {
	history := []models.Message{{Role: models.RoleUser, Content: "first part"}}
	history = Append(history, map[string]any{"role": "user", "content": "second part"})
	if len(history) != 1 {
		t.Fatalf("expected merge into single message, got %d messages", len(history))
	}
	if !strings.Contains(history[0].Content, "first part") || !strings.Contains(history[0].Content, "second part") {
		t.Fatalf("expected merged content, got %q", history[0].Content)
	}
}

func TestAppend_DoesNotMergeAcrossOtherRoles(t *testing.T) {
	history := []models.Message{
		{Role: models.RoleUser, Content: "first"},
		{Role: models.RoleAssistant, Content: "reply"},
	}
	history = Append(history, map[string]any{"role": "user", "content": "second"})
	if len(history) != 3 {
		t.Fatalf("expected no merge across assistant turn, got %d messages", len(history))
	}
}

func TestAppend_DoesNotMergeWhenToolCallsPresent(t *testing.T) {
	history := []models.Message{
		{Role: models.RoleUser, Content: "first", ToolCalls: nil},
	}
	withTC := models.Message{
		Role:    models.RoleUser,
		Content: "second",
	}
	withTC.ToolCalls = []models.ToolCall{{ID: "call_1", Type: "function"}}
	history = Append(history, withTC)
	if len(history) != 2 {
		t.Fatalf("expected no merge when tool calls present, got %d", len(history))
	}
}

func TestSynthesizeToolCallID_Format(t *testing.T) {
	id := SynthesizeToolCallID()
	if !strings.HasPrefix(id, "call_") {
		t.Fatalf("expected call_ prefix, got %q", id)
	}
	if len(id) != len("call_")+12 {
		t.Fatalf("expected 12 hex chars, got %q (len=%d)", id, len(id))
	}
}

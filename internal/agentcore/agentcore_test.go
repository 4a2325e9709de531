package agentcore

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/mathmodelagent/internal/ctxgov"
	"github.com/haasonsaas/mathmodelagent/pkg/models"
)

type stubSummarizer struct{}

func (stubSummarizer) Summarize(ctx context.Context, systemPrompt, userContent string) (string, error) {
	return "condensed", nil
}

func TestAppend_MergesAdjacentUserMessages(t *testing.T) {
	a := New("task-1", "gpt-4", "writer", nil, stubSummarizer{}, nil)
	a.Append(context.Background(), models.Message{Role: models.RoleUser, Content: "first"})
	a.Append(context.Background(), models.Message{Role: models.RoleUser, Content: "second"})

	if len(a.History) != 1 {
		t.Fatalf("expected adjacent user turns merged into one, got %d", len(a.History))
	}
	if !strings.Contains(a.History[0].Content, "first") || !strings.Contains(a.History[0].Content, "second") {
		t.Fatalf("expected merged content, got %q", a.History[0].Content)
	}
}

func TestAppend_EnforcesFirstNonSystemIsUser(t *testing.T) {
	a := New("task-1", "gpt-4", "writer", nil, stubSummarizer{}, nil)
	a.Append(context.Background(), models.Message{Role: models.RoleSystem, Content: "sys"})
	a.Append(context.Background(), models.Message{Role: models.RoleAssistant, Content: "out of order"})

	if a.History[0].Role != models.RoleSystem {
		t.Fatalf("expected system first, got %+v", a.History[0])
	}
	if a.History[1].Role != models.RoleUser {
		t.Fatalf("expected enforced user continuation at index 1, got %+v", a.History[1])
	}
}

func TestAppend_ToolMessageNoCompactionAtExactlyMemoryLimit(t *testing.T) {
	a := New("task-1", "gpt-4", "coder", nil, stubSummarizer{}, nil)
	a.MemoryLimit = 4
	a.History = []models.Message{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleUser, Content: "go"},
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "c1", Type: "function", Function: models.FunctionCall{Name: "execute_code", Arguments: "{}"}},
			},
		},
	}

	a.Append(context.Background(), models.Message{Role: models.RoleTool, ToolCallID: "c1", Content: "result"})

	if len(a.History) != a.MemoryLimit {
		t.Fatalf("expected history length exactly MemoryLimit=%d with no compaction, got %d", a.MemoryLimit, len(a.History))
	}
	if strings.Contains(a.History[1].Content, "condensed") {
		t.Fatalf("did not expect compaction at exactly memory_limit: %+v", a.History)
	}
}

func TestAppend_ToolMessageCompactsAtMemoryLimitPlusOne(t *testing.T) {
	a := New("task-1", "gpt-4", "coder", nil, stubSummarizer{}, nil)
	a.MemoryLimit = 4
	a.History = []models.Message{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleUser, Content: "go"},
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "c1", Type: "function", Function: models.FunctionCall{Name: "execute_code", Arguments: "{}"}},
			},
		},
		{Role: models.RoleTool, ToolCallID: "c1", Content: "result"},
	}

	a.Append(context.Background(), models.Message{Role: models.RoleTool, ToolCallID: "c1", Content: "one too many"})

	found := false
	for _, m := range a.History {
		if strings.Contains(m.Content, "condensed") || strings.Contains(m.Content, ctxgov.SummaryMarker) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected compaction to fire at memory_limit+1, got %+v", a.History)
	}
}

package llmclient

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/mathmodelagent/internal/pairing"
	"github.com/haasonsaas/mathmodelagent/internal/transcript"
	"github.com/haasonsaas/mathmodelagent/pkg/models"
)

// sanitizeForWire implements step 4 of the C6 pre-flight pipeline: it
// re-normalizes every message (catching any alt-field tool content that
// slipped through, dropping unknown shape via transcript.Normalize's
// canonical re-encoding), synthesizes missing tool_call_ids by FIFO
// matching against pending assistant tool-call ids, drops orphan tool
// messages, coalesces adjacent same-role text messages, and drops
// trailing tool messages.
func sanitizeForWire(history []models.Message) []models.Message {
	out := make([]models.Message, 0, len(history))
	for _, m := range history {
		out = append(out, transcript.Normalize(m))
	}
	out = synthesizeMissingToolCallIDs(out)
	out = pairing.Repair(out)
	out = coalesceAdjacentText(out)
	out = dropTrailingToolMessages(out)
	return out
}

// synthesizeMissingToolCallIDs walks history in order, maintaining a FIFO
// queue of assistant tool-call ids not yet consumed by a tool message.
// Any tool-role message with an empty tool_call_id is assigned the
// earliest still-pending id.
func synthesizeMissingToolCallIDs(history []models.Message) []models.Message {
	var pending []string
	consumed := make(map[string]struct{})

	out := make([]models.Message, len(history))
	copy(out, history)

	for i, m := range out {
		if m.Role == models.RoleAssistant {
			for _, tc := range m.ToolCalls {
				if _, done := consumed[tc.ID]; !done {
					pending = append(pending, tc.ID)
				}
			}
			continue
		}
		if m.Role != models.RoleTool {
			continue
		}
		if m.ToolCallID != "" {
			consumed[m.ToolCallID] = struct{}{}
			continue
		}
		if len(pending) == 0 {
			continue
		}
		id := pending[0]
		pending = pending[1:]
		consumed[id] = struct{}{}
		out[i].ToolCallID = id
	}
	return out
}

// coalesceAdjacentText merges runs of adjacent same-role plain-text
// messages (no tool_calls, role user or assistant) into a single message,
// generalizing transcript's I6 user-only merge to both conversational
// roles for wire submission.
func coalesceAdjacentText(history []models.Message) []models.Message {
	if len(history) == 0 {
		return history
	}
	out := make([]models.Message, 0, len(history))
	for _, m := range history {
		if n := len(out); n > 0 {
			last := out[n-1]
			mergeable := (last.Role == models.RoleUser || last.Role == models.RoleAssistant) &&
				last.Role == m.Role && !last.HasToolCalls() && !m.HasToolCalls()
			if mergeable {
				out[n-1].Content = strings.TrimRight(last.Content, "\n") + "\n\n" + m.Content
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// dropTrailingToolMessages enforces I4: the history never ends with a
// tool message when sent to the LLM.
func dropTrailingToolMessages(history []models.Message) []models.Message {
	end := len(history)
	for end > 0 && history[end-1].Role == models.RoleTool {
		end--
	}
	return history[:end]
}

// flattenToolHistory converts every tool message's content into assistant
// text, appended to the nearest adjacent assistant message (preceding if
// present, otherwise the following one gets it prepended), and drops
// tool_calls from assistant messages so no tool-role traffic remains.
// Used when the backend does not support the tool role, or the current
// request carries no tools.
func flattenToolHistory(history []models.Message) []models.Message {
	out := make([]models.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case models.RoleAssistant:
			flat := m
			flat.ToolCalls = nil
			if flat.Content == "" && m.HasToolCalls() {
				names := make([]string, 0, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					names = append(names, tc.Function.Name)
				}
				flat.Content = fmt.Sprintf("(requested tool call(s): %s)", strings.Join(names, ", "))
			}
			out = append(out, flat)
		case models.RoleTool:
			text := fmt.Sprintf("[tool result] %s", m.Content)
			if n := len(out); n > 0 && out[n-1].Role == models.RoleAssistant {
				out[n-1].Content = strings.TrimRight(out[n-1].Content, "\n") + "\n" + text
			} else {
				out = append(out, models.Message{Role: models.RoleAssistant, Content: text})
			}
		default:
			out = append(out, m)
		}
	}
	return out
}

// auditInvariants verifies I1-I5 over history, returning the first
// violation found (nil if the history is sendable as-is).
func auditInvariants(history []models.Message) error {
	if len(history) == 0 {
		return nil
	}

	idx := 0
	if history[0].Role == models.RoleSystem {
		idx++
	}
	if idx < len(history) && history[idx].Role != models.RoleUser {
		return fmt.Errorf("llmclient: I1 violated — first non-system message has role %q", history[idx].Role)
	}

	pendingByTurn := make(map[string]bool)
	for i, m := range history {
		switch m.Role {
		case models.RoleAssistant:
			if m.HasToolCalls() {
				for _, tc := range m.ToolCalls {
					pendingByTurn[tc.ID] = true
				}
			} else if m.Content == "" {
				return fmt.Errorf("llmclient: I5 violated — empty content at index %d with no tool_calls", i)
			}
		case models.RoleTool:
			if !pendingByTurn[m.ToolCallID] {
				return fmt.Errorf("llmclient: I3 violated — orphan tool message at index %d (id %q)", i, m.ToolCallID)
			}
			delete(pendingByTurn, m.ToolCallID)
			if m.Content == "" {
				return fmt.Errorf("llmclient: I5 violated — empty tool content at index %d", i)
			}
		default:
			if m.Content == "" {
				return fmt.Errorf("llmclient: I5 violated — empty content at index %d", i)
			}
		}
	}
	if len(pendingByTurn) > 0 {
		return fmt.Errorf("llmclient: I2 violated — %d tool_call(s) left unanswered", len(pendingByTurn))
	}
	if history[len(history)-1].Role == models.RoleTool {
		return fmt.Errorf("llmclient: I4 violated — history ends with a tool message")
	}
	return nil
}

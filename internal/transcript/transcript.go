// Package transcript implements the Message Normalizer (C3): it coerces
// arbitrary candidate values into the canonical Message shape the rest of
// the agent conversation core assumes, and appends them to a history while
// enforcing the adjacent-user-message merge rule (invariant I6).
//
// Grounded on the teacher's internal/agent/transcript_repair.go tool-call
// tracking idiom, generalized from the teacher's embedded-ToolResults-array
// message shape to the one-Message-per-tool-result wire contract spec.md
// requires.
package transcript

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/mathmodelagent/internal/sanitize"
	"github.com/haasonsaas/mathmodelagent/pkg/models"
)

// PlaceholderToolContent substitutes for a tool message whose content could
// not be extracted from any known field, preserving the wire invariant that
// tool.content is always a non-empty string.
const PlaceholderToolContent = "(tool returned no text)"

// altContentFields lists the fields tried, in priority order, to recover
// text for a tool-role candidate whose primary content is empty.
var altContentFields = []string{
	"output", "outputs", "result", "results",
	"text", "stdout", "stderr", "data", "value",
	"tool_result", "tool_response", "tool_outputs",
}

// Normalize coerces candidate into a canonical Message. Supported shapes:
// an already-typed models.Message, a map[string]any decoded from JSON (an
// API response or tool payload), or a bare string (treated as user-less
// plain content with role defaulted to assistant per spec.md 4.3).
func Normalize(candidate any) models.Message {
	switch v := candidate.(type) {
	case models.Message:
		return normalizeTyped(v)
	case *models.Message:
		if v == nil {
			return normalizeTyped(models.Message{})
		}
		return normalizeTyped(*v)
	case map[string]any:
		return normalizeMap(v)
	case string:
		return normalizeTyped(models.Message{Role: models.RoleAssistant, Content: v})
	default:
		return models.Message{Role: models.RoleAssistant, Content: coerceContent(candidate)}
	}
}

func normalizeTyped(m models.Message) models.Message {
	if m.Role == "" {
		m.Role = models.RoleAssistant
	}
	if m.Role == models.RoleFunction {
		m.Role = models.RoleTool
	}
	m.Content = sanitize.CleanControlChars(sanitize.StripANSI(m.Content), true)

	if m.Role == models.RoleAssistant {
		m.ToolCalls = normalizeToolCalls(m.ToolCalls)
	}
	if m.Role == models.RoleTool && m.Content == "" {
		m.Content = PlaceholderToolContent
	}
	return m
}

func normalizeMap(src map[string]any) models.Message {
	role := models.Role(stringOr(src["role"], string(models.RoleAssistant)))
	if role == models.RoleFunction {
		role = models.RoleTool
	}

	content := coerceContent(src["content"])

	msg := models.Message{
		Role:       role,
		Content:    content,
		ToolCallID: stringOr(src["tool_call_id"], ""),
		Name:       stringOr(src["name"], ""),
	}

	if role == models.RoleAssistant {
		if raw, ok := src["tool_calls"]; ok {
			msg.ToolCalls = coerceToolCalls(raw)
		}
		msg.ToolCalls = normalizeToolCalls(msg.ToolCalls)
	}

	if role == models.RoleTool && strings.TrimSpace(msg.Content) == "" {
		msg.Content = extractAltToolContent(src)
	}

	msg.Content = sanitize.CleanControlChars(sanitize.StripANSI(msg.Content), true)
	return msg
}

// extractAltToolContent scans a tool-role candidate map's alternate fields
// in priority order, deduplicating exact-match fragments while preserving
// order, and joins survivors with newlines. Falls back to the fixed
// placeholder if nothing was recoverable.
func extractAltToolContent(src map[string]any) string {
	seen := make(map[string]struct{})
	var parts []string
	for _, field := range altContentFields {
		raw, ok := src[field]
		if !ok {
			continue
		}
		for _, frag := range flattenToFragments(raw) {
			frag = strings.TrimSpace(frag)
			if frag == "" {
				continue
			}
			if _, dup := seen[frag]; dup {
				continue
			}
			seen[frag] = struct{}{}
			parts = append(parts, frag)
		}
	}
	if len(parts) == 0 {
		return PlaceholderToolContent
	}
	return strings.Join(parts, "\n")
}

func flattenToFragments(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, flattenToFragments(item)...)
		}
		return out
	case map[string]any:
		for _, key := range []string{"text", "content", "output", "value"} {
			if s, ok := t[key].(string); ok {
				return []string{s}
			}
		}
		return []string{coerceContent(t)}
	case nil:
		return nil
	default:
		return []string{coerceContent(t)}
	}
}

// coerceContent turns an arbitrary value into message content text: nil
// becomes "", strings pass through, everything else is JSON-encoded (or
// stringified if encoding fails).
func coerceContent(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}

// coerceToolCalls converts a raw JSON-decoded tool_calls value (a slice of
// maps, typically) into []models.ToolCall.
func coerceToolCalls(raw any) []models.ToolCall {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]models.ToolCall, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		tc := models.ToolCall{
			ID:   stringOr(m["id"], ""),
			Type: stringOr(m["type"], "function"),
		}
		if fn, ok := m["function"].(map[string]any); ok {
			tc.Function.Name = stringOr(fn["name"], "")
			tc.Function.Arguments = coerceArguments(fn["arguments"])
		}
		out = append(out, tc)
	}
	return out
}

func coerceArguments(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// normalizeToolCalls ensures every tool call has a type, JSON-encoded
// arguments, and a synthesized id when missing.
func normalizeToolCalls(calls []models.ToolCall) []models.ToolCall {
	if len(calls) == 0 {
		return calls
	}
	out := make([]models.ToolCall, len(calls))
	for i, tc := range calls {
		if tc.Type == "" {
			tc.Type = "function"
		}
		if tc.ID == "" {
			tc.ID = SynthesizeToolCallID()
		}
		if tc.Function.Arguments == "" {
			tc.Function.Arguments = ""
		}
		out[i] = tc
	}
	return out
}

// SynthesizeToolCallID generates a call_<12-hex> id for assistant tool
// calls that arrive without one, derived from a UUIDv4's first 12 hex
// digits to keep the short wire convention seen on real OpenAI-compatible
// tool calls.
func SynthesizeToolCallID() string {
	id := uuid.New()
	hexDigits := strings.ReplaceAll(id.String(), "-", "")
	return "call_" + hexDigits[:12]
}

// Append normalizes candidate and appends it to history, applying the
// adjacent-user-message merge rule (I6): if the last history entry and the
// new entry are both plain-content user messages, they are concatenated in
// place (separated by a blank line) instead of appending a new entry.
func Append(history []models.Message, candidate any) []models.Message {
	msg := Normalize(candidate)

	if n := len(history); n > 0 {
		last := history[n-1]
		if last.Role == models.RoleUser && msg.Role == models.RoleUser &&
			!last.HasToolCalls() && !msg.HasToolCalls() {
			history[n-1].Content = last.Content + "\n\n" + msg.Content
			return history
		}
	}

	return append(history, msg)
}

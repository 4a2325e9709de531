// Package pairing implements the Tool-Call Pairing Validator (C4): it
// repairs a history so every assistant tool-call has a matching tool
// result before any request is sent, and it locates safe truncation
// points that never separate a tool-call from its result.
//
// Grounded on the teacher's internal/agent/transcript_repair.go pending-id
// bookkeeping idiom (repairTranscript's pending/pendingOrder tracking),
// generalized from the teacher's single-assistant-turn embedded-results
// shape to the one-Message-per-tool-result wire contract.
package pairing

import "github.com/haasonsaas/mathmodelagent/pkg/models"

// Repair partitions every assistant message's tool_calls into matched
// (some later tool message carries that id) and unmatched, keeping only
// the matched subset. An assistant message left with no tool_calls and no
// content is dropped entirely; one with remaining content is kept with
// tool_calls cleared. Every tool-role message whose tool_call_id does not
// match a preceding assistant tool-call is dropped. Legacy
// role="function" messages are normalized to role="tool" before any of
// this runs (transcript.Normalize also does this; Repair repeats it so it
// is safe to call on histories built outside the normalizer).
func Repair(history []models.Message) []models.Message {
	out := make([]models.Message, 0, len(history))
	knownIDs := make(map[string]struct{})

	for i, msg := range history {
		if msg.Role == models.RoleFunction {
			msg.Role = models.RoleTool
		}

		switch msg.Role {
		case models.RoleAssistant:
			if msg.HasToolCalls() {
				matched, matchedIDs := partitionMatched(history[i+1:], msg)
				if len(matched) == 0 {
					if msg.Content == "" {
						continue
					}
					msg.ToolCalls = nil
				} else {
					msg.ToolCalls = matched
					for id := range matchedIDs {
						knownIDs[id] = struct{}{}
					}
				}
			}
			out = append(out, msg)
		case models.RoleTool:
			if _, ok := knownIDs[msg.ToolCallID]; !ok {
				continue
			}
			out = append(out, msg)
		default:
			out = append(out, msg)
		}
	}
	return out
}

// partitionMatched returns the subset of msg.ToolCalls for which some
// message in later (the messages that follow msg) is a tool result
// carrying that id.
func partitionMatched(history []models.Message, msg models.Message) ([]models.ToolCall, map[string]struct{}) {
	resultIDs := make(map[string]struct{})
	for _, m := range history {
		if m.Role == models.RoleTool || m.Role == models.RoleFunction {
			resultIDs[m.ToolCallID] = struct{}{}
		}
	}

	matched := make([]models.ToolCall, 0, len(msg.ToolCalls))
	matchedIDs := make(map[string]struct{})
	for _, tc := range msg.ToolCalls {
		if _, ok := resultIDs[tc.ID]; ok {
			matched = append(matched, tc)
			matchedIDs[tc.ID] = struct{}{}
		}
	}
	return matched, matchedIDs
}

// MinPreserve is the number of trailing messages a safe-cut search always
// keeps, per spec.md 4.4.
const MinPreserve = 10

// SafeCutPoint walks backward from the minimum-preserve index toward 0,
// returning the first index i such that every tool message at position
// j >= i has its matching assistant tool-call also at position >= i. If
// no such index is found, it falls back to len(history)-1 (a single
// trailing message, never index 0, since an empty suffix is trivially
// safe but useless for compaction).
func SafeCutPoint(history []models.Message) int {
	return SafeCutPointFrom(history, MinPreserve)
}

// SafeCutPointFrom is SafeCutPoint parameterized by the minimum-preserve
// count, used by the context governor's compaction retry loop to search
// with a progressively shorter required tail.
func SafeCutPointFrom(history []models.Message, minPreserve int) int {
	n := len(history)
	if n == 0 {
		return 0
	}

	start := n - minPreserve
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}

	for i := start; i >= 0; i-- {
		if isSafeCut(history, i) {
			return i
		}
	}
	if n > 0 {
		return n - 1
	}
	return 0
}

// isSafeCut reports whether cutting at i leaves no orphan tool message in
// history[i:]: every tool message there must have its pairing assistant
// tool-call at position >= i too.
func isSafeCut(history []models.Message, i int) bool {
	assistantCallPos := make(map[string]int)
	for idx, m := range history {
		if m.Role != models.RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			assistantCallPos[tc.ID] = idx
		}
	}

	for j := i; j < len(history); j++ {
		m := history[j]
		if m.Role != models.RoleTool {
			continue
		}
		pos, ok := assistantCallPos[m.ToolCallID]
		if !ok {
			// Orphan tool result with no matching call anywhere; treat
			// as unsafe so Repair (run downstream) has a chance to drop
			// it rather than silently splitting it from a call that
			// does not exist.
			return false
		}
		if pos < i {
			return false
		}
	}
	return true
}

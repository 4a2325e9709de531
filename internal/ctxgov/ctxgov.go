// Package ctxgov implements the Context Governor (C5): hard-limit
// truncation and summarization-based compaction that never separates a
// tool-call from its result.
//
// Grounded on the teacher's internal/context package (truncation.go's
// keep-first/keep-last posture, window.go's model-aware token estimation)
// and internal/compaction's chunked-summarization shape (SummarizeChunks,
// Summarizer interface), adapted here to the history-rebuild-with-marker
// scheme the original Python agent core uses instead of the teacher's
// metadata-tagged summary messages.
package ctxgov

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/mathmodelagent/internal/pairing"
	"github.com/haasonsaas/mathmodelagent/pkg/models"
)

// Token budgets, per spec.md section 4.5/4.1.
const (
	SoftLimit = 100_000
	HardLimit = 120_000
)

// SummaryMarker prefixes the user message that replaces a compacted head,
// signalling to the reader (and to enforceFirstNonSystemIsUser) that this
// content is a synthetic recap, not a real turn.
const SummaryMarker = "[historical summary — context only, no reply needed]\n"

// FallbackSummaryText substitutes for a summarization call that errors or
// returns empty content; compaction must never abort the outer call.
const FallbackSummaryText = "(summary unavailable — prior context was compacted)"

// SummarySystemPrompt is issued as the system role of the constrained
// summarization request.
const SummarySystemPrompt = "Compress the following dialogue into at most 600 Chinese characters. " +
	"Preserve task goals, constraints, conclusions reached, and steps already completed. " +
	"Output the summary only, no preamble."

// headLineCharLimit bounds how much of each head message's content is fed
// into the summarization request, per spec.md 4.5 step 3.
const headLineCharLimit = 2000

// tailShrinkSchedule is the sequence of minimum-preserve tail sizes tried
// by Compact: the first entry is the base attempt, the remaining three
// are the "iterate up to 3 times over successively shorter tails" retries
// spec.md 4.5 step 6 calls for.
var tailShrinkSchedule = []int{pairing.MinPreserve, 6, 3, 1}

// TokenCounter estimates the token cost of text under model. Argument
// order is (model, text) throughout this package.
type TokenCounter func(model, text string) int

// DefaultTokenCounter implements the spec's fallback estimate:
// max(1, len(content)/3). The teacher's internal/context.EstimateTokens
// uses a chars-per-token=4 heuristic for the general case; spec.md names
// this coarser /3 ratio explicitly as the governor's own fallback, so it
// is used here as the authoritative default rather than importing the
// teacher's ratio.
func DefaultTokenCounter(_ string, text string) int {
	n := len(text) / 3
	if n < 1 {
		return 1
	}
	return n
}

// Summarizer issues the constrained summarization request used by
// Compact. internal/llmclient.Client satisfies this; ctxgov declares it
// locally to avoid an import cycle (the LLM client's pre-flight pipeline
// calls ctxgov.Enforce).
type Summarizer interface {
	Summarize(ctx context.Context, systemPrompt, userContent string) (string, error)
}

// TotalTokens sums counter(model, content) over every message in history.
func TotalTokens(history []models.Message, model string, counter TokenCounter) int {
	if counter == nil {
		counter = DefaultTokenCounter
	}
	total := 0
	for _, m := range history {
		total += counter(model, m.Content)
	}
	return total
}

// Enforce implements the hard-limit truncation operation. If history is
// already within HardLimit it is returned unchanged (the caller is
// expected to have already run the pairing repair beforehand, per the LLM
// client's pre-flight pipeline order). Otherwise the first system message
// (if any) is preserved, and the suffix of the remaining body is greedily
// kept from the tail forward while the running token count stays within
// HardLimit; the pairing validator is then re-run on the result.
func Enforce(history []models.Message, model string, counter TokenCounter) []models.Message {
	if counter == nil {
		counter = DefaultTokenCounter
	}
	if TotalTokens(history, model, counter) <= HardLimit {
		return history
	}

	var sysMsg *models.Message
	body := history
	if len(history) > 0 && history[0].Role == models.RoleSystem {
		s := history[0]
		sysMsg = &s
		body = history[1:]
	}

	running := 0
	if sysMsg != nil {
		running += counter(model, sysMsg.Content)
	}

	var kept []models.Message
	for i := len(body) - 1; i >= 0; i-- {
		t := counter(model, body[i].Content)
		if len(kept) > 0 && running+t > HardLimit {
			break
		}
		kept = append([]models.Message{body[i]}, kept...)
		running += t
	}

	result := make([]models.Message, 0, len(kept)+1)
	if sysMsg != nil {
		result = append(result, *sysMsg)
	}
	result = append(result, kept...)
	return pairing.Repair(result)
}

// Compact implements the summarization-based compaction operation,
// triggered by the agent base when total tokens exceed SoftLimit or the
// message count exceeds the caller's bound. It finds a safe cut point,
// summarizes the head via summarizer, rebuilds the history around the
// summary, and re-checks the hard limit; if still over budget it retries
// with a progressively shorter preserved tail (up to three times) before
// falling back to a minimal system+summary history.
func Compact(ctx context.Context, history []models.Message, model string, counter TokenCounter, summarizer Summarizer, log *slog.Logger) []models.Message {
	if counter == nil {
		counter = DefaultTokenCounter
	}
	if log == nil {
		log = slog.Default()
	}

	sysMsg, hasSys := extractSystem(history)
	working := history

	for _, minPreserve := range tailShrinkSchedule {
		cut := pairing.SafeCutPointFrom(working, minPreserve)
		head := working[:cut]
		tail := working[cut:]
		if len(head) == 0 {
			continue
		}

		summary := summarizeHead(ctx, head, hasSys, summarizer, log)
		rebuilt := rebuildHistory(sysMsg, hasSys, summary, tail)
		rebuilt = EnforceFirstNonSystemIsUser(rebuilt)
		rebuilt = pairing.Repair(rebuilt)

		if TotalTokens(rebuilt, model, counter) <= HardLimit {
			return rebuilt
		}
		working = rebuilt
	}

	return finalFallback(sysMsg, hasSys)
}

func extractSystem(history []models.Message) (models.Message, bool) {
	if len(history) > 0 && history[0].Role == models.RoleSystem {
		return history[0], true
	}
	return models.Message{}, false
}

// summarizeHead builds the "role: content[:2000]" line format the spec
// requires and issues the constrained summarization request. Any error,
// or an empty summarizer, degrades to FallbackSummaryText rather than
// aborting the caller.
func summarizeHead(ctx context.Context, head []models.Message, hasSys bool, summarizer Summarizer, log *slog.Logger) string {
	if summarizer == nil {
		return FallbackSummaryText
	}

	lines := head
	if hasSys && len(head) > 0 && head[0].Role == models.RoleSystem {
		lines = head[1:]
	}

	var b strings.Builder
	for _, m := range lines {
		content := m.Content
		if len(content) > headLineCharLimit {
			content = content[:headLineCharLimit]
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, content)
	}

	summary, err := summarizer.Summarize(ctx, SummarySystemPrompt, b.String())
	if err != nil || strings.TrimSpace(summary) == "" {
		log.Warn("ctxgov: summarization failed, using placeholder", "error", err)
		return FallbackSummaryText
	}
	return summary
}

func rebuildHistory(sysMsg models.Message, hasSys bool, summary string, tail []models.Message) []models.Message {
	result := make([]models.Message, 0, len(tail)+2)
	if hasSys {
		result = append(result, sysMsg)
	}
	result = append(result, models.Message{
		Role:    models.RoleUser,
		Content: SummaryMarker + summary,
	})
	result = append(result, tail...)
	return result
}

// EnforceFirstNonSystemIsUser satisfies invariant I1: the first
// non-system message must be role=user. If it is an assistant message
// whose content carries the summary marker, its role is rewritten to
// user; otherwise a minimal user continuation is inserted ahead of it.
// Exported for use by internal/llmclient's pre-flight pipeline (spec.md
// 4.6 step 3), not just internally by Compact's rebuild step.
func EnforceFirstNonSystemIsUser(history []models.Message) []models.Message {
	idx := 0
	if len(history) > 0 && history[idx].Role == models.RoleSystem {
		idx++
	}
	if idx >= len(history) {
		return history
	}
	if history[idx].Role == models.RoleUser {
		return history
	}
	if history[idx].Role == models.RoleAssistant && strings.HasPrefix(history[idx].Content, SummaryMarker) {
		history[idx].Role = models.RoleUser
		return history
	}

	out := make([]models.Message, 0, len(history)+1)
	out = append(out, history[:idx]...)
	out = append(out, models.Message{Role: models.RoleUser, Content: "(continue)"})
	out = append(out, history[idx:]...)
	return out
}

// finalFallback builds the minimal [system?] + user(minimal summary)
// history used when three shrink iterations still exceed HardLimit.
func finalFallback(sysMsg models.Message, hasSys bool) []models.Message {
	out := make([]models.Message, 0, 2)
	if hasSys {
		out = append(out, sysMsg)
	}
	out = append(out, models.Message{
		Role:    models.RoleUser,
		Content: SummaryMarker + FallbackSummaryText,
	})
	return out
}

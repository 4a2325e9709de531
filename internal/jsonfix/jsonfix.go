// Package jsonfix recovers structured JSON objects from noisy LLM text.
// It implements a staged pipeline: local prepare-and-parse (which includes
// an escape repair pass), an optional single LLM-reconstruction call, a
// JSON5 parse, and a lenient regex-based fallback. The pipeline always returns a stage tag describing
// how (or whether) it succeeded; callers only act on the tag for logging,
// never for branching business logic.
package jsonfix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/haasonsaas/mathmodelagent/internal/sanitize"
)

// Stage tags returned alongside the parsed object (or nil on failure).
const (
	StageParsed             = "parsed"
	StageLLMFixed           = "llm_fixed"
	StageLLMFallbackParsed  = "llm_fallback_parsed"
	StageJSON5Parsed        = "json5_parsed"
	StageFallbackParsed     = "fallback_parsed"
	StageFailNotFound       = "fail:not_found"
	StageFailEmpty          = "fail:empty"
	StageFailUnparseable    = "error:unparseable"
)

// RebuildSystemPrompt is the system prompt issued to the optional
// LLM-reconstruction step: demand a single valid JSON object, nothing else.
const RebuildSystemPrompt = "You are a strict JSON repair tool.\n" +
	"Requirements:\n" +
	"1) Output exactly one JSON object, no explanation or extra text;\n" +
	"2) It must be valid JSON (correct double quotes and escapes), parseable by a standard JSON decoder;\n" +
	"3) The top-level value must be an object, not an array or multiple objects."

// Rebuilder issues a single constrained completion request used by the
// optional LLM-reconstruction stage. internal/llmclient.Client satisfies
// this interface; jsonfix declares it locally so it never imports
// internal/llmclient (avoiding an import cycle, since the LLM client uses
// jsonfix for strict-agent response parsing).
type Rebuilder interface {
	RebuildJSON(ctx context.Context, systemPrompt, malformed string) (string, error)
}

var trailingCommaRE = regexp.MustCompile(`,\s*([}\]])`)

// FixAndParse runs the ordered recovery pipeline over raw and returns the
// parsed object plus a stage tag. rebuilder may be nil, in which case the
// LLM-reconstruction stage is skipped entirely (used by strict-mode
// callers such as the Coordinator and Modeler agents).
func FixAndParse(ctx context.Context, raw string, rebuilder Rebuilder, log *slog.Logger) (map[string]any, string, error) {
	if log == nil {
		log = slog.Default()
	}
	if raw == "" {
		return nil, StageFailEmpty, fmt.Errorf("jsonfix: empty input")
	}

	prepared := sanitize.Prepare(raw)
	if prepared == "" {
		return nil, StageFailNotFound, fmt.Errorf("jsonfix: no JSON object found")
	}

	if obj, ok := tryParse(prepared); ok {
		return obj, StageParsed, nil
	}

	if rebuilder != nil {
		if obj, stage, ok := rebuild(ctx, rebuilder, prepared, log); ok {
			return obj, stage, nil
		}
	}

	if obj, ok := tryJSON5(prepared); ok {
		return obj, StageJSON5Parsed, nil
	}

	if obj, ok := fallbackRegex(prepared); ok {
		return obj, StageFallbackParsed, nil
	}

	return nil, StageFailUnparseable, fmt.Errorf("jsonfix: unparseable after all recovery stages")
}

func rebuild(ctx context.Context, rebuilder Rebuilder, malformed string, log *slog.Logger) (map[string]any, string, bool) {
	response, err := rebuilder.RebuildJSON(ctx, RebuildSystemPrompt, malformed)
	if err != nil {
		log.Warn("jsonfix: LLM rebuild call failed", "error", err)
		return nil, "", false
	}

	fixed := sanitize.Prepare(response)
	if fixed == "" {
		return nil, "", false
	}

	if obj, ok := tryParse(fixed); ok {
		return obj, StageLLMFixed, true
	}
	if obj, ok := fallbackRegex(fixed); ok {
		return obj, StageLLMFallbackParsed, true
	}
	return nil, "", false
}

func tryParse(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func tryJSON5(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json5.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// fallbackRegex applies the lenient recovery pass, in order: drop trailing
// commas before '}'/']', turn single quotes into double quotes, then
// force-double every non-standard backslash still left inside string
// literals before attempting a final parse.
func fallbackRegex(s string) (map[string]any, bool) {
	safe := trailingCommaRE.ReplaceAllString(s, "$1")
	safe = strings.ReplaceAll(safe, "'", `"`)
	safe = forceDoubleBackslashesInStrings(safe)
	return tryParse(safe)
}

// forceDoubleBackslashesInStrings doubles every lone backslash found
// inside JSON string literals, except ones that already form a legal JSON
// escape ( \" \\ \/ \b \f \n \r \t \uXXXX ), which are left untouched.
func forceDoubleBackslashesInStrings(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inStr := false
	i := 0
	for i < len(s) {
		ch := s[i]
		if !inStr {
			b.WriteByte(ch)
			if ch == '"' {
				inStr = true
			}
			i++
			continue
		}
		if ch == '"' {
			b.WriteByte(ch)
			inStr = false
			i++
			continue
		}
		if ch != '\\' {
			b.WriteByte(ch)
			i++
			continue
		}
		if i+1 >= len(s) {
			b.WriteString(`\\`)
			i++
			continue
		}
		next := s[i+1]
		if next == '\\' {
			b.WriteString(`\\`)
			i += 2
			continue
		}
		if strings.IndexByte(`"/bfnrt`, next) >= 0 {
			b.WriteByte('\\')
			b.WriteByte(next)
			i += 2
			continue
		}
		if next == 'u' && i+5 < len(s) && isHex4(s[i+2:i+6]) {
			b.WriteString(s[i : i+6])
			i += 6
			continue
		}
		b.WriteString(`\\`)
		b.WriteByte(next)
		i += 2
	}
	return b.String()
}

func isHex4(s string) bool {
	if len(s) != 4 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

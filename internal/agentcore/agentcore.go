// Package agentcore implements the Agent Base (C7): the history-append
// pipeline shared by every agent (Coordinator, Modeler, Coder, Writer) and
// a default single-turn Run used by the strict-JSON agents.
//
// No single teacher file matches this 1:1 — internal/agent's package-level
// composition root (runtime.go wiring a shared history/context/provider
// across specialized agent types) is the closest analogue; the append
// pipeline itself is newly composed from C1 (via internal/transcript's
// embedded sanitize call), C3 (internal/transcript), C4 (internal/pairing,
// via internal/ctxgov.Compact), and C5 (internal/ctxgov).
package agentcore

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/mathmodelagent/internal/ctxgov"
	"github.com/haasonsaas/mathmodelagent/internal/llmclient"
	"github.com/haasonsaas/mathmodelagent/internal/transcript"
	"github.com/haasonsaas/mathmodelagent/pkg/models"
)

// Defaults for the turn/memory bounds every agent carries, per spec.md 4.7
// and the B2 boundary test (compaction fires at memory_limit+1, not at
// memory_limit exactly).
const (
	DefaultTurnLimit   = 30
	DefaultMemoryLimit = 40
)

// Agent is the C7 Agent Base. Concrete agents (internal/strictagent,
// internal/coderagent, internal/writeragent) embed it and override Run for
// their own turn protocol; the Append pipeline is never overridden.
type Agent struct {
	TaskID string
	Model  string
	Name   string

	Client     *llmclient.Client
	Summarizer ctxgov.Summarizer
	Log        *slog.Logger

	History []models.Message

	TurnCounter int
	TurnLimit   int
	MemoryLimit int

	initialized bool
}

// New constructs an Agent with the default turn/memory bounds. Callers may
// adjust TurnLimit/MemoryLimit on the returned value before first use.
func New(taskID, model, name string, client *llmclient.Client, summarizer ctxgov.Summarizer, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	return &Agent{
		TaskID:      taskID,
		Model:       model,
		Name:        name,
		Client:      client,
		Summarizer:  summarizer,
		Log:         log,
		TurnLimit:   DefaultTurnLimit,
		MemoryLimit: DefaultMemoryLimit,
	}
}

// Append runs the C7 append pipeline (spec.md 4.7): C3 normalize (which
// internally applies C1 sanitize to content and normalizes tool_calls) and
// merges adjacent plain-text user turns (I6), appends to history, enforces
// first-after-system=user (I1), then — for a non-tool message — checks the
// token budget and compacts if the soft limit is exceeded, or — for a tool
// message — checks the message-count bound instead.
func (a *Agent) Append(ctx context.Context, candidate any) {
	before := len(a.History)
	a.History = transcript.Append(a.History, candidate)
	merged := len(a.History) == before // I6 merge occurred, no new entry

	a.History = ctxgov.EnforceFirstNonSystemIsUser(a.History)

	var role models.Role
	if merged {
		role = models.RoleUser
	} else {
		role = a.History[len(a.History)-1].Role
	}

	if role != models.RoleTool {
		if ctxgov.TotalTokens(a.History, a.Model, ctxgov.DefaultTokenCounter) > ctxgov.SoftLimit {
			a.compact(ctx)
		}
		return
	}
	if len(a.History) > a.MemoryLimit {
		a.compact(ctx)
	}
}

func (a *Agent) compact(ctx context.Context) {
	a.History = ctxgov.Compact(ctx, a.History, a.Model, ctxgov.DefaultTokenCounter, a.Summarizer, a.Log)
}

// Run implements the default single-turn protocol (spec.md 4.7): on first
// call inject the system prompt, append the user prompt, call C6, append
// the assistant response, and return its content. Coder/Writer override
// this with their own tool loop / image-validation loop instead of calling
// Run.
func (a *Agent) Run(ctx context.Context, prompt, systemPrompt, subTitle string) (string, error) {
	if !a.initialized {
		if systemPrompt != "" {
			a.Append(ctx, models.Message{Role: models.RoleSystem, Content: systemPrompt})
		}
		a.initialized = true
	}
	a.Append(ctx, models.Message{Role: models.RoleUser, Content: prompt})
	a.TurnCounter++

	resp, err := a.Client.Chat(ctx, llmclient.ChatCall{
		History:   a.History,
		AgentName: a.Name,
		SubTitle:  subTitle,
		Publish:   true,
	})
	if err != nil {
		return "", err
	}

	a.Append(ctx, resp.Message)
	return resp.Message.Content, nil
}

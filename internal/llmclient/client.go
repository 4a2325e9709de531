// Package llmclient implements the LLM Client (C6): request assembly, the
// pre-flight invariant-enforcement pipeline, retry with backoff, and
// response publishing.
//
// Grounded on internal/agent/providers/openai.go's OpenAIProvider.Complete
// control flow (convert → send → convert back), internal/agent/providers/errors.go's
// FailureClass taxonomy, and internal/retry's Do/Permanent retry idiom —
// adapted from the teacher's multi-provider-failover design to the single
// fixed-backend, invariant-auditing pipeline spec.md section 4.6 requires.
package llmclient

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/mathmodelagent/internal/ctxgov"
	"github.com/haasonsaas/mathmodelagent/internal/jsonfix"
	"github.com/haasonsaas/mathmodelagent/internal/pairing"
	"github.com/haasonsaas/mathmodelagent/internal/retry"
	"github.com/haasonsaas/mathmodelagent/pkg/models"
)

// CallKind distinguishes primary agent turns (8 retry attempts) from
// auxiliary calls — JSON-rebuild, summarization — which get a tighter
// 3-attempt budget per spec.md section 4.6.
type CallKind int

const (
	KindPrimary CallKind = iota
	KindAuxiliary
)

// Publisher is the pub/sub transport seam (spec.md section 6, "To the
// pub/sub transport"). Declared locally so llmclient never imports
// internal/transport. The CLI wires an adapter over transport.NewStub();
// tests use a stub or nil (publish becomes a no-op).
type Publisher interface {
	Publish(ctx context.Context, agentName string, payload map[string]any) error
}

// ChatCall is the single public Chat operation's argument bundle.
type ChatCall struct {
	History    []models.Message
	Tools      []ToolSchema
	ToolChoice string
	AgentName  string
	SubTitle   string
	Publish    bool // zero value (false) disables publishing; callers set true to publish
	TopP       float64
	Kind       CallKind
	StrictJSON bool // Coordinator/Modeler: publish path parses via jsonfix in strict mode
}

// Response is Chat's return value: the assistant message plus, for
// StrictJSON calls, the stage tag from the publish-time parse attempt.
type Response struct {
	Message   models.Message
	ParsedObj map[string]any
	Stage     string
}

// Client is the C6 LLM Client.
type Client struct {
	backend          Backend
	model            string
	supportsToolRole bool
	publisher        Publisher
	log              *slog.Logger

	primaryRetry   retry.Config
	auxiliaryRetry retry.Config

	tokenCounter ctxgov.TokenCounter
}

// NewClient constructs a Client. publisher and log may be nil (publish
// becomes a no-op; logging falls back to slog.Default()).
func NewClient(backend Backend, model string, supportsToolRole bool, publisher Publisher, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		backend:          backend,
		model:            model,
		supportsToolRole: supportsToolRole,
		publisher:        publisher,
		log:              log,
		primaryRetry:     retryConfig(8),
		auxiliaryRetry:   retryConfig(3),
		tokenCounter:     ctxgov.DefaultTokenCounter,
	}
}

// retryConfig builds a retry.Config approximating spec.md's backoff
// formula 0.8*2^attempt + jitter: an 800ms initial delay doubling each
// attempt, jittered, up to maxAttempts.
func retryConfig(maxAttempts int) retry.Config {
	return retry.Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: 800 * time.Millisecond,
		MaxDelay:     60 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Chat runs the full pre-flight pipeline, sends the request with retry,
// and (if call.Publish) routes the response to the publisher.
func (c *Client) Chat(ctx context.Context, call ChatCall) (Response, error) {
	history, err := c.preflight(call.History, len(call.Tools) > 0)
	if err != nil {
		return Response{}, fmt.Errorf("llmclient: preflight audit failed: %w", err)
	}

	req := BackendRequest{
		Model:      c.model,
		History:    history,
		Tools:      call.Tools,
		ToolChoice: call.ToolChoice,
		TopP:       call.TopP,
	}

	msg, err := c.sendWithRetry(ctx, req, call.Kind)
	if err != nil {
		return Response{}, err
	}

	resp := Response{Message: msg}

	if call.Publish && !msg.IsToolCallOnly() {
		c.publishResponse(ctx, call, &resp)
	}

	return resp, nil
}

// preflight runs the ordered C4/C5 pipeline described in spec.md 4.6
// steps 1-6, returning a sendable history or an audit error.
func (c *Client) preflight(history []models.Message, hasTools bool) ([]models.Message, error) {
	h := pairing.Repair(history)
	h = ctxgov.Enforce(h, c.model, c.tokenCounter)
	h = ctxgov.EnforceFirstNonSystemIsUser(h)
	h = sanitizeForWire(h)

	if !c.supportsToolRole || !hasTools {
		h = flattenToolHistory(h)
	}

	if err := auditInvariants(h); err != nil {
		c.log.Warn("llmclient: audit failed, attempting flatten-and-retry", "error", err)
		h = flattenToolHistory(h)
		h = sanitizeForWire(h)
		if err2 := auditInvariants(h); err2 != nil {
			return nil, fmt.Errorf("after flatten retry: %w (original: %v)", err2, err)
		}
	}
	return h, nil
}

// sendWithRetry wraps backend.Complete in the retry policy: transient
// classes (RateLimit/Timeout/Connection/ServerError/JSONDecode) retry
// with exponential backoff; BadRequest/Auth/NotFound fail fast;
// cancellation propagates immediately.
func (c *Client) sendWithRetry(ctx context.Context, req BackendRequest, kind CallKind) (models.Message, error) {
	cfg := c.primaryRetry
	if kind == KindAuxiliary {
		cfg = c.auxiliaryRetry
	}

	var received models.Message
	result := retry.Do(ctx, cfg, func() error {
		msg, err := c.backend.Complete(ctx, req)
		if err != nil {
			class := ClassifyError(err)
			if class == ClassCancelled || !class.Retryable() {
				return retry.Permanent(err)
			}
			return err
		}
		received = msg
		return nil
	})

	if result.Err != nil {
		return models.Message{}, fmt.Errorf("llmclient: backend call failed after %d attempt(s): %w", result.Attempts, result.Err)
	}
	return received, nil
}

func (c *Client) publishResponse(ctx context.Context, call ChatCall, resp *Response) {
	payload := map[string]any{
		"id":        call.AgentName,
		"msg_type":  "agent",
		"sub_title": call.SubTitle,
	}

	if call.StrictJSON {
		obj, stage, err := jsonfix.FixAndParse(ctx, resp.Message.Content, nil, c.log)
		resp.Stage = stage
		if err != nil {
			payload["msg_type"] = "error"
			payload["content"] = map[string]any{"error": err.Error()}
			c.dispatch(ctx, call.AgentName, payload)
			return
		}
		resp.ParsedObj = obj
		payload["content"] = obj
		c.dispatch(ctx, call.AgentName, payload)
		return
	}

	payload["content"] = resp.Message.Content
	c.dispatch(ctx, call.AgentName, payload)
}

func (c *Client) dispatch(ctx context.Context, agentName string, payload map[string]any) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, agentName, payload); err != nil {
		c.log.Warn("llmclient: publish failed", "agent", agentName, "error", err)
	}
}

// RebuildJSON implements jsonfix.Rebuilder: a single constrained
// auxiliary completion asking the model to emit one valid JSON object.
func (c *Client) RebuildJSON(ctx context.Context, systemPrompt, malformed string) (string, error) {
	history := []models.Message{
		{Role: models.RoleSystem, Content: systemPrompt},
		{Role: models.RoleUser, Content: malformed},
	}
	resp, err := c.Chat(ctx, ChatCall{History: history, AgentName: "json_fixer", Publish: false, Kind: KindAuxiliary})
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// Summarize implements ctxgov.Summarizer: a single constrained auxiliary
// completion issuing the compaction summary request.
func (c *Client) Summarize(ctx context.Context, systemPrompt, userContent string) (string, error) {
	history := []models.Message{
		{Role: models.RoleSystem, Content: systemPrompt},
		{Role: models.RoleUser, Content: userContent},
	}
	resp, err := c.Chat(ctx, ChatCall{History: history, AgentName: "summarizer", Publish: false, Kind: KindAuxiliary})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

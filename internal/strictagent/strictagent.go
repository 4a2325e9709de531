// Package strictagent implements the Coordinator and Modeler Agents (C10):
// single-shot, tool-free turns that run their response through the strict
// JSON Fixer path and fail fast on anything that isn't a JSON object.
//
// Grounded directly on original_source's coordinator_agent.go and
// modeler_agent.go (Python) — both agents share the exact same
// inject-system-once / append-user / call-C6-without-tools /
// light-clean / strict-parse-or-raise shape; this package expresses that
// shared shape once (runStrict) and layers each agent's own
// post-processing (ques_count inference for Coordinator, publish for
// Modeler) on top.
package strictagent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	invopopjsonschema "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/mathmodelagent/internal/agentcore"
	"github.com/haasonsaas/mathmodelagent/internal/jsonfix"
	"github.com/haasonsaas/mathmodelagent/internal/llmclient"
	"github.com/haasonsaas/mathmodelagent/internal/sanitize"
	"github.com/haasonsaas/mathmodelagent/pkg/models"
)

var quesKeyRE = regexp.MustCompile(`^ques(\d+)$`)

// coordinatorShape and modelerShape are reflected into JSON Schema below
// to give each strict agent's dynamic-keyed response object a minimum
// published shape: the Coordinator always carries title/background
// alongside its quesN/ques_count keys; the Modeler's object is entirely
// dynamic (one entry per subtask), so its schema only asserts "object".
// Both allow additional properties since neither output is a fixed struct.
type coordinatorShape struct {
	Title      string `json:"title" jsonschema:"required,description=The problem's title."`
	Background string `json:"background" jsonschema:"required,description=A summary of the problem's background."`
}

type modelerShape struct{}

var (
	coordinatorSchemaOnce sync.Once
	coordinatorSchema     *jsonschema.Schema
	coordinatorSchemaErr  error

	modelerSchemaOnce sync.Once
	modelerSchema     *jsonschema.Schema
	modelerSchemaErr  error
)

func reflectOpenObjectSchema(v any) (*jsonschema.Schema, error) {
	r := &invopopjsonschema.Reflector{ExpandedStruct: true, AllowAdditionalProperties: true}
	b, err := json.Marshal(r.Reflect(v))
	if err != nil {
		return nil, fmt.Errorf("marshaling reflected schema: %w", err)
	}
	return jsonschema.CompileString(fmt.Sprintf("%T", v), string(b))
}

func compiledCoordinatorSchema() (*jsonschema.Schema, error) {
	coordinatorSchemaOnce.Do(func() {
		coordinatorSchema, coordinatorSchemaErr = reflectOpenObjectSchema(&coordinatorShape{})
	})
	return coordinatorSchema, coordinatorSchemaErr
}

func compiledModelerSchema() (*jsonschema.Schema, error) {
	modelerSchemaOnce.Do(func() {
		modelerSchema, modelerSchemaErr = reflectOpenObjectSchema(&modelerShape{})
	})
	return modelerSchema, modelerSchemaErr
}

// runStrict is the shared single-shot protocol: inject system once,
// append userContent as a user turn, call C6 with no tools, light-clean
// the response, and parse it in strict mode (no LLM rebuild — a null
// result is always a fatal error for both Coordinator and Modeler).
func runStrict(ctx context.Context, base *agentcore.Agent, initialized *bool, systemPrompt, userContent, subTitle string) (map[string]any, error) {
	if !*initialized {
		base.Append(ctx, models.Message{Role: models.RoleSystem, Content: systemPrompt})
		*initialized = true
	}
	base.TurnCounter++
	base.Append(ctx, models.Message{Role: models.RoleUser, Content: userContent})

	resp, err := base.Client.Chat(ctx, llmclient.ChatCall{
		History:   base.History,
		AgentName: base.Name,
		SubTitle:  subTitle,
		Publish:   false,
	})
	if err != nil {
		return nil, fmt.Errorf("strictagent: llm call failed: %w", err)
	}
	base.Append(ctx, resp.Message)

	content := resp.Message.Content
	content = sanitize.CleanControlChars(content, true)
	content = sanitize.StripFencesOuterOrAll(content)

	obj, _, err := jsonfix.FixAndParse(ctx, content, nil, base.Log)
	if err != nil || obj == nil {
		return nil, fmt.Errorf("strictagent: response is not strict JSON: please output only a single JSON object, no prose or fences: %w", err)
	}
	return obj, nil
}

// Coordinator is the C10 Coordinator Agent.
type Coordinator struct {
	*agentcore.Agent

	SystemPrompt string
	initialized  bool
}

func NewCoordinator(base *agentcore.Agent, systemPrompt string) *Coordinator {
	return &Coordinator{Agent: base, SystemPrompt: systemPrompt}
}

// CoordinatorResult is the structured hand-off to the Modeler.
type CoordinatorResult struct {
	Questions map[string]any
	QuesCount int
}

// Run turns the raw problem text into a structured questions object,
// inferring QuesCount from enumerated quesN keys when the model omits it.
func (c *Coordinator) Run(ctx context.Context, quesAll string) (CoordinatorResult, error) {
	obj, err := runStrict(ctx, c.Agent, &c.initialized, c.SystemPrompt, quesAll, "")
	if err != nil {
		return CoordinatorResult{}, err
	}

	schema, err := compiledCoordinatorSchema()
	if err != nil {
		return CoordinatorResult{}, fmt.Errorf("strictagent: compiling coordinator schema: %w", err)
	}
	if err := schema.Validate(obj); err != nil {
		return CoordinatorResult{}, fmt.Errorf("strictagent: coordinator response failed schema validation: %w", err)
	}

	quesCount, ok := asInt(obj["ques_count"])
	if !ok {
		max := 0
		found := false
		for k := range obj {
			m := quesKeyRE.FindStringSubmatch(k)
			if m == nil {
				continue
			}
			n, convErr := strconv.Atoi(m[1])
			if convErr != nil {
				continue
			}
			found = true
			if n > max {
				max = n
			}
		}
		if !found {
			return CoordinatorResult{}, fmt.Errorf("strictagent: coordinator response has no ques_count and no quesN keys")
		}
		quesCount = max
		obj["ques_count"] = quesCount
	}

	return CoordinatorResult{Questions: obj, QuesCount: quesCount}, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// Modeler is the C10 Modeler Agent.
type Modeler struct {
	*agentcore.Agent

	SystemPrompt string
	Publisher    llmclient.Publisher
	initialized  bool
}

func NewModeler(base *agentcore.Agent, systemPrompt string, publisher llmclient.Publisher) *Modeler {
	return &Modeler{Agent: base, SystemPrompt: systemPrompt, Publisher: publisher}
}

// Run turns the Coordinator's questions object into a per-subtask
// modeling-strategy object, publishing it as a structured panel message.
func (m *Modeler) Run(ctx context.Context, questions map[string]any) (map[string]any, error) {
	userContentBytes, err := json.Marshal(questions)
	if err != nil {
		return nil, fmt.Errorf("strictagent: encoding coordinator questions: %w", err)
	}

	obj, err := runStrict(ctx, m.Agent, &m.initialized, m.SystemPrompt, string(userContentBytes), "modeling manual")
	if err != nil {
		return nil, err
	}

	schema, err := compiledModelerSchema()
	if err != nil {
		return nil, fmt.Errorf("strictagent: compiling modeler schema: %w", err)
	}
	if err := schema.Validate(obj); err != nil {
		return nil, fmt.Errorf("strictagent: modeler response failed schema validation: %w", err)
	}

	if m.Publisher != nil {
		contentBytes, encErr := json.Marshal(obj)
		if encErr == nil {
			content := string(contentBytes)
			_ = m.Publisher.Publish(ctx, m.Name, map[string]any{
				"id":        m.Name,
				"msg_type":  "agent",
				"agent_type": "ModelerAgent",
				"content":   content,
				"sub_title": "modeling manual",
			})
		}
	}

	return obj, nil
}

// Package coderagent implements the Coder Agent (C8): a retry-bounded
// control loop that drives the model through forced tool calls to the
// code interpreter, recovering malformed tool arguments through a
// four-strategy fallback chain and guarding execution behind a
// Python-likeness heuristic.
//
// Grounded directly on original_source's coder_agent.py (the
// LIGHT_CLEANING/FORCE_TOOL_ON_FIRST_TRY globals, the
// _dig/_safe_get_code_from_any extraction chain, and the _looks_like_python
// guard) — the hardest single component to port, since no teacher Go file
// implements an LLM tool-call loop with this shape. The context-bounded
// interpreter call (no timeout of its own) adapts internal/agent/tool_exec.go (pre-transform)'s
// executeWithTimeout goroutine+channel+select pattern; the optional
// transient-failure retry around the interpreter call (distinct from the
// reflection-counted retry budget) uses internal/backoff's generic
// RetryWithBackoff, the one teacher retry package C6 did not need.
package coderagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	invopopjsonschema "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/mathmodelagent/internal/agentcore"
	"github.com/haasonsaas/mathmodelagent/internal/backoff"
	"github.com/haasonsaas/mathmodelagent/internal/interpreter"
	"github.com/haasonsaas/mathmodelagent/internal/jsonfix"
	"github.com/haasonsaas/mathmodelagent/internal/llmclient"
	"github.com/haasonsaas/mathmodelagent/internal/sanitize"
	"github.com/haasonsaas/mathmodelagent/pkg/models"
)

// Global behavior switches, carried over from the original agent's
// module-level constants (LIGHT_CLEANING / FORCE_TOOL_ON_FIRST_TRY), plus
// the interpreter-call attempt bound, rather than made instance state, since no
// deployment has ever needed to vary them per task.
const (
	lightCleaning        = true
	forceToolOnFirstTry  = true
	interpreterCallTries = 2
)

const toolNameExecuteCode = "execute_code"

// executeCodeArgs is the execute_code tool's parameter shape, reflected
// into a JSON Schema below rather than hand-written, and reused to
// validate every tool call's arguments before dispatch.
type executeCodeArgs struct {
	Code string `json:"code" jsonschema:"required,minLength=1,description=The Python code text to execute against the section's persistent kernel."`
}

// executeCodeParameters is the execute_code tool's JSON Schema, generated
// by reflecting over executeCodeArgs instead of hand-writing the schema
// literal, so the tool's published schema and its validation schema below
// can never drift apart.
var executeCodeParameters = mustReflectSchema(&executeCodeArgs{})

func mustReflectSchema(v any) json.RawMessage {
	r := &invopopjsonschema.Reflector{ExpandedStruct: true}
	b, err := json.Marshal(r.Reflect(v))
	if err != nil {
		panic(fmt.Sprintf("coderagent: reflecting JSON schema: %v", err))
	}
	return b
}

var (
	executeCodeSchemaOnce sync.Once
	executeCodeSchema     *jsonschema.Schema
	executeCodeSchemaErr  error
)

// compiledExecuteCodeSchema compiles executeCodeParameters once via
// santhosh-tekuri/jsonschema, mirroring the teacher's compile-once
// registry pattern for validating wire payloads against a published
// schema (internal/gateway/ws_schema.go's initWSSchemas).
func compiledExecuteCodeSchema() (*jsonschema.Schema, error) {
	executeCodeSchemaOnce.Do(func() {
		executeCodeSchema, executeCodeSchemaErr = jsonschema.CompileString("execute_code_params", string(executeCodeParameters))
	})
	return executeCodeSchema, executeCodeSchemaErr
}

// validateExecuteCodeArgs checks the extracted, cleaned code against the
// published execute_code schema before it's handed to the interpreter —
// the one required field must be present, which mainly guards against an
// extraction strategy producing a non-string or empty value that slipped
// past the earlier empty-code check.
func validateExecuteCodeArgs(code string) error {
	schema, err := compiledExecuteCodeSchema()
	if err != nil {
		return fmt.Errorf("compiling execute_code schema: %w", err)
	}
	return schema.Validate(map[string]any{"code": code})
}

var executeCodeTool = llmclient.ToolSchema{
	Name: toolNameExecuteCode,
	Description: "Executes Python code against a Jupyter-style kernel and returns the terminal " +
		"output. If the code produces an image, the output text will mention it; plots and images " +
		"are saved to the working directory rather than returned inline. The kernel persists " +
		"variables across calls within a section.",
	Parameters: executeCodeParameters,
}

// pyHintRE matches common Python keywords/API calls used by the
// Python-likeness heuristic's primary signal.
var pyHintRE = regexp.MustCompile(`(?i)\b(import|from|def|class|for|while|if|elif|else|try|except|with|return|print|raise)\b|\b(plt\.|np\.|pd\.|fit\(|read_csv\(|range\(|open\()`)

// codeFieldRE is the last-resort regex extraction of a "code" field from
// malformed JSON-ish text.
var codeFieldRE = regexp.MustCompile(`(?s)"code"\s*:\s*"(?P<code>.*?)"`)

// Result is C8's output: the final assistant text plus the section's
// newly created figures.
type Result struct {
	CoderResponse string
	CreatedImages []string
}

// Agent is the C8 Coder Agent.
type Agent struct {
	*agentcore.Agent

	WorkDir      string
	Interp       interpreter.Interpreter
	Publisher    llmclient.Publisher
	MaxRetries   int
	SystemPrompt string

	initialized bool
}

// New constructs a Coder Agent over base. MaxRetries defaults to 3 if left
// at zero.
func New(base *agentcore.Agent, workDir string, interp interpreter.Interpreter, publisher llmclient.Publisher, systemPrompt string, maxRetries int) *Agent {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Agent{
		Agent:        base,
		WorkDir:      workDir,
		Interp:       interp,
		Publisher:    publisher,
		MaxRetries:   maxRetries,
		SystemPrompt: systemPrompt,
	}
}

// Run drives one subtask's turn protocol (spec.md 4.8) to completion,
// returning the final coder_response text and the subtask's new figures.
func (a *Agent) Run(ctx context.Context, prompt, subtaskTitle string, datasetFilesInfo string) (Result, error) {
	if err := a.Interp.AddSection(subtaskTitle); err != nil {
		return Result{}, fmt.Errorf("coderagent: add section %q: %w", subtaskTitle, err)
	}
	before, _ := a.Interp.CreatedImages(subtaskTitle)
	highWater := toSet(before)

	if !a.initialized {
		a.Append(ctx, models.Message{Role: models.RoleSystem, Content: a.SystemPrompt})
		merged := fmt.Sprintf("%s\n\n%s:\n%s", datasetFilesInfo, subtaskTitle, prompt)
		a.Append(ctx, models.Message{Role: models.RoleUser, Content: merged})
		a.initialized = true
	} else {
		a.Append(ctx, models.Message{Role: models.RoleUser, Content: prompt})
	}

	if a.TurnCounter >= a.TurnLimit {
		return Result{}, fmt.Errorf("coderagent: reached maximum chat turns (%d) before starting %q", a.TurnLimit, subtaskTitle)
	}

	retryCount := 0
	executedSuccessfully := false
	lastError := ""
	var lastAssistantContent string

	for retryCount < a.MaxRetries && a.TurnCounter < a.TurnLimit {
		a.TurnCounter++

		toolChoice := "auto"
		if forceToolOnFirstTry && !executedSuccessfully {
			toolChoice = toolNameExecuteCode
		}

		resp, err := a.Client.Chat(ctx, llmclient.ChatCall{
			History:    a.History,
			Tools:      []llmclient.ToolSchema{executeCodeTool},
			ToolChoice: toolChoice,
			AgentName:  a.Name,
			SubTitle:   subtaskTitle,
			Publish:    false,
		})
		if err != nil {
			return Result{}, fmt.Errorf("coderagent: llm call failed: %w", err)
		}
		msg := resp.Message
		assistantContent := lightClean(msg.Content)

		if msg.HasToolCalls() {
			a.Append(ctx, models.Message{Role: models.RoleAssistant, Content: assistantContent, ToolCalls: msg.ToolCalls})

			tc, found := firstExecuteCodeCall(msg.ToolCalls)
			if !found {
				first := msg.ToolCalls[0]
				a.Append(ctx, models.Message{
					Role: models.RoleTool, ToolCallID: first.ID, Name: first.Function.Name,
					Content: "no execute_code call found among the requested tool calls; not executed.",
				})
				retryCount++
				continue
			}

			code, _ := extractCode(ctx, tc.Function.Arguments, assistantContent)
			if strings.TrimSpace(code) == "" {
				a.Append(ctx, models.Message{
					Role: models.RoleTool, ToolCallID: tc.ID, Name: toolNameExecuteCode,
					Content: `argument validation failed: "code" is missing or empty. ` +
						`Call execute_code again with strict JSON: {"code": "<python only, no markdown/JSON/prose>"}`,
				})
				a.Append(ctx, models.Message{Role: models.RoleUser, Content: "Please call execute_code again with strict JSON: {\"code\": \"<python>\"} only."})
				retryCount++
				lastError = "empty_code"
				continue
			}

			if !looksLikePython(code) {
				a.Append(ctx, models.Message{
					Role: models.RoleTool, ToolCallID: tc.ID, Name: toolNameExecuteCode,
					Content: "no executable Python code detected (looks like JSON/Markdown/prose); skipped execution.",
				})
				a.Append(ctx, models.Message{Role: models.RoleUser, Content: `Return only directly-runnable Python code, no markdown/JSON/prose. Example call: {"code": "print('ok')"}`})
				retryCount++
				lastError = "non_python_code_rejected"
				continue
			}

			clean := lightCleanCode(code)
			if err := validateExecuteCodeArgs(clean); err != nil {
				a.Append(ctx, models.Message{
					Role: models.RoleTool, ToolCallID: tc.ID, Name: toolNameExecuteCode,
					Content: fmt.Sprintf("argument validation failed: %v. Call execute_code again with strict JSON: {\"code\": \"<python only>\"}", err),
				})
				retryCount++
				lastError = "schema_validation_failed"
				continue
			}
			a.notify(ctx, subtaskTitle, fmt.Sprintf("about to execute code for %s", subtaskTitle))

			result, execErr := a.execute(ctx, clean)
			if execErr != nil {
				a.Append(ctx, models.Message{Role: models.RoleTool, ToolCallID: tc.ID, Name: toolNameExecuteCode, Content: execErr.Error()})
				retryCount++
				lastError = execErr.Error()
				a.Append(ctx, models.Message{Role: models.RoleUser, Content: reflectionPrompt(execErr.Error(), clean)})
				continue
			}

			if result.ErrorOccurred {
				msgText := result.ErrorMessage
				if msgText == "" {
					msgText = "(execution error)"
				}
				a.Append(ctx, models.Message{Role: models.RoleTool, ToolCallID: tc.ID, Name: toolNameExecuteCode, Content: msgText})
				retryCount++
				lastError = msgText
				a.notify(ctx, subtaskTitle, "reflecting on execution error")
				a.Append(ctx, models.Message{Role: models.RoleUser, Content: reflectionPrompt(msgText, clean)})
				continue
			}

			text := result.Text
			if strings.TrimSpace(text) == "" {
				text = "(tool returned no text or output)"
			}
			a.Append(ctx, models.Message{Role: models.RoleTool, ToolCallID: tc.ID, Name: toolNameExecuteCode, Content: text})
			executedSuccessfully = true
			continue
		}

		// No tool_calls.
		a.Append(ctx, models.Message{Role: models.RoleAssistant, Content: assistantContent})
		lastAssistantContent = assistantContent

		if !executedSuccessfully {
			if bypass := extractFromContent(assistantContent); bypass != "" && looksLikePython(bypass) {
				clean := lightCleanCode(bypass)
				if err := validateExecuteCodeArgs(clean); err != nil {
					a.Append(ctx, models.Message{Role: models.RoleAssistant, Content: "[execution skipped] argument validation failed: " + err.Error()})
					retryCount++
					lastError = "schema_validation_failed"
					continue
				}
				a.notify(ctx, subtaskTitle, "recovering code from assistant content without a tool call")

				result, execErr := a.execute(ctx, clean)
				if execErr != nil {
					a.Append(ctx, models.Message{Role: models.RoleAssistant, Content: "[execution failed] " + execErr.Error()})
					retryCount++
					lastError = execErr.Error()
					a.Append(ctx, models.Message{Role: models.RoleUser, Content: reflectionPrompt(execErr.Error(), clean)})
					continue
				}
				if result.ErrorOccurred {
					msgText := result.ErrorMessage
					if msgText == "" {
						msgText = "(execution error)"
					}
					a.Append(ctx, models.Message{Role: models.RoleAssistant, Content: "[execution failed] " + msgText})
					retryCount++
					lastError = msgText
					a.Append(ctx, models.Message{Role: models.RoleUser, Content: reflectionPrompt(msgText, clean)})
					continue
				}
				text := result.Text
				if strings.TrimSpace(text) == "" {
					text = "(tool returned no text)"
				}
				a.Append(ctx, models.Message{Role: models.RoleAssistant, Content: text})
				executedSuccessfully = true
				continue
			}

			a.Append(ctx, models.Message{
				Role: models.RoleUser,
				Content: "You have only described a plan so far without executing any code. Call execute_code now " +
					"with the Python code needed for " + subtaskTitle + " — do not summarize as complete until you have run it.",
			})
			retryCount++
			if retryCount >= a.MaxRetries {
				return Result{}, fmt.Errorf("coderagent: model refused to execute code after %d attempts", a.MaxRetries)
			}
			continue
		}

		after, _ := a.Interp.CreatedImages(subtaskTitle)
		return Result{CoderResponse: assistantContent, CreatedImages: diff(after, highWater)}, nil
	}

	if retryCount >= a.MaxRetries {
		return Result{}, fmt.Errorf("coderagent: failed after %d attempts; last error: %s", a.MaxRetries, lastError)
	}
	return Result{}, fmt.Errorf("coderagent: reached maximum chat turns (%d); last assistant content: %q", a.TurnLimit, lastAssistantContent)
}

// execute runs the interpreter call in a goroutine and waits for its
// result or for ctx to be done (the teacher's executeWithTimeout
// goroutine+channel+select pattern); it applies no timeout of its own, so
// any deadline comes from ctx. A true Go error (sandbox communication failure, not a code-level
// execution error) gets one internal transient retry via backoff before it
// counts against the caller's reflection-retry budget.
func (a *Agent) execute(ctx context.Context, code string) (interpreter.Result, error) {
	run := func(attempt int) (interpreter.Result, error) {
		type outcome struct {
			result interpreter.Result
			err    error
		}
		ch := make(chan outcome, 1)
		go func() {
			r, err := a.Interp.Execute(ctx, code)
			select {
			case ch <- outcome{r, err}:
			default:
			}
		}()
		select {
		case o := <-ch:
			return o.result, o.err
		case <-ctx.Done():
			return interpreter.Result{}, ctx.Err()
		}
	}

	result, err := backoff.RetryFunc(ctx, interpreterCallTries, run)
	if err != nil && errors.Is(err, context.Canceled) {
		return interpreter.Result{}, err
	}
	return result, err
}

func (a *Agent) notify(ctx context.Context, subtaskTitle, content string) {
	if a.Publisher == nil {
		return
	}
	_ = a.Publisher.Publish(ctx, a.Name, map[string]any{
		"id":        a.Name,
		"msg_type":  "system",
		"sub_title": subtaskTitle,
		"content":   content,
	})
}

func reflectionPrompt(errMessage, code string) string {
	return "The code execution encountered an error:\n" + errMessage + "\n\n" +
		"Analyze the error, identify the cause, and provide a corrected version of the code. " +
		"Consider syntax errors, missing imports, incorrect variable names or types, and file path issues. " +
		"Don't ask the user anything about how to proceed — fix it yourself.\n\nPrevious code:\n" + code
}

func firstExecuteCodeCall(calls []models.ToolCall) (models.ToolCall, bool) {
	for _, tc := range calls {
		if tc.Function.Name == toolNameExecuteCode {
			return tc, true
		}
	}
	return models.ToolCall{}, false
}

// extractCode runs the four-strategy fallback chain over a tool call's
// arguments string, falling back to the assistant's plain content if
// arguments yield nothing. Returns the extracted code and which strategy
// succeeded ("" if none did).
func extractCode(ctx context.Context, argumentsJSON, fallbackContent string) (string, string) {
	if code, ok := extractCodeStrict(argumentsJSON); ok {
		return lightCleanCode(code), "strict"
	}
	if code, ok := extractCodeStructured(argumentsJSON); ok {
		return lightCleanCode(code), "structured"
	}
	if code, ok := extractCodeViaJSONFix(ctx, argumentsJSON); ok {
		return lightCleanCode(code), "jsonfix"
	}
	if code, ok := extractCodeViaRegex(argumentsJSON); ok {
		return lightCleanCode(code), "regex"
	}
	if fallbackContent != "" {
		if code := extractFromContent(fallbackContent); code != "" {
			return lightCleanCode(code), "content_fallback"
		}
	}
	return "", ""
}

// extractCodeStrict is strategy (a): strict json.Unmarshal of the
// arguments string into {"code": string}.
func extractCodeStrict(argumentsJSON string) (string, bool) {
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal([]byte(argumentsJSON), &payload); err != nil {
		return "", false
	}
	if payload.Code == "" {
		return "", false
	}
	return payload.Code, true
}

// extractCodeStructured is strategy (b): decode into a generic map and
// pull a non-empty string "code" value out directly. A missing, empty or
// non-string code value yields no match.
func extractCodeStructured(argumentsJSON string) (string, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(argumentsJSON), &obj); err != nil {
		return "", false
	}
	v, ok := obj["code"]
	if !ok {
		return "", false
	}
	if s, ok := v.(string); ok && s != "" {
		return s, true
	}
	return "", false
}

// extractCodeViaJSONFix is strategy (c): run the JSON fixer over the
// stringified arguments.
func extractCodeViaJSONFix(ctx context.Context, argumentsJSON string) (string, bool) {
	obj, _, err := jsonfix.FixAndParse(ctx, argumentsJSON, nil, nil)
	if err != nil {
		return "", false
	}
	if s, ok := obj["code"].(string); ok && s != "" {
		return s, true
	}
	return "", false
}

// extractCodeViaRegex is strategy (d): the last-resort "code" field
// regex, with unicode-escape decoding of the captured string.
func extractCodeViaRegex(argumentsJSON string) (string, bool) {
	m := codeFieldRE.FindStringSubmatch(argumentsJSON)
	if m == nil {
		return "", false
	}
	raw := m[1]
	if decoded, err := strconv.Unquote(`"` + raw + `"`); err == nil {
		return decoded, true
	}
	return raw, true
}

// extractFromContent recovers code from assistant plain-text content when
// no tool call (or no usable arguments) was present: try a JSON object
// embedded in the text, then the regex field extraction, then — if the
// text itself contains recognizable Python markers — treat the whole
// (fence-stripped) text as bare code.
func extractFromContent(content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	if obj, _, err := jsonfix.FixAndParse(context.Background(), content, nil, nil); err == nil {
		if s, ok := obj["code"].(string); ok && s != "" {
			return s
		}
	}
	if code, ok := extractCodeViaRegex(content); ok && code != "" {
		return code
	}
	stripped := sanitize.StripFencesOuterOrAll(content)
	if looksBareCode(stripped) {
		return stripped
	}
	return ""
}

func looksBareCode(s string) bool {
	markers := []string{"# %%", "import ", "from ", "plt.", "pd.read_", "np.", "def ", "class "}
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// looksLikePython implements the Python-likeness heuristic: strip fences,
// reject JSON/array-shaped text outright, and otherwise require either a
// keyword/API regex hit or a weak structural signal.
func looksLikePython(code string) bool {
	snippet := strings.TrimSpace(sanitize.StripFencesOuterOrAll(code))
	if snippet == "" {
		return false
	}
	if strings.HasPrefix(snippet, "{") || strings.HasPrefix(snippet, "[") {
		return false
	}
	if pyHintRE.MatchString(snippet) {
		return true
	}
	weakSignals := []string{":\n", ":\r", "=\n", "=\r", "():", ".plot(", ".read_csv("}
	for _, s := range weakSignals {
		if strings.Contains(snippet, s) {
			return true
		}
	}
	return false
}

func lightClean(s string) string {
	if !lightCleaning {
		return s
	}
	s = sanitize.CleanControlChars(s, true)
	s = sanitize.StripFencesOuterOrAll(s)
	return s
}

func lightCleanCode(code string) string {
	if !lightCleaning {
		return code
	}
	code = sanitize.StripFencesOuterOrAll(code)
	code = sanitize.CleanControlChars(code, true)
	return code
}

func toSet(paths []string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return set
}

func diff(after []string, before map[string]struct{}) []string {
	var out []string
	for _, p := range after {
		if _, ok := before[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

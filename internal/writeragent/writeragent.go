// Package writeragent implements the Writer Agent (C9): a single-pass
// text-generation turn over a constrained image vocabulary, followed by a
// bounded image-reference validation/correction loop.
//
// Grounded on original_source's writer_agent.go (Python) — the image-path
// regex, the invalid/duplicate validation split, and the correction-prompt
// wording are ported directly; the fix-loop bound is reduced from the
// source's 100 attempts to a small constant per spec.md 4.9's explicit
// redesign note ("the source uses 100 which is over-generous").
package writeragent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/haasonsaas/mathmodelagent/internal/agentcore"
	"github.com/haasonsaas/mathmodelagent/internal/llmclient"
	"github.com/haasonsaas/mathmodelagent/internal/scholar"
	"github.com/haasonsaas/mathmodelagent/pkg/models"
)

// MaxFixAttempts bounds the image-reference correction loop. spec.md 4.9
// suggests 5-10 in place of the source's 100; 10 gives the model room to
// converge without letting one subtask's writing dominate the turn budget.
const MaxFixAttempts = 10

var imageRefRE = regexp.MustCompile(`!\[.*?\]\((.*?)\)`)

// allowedPrefix reports whether p's directory prefix is one of the
// sanctioned figure locations: eda/figures/, quesN/figures/, or
// sensitivity_analysis/figures/.
var quesPrefixRE = regexp.MustCompile(`^ques\d+/figures/`)

func allowedPrefix(p string) bool {
	if strings.HasPrefix(p, "eda/figures/") || strings.HasPrefix(p, "sensitivity_analysis/figures/") {
		return true
	}
	return quesPrefixRE.MatchString(p)
}

// Result is C9's output.
type Result struct {
	Content string
}

// Agent is the C9 Writer Agent. No external tools are ever offered to the
// model (writer_tools stays empty by design — see functions.py's
// deliberately-empty registration, preserved here as "never pass Tools").
type Agent struct {
	*agentcore.Agent

	SystemPrompt    string
	AvailableImages []string
	// Scholar is an optional citation-enrichment hook: when set, Run
	// searches it for subTitle before writing and folds any results into
	// the prompt as a suggested-citations list. Nil disables the hook.
	Scholar     scholar.Lookup
	initialized bool
}

func New(base *agentcore.Agent, systemPrompt string) *Agent {
	return &Agent{Agent: base, SystemPrompt: systemPrompt}
}

// Run executes one writing turn for subTitle, constraining the model to
// availableImages (each referenceable at most once), then iterates the
// image-reference correction loop until validation passes or
// MaxFixAttempts is exhausted.
func (a *Agent) Run(ctx context.Context, prompt string, availableImages []string, subTitle string) (Result, error) {
	if !a.initialized {
		a.Append(ctx, models.Message{Role: models.RoleSystem, Content: a.SystemPrompt})
		a.initialized = true
	}

	a.AvailableImages = availableImages
	if len(availableImages) > 0 {
		prompt = prompt + "\n\nAvailable images (reference only these, each at most once):\n" +
			strings.Join(availableImages, "\n") +
			"\n\nUse each image's exact relative path (example: ![caption](ques2/figures/fig_model_performance.png)); do not reference the same image twice."
	}

	if a.Scholar != nil {
		if citations, err := a.Scholar.Search(ctx, subTitle); err == nil && len(citations) > 0 {
			prompt = prompt + "\n\n" + citationsBlock(citations)
		}
	}

	a.TurnCounter++
	a.Append(ctx, models.Message{Role: models.RoleUser, Content: prompt})

	content, err := a.chat(ctx, subTitle)
	if err != nil {
		return Result{}, err
	}

	for attempt := 0; attempt <= MaxFixAttempts; attempt++ {
		invalids, duplicates := a.validateImagePaths(extractImagePaths(content))
		if len(invalids) == 0 && len(duplicates) == 0 {
			return Result{Content: content}, nil
		}
		if attempt == MaxFixAttempts {
			break
		}

		correction := correctionPrompt(invalids, duplicates, availableImages)
		a.Append(ctx, models.Message{Role: models.RoleUser, Content: correction})
		content, err = a.chat(ctx, subTitle)
		if err != nil {
			return Result{}, err
		}
	}

	// Attempts exhausted: return the last response regardless, per
	// spec.md 4.9 ("Loop exits when validation passes or attempts
	// exhaust, returning the last response regardless").
	return Result{Content: content}, nil
}

func (a *Agent) chat(ctx context.Context, subTitle string) (string, error) {
	resp, err := a.Client.Chat(ctx, llmclient.ChatCall{
		History:   a.History,
		AgentName: a.Name,
		SubTitle:  subTitle,
		Publish:   true,
	})
	if err != nil {
		return "", fmt.Errorf("writeragent: llm call failed: %w", err)
	}
	a.Append(ctx, resp.Message)
	return resp.Message.Content, nil
}

// citationsBlock renders Scholar search results as a suggested-reading list
// the model may optionally draw on; it is never required reading.
func citationsBlock(citations []scholar.Citation) string {
	var b strings.Builder
	b.WriteString("Suggested literature (cite only if directly relevant; do not fabricate citations beyond this list):\n")
	for _, c := range citations {
		fmt.Fprintf(&b, "  - %s", c.Title)
		if len(c.Authors) > 0 {
			fmt.Fprintf(&b, " (%s", strings.Join(c.Authors, ", "))
			if c.Year != 0 {
				fmt.Fprintf(&b, ", %d", c.Year)
			}
			b.WriteString(")")
		} else if c.Year != 0 {
			fmt.Fprintf(&b, " (%d)", c.Year)
		}
		if c.URL != "" {
			fmt.Fprintf(&b, " — %s", c.URL)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func extractImagePaths(text string) []string {
	if text == "" {
		return nil
	}
	matches := imageRefRE.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if p := strings.TrimSpace(m[1]); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validateImagePaths splits paths into invalid (not in the available set,
// or with a disallowed prefix) and duplicate (referenced more than once).
func (a *Agent) validateImagePaths(paths []string) (invalids, duplicates []string) {
	if len(paths) == 0 {
		return nil, nil
	}

	counts := make(map[string]int, len(paths))
	for _, p := range paths {
		counts[p]++
	}

	allowed := make(map[string]struct{}, len(a.AvailableImages))
	for _, p := range a.AvailableImages {
		allowed[p] = struct{}{}
	}

	for p, c := range counts {
		if c > 1 {
			duplicates = append(duplicates, p)
		}
		if _, ok := allowed[p]; !ok {
			invalids = append(invalids, p)
			continue
		}
		if !allowedPrefix(p) {
			invalids = append(invalids, p)
		}
	}
	return invalids, duplicates
}

func correctionPrompt(invalids, duplicates, availableImages []string) string {
	var b strings.Builder
	b.WriteString("Image references were invalid. Correct the article's image references:\n")
	b.WriteString("1. Only use images from the following list (each at most once):\n")
	b.WriteString(strings.Join(availableImages, "\n"))
	b.WriteString("\n\n2. Replace any reference not in the list with a placeholder: ")
	b.WriteString("(placeholder: generate the figure under <allowed-prefix>/figures/<expected-name.png> then replace this reference).\n")
	b.WriteString("3. For duplicate references, keep the first occurrence and replace or remove later ones.\n")
	if len(invalids) > 0 {
		b.WriteString("\nInvalid references found:\n")
		for _, p := range invalids {
			fmt.Fprintf(&b, "  - %s\n", p)
		}
	}
	if len(duplicates) > 0 {
		b.WriteString("\nDuplicate references found:\n")
		for _, p := range duplicates {
			fmt.Fprintf(&b, "  - %s\n", p)
		}
	}
	b.WriteString("\nReturn only the corrected full article (plain text, no extra commentary).")
	return b.String()
}

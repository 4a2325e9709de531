// Package workflow implements the Workflow Sequencer (C11): the fixed,
// deterministic subtask pipeline driving Coordinator → Modeler →
// per-subtask Coder+Writer → persistence.
//
// Grounded directly on original_source's workflow.go (Python)'s
// MathModelWorkFlow.execute — the subtask ordering, the image
// scan/filter/rewrite/validate/dedup discipline, and the solution-vs-
// writing-only subtask split all port from there; the teacher's
// internal/multiagent/orchestrator.go dynamic-handoff architecture does
// not fit a fixed deterministic pipeline and was dropped, but its
// event-naming convention is kept for the system-notice envelopes
// published at each step.
package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/mathmodelagent/internal/coderagent"
	"github.com/haasonsaas/mathmodelagent/internal/interpreter"
	"github.com/haasonsaas/mathmodelagent/internal/report"
	"github.com/haasonsaas/mathmodelagent/internal/strictagent"
	"github.com/haasonsaas/mathmodelagent/internal/transport"
	"github.com/haasonsaas/mathmodelagent/internal/writeragent"
)

// solutionSubtasks is the fixed order every problem is solved in: EDA,
// then one entry per question, then the sensitivity analysis — each
// driven through both Coder and Writer.
func solutionSubtasks(quesCount int) []string {
	keys := make([]string, 0, quesCount+2)
	keys = append(keys, "eda")
	for i := 1; i <= quesCount; i++ {
		keys = append(keys, fmt.Sprintf("ques%d", i))
	}
	keys = append(keys, "sensitivity_analysis")
	return keys
}

// writingOnlySubtasks is the fixed order for the summary sections, each
// driven through Writer alone (no code execution).
var writingOnlySubtasks = []string{
	"firstPage", "RepeatQues", "analysisQues", "modelAssumption", "symbol", "judge",
}

// Deps bundles every collaborator Run needs. Agents are constructed by
// the caller (composition root) so Run stays free of model/backend
// wiring concerns.
type Deps struct {
	Coordinator *strictagent.Coordinator
	Modeler     *strictagent.Modeler
	Coder       *coderagent.Agent
	Writer      *writeragent.Agent

	Interp    interpreter.Interpreter
	Publisher transport.Publisher
	Assembler report.Assembler
	// Events, when set, receives one Event per coordinator/modeler/coder/
	// writer stage completion. Optional; nil disables emission.
	Events EventSink

	WorkDir string
	// CoderPrompt builds the Coder Agent's prompt for a solution subtask
	// from the modeling strategy object and the subtask key.
	CoderPrompt func(key string, modelerSolution map[string]any) string
	// WriterPrompt builds the Writer Agent's prompt for a solution subtask
	// from the Coder's response text.
	WriterPrompt func(key, coderResponse string) string
	// WritingOnlyPrompt builds the writer prompt for a writing-only
	// subtask directly from the original problem text and the sections
	// solved so far.
	WritingOnlyPrompt func(key string, quesAll string, sections map[string]string) string
}

// Result is the workflow's final output: the ordered section contents
// plus the assembled document bytes.
type Result struct {
	Sections   []report.Section
	Assembled  []byte
	UsedImages []string
}

var imageRefRE = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)

// Run drives the full pipeline for one problem statement (quesAll) from
// Coordinator through persistence.
func Run(ctx context.Context, deps Deps, quesAll string) (Result, error) {
	deps.notify(ctx, "parsing the problem statement")
	coordStart := time.Now()
	coordResult, err := deps.Coordinator.Run(ctx, quesAll)
	deps.emit("coordinator", "coordinator", coordStart, err)
	if err != nil {
		deps.notifyError(ctx, "coordinator failed", err)
		return Result{}, fmt.Errorf("workflow: coordinator: %w", err)
	}
	deps.notify(ctx, "problem statement parsed, handing off to the modeler")

	deps.notify(ctx, "modeler is building a solution strategy")
	modelerStart := time.Now()
	modelerSolution, err := deps.Modeler.Run(ctx, coordResult.Questions)
	deps.emit("modeler", "modeler", modelerStart, err)
	if err != nil {
		deps.notifyError(ctx, "modeler failed", err)
		return Result{}, fmt.Errorf("workflow: modeler: %w", err)
	}

	usedImages := make(map[string]struct{})
	sections := make(map[string]string)
	var ordered []report.Section

	for _, key := range solutionSubtasks(coordResult.QuesCount) {
		deps.notify(ctx, fmt.Sprintf("coder is solving %s", key))

		coderPrompt := deps.CoderPrompt(key, modelerSolution)
		coderStart := time.Now()
		coderResult, err := deps.Coder.Run(ctx, coderPrompt, key, "")
		deps.emit(key, "coder", coderStart, err)
		if err != nil {
			deps.notifyError(ctx, fmt.Sprintf("coder failed on %s", key), err)
			return Result{}, fmt.Errorf("workflow: subtask %s: coder: %w", key, err)
		}
		deps.notify(ctx, fmt.Sprintf("coder finished %s", key))

		allImages, err := deps.collectImages()
		if err != nil {
			return Result{}, fmt.Errorf("workflow: subtask %s: listing images: %w", key, err)
		}
		available := filterImagesForSection(key, allImages, usedImages)

		writerPrompt := deps.WriterPrompt(key, coderResult.CoderResponse)
		deps.notify(ctx, fmt.Sprintf("writer is drafting %s", key))
		writerStart := time.Now()
		writerResult, err := deps.Writer.Run(ctx, writerPrompt, available, key)
		deps.emit(key, "writer", writerStart, err)
		if err != nil {
			deps.notifyError(ctx, fmt.Sprintf("writer failed on %s", key), err)
			return Result{}, fmt.Errorf("workflow: subtask %s: writer: %w", key, err)
		}

		fixed := rewriteImagePathsByBasename(writerResult.Content, available)
		valid, invalid := validateMarkdownImageRefs(fixed, available)
		if len(invalid) > 0 {
			fixed = replaceInvalidRefsWithPlaceholder(fixed, invalid)
			deps.notify(ctx, fmt.Sprintf("writer %s referenced unavailable images: %v", key, invalid))
		}
		for _, p := range valid {
			usedImages[p] = struct{}{}
		}

		sections[key] = fixed
		ordered = append(ordered, report.Section{Key: key, Title: key, Content: fixed})
		deps.notify(ctx, fmt.Sprintf("writer finished %s", key))
	}

	for _, key := range writingOnlySubtasks {
		deps.notify(ctx, fmt.Sprintf("writer is drafting %s", key))

		allImages, err := deps.collectImages()
		if err != nil {
			return Result{}, fmt.Errorf("workflow: subtask %s: listing images: %w", key, err)
		}
		available := filterImagesForSection(key, allImages, usedImages)

		prompt := deps.WritingOnlyPrompt(key, quesAll, sections)
		writerStart := time.Now()
		writerResult, err := deps.Writer.Run(ctx, prompt, available, key)
		deps.emit(key, "writer", writerStart, err)
		if err != nil {
			deps.notifyError(ctx, fmt.Sprintf("writer failed on %s", key), err)
			return Result{}, fmt.Errorf("workflow: subtask %s: writer: %w", key, err)
		}

		fixed := rewriteImagePathsByBasename(writerResult.Content, available)
		valid, invalid := validateMarkdownImageRefs(fixed, available)
		if len(invalid) > 0 {
			fixed = replaceInvalidRefsWithPlaceholder(fixed, invalid)
			deps.notify(ctx, fmt.Sprintf("writer %s referenced unavailable images: %v", key, invalid))
		}
		for _, p := range valid {
			usedImages[p] = struct{}{}
		}

		sections[key] = fixed
		ordered = append(ordered, report.Section{Key: key, Title: key, Content: fixed})
	}

	if err := deps.Interp.Cleanup(); err != nil {
		deps.notify(ctx, fmt.Sprintf("sandbox cleanup warning: %v", err))
	}

	assembled, err := deps.Assembler.Assemble(ctx, ordered)
	if err != nil {
		return Result{}, fmt.Errorf("workflow: assembling final document: %w", err)
	}

	used := make([]string, 0, len(usedImages))
	for p := range usedImages {
		used = append(used, p)
	}
	sort.Strings(used)

	return Result{Sections: ordered, Assembled: assembled, UsedImages: used}, nil
}

func (d Deps) notify(ctx context.Context, content string) {
	if d.Publisher == nil {
		return
	}
	_ = d.Publisher.Publish(ctx, "workflow", transport.Envelope{Type: "system", Content: content})
}

func (d Deps) notifyError(ctx context.Context, content string, err error) {
	if d.Publisher == nil {
		return
	}
	_ = d.Publisher.Publish(ctx, "workflow", transport.Envelope{Type: "error", Content: fmt.Sprintf("%s: %v", content, err)})
}

// collectImages scans the work directory for every PNG under a figures/
// directory, returning paths relative to the work directory.
func (d Deps) collectImages() ([]string, error) {
	var out []string
	err := filepath.Walk(d.WorkDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		if strings.ToLower(filepath.Ext(path)) != ".png" {
			return nil
		}
		rel, relErr := filepath.Rel(d.WorkDir, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if !strings.Contains(rel, "/figures/") {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// filterImagesForSection applies spec.md 4.11's per-key prefix rule, then
// removes any path already in usedImages (global dedup across sections).
func filterImagesForSection(key string, allImages []string, usedImages map[string]struct{}) []string {
	var prefix string
	switch {
	case key == "eda":
		prefix = "eda/figures/"
	case strings.HasPrefix(key, "ques"):
		prefix = key + "/figures/"
	case key == "sensitivity_analysis":
		prefix = "sensitivity_analysis/figures/"
	default:
		return nil
	}

	var out []string
	for _, p := range allImages {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		if _, used := usedImages[p]; used {
			continue
		}
		out = append(out, p)
	}
	return out
}

// rewriteImagePathsByBasename replaces a bare-filename image reference
// (no path separators) with the matching available path, preferring the
// shortest match when several share a basename.
func rewriteImagePathsByBasename(mdText string, available []string) string {
	byBasename := make(map[string][]string)
	for _, p := range available {
		base := filepath.Base(p)
		byBasename[base] = append(byBasename[base], p)
	}

	return imageRefRE.ReplaceAllStringFunc(mdText, func(match string) string {
		sub := imageRefRE.FindStringSubmatch(match)
		alt, url := sub[1], strings.TrimSpace(sub[2])
		if strings.ContainsAny(url, "/\\") {
			return match
		}
		cands, ok := byBasename[url]
		if !ok || len(cands) == 0 {
			return match
		}
		best := cands[0]
		for _, c := range cands[1:] {
			if len(c) < len(best) {
				best = c
			}
		}
		return fmt.Sprintf("![%s](%s)", alt, best)
	})
}

// validateMarkdownImageRefs splits every markdown image reference in
// mdText into valid (present in available, order-deduplicated) and
// invalid (absent from available), preserving first-seen order.
func validateMarkdownImageRefs(mdText string, available []string) (valid, invalid []string) {
	availSet := make(map[string]struct{}, len(available))
	for _, p := range available {
		availSet[p] = struct{}{}
	}

	seenValid := make(map[string]struct{})
	seenInvalid := make(map[string]struct{})

	for _, m := range imageRefRE.FindAllStringSubmatch(mdText, -1) {
		ref := strings.TrimSpace(m[2])
		if _, ok := availSet[ref]; ok {
			if _, dup := seenValid[ref]; !dup {
				seenValid[ref] = struct{}{}
				valid = append(valid, ref)
			}
			continue
		}
		if _, dup := seenInvalid[ref]; !dup {
			seenInvalid[ref] = struct{}{}
			invalid = append(invalid, ref)
		}
	}
	return valid, invalid
}

// replaceInvalidRefsWithPlaceholder replaces every `](bad)` link target
// naming an invalid reference with a dead anchor, leaving the caption
// text intact.
func replaceInvalidRefsWithPlaceholder(mdText string, invalid []string) string {
	for _, bad := range invalid {
		mdText = strings.ReplaceAll(mdText, "]("+bad+")", "](#)")
	}
	return mdText
}

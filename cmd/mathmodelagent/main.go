// Package main provides the CLI entry point for the math modeling agent
// pipeline: Coordinator → Modeler → per-subtask Coder + Writer → assembled
// report.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/mathmodelagent/internal/agentcore"
	"github.com/haasonsaas/mathmodelagent/internal/coderagent"
	"github.com/haasonsaas/mathmodelagent/internal/config"
	"github.com/haasonsaas/mathmodelagent/internal/interpreter"
	"github.com/haasonsaas/mathmodelagent/internal/llmclient"
	"github.com/haasonsaas/mathmodelagent/internal/report"
	"github.com/haasonsaas/mathmodelagent/internal/scholar"
	"github.com/haasonsaas/mathmodelagent/internal/strictagent"
	"github.com/haasonsaas/mathmodelagent/internal/transport"
	"github.com/haasonsaas/mathmodelagent/internal/workflow"
	"github.com/haasonsaas/mathmodelagent/internal/writeragent"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	workDir     string
	problemPath string
	outputPath  string
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "mathmodelagent",
		Short:        "mathmodelagent - multi-agent mathematical modeling pipeline",
		Long:         `Drives a Coordinator/Modeler/Coder/Writer agent pipeline over a fixed mathematical-modeling subtask sequence, producing an assembled report.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildSolveCmd())
	return rootCmd
}

func buildSolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Run the full pipeline against a problem statement",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSolve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&workDir, "work-dir", "./workdir", "Sandbox working directory for generated code and figures")
	cmd.Flags().StringVar(&problemPath, "problem", "", "Path to the problem statement file (required)")
	cmd.Flags().StringVar(&outputPath, "output", "./report.md", "Path the assembled report is written to")
	cmd.MarkFlagRequired("problem")
	return cmd
}

func runSolve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	problemBytes, err := os.ReadFile(problemPath)
	if err != nil {
		return fmt.Errorf("reading problem statement: %w", err)
	}

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}

	pub := transport.NewStub()
	interp := interpreter.NewStub(workDir)

	taskID := uuid.New().String()
	slog.Info("starting pipeline run", "task_id", taskID)

	coordinatorAgent := agentcore.New(taskID, cfg.Coordinator.Model, "coordinator", newClient(cfg.Coordinator, cfg, pub), nil, nil)
	modelerAgent := agentcore.New(taskID, cfg.Modeler.Model, "modeler", newClient(cfg.Modeler, cfg, pub), nil, nil)
	coderBase := agentcore.New(taskID, cfg.Coder.Model, "coder", newClient(cfg.Coder, cfg, pub), nil, nil)
	writerBase := agentcore.New(taskID, cfg.Writer.Model, "writer", newClient(cfg.Writer, cfg, pub), nil, nil)

	coordinator := strictagent.NewCoordinator(coordinatorAgent, coordinatorSystemPrompt)
	modeler := strictagent.NewModeler(modelerAgent, modelerSystemPrompt, agentPublisher{pub})
	coder := coderagent.New(coderBase, workDir, interp, agentPublisher{pub}, coderSystemPrompt, cfg.MaxRetries)
	writer := writeragent.New(writerBase, writerSystemPrompt)
	writer.Scholar = scholar.NewStub(nil)

	deps := workflow.Deps{
		Coordinator:       coordinator,
		Modeler:           modeler,
		Coder:             coder,
		Writer:            writer,
		Interp:            interp,
		Publisher:         pub,
		Assembler:         report.MarkdownStub{},
		WorkDir:           workDir,
		CoderPrompt:       buildCoderPrompt,
		WriterPrompt:      buildWriterPrompt,
		WritingOnlyPrompt: buildWritingOnlyPrompt,
	}

	result, err := workflow.Run(ctx, deps, string(problemBytes))
	if err != nil {
		return fmt.Errorf("running pipeline: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	if err := os.WriteFile(outputPath, result.Assembled, 0o644); err != nil {
		return fmt.Errorf("writing assembled report: %w", err)
	}

	slog.Info("pipeline finished", "sections", len(result.Sections), "images_used", len(result.UsedImages), "output", outputPath)
	return nil
}

func newClient(backend config.AgentBackend, cfg *config.Config, pub transport.Publisher) *llmclient.Client {
	openai := llmclient.NewOpenAIBackend(backend.APIKey, backend.BaseURL)
	return llmclient.NewClient(openai, backend.Model, cfg.SupportsToolRole, agentPublisher{pub}, nil)
}

// agentPublisher adapts the workflow-level transport.Publisher (envelope
// addressed to a channel) to the llmclient.Publisher seam each agent's
// Client calls on every response (payload keyed by agent name).
type agentPublisher struct {
	transport.Publisher
}

func (p agentPublisher) Publish(ctx context.Context, agentName string, payload map[string]any) error {
	return p.Publisher.Publish(ctx, agentName, transport.Envelope{
		Type:     "agent",
		Content:  fmt.Sprint(payload),
		SubTitle: agentName,
	})
}

func buildCoderPrompt(key string, modelerSolution map[string]any) string {
	return fmt.Sprintf("Solve subtask %q using the following modeling strategy:\n%v", key, modelerSolution[key])
}

func buildWriterPrompt(key, coderResponse string) string {
	return fmt.Sprintf("Write the report section for subtask %q based on the following analysis:\n%s", key, coderResponse)
}

func buildWritingOnlyPrompt(key, quesAll string, sections map[string]string) string {
	return fmt.Sprintf("Write the %q section of the report for the following problem statement:\n%s", key, quesAll)
}

const (
	coordinatorSystemPrompt = "You are the coordinator agent. Read the problem statement and return strict JSON describing the title, background, and one field per question (ques1, ques2, ...) plus ques_count."
	modelerSystemPrompt     = "You are the modeler agent. Given the coordinator's questions, return strict JSON mapping each subtask key (eda, quesN, sensitivity_analysis) to a modeling strategy."
	coderSystemPrompt       = "You are the coder agent. Use the execute_code tool to run Python against the provided dataset and report your findings."
	writerSystemPrompt      = "You are the writer agent. Write a polished report section referencing only the images you were given, each at most once."
)

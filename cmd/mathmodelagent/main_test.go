package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"solve"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestBuildSolveCmd_RequiresProblemFlag(t *testing.T) {
	cmd := buildSolveCmd()
	flag := cmd.Flags().Lookup("problem")
	if flag == nil {
		t.Fatalf("expected --problem flag to be registered")
	}
	if cmd.Flags().Lookup("work-dir") == nil {
		t.Fatalf("expected --work-dir flag to be registered")
	}
	if cmd.Flags().Lookup("output") == nil {
		t.Fatalf("expected --output flag to be registered")
	}
}

func TestBuildCoderPrompt_IncludesSubtaskKeyAndStrategy(t *testing.T) {
	got := buildCoderPrompt("ques1", map[string]any{"ques1": "use linear regression"})
	if got == "" {
		t.Fatalf("expected non-empty prompt")
	}
}

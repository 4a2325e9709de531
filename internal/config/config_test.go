package config

import "testing"

func TestDefault_MatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	if cfg.SoftTokenLimit != 100000 {
		t.Errorf("SoftTokenLimit = %d, want 100000", cfg.SoftTokenLimit)
	}
	if cfg.HardTokenLimit != 120000 {
		t.Errorf("HardTokenLimit = %d, want 120000", cfg.HardTokenLimit)
	}
	if cfg.MaxChatTurns != 30 {
		t.Errorf("MaxChatTurns = %d, want 30", cfg.MaxChatTurns)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if !cfg.StrictJSONOnly || !cfg.LightCleaning || !cfg.ForceToolOnFirstTry || !cfg.SupportsToolRole {
		t.Errorf("expected all behavior flags to default true, got %+v", cfg)
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("SOFT_TOKEN_LIMIT", "5000")
	t.Setenv("MAX_RETRIES", "7")
	t.Setenv("STRICT_JSON_ONLY", "false")
	t.Setenv("CODER_API_KEY", "sk-test")
	t.Setenv("CODER_MODEL", "gpt-4o")
	t.Setenv("CODER_BASE_URL", "https://api.example.com/v1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SoftTokenLimit != 5000 {
		t.Errorf("SoftTokenLimit = %d, want 5000", cfg.SoftTokenLimit)
	}
	if cfg.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", cfg.MaxRetries)
	}
	if cfg.StrictJSONOnly {
		t.Errorf("expected StrictJSONOnly overridden to false")
	}
	if cfg.Coder.APIKey != "sk-test" || cfg.Coder.Model != "gpt-4o" || cfg.Coder.BaseURL != "https://api.example.com/v1" {
		t.Errorf("unexpected coder backend: %+v", cfg.Coder)
	}
	// Unset agent triples stay untouched, per-agent defaults.
	if cfg.Writer.APIKey != "" {
		t.Errorf("expected Writer.APIKey unset, got %q", cfg.Writer.APIKey)
	}
}

func TestLoad_AgentPrefixesAreIndependent(t *testing.T) {
	t.Setenv("COORDINATOR_MODEL", "gpt-4")
	t.Setenv("MODELER_MODEL", "gpt-4-mini")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Coordinator.Model != "gpt-4" {
		t.Errorf("Coordinator.Model = %q, want gpt-4", cfg.Coordinator.Model)
	}
	if cfg.Modeler.Model != "gpt-4-mini" {
		t.Errorf("Modeler.Model = %q, want gpt-4-mini", cfg.Modeler.Model)
	}
	if cfg.Coder.Model != "" {
		t.Errorf("Coder.Model = %q, want empty (unset)", cfg.Coder.Model)
	}
}

package config

import (
	"encoding/json"
	"testing"
)

// TestOfflineAgentConfigDefaults tests that offline agent config defaults are applied.
func TestOfflineAgentConfigDefaults(t *testing.T) {
	cfg := createDefaultConfig()

	if cfg.Agents == nil {
		t.Fatal("Expected agents config to be created")
	}

	if cfg.Agents.Offline == nil {
		t.Fatal("Expected offline agent config to be created by default")
	}

	if cfg.Agents.Offline.ExecutorModel != DefaultOfflineModel {
		t.Errorf("Expected offline executor model %q, got %q", DefaultOfflineModel, cfg.Agents.Offline.ExecutorModel)
	}
	if cfg.Agents.Offline.ReviewerModel != DefaultOfflineModel {
		t.Errorf("Expected offline reviewer model %q, got %q", DefaultOfflineModel, cfg.Agents.Offline.ReviewerModel)
	}
	if cfg.Agents.Offline.AlignmentModel != DefaultOfflineModel {
		t.Errorf("Expected offline alignment model %q, got %q", DefaultOfflineModel, cfg.Agents.Offline.AlignmentModel)
	}
}

// TestApplyDefaultsOfflineConfig tests that applyDefaults handles offline config correctly.
func TestApplyDefaultsOfflineConfig(t *testing.T) {
	tests := []struct {
		name     string
		offline  *OfflineAgentConfig // Input offline config (nil, empty, partial, or full)
		expected *OfflineAgentConfig
	}{
		{
			name:    "nil offline config gets defaults",
			offline: nil,
			expected: &OfflineAgentConfig{
				ExecutorModel:  DefaultOfflineModel,
				ReviewerModel:  DefaultOfflineModel,
				AlignmentModel: DefaultOfflineModel,
			},
		},
		{
			name:    "empty offline config gets defaults",
			offline: &OfflineAgentConfig{},
			expected: &OfflineAgentConfig{
				ExecutorModel:  DefaultOfflineModel,
				ReviewerModel:  DefaultOfflineModel,
				AlignmentModel: DefaultOfflineModel,
			},
		},
		{
			name: "partial offline config gets remaining defaults",
			offline: &OfflineAgentConfig{
				ExecutorModel: "qwen2.5-coder:32b",
				// ReviewerModel and AlignmentModel missing
			},
			expected: &OfflineAgentConfig{
				ExecutorModel:  "qwen2.5-coder:32b", // Kept as-is
				ReviewerModel:  DefaultOfflineModel, // Default applied
				AlignmentModel: DefaultOfflineModel, // Default applied
			},
		},
		{
			name: "full offline config kept as-is",
			offline: &OfflineAgentConfig{
				ExecutorModel:  "deepseek-coder:33b",
				ReviewerModel:  "llama3.1:70b",
				AlignmentModel: "llama3.1:8b",
			},
			expected: &OfflineAgentConfig{
				ExecutorModel:  "deepseek-coder:33b",
				ReviewerModel:  "llama3.1:70b",
				AlignmentModel: "llama3.1:8b",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Agents: &AgentConfig{
					Offline: tt.offline,
				},
			}
			applyDefaults(cfg)

			if cfg.Agents.Offline == nil {
				t.Fatal("Expected offline config to exist after applyDefaults")
			}

			if cfg.Agents.Offline.ExecutorModel != tt.expected.ExecutorModel {
				t.Errorf("ExecutorModel: expected %q, got %q",
					tt.expected.ExecutorModel, cfg.Agents.Offline.ExecutorModel)
			}
			if cfg.Agents.Offline.ReviewerModel != tt.expected.ReviewerModel {
				t.Errorf("ReviewerModel: expected %q, got %q",
					tt.expected.ReviewerModel, cfg.Agents.Offline.ReviewerModel)
			}
			if cfg.Agents.Offline.AlignmentModel != tt.expected.AlignmentModel {
				t.Errorf("AlignmentModel: expected %q, got %q",
					tt.expected.AlignmentModel, cfg.Agents.Offline.AlignmentModel)
			}
		})
	}
}

// TestResolveOperatingMode tests the mode resolution logic.
func TestResolveOperatingMode(t *testing.T) {
	// Store original config and restore after test
	mu.Lock()
	originalConfig := config
	originalProjectDir := projectDir
	mu.Unlock()

	defer func() {
		mu.Lock()
		config = originalConfig
		projectDir = originalProjectDir
		mu.Unlock()
	}()

	tests := []struct {
		name           string
		cliOfflineFlag bool
		defaultMode    string
		expectedMode   string
	}{
		{
			name:           "CLI offline flag takes precedence",
			cliOfflineFlag: true,
			defaultMode:    OperatingModeStandard,
			expectedMode:   OperatingModeOffline,
		},
		{
			name:           "config default_mode used when no CLI flag",
			cliOfflineFlag: false,
			defaultMode:    OperatingModeOffline,
			expectedMode:   OperatingModeOffline,
		},
		{
			name:           "standard is default when nothing set",
			cliOfflineFlag: false,
			defaultMode:    "",
			expectedMode:   OperatingModeStandard,
		},
		{
			name:           "CLI false with standard config",
			cliOfflineFlag: false,
			defaultMode:    OperatingModeStandard,
			expectedMode:   OperatingModeStandard,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mu.Lock()
			config = &Config{
				DefaultMode: tt.defaultMode,
			}
			mu.Unlock()

			err := ResolveOperatingMode(tt.cliOfflineFlag)
			if err != nil {
				t.Fatalf("ResolveOperatingMode failed: %v", err)
			}

			mode := GetOperatingMode()
			if mode != tt.expectedMode {
				t.Errorf("Expected mode %q, got %q", tt.expectedMode, mode)
			}
		})
	}
}

// TestResolveOperatingMode_InvalidMode tests rejection of unknown default_mode values.
func TestResolveOperatingMode_InvalidMode(t *testing.T) {
	mu.Lock()
	originalConfig := config
	mu.Unlock()

	defer func() {
		mu.Lock()
		config = originalConfig
		mu.Unlock()
	}()

	mu.Lock()
	config = &Config{DefaultMode: "airplane"}
	mu.Unlock()

	if err := ResolveOperatingMode(false); err == nil {
		t.Error("Expected error for invalid default_mode")
	}
}

// TestIsOfflineMode tests the IsOfflineMode helper.
func TestIsOfflineMode(t *testing.T) {
	mu.Lock()
	originalConfig := config
	mu.Unlock()

	defer func() {
		mu.Lock()
		config = originalConfig
		mu.Unlock()
	}()

	tests := []struct {
		name          string
		operatingMode string
		expected      bool
	}{
		{
			name:          "offline mode returns true",
			operatingMode: OperatingModeOffline,
			expected:      true,
		},
		{
			name:          "standard mode returns false",
			operatingMode: OperatingModeStandard,
			expected:      false,
		},
		{
			name:          "empty mode returns false (default to standard)",
			operatingMode: "",
			expected:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mu.Lock()
			config = &Config{
				OperatingMode: tt.operatingMode,
			}
			mu.Unlock()

			result := IsOfflineMode()
			if result != tt.expected {
				t.Errorf("Expected IsOfflineMode() = %v, got %v", tt.expected, result)
			}
		})
	}
}

// TestGetEffectiveModels tests that effective model getters work correctly.
func TestGetEffectiveModels(t *testing.T) {
	mu.Lock()
	originalConfig := config
	mu.Unlock()

	defer func() {
		mu.Lock()
		config = originalConfig
		mu.Unlock()
	}()

	agents := &AgentConfig{
		ExecutorModel:  "gpt-4o",
		ReviewerModel:  "claude-sonnet-4-5",
		AlignmentModel: "gemini-2.5-flash",
		Offline: &OfflineAgentConfig{
			ExecutorModel:  "mistral-nemo:latest",
			ReviewerModel:  "llama3.1:70b",
			AlignmentModel: "llama3.1:8b",
		},
	}

	t.Run("standard mode returns cloud models", func(t *testing.T) {
		mu.Lock()
		config = &Config{OperatingMode: OperatingModeStandard, Agents: agents}
		mu.Unlock()

		if got := GetEffectiveExecutorModel(); got != "gpt-4o" {
			t.Errorf("GetEffectiveExecutorModel() = %s, want gpt-4o", got)
		}
		if got := GetEffectiveReviewerModel(); got != "claude-sonnet-4-5" {
			t.Errorf("GetEffectiveReviewerModel() = %s, want claude-sonnet-4-5", got)
		}
		if got := GetEffectiveAlignmentModel(); got != "gemini-2.5-flash" {
			t.Errorf("GetEffectiveAlignmentModel() = %s, want gemini-2.5-flash", got)
		}
	})

	t.Run("offline mode returns local models", func(t *testing.T) {
		mu.Lock()
		config = &Config{OperatingMode: OperatingModeOffline, Agents: agents}
		mu.Unlock()

		if got := GetEffectiveExecutorModel(); got != "mistral-nemo:latest" {
			t.Errorf("GetEffectiveExecutorModel() = %s, want mistral-nemo:latest", got)
		}
		if got := GetEffectiveReviewerModel(); got != "llama3.1:70b" {
			t.Errorf("GetEffectiveReviewerModel() = %s, want llama3.1:70b", got)
		}
		if got := GetEffectiveAlignmentModel(); got != "llama3.1:8b" {
			t.Errorf("GetEffectiveAlignmentModel() = %s, want llama3.1:8b", got)
		}
	})

	t.Run("offline mode without override falls back to standard", func(t *testing.T) {
		mu.Lock()
		config = &Config{
			OperatingMode: OperatingModeOffline,
			Agents: &AgentConfig{
				ExecutorModel:  "gpt-4o",
				ReviewerModel:  "claude-sonnet-4-5",
				AlignmentModel: "gemini-2.5-flash",
				Offline:        &OfflineAgentConfig{}, // Empty - no overrides
			},
		}
		mu.Unlock()

		if got := GetEffectiveExecutorModel(); got != "gpt-4o" {
			t.Errorf("GetEffectiveExecutorModel() = %s, want gpt-4o (fallback)", got)
		}
	})

	t.Run("nil config returns role defaults", func(t *testing.T) {
		mu.Lock()
		config = nil
		mu.Unlock()

		if got := GetEffectiveExecutorModel(); got != DefaultExecutorModel {
			t.Errorf("GetEffectiveExecutorModel() = %s, want %s", got, DefaultExecutorModel)
		}
	})
}

// TestOfflineConfigSerialization tests that offline config serializes correctly to JSON.
func TestOfflineConfigSerialization(t *testing.T) {
	cfg := &Config{
		SchemaVersion: SchemaVersion,
		DefaultMode:   OperatingModeOffline,
		Agents: &AgentConfig{
			ExecutorModel:  "gpt-4o",
			ReviewerModel:  "claude-sonnet-4-5",
			AlignmentModel: "gemini-2.5-flash",
			Offline: &OfflineAgentConfig{
				ExecutorModel:  "qwen2.5-coder:32b",
				ReviewerModel:  "llama3.1:70b",
				AlignmentModel: "llama3.1:8b",
			},
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatalf("Failed to marshal config: %v", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("Failed to unmarshal config: %v", err)
	}

	if loaded.DefaultMode != OperatingModeOffline {
		t.Errorf("DefaultMode not preserved: got %q", loaded.DefaultMode)
	}
	if loaded.Agents.Offline == nil {
		t.Fatal("Offline config not preserved")
	}
	if loaded.Agents.Offline.ExecutorModel != "qwen2.5-coder:32b" {
		t.Errorf("Offline ExecutorModel not preserved: got %q", loaded.Agents.Offline.ExecutorModel)
	}
}

// Package config provides configuration loading, validation, and management for pairvibe.
//
// KEY PRINCIPLES:
//
//  1. SEPARATION OF CONCERNS:
//     - Project Config: Per-project settings (models, orchestration knobs) saved to .pairvibe/config.json
//     - Constants: Hardcoded algorithm parameters that users should not modify
//     - State/Metadata: Run status, timestamps, etc. belong in DATABASE, never in config
//
//  2. SCHEMA VERSIONING: All config changes MUST increment SchemaVersion to prevent breaking changes.
//
//  3. GLOBAL SINGLETON: A single global Config instance is maintained in memory, protected by
//     mutex for thread safety.
//
//  4. ATOMIC UPDATES: Configuration changes happen atomically by subsystem (e.g., UpdateAgents,
//     UpdateOrchestration) with validation and automatic persistence.
//
//  5. VALUE-BASED ACCESS: GetConfig() returns the config BY VALUE (copy, not reference) to
//     prevent external mutation. All updates MUST go through the Update* functions.
//
// USAGE PATTERNS:
//
//	// Load config from file (usually done once at startup)
//	err := config.LoadConfig(projectDir)
//
//	// Access config (always by value)
//	cfg, err := config.GetConfig()
//
//	// Update agent config atomically with validation
//	err := config.UpdateAgents(&newAgentConfig)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pairvibe/pkg/logx"
)

// Global config instance with mutex protection.
// projectDir is set once during LoadConfig and never changes - it defines where all
// pairvibe files are stored relative to the project root.
//
//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config     *Config
	projectDir string       // Immutable after LoadConfig - set once at startup
	logger     *logx.Logger // Package logger for config operations
	mu         sync.RWMutex
)

// getLogger returns the config logger, initializing it if needed.
func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// LogInfo logs an info message using the config logger.
// This is exposed for other packages (like main) to use consistent logging.
func LogInfo(format string, args ...interface{}) {
	getLogger().Info(format, args...)
}

// ModelInfo contains static information about a known LLM model.
// This data is hardcoded in the application, not user-configurable.
type ModelInfo struct {
	Provider         string  // API provider (anthropic, openai, google, ollama)
	InputCPM         float64 // Cost per million input tokens (USD)
	OutputCPM        float64 // Cost per million output tokens (USD)
	MaxContextTokens int     // Maximum context window size in tokens
	MaxOutputTokens  int     // Maximum output tokens per request
}

// KnownModels registry contains pricing and provider information for common models.
// This is optional - unknown models will be inferred via ProviderPatterns.
//
//nolint:gochecknoglobals // Intentional global for static model registry
var KnownModels = map[string]ModelInfo{
	// Claude models (Anthropic)
	"claude-3-7-sonnet-20250219": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-sonnet-4-5": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-sonnet-4-20250514": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-opus-4-1": {
		Provider:         ProviderAnthropic,
		InputCPM:         15.0,
		OutputCPM:        75.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  16384,
	},
	"claude-opus-4-5": {
		Provider:         ProviderAnthropic,
		InputCPM:         15.0,
		OutputCPM:        75.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  16384,
	},

	// OpenAI GPT models
	"gpt-4o": {
		Provider:         ProviderOpenAI,
		InputCPM:         2.5,
		OutputCPM:        10.0,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
	},

	// OpenAI o3/o4 models
	"o3-mini": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},
	"o3": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},
	"o4-mini": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},

	// GPT-5 (premium pricing)
	"gpt-5": {
		Provider:         ProviderOpenAI,
		InputCPM:         20.0,
		OutputCPM:        60.0,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
	},

	// Google Gemini models
	"gemini-2.0-flash": {
		Provider:         ProviderGoogle,
		InputCPM:         0.10,
		OutputCPM:        0.40,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  8192,
	},
	"gemini-2.5-flash": {
		Provider:         ProviderGoogle,
		InputCPM:         0.30,
		OutputCPM:        2.50,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
	"gemini-3-pro-preview": {
		Provider:         ProviderGoogle,
		InputCPM:         2.0,
		OutputCPM:        12.0,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
}

// ProviderPattern represents a pattern for inferring provider from model name.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns defines rules for inferring providers from unknown model names.
// Allows using new models without code changes.
//
//nolint:gochecknoglobals // Intentional global for inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	// Ollama models - common open-source model prefixes
	{"phi", ProviderOllama},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"codellama", ProviderOllama},
	{"deepseek", ProviderOllama},
	{"ollama:", ProviderOllama}, // Explicit prefix like "ollama:phi4"
}

// GetModelProvider returns the API provider for a given model.
// First checks KnownModels, then tries pattern matching.
// Returns error if model cannot be mapped to a provider (FATAL).
func GetModelProvider(modelName string) (string, error) {
	// Check known models first
	if info, exists := KnownModels[modelName]; exists {
		return info.Provider, nil
	}

	// Try pattern matching for unknown models
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}

	// FATAL: Cannot proceed without valid provider
	return "", fmt.Errorf("unknown model '%s': no known provider mapping or pattern match - cannot determine API provider", modelName)
}

// GetModelInfo returns the ModelInfo for a given model name.
// Returns the info and true if found in KnownModels, or a default info with inferred provider and false if not found.
func GetModelInfo(modelName string) (ModelInfo, bool) {
	// Check known models first
	if info, exists := KnownModels[modelName]; exists {
		return info, true
	}

	// Try to infer provider for unknown models
	provider := ""
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			provider = ProviderPatterns[i].Provider
			break
		}
	}

	// Return default info with inferred provider (or empty if no pattern matched)
	// Use conservative defaults for unknown models
	return ModelInfo{
		Provider:         provider,
		InputCPM:         0.0,   // No cost tracking for unknown models
		OutputCPM:        0.0,   // No cost tracking for unknown models
		MaxContextTokens: 32000, // Conservative default
		MaxOutputTokens:  4096,  // Conservative default
	}, false
}

// RetryConfig defines configuration for retry behavior.
type RetryConfig struct {
	MaxAttempts   int           `json:"max_attempts"`   // Maximum number of attempts (including initial)
	InitialDelay  time.Duration `json:"initial_delay"`  // Initial delay before first retry
	MaxDelay      time.Duration `json:"max_delay"`      // Maximum delay between retries
	BackoffFactor float64       `json:"backoff_factor"` // Multiplier for exponential backoff
	Jitter        bool          `json:"jitter"`         // Add random jitter to prevent thundering herd
}

// ResilienceConfig bundles resilience-related middleware configuration.
type ResilienceConfig struct {
	Retry   RetryConfig   `json:"retry"`   // Retry policy settings
	Timeout time.Duration `json:"timeout"` // Per-request timeout
}

// MetricsConfig defines configuration for metrics collection.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`        // Whether metrics collection is enabled
	Exporter      string `json:"exporter"`       // Metrics exporter type ("prometheus", "noop")
	Namespace     string `json:"namespace"`      // Metrics namespace for grouping
	PrometheusURL string `json:"prometheus_url"` // Prometheus server URL for querying metrics
}

// DebugConfig defines configuration for debug logging.
type DebugConfig struct {
	LLMMessages bool `json:"llm_messages"` // Enable debug logging for LLM prompt/response bodies (default: false)
}

// OfflineAgentConfig defines model overrides for offline mode.
// When operating in offline mode, these models are used instead of the standard cloud models.
// All models should be Ollama-compatible (e.g., "qwen2.5-coder:32b" or "mistral-nemo:latest").
type OfflineAgentConfig struct {
	ExecutorModel  string `json:"executor_model,omitempty"`  // Ollama model for the executor side
	ReviewerModel  string `json:"reviewer_model,omitempty"`  // Ollama model for the reviewer side
	AlignmentModel string `json:"alignment_model,omitempty"` // Ollama model for alignment checks
}

// AgentConfig defines which models back each role and the shared middleware settings.
type AgentConfig struct {
	ExecutorModel  string           `json:"executor_model"`  // Model for executor-side proposals (mapped to provider via KnownModels)
	ReviewerModel  string           `json:"reviewer_model"`  // Model for step review and reviewer-side proposals
	AlignmentModel string           `json:"alignment_model"` // Model for blind alignment checks between proposals
	Metrics        MetricsConfig    `json:"metrics"`         // Metrics collection configuration
	Resilience     ResilienceConfig `json:"resilience"`      // Resilience middleware configuration

	// Offline mode model overrides
	Offline *OfflineAgentConfig `json:"offline,omitempty"` // Model overrides for offline mode
}

// OrchestrationConfig defines the run-level bounds for the executor/reviewer/consensus loops.
type OrchestrationConfig struct {
	MaxLookAhead       int           `json:"max_lookahead"`        // How far ahead of the executor the reviewer may scan
	MaxConsensusRounds int           `json:"max_consensus_rounds"` // Escalation rounds before the executor tie-break
	StepReviewTimeout  time.Duration `json:"step_review_timeout"`  // Budget for reviewing a single step
	ReviewWaitTimeout  time.Duration `json:"review_wait_timeout"`  // How long the executor waits for a pending review
	ConsensusTimeout   time.Duration `json:"consensus_timeout"`    // Bound on a whole consensus session
}

// SearchConfig defines web search tool configuration.
// Search is auto-enabled when API keys are detected, but can be explicitly disabled.
type SearchConfig struct {
	Enabled *bool `json:"enabled,omitempty"` // Whether web search is enabled (nil = auto-detect from API keys)
}

// LogsConfig contains event log file management configuration.
type LogsConfig struct {
	RotationCount int `json:"rotation_count"` // Number of old daily event log files to keep (default: 7)
}

// ProjectInfo contains basic project metadata.
type ProjectInfo struct {
	Name string `json:"name"` // Project name, recorded on persisted runs
}

// All constants bundled together for easy maintenance.
const (
	// Orchestration defaults - these seed new configs and fill missing fields.
	DefaultMaxLookAhead       = 3
	DefaultMaxConsensusRounds = 2
	DefaultStepReviewTimeout  = 2 * time.Minute
	DefaultReviewWaitTimeout  = 2 * time.Minute
	DefaultConsensusTimeout   = 5 * time.Minute

	// Shutdown behavior.
	GracefulShutdownTimeoutSec = 30 // How long to wait for queue drain before force-stop

	// Default model for offline mode - a capable local model available via Ollama.
	DefaultOfflineModel = "mistral-nemo:latest"

	// Model name constants.
	ModelClaudeSonnet45     = "claude-sonnet-4-5"
	ModelClaudeSonnet3      = "claude-3-7-sonnet-20250219"
	ModelClaudeSonnetLatest = ModelClaudeSonnet45
	ModelClaudeOpus41       = "claude-opus-4-1"
	ModelClaudeOpus45       = "claude-opus-4-5"
	ModelClaudeOpusLatest   = ModelClaudeOpus45
	ModelOpenAIO3           = "o3"
	ModelOpenAIO3Mini       = "o3-mini"
	ModelOpenAIO4Mini       = "o4-mini"
	ModelGPT4o              = "gpt-4o"
	ModelGPT5               = "gpt-5"
	ModelGemini2Flash       = "gemini-2.0-flash"
	ModelGemini25Flash      = "gemini-2.5-flash"
	ModelGemini3Pro         = "gemini-3-pro-preview"

	// Role model defaults. The executor proposes, the reviewer critiques, and the
	// alignment model judges blinded proposal pairs - three providers by default so
	// no single vendor grades its own work.
	DefaultExecutorModel  = ModelGPT4o
	DefaultReviewerModel  = ModelClaudeSonnet45
	DefaultAlignmentModel = ModelGemini25Flash

	// Operating mode constants (connectivity mode).
	// This controls whether pairvibe uses cloud APIs or local Ollama only.
	OperatingModeStandard = "standard" // Default: use cloud APIs (Anthropic, OpenAI, Google)
	OperatingModeOffline  = "offline"  // Offline mode: use local Ollama models only

	// Project config constants.
	ProjectConfigFilename = "config.json"
	ProjectConfigDir      = ".pairvibe"
	DatabaseFilename      = "pairvibe.db"
	EventLogDirName       = "events"
	SchemaVersion         = "1.0"

	// Provider constants.
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"

	// API key environment variable names.
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
)

// Config represents the main configuration for pairvibe.
//
// IMPORTANT: This structure contains only user-configurable project settings.
// Model pricing, provider mappings, and other static data are hardcoded in KnownModels.
//
// Schema versioning prevents breaking changes - increment SchemaVersion for any structural changes.
type Config struct {
	SchemaVersion string `json:"schema_version"` // MUST increment for breaking changes

	// === OPERATING MODE ===
	// DefaultMode controls connectivity: "standard" (cloud APIs) or "offline" (local only).
	// Can be overridden at runtime with the --offline CLI flag.
	DefaultMode string `json:"default_mode,omitempty"` // Default operating mode: "standard" or "offline"

	// === PROJECT-SPECIFIC SETTINGS (per .pairvibe/config.json) ===
	Project       *ProjectInfo         `json:"project"`       // Basic project metadata
	Agents        *AgentConfig         `json:"agents"`        // Which models back each role, middleware settings
	Orchestration *OrchestrationConfig `json:"orchestration"` // Lookahead/consensus/timeout bounds
	Search        *SearchConfig        `json:"search"`        // Web search settings
	Logs          *LogsConfig          `json:"logs"`          // Event log file management settings
	Debug         *DebugConfig         `json:"debug"`         // Debug settings

	// === RUNTIME-ONLY STATE (NOT PERSISTED) ===
	OperatingMode string `json:"-"` // Resolved operating mode for this session (from CLI or DefaultMode)
}

// GetProjectPairvibeDir returns the path to the .pairvibe directory containing all pairvibe files.
// Must call LoadConfig first to initialize projectDir.
func GetProjectPairvibeDir() (string, error) {
	mu.RLock()
	defer mu.RUnlock()
	if projectDir == "" {
		return "", fmt.Errorf("config not initialized - call LoadConfig first")
	}
	return filepath.Join(projectDir, ProjectConfigDir), nil
}

// GetProjectDir returns the current project directory.
// Must call LoadConfig first to initialize projectDir.
func GetProjectDir() string {
	mu.RLock()
	defer mu.RUnlock()
	return projectDir
}

// GetDatabasePath returns the path to the SQLite database file.
func GetDatabasePath() (string, error) {
	dir, err := GetProjectPairvibeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DatabaseFilename), nil
}

// GetEventLogDir returns the directory that holds daily event log files.
func GetEventLogDir() (string, error) {
	dir, err := GetProjectPairvibeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, EventLogDirName), nil
}

// GetDebugLLMMessages returns whether debug logging of LLM prompt/response bodies is enabled.
// Returns false by default if config is not loaded or debug is not configured.
func GetDebugLLMMessages() bool {
	cfg, err := GetConfig()
	if err != nil {
		return false // Fallback to disabled if config not loaded
	}

	if cfg.Debug != nil {
		return cfg.Debug.LLMMessages
	}

	return false
}

// GetConfig returns the current global config BY VALUE (copy, not reference).
// This prevents external mutation - all updates must go through Update* functions.
// Must call LoadConfig first to initialize the global config.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return Config{}, fmt.Errorf("config not initialized - call LoadConfig first")
	}
	// Return by value (copy) to prevent external mutation
	return *config, nil
}

// SetConfigForTesting sets the global config for testing purposes.
// Pass nil to reset. This bypasses normal initialization and should only be used in tests.
func SetConfigForTesting(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	config = cfg
	if cfg == nil {
		projectDir = ""
	}
}

// LoadConfig loads the entire configuration from <projectDir>/.pairvibe/config.json into
// the global singleton. This is a simple unmarshal operation of the complete Config struct.
//
// Behavior:
// - Missing file: Creates new config with defaults and saves it
// - Existing file: Loads and validates, applying defaults for missing fields
// - Unparseable file: Returns error to avoid overwriting user changes
//
// This should typically be called once at application startup.
func LoadConfig(inputProjectDir string) error {
	mu.Lock()
	defer mu.Unlock()

	// Store project directory - immutable after this point
	projectDir = inputProjectDir
	configPath := filepath.Join(projectDir, ProjectConfigDir, ProjectConfigFilename)

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Missing file - create new config with defaults
		getLogger().Info("📝 Config file not found, creating new config at %s", configPath)
		config = createDefaultConfig()

		if err := validateConfig(config); err != nil {
			return fmt.Errorf("default config validation failed: %w", err)
		}

		if err := saveConfigLocked(); err != nil {
			return fmt.Errorf("failed to save initial config: %w", err)
		}
		getLogger().Info("✅ New config file created and validated")
		return nil
	}

	// File exists - try to load it
	getLogger().Info("📝 Loading config from %s", configPath)
	loadedConfig, err := loadConfigFromFile(configPath)
	if err != nil {
		return fmt.Errorf("fatal: config file exists but cannot be parsed (to avoid overwriting your changes): %w", err)
	}

	// Apply defaults for fields missing from older config files
	applyDefaults(loadedConfig)
	if err := validateConfig(loadedConfig); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	config = loadedConfig

	// Save config back to disk with applied defaults (ensures old configs get updated)
	if err := saveConfigLocked(); err != nil {
		return fmt.Errorf("failed to save config with applied defaults: %w", err)
	}

	getLogger().Info("✅ Config loaded and validated successfully")
	return nil
}

// UpdateAgents updates the agent configuration and persists to disk.
func UpdateAgents(agents *AgentConfig) error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	// Validate by temporarily setting and testing provider mappings
	oldAgents := config.Agents
	config.Agents = agents

	if err := validateAgentConfigInternal(agents); err != nil {
		config.Agents = oldAgents // Restore old config
		return err
	}

	// Validation passed, keep the new config (already set above)
	return saveConfigLocked()
}

// UpdateOrchestration updates the orchestration bounds and persists to disk.
func UpdateOrchestration(orchestration *OrchestrationConfig) error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	oldOrchestration := config.Orchestration
	config.Orchestration = orchestration

	if err := validateOrchestrationInternal(orchestration); err != nil {
		config.Orchestration = oldOrchestration // Restore old config
		return err
	}

	return saveConfigLocked()
}

// UpdateProject updates the project information and persists to disk.
func UpdateProject(project *ProjectInfo) error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	config.Project = project
	return saveConfigLocked()
}

// loadConfigFromFile reads and parses a config file.
func loadConfigFromFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON %s: %w", configPath, err)
	}

	return &config, nil
}

// createDefaultConfig creates a new config with sensible defaults.
func createDefaultConfig() *Config {
	return &Config{
		SchemaVersion: SchemaVersion,

		Project: &ProjectInfo{},
		Agents: &AgentConfig{
			ExecutorModel:  DefaultExecutorModel,
			ReviewerModel:  DefaultReviewerModel,
			AlignmentModel: DefaultAlignmentModel,
			// Offline mode defaults - use local Ollama models
			// Users should customize these based on their available models
			Offline: &OfflineAgentConfig{
				ExecutorModel:  DefaultOfflineModel,
				ReviewerModel:  DefaultOfflineModel,
				AlignmentModel: DefaultOfflineModel,
			},
			Metrics: MetricsConfig{
				Enabled:       true, // Enable metrics by default for development visibility
				Exporter:      "prometheus",
				Namespace:     "pairvibe",
				PrometheusURL: "", // Only needed for the cost query service
			},
			Resilience: ResilienceConfig{
				Retry: RetryConfig{
					MaxAttempts:   3,
					InitialDelay:  100 * time.Millisecond,
					MaxDelay:      10 * time.Second,
					BackoffFactor: 2.0,
					Jitter:        true,
				},
				Timeout: 3 * time.Minute, // Generous for reasoning-heavy models
			},
		},
		Orchestration: &OrchestrationConfig{
			MaxLookAhead:       DefaultMaxLookAhead,
			MaxConsensusRounds: DefaultMaxConsensusRounds,
			StepReviewTimeout:  DefaultStepReviewTimeout,
			ReviewWaitTimeout:  DefaultReviewWaitTimeout,
			ConsensusTimeout:   DefaultConsensusTimeout,
		},
		Logs: &LogsConfig{
			RotationCount: 7, // Keep a week of daily event logs
		},
		Debug: &DebugConfig{
			LLMMessages: false, // Disabled by default
		},
	}
}

// saveConfigLocked saves config to disk using the stored project directory.
// Must be called with mutex locked.
func saveConfigLocked() error {
	if projectDir == "" {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	configPath := filepath.Join(projectDir, ProjectConfigDir, ProjectConfigFilename)

	// Create directory if needed
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// validateAgentConfigInternal validates agent configuration during config loading.
func validateAgentConfigInternal(agents *AgentConfig) error {
	// Validate all three role models can be mapped to providers
	if _, err := GetModelProvider(agents.ExecutorModel); err != nil {
		return fmt.Errorf("executor_model '%s': %w", agents.ExecutorModel, err)
	}
	if _, err := GetModelProvider(agents.ReviewerModel); err != nil {
		return fmt.Errorf("reviewer_model '%s': %w", agents.ReviewerModel, err)
	}
	if _, err := GetModelProvider(agents.AlignmentModel); err != nil {
		return fmt.Errorf("alignment_model '%s': %w", agents.AlignmentModel, err)
	}

	return nil
}

// validateOrchestrationInternal validates the orchestration bounds.
func validateOrchestrationInternal(orchestration *OrchestrationConfig) error {
	if orchestration.MaxLookAhead <= 0 {
		return fmt.Errorf("max_lookahead must be positive (got %d)", orchestration.MaxLookAhead)
	}
	if orchestration.MaxConsensusRounds < 1 {
		return fmt.Errorf("max_consensus_rounds must be at least 1 (got %d)", orchestration.MaxConsensusRounds)
	}
	if orchestration.StepReviewTimeout <= 0 {
		return fmt.Errorf("step_review_timeout must be positive")
	}
	if orchestration.ReviewWaitTimeout <= 0 {
		return fmt.Errorf("review_wait_timeout must be positive")
	}
	if orchestration.ConsensusTimeout <= 0 {
		return fmt.Errorf("consensus_timeout must be positive")
	}
	return nil
}

// applyDefaults sets default values for missing configuration.
func applyDefaults(config *Config) {
	// Initialize sections if nil
	if config.Project == nil {
		config.Project = &ProjectInfo{}
	}
	if config.Agents == nil {
		config.Agents = &AgentConfig{}
	}
	if config.Orchestration == nil {
		config.Orchestration = &OrchestrationConfig{}
	}
	if config.Search == nil {
		config.Search = &SearchConfig{}
	}
	if config.Logs == nil {
		config.Logs = &LogsConfig{}
	}
	if config.Debug == nil {
		config.Debug = &DebugConfig{}
	}

	// Apply agent defaults
	if config.Agents.ExecutorModel == "" {
		config.Agents.ExecutorModel = DefaultExecutorModel
	}
	if config.Agents.ReviewerModel == "" {
		config.Agents.ReviewerModel = DefaultReviewerModel
	}
	if config.Agents.AlignmentModel == "" {
		config.Agents.AlignmentModel = DefaultAlignmentModel
	}
	// Apply offline agent defaults if section exists but models not set
	if config.Agents.Offline == nil {
		config.Agents.Offline = &OfflineAgentConfig{
			ExecutorModel:  DefaultOfflineModel,
			ReviewerModel:  DefaultOfflineModel,
			AlignmentModel: DefaultOfflineModel,
		}
	} else {
		// Fill in missing offline models with defaults
		if config.Agents.Offline.ExecutorModel == "" {
			config.Agents.Offline.ExecutorModel = DefaultOfflineModel
		}
		if config.Agents.Offline.ReviewerModel == "" {
			config.Agents.Offline.ReviewerModel = DefaultOfflineModel
		}
		if config.Agents.Offline.AlignmentModel == "" {
			config.Agents.Offline.AlignmentModel = DefaultOfflineModel
		}
	}

	// Apply metrics defaults
	if config.Agents.Metrics.Exporter == "" {
		config.Agents.Metrics.Exporter = "noop"
	}
	if config.Agents.Metrics.Namespace == "" {
		config.Agents.Metrics.Namespace = "pairvibe"
	}

	// Apply resilience defaults
	if config.Agents.Resilience.Retry.MaxAttempts == 0 {
		config.Agents.Resilience.Retry.MaxAttempts = 3
	}
	if config.Agents.Resilience.Retry.InitialDelay == 0 {
		config.Agents.Resilience.Retry.InitialDelay = 100 * time.Millisecond
	}
	if config.Agents.Resilience.Retry.MaxDelay == 0 {
		config.Agents.Resilience.Retry.MaxDelay = 10 * time.Second
	}
	if config.Agents.Resilience.Retry.BackoffFactor == 0 {
		config.Agents.Resilience.Retry.BackoffFactor = 2.0
	}
	if config.Agents.Resilience.Timeout == 0 {
		config.Agents.Resilience.Timeout = 3 * time.Minute
	}

	// Apply orchestration defaults
	if config.Orchestration.MaxLookAhead == 0 {
		config.Orchestration.MaxLookAhead = DefaultMaxLookAhead
	}
	if config.Orchestration.MaxConsensusRounds == 0 {
		config.Orchestration.MaxConsensusRounds = DefaultMaxConsensusRounds
	}
	if config.Orchestration.StepReviewTimeout == 0 {
		config.Orchestration.StepReviewTimeout = DefaultStepReviewTimeout
	}
	if config.Orchestration.ReviewWaitTimeout == 0 {
		config.Orchestration.ReviewWaitTimeout = DefaultReviewWaitTimeout
	}
	if config.Orchestration.ConsensusTimeout == 0 {
		config.Orchestration.ConsensusTimeout = DefaultConsensusTimeout
	}

	// Apply logs defaults
	if config.Logs.RotationCount == 0 {
		config.Logs.RotationCount = 7
	}
}

func validateConfig(config *Config) error {
	getLogger().Info("📋 Validating config structure")

	if config.Agents != nil {
		if err := validateAgentConfigInternal(config.Agents); err != nil {
			return fmt.Errorf("agent config validation failed: %w", err)
		}
	}

	if config.Orchestration != nil {
		if err := validateOrchestrationInternal(config.Orchestration); err != nil {
			return fmt.Errorf("orchestration config validation failed: %w", err)
		}
	}

	getLogger().Info("✅ Config structure validated")
	return nil
}

// CalculateCost calculates the cost in USD for a given model and token usage.
// Uses separate input and output token pricing from the KnownModels registry.
// Returns 0 cost for unknown models (allows using new models without pricing data).
func CalculateCost(modelName string, promptTokens, completionTokens int) (float64, error) {
	// Try to get pricing from KnownModels
	if info, exists := KnownModels[modelName]; exists {
		inputCost := (float64(promptTokens) / 1_000_000.0) * info.InputCPM
		outputCost := (float64(completionTokens) / 1_000_000.0) * info.OutputCPM
		return inputCost + outputCost, nil
	}

	// For unknown models, return 0 cost (allows usage but no cost tracking)
	// This is intentional - we want to support new models without requiring pricing data
	return 0.0, nil
}

// GetAPIKey returns the API key for a given provider.
// Checks secrets file first, then falls back to environment variables.
// For Ollama, returns the host URL instead of an API key.
func GetAPIKey(provider string) (string, error) {
	var envVar string
	switch provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI:
		envVar = EnvOpenAIAPIKey
	case ProviderGoogle:
		envVar = EnvGoogleAPIKey
	case ProviderOllama:
		// Ollama doesn't use API keys - return host URL instead
		// Check environment variable first, then default to localhost
		host := os.Getenv(EnvOllamaHost)
		if host == "" {
			host = "http://localhost:11434"
		}
		return host, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	// Try to get from secrets file first, then environment variable
	key, err := GetSecret(envVar)
	if err == nil && key != "" {
		return key, nil
	}

	return "", fmt.Errorf("API key not found: %s not found in secrets file or environment variables", envVar)
}

// ResolveOperatingMode determines the operating mode based on CLI flag and config default.
// Precedence: CLI flag > config default_mode > "standard"
// This sets the runtime OperatingMode field (not persisted).
func ResolveOperatingMode(cliOfflineFlag bool) error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	var mode string
	if cliOfflineFlag {
		mode = OperatingModeOffline
		getLogger().Info("Operating mode: offline (from --offline flag)")
	} else if config.DefaultMode != "" {
		mode = config.DefaultMode
		getLogger().Info("Operating mode: %s (from config default_mode)", mode)
	} else {
		mode = OperatingModeStandard
		getLogger().Info("Operating mode: standard (default)")
	}

	// Validate mode value
	if mode != OperatingModeStandard && mode != OperatingModeOffline {
		return fmt.Errorf("invalid operating mode '%s': must be '%s' or '%s'",
			mode, OperatingModeStandard, OperatingModeOffline)
	}

	config.OperatingMode = mode
	return nil
}

// GetOperatingMode returns the current operating mode.
// Returns "standard" if not explicitly set.
func GetOperatingMode() string {
	mu.RLock()
	defer mu.RUnlock()

	if config == nil || config.OperatingMode == "" {
		return OperatingModeStandard
	}
	return config.OperatingMode
}

// IsOfflineMode returns true if currently operating in offline (local-only) mode.
func IsOfflineMode() bool {
	return GetOperatingMode() == OperatingModeOffline
}

// GetEffectiveExecutorModel returns the executor model to use based on current operating mode.
// In offline mode, returns the offline override if configured, otherwise the standard model.
func GetEffectiveExecutorModel() string {
	mu.RLock()
	defer mu.RUnlock()

	if config == nil || config.Agents == nil {
		return DefaultExecutorModel
	}

	if config.OperatingMode == OperatingModeOffline && config.Agents.Offline != nil && config.Agents.Offline.ExecutorModel != "" {
		return config.Agents.Offline.ExecutorModel
	}
	return config.Agents.ExecutorModel
}

// GetEffectiveReviewerModel returns the reviewer model to use based on current operating mode.
// In offline mode, returns the offline override if configured, otherwise the standard model.
func GetEffectiveReviewerModel() string {
	mu.RLock()
	defer mu.RUnlock()

	if config == nil || config.Agents == nil {
		return DefaultReviewerModel
	}

	if config.OperatingMode == OperatingModeOffline && config.Agents.Offline != nil && config.Agents.Offline.ReviewerModel != "" {
		return config.Agents.Offline.ReviewerModel
	}
	return config.Agents.ReviewerModel
}

// GetEffectiveAlignmentModel returns the alignment model to use based on current operating mode.
// In offline mode, returns the offline override if configured, otherwise the standard model.
func GetEffectiveAlignmentModel() string {
	mu.RLock()
	defer mu.RUnlock()

	if config == nil || config.Agents == nil {
		return DefaultAlignmentModel
	}

	if config.OperatingMode == OperatingModeOffline && config.Agents.Offline != nil && config.Agents.Offline.AlignmentModel != "" {
		return config.Agents.Offline.AlignmentModel
	}
	return config.Agents.AlignmentModel
}

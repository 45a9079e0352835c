package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for configuration, relative to the workspace.
const DefaultPath = ".autopilot/config.yaml"

// Config holds all autopilot configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Store        StoreConfig        `yaml:"store"`
	Knowledge    KnowledgeConfig    `yaml:"knowledge"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Agent        AgentConfig        `yaml:"agent"`
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// StoreConfig configures the durable session store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
	BusyTimeout  string `yaml:"busy_timeout"`
}

// KnowledgeConfig configures tier loading and resolution.
type KnowledgeConfig struct {
	LocalDir   string `yaml:"local_dir"`   // per-user snippets
	ProjectDir string `yaml:"project_dir"` // checked into the target repository
	OrgDir     string `yaml:"org_dir"`     // shared organisation snippets
	// BuiltIn snippets are embedded in the binary; DisableBuiltIn drops them.
	DisableBuiltIn bool `yaml:"disable_builtin"`

	BudgetChars        int    `yaml:"budget_chars"`         // 0 = unlimited
	MaxSemanticResults int    `yaml:"max_semantic_results"` // passed to the semantic search
	SearchTimeout      string `yaml:"search_timeout"`
	Watch              bool   `yaml:"watch"`
	WatchDebounce      string `yaml:"watch_debounce"`
}

// EmbeddingConfig configures the semantic search backend.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // ollama, genai, none
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
	IndexPath      string `yaml:"index_path"`
	BatchSize      int    `yaml:"batch_size"`
}

// OrchestratorConfig configures the session driver loops.
type OrchestratorConfig struct {
	MaxRetries         int    `yaml:"max_retries"`          // turn attempts before Failed
	RetryBackoffBase   string `yaml:"retry_backoff_base"`   // first backoff
	RetryBackoffMax    string `yaml:"retry_backoff_max"`    // backoff ceiling
	TurnTimeout        string `yaml:"turn_timeout"`         // resolve + agent call
	StorageRetries     int    `yaml:"storage_retries"`      // store I/O attempts
	CASRetries         int    `yaml:"cas_retries"`          // version conflict re-reads
	MaxConcurrentTurns int    `yaml:"max_concurrent_turns"` // agent calls in flight across sessions
	SubscriberBuffer   int    `yaml:"subscriber_buffer"`    // per-subscriber queue before drop
}

// AgentConfig configures the command-line coding agent.
type AgentConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	WorkDir        string   `yaml:"workdir"`
	FeaturesFile   string   `yaml:"features_file"`
	FatalExitCodes []int    `yaml:"fatal_exit_codes"`
}

// ServerConfig configures the HTTP front door.
type ServerConfig struct {
	Listen          string `yaml:"listen"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`      // debug, info, warn, error
	Format     string          `yaml:"format"`     // json, text
	DebugMode  bool            `yaml:"debug_mode"` // Master toggle - false = no logging (production)
	Categories map[string]bool `yaml:"categories"` // Per-category toggles
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "autopilot",
		Version: "0.4.0",

		Store: StoreConfig{
			DatabasePath: ".autopilot/sessions.db",
			BusyTimeout:  "5s",
		},

		Knowledge: KnowledgeConfig{
			LocalDir:           ".autopilot/snippets",
			ProjectDir:         ".snippets",
			BudgetChars:        24000,
			MaxSemanticResults: 8,
			SearchTimeout:      "5s",
			Watch:              true,
			WatchDebounce:      "500ms",
		},

		Embedding: EmbeddingConfig{
			Provider:       "none",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "nomic-embed-text",
			GenAIModel:     "gemini-embedding-001",
			IndexPath:      ".autopilot/knowledge.db",
			BatchSize:      32,
		},

		Orchestrator: OrchestratorConfig{
			MaxRetries:         3,
			RetryBackoffBase:   "5s",
			RetryBackoffMax:    "5m",
			TurnTimeout:        "30m",
			StorageRetries:     3,
			CASRetries:         5,
			MaxConcurrentTurns: 4,
			SubscriberBuffer:   64,
		},

		Agent: AgentConfig{
			Command:        "claude",
			Args:           []string{"-p", "--dangerously-skip-permissions"},
			WorkDir:        ".",
			FeaturesFile:   "feature_list.json",
			FatalExitCodes: []int{2},
		},

		Server: ServerConfig{
			Listen:          "127.0.0.1:8787",
			ShutdownTimeout: "30s",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("AUTOPILOT_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if addr := os.Getenv("AUTOPILOT_LISTEN"); addr != "" {
		c.Server.Listen = addr
	}
	if cmd := os.Getenv("AUTOPILOT_AGENT_CMD"); cmd != "" {
		fields := strings.Fields(cmd)
		c.Agent.Command = fields[0]
		c.Agent.Args = fields[1:]
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		if !strings.Contains(host, "://") {
			host = "http://" + host
		}
		c.Embedding.OllamaEndpoint = host
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
		if c.Embedding.Provider == "" || c.Embedding.Provider == "none" {
			c.Embedding.Provider = "genai"
		}
	}
}

// ValidProviders lists all supported embedding providers.
var ValidProviders = []string{"none", "ollama", "genai"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validProvider := false
	for _, p := range ValidProviders {
		if c.Embedding.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid embedding provider: %s (valid: %v)", c.Embedding.Provider, ValidProviders)
	}
	if c.Embedding.Provider == "genai" && c.Embedding.GenAIAPIKey == "" {
		return fmt.Errorf("genai embedding provider requires an API key (set GEMINI_API_KEY)")
	}
	if c.Store.DatabasePath == "" {
		return fmt.Errorf("store.database_path must be set")
	}
	if c.Orchestrator.MaxRetries < 1 {
		return fmt.Errorf("orchestrator.max_retries must be >= 1")
	}
	if c.Orchestrator.MaxConcurrentTurns < 1 {
		return fmt.Errorf("orchestrator.max_concurrent_turns must be >= 1")
	}
	if c.Knowledge.BudgetChars < 0 {
		return fmt.Errorf("knowledge.budget_chars must be >= 0")
	}
	return nil
}

// Resolve makes relative paths absolute against workspace.
func (c *Config) Resolve(workspace string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(workspace, p)
	}
	c.Store.DatabasePath = abs(c.Store.DatabasePath)
	c.Embedding.IndexPath = abs(c.Embedding.IndexPath)
	c.Knowledge.LocalDir = abs(c.Knowledge.LocalDir)
	c.Knowledge.ProjectDir = abs(c.Knowledge.ProjectDir)
	c.Knowledge.OrgDir = abs(c.Knowledge.OrgDir)
	c.Agent.WorkDir = abs(c.Agent.WorkDir)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetSearchTimeout returns the semantic search timeout as a duration.
func (c *Config) GetSearchTimeout() time.Duration {
	return parseDuration(c.Knowledge.SearchTimeout, 5*time.Second)
}

// GetWatchDebounce returns the tier watcher debounce window.
func (c *Config) GetWatchDebounce() time.Duration {
	return parseDuration(c.Knowledge.WatchDebounce, 500*time.Millisecond)
}

// GetTurnTimeout returns the per-turn timeout.
func (c *Config) GetTurnTimeout() time.Duration {
	return parseDuration(c.Orchestrator.TurnTimeout, 30*time.Minute)
}

// GetRetryBackoffBase returns the first retry backoff.
func (c *Config) GetRetryBackoffBase() time.Duration {
	return parseDuration(c.Orchestrator.RetryBackoffBase, 5*time.Second)
}

// GetRetryBackoffMax returns the backoff ceiling.
func (c *Config) GetRetryBackoffMax() time.Duration {
	return parseDuration(c.Orchestrator.RetryBackoffMax, 5*time.Minute)
}

// GetBusyTimeout returns the SQLite busy timeout.
func (c *Config) GetBusyTimeout() time.Duration {
	return parseDuration(c.Store.BusyTimeout, 5*time.Second)
}

// GetShutdownTimeout returns the graceful shutdown window.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 30*time.Second)
}

// IsCategoryEnabled returns whether logging is enabled for a category.
// Returns false if debug_mode is false (production mode).
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if !c.DebugMode {
		return false
	}
	if c.Categories == nil {
		return true
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true
	}
	return enabled
}

// Package config holds all gmkit configuration.
// Settings load from a YAML (or JSON) file with environment overrides, and are
// consumed as immutable snapshots: the turn controller takes one snapshot per
// turn, so a mid-turn settings edit never changes a turn's behavior.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all gmkit configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`

	// DataDir is the root for databases, logs and the event stream.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// Table/session identity defaults used when the interaction layer does
	// not supply its own.
	Voice VoiceConfig `yaml:"voice" json:"voice"`

	// LLM provider configuration
	LLM LLMConfig `yaml:"llm" json:"llm"`

	// Knowledge retrieval configuration
	Knowledge KnowledgeConfig `yaml:"knowledge" json:"knowledge"`

	// Prompt templates and language policy
	Prompts PromptsConfig `yaml:"prompts" json:"prompts"`

	// Logging
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// PlayerProfile names one speaker at the table.
type PlayerProfile struct {
	PlayerID     string `yaml:"player_id" json:"player_id"`
	DisplayName  string `yaml:"display_name" json:"display_name"`
	VoiceProfile string `yaml:"voice_profile" json:"voice_profile"`
}

// VoiceConfig carries table identity and locale defaults. The audio pipeline
// itself lives outside this repository; these fields are what the controller
// and CLI need to label turns.
type VoiceConfig struct {
	CampaignID string `yaml:"campaign_id" json:"campaign_id"`
	SessionID  string `yaml:"session_id" json:"session_id"`
	PlayerID   string `yaml:"player_id" json:"player_id"`
	Locale     string `yaml:"locale" json:"locale"`

	// Up to 8 speaker/player profiles for table play.
	PlayerProfiles []PlayerProfile `yaml:"player_profiles" json:"player_profiles"`
}

// LLMConfig configures the narration LLM provider.
type LLMConfig struct {
	Provider string `yaml:"provider" json:"provider"` // openai, gemini
	APIKey   string `yaml:"api_key" json:"api_key"`
	Model    string `yaml:"model" json:"model"`
	BaseURL  string `yaml:"base_url" json:"base_url"`
	Timeout  string `yaml:"timeout" json:"timeout"`
}

// EmbeddingConfig configures the embedding engine for knowledge search.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider" json:"provider"` // ollama, genai
	OllamaEndpoint string `yaml:"ollama_endpoint" json:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model" json:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key" json:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model" json:"genai_model"`
}

// KnowledgeConfig configures rulebook/lore retrieval.
type KnowledgeConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// DatabasePath is the SQLite file backing the vector index.
	DatabasePath string `yaml:"database_path" json:"database_path"`

	// Split collections: game content (rulebooks, lore, adventures) vs
	// GM guidance (best-practice / meta advice).
	SplitCollections   bool   `yaml:"split_collections" json:"split_collections"`
	GameCollection     string `yaml:"game_collection" json:"game_collection"`
	GuidanceCollection string `yaml:"guidance_collection" json:"guidance_collection"`

	// Retrieval defaults.
	TopK         int      `yaml:"top_k" json:"top_k"`
	ActiveDocIDs []string `yaml:"active_doc_ids" json:"active_doc_ids"`

	// Chunking defaults for lore ingest.
	ChunkMaxChars int `yaml:"chunk_max_chars" json:"chunk_max_chars"`
	ChunkOverlap  int `yaml:"chunk_overlap" json:"chunk_overlap"`

	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
}

// PromptsConfig configures prompt templates and the language policy.
type PromptsConfig struct {
	IntentClassifySystem string `yaml:"intent_classify_system" json:"intent_classify_system"`
	ResolveSystem        string `yaml:"resolve_system" json:"resolve_system"`
	ResolveUserTemplate  string `yaml:"resolve_user_template" json:"resolve_user_template"`

	IncludeMemory bool `yaml:"include_memory" json:"include_memory"`
	MemoryTurns   int  `yaml:"memory_turns" json:"memory_turns"`

	// ResponseLanguageMode:
	// - player: follow the language of the player's latest utterance
	// - locale: force the configured locale
	ResponseLanguageMode string `yaml:"response_language_mode" json:"response_language_mode"`
}

// LoggingConfig configures the categorized debug logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode"`
	Level      string          `yaml:"level" json:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format" json:"json_format"`
	Categories map[string]bool `yaml:"categories" json:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "gmkit",
		Version: "0.3.0",
		DataDir: "data",

		Voice: VoiceConfig{
			CampaignID: "demo",
			SessionID:  "table",
			PlayerID:   "player1",
			Locale:     "en-US",
			PlayerProfiles: []PlayerProfile{
				{PlayerID: "player1", DisplayName: "Player 1"},
			},
		},

		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			BaseURL:  "https://api.openai.com/v1",
			Timeout:  "120s",
		},

		Knowledge: KnowledgeConfig{
			Enabled:            false,
			DatabasePath:       "data/knowledge.db",
			SplitCollections:   true,
			GameCollection:     "gm_knowledge_game",
			GuidanceCollection: "gm_knowledge_guidance",
			TopK:               5,
			ChunkMaxChars:      1200,
			ChunkOverlap:       120,
			Embedding: EmbeddingConfig{
				Provider:       "ollama",
				OllamaEndpoint: "http://localhost:11434",
				OllamaModel:    "embeddinggemma",
				GenAIModel:     "gemini-embedding-001",
			},
		},

		Prompts: PromptsConfig{
			IntentClassifySystem: "Classify player intent into one of: action, question, dialogue, meta.",
			ResolveSystem: "You are a strict, consistent tabletop GM assistant. " +
				"You must be concise and deterministic. If rules are unclear, ask a clarifying question.",
			ResolveUserTemplate: "Player said: {{transcript}}\n\n" +
				"Recent memory:\n{{memory}}\n\n" +
				"State snapshot: {{state_json}}\n\n" +
				"Relevant rules/lore:\n{{snippets}}\n\n" +
				"Reply only with the GM's narration (1-3 concise sentences). Do not output JSON.",
			IncludeMemory:        true,
			MemoryTurns:          12,
			ResponseLanguageMode: "player",
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load loads configuration from a YAML or JSON file. A missing file yields
// defaults; env overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
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
	// LLM API key from environment (checked in priority order).
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "openai"
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
		if c.Knowledge.Embedding.GenAIAPIKey == "" {
			c.Knowledge.Embedding.GenAIAPIKey = key
		}
	}

	if url := os.Getenv("OPENAI_BASE_URL"); strings.TrimSpace(url) != "" {
		c.LLM.BaseURL = url
	}
	if path := os.Getenv("GMKIT_DATA_DIR"); path != "" {
		c.DataDir = path
	}
	if path := os.Getenv("GMKIT_KNOWLEDGE_DB"); path != "" {
		c.Knowledge.DatabasePath = path
	}
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// StateDBPath returns the SQLite file backing the world-state store.
func (c *Config) StateDBPath() string {
	return filepath.Join(c.DataDir, "state.db")
}

// EventLogPath returns the JSONL event stream path.
func (c *Config) EventLogPath() string {
	return filepath.Join(c.DataDir, "events.jsonl")
}

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{"openai", "gemini"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set OPENAI_API_KEY or GEMINI_API_KEY)")
	}

	validProvider := false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}

	if mode := c.Prompts.ResponseLanguageMode; mode != "player" && mode != "locale" {
		return fmt.Errorf("invalid response_language_mode: %s (valid: player, locale)", mode)
	}
	return nil
}

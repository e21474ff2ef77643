// Package config provides configuration management for buildcopy.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultWorkerPort is the default HTTP port for the worker service.
	DefaultWorkerPort = 38080

	// SettingsFileName is the JSON-with-comments settings document, stored
	// next to the workspace (sibling of backups/).
	SettingsFileName = "settings.jsonc"
)

// API provider tags.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Code change strategies.
const (
	StrategyFull  = "full"
	StrategyBlock = "block"
)

// PromptPaths selects the system-prompt file per code change strategy.
type PromptPaths struct {
	Full  string `json:"full"`
	Block string `json:"block"`
}

// GeminiParameters are the Gemini backend settings.
type GeminiParameters struct {
	Model       string      `json:"model"`
	Temperature float64     `json:"temperature"`
	TopP        float64     `json:"topP"`
	TopK        int         `json:"topK"`
	Prompts     PromptPaths `json:"prompts"`
}

// OpenAIParameters are the OpenAI-compatible backend settings.
type OpenAIParameters struct {
	BaseURL     string      `json:"baseURL"`
	Model       string      `json:"model"`
	Temperature float64     `json:"temperature"`
	TopP        float64     `json:"topP"`
	Prompts     PromptPaths `json:"prompts"`
}

// TokenDisplay controls whether and which token counters are surfaced.
type TokenDisplay struct {
	Enabled      bool     `json:"enabled"`
	DisplayTypes []string `json:"displayTypes"`
}

// Config holds the application configuration.
type Config struct {
	APIProvider            string           `json:"apiProvider"`
	CodeChangeStrategy     string           `json:"codeChangeStrategy"`
	OptimizeCodeContext    bool             `json:"optimizeCodeContext"`
	MaxContextHistoryTurns int              `json:"maxContextHistoryTurns"`
	EnableStreaming        bool             `json:"enableStreaming"`
	DisplayTokens          TokenDisplay     `json:"displayTokenConsumption"`
	ModelParameters        GeminiParameters `json:"modelParameters"`
	OpenAIParameters       OpenAIParameters `json:"openaiParameters"`
	WorkerPort             int              `json:"workerPort"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		APIProvider:            ProviderGemini,
		CodeChangeStrategy:     StrategyFull,
		OptimizeCodeContext:    true,
		MaxContextHistoryTurns: -1,
		EnableStreaming:        true,
		DisplayTokens: TokenDisplay{
			Enabled:      true,
			DisplayTypes: []string{"prompt", "completion", "total"},
		},
		ModelParameters: GeminiParameters{
			Model:       "gemini-2.5-flash",
			Temperature: 1.0,
			TopP:        0.95,
			TopK:        64,
		},
		OpenAIParameters: OpenAIParameters{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o",
			Temperature: 1.0,
			TopP:        1.0,
		},
		WorkerPort: DefaultWorkerPort,
	}
}

// Load reads the settings document at path, merging it over defaults.
// A missing file yields pure defaults; a malformed file falls back to
// defaults and logs once, per the config error policy.
func Load(path string) *Config {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("Cannot read settings, using defaults")
		}
		return cfg
	}

	if err := json.Unmarshal(StripComments(data), cfg); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Malformed settings, using defaults")
		return Default()
	}
	cfg.normalize(path)
	return cfg
}

// normalize repairs out-of-range fields back to documented defaults.
func (c *Config) normalize(path string) {
	def := Default()
	if c.APIProvider != ProviderGemini && c.APIProvider != ProviderOpenAI {
		log.Warn().Str("apiProvider", c.APIProvider).Str("path", path).Msg("Unknown apiProvider, using default")
		c.APIProvider = def.APIProvider
	}
	if c.CodeChangeStrategy != StrategyFull && c.CodeChangeStrategy != StrategyBlock {
		log.Warn().Str("codeChangeStrategy", c.CodeChangeStrategy).Str("path", path).Msg("Unknown codeChangeStrategy, using default")
		c.CodeChangeStrategy = def.CodeChangeStrategy
	}
	if c.MaxContextHistoryTurns < -1 {
		c.MaxContextHistoryTurns = -1
	}
	if c.WorkerPort <= 0 || c.WorkerPort > 65535 {
		c.WorkerPort = def.WorkerPort
	}
	if c.ModelParameters.Model == "" {
		c.ModelParameters.Model = def.ModelParameters.Model
	}
	if c.OpenAIParameters.Model == "" {
		c.OpenAIParameters.Model = def.OpenAIParameters.Model
	}
	if c.OpenAIParameters.BaseURL == "" {
		c.OpenAIParameters.BaseURL = def.OpenAIParameters.BaseURL
	}
}

// PromptPath returns the system-prompt file configured for the active
// provider and strategy. Empty when unset; callers fall back to the
// built-in prompt.
func (c *Config) PromptPath() string {
	var p PromptPaths
	switch c.APIProvider {
	case ProviderOpenAI:
		p = c.OpenAIParameters.Prompts
	default:
		p = c.ModelParameters.Prompts
	}
	if c.CodeChangeStrategy == StrategyBlock {
		return p.Block
	}
	return p.Full
}

var (
	globalConfig *Config
	configOnce   sync.Once
	globalPath   string
)

// Init binds the global settings path. Must be called before Get.
func Init(settingsPath string) {
	globalPath = settingsPath
}

// Get returns the global configuration, loading it once.
func Get() *Config {
	configOnce.Do(func() {
		globalConfig = Load(globalPath)
	})
	return globalConfig
}

// WorkerPort returns the worker port from environment or config.
func WorkerPort(cfg *Config) int {
	if port := os.Getenv("BUILDCOPY_WORKER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 && p <= 65535 {
			return p
		}
	}
	return cfg.WorkerPort
}

// GeminiAPIKey returns the Gemini API key from the process environment.
// Secrets are never read from the settings file.
func GeminiAPIKey() string {
	return os.Getenv("GEMINI_API_KEY")
}

// OpenAIAPIKey returns the OpenAI API key from the process environment.
func OpenAIAPIKey() string {
	return os.Getenv("OPENAI_API_KEY")
}

// SettingsPath returns the settings file location for a workspace root:
// a sibling of the workspace, alongside backups/ and conversations/.
func SettingsPath(workspaceRoot string) string {
	return filepath.Join(filepath.Dir(workspaceRoot), SettingsFileName)
}

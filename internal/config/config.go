// Package config handles Tether configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./tether.yaml, ./config/tether.yaml, ~/.config/tether/config.yaml,
// /etc/tether/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"tether.yaml", filepath.Join("config", "tether.yaml")}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tether", "config.yaml"))
	}

	paths = append(paths, "/etc/tether/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Validation errors returned by [Config.Validate].
var (
	ErrMissingModel           = errors.New("missing required field 'model' in configuration")
	ErrMissingDefaultProvider = errors.New("missing required field 'default_provider' in configuration")
	ErrNoProviders            = errors.New("no providers configured - at least one providers entry is required")
)

// Config holds all Tether configuration.
type Config struct {
	DefaultProvider string           `yaml:"default_provider"`
	Model           string           `yaml:"model"`
	SystemPrompt    string           `yaml:"system_prompt,omitempty"`
	PromptTemplate  string           `yaml:"prompt_template,omitempty"`
	Prompts         PromptsConfig    `yaml:"prompts,omitempty"`
	Providers       []ProviderConfig `yaml:"providers"`
	Servers         []ServerConfig   `yaml:"servers,omitempty"`
	Tools           []ToolConfig     `yaml:"tools,omitempty"`
	Agent           AgentConfig      `yaml:"agent,omitempty"`
	Listen          ListenConfig     `yaml:"listen,omitempty"`
	Metrics         MetricsConfig    `yaml:"metrics,omitempty"`
	MQTT            MQTTConfig       `yaml:"mqtt,omitempty"`
	DataDir         string           `yaml:"data_dir,omitempty"`
	LogLevel        string           `yaml:"log_level,omitempty"`
	LogFormat       string           `yaml:"log_format,omitempty"`
}

// ProviderConfig describes one model backend. Type selects the wire
// format: "ollama"/"localai", "gemini"/"google", "anthropic"/"claude";
// anything else is treated as OpenAI-compatible.
type ProviderConfig struct {
	ID       string `yaml:"id"`
	Type     string `yaml:"type"`
	Endpoint string `yaml:"endpoint,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
	// APIKeyEnv names an environment variable holding the API key. It
	// is consulted when APIKey is empty.
	APIKeyEnv string      `yaml:"api_key_env,omitempty"`
	APIPath   string      `yaml:"api_path,omitempty"`
	Models    []ModelInfo `yaml:"models,omitempty"`
}

// ModelInfo is one model offered by a provider. In YAML it may be a bare
// string or a mapping with name and display_name.
type ModelInfo struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name,omitempty"`
}

// UnmarshalYAML accepts either a scalar model name or a mapping.
func (m *ModelInfo) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		m.Name = node.Value
		return nil
	}
	type plain ModelInfo
	return node.Decode((*plain)(m))
}

// ResolveAPIKey returns the configured key, falling back to the
// environment variable named by APIKeyEnv.
func (p ProviderConfig) ResolveAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}

// ModelNames returns the names of the provider's declared models.
func (p ProviderConfig) ModelNames() []string {
	names := make([]string, 0, len(p.Models))
	for _, m := range p.Models {
		names = append(names, m.Name)
	}
	return names
}

// EnsureModel appends model to the provider's model list if absent.
func (p *ProviderConfig) EnsureModel(model string) {
	for _, m := range p.Models {
		if m.Name == model {
			return
		}
	}
	p.Models = append(p.Models, ModelInfo{Name: model})
}

// ServerConfig describes one MCP tool server launched over stdio.
type ServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Workdir string            `yaml:"workdir,omitempty"`
	// DefaultTimezone and DefaultCity are exported to the server process
	// as DEFAULT_TIMEZONE and DEFAULT_CITY unless Env already sets them.
	DefaultTimezone string `yaml:"default_timezone,omitempty"`
	DefaultCity     string `yaml:"default_city,omitempty"`
}

// ProcessEnv returns the environment overrides for the server process.
func (s ServerConfig) ProcessEnv() map[string]string {
	env := make(map[string]string, len(s.Env)+2)
	for k, v := range s.Env {
		env[k] = v
	}
	if _, ok := env["DEFAULT_TIMEZONE"]; !ok && s.DefaultTimezone != "" {
		env["DEFAULT_TIMEZONE"] = s.DefaultTimezone
	}
	if _, ok := env["DEFAULT_CITY"]; !ok && s.DefaultCity != "" {
		env["DEFAULT_CITY"] = s.DefaultCity
	}
	return env
}

// ToolConfig declares a tool the agent may call. In YAML it may be a
// bare string (name only) or a mapping.
type ToolConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Server      string `yaml:"server,omitempty"`
}

// UnmarshalYAML accepts either a scalar tool name or a mapping.
func (t *ToolConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		t.Name = node.Value
		return nil
	}
	type plain ToolConfig
	return node.Decode((*plain)(t))
}

// PromptsConfig holds the configurable fragments of the chat and agent
// prompts. Empty fields fall back to the built-in defaults.
type PromptsConfig struct {
	ToolGuidance          string `yaml:"tool_guidance,omitempty"`
	FallbackGuidance      string `yaml:"fallback_guidance,omitempty"`
	JSONRetryMessage      string `yaml:"json_retry_message,omitempty"`
	ToolResultInstruction string `yaml:"tool_result_instruction,omitempty"`
}

// AgentConfig holds agent loop settings.
type AgentConfig struct {
	// MaxSteps bounds tool calls per run (default 8).
	MaxSteps int `yaml:"max_steps,omitempty"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address,omitempty"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port,omitempty"`
	// CORSOrigins lists allowed browser origins. Empty allows any.
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"` // Default: /metrics
}

// MQTTConfig configures the optional event publisher.
type MQTTConfig struct {
	Enabled    bool   `yaml:"enabled,omitempty"`
	Broker     string `yaml:"broker,omitempty"` // e.g. mqtt://localhost:1883
	Username   string `yaml:"username,omitempty"`
	Password   string `yaml:"password,omitempty"`
	DeviceName string `yaml:"device_name,omitempty"`
	KeepAlive  int    `yaml:"keep_alive,omitempty"` // seconds, default 30
}

// Configured reports whether the MQTT publisher has enough settings to run.
func (c MQTTConfig) Configured() bool {
	return c.Enabled && c.Broker != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw YAML configuration. Environment references like
// ${VAR} are expanded before decoding.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration pointing at a local Ollama.
func Default() *Config {
	cfg := &Config{
		DefaultProvider: "ollama",
		Model:           "qwen3:4b",
		Providers: []ProviderConfig{
			{ID: "ollama", Type: "ollama", Endpoint: DefaultOllamaEndpoint},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = DefaultMaxSteps
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "tether"
	}
	if c.MQTT.KeepAlive <= 0 {
		c.MQTT.KeepAlive = 30
	}
	if c.PromptTemplate == "" {
		c.PromptTemplate = DefaultPromptTemplate
	}
	c.Prompts.applyDefaults()
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	c.DataDir = expandHome(c.DataDir)

	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Endpoint == "" {
			p.Endpoint = defaultEndpoint(p.Type)
		}
	}

	for i := range c.Servers {
		s := &c.Servers[i]
		s.Command = expandHome(s.Command)
		s.Workdir = expandHome(s.Workdir)
		for j, arg := range s.Args {
			s.Args[j] = expandHome(arg)
		}
	}

	for i := range c.Providers {
		if c.Providers[i].ID == c.DefaultProvider && c.Model != "" {
			c.Providers[i].EnsureModel(c.Model)
		}
	}
}

func (p *PromptsConfig) applyDefaults() {
	if p.ToolGuidance == "" {
		p.ToolGuidance = DefaultToolGuidance
	}
	if p.FallbackGuidance == "" {
		p.FallbackGuidance = DefaultFallbackGuidance
	}
	if p.JSONRetryMessage == "" {
		p.JSONRetryMessage = DefaultJSONRetryMessage
	}
	if p.ToolResultInstruction == "" {
		p.ToolResultInstruction = DefaultToolResultInstruction
	}
}

// Validate checks required fields and cross references.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return ErrMissingModel
	}
	if strings.TrimSpace(c.DefaultProvider) == "" {
		return ErrMissingDefaultProvider
	}
	if len(c.Providers) == 0 {
		return ErrNoProviders
	}

	found := false
	for _, p := range c.Providers {
		if p.ID == "" {
			return errors.New("provider entry is missing required field 'id'")
		}
		if p.Endpoint == "" {
			return fmt.Errorf("provider '%s' is missing required field 'endpoint'", p.ID)
		}
		if p.ID == c.DefaultProvider {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("default provider '%s' not found in configured providers", c.DefaultProvider)
	}

	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if s.Name == "" {
			return errors.New("server entry is missing required field 'name'")
		}
		if s.Command == "" {
			return fmt.Errorf("server '%s' is missing required field 'command'", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("server '%s' is configured more than once", s.Name)
		}
		seen[s.Name] = true
	}

	for _, t := range c.Tools {
		if t.Name == "" {
			return errors.New("tool entry is missing required field 'name'")
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Provider returns the provider with the given id.
func (c *Config) Provider(id string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Redacted returns a copy of the configuration with secrets masked,
// suitable for display over the API or on a terminal.
func (c *Config) Redacted() *Config {
	out := *c
	out.Providers = make([]ProviderConfig, len(c.Providers))
	for i, p := range c.Providers {
		if p.APIKey != "" {
			p.APIKey = "********"
		}
		out.Providers[i] = p
	}
	if out.MQTT.Password != "" {
		out.MQTT.Password = "********"
	}
	return &out
}

func defaultEndpoint(providerType string) string {
	switch strings.ToLower(providerType) {
	case "ollama", "localai":
		return DefaultOllamaEndpoint
	case "gemini", "google":
		return DefaultGeminiEndpoint
	case "anthropic", "claude":
		return DefaultAnthropicEndpoint
	case "openai":
		return DefaultOpenAIEndpoint
	}
	return ""
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

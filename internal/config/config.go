package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config is the sandbox-wide settings file shape: the jail root, allowed
// and blocked hosts, the shell allowlist, the rate-limiter profile, LLM
// session budgets, the admin token secret, and LLM provider settings. It
// holds no trust ceilings, fuel/timeout tables, or per-skill overrides;
// those live in internal/trust and executor.Config. A Manager loads a
// user-level file and a project-level file and merges them the same way
// the teacher's settings system does — project overrides user, and an
// explicit zero value on both falls through to the built-in default.
type Config struct {
	// JailRoot is the filesystem capability's root directory.
	JailRoot string `json:"jail_root,omitempty"`

	// AllowedHosts feeds the fetch capability's host allowlist in
	// sandboxctl. BlockedHosts is merged like the other fields, but
	// sandboxctl does not pass it to the fetch capability.
	AllowedHosts []string `json:"allowed_hosts,omitempty"`
	BlockedHosts []string `json:"blocked_hosts,omitempty"`

	// ShellAllowlist names the executables the shell capability may spawn.
	ShellAllowlist []string `json:"shell_allowlist,omitempty"`

	// RateLimitProfile selects one of the rate limiter's factory presets
	// ("default" or "strict"); an unrecognized value falls back to
	// "default".
	RateLimitProfile string `json:"rate_limit_profile,omitempty"`

	// LLMSessionTokenBudget and LLMSessionRequestCap are merged like the
	// other fields; sandboxctl does not pass them to the LLM capability,
	// which applies its own session-wide defaults.
	LLMSessionTokenBudget int `json:"llm_session_token_budget,omitempty"`
	LLMSessionRequestCap  int `json:"llm_session_request_cap,omitempty"`

	// AdminTokenSecret holds an HMAC secret for administrative JWTs
	// (§4.14). No code in this module reads it from Config;
	// internal/adminauth takes its secret as a constructor argument.
	AdminTokenSecret string `json:"admin_token_secret,omitempty"`

	// LLM provider settings, carried over from the host's underlying
	// chat client configuration.
	Model   string `json:"model,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
}

// Manager loads, merges, and persists Config across the user and
// project scopes.
type Manager struct {
	userConfig    *Config
	projectConfig *Config
	merged        *Config
}

func NewManager() *Manager {
	return &Manager{
		userConfig:    &Config{},
		projectConfig: &Config{},
		merged:        &Config{},
	}
}

func (m *Manager) Load(userConfigDir, projectDir string) error {
	userConfigPath := filepath.Join(userConfigDir, "settings.json")
	if err := m.loadConfig(userConfigPath, m.userConfig); err != nil {
		return err
	}

	projectConfigPath := filepath.Join(projectDir, ".capsule", "settings.json")
	if err := m.loadConfig(projectConfigPath, m.projectConfig); err != nil {
		return err
	}

	m.mergeConfigs()
	return nil
}

func (m *Manager) loadConfig(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, config)
}

func (m *Manager) mergeConfigs() {
	m.merged = &Config{
		JailRoot:              m.getStringValue(m.userConfig.JailRoot, m.projectConfig.JailRoot, ""),
		AllowedHosts:          m.getSliceValue(m.userConfig.AllowedHosts, m.projectConfig.AllowedHosts),
		BlockedHosts:          m.getSliceValue(m.userConfig.BlockedHosts, m.projectConfig.BlockedHosts),
		ShellAllowlist:        m.getSliceValue(m.userConfig.ShellAllowlist, m.projectConfig.ShellAllowlist),
		RateLimitProfile:      m.getStringValue(m.userConfig.RateLimitProfile, m.projectConfig.RateLimitProfile, "default"),
		LLMSessionTokenBudget: m.getIntValue(m.userConfig.LLMSessionTokenBudget, m.projectConfig.LLMSessionTokenBudget, 100000),
		LLMSessionRequestCap:  m.getIntValue(m.userConfig.LLMSessionRequestCap, m.projectConfig.LLMSessionRequestCap, 100),
		AdminTokenSecret:      m.getStringValue(m.userConfig.AdminTokenSecret, m.projectConfig.AdminTokenSecret, ""),
		Model:                 m.getStringValue(m.userConfig.Model, m.projectConfig.Model, ""),
		APIKey:                m.getStringValue(m.userConfig.APIKey, m.projectConfig.APIKey, ""),
		BaseURL:               m.getStringValue(m.userConfig.BaseURL, m.projectConfig.BaseURL, ""),
	}
}

func (m *Manager) getStringValue(user, project, defaultValue string) string {
	if project != "" {
		return project
	}
	if user != "" {
		return user
	}
	return defaultValue
}

func (m *Manager) getSliceValue(user, project []string) []string {
	if len(project) > 0 {
		return project
	}
	if len(user) > 0 {
		return user
	}
	return nil
}

func (m *Manager) getIntValue(user, project, defaultValue int) int {
	if project != 0 {
		return project
	}
	if user != 0 {
		return user
	}
	return defaultValue
}

func (m *Manager) Get() *Config {
	return m.merged
}

func (m *Manager) SaveUserConfig(userConfigDir string) error {
	configPath := filepath.Join(userConfigDir, "settings.json")
	if err := os.MkdirAll(userConfigDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.userConfig, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configPath, data, 0o644)
}

func (m *Manager) SaveProjectConfig(projectDir string) error {
	dir := filepath.Join(projectDir, ".capsule")
	configPath := filepath.Join(dir, "settings.json")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.projectConfig, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configPath, data, 0o644)
}

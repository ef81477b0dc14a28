package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const defaultBackend = "https://ask.example.com/api"

// ConfigFile is ~/.ask/config.yaml. All fields are optional; pointers
// distinguish "unset" from a zero value so CLI flags and env vars can layer
// on top.
type ConfigFile struct {
	Backend    *string `yaml:"backend,omitempty"`
	Model      *string `yaml:"model,omitempty"`
	Timeout    *int    `yaml:"timeout,omitempty"` // Seconds, non-streaming requests
	Markdown   *bool   `yaml:"markdown,omitempty"`
	GuestSave  *bool   `yaml:"guest_save,omitempty"`
	WebSearch  *bool   `yaml:"web_search,omitempty"`
	Censorship *bool   `yaml:"censorship,omitempty"`
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".ask")
}

func loadConfig() (*ConfigFile, error) {
	dir := configDir()
	configPath := filepath.Join(dir, "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// No config yet; create the directory structure and run on defaults.
			os.MkdirAll(dir, 0o755)
			return &ConfigFile{}, nil
		}
		// Can't read the config, but don't fail the program
		return &ConfigFile{}, nil
	}

	var cfg ConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	os.MkdirAll(dir, 0o755)
	return &cfg, nil
}

// getFirstEnv returns the first non-empty environment variable from the list,
// or fallback.
func getFirstEnv(fallback string, envVars ...string) string {
	for _, v := range envVars {
		if val := os.Getenv(v); val != "" {
			return val
		}
	}
	return fallback
}

// resolveBackend layers flag > env > config > built-in default.
func resolveBackend(flagValue string, cfg *ConfigFile) string {
	if flagValue != "" {
		return flagValue
	}
	if env := getFirstEnv("", "ASK_BACKEND", "ASK_API_BASE"); env != "" {
		return env
	}
	if cfg.Backend != nil && *cfg.Backend != "" {
		return *cfg.Backend
	}
	return defaultBackend
}

// resolveModel layers flag > env > config > built-in default.
func resolveModel(flagValue string, cfg *ConfigFile) string {
	if flagValue != "" {
		return flagValue
	}
	if env := getFirstEnv("", "ASK_MODEL"); env != "" {
		return env
	}
	if cfg.Model != nil && *cfg.Model != "" {
		return *cfg.Model
	}
	return "gemini"
}

func boolOr(p *bool, fallback bool) bool {
	if p != nil {
		return *p
	}
	return fallback
}

func intOr(p *int, fallback int) int {
	if p != nil {
		return *p
	}
	return fallback
}

package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FlashConfig carries the defaults that can be set once in a .env file or
// the environment instead of on every invocation.
type FlashConfig struct {
	Verbose    bool
	CommDelay  int // milliseconds inserted after each packet, 0 disables
	LogLevel   string
	LogOutput  string
	DisableTUI bool
}

var (
	flashConfig  *FlashConfig
	configLoaded bool
)

func LoadFlashConfig() (*FlashConfig, error) {
	if flashConfig != nil && configLoaded {
		return flashConfig, nil
	}

	cfg := &FlashConfig{LogLevel: "info", LogOutput: "stderr"}

	// Try to load from .env file in project root
	projectRoot := findProjectRoot()
	envPath := filepath.Join(projectRoot, ".env")

	data, err := os.ReadFile(envPath)
	if err == nil {
		parseEnvFile(string(data), cfg)
	}

	// Override with environment variables if set
	applyEnv(cfg, os.Getenv)

	flashConfig = cfg
	configLoaded = true
	return cfg, nil
}

func applyEnv(cfg *FlashConfig, getenv func(string) string) {
	if v := getenv("ODINFLASH_VERBOSE"); v != "" {
		cfg.Verbose = isTruthy(v)
	}
	if v := getenv("ODINFLASH_COMM_DELAY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			cfg.CommDelay = ms
		}
	}
	if v := getenv("ODINFLASH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("ODINFLASH_LOG_OUTPUT"); v != "" {
		cfg.LogOutput = v
	}
	if v := getenv("ODINFLASH_NO_TUI"); v != "" {
		cfg.DisableTUI = isTruthy(v)
	}
}

func parseEnvFile(content string, cfg *FlashConfig) {
	vars := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		vars[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	applyEnv(cfg, func(key string) string { return vars[key] })
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	// First check CWD for .env file
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	// Then walk up looking for go.mod
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}

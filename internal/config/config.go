package config

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Host         string `json:"host"`
	Port         string `json:"port"`
	DebugEnabled bool   `json:"debug_enabled"`
	DebugLogSSE  bool   `json:"debug_log_sse"`

	// Upstream inference service
	UpstreamBaseURL    string `json:"upstream_base_url"`
	Model              string `json:"model"`
	MaxRetries         int    `json:"max_retries"`
	RetryDelay         int    `json:"retry_delay"`     // milliseconds
	RequestTimeout     int    `json:"request_timeout"` // seconds, per attempt
	EmptyStreamIsError bool   `json:"empty_stream_is_error"`
	BreakerEnabled     *bool  `json:"breaker_enabled"`

	// Inbound limits
	MaxUploadBytes     int64 `json:"max_upload_bytes"`
	JPEGQuality        int   `json:"jpeg_quality"`
	ConcurrencyLimit   int   `json:"concurrency_limit"`
	ConcurrencyTimeout int   `json:"concurrency_timeout"` // seconds

	// Proxy Configuration
	ProxyHTTP   string   `json:"proxy_http"`
	ProxyHTTPS  string   `json:"proxy_https"`
	ProxyUser   string   `json:"proxy_user"`
	ProxyPass   string   `json:"proxy_pass"`
	ProxyBypass []string `json:"proxy_bypass"`
}

// Load reads the config file at path. With an empty path the usual file names
// are probed in the working directory; when none exists the defaults are used.
// VISION_GATEWAY_* environment variables override file values.
func Load(path string) (*Config, string, error) {
	resolvedPath := resolveConfigPath(path)
	cfg := Config{}
	if resolvedPath != "" {
		if err := loadFile(resolvedPath, &cfg); err != nil {
			return nil, "", err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, "", err
	}
	ApplyDefaults(&cfg)
	return &cfg, resolvedPath, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config json: %w", err)
		}
	case ".yaml", ".yml":
		m, err := parseYAMLFlat(data)
		if err != nil {
			return err
		}
		if err := merge(cfg, normalizeKinds(m)); err != nil {
			return fmt.Errorf("failed to parse config yaml: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
	return nil
}

// merge overlays the keys of m onto cfg.
func merge(cfg *Config, m map[string]interface{}) error {
	if len(m) == 0 {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, cfg)
}

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}

	candidates := []string{"config.json", "config.yaml", "config.yml"}
	for _, name := range candidates {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

func ApplyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == "" {
		cfg.Port = "8000"
	}
	if cfg.UpstreamBaseURL == "" {
		cfg.UpstreamBaseURL = "http://image-model:23333"
	}
	cfg.UpstreamBaseURL = strings.TrimRight(strings.TrimSpace(cfg.UpstreamBaseURL), "/")
	if cfg.Model == "" {
		cfg.Model = "internvl3-2b-awq"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2000
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 300
	}
	if cfg.BreakerEnabled == nil {
		v := true
		cfg.BreakerEnabled = &v
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 20 << 20
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 75
	}
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = 100
	}
	if cfg.ConcurrencyTimeout <= 0 {
		cfg.ConcurrencyTimeout = 60
	}
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func (c *Config) RetryDelayDuration() time.Duration {
	return time.Duration(c.RetryDelay) * time.Millisecond
}

func (c *Config) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

func (c *Config) BreakerOn() bool {
	return c.BreakerEnabled == nil || *c.BreakerEnabled
}

func parseYAMLFlat(data []byte) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Only strip inline comments where # is preceded by whitespace,
		// so URLs with fragments survive.
		if idx := strings.Index(line, " #"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		} else if idx := strings.Index(line, "\t#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid yaml line: %q", line)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		quoted := len(value) >= 2 && (value[0] == '"' || value[0] == '\'')
		value = strings.Trim(value, "\"'")

		if key == "" {
			continue
		}
		if value == "" || quoted {
			out[key] = value
			continue
		}
		if value == "true" || value == "false" {
			out[key] = value == "true"
			continue
		}
		if num, err := strconv.Atoi(value); err == nil {
			out[key] = num
			continue
		}
		if strings.HasPrefix(value, "[") && strings.HasSuffix(value, "]") {
			out[key] = splitInlineList(value[1 : len(value)-1])
			continue
		}
		out[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func splitInlineList(s string) []string {
	items := []string{}
	for _, item := range strings.Split(s, ",") {
		item = strings.Trim(strings.TrimSpace(item), "\"'")
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

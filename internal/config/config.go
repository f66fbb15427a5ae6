package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DirName is the memory root directory inside a repository.
const DirName = ".vector-memory"

// FileName is the config file inside the memory root.
const FileName = "config.yaml"

// LockConfig holds lock acquisition settings.
type LockConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ContentConfig holds decision content limits.
type ContentConfig struct {
	MaxBytes int `yaml:"max_bytes"`
}

// OrderConfig points at the exported task order, if any.
type OrderConfig struct {
	File string `yaml:"file,omitempty"`
}

// IndexConfig holds in-memory index settings.
type IndexConfig struct {
	Watch   bool `yaml:"watch"`
	Workers int  `yaml:"workers"`
}

// SyncConfig holds git persistence settings.
type SyncConfig struct {
	LabelPrefix string `yaml:"label_prefix"`
}

// Config holds vmem configuration.
type Config struct {
	Version string        `yaml:"version"`
	AgentID string        `yaml:"agent_id,omitempty"`
	Lock    LockConfig    `yaml:"lock"`
	Content ContentConfig `yaml:"content"`
	Order   OrderConfig   `yaml:"order,omitempty"`
	Index   IndexConfig   `yaml:"index"`
	Sync    SyncConfig    `yaml:"sync"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Version: "1",
		Lock: LockConfig{
			Timeout:      5 * time.Second,
			PollInterval: 10 * time.Millisecond,
		},
		Content: ContentConfig{
			MaxBytes: 100 * 1024,
		},
		Index: IndexConfig{
			Watch:   false,
			Workers: 8,
		},
		Sync: SyncConfig{
			LabelPrefix: "vector-memory",
		},
	}
}

// Home represents a loaded memory root.
type Home struct {
	Root   string
	Config Config
}

// Issue represents a health check finding.
type Issue struct {
	Severity string // "warning" or "error"
	Message  string
}

// RepoPath returns the repository holding the memory, respecting VMEM_REPO.
func RepoPath() string {
	if r := os.Getenv("VMEM_REPO"); r != "" {
		return r
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// Root returns the memory root inside repo.
func Root(repo string) string {
	return filepath.Join(repo, DirName)
}

// Init creates the memory root and a default config.yaml.
func Init(root string, force bool) error {
	cfgPath := filepath.Join(root, FileName)
	if _, err := os.Stat(cfgPath); err == nil && !force {
		return fmt.Errorf("vector memory already initialized at %s (use --force to reinitialize)", root)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", root, err)
	}
	h := &Home{Root: root, Config: DefaultConfig()}
	return h.Save()
}

// Load reads an existing config.yaml. Missing fields are filled from
// defaults.
func Load(root string) (*Home, error) {
	cfgPath := filepath.Join(root, FileName)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read config at %s: %w", cfgPath, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	return &Home{Root: root, Config: cfg}, nil
}

// LoadOrDefault is Load, except that a missing config.yaml yields the
// defaults.
func LoadOrDefault(root string) (*Home, error) {
	if _, err := os.Stat(filepath.Join(root, FileName)); os.IsNotExist(err) {
		return &Home{Root: root, Config: DefaultConfig()}, nil
	}
	return Load(root)
}

// Save writes the current config to config.yaml.
func (h *Home) Save() error {
	data, err := yaml.Marshal(h.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(h.Path(FileName), data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Keys lists every settable dot-path key.
var Keys = []string{
	"agent_id",
	"lock.timeout",
	"lock.poll_interval",
	"content.max_bytes",
	"order.file",
	"index.watch",
	"index.workers",
	"sync.label_prefix",
}

// Get returns a config value by dot-path key.
func (h *Home) Get(key string) (string, error) {
	c := h.Config
	switch key {
	case "agent_id":
		return c.AgentID, nil
	case "lock.timeout":
		return c.Lock.Timeout.String(), nil
	case "lock.poll_interval":
		return c.Lock.PollInterval.String(), nil
	case "content.max_bytes":
		return strconv.Itoa(c.Content.MaxBytes), nil
	case "order.file":
		return c.Order.File, nil
	case "index.watch":
		return strconv.FormatBool(c.Index.Watch), nil
	case "index.workers":
		return strconv.Itoa(c.Index.Workers), nil
	case "sync.label_prefix":
		return c.Sync.LabelPrefix, nil
	}
	return "", unknownKey(key)
}

// Set sets a config value by dot-path key (e.g. "lock.timeout") and saves.
func (h *Home) Set(key, value string) error {
	switch key {
	case "agent_id":
		h.Config.AgentID = value
	case "lock.timeout":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return fmt.Errorf("lock.timeout must be a positive duration (e.g. 5s)")
		}
		h.Config.Lock.Timeout = d
	case "lock.poll_interval":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return fmt.Errorf("lock.poll_interval must be a positive duration (e.g. 10ms)")
		}
		h.Config.Lock.PollInterval = d
	case "content.max_bytes":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("content.max_bytes must be a positive integer")
		}
		h.Config.Content.MaxBytes = n
	case "order.file":
		h.Config.Order.File = value
	case "index.watch":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("index.watch must be true or false")
		}
		h.Config.Index.Watch = b
	case "index.workers":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("index.workers must be a positive integer")
		}
		h.Config.Index.Workers = n
	case "sync.label_prefix":
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("sync.label_prefix must not be empty")
		}
		h.Config.Sync.LabelPrefix = value
	default:
		return unknownKey(key)
	}
	return h.Save()
}

func unknownKey(key string) error {
	return fmt.Errorf("unknown config key: %s\nValid keys: %s", key, strings.Join(Keys, ", "))
}

// Path resolves a path within the memory root.
func (h *Home) Path(parts ...string) string {
	all := append([]string{h.Root}, parts...)
	return filepath.Join(all...)
}

// OrderPath returns the configured order file, resolved against the
// repository when relative. It is empty when no order is configured.
func (h *Home) OrderPath() string {
	f := h.Config.Order.File
	if f == "" || filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(filepath.Dir(h.Root), f)
}

// CheckHealth verifies the memory root and its config.
func CheckHealth(root string) []Issue {
	var issues []Issue

	info, err := os.Stat(root)
	if err != nil {
		return append(issues, Issue{"error", fmt.Sprintf("missing directory: %s", root)})
	} else if !info.IsDir() {
		return append(issues, Issue{"error", fmt.Sprintf("expected directory but found file: %s", root)})
	}

	cfgPath := filepath.Join(root, FileName)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		issues = append(issues, Issue{"warning", fmt.Sprintf("cannot read %s, defaults in use: %v", FileName, err)})
		return issues
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		issues = append(issues, Issue{"error", fmt.Sprintf("%s is not valid YAML: %v", FileName, err)})
		return issues
	}
	if cfg.Lock.Timeout <= 0 {
		issues = append(issues, Issue{"error", "lock.timeout must be positive"})
	}
	if cfg.Content.MaxBytes <= 0 {
		issues = append(issues, Issue{"error", "content.max_bytes must be positive"})
	}
	if cfg.Order.File != "" {
		h := &Home{Root: root, Config: cfg}
		if _, err := os.Stat(h.OrderPath()); err != nil {
			issues = append(issues, Issue{"warning", fmt.Sprintf("order file %s not found", h.OrderPath())})
		}
	}
	return issues
}

// FixIssues attempts to repair simple issues in the memory root.
func FixIssues(root string) []string {
	var fixed []string

	if _, err := os.Stat(root); err != nil {
		if err := os.MkdirAll(root, 0755); err == nil {
			fixed = append(fixed, fmt.Sprintf("recreated missing directory: %s", root))
		}
	}

	cfgPath := filepath.Join(root, FileName)
	if _, err := os.Stat(cfgPath); err != nil {
		h := &Home{Root: root, Config: DefaultConfig()}
		if h.Save() == nil {
			fixed = append(fixed, "recreated missing config.yaml with defaults")
		}
	}

	return fixed
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel       string               `json:"log_level" yaml:"log_level"`
	Storage        StorageConfig        `json:"storage" yaml:"storage"`
	Invariants     InvariantsConfig     `json:"invariants" yaml:"invariants"`
	Rules          []RuleConfig         `json:"rules" yaml:"rules"`
	RulesFile      string               `json:"rules_file" yaml:"rules_file"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	Consent        ConsentConfig        `json:"consent" yaml:"consent"`
	Calibration    CalibrationConfig    `json:"calibration" yaml:"calibration"`
	FP             FPConfig             `json:"fp" yaml:"fp"`
	API            APIConfig            `json:"api" yaml:"api"`
	Kafka          KafkaConfig          `json:"kafka" yaml:"kafka"`
	Audit          AuditConfig          `json:"audit" yaml:"audit"`
	Metrics        MetricsConfig        `json:"metrics" yaml:"metrics"`
}

type StorageConfig struct {
	Driver       string          `json:"driver" yaml:"driver"`
	DSN          string          `json:"dsn" yaml:"dsn"`
	Timeout      time.Duration   `json:"timeout" yaml:"timeout"`
	BlockCounter BackendOverride `json:"block_counter" yaml:"block_counter"`
	Secrets      BackendOverride `json:"secrets" yaml:"secrets"`
	Redis        RedisConfig     `json:"redis" yaml:"redis"`
}

// BackendOverride selects a different backend for a single store. Empty
// fields inherit from StorageConfig.
type BackendOverride struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

type InvariantsConfig struct {
	SchemaVersion        string        `json:"schema_version" yaml:"schema_version"`
	SchemaHash           string        `json:"schema_hash" yaml:"schema_hash"`
	DriftThreshold       float64       `json:"drift_threshold" yaml:"drift_threshold"`
	DriftBlocking        bool          `json:"drift_blocking" yaml:"drift_blocking"`
	NonceMaxAge          time.Duration `json:"nonce_max_age" yaml:"nonce_max_age"`
	ContractionMinEvents int           `json:"contraction_min_events" yaml:"contraction_min_events"`
}

type RuleConfig struct {
	ID         string   `json:"id" yaml:"id"`
	Version    string   `json:"version" yaml:"version"`
	Severity   string   `json:"severity" yaml:"severity"`
	Categories []string `json:"categories" yaml:"categories"`
	PathGlob   string   `json:"path_glob" yaml:"path_glob"`
	Pattern    string   `json:"pattern" yaml:"pattern"`
	Message    string   `json:"message" yaml:"message"`
	Disabled   bool     `json:"disabled" yaml:"disabled"`
}

type CircuitBreakerConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Threshold int    `json:"threshold" yaml:"threshold"`
	OnOpen    string `json:"on_open" yaml:"on_open"`
}

const (
	OnOpenWarn  = "warn"
	OnOpenBlock = "block"
)

type ConsentConfig struct {
	RequiredResources []string `json:"required_resources" yaml:"required_resources"`
}

type CalibrationConfig struct {
	K int `json:"k" yaml:"k"`
}

type FPConfig struct {
	RecordEvents bool `json:"record_events" yaml:"record_events"`
	WindowSize   int  `json:"window_size" yaml:"window_size"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Reviews   KafkaTopicConfig `json:"reviews" yaml:"reviews"`
	Decisions KafkaTopicConfig `json:"decisions" yaml:"decisions"`
}

type KafkaTopicConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type AuditConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type MetricsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Storage: StorageConfig{
			Driver:  "memory",
			Timeout: 2 * time.Second,
			Redis:   RedisConfig{KeyPrefix: "govoracle"},
		},
		Invariants: InvariantsConfig{
			DriftThreshold:       0.5,
			NonceMaxAge:          time.Hour,
			ContractionMinEvents: 30,
		},
		CircuitBreaker: CircuitBreakerConfig{Enabled: true, Threshold: 50, OnOpen: OnOpenWarn},
		Calibration:    CalibrationConfig{K: 10},
		FP:             FPConfig{RecordEvents: true, WindowSize: 100},
		API:            APIConfig{Enabled: true, Addr: ":8081"},
		Audit:          AuditConfig{StoreLimit: 1000},
		Metrics:        MetricsConfig{StoreLimit: 5000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	if err := decode(trimmed, cfg); err != nil {
		return nil, err
	}
	if cfg.RulesFile != "" {
		rulesPath := cfg.RulesFile
		if !filepath.IsAbs(rulesPath) {
			rulesPath = filepath.Join(filepath.Dir(path), rulesPath)
		}
		rules, err := LoadRules(rulesPath)
		if err != nil {
			return nil, fmt.Errorf("load rules: %w", err)
		}
		cfg.Rules = append(cfg.Rules, rules...)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRules reads a rule set file: either a bare list of rules or a
// document with a top-level "rules" key.
func LoadRules(path string) ([]RuleConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" {
		return nil, nil
	}
	var doc struct {
		Rules []RuleConfig `json:"rules" yaml:"rules"`
	}
	if err := decode(trimmed, &doc); err == nil && len(doc.Rules) > 0 {
		return doc.Rules, nil
	}
	var list []RuleConfig
	if err := decode(trimmed, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func decode(trimmed string, out any) error {
	if looksLikeJSON(trimmed) {
		return json.Unmarshal([]byte(trimmed), out)
	}
	return yaml.Unmarshal([]byte(trimmed), out)
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Storage.Timeout <= 0 {
		cfg.Storage.Timeout = 2 * time.Second
	}
	if cfg.Storage.Redis.KeyPrefix == "" {
		cfg.Storage.Redis.KeyPrefix = "govoracle"
	}
	if cfg.Invariants.DriftThreshold <= 0 {
		cfg.Invariants.DriftThreshold = 0.5
	}
	if cfg.Invariants.NonceMaxAge <= 0 {
		cfg.Invariants.NonceMaxAge = time.Hour
	}
	if cfg.CircuitBreaker.Threshold <= 0 {
		cfg.CircuitBreaker.Threshold = 50
	}
	if cfg.CircuitBreaker.OnOpen == "" {
		cfg.CircuitBreaker.OnOpen = OnOpenWarn
	}
	if cfg.Calibration.K <= 0 {
		cfg.Calibration.K = 10
	}
	if cfg.FP.WindowSize <= 0 {
		cfg.FP.WindowSize = 100
	}
	if cfg.Audit.StoreLimit <= 0 {
		cfg.Audit.StoreLimit = 1000
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = 5000
	}
	for i := range cfg.Rules {
		if cfg.Rules[i].Version == "" {
			cfg.Rules[i].Version = "1"
		}
		if cfg.Rules[i].Severity == "" {
			cfg.Rules[i].Severity = "warn"
		}
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("storage.driver unsupported: %q", cfg.Storage.Driver)
	}
	for name, o := range map[string]BackendOverride{"block_counter": cfg.Storage.BlockCounter, "secrets": cfg.Storage.Secrets} {
		if strings.EqualFold(o.Driver, "redis") && cfg.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr required when storage.%s.driver is redis", name)
		}
	}
	if cfg.Invariants.ContractionMinEvents < 0 {
		return errors.New("invariants.contraction_min_events must be >= 0")
	}
	switch cfg.CircuitBreaker.OnOpen {
	case OnOpenWarn, OnOpenBlock:
	default:
		return fmt.Errorf("circuit_breaker.on_open must be %q or %q", OnOpenWarn, OnOpenBlock)
	}
	if cfg.Calibration.K < 2 {
		return errors.New("calibration.k must be >= 2")
	}
	for name, k := range map[string]KafkaTopicConfig{"reviews": cfg.Kafka.Reviews, "decisions": cfg.Kafka.Decisions} {
		if k.Enabled && (len(k.Brokers) == 0 || k.Topic == "") {
			return fmt.Errorf("kafka.%s requires brokers and topic", name)
		}
	}
	if cfg.Kafka.Reviews.Enabled && cfg.Kafka.Reviews.GroupID == "" {
		return errors.New("kafka.reviews requires group_id")
	}
	seen := make(map[string]struct{}, len(cfg.Rules))
	for _, r := range cfg.Rules {
		if r.ID == "" {
			return errors.New("rules: id required")
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("rules: duplicate id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		switch r.Severity {
		case "warn", "block":
		default:
			return fmt.Errorf("rules: %s severity must be warn or block", r.ID)
		}
		if r.PathGlob == "" && r.Pattern == "" {
			return fmt.Errorf("rules: %s needs path_glob or pattern", r.ID)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config with no backing file.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}

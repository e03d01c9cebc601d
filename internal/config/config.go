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

	"eventcorrelator/internal/matcher"
	"eventcorrelator/internal/model"
)

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	LogFormat   string            `json:"log_format" yaml:"log_format"`
	Ingest      IngestConfig      `json:"ingest" yaml:"ingest"`
	Correlation CorrelationConfig `json:"correlation" yaml:"correlation"`
	Script      ScriptConfig      `json:"script" yaml:"script"`
	Hook        HookConfig        `json:"hook" yaml:"hook"`
	Registry    RegistryConfig    `json:"registry" yaml:"registry"`
	API         APIConfig         `json:"api" yaml:"api"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	History     HistoryConfig     `json:"history" yaml:"history"`
	Rules       []model.Rule      `json:"rules" yaml:"rules"`
	Scripts     []model.Script    `json:"scripts" yaml:"scripts"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	// MaxBodyBytes bounds a single request body.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	StartAtEnd   bool          `json:"start_at_end" yaml:"start_at_end"`
	Files        []string      `json:"files" yaml:"files"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

// CorrelationConfig holds defaults applied to rules that leave a dwell field
// unset, and the optional content dedupe window (0 disables it).
type CorrelationConfig struct {
	DefaultDwell         time.Duration `json:"default_dwell" yaml:"default_dwell"`
	DefaultDwellDeadline time.Duration `json:"default_dwell_deadline" yaml:"default_dwell_deadline"`
	DefaultMaxDwell      time.Duration `json:"default_max_dwell" yaml:"default_max_dwell"`
	DedupeWindow         time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	RefreshInterval      time.Duration `json:"refresh_interval" yaml:"refresh_interval"`
}

type ScriptConfig struct {
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
	CostLimit uint64        `json:"cost_limit" yaml:"cost_limit"`
}

type HookConfig struct {
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	BackoffBase time.Duration `json:"backoff_base" yaml:"backoff_base"`
	BackoffMax  time.Duration `json:"backoff_max" yaml:"backoff_max"`
	// Disabled suppresses every outbound post; records carry HookStatusDisabled.
	Disabled bool `json:"disabled" yaml:"disabled"`
	// RateLimit is the per-endpoint posts per second, 0 for unlimited.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `json:"rate_burst" yaml:"rate_burst"`
}

type RegistryConfig struct {
	// Source is "config" (rules and scripts from this file) or "storage".
	Source string `json:"source" yaml:"source"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type HistoryConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

const (
	RegistryConfigSource  = "config"
	RegistryStorageSource = "storage"
)

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080", MaxBodyBytes: 1 << 20},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true, PollInterval: 500 * time.Millisecond},
			Kafka:         KafkaConfig{Enabled: false},
		},
		Correlation: CorrelationConfig{
			DefaultDwell:         3 * time.Minute,
			DefaultDwellDeadline: 150 * time.Second,
			DefaultMaxDwell:      6 * time.Minute,
			DedupeWindow:         0,
			RefreshInterval:      0,
		},
		Script: ScriptConfig{Timeout: 2 * time.Second, CostLimit: 1000000},
		Hook: HookConfig{
			Timeout:     5 * time.Second,
			BackoffBase: 500 * time.Millisecond,
			BackoffMax:  30 * time.Second,
			RateBurst:   1,
		},
		Registry: RegistryConfig{Source: RegistryConfigSource},
		API:      APIConfig{Enabled: true, Addr: ":8081"},
		Storage:  StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:correlator.db?_pragma=busy_timeout(5000)"},
		History:  HistoryConfig{StoreLimit: 1000},
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
	return Parse(content)
}

// Parse decodes YAML or JSON content over DefaultConfig and validates it.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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
	if cfg.History.StoreLimit <= 0 {
		cfg.History.StoreLimit = 1000
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Ingest.REST.MaxBodyBytes <= 0 {
		cfg.Ingest.REST.MaxBodyBytes = 1 << 20
	}
	if cfg.Ingest.FileTail.PollInterval <= 0 {
		cfg.Ingest.FileTail.PollInterval = 500 * time.Millisecond
	}
	if cfg.Script.Timeout <= 0 {
		cfg.Script.Timeout = 2 * time.Second
	}
	if cfg.Script.CostLimit == 0 {
		cfg.Script.CostLimit = 1000000
	}
	if cfg.Hook.Timeout <= 0 {
		cfg.Hook.Timeout = 5 * time.Second
	}
	if cfg.Hook.BackoffBase <= 0 {
		cfg.Hook.BackoffBase = 500 * time.Millisecond
	}
	if cfg.Hook.BackoffMax < cfg.Hook.BackoffBase {
		cfg.Hook.BackoffMax = cfg.Hook.BackoffBase
	}
	if cfg.Hook.RateBurst <= 0 {
		cfg.Hook.RateBurst = 1
	}
	if cfg.Registry.Source == "" {
		cfg.Registry.Source = RegistryConfigSource
	}
	for i := range cfg.Rules {
		cfg.Rules[i] = cfg.Correlation.ApplyRuleDefaults(cfg.Rules[i])
	}
}

// ApplyRuleDefaults fills unset dwell fields of r from the configured
// defaults. A zero deadline is a legal value once dwell is set, so the
// deadline default only applies when the rule sets no timing at all.
func (c CorrelationConfig) ApplyRuleDefaults(r model.Rule) model.Rule {
	unset := r.Dwell == 0 && r.DwellDeadline == 0 && r.MaxDwell == 0
	if r.Dwell == 0 {
		r.Dwell = c.DefaultDwell
	}
	if unset {
		r.DwellDeadline = c.DefaultDwellDeadline
	}
	if r.MaxDwell == 0 {
		r.MaxDwell = c.DefaultMaxDwell
		if r.MaxDwell < r.Dwell {
			r.MaxDwell = r.Dwell
		}
	}
	return r
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	c := cfg.Correlation
	if c.DefaultDwell <= 0 {
		return errors.New("correlation.default_dwell must be > 0")
	}
	if c.DefaultDwellDeadline < 0 || c.DefaultDwellDeadline > c.DefaultDwell {
		return fmt.Errorf("correlation.default_dwell_deadline must be within [0, %s]", c.DefaultDwell)
	}
	if c.DefaultMaxDwell < c.DefaultDwell {
		return fmt.Errorf("correlation.default_max_dwell must be >= default_dwell (%s)", c.DefaultDwell)
	}
	if c.DedupeWindow < 0 {
		return errors.New("correlation.dedupe_window must be >= 0")
	}
	if cfg.Hook.RateLimit < 0 {
		return errors.New("hook.rate_limit must be >= 0")
	}
	switch cfg.Registry.Source {
	case RegistryConfigSource:
	case RegistryStorageSource:
		if !cfg.Storage.Enabled {
			return errors.New("registry.source storage requires storage.enabled")
		}
	default:
		return fmt.Errorf("registry.source must be %q or %q", RegistryConfigSource, RegistryStorageSource)
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "sqlite", "postgres", "postgresql":
		default:
			return fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
		}
	}
	seen := make(map[string]struct{}, len(cfg.Rules))
	for _, r := range cfg.Rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("duplicate rule id %s", r.ID)
		}
		seen[r.ID] = struct{}{}
		if _, err := matcher.CompileRule(r); err != nil {
			return err
		}
	}
	scripts := make(map[string]struct{}, len(cfg.Scripts))
	for _, s := range cfg.Scripts {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := scripts[s.ID]; dup {
			return fmt.Errorf("duplicate script id %s", s.ID)
		}
		scripts[s.ID] = struct{}{}
	}
	return nil
}

type Manager struct {
	path string
	cfg  atomic.Value
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	return m, nil
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
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Save(m.path, cfg); err != nil {
		return err
	}
	m.cfg.Store(cfg)
	return nil
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

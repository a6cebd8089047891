package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string         `json:"log_level" yaml:"log_level"`
	API      APIConfig      `json:"api" yaml:"api"`
	Ingest   IngestConfig   `json:"ingest" yaml:"ingest"`
	Dedupe   DedupeConfig   `json:"dedupe" yaml:"dedupe"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Liveness LivenessConfig `json:"liveness" yaml:"liveness"`
	Analysis AnalysisConfig `json:"analysis" yaml:"analysis"`
	Feed     FeedConfig     `json:"feed" yaml:"feed"`
}

type APIConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Addr    string   `json:"addr" yaml:"addr"`
	APIKeys []string `json:"api_keys" yaml:"api_keys"`
}

type IngestConfig struct {
	MaxFutureSkew time.Duration   `json:"max_future_skew" yaml:"max_future_skew"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type DedupeConfig struct {
	Tolerance  time.Duration `json:"tolerance" yaml:"tolerance"`
	IndexTTL   time.Duration `json:"index_ttl" yaml:"index_ttl"`
	Stripes    int           `json:"stripes" yaml:"stripes"`
	CacheLimit int           `json:"cache_limit" yaml:"cache_limit"`
	Redis      RedisConfig   `json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type LivenessConfig struct {
	Threshold     time.Duration `json:"threshold" yaml:"threshold"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

type AnalysisConfig struct {
	Timeout       time.Duration  `json:"timeout" yaml:"timeout"`
	Clusters      int            `json:"clusters" yaml:"clusters"`
	ForecastSteps int            `json:"forecast_steps" yaml:"forecast_steps"`
	MinSamples    map[string]int `json:"min_samples" yaml:"min_samples"`
}

type FeedConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	History int  `json:"history" yaml:"history"`
}

func defaultMinSamples() map[string]int {
	return map[string]int{"clustering": 30, "prediction": 20, "classification": 20}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		API:      APIConfig{Enabled: true, Addr: ":8080"},
		Ingest: IngestConfig{
			MaxFutureSkew: 2 * time.Minute,
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			Kafka:         KafkaConfig{Enabled: false},
		},
		Dedupe: DedupeConfig{
			Tolerance:  2 * time.Second,
			IndexTTL:   10 * time.Minute,
			Stripes:    64,
			CacheLimit: 10000,
			Redis:      RedisConfig{Enabled: false, Addr: "localhost:6379", Prefix: "fieldsense:fp:"},
		},
		Storage:  StorageConfig{Driver: "sqlite", DSN: "file:fieldsense.db?_pragma=busy_timeout(5000)"},
		Liveness: LivenessConfig{Threshold: 5 * time.Minute, SweepInterval: 30 * time.Second},
		Analysis: AnalysisConfig{
			Timeout:       30 * time.Second,
			Clusters:      3,
			ForecastSteps: 10,
			MinSamples:    defaultMinSamples(),
		},
		Feed: FeedConfig{Enabled: true, History: 50},
	}
}

// Load reads a YAML or JSON config file. A file whose first non-space byte
// opens an object or array is decoded as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over DefaultConfig, fills zero values and validates.
func Parse(data []byte) (*Config, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("config is empty")
	}
	cfg := DefaultConfig()
	var err error
	if data[0] == '{' || data[0] == '[' {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Dedupe.IndexTTL <= 0 {
		cfg.Dedupe.IndexTTL = 10 * time.Minute
	}
	if cfg.Dedupe.Stripes <= 0 {
		cfg.Dedupe.Stripes = 64
	}
	if cfg.Dedupe.CacheLimit <= 0 {
		cfg.Dedupe.CacheLimit = 10000
	}
	if cfg.Dedupe.Redis.Prefix == "" {
		cfg.Dedupe.Redis.Prefix = "fieldsense:fp:"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Liveness.Threshold <= 0 {
		cfg.Liveness.Threshold = 5 * time.Minute
	}
	if cfg.Analysis.Timeout <= 0 {
		cfg.Analysis.Timeout = 30 * time.Second
	}
	if cfg.Analysis.Clusters <= 0 {
		cfg.Analysis.Clusters = 3
	}
	if cfg.Analysis.ForecastSteps <= 0 {
		cfg.Analysis.ForecastSteps = 10
	}
	if cfg.Analysis.MinSamples == nil {
		cfg.Analysis.MinSamples = map[string]int{}
	}
	for kind, n := range defaultMinSamples() {
		if cfg.Analysis.MinSamples[kind] <= 0 {
			cfg.Analysis.MinSamples[kind] = n
		}
	}
	if cfg.Feed.History <= 0 {
		cfg.Feed.History = 50
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.MaxFutureSkew < 0 {
		return errors.New("ingest.max_future_skew must be >= 0")
	}
	if cfg.Dedupe.Tolerance < 0 {
		return errors.New("dedupe.tolerance must be >= 0")
	}
	if cfg.Dedupe.Redis.Enabled && cfg.Dedupe.Redis.Addr == "" {
		return errors.New("dedupe.redis.addr required when dedupe.redis.enabled is true")
	}
	switch cfg.Storage.Driver {
	case "memory":
	case "sqlite", "postgres":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn required for driver %s", cfg.Storage.Driver)
		}
	default:
		return fmt.Errorf("unsupported storage.driver: %s", cfg.Storage.Driver)
	}
	if cfg.Analysis.Clusters < 2 {
		return errors.New("analysis.clusters must be >= 2")
	}
	return nil
}

// Manager holds the live config. Readers call Get on every use so a reload
// takes effect without restarting components.
type Manager struct {
	path    string
	cfg     atomic.Pointer[Config]
	mu      sync.Mutex
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path}
	if _, err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if cfg := m.cfg.Load(); cfg != nil {
		return cfg
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
	m.mu.Lock()
	defer m.mu.Unlock()
	info, statErr := os.Stat(m.path)
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if statErr == nil {
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
	m.mu.Lock()
	defer m.mu.Unlock()
	return info.ModTime().After(m.modTime), nil
}

// Watch polls the file every interval and calls onReload with each new
// config until ctx is done. Parse failures keep the previous config.
func (m *Manager) Watch(ctx context.Context, interval time.Duration, onReload func(*Config), onError func(error)) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cfg, changed, err := m.reloadIfChanged()
		switch {
		case err != nil:
			if onError != nil {
				onError(err)
			}
		case changed && onReload != nil:
			onReload(cfg)
		}
	}
}

func (m *Manager) reloadIfChanged() (*Config, bool, error) {
	needs, err := m.NeedsReload()
	if err != nil || !needs {
		return nil, false, err
	}
	cfg, err := m.Reload()
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// Package config loads the YAML configuration and builds a wired pipeline
// from it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/elum-utils/aiocensor/models"
	"github.com/elum-utils/aiocensor/orchestrator"
)

// Provider types understood by Build.
const (
	TypeLocal   = "local"
	TypeLLM     = "llm"
	TypeAliyun  = "aliyun"
	TypeTencent = "tencent"
)

// Storage and offense store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config holds the service configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Storage      StorageConfig      `yaml:"storage"`
	Providers    []ProviderConfig   `yaml:"providers"`
	Chains       ChainConfig        `yaml:"chains"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Fetch        FetchConfig        `yaml:"fetch"`
	Enforcement  EnforcementConfig  `yaml:"enforcement"`
	Actions      ActionsConfig      `yaml:"actions"`
	Moderation   ModerationConfig   `yaml:"moderation"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // memory | sqlite | redis
	DSN    string `yaml:"dsn"`
	// RulesFile seeds storage with one rule per line on startup.
	RulesFile      string `yaml:"rules_file"`
	RulesTable     string `yaml:"rules_table"`
	BlacklistTable string `yaml:"blacklist_table"`
	AuditTable     string `yaml:"audit_table"`
	Audit          bool   `yaml:"audit"`
}

// ProviderConfig describes one moderation backend and its chain entry.
type ProviderConfig struct {
	ID           string                      `yaml:"id"`
	Type         string                      `yaml:"type"`
	Priority     int                         `yaml:"priority"`
	Timeout      time.Duration               `yaml:"timeout"`
	Capabilities []string                    `yaml:"capabilities"`
	Credentials  map[string]string           `yaml:"credentials"`
	Policy       map[string]PolicyRuleConfig `yaml:"policy"`
	MaxInFlight  int64                       `yaml:"max_in_flight"`
	RateLimit    float64                     `yaml:"rate_limit"`
	Burst        int                         `yaml:"burst"`
}

type PolicyRuleConfig struct {
	Action  string `yaml:"action"` // skip | retry | fallback_once
	Retries int    `yaml:"retries"`
}

// ChainConfig narrows the chain per content family. Empty lists use every
// provider.
type ChainConfig struct {
	Text  []string `yaml:"text"`
	Image []string `yaml:"image"`
}

type OrchestratorConfig struct {
	Mode           string        `yaml:"mode"`
	Agreement      string        `yaml:"agreement"`
	Parallel       bool          `yaml:"parallel"`
	MaxParallel    int           `yaml:"max_parallel"`
	MaxRetries     int           `yaml:"max_retries"`
	BaseBackoff    time.Duration `yaml:"base_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

type FetchConfig struct {
	MaxBytes int64         `yaml:"max_bytes"`
	Timeout  time.Duration `yaml:"timeout"`
	RetryMax int           `yaml:"retry_max"`
}

type EnforcementConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Store        string        `yaml:"store"` // memory | redis
	RedisURL     string        `yaml:"redis_url"`
	RecordTTL    time.Duration `yaml:"record_ttl"`
	Cooldown     time.Duration `yaml:"cooldown"`
	MuteDuration time.Duration `yaml:"mute_duration"`
	BanAction    string        `yaml:"ban_action"` // ban | kick
	Recall       bool          `yaml:"recall"`

	// HistorySize is how many message ids a record keeps for replay detection.
	HistorySize int `yaml:"history_size"`

	// SevereCategories maps a category to the tier it jumps to.
	SevereCategories map[string]string `yaml:"severe_categories"`
}

type ActionsConfig struct {
	Log     bool          `yaml:"log"`
	Webhook WebhookConfig `yaml:"webhook"`
}

type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Token   string            `yaml:"token"`
	Timeout time.Duration     `yaml:"timeout"`
	Retries int               `yaml:"retries"`
	Headers map[string]string `yaml:"headers"`
}

type ModerationConfig struct {
	Whitelist           []string      `yaml:"whitelist"`
	WhitelistGroups     []string      `yaml:"whitelist_groups"`
	Groups              []string      `yaml:"groups"` // empty moderates every group
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	SyncInterval        time.Duration `yaml:"sync_interval"`
	MaxMessageSize      int           `yaml:"max_message_size"`
	MaxLearnTokenLength int           `yaml:"max_learn_token_length"`
	CacheTTL            time.Duration `yaml:"cache_ttl"`
	CacheMaxBytes       int           `yaml:"cache_max_bytes"`
	AutoLearn           bool          `yaml:"auto_learn"`
	AuditClean          bool          `yaml:"audit_clean"`
}

// Load reads configuration from a YAML file. A missing file yields the
// default configuration. ${VAR} references in credentials, DSNs and tokens
// are expanded from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	applyDefaults(&cfg)
	cfg.expandEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with a single local keyword provider and
// in-memory storage.
func Default() *Config {
	cfg := &Config{
		Providers:    []ProviderConfig{{ID: TypeLocal, Type: TypeLocal}},
		Orchestrator: OrchestratorConfig{Mode: orchestrator.FirstViolationWins.String()},
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverMemory
	}
	if cfg.Storage.Driver == DriverSQLite && cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "file:aiocensor.db"
	}
	if cfg.Orchestrator.Agreement == "" {
		cfg.Orchestrator.Agreement = orchestrator.AnyViolation.String()
	}
	if cfg.Enforcement.Store == "" {
		cfg.Enforcement.Store = DriverMemory
	}
	if cfg.Enforcement.BanAction == "" {
		cfg.Enforcement.BanAction = string(models.EnforceBan)
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		p.Type = strings.ToLower(strings.TrimSpace(p.Type))
		if p.ID == "" {
			p.ID = p.Type
		}
	}
}

func (c *Config) expandEnv() {
	c.Storage.DSN = os.ExpandEnv(c.Storage.DSN)
	c.Enforcement.RedisURL = os.ExpandEnv(c.Enforcement.RedisURL)
	c.Actions.Webhook.URL = os.ExpandEnv(c.Actions.Webhook.URL)
	c.Actions.Webhook.Token = os.ExpandEnv(c.Actions.Webhook.Token)
	for k, v := range c.Actions.Webhook.Headers {
		c.Actions.Webhook.Headers[k] = os.ExpandEnv(v)
	}
	for i := range c.Providers {
		for k, v := range c.Providers[i].Credentials {
			c.Providers[i].Credentials[k] = os.ExpandEnv(v)
		}
	}
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return errors.New("config: at least one provider is required")
	}
	ids := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		switch p.Type {
		case TypeLocal, TypeLLM, TypeAliyun, TypeTencent:
		default:
			return fmt.Errorf("config: provider %q: unknown type %q", p.ID, p.Type)
		}
		if _, dup := ids[p.ID]; dup {
			return fmt.Errorf("config: duplicate provider id %q", p.ID)
		}
		ids[p.ID] = struct{}{}
		if _, err := p.capabilities(); err != nil {
			return fmt.Errorf("config: provider %q: %w", p.ID, err)
		}
		if _, err := p.policy(); err != nil {
			return fmt.Errorf("config: provider %q: %w", p.ID, err)
		}
	}
	for _, list := range [][]string{c.Chains.Text, c.Chains.Image} {
		for _, id := range list {
			if _, ok := ids[id]; !ok {
				return fmt.Errorf("config: chain references unknown provider %q", id)
			}
		}
	}

	if c.Orchestrator.Mode == "" {
		return errors.New("config: orchestrator.mode is required (first_violation_wins or full_aggregate)")
	}
	mode, err := orchestrator.ParseMode(c.Orchestrator.Mode)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	agreement, err := orchestrator.ParseAgreement(c.Orchestrator.Agreement)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if agreement == orchestrator.Unanimous && mode == orchestrator.FirstViolationWins {
		return errors.New("config: unanimous agreement needs full_aggregate mode")
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverRedis:
		if c.Storage.DSN == "" {
			return fmt.Errorf("config: storage driver %q needs a dsn", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Enforcement.Store {
	case DriverMemory:
	case DriverRedis:
		if c.Enforcement.Enabled && c.Enforcement.RedisURL == "" {
			return errors.New("config: redis offense store needs redis_url")
		}
	default:
		return fmt.Errorf("config: unknown offense store %q", c.Enforcement.Store)
	}
	switch models.EnforcementAction(c.Enforcement.BanAction) {
	case models.EnforceBan, models.EnforceKick:
	default:
		return fmt.Errorf("config: invalid ban action %q", c.Enforcement.BanAction)
	}
	if _, err := c.severeCategories(); err != nil {
		return err
	}
	if c.Enforcement.HistorySize < 0 {
		return fmt.Errorf("config: negative history size %d", c.Enforcement.HistorySize)
	}
	if t := c.Moderation.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("config: confidence threshold %v out of range", t)
	}
	return nil
}

func (p ProviderConfig) capabilities() (models.CapabilitySet, error) {
	kinds := make([]models.ContentKind, 0, len(p.Capabilities))
	for _, s := range p.Capabilities {
		k, err := models.ParseContentKind(strings.TrimSpace(s))
		if err != nil {
			return 0, err
		}
		kinds = append(kinds, k)
	}
	return models.Capabilities(kinds...), nil
}

func (p ProviderConfig) policy() (models.ErrorPolicy, error) {
	if len(p.Policy) == 0 {
		return nil, nil
	}
	out := make(models.ErrorPolicy, len(p.Policy))
	for kindName, r := range p.Policy {
		kind, err := models.ParseErrorKind(kindName)
		if err != nil {
			return nil, err
		}
		action, err := models.ParsePolicyAction(r.Action)
		if err != nil {
			return nil, err
		}
		out[kind] = models.PolicyRule{Action: action, Retries: r.Retries}
	}
	return out, nil
}

func (p ProviderConfig) chainEntry() models.ProviderConfig {
	caps, _ := p.capabilities()
	policy, _ := p.policy()
	return models.ProviderConfig{
		ID:           models.ProviderID(p.ID),
		Credentials:  p.Credentials,
		Capabilities: caps,
		Priority:     p.Priority,
		Timeout:      p.Timeout,
		Policy:       policy,
	}
}

func (c *Config) severeCategories() (map[models.Category]models.Tier, error) {
	out := make(map[models.Category]models.Tier, len(c.Enforcement.SevereCategories))
	for cat, tierName := range c.Enforcement.SevereCategories {
		tier, err := models.ParseTier(tierName)
		if err != nil {
			return nil, fmt.Errorf("config: severe category %q: %w", cat, err)
		}
		out[models.Category(cat)] = tier
	}
	return out, nil
}

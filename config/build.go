package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/elum-utils/aiocensor/adapters/action"
	"github.com/elum-utils/aiocensor/adapters/ai"
	"github.com/elum-utils/aiocensor/adapters/fetch"
	"github.com/elum-utils/aiocensor/adapters/local"
	"github.com/elum-utils/aiocensor/adapters/offense"
	"github.com/elum-utils/aiocensor/adapters/storage"
	"github.com/elum-utils/aiocensor/adapters/vendor"
	"github.com/elum-utils/aiocensor/core"
	"github.com/elum-utils/aiocensor/enforcement"
	"github.com/elum-utils/aiocensor/engine"
	"github.com/elum-utils/aiocensor/interfaces"
	"github.com/elum-utils/aiocensor/models"
	"github.com/elum-utils/aiocensor/orchestrator"
	"github.com/elum-utils/aiocensor/rule"
)

// Runtime is a pipeline built from a Config.
type Runtime struct {
	Core         *core.Core
	Matcher      *engine.Matcher
	Orchestrator *orchestrator.Orchestrator
	Enforcement  *enforcement.Machine
	Storage      interfaces.Storage
	Blacklist    interfaces.BlacklistStorage
	AuditLog     interfaces.AuditLog

	closers []func() error
}

// Close releases database and redis connections.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Build wires storage, providers, the orchestrator, enforcement and the core
// facade. The sqlite driver must be registered by the caller.
func Build(ctx context.Context, cfg *Config, logger interfaces.Logger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt := &Runtime{Matcher: engine.New(engine.Options{})}
	ok := false
	defer func() {
		if !ok {
			_ = rt.Close()
		}
	}()

	if err := rt.buildStorage(ctx, cfg.Storage); err != nil {
		return nil, err
	}
	if cfg.Storage.RulesFile != "" {
		if err := seedRules(ctx, rt.Storage, cfg.Storage.RulesFile, logger); err != nil {
			return nil, err
		}
	}

	providers, err := rt.buildProviders(cfg.Providers)
	if err != nil {
		return nil, err
	}
	chain := make([]models.ProviderConfig, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		chain = append(chain, p.chainEntry())
	}
	mode, _ := orchestrator.ParseMode(cfg.Orchestrator.Mode)
	agreement, _ := orchestrator.ParseAgreement(cfg.Orchestrator.Agreement)
	rt.Orchestrator, err = orchestrator.New(orchestrator.Options{
		Providers: providers,
		Chain:     chain,
		Fetcher: fetch.New(fetch.Options{
			MaxBytes: cfg.Fetch.MaxBytes,
			Timeout:  cfg.Fetch.Timeout,
			RetryMax: cfg.Fetch.RetryMax,
			Logger:   logger,
		}),
		Logger:         logger,
		Mode:           mode,
		Agreement:      agreement,
		Parallel:       cfg.Orchestrator.Parallel,
		MaxParallel:    cfg.Orchestrator.MaxParallel,
		MaxRetries:     cfg.Orchestrator.MaxRetries,
		BaseBackoff:    cfg.Orchestrator.BaseBackoff,
		MaxBackoff:     cfg.Orchestrator.MaxBackoff,
		DefaultTimeout: cfg.Orchestrator.DefaultTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.Enforcement.Enabled {
		if err := rt.buildEnforcement(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}

	m := cfg.Moderation
	rt.Core = core.New(core.Options{
		Orchestrator:        rt.Orchestrator,
		Enforcement:         rt.Enforcement,
		Matcher:             rt.Matcher,
		Storage:             rt.Storage,
		Blacklist:           rt.Blacklist,
		AuditLog:            rt.AuditLog,
		Logger:              logger,
		TextChain:           subChain(chain, cfg.Chains.Text),
		ImageChain:          subChain(chain, cfg.Chains.Image),
		Whitelist:           m.Whitelist,
		WhitelistGroups:     m.WhitelistGroups,
		Groups:              m.Groups,
		ConfidenceThreshold: m.ConfidenceThreshold,
		SyncInterval:        m.SyncInterval,
		MaxMessageSize:      m.MaxMessageSize,
		MaxLearnTokenLength: m.MaxLearnTokenLength,
		CacheTTL:            m.CacheTTL,
		CacheMaxBytes:       m.CacheMaxBytes,
		AutoLearn:           m.AutoLearn,
		AuditClean:          m.AuditClean,
	})
	ok = true
	return rt, nil
}

func (rt *Runtime) buildStorage(ctx context.Context, sc StorageConfig) error {
	switch sc.Driver {
	case DriverSQLite:
		db, err := sql.Open("sqlite", sc.DSN)
		if err != nil {
			return fmt.Errorf("config: open sqlite: %w", err)
		}
		rt.closers = append(rt.closers, db.Close)
		if strings.Contains(sc.DSN, ":memory:") {
			db.SetMaxOpenConns(1)
		}
		st, err := storage.NewSQLAdapter(db, sc.RulesTable)
		if err != nil {
			return err
		}
		st.WithBlacklistTable(sc.BlacklistTable)
		if err := st.EnsureSchema(ctx); err != nil {
			return err
		}
		rt.Storage, rt.Blacklist = st, st
		if sc.Audit {
			audit, err := storage.NewSQLAuditLog(db, sc.AuditTable)
			if err != nil {
				return err
			}
			if err := audit.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("config: audit schema: %w", err)
			}
			rt.AuditLog = audit
		}
		return nil
	case DriverRedis:
		st, err := storage.NewRedisAdapterFromURL(ctx, sc.DSN)
		if err != nil {
			return fmt.Errorf("config: redis storage: %w", err)
		}
		rt.closers = append(rt.closers, st.Client.Close)
		rt.Storage, rt.Blacklist = st, st
	default:
		st := storage.NewMemoryAdapter()
		rt.Storage, rt.Blacklist = st, st
	}
	if sc.Audit {
		rt.AuditLog = storage.NewMemoryAuditLog()
	}
	return nil
}

func seedRules(ctx context.Context, st interfaces.Storage, path string, logger interfaces.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: rules file: %w", err)
	}
	exprs, errs := rule.ParseAll(rule.Lines(string(data)))
	for _, perr := range errs {
		if logger != nil {
			logger.Warn("malformed rule skipped", map[string]any{"file": path, "error": perr.Error()})
		}
	}
	for _, e := range exprs {
		if err := st.AddRule(ctx, e.String()); err != nil {
			return fmt.Errorf("config: seed rule %q: %w", e.String(), err)
		}
	}
	return nil
}

func (rt *Runtime) buildProviders(pcs []ProviderConfig) ([]interfaces.Provider, error) {
	out := make([]interfaces.Provider, 0, len(pcs))
	for _, pc := range pcs {
		p, err := rt.buildProvider(pc)
		if err != nil {
			return nil, fmt.Errorf("config: provider %q: %w", pc.ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (rt *Runtime) buildProvider(pc ProviderConfig) (interfaces.Provider, error) {
	id := models.ProviderID(pc.ID)
	cred := pc.Credentials
	switch pc.Type {
	case TypeLocal:
		return local.New(id, rt.Matcher), nil
	case TypeLLM:
		caps, _ := pc.capabilities()
		return ai.New(ai.Options{
			ID:           id,
			APIKey:       cred["api_key"],
			BaseURL:      cred["base_url"],
			Model:        cred["model"],
			SystemPrompt: cred["system_prompt"],
			Timeout:      pc.Timeout,
			Capabilities: caps,
			MaxInFlight:  pc.MaxInFlight,
			RateLimit:    pc.RateLimit,
			Burst:        pc.Burst,
		})
	case TypeAliyun:
		return vendor.NewAliyun(vendor.AliyunOptions{
			ID:              id,
			AccessKeyID:     cred["access_key_id"],
			AccessKeySecret: cred["access_key_secret"],
			Endpoint:        cred["endpoint"],
			Timeout:         pc.Timeout,
			MaxInFlight:     pc.MaxInFlight,
			RateLimit:       pc.RateLimit,
			Burst:           pc.Burst,
		})
	case TypeTencent:
		return vendor.NewTencent(vendor.TencentOptions{
			ID:            id,
			SecretID:      cred["secret_id"],
			SecretKey:     cred["secret_key"],
			Region:        cred["region"],
			TextEndpoint:  cred["text_endpoint"],
			ImageEndpoint: cred["image_endpoint"],
			TextBizType:   cred["text_biz_type"],
			ImageBizType:  cred["image_biz_type"],
			Timeout:       pc.Timeout,
			MaxInFlight:   pc.MaxInFlight,
			RateLimit:     pc.RateLimit,
			Burst:         pc.Burst,
		})
	}
	return nil, fmt.Errorf("unknown type %q", pc.Type)
}

func (rt *Runtime) buildEnforcement(ctx context.Context, cfg *Config, logger interfaces.Logger) error {
	ec := cfg.Enforcement
	var store interfaces.OffenseStore
	switch ec.Store {
	case DriverRedis:
		rs, err := offense.NewRedisStoreFromURL(ctx, ec.RedisURL, ec.RecordTTL)
		if err != nil {
			return fmt.Errorf("config: redis offense store: %w", err)
		}
		rt.closers = append(rt.closers, rs.Client.Close)
		store = rs
	default:
		store = offense.NewMemoryStore()
	}

	var handlers action.Multi
	if wc := cfg.Actions.Webhook; wc.URL != "" {
		wh, err := action.NewWebhook(action.WebhookOptions{
			URL:     wc.URL,
			Token:   wc.Token,
			Timeout: wc.Timeout,
			Retries: wc.Retries,
			Headers: wc.Headers,
		})
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		handlers = append(handlers, wh)
	}
	if cfg.Actions.Log {
		handlers = append(handlers, action.NewLog(logger))
	}
	var handler interfaces.ActionHandler
	if len(handlers) > 0 {
		handler = handlers
	}

	severe, _ := cfg.severeCategories()
	m, err := enforcement.New(enforcement.Options{
		Store:            store,
		Handler:          handler,
		Logger:           logger,
		Cooldown:         ec.Cooldown,
		SevereCategories: severe,
		MuteDuration:     ec.MuteDuration,
		BanAction:        models.EnforcementAction(ec.BanAction),
		Recall:           ec.Recall,
		HistorySize:      ec.HistorySize,
	})
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	rt.Enforcement = m
	return nil
}

// subChain keeps the entries of chain named in ids. Empty ids keep nil so
// the orchestrator's default chain applies.
func subChain(chain []models.ProviderConfig, ids []string) []models.ProviderConfig {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[models.ProviderID]struct{}, len(ids))
	for _, id := range ids {
		want[models.ProviderID(id)] = struct{}{}
	}
	out := make([]models.ProviderConfig, 0, len(ids))
	for _, c := range chain {
		if _, ok := want[c.ID]; ok {
			out = append(out, c)
		}
	}
	return out
}

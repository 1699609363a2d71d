// Package core wires the keyword matcher, the provider orchestrator and the
// enforcement machine into one moderation pipeline.
package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/elum-utils/aiocensor/enforcement"
	"github.com/elum-utils/aiocensor/engine"
	"github.com/elum-utils/aiocensor/interfaces"
	"github.com/elum-utils/aiocensor/models"
	"github.com/elum-utils/aiocensor/orchestrator"
	"github.com/elum-utils/aiocensor/rule"
)

const (
	defaultConfidenceThreshold = 0.7
	defaultSyncInterval        = 5 * time.Minute
	defaultMaxMessageSize      = 4 * KB
	defaultMaxLearnTokenLength = 255
	defaultCacheTTL            = 1 * time.Hour
	defaultCacheMaxBytes       = 32 * MB
)

// EventName is a callback bus event.
type EventName string

const (
	EventAllowClean   EventName = "allow_clean"
	EventHumanReview  EventName = "human_review"
	EventInconclusive EventName = "inconclusive"
	EventBlacklisted  EventName = "blacklisted"
	// EventViolation fires for violations that produced no new action.
	EventViolation EventName = "violation"
	EventWarn      EventName = "warn"
	EventMute      EventName = "mute"
	EventKick      EventName = "kick"
	EventBan       EventName = "ban"
)

// EventHandler handles one moderation event.
type EventHandler func(ctx context.Context, result models.ModerationResult) error

// Options configure the pipeline.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	// Enforcement is optional. Without it violations are only reported.
	Enforcement *enforcement.Machine
	// Matcher is the rule set shared with the local provider. Nil creates
	// a private one.
	Matcher   *engine.Matcher
	Storage   interfaces.Storage
	Blacklist interfaces.BlacklistStorage
	AuditLog  interfaces.AuditLog
	Processed interfaces.ProcessedHandler
	Logger    interfaces.Logger

	// TextChain and ImageChain override the orchestrator's default chain
	// per content family.
	TextChain  []models.ProviderConfig
	ImageChain []models.ProviderConfig
	// Whitelist holds user ids that are never checked.
	Whitelist []string
	// WhitelistGroups holds group ids whose messages are never checked.
	WhitelistGroups []string
	// Groups limits group moderation to the listed groups when non-empty.
	// Messages without a group id are always checked.
	Groups []string

	ConfidenceThreshold float64
	SyncInterval        time.Duration
	MaxMessageSize      int
	MaxLearnTokenLength int
	CacheTTL            time.Duration
	CacheMaxBytes       int
	// AutoLearn adds provider keywords from confident violations as rules.
	AutoLearn bool
	// AuditClean also writes clean results to the audit log.
	AuditClean bool
}

// Core is the moderation pipeline.
type Core struct {
	orch      *orchestrator.Orchestrator
	enforcer  *enforcement.Machine
	matcher   *engine.Matcher
	storage   interfaces.Storage
	blacklist interfaces.BlacklistStorage
	audit     interfaces.AuditLog
	allCb     interfaces.ProcessedHandler
	logger    interfaces.Logger

	textChain  []models.ProviderConfig
	imageChain []models.ProviderConfig
	whitelist  map[string]struct{}
	trusted    map[string]struct{}
	scope      map[string]struct{}
	blocked    atomic.Pointer[map[string]struct{}]

	confidenceThreshold float64
	syncInterval        time.Duration
	maxMessageSize      int
	maxLearnTokenLength int
	cacheTTL            time.Duration
	autoLearn           bool
	auditClean          bool
	cache               *verdictCache

	eventsMu sync.RWMutex
	events   map[EventName][]EventHandler

	processed [models.StatusCount + 1]atomic.Int64

	janitorOnce sync.Once
}

// New creates a pipeline. Configuration errors are returned on Run and Moderate.
func New(opt Options) *Core {
	c := &Core{
		orch:                opt.Orchestrator,
		enforcer:            opt.Enforcement,
		matcher:             opt.Matcher,
		storage:             opt.Storage,
		blacklist:           opt.Blacklist,
		audit:               opt.AuditLog,
		allCb:               opt.Processed,
		logger:              opt.Logger,
		textChain:           opt.TextChain,
		imageChain:          opt.ImageChain,
		whitelist:           idSet(opt.Whitelist),
		trusted:             idSet(opt.WhitelistGroups),
		scope:               idSet(opt.Groups),
		events:              make(map[EventName][]EventHandler, 8),
		confidenceThreshold: defaultConfidenceThreshold,
		syncInterval:        defaultSyncInterval,
		maxMessageSize:      defaultMaxMessageSize,
		maxLearnTokenLength: defaultMaxLearnTokenLength,
		cacheTTL:            defaultCacheTTL,
		autoLearn:           opt.AutoLearn,
		auditClean:          opt.AuditClean,
	}
	if c.matcher == nil {
		c.matcher = engine.New(engine.Options{})
	}
	empty := map[string]struct{}{}
	c.blocked.Store(&empty)

	if opt.ConfidenceThreshold > 0 {
		c.confidenceThreshold = opt.ConfidenceThreshold
	}
	if opt.SyncInterval > 0 {
		c.syncInterval = opt.SyncInterval
	}
	if opt.MaxMessageSize > 0 {
		c.maxMessageSize = opt.MaxMessageSize
	}
	if opt.MaxLearnTokenLength > 0 {
		c.maxLearnTokenLength = opt.MaxLearnTokenLength
	}
	if opt.CacheTTL > 0 {
		c.cacheTTL = opt.CacheTTL
	}
	cacheMaxBytes := defaultCacheMaxBytes
	if opt.CacheMaxBytes != 0 {
		cacheMaxBytes = opt.CacheMaxBytes
	}
	// A negative size disables the cache.
	c.cache = newVerdictCache(int64(cacheMaxBytes))
	return c
}

// On registers event handlers.
func (c *Core) On(event EventName, handler EventHandler) error {
	if handler == nil {
		return errors.New("core: handler is nil")
	}
	c.eventsMu.Lock()
	c.events[event] = append(c.events[event], handler)
	c.eventsMu.Unlock()
	return nil
}

// OnAllowClean registers handler for clean and whitelisted results.
func (c *Core) OnAllowClean(handler EventHandler) error { return c.On(EventAllowClean, handler) }

// OnHumanReview registers handler for results left to a moderator.
func (c *Core) OnHumanReview(handler EventHandler) error { return c.On(EventHumanReview, handler) }

// OnInconclusive registers handler for results no provider could decide.
func (c *Core) OnInconclusive(handler EventHandler) error { return c.On(EventInconclusive, handler) }

// OnBlacklisted registers handler for messages from blacklisted users.
func (c *Core) OnBlacklisted(handler EventHandler) error { return c.On(EventBlacklisted, handler) }

// Run loads rules and the blacklist and re-syncs them until ctx is done.
func (c *Core) Run(ctx context.Context) error {
	if err := c.validate(); err != nil {
		return err
	}
	if err := c.SyncOnce(ctx); err != nil {
		return err
	}
	c.startCacheJanitor(ctx)

	ticker := time.NewTicker(c.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.SyncOnce(ctx); err != nil {
				c.logWarn("sync failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// SyncOnce reloads rules and the blacklist from storage. Malformed rules are
// logged and skipped.
func (c *Core) SyncOnce(ctx context.Context) error {
	if c.storage == nil {
		return errors.New("core: storage is nil")
	}
	lines, err := c.storage.GetRules(ctx)
	if err != nil {
		return fmt.Errorf("core: load rules: %w", err)
	}
	for _, perr := range c.matcher.ReplaceLines(lines) {
		c.logWarn("malformed rule skipped", map[string]any{"error": perr.Error()})
	}
	c.cache.Purge()

	if c.blacklist == nil {
		return nil
	}
	ids, err := c.blacklist.GetBlacklist(ctx)
	if err != nil {
		return fmt.Errorf("core: load blacklist: %w", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	c.blocked.Store(&set)
	return nil
}

// Moderate runs one request through the pipeline. Provider failures never
// surface as errors. Errors are returned for invalid requests, cancellation
// and offense store failures; the partial result is still returned then.
func (c *Core) Moderate(ctx context.Context, req models.ModerationRequest) (models.ModerationResult, error) {
	if err := c.validate(); err != nil {
		return models.ModerationResult{}, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		return models.ModerationResult{}, fmt.Errorf("core: %w", err)
	}
	res := models.ModerationResult{RequestID: req.ID, Kind: req.Kind, Context: req.Context}

	if c.isWhitelisted(req.Context) {
		res.Status = models.StatusWhitelisted
		c.finish(ctx, req, &res)
		return res, nil
	}
	if c.isBlacklisted(req.Context.UserID) {
		res.Status = models.StatusBlacklisted
		res.Verdict = models.AggregateVerdict{
			Violated:   true,
			Categories: []models.Category{models.CategoryOther},
			Reasons:    []string{"blacklisted user " + req.Context.UserID},
		}
		c.finish(ctx, req, &res)
		return res, nil
	}

	if req.Kind == models.KindText {
		req.Text = truncate(req.Text, c.maxMessageSize)
		if v, ok := c.cache.Get(req.Text, time.Now()); ok {
			res.Verdict = v
			res.Cached = true
		}
	}
	if !res.Cached {
		v, err := c.orch.Moderate(ctx, req, c.chainFor(req.Kind))
		if err != nil {
			return res, fmt.Errorf("core: %w", err)
		}
		res.Verdict = v
		if req.Kind == models.KindText && !v.AllProvidersFailed {
			c.cache.Set(req.Text, v, c.cacheTTL, time.Now())
		}
		c.learn(v)
	}
	res.Status = models.StatusOf(res.Verdict)

	var err error
	if res.Verdict.Violated && c.enforcer != nil && req.Context.UserID != "" {
		err = c.enforce(ctx, req, &res)
	}
	c.finish(ctx, req, &res)
	return res, err
}

func (c *Core) enforce(ctx context.Context, req models.ModerationRequest, res *models.ModerationResult) error {
	d, err := c.enforcer.Apply(ctx, req.Context, res.Verdict)
	res.Tier = d.Record.Tier
	res.Intent = d.Intent
	res.Duplicate = d.Duplicate
	if err == nil {
		return nil
	}
	if errors.Is(err, enforcement.ErrActionFailed) {
		// The record is kept; the host can retry the intent.
		res.ActionError = err.Error()
		return nil
	}
	res.Tier = d.Previous
	return fmt.Errorf("core: %w", err)
}

// finish records metrics, writes the audit entry and dispatches events.
func (c *Core) finish(ctx context.Context, req models.ModerationRequest, res *models.ModerationResult) {
	status := res.Status
	if !status.Valid() {
		status = models.StatusReview
	}
	c.processed[status].Add(1)

	if c.audit != nil && (status != models.StatusClean && status != models.StatusWhitelisted || c.auditClean) {
		entry := models.AuditEntry{
			RequestID: res.RequestID,
			Kind:      req.Kind,
			Content:   auditContent(req),
			Context:   req.Context,
			Verdict:   res.Verdict,
			Intent:    res.Intent,
		}
		if err := c.audit.Append(ctx, entry); err != nil {
			c.logWarn("audit append failed", map[string]any{"error": err.Error(), "request_id": res.RequestID})
		}
	}

	event := eventFor(*res)
	c.eventsMu.RLock()
	handlers := append([]EventHandler(nil), c.events[event]...)
	c.eventsMu.RUnlock()
	for _, h := range handlers {
		if err := h(ctx, *res); err != nil {
			c.logWarn("event handler failed", map[string]any{"error": err.Error(), "event": string(event)})
		}
	}
	if c.allCb != nil {
		if err := c.allCb.OnProcessed(ctx, *res); err != nil {
			c.logWarn("processed callback failed", map[string]any{"error": err.Error()})
		}
	}
}

func eventFor(res models.ModerationResult) EventName {
	switch res.Status {
	case models.StatusClean, models.StatusWhitelisted:
		return EventAllowClean
	case models.StatusBlacklisted:
		return EventBlacklisted
	case models.StatusInconclusive:
		return EventInconclusive
	case models.StatusViolation:
		if res.Intent == nil {
			return EventViolation
		}
		switch res.Intent.Action {
		case models.EnforceWarn:
			return EventWarn
		case models.EnforceMute:
			return EventMute
		case models.EnforceKick:
			return EventKick
		default:
			return EventBan
		}
	default:
		return EventHumanReview
	}
}

func (c *Core) chainFor(kind models.ContentKind) []models.ProviderConfig {
	if kind == models.KindText {
		return c.textChain
	}
	return c.imageChain
}

// learn turns keywords of confident violations into single-term rules.
// Keyword verdicts already come from loaded rules and are skipped.
func (c *Core) learn(v models.AggregateVerdict) {
	if !c.autoLearn || c.storage == nil || !v.Violated {
		return
	}
	for _, pv := range v.Verdicts {
		if !pv.Violated || pv.Confidence == nil || *pv.Confidence < c.confidenceThreshold {
			continue
		}
		if slices.Contains(pv.Categories, models.CategoryKeyword) {
			continue
		}
		for _, token := range pv.Keywords {
			c.learnToken(token)
		}
	}
}

func (c *Core) learnToken(token string) {
	normalized := strings.ToLower(strings.TrimSpace(token))
	if normalized == "" || strings.ContainsAny(normalized, string(rule.AndSep)+string(rule.ExcludeSep)) {
		return
	}
	if len(normalized) > c.maxLearnTokenLength {
		c.logWarn("token exceeds max learn length", map[string]any{
			"token":      normalized,
			"length":     len(normalized),
			"max_length": c.maxLearnTokenLength,
		})
		return
	}
	expr, err := rule.Parse(normalized)
	if err != nil || c.matcher.Add(expr) == 0 {
		return
	}
	c.cache.Purge()
	go func(raw string) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.storage.AddRule(ctx, raw); err != nil {
			c.logWarn("rule persist failed", map[string]any{"error": err.Error(), "rule": raw})
		}
	}(expr.String())
}

// AddRule validates raw, persists it and loads it into the matcher.
func (c *Core) AddRule(ctx context.Context, raw string) error {
	if c.storage == nil {
		return errors.New("core: storage is nil")
	}
	expr, err := rule.Parse(raw)
	if err != nil {
		return err
	}
	if err := c.storage.AddRule(ctx, expr.String()); err != nil {
		return fmt.Errorf("core: add rule: %w", err)
	}
	c.matcher.Add(expr)
	c.cache.Purge()
	return nil
}

// RemoveRule deletes raw from storage and the matcher.
func (c *Core) RemoveRule(ctx context.Context, raw string) error {
	if c.storage == nil {
		return errors.New("core: storage is nil")
	}
	expr, err := rule.Parse(raw)
	if err != nil {
		return err
	}
	if err := c.storage.RemoveRule(ctx, expr.String()); err != nil {
		return fmt.Errorf("core: remove rule: %w", err)
	}
	c.matcher.Remove(expr.String())
	c.cache.Purge()
	return nil
}

// Offense returns the current escalation record for a user in a group.
func (c *Core) Offense(ctx context.Context, key models.OffenseKey) (models.OffenseRecord, error) {
	if c.enforcer == nil {
		return models.OffenseRecord{}, errors.New("core: enforcement is disabled")
	}
	return c.enforcer.Record(ctx, key)
}

// Metrics returns the number of processed requests by status.
func (c *Core) Metrics() map[models.Status]int64 {
	out := make(map[models.Status]int64, models.StatusCount)
	for i := 1; i <= models.StatusCount; i++ {
		out[models.Status(i)] = c.processed[i].Load()
	}
	return out
}

// RuleCount returns the number of loaded rules.
func (c *Core) RuleCount() int {
	return c.matcher.Count()
}

// MatcherStats returns the matcher's counters.
func (c *Core) MatcherStats() engine.Stats {
	return c.matcher.Stats()
}

// isWhitelisted reports whether the message skips moderation: a trusted
// user, a trusted group, or a group outside the configured scope.
func (c *Core) isWhitelisted(mc models.Context) bool {
	if _, ok := c.whitelist[mc.UserID]; ok && mc.UserID != "" {
		return true
	}
	if mc.GroupID == "" {
		return false
	}
	if _, ok := c.trusted[mc.GroupID]; ok {
		return true
	}
	if len(c.scope) == 0 {
		return false
	}
	_, ok := c.scope[mc.GroupID]
	return !ok
}

func idSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

func (c *Core) isBlacklisted(userID string) bool {
	if userID == "" {
		return false
	}
	_, ok := (*c.blocked.Load())[userID]
	return ok
}

func (c *Core) validate() error {
	if c.orch == nil {
		return errors.New("core: orchestrator is nil")
	}
	if c.maxMessageSize <= 0 {
		return fmt.Errorf("core: invalid max message size: %d", c.maxMessageSize)
	}
	return nil
}

func (c *Core) startCacheJanitor(ctx context.Context) {
	if c.cache == nil {
		return
	}
	c.janitorOnce.Do(func() {
		interval := time.Minute
		if c.cacheTTL > 0 && c.cacheTTL < interval {
			interval = c.cacheTTL
		}
		go func() {
			defer func() {
				if r := recover(); r != nil {
					c.logWarn("verdict cache janitor panic", map[string]any{"panic": fmt.Sprint(r)})
				}
			}()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					c.cache.RemoveExpired(now)
				}
			}
		}()
	})
}

func (c *Core) logWarn(msg string, fields map[string]any) {
	if c.logger != nil {
		c.logger.Warn(msg, fields)
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func auditContent(req models.ModerationRequest) string {
	switch req.Kind {
	case models.KindText:
		return req.Text
	case models.KindImageURL:
		return req.URL
	default:
		return fmt.Sprintf("<%d bytes %s>", len(req.Data), req.MimeType)
	}
}

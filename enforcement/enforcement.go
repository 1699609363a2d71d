// Package enforcement turns violation verdicts into escalating per-user
// sanctions. Each (user, group) pair walks Clean, Warned, Muted, Banned.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/elum-utils/aiocensor/interfaces"
	"github.com/elum-utils/aiocensor/models"
)

const (
	defaultCooldown     = 24 * time.Hour
	defaultMuteDuration = 5 * time.Minute
	defaultDedupSize    = 4096
	defaultDedupTTL     = time.Hour
	defaultHistorySize  = 64
)

// ErrActionFailed wraps ActionHandler failures. The offense record is already
// persisted when it is returned.
var ErrActionFailed = errors.New("enforcement: action failed")

// Options configure a Machine.
type Options struct {
	Store   interfaces.OffenseStore
	Handler interfaces.ActionHandler
	Logger  interfaces.Logger

	// Cooldown is the quiet window after which a non-banned record resets.
	// Zero means 24h, negative disables the reset.
	Cooldown time.Duration
	// SevereCategories lets a category jump straight to a tier.
	SevereCategories map[models.Category]models.Tier
	MuteDuration     time.Duration
	// BanAction is EnforceBan or EnforceKick.
	BanAction models.EnforcementAction
	// Recall asks the platform to delete offending messages.
	Recall bool

	// DedupSize and DedupTTL bound the in-process replay cache.
	DedupSize int
	DedupTTL  time.Duration
	// HistorySize is how many processed message ids each record keeps for
	// replay detection once the cache has forgotten them. Zero means 64.
	HistorySize int
	Now         func() time.Time
}

// Decision is the outcome of one Apply call.
type Decision struct {
	Record   models.OffenseRecord
	Previous models.Tier
	Intent   *models.ActionIntent
	// Duplicate is set when the message was already processed.
	Duplicate bool
}

// Escalated reports whether the tier moved.
func (d Decision) Escalated() bool {
	return d.Record.Tier != d.Previous
}

// Machine applies verdicts to offense records with one writer per key.
type Machine struct {
	store   interfaces.OffenseStore
	handler interfaces.ActionHandler
	logger  interfaces.Logger

	cooldown     time.Duration
	severe       map[models.Category]models.Tier
	muteDuration time.Duration
	banAction    models.EnforcementAction
	recall       bool
	history      int
	now          func() time.Time

	locks *keyedMutex
	seen  *expirable.LRU[string, struct{}]
}

// New creates a state machine.
func New(opts Options) (*Machine, error) {
	if opts.Store == nil {
		return nil, errors.New("enforcement: offense store is nil")
	}
	m := &Machine{
		store:        opts.Store,
		handler:      opts.Handler,
		logger:       opts.Logger,
		cooldown:     defaultCooldown,
		severe:       make(map[models.Category]models.Tier, len(opts.SevereCategories)),
		muteDuration: defaultMuteDuration,
		banAction:    models.EnforceBan,
		recall:       opts.Recall,
		history:      defaultHistorySize,
		now:          time.Now,
		locks:        newKeyedMutex(),
	}
	if opts.Cooldown != 0 {
		m.cooldown = opts.Cooldown
	}
	for c, t := range opts.SevereCategories {
		if !t.Valid() {
			return nil, fmt.Errorf("enforcement: invalid tier %d for category %q", int(t), c)
		}
		m.severe[c] = t
	}
	if opts.MuteDuration > 0 {
		m.muteDuration = opts.MuteDuration
	}
	switch opts.BanAction {
	case "", models.EnforceBan:
	case models.EnforceKick:
		m.banAction = models.EnforceKick
	default:
		return nil, fmt.Errorf("enforcement: invalid ban action %q", opts.BanAction)
	}
	if opts.HistorySize > 0 {
		m.history = opts.HistorySize
	}
	if opts.Now != nil {
		m.now = opts.Now
	}
	size, ttl := defaultDedupSize, defaultDedupTTL
	if opts.DedupSize > 0 {
		size = opts.DedupSize
	}
	if opts.DedupTTL > 0 {
		ttl = opts.DedupTTL
	}
	m.seen = expirable.NewLRU[string, struct{}](size, nil, ttl)
	return m, nil
}

// Apply records a violation for the message's author and executes the
// resulting intent. Clean verdicts leave the record untouched.
func (m *Machine) Apply(ctx context.Context, c models.Context, v models.AggregateVerdict) (Decision, error) {
	key := models.OffenseKey{UserID: c.UserID, GroupID: c.GroupID}
	if key.UserID == "" {
		return Decision{}, errors.New("enforcement: user id is empty")
	}
	if !v.Violated {
		rec, err := m.Record(ctx, key)
		return Decision{Record: rec, Previous: rec.Tier}, err
	}

	unlock := m.locks.lock(key.String())
	defer unlock()

	dedupKey := key.String() + "#" + c.MessageID
	if c.MessageID != "" {
		if _, ok := m.seen.Get(dedupKey); ok {
			rec, err := m.load(ctx, key)
			return Decision{Record: rec, Previous: rec.Tier, Duplicate: true}, err
		}
	}

	rec, err := m.load(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if rec.Processed(c.MessageID) {
		m.seen.Add(dedupKey, struct{}{})
		return Decision{Record: rec, Previous: rec.Tier, Duplicate: true}, nil
	}

	now := m.now()
	rec = m.cooled(rec, now)
	prev := rec.Tier
	rec.Tier = m.advance(prev, v.Categories)
	rec.Count++
	rec.LastOffense = now
	rec.Remember(c.MessageID, m.history)

	if err := m.store.Save(ctx, rec); err != nil {
		return Decision{Previous: prev}, fmt.Errorf("enforcement: save %s: %w", key, err)
	}
	if c.MessageID != "" {
		m.seen.Add(dedupKey, struct{}{})
	}

	d := Decision{Record: rec, Previous: prev}
	if rec.Tier == prev {
		return d, nil
	}
	intent := m.intent(rec, c.MessageID, v)
	d.Intent = &intent
	m.logInfo("offense escalated", map[string]any{
		"user_id":  rec.UserID,
		"group_id": rec.GroupID,
		"from":     prev.String(),
		"to":       rec.Tier.String(),
		"count":    rec.Count,
	})

	if m.handler == nil {
		return d, nil
	}
	if err := m.handler.Execute(ctx, intent); err != nil {
		m.logWarn("action failed", map[string]any{
			"user_id": rec.UserID, "group_id": rec.GroupID, "action": string(intent.Action), "error": err.Error(),
		})
		return d, fmt.Errorf("%w: %s %s: %w", ErrActionFailed, intent.Action, key, err)
	}
	return d, nil
}

// Record returns the current record for key with the cooldown rule applied.
// Unknown keys are Clean.
func (m *Machine) Record(ctx context.Context, key models.OffenseKey) (models.OffenseRecord, error) {
	rec, err := m.load(ctx, key)
	if err != nil {
		return rec, err
	}
	return m.cooled(rec, m.now()), nil
}

// Reset clears the record for key.
func (m *Machine) Reset(ctx context.Context, key models.OffenseKey) error {
	unlock := m.locks.lock(key.String())
	defer unlock()
	if err := m.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("enforcement: delete %s: %w", key, err)
	}
	return nil
}

func (m *Machine) load(ctx context.Context, key models.OffenseKey) (models.OffenseRecord, error) {
	rec, ok, err := m.store.Load(ctx, key)
	if err != nil {
		return models.OffenseRecord{UserID: key.UserID, GroupID: key.GroupID}, fmt.Errorf("enforcement: load %s: %w", key, err)
	}
	if !ok {
		return models.OffenseRecord{UserID: key.UserID, GroupID: key.GroupID, Tier: models.TierClean}, nil
	}
	return rec, nil
}

// cooled resets a quiet non-banned record. Banned never cools down.
func (m *Machine) cooled(rec models.OffenseRecord, now time.Time) models.OffenseRecord {
	if m.cooldown < 0 || rec.Tier == models.TierClean || rec.Tier == models.TierBanned {
		return rec
	}
	if now.Sub(rec.LastOffense) < m.cooldown {
		return rec
	}
	rec.Tier = models.TierClean
	rec.Count = 0
	return rec
}

func (m *Machine) advance(cur models.Tier, cats []models.Category) models.Tier {
	next := cur + 1
	if next > models.TierBanned {
		next = models.TierBanned
	}
	for _, c := range cats {
		if t, ok := m.severe[c]; ok && t > next {
			next = t
		}
	}
	return next
}

func (m *Machine) intent(rec models.OffenseRecord, messageID string, v models.AggregateVerdict) models.ActionIntent {
	in := models.ActionIntent{
		Tier:       rec.Tier,
		UserID:     rec.UserID,
		GroupID:    rec.GroupID,
		MessageID:  messageID,
		Reason:     reason(v),
		Categories: append([]models.Category(nil), v.Categories...),
		Recall:     m.recall,
	}
	switch rec.Tier {
	case models.TierWarned:
		in.Action = models.EnforceWarn
	case models.TierMuted:
		in.Action = models.EnforceMute
		in.MuteDuration = m.muteDuration
	default:
		in.Action = m.banAction
	}
	return in
}

func reason(v models.AggregateVerdict) string {
	var b strings.Builder
	if v.Primary != "" {
		b.WriteString(string(v.Primary))
		b.WriteString(": ")
	}
	if len(v.Categories) > 0 {
		cats := make([]string, len(v.Categories))
		for i, c := range v.Categories {
			cats[i] = string(c)
		}
		b.WriteString(strings.Join(cats, ","))
	} else {
		b.WriteString("violation")
	}
	if len(v.Reasons) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(v.Reasons, "; "))
		b.WriteString(")")
	}
	return b.String()
}

func (m *Machine) logInfo(msg string, fields map[string]any) {
	if m.logger != nil {
		m.logger.Info(msg, fields)
	}
}

func (m *Machine) logWarn(msg string, fields map[string]any) {
	if m.logger != nil {
		m.logger.Warn(msg, fields)
	}
}

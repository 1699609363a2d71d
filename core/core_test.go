package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elum-utils/aiocensor/adapters/local"
	"github.com/elum-utils/aiocensor/adapters/offense"
	"github.com/elum-utils/aiocensor/adapters/storage"
	"github.com/elum-utils/aiocensor/enforcement"
	"github.com/elum-utils/aiocensor/engine"
	"github.com/elum-utils/aiocensor/interfaces"
	"github.com/elum-utils/aiocensor/models"
	"github.com/elum-utils/aiocensor/orchestrator"
)

type mockProvider struct {
	id      models.ProviderID
	verdict models.Verdict
	err     error
	calls   atomic.Int64
}

func (m *mockProvider) ID() models.ProviderID { return m.id }
func (m *mockProvider) Capabilities() models.CapabilitySet {
	return models.Capabilities(models.KindText, models.KindImageURL, models.KindImageBase64)
}
func (m *mockProvider) Check(ctx context.Context, _ models.ModerationRequest) (models.Verdict, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return models.Verdict{}, err
	}
	if m.err != nil {
		return models.Verdict{}, m.err
	}
	v := m.verdict
	v.Provider = m.id
	return v, nil
}

var _ interfaces.Provider = (*mockProvider)(nil)

type mockStorage struct {
	mu    sync.RWMutex
	rules map[string]struct{}
}

func newMockStorage(rules ...string) *mockStorage {
	m := &mockStorage{rules: make(map[string]struct{}, len(rules))}
	for _, r := range rules {
		m.rules[r] = struct{}{}
	}
	return m
}

func (m *mockStorage) AddRule(_ context.Context, rule string) error {
	m.mu.Lock()
	m.rules[rule] = struct{}{}
	m.mu.Unlock()
	return nil
}
func (m *mockStorage) RemoveRule(_ context.Context, rule string) error {
	m.mu.Lock()
	delete(m.rules, rule)
	m.mu.Unlock()
	return nil
}
func (m *mockStorage) GetRules(context.Context) ([]string, error) {
	m.mu.RLock()
	out := make([]string, 0, len(m.rules))
	for r := range m.rules {
		out = append(out, r)
	}
	m.mu.RUnlock()
	return out, nil
}
func (m *mockStorage) RuleExists(_ context.Context, rule string) (bool, error) {
	return m.hasRule(rule), nil
}

func (m *mockStorage) hasRule(rule string) bool {
	m.mu.RLock()
	_, ok := m.rules[rule]
	m.mu.RUnlock()
	return ok
}

type mockHandler struct {
	err     error
	intents []models.ActionIntent
}

func (h *mockHandler) Execute(_ context.Context, intent models.ActionIntent) error {
	h.intents = append(h.intents, intent)
	return h.err
}

type captureLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *captureLogger) Debug(string, map[string]any) {}
func (l *captureLogger) Info(string, map[string]any)  {}
func (l *captureLogger) Warn(msg string, _ map[string]any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}
func (l *captureLogger) Error(string, map[string]any) {}

func (l *captureLogger) count(msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, w := range l.warns {
		if w == msg {
			n++
		}
	}
	return n
}

func newOrchestrator(t *testing.T, providers ...interfaces.Provider) *orchestrator.Orchestrator {
	t.Helper()
	chain := make([]models.ProviderConfig, 0, len(providers))
	for i, p := range providers {
		chain = append(chain, models.ProviderConfig{ID: p.ID(), Priority: i})
	}
	o, err := orchestrator.New(orchestrator.Options{
		Providers:   providers,
		Chain:       chain,
		Mode:        orchestrator.FullAggregate,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func newMachine(t *testing.T, h interfaces.ActionHandler) *enforcement.Machine {
	t.Helper()
	m, err := enforcement.New(enforcement.Options{Store: offense.NewMemoryStore(), Handler: h})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func textRequest(text string) models.ModerationRequest {
	return models.ModerationRequest{
		Kind:    models.KindText,
		Text:    text,
		Context: models.Context{UserID: "u1", GroupID: "g1"},
	}
}

func violation(conf float64, keywords ...string) models.Verdict {
	return models.Verdict{
		Violated:   true,
		Categories: []models.Category{models.CategoryAbuse},
		Keywords:   keywords,
	}.WithConfidence(conf)
}

func TestModerateCleanText(t *testing.T) {
	p := &mockProvider{id: "ai"}
	c := New(Options{Orchestrator: newOrchestrator(t, p), Storage: newMockStorage()})

	var clean atomic.Int64
	if err := c.OnAllowClean(func(context.Context, models.ModerationResult) error {
		clean.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	res, err := c.Moderate(context.Background(), textRequest("hello there"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusClean {
		t.Fatalf("unexpected status: %s", res.Status)
	}
	if res.RequestID == "" {
		t.Fatalf("request id must be assigned")
	}
	if clean.Load() != 1 {
		t.Fatalf("expected allow_clean once, got %d", clean.Load())
	}
	if got := c.Metrics()[models.StatusClean]; got != 1 {
		t.Fatalf("expected clean metric 1, got %d", got)
	}
}

func TestModerateLocalRuleEscalates(t *testing.T) {
	matcher := engine.New(engine.Options{})
	lp := local.New("", matcher)
	h := &mockHandler{}
	c := New(Options{
		Orchestrator: newOrchestrator(t, lp),
		Enforcement:  newMachine(t, h),
		Matcher:      matcher,
		Storage:      newMockStorage("bad&word~joke"),
	})
	if err := c.SyncOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.RuleCount() != 1 {
		t.Fatalf("expected one rule, got %d", c.RuleCount())
	}

	var warned atomic.Int64
	_ = c.On(EventWarn, func(context.Context, models.ModerationResult) error {
		warned.Add(1)
		return nil
	})

	req := textRequest("a BAD word here")
	req.Context.MessageID = "m1"
	res, err := c.Moderate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusViolation || res.Verdict.Primary != local.DefaultID {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Tier != models.TierWarned || res.Intent == nil || res.Intent.Action != models.EnforceWarn {
		t.Fatalf("expected warn intent, got tier=%s intent=%+v", res.Tier, res.Intent)
	}
	if len(h.intents) != 1 || warned.Load() != 1 {
		t.Fatalf("expected one executed intent and one warn event")
	}

	res, err = c.Moderate(context.Background(), textRequest("a bad word, just a joke"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusClean {
		t.Fatalf("exclude group must suppress the rule, got %s", res.Status)
	}
}

func TestModerateDuplicateMessage(t *testing.T) {
	p := &mockProvider{id: "ai", verdict: violation(0.9)}
	c := New(Options{Orchestrator: newOrchestrator(t, p), Enforcement: newMachine(t, nil)})

	req := textRequest("spam")
	req.Context.MessageID = "m1"
	first, err := c.Moderate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Moderate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if first.Duplicate || !second.Duplicate {
		t.Fatalf("expected only the second call to be a duplicate")
	}
	if second.Tier != models.TierWarned || second.Intent != nil {
		t.Fatalf("duplicate must not escalate: %+v", second)
	}
	rec, err := c.Offense(context.Background(), models.OffenseKey{UserID: "u1", GroupID: "g1"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Count != 1 {
		t.Fatalf("expected one recorded offense, got %d", rec.Count)
	}
}

func TestModerateActionFailureKeepsRecord(t *testing.T) {
	p := &mockProvider{id: "ai", verdict: violation(0.9)}
	h := &mockHandler{err: errors.New("telegram down")}
	c := New(Options{Orchestrator: newOrchestrator(t, p), Enforcement: newMachine(t, h)})

	res, err := c.Moderate(context.Background(), textRequest("spam"))
	if err != nil {
		t.Fatalf("action failure must not fail moderation: %v", err)
	}
	if res.ActionError == "" || !strings.Contains(res.ActionError, "telegram down") {
		t.Fatalf("expected action error, got %q", res.ActionError)
	}
	rec, err := c.Offense(context.Background(), models.OffenseKey{UserID: "u1", GroupID: "g1"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Tier != models.TierWarned {
		t.Fatalf("record must stay escalated, got %s", rec.Tier)
	}
}

func TestModerateWhitelistSkipsProviders(t *testing.T) {
	p := &mockProvider{id: "ai", verdict: violation(1)}
	c := New(Options{Orchestrator: newOrchestrator(t, p), Whitelist: []string{" u1 "}})

	res, err := c.Moderate(context.Background(), textRequest("spam"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusWhitelisted {
		t.Fatalf("unexpected status: %s", res.Status)
	}
	if p.calls.Load() != 0 {
		t.Fatalf("whitelisted users must not reach providers")
	}
}

func TestModerateGroupWhitelistAndScope(t *testing.T) {
	p := &mockProvider{id: "ai", verdict: violation(1)}
	c := New(Options{
		Orchestrator:    newOrchestrator(t, p),
		WhitelistGroups: []string{"staff"},
		Groups:          []string{"g1", "staff"},
	})
	var allowed atomic.Int64
	_ = c.OnAllowClean(func(context.Context, models.ModerationResult) error {
		allowed.Add(1)
		return nil
	})

	cases := []struct {
		group   string
		checked bool
	}{
		{"staff", false}, // trusted group
		{"g2", false},    // outside scope
		{"g1", true},
		{"", true}, // private messages ignore the group scope
	}
	for _, tc := range cases {
		req := textRequest("spam")
		req.Context.GroupID = tc.group
		before := p.calls.Load()
		res, err := c.Moderate(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if checked := p.calls.Load() > before; checked != tc.checked {
			t.Fatalf("group %q: checked=%v, want %v", tc.group, checked, tc.checked)
		}
		if !tc.checked && res.Status != models.StatusWhitelisted {
			t.Fatalf("group %q: unexpected status %s", tc.group, res.Status)
		}
	}
	if allowed.Load() != 2 {
		t.Fatalf("expected allow_clean for the two skipped groups, got %d", allowed.Load())
	}
}

func TestModerateBlacklistSkipsProvidersAndEnforcement(t *testing.T) {
	p := &mockProvider{id: "ai"}
	bl := storage.NewMemoryAdapter()
	if err := bl.AddBlacklist(context.Background(), "u1", "spammer"); err != nil {
		t.Fatal(err)
	}
	h := &mockHandler{}
	c := New(Options{
		Orchestrator: newOrchestrator(t, p),
		Enforcement:  newMachine(t, h),
		Storage:      newMockStorage(),
		Blacklist:    bl,
	})
	if err := c.SyncOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	var blocked atomic.Int64
	_ = c.OnBlacklisted(func(context.Context, models.ModerationResult) error {
		blocked.Add(1)
		return nil
	})

	res, err := c.Moderate(context.Background(), textRequest("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusBlacklisted || !res.Verdict.Violated {
		t.Fatalf("unexpected result: %+v", res)
	}
	if p.calls.Load() != 0 || len(h.intents) != 0 {
		t.Fatalf("blacklisted users skip providers and enforcement")
	}
	if blocked.Load() != 1 {
		t.Fatalf("expected blacklisted event")
	}
}

func TestModerateCachesTextVerdict(t *testing.T) {
	p := &mockProvider{id: "ai"}
	c := New(Options{Orchestrator: newOrchestrator(t, p)})

	for i := 0; i < 3; i++ {
		res, err := c.Moderate(context.Background(), textRequest("same text"))
		if err != nil {
			t.Fatal(err)
		}
		if res.Cached != (i > 0) {
			t.Fatalf("call %d: unexpected cached flag %v", i, res.Cached)
		}
	}
	if p.calls.Load() != 1 {
		t.Fatalf("expected one provider call, got %d", p.calls.Load())
	}
}

func TestModerateInconclusiveIsNotCached(t *testing.T) {
	p := &mockProvider{id: "ai", err: models.NewProviderError("ai", models.ErrAuthFailure, errors.New("bad key"))}
	c := New(Options{Orchestrator: newOrchestrator(t, p)})

	var inconclusive atomic.Int64
	_ = c.OnInconclusive(func(context.Context, models.ModerationResult) error {
		inconclusive.Add(1)
		return nil
	})

	for i := 0; i < 2; i++ {
		res, err := c.Moderate(context.Background(), textRequest("text"))
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != models.StatusInconclusive || !res.Verdict.AllProvidersFailed {
			t.Fatalf("unexpected result: %+v", res)
		}
	}
	if p.calls.Load() != 2 {
		t.Fatalf("inconclusive verdicts must not be cached, calls=%d", p.calls.Load())
	}
	if inconclusive.Load() != 2 {
		t.Fatalf("expected two inconclusive events, got %d", inconclusive.Load())
	}
}

func TestModerateReviewEvent(t *testing.T) {
	p := &mockProvider{id: "ai", verdict: models.Verdict{NeedsReview: true}}
	c := New(Options{Orchestrator: newOrchestrator(t, p)})

	var review atomic.Int64
	_ = c.OnHumanReview(func(context.Context, models.ModerationResult) error {
		review.Add(1)
		return errors.New("handler errors are logged")
	})
	res, err := c.Moderate(context.Background(), textRequest("maybe"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusReview || review.Load() != 1 {
		t.Fatalf("expected review status and event, got %s", res.Status)
	}
}

func TestModerateCanceled(t *testing.T) {
	p := &mockProvider{id: "ai"}
	c := New(Options{Orchestrator: newOrchestrator(t, p)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Moderate(ctx, textRequest("text")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestModerateValidation(t *testing.T) {
	if _, err := New(Options{}).Moderate(context.Background(), textRequest("x")); err == nil {
		t.Fatalf("expected error without orchestrator")
	}
	c := New(Options{Orchestrator: newOrchestrator(t, &mockProvider{id: "ai"})})
	if _, err := c.Moderate(context.Background(), models.ModerationRequest{Kind: models.KindImageURL}); err == nil {
		t.Fatalf("expected error for image request without url")
	}
}

func TestModerateImageUsesImageChain(t *testing.T) {
	textP := &mockProvider{id: "text"}
	imageP := &mockProvider{id: "image", verdict: violation(0.8)}
	o := newOrchestrator(t, textP, imageP)
	c := New(Options{
		Orchestrator: o,
		TextChain:    []models.ProviderConfig{{ID: "text"}},
		ImageChain:   []models.ProviderConfig{{ID: "image"}},
	})

	res, err := c.Moderate(context.Background(), models.ModerationRequest{
		Kind:    models.KindImageURL,
		URL:     "https://example.com/a.png",
		Context: models.Context{UserID: "u1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusViolation || res.Verdict.Primary != "image" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if textP.calls.Load() != 0 {
		t.Fatalf("text chain must not run for images")
	}
	if res.Intent != nil {
		t.Fatalf("no enforcement configured, got intent %+v", res.Intent)
	}
}

func TestModerateMaxSizeTrim(t *testing.T) {
	matcher := engine.New(engine.Options{})
	c := New(Options{
		Orchestrator:   newOrchestrator(t, local.New("", matcher)),
		Matcher:        matcher,
		Storage:        newMockStorage("cd"),
		MaxMessageSize: 2,
	})
	_ = c.SyncOnce(context.Background())
	res, err := c.Moderate(context.Background(), textRequest("ABCD"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusClean {
		t.Fatalf("text beyond the limit must be ignored, got %s", res.Status)
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"привет", 3, "п"},
		{"привет", 4, "пр"},
		{"日本", 2, ""},
	}
	for _, tc := range cases {
		if got := truncate(tc.in, tc.n); got != tc.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestAutoLearnPersistsKeyword(t *testing.T) {
	p := &mockProvider{id: "ai", verdict: violation(0.9, "New Token", "a&b", "  ")}
	st := newMockStorage()
	c := New(Options{Orchestrator: newOrchestrator(t, p), Storage: st, AutoLearn: true})

	if _, err := c.Moderate(context.Background(), textRequest("buy new token now")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for !st.hasRule("new token") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !st.hasRule("new token") {
		t.Fatalf("expected learned rule persisted")
	}
	if st.hasRule("a&b") {
		t.Fatalf("tokens with operators must not be learned")
	}
	if c.RuleCount() != 1 {
		t.Fatalf("expected one rule in matcher, got %d", c.RuleCount())
	}
}

func TestAutoLearnDropsStaleCachedVerdicts(t *testing.T) {
	matcher := engine.New(engine.Options{})
	ai := &mockProvider{id: "ai"}
	st := newMockStorage()
	c := New(Options{
		Orchestrator: newOrchestrator(t, local.New("", matcher), ai),
		Matcher:      matcher,
		Storage:      st,
		AutoLearn:    true,
	})
	ctx := context.Background()

	if res, _ := c.Moderate(ctx, textRequest("casino tonight")); res.Status != models.StatusClean {
		t.Fatalf("unexpected status: %s", res.Status)
	}
	ai.verdict = violation(0.9, "casino")
	if res, _ := c.Moderate(ctx, textRequest("play casino now")); res.Status != models.StatusViolation {
		t.Fatalf("unexpected status: %s", res.Status)
	}
	ai.verdict = models.Verdict{}

	res, err := c.Moderate(ctx, textRequest("casino tonight"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Cached || res.Status != models.StatusViolation || res.Verdict.Primary != local.DefaultID {
		t.Fatalf("learned rule must replace the cached clean verdict, got %+v", res)
	}
}

func TestAutoLearnSkips(t *testing.T) {
	long := strings.Repeat("a", 256)
	cases := []struct {
		name string
		opts Options
		v    models.Verdict
		term string
	}{
		{"disabled", Options{}, violation(0.9, "x"), "x"},
		{"low confidence", Options{AutoLearn: true, ConfidenceThreshold: 0.8}, violation(0.5, "x"), "x"},
		{"too long", Options{AutoLearn: true, MaxLearnTokenLength: 255}, violation(0.9, long), long},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newMockStorage()
			opts := tc.opts
			opts.Orchestrator = newOrchestrator(t, &mockProvider{id: "ai", verdict: tc.v})
			opts.Storage = st
			c := New(opts)
			_, _ = c.Moderate(context.Background(), textRequest("text"))
			time.Sleep(20 * time.Millisecond)
			if st.hasRule(tc.term) || c.RuleCount() != 0 {
				t.Fatalf("token must not be learned")
			}
		})
	}
}

func TestSyncOnceSkipsMalformedRules(t *testing.T) {
	log := &captureLogger{}
	c := New(Options{
		Orchestrator: newOrchestrator(t, &mockProvider{id: "ai"}),
		Storage:      newMockStorage("ok", "bad&", "&worse"),
		Logger:       log,
	})
	if err := c.SyncOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.RuleCount() != 1 {
		t.Fatalf("expected one valid rule, got %d", c.RuleCount())
	}
	if log.count("malformed rule skipped") != 2 {
		t.Fatalf("expected two warnings, got %v", log.warns)
	}
	if err := New(Options{}).SyncOnce(context.Background()); err == nil {
		t.Fatalf("expected error without storage")
	}
}

func TestAddAndRemoveRule(t *testing.T) {
	st := newMockStorage()
	matcher := engine.New(engine.Options{})
	c := New(Options{Orchestrator: newOrchestrator(t, local.New("", matcher)), Matcher: matcher, Storage: st})
	ctx := context.Background()

	if err := c.AddRule(ctx, "~"); err == nil {
		t.Fatalf("expected malformed rule error")
	}
	if err := c.AddRule(ctx, " casino & win "); err != nil {
		t.Fatal(err)
	}
	if !st.hasRule("casino&win") || c.RuleCount() != 1 {
		t.Fatalf("rule must be stored in canonical form and loaded")
	}
	res, _ := c.Moderate(ctx, textRequest("win at the casino"))
	if res.Status != models.StatusViolation {
		t.Fatalf("expected violation, got %s", res.Status)
	}
	if err := c.RemoveRule(ctx, "casino&win"); err != nil {
		t.Fatal(err)
	}
	res, _ = c.Moderate(ctx, textRequest("win at the casino"))
	if res.Status != models.StatusClean || res.Cached {
		t.Fatalf("removing a rule must drop cached verdicts, got %+v", res)
	}
}

func TestAuditLogsNonClean(t *testing.T) {
	audit := storage.NewMemoryAuditLog()
	p := &mockProvider{id: "ai"}
	c := New(Options{Orchestrator: newOrchestrator(t, p), AuditLog: audit})
	ctx := context.Background()

	if _, err := c.Moderate(ctx, textRequest("fine")); err != nil {
		t.Fatal(err)
	}
	p.verdict = violation(0.9)
	res, err := c.Moderate(ctx, textRequest("spam"))
	if err != nil {
		t.Fatal(err)
	}
	entries, err := audit.List(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
	if entries[0].RequestID != res.RequestID || entries[0].Content != "spam" || !entries[0].Verdict.Violated {
		t.Fatalf("unexpected audit entry: %+v", entries[0])
	}
}

func TestOffenseWithoutEnforcement(t *testing.T) {
	c := New(Options{Orchestrator: newOrchestrator(t, &mockProvider{id: "ai"})})
	if _, err := c.Offense(context.Background(), models.OffenseKey{UserID: "u1"}); err == nil {
		t.Fatalf("expected error without enforcement")
	}
}

func TestOnRejectsNilHandler(t *testing.T) {
	if err := New(Options{}).On(EventBan, nil); err == nil {
		t.Fatalf("expected error for nil handler")
	}
}

func TestEventFor(t *testing.T) {
	intent := func(a models.EnforcementAction) *models.ActionIntent { return &models.ActionIntent{Action: a} }
	cases := []struct {
		res  models.ModerationResult
		want EventName
	}{
		{models.ModerationResult{Status: models.StatusClean}, EventAllowClean},
		{models.ModerationResult{Status: models.StatusWhitelisted}, EventAllowClean},
		{models.ModerationResult{Status: models.StatusBlacklisted}, EventBlacklisted},
		{models.ModerationResult{Status: models.StatusInconclusive}, EventInconclusive},
		{models.ModerationResult{Status: models.StatusReview}, EventHumanReview},
		{models.ModerationResult{Status: models.StatusViolation}, EventViolation},
		{models.ModerationResult{Status: models.StatusViolation, Intent: intent(models.EnforceWarn)}, EventWarn},
		{models.ModerationResult{Status: models.StatusViolation, Intent: intent(models.EnforceMute)}, EventMute},
		{models.ModerationResult{Status: models.StatusViolation, Intent: intent(models.EnforceKick)}, EventKick},
		{models.ModerationResult{Status: models.StatusViolation, Intent: intent(models.EnforceBan)}, EventBan},
	}
	for _, tc := range cases {
		if got := eventFor(tc.res); got != tc.want {
			t.Fatalf("eventFor(%s) = %s, want %s", tc.res.Status, got, tc.want)
		}
	}
}

type processedFunc func(context.Context, models.ModerationResult) error

func (f processedFunc) OnProcessed(ctx context.Context, r models.ModerationResult) error { return f(ctx, r) }

func TestConcurrentModerate(t *testing.T) {
	var processed atomic.Int64
	p := &mockProvider{id: "ai", verdict: violation(1)}
	c := New(Options{
		Orchestrator: newOrchestrator(t, p),
		Enforcement:  newMachine(t, nil),
		Processed: processedFunc(func(context.Context, models.ModerationResult) error {
			processed.Add(1)
			return nil
		}),
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Moderate(context.Background(), textRequest("spam"))
		}()
	}
	wg.Wait()

	if processed.Load() != 50 {
		t.Fatalf("expected 50 processed callbacks, got %d", processed.Load())
	}
	rec, err := c.Offense(context.Background(), models.OffenseKey{UserID: "u1", GroupID: "g1"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Count != 50 || rec.Tier != models.TierBanned {
		t.Fatalf("unexpected record after concurrent violations: %+v", rec)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	c := New(Options{
		Orchestrator: newOrchestrator(t, &mockProvider{id: "ai"}),
		Storage:      newMockStorage("x"),
		SyncInterval: time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if c.RuleCount() != 1 {
		t.Fatalf("expected rules loaded on run")
	}
}

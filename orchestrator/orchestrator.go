// Package orchestrator dispatches one moderation request across a chain of
// providers, applies the per-kind error policy and folds the verdicts into
// one aggregate decision.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/elum-utils/aiocensor/interfaces"
	"github.com/elum-utils/aiocensor/models"
)

const instrumentationName = "github.com/elum-utils/aiocensor/orchestrator"

// Orchestrator runs moderation requests. It is safe for concurrent use.
type Orchestrator struct {
	providers map[models.ProviderID]interfaces.Provider
	chain     []models.ProviderConfig
	fetcher   interfaces.ImageFetcher
	logger    interfaces.Logger
	tracer    trace.Tracer

	mode        Mode
	agreement   Agreement
	parallel    bool
	maxParallel int

	maxRetries     int
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	defaultTimeout time.Duration
	policy         models.ErrorPolicy
}

// New validates opts and creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		providers:      make(map[models.ProviderID]interfaces.Provider, len(opts.Providers)),
		chain:          append([]models.ProviderConfig(nil), opts.Chain...),
		fetcher:        opts.Fetcher,
		logger:         opts.Logger,
		tracer:         opts.Tracer,
		mode:           opts.Mode,
		agreement:      opts.Agreement,
		parallel:       opts.Parallel,
		maxParallel:    opts.MaxParallel,
		maxRetries:     defaultMaxRetries,
		baseBackoff:    defaultBaseBackoff,
		maxBackoff:     defaultMaxBackoff,
		defaultTimeout: defaultTimeout,
		policy:         opts.Policy,
	}
	for _, p := range opts.Providers {
		o.providers[p.ID()] = p
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(instrumentationName)
	}
	if opts.MaxRetries > 0 {
		o.maxRetries = opts.MaxRetries
	}
	if opts.BaseBackoff > 0 {
		o.baseBackoff = opts.BaseBackoff
	}
	if opts.MaxBackoff > 0 {
		o.maxBackoff = opts.MaxBackoff
	}
	if opts.DefaultTimeout > 0 {
		o.defaultTimeout = opts.DefaultTimeout
	}
	return o, nil
}

// Provider returns a registered provider by id.
func (o *Orchestrator) Provider(id models.ProviderID) (interfaces.Provider, bool) {
	p, ok := o.providers[id]
	return p, ok
}

// Chain returns the default chain sorted by priority.
func (o *Orchestrator) Chain() []models.ProviderConfig {
	return sortChain(o.chain)
}

// Mode returns the configured chain mode.
func (o *Orchestrator) Mode() Mode { return o.mode }

type providerResult struct {
	verdict *models.Verdict
	outcome models.ProviderOutcome
}

// payload holds image bytes fetched at most once per request.
type payload struct {
	once sync.Once
	data []byte
	mime string
	err  error
}

func (p *payload) get(ctx context.Context, f interfaces.ImageFetcher, url string) ([]byte, string, error) {
	p.once.Do(func() {
		p.data, p.mime, p.err = f.Fetch(ctx, url)
	})
	return p.data, p.mime, p.err
}

// Moderate checks req against chain, or the default chain when chain is nil.
// It returns ctx.Err() when the caller cancels; provider failures never
// surface as errors and end up in the verdict outcomes instead.
func (o *Orchestrator) Moderate(ctx context.Context, req models.ModerationRequest, chain []models.ProviderConfig) (models.AggregateVerdict, error) {
	if err := req.Validate(); err != nil {
		return models.AggregateVerdict{}, fmt.Errorf("orchestrator: %w", err)
	}
	if chain == nil {
		chain = o.chain
	}
	chain = sortChain(chain)

	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "orchestrator.moderate", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("request.kind", req.Kind.String()),
		attribute.Int("chain.length", len(chain)),
		attribute.String("chain.mode", o.mode.String()),
	))
	defer span.End()

	var results []providerResult
	if o.parallel && len(chain) > 1 {
		results = o.runParallel(ctx, req, chain)
	} else {
		results = o.runSequential(ctx, req, chain)
	}
	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "canceled")
		return models.AggregateVerdict{}, err
	}

	agg := aggregate(results, o.agreement)
	label := resultLabel(agg)
	span.SetAttributes(
		attribute.Bool("verdict.violated", agg.Violated),
		attribute.Bool("verdict.all_providers_failed", agg.AllProvidersFailed),
	)
	moderationDuration.WithLabelValues(req.Kind.String()).Observe(time.Since(start).Seconds())
	moderationResultCount.WithLabelValues(req.Kind.String(), label).Inc()
	return agg, nil
}

func (o *Orchestrator) runSequential(ctx context.Context, req models.ModerationRequest, chain []models.ProviderConfig) []providerResult {
	shared := &payload{}
	results := make([]providerResult, 0, len(chain))
	for _, cfg := range chain {
		if ctx.Err() != nil {
			break
		}
		res := o.runProvider(ctx, req, cfg, shared)
		results = append(results, res)
		if o.mode == FirstViolationWins && res.verdict != nil && res.verdict.Violated {
			break
		}
	}
	return results
}

func (o *Orchestrator) runParallel(ctx context.Context, req models.ModerationRequest, chain []models.ProviderConfig) []providerResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shared := &payload{}
	results := make([]providerResult, len(chain))
	var g errgroup.Group
	if o.maxParallel > 0 {
		g.SetLimit(o.maxParallel)
	}
	var tripwire sync.Once
	for i, cfg := range chain {
		i, cfg := i, cfg
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = canceledResult(cfg.ID)
				return nil
			}
			res := o.runProvider(ctx, req, cfg, shared)
			results[i] = res
			if o.mode == FirstViolationWins && res.verdict != nil && res.verdict.Violated {
				tripwire.Do(cancel)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func canceledResult(id models.ProviderID) providerResult {
	return providerResult{outcome: models.ProviderOutcome{
		Provider: id,
		Skipped:  true,
		Error:    context.Canceled.Error(),
	}}
}

// runProvider drives one chain entry through retries and the one-time
// image payload fallback.
func (o *Orchestrator) runProvider(ctx context.Context, req models.ModerationRequest, cfg models.ProviderConfig, shared *payload) providerResult {
	start := time.Now()
	out := models.ProviderOutcome{Provider: cfg.ID}
	finish := func(v *models.Verdict, err error) providerResult {
		out.Duration = time.Since(start)
		if errors.Is(err, context.Canceled) {
			out.Skipped = true
			out.Error = err.Error()
			return providerResult{outcome: out}
		}
		if err != nil {
			kind := models.KindOf(err)
			out.Skipped = true
			out.ErrorKind = &kind
			out.Error = err.Error()
			providerSkipCount.WithLabelValues(string(cfg.ID), kind.String()).Inc()
			o.logDebug("provider skipped", map[string]any{
				"provider": cfg.ID, "request_id": req.ID, "kind": kind.String(), "error": err.Error(),
			})
		}
		return providerResult{verdict: v, outcome: out}
	}

	p, ok := o.providers[cfg.ID]
	if !ok {
		return finish(nil, models.NewProviderError(cfg.ID, models.ErrUnsupported, errors.New("provider not registered")))
	}
	caps := p.Capabilities()
	if cfg.Capabilities != 0 {
		caps &= cfg.Capabilities
	}
	policy := o.policyFor(cfg)

	ctx, span := o.tracer.Start(ctx, "orchestrator.provider", trace.WithAttributes(
		attribute.String("provider.id", string(cfg.ID)),
		attribute.String("request.kind", req.Kind.String()),
	))
	defer span.End()

	cur := req
	for {
		var (
			v   models.Verdict
			err error
		)
		if !caps.Supports(cur.Kind) {
			err = models.NewProviderError(cfg.ID, models.ErrUnsupported, fmt.Errorf("kind %s not supported", cur.Kind))
		} else {
			v, err = o.callWithRetry(ctx, p, cfg, cur, policy, &out.Attempts)
		}
		if err == nil {
			if v.Provider == "" {
				v.Provider = cfg.ID
			}
			span.SetAttributes(attribute.Bool("verdict.violated", v.Violated), attribute.Int("attempts", out.Attempts))
			return finish(&v, nil)
		}
		if ctx.Err() != nil {
			span.RecordError(ctx.Err())
			return finish(nil, ctx.Err())
		}
		span.RecordError(err)

		rule := policy.Lookup(models.KindOf(err))
		if rule.Action == models.ActionFallbackOnce && !out.FellBack && cur.Kind == models.KindImageURL &&
			caps.Supports(models.KindImageBase64) && o.fetcher != nil {
			data, mime, ferr := shared.get(ctx, o.fetcher, req.URL)
			if ferr == nil {
				out.FellBack = true
				providerFallbackCount.WithLabelValues(string(cfg.ID)).Inc()
				span.AddEvent("fallback.image_payload")
				cur = req.AsImagePayload(data, mime)
				continue
			}
			o.logWarn("image fetch for fallback failed", map[string]any{
				"provider": cfg.ID, "request_id": req.ID, "error": ferr.Error(),
			})
		}
		span.SetStatus(codes.Error, models.KindOf(err).String())
		return finish(nil, err)
	}
}

// callWithRetry calls p, retrying kinds whose policy says so with capped
// exponential backoff.
func (o *Orchestrator) callWithRetry(ctx context.Context, p interfaces.Provider, cfg models.ProviderConfig, req models.ModerationRequest, policy models.ErrorPolicy, attempts *int) (models.Verdict, error) {
	b := retry.NewExponential(o.baseBackoff)
	b = retry.WithCappedDuration(o.maxBackoff, b)
	b = retry.WithJitterPercent(10, b)

	var (
		verdict models.Verdict
		tries   int
	)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		*attempts++
		tries++
		v, err := o.call(ctx, p, cfg, req)
		if err == nil {
			verdict = v
			return nil
		}
		rule := policy.Lookup(models.KindOf(err))
		if rule.Action != models.ActionRetry {
			return err
		}
		limit := rule.Retries
		if limit <= 0 {
			limit = o.maxRetries
		}
		if tries > limit {
			return err
		}
		return retry.RetryableError(err)
	})
	return verdict, err
}

// call performs one bounded provider call and normalizes its error.
func (o *Orchestrator) call(ctx context.Context, p interfaces.Provider, cfg models.ProviderConfig, req models.ModerationRequest) (models.Verdict, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = o.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	v, err := p.Check(callCtx, req)
	label := "ok"
	switch {
	case err == nil && v.Violated:
		label = "violated"
	case err != nil:
		err = classify(ctx, callCtx, cfg.ID, err)
		label = models.KindOf(err).String()
	}
	providerCallDuration.WithLabelValues(string(cfg.ID), label).Observe(time.Since(start).Seconds())
	providerCallCount.WithLabelValues(string(cfg.ID), label).Inc()
	return v, err
}

func classify(parent, call context.Context, id models.ProviderID, err error) error {
	var pe *models.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(call.Err(), context.DeadlineExceeded) {
		return models.NewProviderError(id, models.ErrTimeout, err)
	}
	return models.NewProviderError(id, models.ErrTransient, err)
}

func (o *Orchestrator) policyFor(cfg models.ProviderConfig) models.ErrorPolicy {
	if len(cfg.Policy) == 0 && len(o.policy) == 0 {
		return nil
	}
	merged := make(models.ErrorPolicy, len(o.policy)+len(cfg.Policy))
	for k, v := range o.policy {
		merged[k] = v
	}
	for k, v := range cfg.Policy {
		merged[k] = v
	}
	return merged
}

func sortChain(chain []models.ProviderConfig) []models.ProviderConfig {
	out := append([]models.ProviderConfig(nil), chain...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func resultLabel(v models.AggregateVerdict) string {
	return models.StatusOf(v).String()
}

func (o *Orchestrator) logDebug(msg string, fields map[string]any) {
	if o.logger != nil {
		o.logger.Debug(msg, fields)
	}
}

func (o *Orchestrator) logWarn(msg string, fields map[string]any) {
	if o.logger != nil {
		o.logger.Warn(msg, fields)
	}
}

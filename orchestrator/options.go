package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/elum-utils/aiocensor/interfaces"
	"github.com/elum-utils/aiocensor/models"
)

const (
	defaultMaxRetries  = 2
	defaultBaseBackoff = 100 * time.Millisecond
	defaultMaxBackoff  = 2 * time.Second
	defaultTimeout     = 10 * time.Second
)

// Mode selects whether the chain stops at the first violation.
type Mode int

const (
	// ModeUnset is rejected by New so callers always pick a mode.
	ModeUnset Mode = iota
	// FirstViolationWins stops querying providers once one reports a violation.
	FirstViolationWins
	// FullAggregate queries every provider and unions the results.
	FullAggregate
)

func (m Mode) String() string {
	switch m {
	case FirstViolationWins:
		return "first_violation_wins"
	case FullAggregate:
		return "full_aggregate"
	default:
		return "unset"
	}
}

// ParseMode maps a mode name back to Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "first_violation_wins":
		return FirstViolationWins, nil
	case "full_aggregate":
		return FullAggregate, nil
	}
	return ModeUnset, fmt.Errorf("orchestrator: unknown mode %q", s)
}

// Agreement decides how disagreeing verdicts combine.
type Agreement int

const (
	// AnyViolation flags content when any provider flags it.
	AnyViolation Agreement = iota
	// Unanimous flags content only when every provider that answered flags it.
	Unanimous
)

func (a Agreement) String() string {
	if a == Unanimous {
		return "unanimous"
	}
	return "any"
}

// ParseAgreement maps an agreement name back to Agreement.
func ParseAgreement(s string) (Agreement, error) {
	switch s {
	case "", "any":
		return AnyViolation, nil
	case "unanimous":
		return Unanimous, nil
	}
	return AnyViolation, fmt.Errorf("orchestrator: unknown agreement %q", s)
}

// ErrModeRequired is returned by New when Options.Mode is unset.
var ErrModeRequired = errors.New("orchestrator: mode is required")

// Options configure an Orchestrator.
type Options struct {
	// Providers is the registry chain entries are resolved against.
	Providers []interfaces.Provider
	// Chain is used when Moderate receives a nil chain.
	Chain   []models.ProviderConfig
	Fetcher interfaces.ImageFetcher
	Logger  interfaces.Logger
	Tracer  trace.Tracer

	Mode      Mode
	Agreement Agreement
	// Parallel runs the chain concurrently, bounded by MaxParallel.
	Parallel    bool
	MaxParallel int

	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	DefaultTimeout time.Duration
	// Policy overrides the built-in error policy for every provider.
	Policy models.ErrorPolicy
}

func (o Options) validate() error {
	if o.Mode != FirstViolationWins && o.Mode != FullAggregate {
		return ErrModeRequired
	}
	if o.Agreement == Unanimous && o.Mode == FirstViolationWins {
		return errors.New("orchestrator: unanimous agreement needs full_aggregate mode")
	}
	seen := make(map[models.ProviderID]struct{}, len(o.Providers))
	for _, p := range o.Providers {
		if p == nil {
			return errors.New("orchestrator: provider is nil")
		}
		if _, dup := seen[p.ID()]; dup {
			return fmt.Errorf("orchestrator: duplicate provider %q", p.ID())
		}
		seen[p.ID()] = struct{}{}
	}
	return nil
}

package models

import (
	"fmt"
	"time"
)

// PolicyAction is what the orchestrator does after a provider error.
type PolicyAction int

const (
	ActionSkip PolicyAction = iota
	ActionRetry
	ActionFallbackOnce
)

func (a PolicyAction) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFallbackOnce:
		return "fallback_once"
	default:
		return "skip"
	}
}

// ParsePolicyAction maps an action name back to PolicyAction.
func ParsePolicyAction(s string) (PolicyAction, error) {
	switch s {
	case "skip":
		return ActionSkip, nil
	case "retry":
		return ActionRetry, nil
	case "fallback_once":
		return ActionFallbackOnce, nil
	}
	return 0, fmt.Errorf("models: unknown policy action %q", s)
}

// PolicyRule is one entry of an error policy table.
type PolicyRule struct {
	Action PolicyAction
	// Retries bounds ActionRetry. Zero means the orchestrator default.
	Retries int
}

// ErrorPolicy maps provider error kinds to actions.
type ErrorPolicy map[ErrorKind]PolicyRule

// DefaultErrorPolicy returns the built-in policy table.
func DefaultErrorPolicy() ErrorPolicy {
	return ErrorPolicy{
		ErrTimeout:     {Action: ActionFallbackOnce},
		ErrAuthFailure: {Action: ActionSkip},
		ErrUnsupported: {Action: ActionSkip},
		ErrRateLimited: {Action: ActionRetry},
		ErrTransient:   {Action: ActionRetry},
	}
}

// Lookup returns the rule for kind, falling back to the default table.
func (p ErrorPolicy) Lookup(kind ErrorKind) PolicyRule {
	if r, ok := p[kind]; ok {
		return r
	}
	return DefaultErrorPolicy()[kind]
}

// ProviderConfig configures one provider's place in a chain.
type ProviderConfig struct {
	ID ProviderID
	// Credentials are opaque to the engine and only read by the adapter.
	Credentials  map[string]string
	Capabilities CapabilitySet
	Priority     int
	Timeout      time.Duration
	Policy       ErrorPolicy
}

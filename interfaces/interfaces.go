package interfaces

import (
	"context"

	"github.com/elum-utils/aiocensor/models"
)

// Provider checks content with one moderation backend. Implementations must
// be safe for concurrent use and return *models.ProviderError on failure.
type Provider interface {
	ID() models.ProviderID
	Capabilities() models.CapabilitySet
	Check(ctx context.Context, req models.ModerationRequest) (models.Verdict, error)
}

// ImageFetcher downloads image bytes for the URL to payload fallback.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) (data []byte, mimeType string, err error)
}

// Storage persists keyword rules in their raw line form.
type Storage interface {
	AddRule(ctx context.Context, rule string) error
	RemoveRule(ctx context.Context, rule string) error
	GetRules(ctx context.Context) ([]string, error)
	RuleExists(ctx context.Context, rule string) (bool, error)
}

// BlacklistStorage persists blocked user identifiers.
type BlacklistStorage interface {
	AddBlacklist(ctx context.Context, userID, reason string) error
	RemoveBlacklist(ctx context.Context, userID string) error
	GetBlacklist(ctx context.Context) ([]string, error)
}

// OffenseStore persists per (user, group) escalation records.
type OffenseStore interface {
	Load(ctx context.Context, key models.OffenseKey) (models.OffenseRecord, bool, error)
	Save(ctx context.Context, record models.OffenseRecord) error
	Delete(ctx context.Context, key models.OffenseKey) error
}

// ActionHandler executes enforcement intents against the host platform.
type ActionHandler interface {
	Execute(ctx context.Context, intent models.ActionIntent) error
}

// AuditLog stores non-clean moderation decisions.
type AuditLog interface {
	Append(ctx context.Context, entry models.AuditEntry) error
	List(ctx context.Context, limit, offset int) ([]models.AuditEntry, error)
	Get(ctx context.Context, id string) (models.AuditEntry, bool, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// ProcessedHandler handles every result with one method.
type ProcessedHandler interface {
	OnProcessed(ctx context.Context, result models.ModerationResult) error
}

// Logger is an optional structured logger.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

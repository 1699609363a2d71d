package models

import (
	"fmt"
	"slices"
	"strconv"
	"time"
)

// Tier is a user's escalation level within a group.
type Tier int

const (
	TierClean Tier = iota
	TierWarned
	TierMuted
	TierBanned
)

func (t Tier) String() string {
	switch t {
	case TierClean:
		return "clean"
	case TierWarned:
		return "warned"
	case TierMuted:
		return "muted"
	case TierBanned:
		return "banned"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Valid returns true for known tiers.
func (t Tier) Valid() bool {
	return t >= TierClean && t <= TierBanned
}

// ParseTier maps a tier name back to Tier.
func ParseTier(s string) (Tier, error) {
	for t := TierClean; t <= TierBanned; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("models: unknown tier %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("models: invalid tier %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// OffenseKey identifies a (user, group) pair.
type OffenseKey struct {
	UserID  string
	GroupID string
}

// String encodes the key with each part quoted, so ids containing the
// separator cannot collide.
func (k OffenseKey) String() string {
	return strconv.Quote(k.GroupID) + "/" + strconv.Quote(k.UserID)
}

// OffenseRecord is the escalation state of one user in one group.
type OffenseRecord struct {
	UserID        string    `json:"user_id"`
	GroupID       string    `json:"group_id"`
	Tier          Tier      `json:"tier"`
	Count         int       `json:"count"`
	LastOffense   time.Time `json:"last_offense"`
	LastMessageID string    `json:"last_message_id,omitempty"`

	// RecentMessageIDs holds the newest processed message ids, oldest first.
	RecentMessageIDs []string `json:"recent_message_ids,omitempty"`
}

// Processed reports whether id was already applied to this record.
func (r OffenseRecord) Processed(id string) bool {
	if id == "" {
		return false
	}
	return r.LastMessageID == id || slices.Contains(r.RecentMessageIDs, id)
}

// Remember appends id to the recent ids, keeping at most limit entries.
// The slice is always reallocated so stored copies are never aliased.
func (r *OffenseRecord) Remember(id string, limit int) {
	if id == "" {
		return
	}
	r.LastMessageID = id
	if limit <= 0 {
		r.RecentMessageIDs = nil
		return
	}
	ids := make([]string, 0, min(len(r.RecentMessageIDs)+1, limit))
	start := len(r.RecentMessageIDs) + 1 - limit
	if start < 0 {
		start = 0
	}
	ids = append(ids, r.RecentMessageIDs[start:]...)
	r.RecentMessageIDs = append(ids, id)
}

// Key returns the record's (user, group) key.
func (r OffenseRecord) Key() OffenseKey {
	return OffenseKey{UserID: r.UserID, GroupID: r.GroupID}
}

// EnforcementAction is the concrete punitive step for a tier.
type EnforcementAction string

const (
	EnforceWarn EnforcementAction = "warn"
	EnforceMute EnforcementAction = "mute"
	EnforceKick EnforcementAction = "kick"
	EnforceBan  EnforcementAction = "ban"
)

// ActionIntent asks the platform adapter to enforce a decision.
type ActionIntent struct {
	Action       EnforcementAction `json:"action"`
	Tier         Tier              `json:"tier"`
	UserID       string            `json:"user_id"`
	GroupID      string            `json:"group_id"`
	MessageID    string            `json:"message_id,omitempty"`
	Reason       string            `json:"reason"`
	Categories   []Category        `json:"categories,omitempty"`
	MuteDuration time.Duration     `json:"mute_duration,omitempty"`
	// Recall asks the adapter to delete the offending message as well.
	Recall bool `json:"recall,omitempty"`
}

// AuditEntry is one persisted moderation decision.
type AuditEntry struct {
	ID        string           `json:"id"`
	RequestID string           `json:"request_id,omitempty"`
	Kind      ContentKind      `json:"kind"`
	Content   string           `json:"content"`
	Context   Context          `json:"context"`
	Verdict   AggregateVerdict `json:"verdict"`
	Intent    *ActionIntent    `json:"intent,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

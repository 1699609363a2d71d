package censor

import "github.com/elum-utils/aiocensor/core"

// Re-export core API at module root for convenient imports.
type (
	Core         = core.Core
	Options      = core.Options
	EventName    = core.EventName
	EventHandler = core.EventHandler
)

const (
	EventAllowClean   = core.EventAllowClean
	EventHumanReview  = core.EventHumanReview
	EventInconclusive = core.EventInconclusive
	EventBlacklisted  = core.EventBlacklisted
	EventViolation    = core.EventViolation
	EventWarn         = core.EventWarn
	EventMute         = core.EventMute
	EventKick         = core.EventKick
	EventBan          = core.EventBan
)

// New creates a new content safety pipeline.
func New(opt Options) *Core {
	return core.New(opt)
}

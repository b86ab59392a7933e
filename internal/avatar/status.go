// Package avatar is the composition root of the presentation engine. A
// Controller owns the frame loop, the scene and the expression and
// animation managers, and turns external signals into their updates.
package avatar

import "errors"

// Status is the display state the host can poll or bind to.
type Status int32

const (
	// StatusIdle means no avatar is requested.
	StatusIdle Status = iota
	// StatusLoading means an avatar load is pending and the loading overlay
	// is shown.
	StatusLoading
	StatusReady
	// StatusFallback means the requested avatar failed and the placeholder
	// is shown instead.
	StatusFallback
	// StatusFailed means nothing can be shown, either because the render
	// context is unavailable or fallback is disabled.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFallback:
		return "fallback"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrNotMounted     = errors.New("avatar: controller not mounted")
	ErrAlreadyMounted = errors.New("avatar: controller already mounted")
)

// Package anchor decides how the visible message list should be positioned
// after each timeline mutation. It is a pure state machine with no
// knowledge of any rendering surface; the presentation layer feeds it
// mutations and measured sizes and applies the returned decisions.
package anchor

import "chatsync/store"

// Metrics are the measured sizes of the rendered list, in whatever unit
// the presentation layer uses (pixels, terminal rows), as long as both
// fields use the same one.
type Metrics struct {
	ContentHeight  int
	ViewportHeight int
}

// Target says where the list should scroll.
type Target int

const (
	// TargetNone leaves the scroll position untouched.
	TargetNone Target = iota
	// TargetNewest scrolls to the newest-message edge.
	TargetNewest
)

// Decision is the policy's verdict for one mutation.
type Decision struct {
	Target Target

	// Animated distinguishes user-visible activity (sends, live arrivals)
	// from corrective positioning (initial jump, resync merges), which
	// snaps immediately.
	Animated bool
}

// Policy tracks the one-shot initial positioning state for a session.
//
// The zero value is ready to use: NotPositioned until the first decision
// with content and a measured viewport, Positioned forever after.
type Policy struct {
	positioned bool
}

// Positioned reports whether the one-shot initial jump has happened.
func (p *Policy) Positioned() bool {
	return p.positioned
}

// Decide returns the scroll decision for a mutation given current metrics.
func (p *Policy) Decide(m store.Mutation, metrics Metrics) Decision {
	// One-shot initial positioning: the first time content exists and the
	// viewport has a real size, jump to the newest edge without animation.
	// Never repeated for the lifetime of the session.
	if !p.positioned {
		if metrics.ContentHeight > 0 && metrics.ViewportHeight > 0 && m.Kind != store.MutationNone {
			p.positioned = true
			return Decision{Target: TargetNewest, Animated: false}
		}
		return Decision{}
	}

	switch m.Kind {
	case store.MutationHeadInsert, store.MutationOptimisticInsert, store.MutationReconciled:
		// Content that fits entirely in the viewport needs no scrolling.
		if metrics.ContentHeight <= metrics.ViewportHeight {
			return Decision{}
		}
		return Decision{Target: TargetNewest, Animated: !m.Corrective}
	default:
		// Tail appends grow the list at the far end; the newest content's
		// position is preserved by construction. Failure marks edit in
		// place and move nothing.
		return Decision{}
	}
}

// Package ratelimit implements fixed-window admission control per subject and category.
//
// Each category in the limits Table maps to a maximum request count per window. A request for
// subject S in category C at instant t lands in the window starting at floor(t/window)*window;
// the counter for (S, C, windowStart) is checked and incremented in one atomic store operation,
// so concurrent requests across process instances never overshoot the limit.
//
// Plans add a per-day ceiling that is enforced as its own "daily" window before the category
// check. Enterprise plans have no ceiling.
//
// Counter store failures fail open: the request is admitted, logged and counted in metrics.
// Advisory daily usage is recorded off the request path and never blocks admission.
//
// Limits can be loaded from YAML and hot-reloaded:
//
//	categories:
//	  vote:
//	    max_requests: 100
//	    window_ms: 3600000
package ratelimit

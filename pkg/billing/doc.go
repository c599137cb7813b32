// Package billing resolves the plan tier governing an agent's daily request ceiling.
//
// # Plans
//
//	free        1 000 requests/day
//	starter    10 000 requests/day
//	pro       100 000 requests/day
//	enterprise  unlimited
//
// An agent inherits the plan of its owning developer. Unclaimed agents, and agents
// whose owner has no developer record, are on the free plan.
//
// # Resolution
//
// PlanResolver caches developer plans in an expirable LRU so that the admission
// path does not hit the store on every request. Plan changes become visible after
// the cache TTL or an explicit Invalidate.
package billing

// Package ratelimit provides the request limiters used by the public API.
//
// [Limiter] is a sliding-window counter keyed by an arbitrary identifier (an
// IP address or an email address). Each identifier owns an ordered list of
// request timestamps, only timestamps inside the current window count, and a
// background sweep drops identifiers whose list has emptied. [Chain] composes
// several windows into one logical check, which is how the contact form
// applies its per-IP and per-email policies.
//
// [FloodGuard] is a coarse per-IP token bucket placed in front of every route
// to absorb floods before they reach handlers.
//
// With the default [MemoryStore] state is per process: it is lost on restart
// and each instance behind a load balancer counts independently. Configure a
// [RedisStore] when more than one instance serves traffic.
package ratelimit

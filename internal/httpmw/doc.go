// Package httpmw holds the middleware in front of the API router.
//
// httpserver.NewHandler applies it outermost first: security headers,
// recover, request ID, client IP, flood guard, tracing, trace headers,
// metrics and the request logger. Inside the router come route annotation,
// the access log and the body limit.
//
// Query strings, user agents and other caller-supplied headers never reach
// log fields.
package httpmw

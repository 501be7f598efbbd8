// Package httpmw holds the middleware wrapped around the inspection API.
//
// httpserver.NewHandler applies it outermost first: security headers,
// recover, request ID, client IP, rate limiting, tracing, trace response
// headers, metrics, request-scoped logger, then the chi router with route
// annotation, access log and body limit.
//
// Request bodies, query strings and user agents are kept out of the logs.
// The only request field this service acts on is an untrusted URL.
package httpmw

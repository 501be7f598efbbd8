// Package ratelimit keeps one token bucket per key with background eviction
// of idle keys.
//
// pkgfetch uses it twice: keyed by registry host to throttle outbound archive
// downloads (Wait), and keyed by client IP in front of the inspect API
// (Middleware). It is single-instance and in-memory; nothing is shared
// between processes.
package ratelimit

// Package server hosts the Fiber HTTP service that fronts the CMS origins:
// Host resolution via SiteRegistry, the static-file fast path that answers
// from the cache root without touching the origin, and the shared origin
// HTTP client. Capture and publication live in the proxy package; this
// package only accepts explicit dependencies so tests can inject fakes.
package server

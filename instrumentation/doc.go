// Package instrumentation provides OpenTelemetry metrics and tracing for
// the authorization server. When disabled it falls back to no-op providers
// so the hot path carries zero observability overhead.
package instrumentation

package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the authorization server
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Grant processing
	CodesIssued     metric.Int64Counter
	GrantsProcessed metric.Int64Counter
	TokensIssued    metric.Int64Counter
	TokensRefreshed metric.Int64Counter
	TokensRevoked   metric.Int64Counter
	Introspections  metric.Int64Counter

	// Security
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	TokenReuseDetected   metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HTTPRequestsTotal, err = inst.serverMeter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = inst.serverMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.CodesIssued, err = inst.serverMeter.Int64Counter(
		"oauth.codes.issued",
		metric.WithDescription("Number of authorization codes issued"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create codes.issued counter: %w", err)
	}

	m.GrantsProcessed, err = inst.serverMeter.Int64Counter(
		"oauth.grants.processed",
		metric.WithDescription("Number of token grant exchanges processed, by grant type and result"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.processed counter: %w", err)
	}

	m.TokensIssued, err = inst.serverMeter.Int64Counter(
		"oauth.tokens.issued",
		metric.WithDescription("Number of access tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.issued counter: %w", err)
	}

	m.TokensRefreshed, err = inst.serverMeter.Int64Counter(
		"oauth.tokens.refreshed",
		metric.WithDescription("Number of refresh token rotations"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.refreshed counter: %w", err)
	}

	m.TokensRevoked, err = inst.serverMeter.Int64Counter(
		"oauth.tokens.revoked",
		metric.WithDescription("Number of tokens revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.revoked counter: %w", err)
	}

	m.Introspections, err = inst.serverMeter.Int64Counter(
		"oauth.tokens.introspected",
		metric.WithDescription("Number of token introspections, by active/inactive result"),
		metric.WithUnit("{introspection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.introspected counter: %w", err)
	}

	m.RateLimitExceeded, err = inst.serverMeter.Int64Counter(
		"oauth.security.rate_limit.exceeded",
		metric.WithDescription("Number of requests rejected by rate limiting"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.PKCEValidationFailed, err = inst.serverMeter.Int64Counter(
		"oauth.security.pkce.failed",
		metric.WithDescription("Number of failed PKCE verifications"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkce.failed counter: %w", err)
	}

	m.CodeReuseDetected, err = inst.serverMeter.Int64Counter(
		"oauth.security.code_reuse.detected",
		metric.WithDescription("Number of authorization code reuse attempts detected"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code_reuse.detected counter: %w", err)
	}

	m.TokenReuseDetected, err = inst.serverMeter.Int64Counter(
		"oauth.security.token_reuse.detected",
		metric.WithDescription("Number of refresh token replay attempts detected"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_reuse.detected counter: %w", err)
	}

	m.StorageOperationTotal, err = inst.storageMeter.Int64Counter(
		"oauth.storage.operations.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations.total counter: %w", err)
	}

	m.StorageOperationDuration, err = inst.storageMeter.Float64Histogram(
		"oauth.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric (nil-safe)
func (m *Metrics) RecordHTTPRequest(ctx context.Context, endpoint, method string, status int, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.String(AttrHTTPMethod, method),
		attribute.Int(AttrHTTPStatusCode, status),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordGrant records a processed grant exchange (nil-safe)
func (m *Metrics) RecordGrant(ctx context.Context, grantType string, success bool) {
	if m == nil {
		return
	}
	m.GrantsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrGrantType, grantType),
		attribute.Bool("oauth.grant.success", success),
	))
}

// RecordCodeIssued records an issued authorization code (nil-safe)
func (m *Metrics) RecordCodeIssued(ctx context.Context, pkceMethod string) {
	if m == nil {
		return
	}
	m.CodesIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrPKCEMethod, pkceMethod),
	))
}

// RecordCodeReuse records a detected authorization code replay (nil-safe)
func (m *Metrics) RecordCodeReuse(ctx context.Context) {
	if m == nil {
		return
	}
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenReuse records a detected refresh token replay (nil-safe)
func (m *Metrics) RecordTokenReuse(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordPKCEFailure records a failed PKCE verification (nil-safe)
func (m *Metrics) RecordPKCEFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.PKCEValidationFailed.Add(ctx, 1)
}

// RecordTokenIssued records an issued token pair (nil-safe)
func (m *Metrics) RecordTokenIssued(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokensIssued.Add(ctx, 1)
}

// RecordTokenRefreshed records a completed refresh rotation (nil-safe)
func (m *Metrics) RecordTokenRefreshed(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokensRefreshed.Add(ctx, 1)
}

// RecordTokenRevoked records a token revocation (nil-safe)
func (m *Metrics) RecordTokenRevoked(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokensRevoked.Add(ctx, 1)
}

// RecordIntrospection records an introspection request (nil-safe)
func (m *Metrics) RecordIntrospection(ctx context.Context) {
	if m == nil {
		return
	}
	m.Introspections.Add(ctx, 1)
}

// RecordRateLimitExceeded records a rejected request (nil-safe)
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1)
}

// RecordStorageOperation records a storage backend call (nil-safe)
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}

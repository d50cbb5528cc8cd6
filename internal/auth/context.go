// ABOUTME: Carries the authenticated tenant of an agent request through its context
// ABOUTME: Set by the agent upgrade handler, read by code that must not trust query params

package auth

import "context"

type tenantContextKey struct{}

// WithTenant returns a new context carrying the authenticated tenant ID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tenantID)
}

// TenantFromContext returns the authenticated tenant ID, if any.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(tenantContextKey{}).(string)
	return tenantID, ok && tenantID != ""
}

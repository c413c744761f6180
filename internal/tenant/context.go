package tenant

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/erauner12/itsmbridge/internal/store"
)

// ErrNoContext indicates a code path that requires an ambient tenant context
// ran without one. This is a programming error, not a runtime condition.
var ErrNoContext = errors.New("no tenant context in request context")

// Context is the ambient, read-only record carried through all work done on
// behalf of a single request. Token requests and upstream calls derive the
// tenant from here, never from session-supplied identifiers, so one tenant's
// session can never observe another tenant's token.
type Context struct {
	TenantID    uuid.UUID
	Name        string
	Region      store.Region
	InstanceURL string
	Scopes      []string
	Tier        store.RateTier
}

type ctxKey struct{}

// WithContext attaches a tenant context to a request context.
func WithContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext extracts the ambient tenant context. Callers that touch the
// store or the upstream must treat an error here as INTERNAL: it means a
// handler forgot to bind the tenant.
func FromContext(ctx context.Context) (*Context, error) {
	tc, ok := ctx.Value(ctxKey{}).(*Context)
	if !ok || tc == nil {
		return nil, ErrNoContext
	}
	return tc, nil
}

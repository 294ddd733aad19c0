package access

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/memsync/internal/record"
)

// ErrMissingPrincipal is returned when no authenticated principal is
// attached to a context.
var ErrMissingPrincipal = errors.New("principal missing from context")

type principalKey struct{}

// ContextWithPrincipal attaches an authenticated principal to ctx.
func ContextWithPrincipal(ctx context.Context, p *record.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal set by ContextWithPrincipal.
func PrincipalFromContext(ctx context.Context) (*record.Principal, error) {
	p, ok := ctx.Value(principalKey{}).(*record.Principal)
	if !ok || p == nil || p.UserID == "" {
		return nil, ErrMissingPrincipal
	}
	return p, nil
}

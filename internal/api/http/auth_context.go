package httpapi

import "context"

type identityContextKey string

const identityKey identityContextKey = "identity"

func withIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// identityFromContext returns the caller identity set by requireIdentity.
func identityFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(identityKey).(string); ok {
		return v
	}
	return ""
}

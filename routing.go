package llmrelay

import "context"

type routingHintsKey struct{}

type routingHints struct {
	region   string
	metadata map[string]string
}

// WithUserRegion attaches the caller's region to ctx for conditional
// routing rules on user_region.
func WithUserRegion(ctx context.Context, region string) context.Context {
	h := routingHintsFromContext(ctx)
	h.region = region
	return context.WithValue(ctx, routingHintsKey{}, h)
}

// WithRoutingMetadata attaches free-form metadata to the routing context of
// requests made with ctx. Later calls add to earlier ones.
func WithRoutingMetadata(ctx context.Context, metadata map[string]string) context.Context {
	h := routingHintsFromContext(ctx)
	merged := make(map[string]string, len(h.metadata)+len(metadata))
	for k, v := range h.metadata {
		merged[k] = v
	}
	for k, v := range metadata {
		merged[k] = v
	}
	h.metadata = merged
	return context.WithValue(ctx, routingHintsKey{}, h)
}

func routingHintsFromContext(ctx context.Context) routingHints {
	h, _ := ctx.Value(routingHintsKey{}).(routingHints)
	return h
}

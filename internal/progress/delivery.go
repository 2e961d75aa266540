package progress

import "context"

type ctxKeyDeliveryID struct{}

// WithDeliveryID tags a push with a key the remote side can use to drop
// redelivered pushes.
func WithDeliveryID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyDeliveryID{}, id)
}

func DeliveryIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyDeliveryID{}).(string)
	return v, ok && v != ""
}

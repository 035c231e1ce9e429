package audit

import "context"

type activationKey struct{}

// Activation correlates audit records written during one Activate call.
type Activation struct {
	ID     string
	UserID string
}

// WithActivation returns a context carrying the activation id and user id.
func WithActivation(ctx context.Context, id, userID string) context.Context {
	return context.WithValue(ctx, activationKey{}, Activation{ID: id, UserID: userID})
}

// ActivationFrom returns the activation carried by ctx, if any.
func ActivationFrom(ctx context.Context) Activation {
	a, _ := ctx.Value(activationKey{}).(Activation)
	return a
}

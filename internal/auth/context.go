// ABOUTME: Context propagation of the authenticated operator
// ABOUTME: WithOperator/OperatorFrom pair used by admin handlers

package auth

import "context"

// operatorKey is the context key type for the verified operator name.
type operatorKey struct{}

// WithOperator returns a context carrying the verified operator name.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey{}, operator)
}

// OperatorFrom retrieves the operator name set by the middleware. The
// empty string means the request was not authenticated.
func OperatorFrom(ctx context.Context) string {
	op, _ := ctx.Value(operatorKey{}).(string)
	return op
}

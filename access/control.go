// Package access limits who may open a new result stream and when.
package access

import (
	"context"
	"net/http"
)

// Controller is the interface that all access control types should implement.
type Controller interface {
	Limit(next http.Handler) http.Handler
}

// Chain wraps next with every controller. The first controller sees the
// request first. Nil controllers are skipped.
func Chain(next http.Handler, controllers ...Controller) http.Handler {
	for i := len(controllers) - 1; i >= 0; i-- {
		if controllers[i] == nil {
			continue
		}
		next = controllers[i].Limit(next)
	}
	return next
}

type monitoringContextIDType struct{}

var monitoringContextIDKey = monitoringContextIDType{}

// SetMonitoring returns a derived context with the given value.
func SetMonitoring(ctx context.Context, value bool) context.Context {
	// Add a context value to pass advisory information to the next handler.
	return context.WithValue(ctx, monitoringContextIDKey, value)
}

// GetMonitoring attempts to extract the monitoring value from the given context.
func GetMonitoring(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	value, _ := ctx.Value(monitoringContextIDKey).(bool)
	return value
}

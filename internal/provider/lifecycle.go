// Package provider defines the contracts shared by every backend provider:
// the lifecycle every provider implements, the tagged error taxonomy, the
// request/response envelope, and the listener registry used for state fan-out.
package provider

import "context"

// Lifecycle is implemented by every provider. Initialize must be called
// before any other method; Dispose releases all resources and is idempotent.
type Lifecycle interface {
	Initialize(ctx context.Context) error
	IsReady() bool
	Dispose() error
}

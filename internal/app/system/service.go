// Package system manages the lifecycle of the platform's long-running
// components.
package system

import "context"

// Service represents a lifecycle-managed component. All long-running modules
// implement this interface so the manager can start and stop them
// deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Package ctxkeys provides unified context keys for the application.
// Using a dedicated type prevents collisions with keys from other packages.
package ctxkeys

// Key is the type for all context keys in the application.
type Key string

const (
	// KeyMethodInvocation carries the currently executing method invocation
	// so nested server.Apply calls inherit identity and connection.
	KeyMethodInvocation Key = "method_invocation"

	// KeyWriteFence carries the write fence of the currently executing
	// method call; data-layer writes register on it.
	KeyWriteFence Key = "write_fence"

	// KeyUserID carries the authenticated user id of the request.
	KeyUserID Key = "user_id"
)

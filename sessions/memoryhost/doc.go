// Package memoryhost provides an in-memory sessions.Host implementation
// suitable for tests, development, and single-process servers. All state is
// ephemeral and discarded on process exit.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Expiry            : lazy, evaluated against the configured clock on access
//	Index upserts     : atomic (single mutex)
//	Concurrency       : safe (RWMutex)
//
// Example:
//
//	store := sessions.New(memoryhost.New())
//
// For production multi-node deployments prefer a durable host like redishost.
package memoryhost

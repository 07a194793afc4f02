// Package cache provides a generic object cache with usage aware, time based
// evictions. It is meant for expensive shared resources (authenticated
// sessions, tokens) that concurrent downloads hand around between each other.
//
// An item is only evicted when both of these hold:
//
//   - it wasn't requested for at least the configured eviction threshold
//   - no Lease on it is outstanding (the item isn't busy)
//
// Every Get returns a Lease that keeps the item busy until it is released.
// This makes it impossible for an eviction sweep to hand a session to an
// evicted callback (which usually closes it) while a download still uses it.
//
// Eviction sweeps run synchronously inside Get, when calling Evict directly
// or, optionally, from a background reaper.
package cache

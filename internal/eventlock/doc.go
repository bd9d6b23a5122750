// Package eventlock serializes quota-affecting work per event.
//
// A Locker acquires a mutual-exclusion lock scoped to one event id and
// hands back a Token proving ownership. Two Backends exist: a
// StorageBackend keeping one event_locks row per held event, and a
// CacheBackend keeping a Redis lease. The backend is chosen once at
// startup; callers only ever see the Locker.
//
// Ownership is bounded in time. A row older than the staleness
// threshold, or a lease past its expiry, may be taken over by another
// caller, so a slow holder can lose the lock. Release reports that case
// as ErrLockNotOwned and WithLock bounds the critical section by the
// same threshold.
package eventlock

/*
Package registry implements the Worker Registry (C2): the single source
of truth for fleet configuration, health, circuit-breaker state, and
slot accounting. The Registry is the only component that mutates a
Worker's reservation count; every other component reaches it through
Reserve/Release so the invariant

	used_slots(w) <= total_slots(w)

holds at every instant, concurrently, for every worker w.

Locking discipline: the Registry holds a single writer-preferred mutex.
Snapshot reads (Snapshot, status queries for the dashboard/event bus)
take a read lock; Reserve/Release/UpdateStatus/Drain/SetAdmin take
a write lock. Callers must never hold this lock across I/O — the
Health Prober and Coordinator copy out what they need and release the
lock before making a network call.
*/
package registry

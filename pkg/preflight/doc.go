/*
Package preflight implements the Reliability Preflight (C9): before a
worker is offered to Selection, its on-disk topology invariants are
checked (a canonical project root exists, a required alias symlink
resolves to it); a worker that fails either check is excluded from
Selection under reason topology_failed until an explicit revalidation
passes.

It also computes the transitive closure of local path dependencies for
a project and drives the external repo-updater adapter that converges
sibling repositories onto a worker — a dry-run planning call and an
apply call, both bounded by a global timeout and both idempotent.
*/
package preflight

/*
Package daemon wires the dispatch control plane's components (C1-C9)
into the single long-lived process that owns all mutable state. The
pre-execution hook is a stateless client of this process.

Decide must answer within a strict latency budget (classifier tier plus a
fixed overhead), far too fast to run a remote build inline. So Decide only
classifies, selects a worker, and reserves (or enqueues) a slot — all
in-memory operations — then hands back a post-action token. The actual
sync/execute/retrieve pipeline runs in the background under that token,
driven by a Coordinator goroutine this package starts and tracks as a
pendingBuild.

The hook retrieves that build's stdout/stderr/exit code by opening a
streaming "run" connection (the Stream method, surfaced over the control
socket as POST /run) rather than spawning a second subprocess: the
daemon is the only process that ever touches the SSH session or the
project tree, matching the "daemon owns all state" design note. Complete
is then the hook's own close-out report; because Registry.Release is
already idempotent, Complete is a confirmation of an outcome the
Coordinator goroutine already recorded, not a second trigger of it.
*/
package daemon

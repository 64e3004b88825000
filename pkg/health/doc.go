/*
Package health implements the Health Prober (C3): a per-worker jittered
probe loop that performs an SSH round-trip plus a cheap remote version
query, then feeds the outcome into the Worker Registry, which in turn
drives the circuit breaker (§4.3).

Each worker gets its own goroutine and ticker so that one slow or wedged
worker never delays the next probe of another. A probe that exceeds its
per-probe timeout is treated as a failure, the same as a connection
error; a probe that succeeds but is slow is reported Degraded without
tripping the circuit.
*/
package health

/*
Package coordinator implements the Transfer/Execution Coordinator (C6):
given a reservation, it syncs the project up to the worker, runs the
classified command remotely, retrieves build artifacts, and releases
the slot — recording history and events at every step.

A build is atomic from the caller's perspective: Run either returns a
types.Build with Outcome == BuildSuccess and artifacts present, or a
well-typed failure with the slot already released and a failure record
already written. Callers never need to release or record history
themselves.
*/
package coordinator

/*
Package queue implements the Build Queue (C5): it parks a reservation
request when Reserve returned FullError for every eligible worker, and
wakes waiters as slots free up.

Waiters are held in FIFO order within fixed-priority lanes; lanes are
drained highest-priority-first. A release anywhere in the fleet
triggers a re-run of Selection against the head of each non-empty lane.
A waiter that reaches its deadline before being dispatched is removed
and reported as a timeout — the caller (the daemon) then answers the
hook with allow-local per the fail-open policy.
*/
package queue

/*
Package history persists completed builds (§4.7 step 4: "record history")
in a single bbolt bucket keyed by a zero-padded, time-ordered sequence
number so ForEach iteration and Cursor seeks both return builds oldest
first. The store is append-only from the caller's perspective — Record
never mutates an existing entry — and self-bounding: once the configured
retention count is exceeded, the oldest entries are pruned after each
write so the database does not grow unbounded over the daemon's
lifetime.
*/
package history

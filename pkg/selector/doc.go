/*
Package selector implements the Selector (C4): given a Registry
snapshot, pick one healthy worker with a free slot under a named
strategy. The Selector is modeled as a sum type over five variants
(Priority, Fastest, Balanced, CacheAffinity, FairFastest); each
implements the single Strategy.Pick operation rather than relying on
inheritance.

Selection never mutates the Registry — Pick only ranks workers that the
caller has already filtered down to those currently eligible for
reservation. Ties are always broken on worker id so that tests (and
operators) see reproducible choices.
*/
package selector

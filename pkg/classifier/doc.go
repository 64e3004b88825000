/*
Package classifier implements the command classification pipeline (C1):
a pure, five-tier decision function that looks at a candidate shell
command and decides whether it should be intercepted and offloaded to a
remote build worker, rejected from interception, or passed through to
run locally unchanged.

# Pipeline

Each tier short-circuits the moment it reaches a decisive answer:

	Tier 0  Instant reject      empty / non-shell / disabled          ≤10µs
	Tier 1  Structural analysis chain splitting, redirection, bg jobs ≤50µs
	Tier 2  Fast keyword filter anchor token presence                 ≤100µs
	Tier 3  Negative patterns   known-local subcommands                ≤200µs
	Tier 4  Full classification shellwords tokenize + rule table       ≤5ms

A command that falls through every tier without a decisive match is
PassThrough. Classification never raises: any internal error converts to
PassThrough with reason "classifier_error", per the fail-open policy
that governs the whole system.

The Classifier holds no mutable state after construction; Classify is a
pure function of (command, tool, cwd, config), safe for concurrent use
without locking.
*/
package classifier

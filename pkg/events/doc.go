/*
Package events implements the Event Bus & Status component (C8): an
in-process publish/subscribe broker with bounded per-subscriber
buffers. Publishers never block — once a subscriber that falls behind
has a full buffer, each new event is dropped for that subscriber (and
counted in DroppedFor) rather than back-pressuring the publisher.

Snapshot reads go through the Registry/Queue directly; the bus only
carries the fixed set of event kinds named in the design (worker
selection/release, build lifecycle, health/circuit transitions, queue
admission/dispatch).
*/
package events

/*
Package events provides the in-memory broker for Hutch's live event tail.

The events package implements a lightweight fan-out bus for committed kernel
events. The event store publishes every event here after it lands in the
log; watch streams and tests subscribe for the live tail. Delivery is
non-blocking: a subscriber whose buffer is full misses events and is
expected to resume from the persisted log using its last seen id.

The broker is intentionally dumb. Ordering, durability and replay all live
in pkg/eventstore; this package only moves pointers between channels.
*/
package events

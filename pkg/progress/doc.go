/*
Package progress maintains the single-row activity snapshot.

The publisher subscribes to the event broker and folds stage events into a
ring buffer (oldest dropped first), while the orchestrator and worker pool
push counters and resource stats directly. Repository writes coalesce to at
most one per configured interval regardless of event rate; Stop writes one
final snapshot with is_processing cleared.

The snapshot is strictly an output: workers never read it back for control
decisions.
*/
package progress

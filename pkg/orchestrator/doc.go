/*
Package orchestrator runs bounded document-processing batches.

One RunBatch call is one RUN: read the worker-state gate, fetch a batch of
pending documents (excluding paused workspaces), and dispatch them to the
worker pool one at a time, inserting the governor's throttle delay between
dispatches. The gate is re-read before every dispatch, so a STOP applied
mid-batch halts further dispatch while in-flight documents drain. There is no
continuous mode; long-lived operation comes from external scheduling or RUN
ops requests.

Each dispatched task follows the worker protocol:

 1. Acquire the document lease (contention means skip, not fail).
 2. CAS the document pending -> processing.
 3. Load content through the injected ContentLoader.
 4. Drive the stage engine; a lost lease cancels the run's context.
 5. Release the lease (deferred, panic-safe).

Panics are isolated by the pool; the orchestrator's panic hook marks the
orphaned execution failed with INTERNAL_PANIC, frees the lease, and fails the
document.

At the end of every RUN a terminal progress snapshot is written with
is_processing cleared.
*/
package orchestrator

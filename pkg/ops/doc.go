/*
Package ops turns persisted operator requests into worker-visible state.

Control flow is deliberately one-directional:

	external caller -> ops_requests (append-only, queued)
	applier         -> WorkerState (exclusive writer)
	workers         -> read WorkerState, never write it

The Applier is the only component allowed to transition a request out of
queued and the only writer of the WorkerState row. Requests are applied
strictly in creation order by a single goroutine, so a STOP cannot be undone
by a racing worker and replaying the request log always reproduces the same
state.

Request vocabulary: STOP/PAUSE gate dispatch (globally or per scope), RESUME
clears the gate, RELEASE_LEASE frees a stuck document, RESET_DOC and
RESET_WORKSPACE requeue settled documents without touching history,
CLEAR_STAGES wipes cached stage outputs, and RUN triggers exactly one bounded
batch (recorded in run_executions, never a standing flag).
*/
package ops

/*
Package execstore manages the versioned execution history of documents.

Every pipeline attempt becomes an immutable execution row; reprocessing never
rewrites history. A document's "current" result is whatever its active
execution pointer names, and the pointer only ever moves forward to a newer
succeeded execution.

# Lifecycle

	CreateRun   - hash the input, insert a queued execution
	StartRun    - queued -> running when a worker picks it up
	FinishRun   - running -> succeeded | failed | canceled
	              (success moves the pointer and replaces chunks atomically)

# Input identity

Two hashes are stored per execution:

  - input_hash: SHA-256 over the length-prefixed raw input plus sorted
    metadata pairs. Exact identity; drives the re-run short circuit.
  - normalized_hash: SHA-256 over a lowercased, whitespace-collapsed view.
    Near-duplicate detection for diagnostics and dedup reporting.

# Re-use short circuit

FindPriorSuccess locates the newest succeeded execution with a matching
input_hash. RecordReuse then writes a fresh execution row carrying the prior
result forward (lineage via retry_of), so even skipped work leaves an audit
trail.
*/
package execstore

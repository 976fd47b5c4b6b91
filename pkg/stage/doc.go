/*
Package stage implements the document pipeline: a strictly ordered chain of
stages driven by an engine that owns routing, timeouts, retries, and failure
classification.

# Pipeline

	E  extract     deterministic text extraction (variants E1-E4, consolidated E5)
	F  enrich      visual/OCR enrichment via model call; optional per doc type
	G  format      model-driven formatting
	H  structure   normalized text + structured JSON (schema-checked)
	I  synthesize  summary and tags; becomes the execution result
	J  chunk       deterministic overlapping windows
	K  embed       one vector per chunk, fixed dimension

Stages are pure: they read the document view, prior outputs, and a resolved
model route, and return an Output. All persistence happens in the engine, so
a stage can be retried without side effects.

# Failure handling

Errors are classified into kinds (validation, transient, model, resource,
data, canceled, internal) that map onto the persisted error codes. Transient
failures retry in-stage with exponential backoff and +-20% jitter up to the
configured attempt cap; a malformed model output earns exactly one re-prompt
when enabled; everything else aborts the run. Each stage runs under its own
wall-clock timeout, and timeout expiry counts as transient.

# Routing

The Resolver picks (model, prompt) per stage from the static routing table
with precedence workspace > doc_type > stage default. The resolved table is
fingerprinted into the execution's prompt hash.

# Re-use

When enabled, an input hash match against a prior succeeded execution
short-circuits the pipeline: the prior result is carried forward on a fresh
execution row so history stays append-only.
*/
package stage

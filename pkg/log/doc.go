/*
Package log provides structured logging for Docsmith built on zerolog.

A single global logger is initialized once at process start and child loggers
are derived per component or per entity. All packages log through this wrapper
so output format (console vs JSON) and level are controlled in one place.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("orchestrator")
	logger.Info().Str("doc_id", doc.ID).Msg("dispatching document")

Child logger helpers attach the common correlation fields:

  - WithComponent: component name (orchestrator, pool, applier, janitor, ...)
  - WithDocID / WithExecutionID: per-entity correlation
  - WithWorkerID: pool slot identity
  - WithStage: pipeline stage id

# Output Formats

Console output (development):

	2026-08-24T10:30:45Z INF dispatching document component=orchestrator doc_id=9f2c...

JSON output (production):

	{"level":"info","component":"orchestrator","doc_id":"9f2c...","time":"...","message":"dispatching document"}

# Best Practices

1. Derive a component logger once per long-lived loop, not per message.
2. Attach doc_id/execution_id on the hot path so failures are traceable.
3. Use Debug for per-stage chatter, Info for lifecycle transitions,
   Warn for recoverable conditions (lease contention, retries),
   Error for terminal failures.
*/
package log

/*
Package model defines the injected AI client boundary.

The orchestrator never talks to a model provider directly: stages receive a
Client and a resolved (model id, prompt template) pair from the routing table.
Provider adapters live outside this repository; tests inject deterministic
fakes.

Error classification is part of the contract. Clients wrap provider failures
with the sentinel kinds in this package (ErrTransient, ErrRefusal,
ErrMalformedOutput, ErrQuotaExhausted) so the stage engine can decide between
in-stage retry, a single re-prompt, and aborting the execution.
*/
package model

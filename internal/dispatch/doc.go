// Package dispatch fans batches of agent requests out to provider CLIs.
//
// Requests are split into ordered waves of at most MaxConcurrency. Each wave
// runs in parallel and must settle before the next starts. Every invocation:
//   - looks up its agent and resolves a provider (fixed, or the first
//     available entry of a fallback list)
//   - registers a task so logs and the result have a stable id
//   - races the executor against the dispatch timeout; when the timer wins
//     the invocation's context is cancelled and the executor kills the process
//
// Failure handling:
//   - Unknown agent, resolution failure, panic → failed outcome (kind dispatch)
//   - Executor failure → failed outcome carrying the ProviderResult
//   - Dispatch timeout → failed outcome (kind timeout), siblings keep running
//   - FailFast stops after the first wave containing a failure; in-flight
//     siblings in that wave are never cancelled
package dispatch

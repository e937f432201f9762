// Package dispatch runs the batch dispatch loop.
//
// The dispatcher drains the submission queue into a pool of collecting
// batches, seals full batches onto the ready list and hands every ready
// batch to a single build tool invocation once submissions have been quiet
// for the coalescing delay (farm.job_timeout). While an invocation runs its
// batch outputs are polled and results posted back to the queue as each
// batch finishes.
//
// Key properties:
//   - At most one invocation exists at a time
//   - Each launch flips the generation directory (0/1)
//   - Incomplete batches are relocated into the current generation and
//     launched again; they never return to collecting
//   - Exit codes 1 and 2 are fatal, 3 requeues, anything else requeues and
//     forces later builds to run local-only until ResetLocalOnly
//
// Error handling:
//   - Filesystem contention is retried by the transfer layer; exhausting the
//     retries is fatal
//   - A fatal error is sticky: Tick and Run keep returning it, wrapped in
//     ErrFailed
//   - Journal and sweep failures are logged and never stop the loop
//
// Concurrency:
//   - Tick and Run must be driven from one goroutine
//   - Status, Reconfigure and ResetLocalOnly are safe from any goroutine
//   - Close tears down the build and the working root after Run returns
package dispatch

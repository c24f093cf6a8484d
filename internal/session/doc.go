// Package session runs a long-lived text-generation session against one
// loaded model. It is structured into small files by concern:
//
//   - session.go: the Session state machine and its public operations.
//   - params.go: Params, presets and validation.
//   - runstate.go: RunState, the decode bookkeeping shared across predictions.
//   - modelcontext.go: ModelContext, the model handle plus its RunState.
//   - setup.go: SetupCoordinator, which loads a model into a ModelContext.
//   - executor.go: the incremental decode loop for a single prediction.
//   - snapshot.go: SessionContext and the read-only snapshotter.
//   - sessioncache.go: the on-disk session cache (token list + engine state).
//   - events.go: PredictionEvent variants.
//   - handle.go: PredictionHandle (cancellation, completion, stats).
//   - queue.go: Queue, the serial FIFO used for work and for event delivery.
//   - observer.go: lifecycle Observer and the memory/log implementations.
//   - metrics.go: Prometheus collectors.
//
// Concurrency: every operation that touches the ModelContext (load, predict,
// snapshot) runs on the session's single work queue, in submission order.
// Events are handed to a caller-supplied Queue so slow handlers never hold
// up the decode loop. Cancellation is a flag on the handle; the decode loop
// reads it at the top of every iteration and after each decode call.
package session

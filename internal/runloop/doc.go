// Package runloop implements the agent core's step-driven run loop: the
// Idle -> Initializing -> Looping -> (Suspended | Finalizing) -> Idle state
// machine that drives one call to Run or ContinueWithToolResults.
//
// Each step compacts the working message list, builds a provider request,
// streams and accumulates the assistant's reply, partitions any tool calls
// into backend (executed here, concurrently, under a bounded semaphore) and
// frontend (schema-only; the caller executes them and resumes via
// ContinueWithToolResults), and either suspends, continues, or finalizes.
//
// The loop depends on its collaborators only through narrow interfaces
// (EventSink, StateStore) so it can be built and tested ahead of the
// concrete streamfmt and persistence packages.
package runloop

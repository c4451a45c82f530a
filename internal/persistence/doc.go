// Package persistence implements the run loop's persistence glue: the
// agent_config snapshot, the conversation_history artifact, and the
// run_logs event sequence named in spec §4.9, plus the background-task
// lifecycle that writes them without blocking the run loop's hot path.
// Each background save runs once; a failed save is logged and is not
// retried.
package persistence

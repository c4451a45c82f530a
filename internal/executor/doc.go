// Package executor implements tool.TaskExecutor by driving a nested
// internal/runloop.Loop for each subtask, letting the Task tool spawn real
// subagents instead of the teacher's placeholder response.
package executor

// Package memory is the "memory store (semantic recall)" collaborator named
// in SPEC_FULL.md: a narrow interface over an embedded vector store a
// caller can use to recall prior session context by similarity rather than
// by replaying the full conversation history.
package memory

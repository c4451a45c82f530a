// Package filestore is the "file storage backend (local/S3)" collaborator
// named in SPEC_FULL.md: a narrow Store/Retrieve interface the run loop's
// FileRegistry uses to persist large tool-generated files out of the
// conversation history itself, with a local-disk default and an
// S3-compatible adapter.
package filestore

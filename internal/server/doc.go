// Package server is a minimal HTTP shim around the run loop: a status
// endpoint, a global SSE event stream off internal/event, and a single-turn
// /run endpoint that streams a RunLoop's StreamFormatter output directly to
// the response. It intentionally does not reproduce the teacher's full
// session/message/project REST surface — that is an explicit Non-goal; this
// package exists only so the RunLoop can be exercised manually over HTTP.
package server

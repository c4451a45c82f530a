// Package streamfmt renders run-loop events as the normalized XML event
// tagset the frontend parses: <meta_init>, <content-block-*>,
// <awaiting_frontend_tools>, <meta_final>. It implements
// internal/runloop.EventSink so a Loop can drive it directly.
package streamfmt

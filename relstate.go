// Package relstate is a real-time relational sync engine: an optimistic,
// reactive client store and a schema-driven server query/mutation engine
// speaking a JSON websocket protocol.
//
// The public surface lives in the internal packages wired together by
// cmd/relstate; embedders construct a schema, a storage backend, and a
// server, or a client connection bound to an optimistic store.
package relstate

// Version is the engine version, overridden at build time via -ldflags.
var Version = "0.1.0-dev"

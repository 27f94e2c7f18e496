// Package streaminghttp is the HTTP edge of the session state layer. It
// serves the long-lived GET stream of the MCP streaming HTTP transport as
// Server-Sent Events fed from an eventlog.Stream, so a client reconnecting to
// any instance with Last-Event-ID resumes where it left off.
//
// Status mapping
//
//	406  Accept does not allow text/event-stream
//	400  Mcp-Session-Id header missing
//	401  missing or invalid bearer token (with a WWW-Authenticate challenge)
//	403  token lacks a required scope
//	404  session unknown or expired
//	409  Last-Event-ID is no longer in the replay window; the client must
//	     open a fresh stream and resynchronise
//
// Frames are written as
//
//	id: <event id>
//	data: <json-rpc message>
//
// An idle stream carries ": keep-alive" comment frames. The stream ends when
// the session is deleted.
package streaminghttp

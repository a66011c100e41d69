// Package host runs the editor's single dispatch loop.
//
// The conversation session, the editor bridge, and the dispatcher are only
// mutated on the goroutine running Host.Run. User sends, cross-origin
// messages, and document load events arrive from HTTP handlers and are
// submitted to the loop as closures. Each turn's response stream is read on
// its own goroutine, which hands every decoded frame back to the loop, so
// effects apply in stream order and never interleave with another turn.
//
// A turn always ends by clearing the busy flag: on a final_response or error
// frame, on a transport or decode failure (after appending an error
// message), or when the stream simply closes.
package host

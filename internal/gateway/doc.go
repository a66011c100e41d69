// Package gateway serves the editor host over HTTP.
//
// # Overview
//
// The Gateway owns the settings store, the reply ledger, the host loop, and
// the HTTP server. Run starts the loop and the server under one errgroup;
// cancelling the context closes the event streams, shuts the server down,
// and drains in-flight turns and reply relays before the store is closed.
//
// # Chat API
//
//   - POST /api/messages - Start a turn ({"content": "..."}); 202 on start
//   - GET /api/messages - Conversation snapshot with rendered HTML
//   - POST /api/conversation/new - Reset the conversation; 409 while busy
//   - GET /api/events - SSE stream of session updates
//   - GET /health - Liveness check
//
// # Frame API
//
// A browser page embedding the editor runs a small shim that relays
// postMessage traffic between the editor frame and these endpoints:
//
//   - POST /api/frame/load, /api/frame/unload - Frame lifecycle ({"shim_id"})
//   - POST /api/frame/messages - One inbound message ({"origin", "data"})
//   - GET /api/frame/commands - SSE stream of commands to post into the frame
//   - GET /api/frame/state - Initial URL, target origin, readiness, context
//   - DELETE /api/context/selected-block - Forget the selected block
//   - GET /, GET /static/ - Host page and shim, embedded by package assets
//
// Each command event carries the exact origin the shim must pass to
// postMessage. The shim is a transport only; origin checks happen here.
// The command stream opens with a ready event naming the shim's id. Loading
// binds the document to that shim, and commands go to it alone.
//
// # Same-origin guard
//
// Routes that change state run behind http.CrossOriginProtection, trusting
// this server's own pages and editor.host_origin. POST bodies must be
// application/json.
//
// # Rendering
//
// Message content is rendered to HTML with goldmark. Raw HTML in message
// content is escaped, not passed through.
package gateway

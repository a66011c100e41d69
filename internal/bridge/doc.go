// ABOUTME: Package bridge carries commands and replies across the editor's origin boundary
// ABOUTME: See Bridge for inbound dispatch order and outbound addressing rules

// Package bridge mediates the cross-origin channel to the embedded editor.
//
// Inbound messages are handled in a fixed order: messages from the hosting
// page itself are ignored, messages from any origin outside the allow-list
// are rejected without touching state, context_update and url_change are
// applied, and anything else carrying a requestId is treated as a reply to
// a forwarded command and relayed to the agent backend exactly once.
//
// Outbound commands are only posted after the document has loaded and are
// always addressed to the document's exact origin.
package bridge

// Package conversation owns the state of a single chat conversation.
//
// # Overview
//
// A Session holds the backend-assigned session id, the ordered message log,
// the busy flag, and the remaining credit count. It is the only guard
// against concurrent turns: StartTurn refuses to open a second turn while
// one is in flight.
//
// # Turns
//
//	turn, err := session.StartTurn("Create a landing page")
//	if errors.Is(err, conversation.ErrBusy) { ... }
//	defer session.EndTurn()
//
// StartTurn appends the user message, sets busy, and spends one credit.
// EndTurn always clears busy, whatever the outcome of the turn.
//
// # Identity
//
// The session id is adopted from the first final response that carries one
// and is never overwritten afterwards. Reset clears it together with the
// message log; message ids keep counting so none is ever reused.
//
// # Updates
//
// Every append and state change is published as an Update to an optional
// Publisher, which the gateway uses to push changes to the UI.
package conversation

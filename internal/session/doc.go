// Package session owns the delivery state of the single backend connection.
//
// A Manager is either Connected or Disconnected. A transport driver reports
// transitions through Connected and Disconnected; the manager never dials.
// On every new connection it sends the instance registration once and then
// drains the outbox in pages, oldest first, pausing between pages. While a
// drain runs, fresh batches are appended behind the backlog so delivery
// order is preserved across reconnects.
//
// SendOrBuffer is the only entry point for batches. It sends live when the
// connection is up and nothing is queued, and otherwise persists the batch
// in the outbox. A live send that fails moves the manager to Disconnected
// and the batch is persisted instead.
package session

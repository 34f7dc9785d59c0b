// Package multi drives many transfers concurrently over one
// readiness-notification loop instead of one blocking goroutine each.
//
// A Scheduler owns the engine multiplexer, the socket-to-transfer interest
// bookkeeping, and the next-wake timer. Do pumps all registered transfers
// until a target completes; DoBridged additionally watches an external
// client socket and reports its closure distinctly; Tunnel splices client
// and upstream connections after a CONNECT.
package multi

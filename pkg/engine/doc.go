// Package engine defines the contract consumed from the underlying HTTP(S)
// transfer engine.
//
// The engine owns connection establishment, TLS, HTTP parsing and redirect
// following. This package only describes what the bridge layers need from
// it: per-transfer instances with typed configuration and closure-based
// byte callbacks, a multiplexer that reports socket interest and timer
// deadlines and accepts socket-ready actions, and post-transfer
// introspection.
package engine

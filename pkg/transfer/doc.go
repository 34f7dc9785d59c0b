// Package transfer wraps one logical HTTP request/response exchange on top
// of an engine instance: configuration, proxy and authentication setup
// backed by the shared negotiation cache, buffered or bridged I/O, the
// blocking Perform path, and result accessors.
//
// A Transfer is exclusively owned by its creator. A scheduler holds a
// non-owning reference only while the transfer is registered.
package transfer

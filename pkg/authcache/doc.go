// Package authcache remembers, per upstream proxy, which authentication
// mechanism previously succeeded or that every allowed mechanism was
// rejected. Transfers sharing a proxy consult it to skip the engine's
// multi-round trial-and-error negotiation, or to fail fast without
// contacting a proxy known to reject their credentials.
package authcache

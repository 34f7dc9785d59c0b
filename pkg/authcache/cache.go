package authcache

import (
	"fmt"
	"net"
	"strconv"

	gocache "github.com/patrickmn/go-cache"

	"github.com/genotrance/mcurl/pkg/metrics"
)

// Identity names one upstream proxy as seen by a set of credentials.
type Identity struct {
	Host string
	Port int
	// Principal is the credential owner, typically the username passed
	// to the proxy. Empty means "not yet known" and matches any entry
	// for the same host and port.
	Principal string
}

func (id Identity) addr() string {
	return net.JoinHostPort(id.Host, strconv.Itoa(id.Port))
}

func (id Identity) String() string {
	if id.Principal == "" {
		return id.addr()
	}
	return fmt.Sprintf("%s@%s", id.Principal, id.addr())
}

// State classifies what the cache knows about a proxy.
type State int

const (
	// Unknown means no negotiation has completed against this proxy.
	Unknown State = iota
	// Known means Mechanism worked for this proxy.
	Known
	// Failed means the proxy rejected authentication under every
	// mechanism tried; further attempts with the same credentials are
	// pointless.
	Failed
)

// Entry is the cached outcome for one proxy.
type Entry struct {
	State State
	// Mechanism is the mechanism name that worked, e.g. "NTLM", valid
	// when State is Known.
	Mechanism string
	// Principal the outcome was observed under.
	Principal string
}

// Cache is a process-wide negotiation-outcome store. Entries never expire;
// proxy identities are few and long-lived within a process lifetime. Safe
// for concurrent use by multiple schedulers; writes are last-writer-wins.
type Cache struct {
	store *gocache.Cache
	met   *metrics.Metrics
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{store: gocache.New(gocache.NoExpiration, 0)}
}

// SetMetrics attaches instrumentation. Call before use; not synchronized
// with concurrent lookups.
func (c *Cache) SetMetrics(m *metrics.Metrics) {
	c.met = m
}

// Lookup reports what is known about the proxy. An entry recorded under a
// different non-empty principal is invisible: other credentials may well
// negotiate successfully.
func (c *Cache) Lookup(id Identity) Entry {
	v, ok := c.store.Get(id.addr())
	if !ok {
		c.met.CacheLookup("miss")
		return Entry{}
	}

	e := v.(Entry)
	if id.Principal != "" && e.Principal != "" && e.Principal != id.Principal {
		c.met.CacheLookup("miss")
		return Entry{}
	}

	if e.State == Failed {
		c.met.CacheLookup("failed")
	} else {
		c.met.CacheLookup("hit")
	}
	return e
}

// RecordSuccess stores the mechanism that worked. Idempotent upsert; a
// later success with a different mechanism overwrites.
func (c *Cache) RecordSuccess(id Identity, mechanism string) {
	c.store.Set(id.addr(), Entry{
		State:     Known,
		Mechanism: mechanism,
		Principal: id.Principal,
	}, gocache.NoExpiration)
}

// RecordFailure marks the proxy as rejecting authentication under every
// allowed mechanism for these credentials.
func (c *Cache) RecordFailure(id Identity) {
	c.store.Set(id.addr(), Entry{
		State:     Failed,
		Principal: id.Principal,
	}, gocache.NoExpiration)
}

// Failed reports whether the proxy is marked permanently auth-failed for
// these credentials.
func (c *Cache) Failed(id Identity) bool {
	return c.Lookup(id).State == Failed
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.store.Flush()
}

// Len reports the number of cached proxies.
func (c *Cache) Len() int {
	return c.store.ItemCount()
}

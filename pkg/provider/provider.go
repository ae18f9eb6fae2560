// Package provider tracks the ordered fleet of STT and TTS endpoints and
// implements failover across them.
//
// The central types are [Endpoint] — one service URL with its health
// metadata — and [Registry], the concurrency-safe handle holding the ordered
// endpoint lists seeded from configuration. [Run] walks a role's endpoints in
// priority order until one succeeds, applying the locality-aware retry policy
// and producing a structured per-endpoint error report when everything fails.
//
// Registry reads are lock-free for the common path: endpoint health fields
// are atomics, and the endpoint lists themselves are only mutated under the
// registry mutex at seed time.
package provider

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Role distinguishes speech-to-text from text-to-speech endpoints.
type Role string

const (
	RoleSTT Role = "stt"
	RoleTTS Role = "tts"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool { return r == RoleSTT || r == RoleTTS }

// Locality classifies an endpoint as loopback-local or remote. The transcribe
// pipeline uses it to decide whether compressing outgoing audio is worth the
// CPU, and the failover layer gives remote endpoints retries that local ones
// do not need.
type Locality string

const (
	LocalityLocal  Locality = "local"
	LocalityRemote Locality = "remote"
)

// localHosts are the URL hosts classified as local.
var localHosts = map[string]bool{
	"127.0.0.1": true,
	"localhost": true,
	"::1":       true,
}

// Endpoint is one STT or TTS service URL with its health metadata. An
// endpoint is uniquely identified by (role, url). Health fields are atomics
// so the hot path reads them without taking a lock; only the registry mutates
// them, on call success or failure.
type Endpoint struct {
	// ID is a short human-readable label (host:port by default).
	ID string

	// URL is the service base URL, e.g. "http://127.0.0.1:8880/v1".
	URL string

	// Role is stt or tts.
	Role Role

	// Priority is the position in the configured order; lower tries first.
	Priority int

	locality    Locality
	lastHealthy atomic.Int64 // unix nanos of last success; 0 = never
	lastError   atomic.Pointer[string]
}

// NewEndpoint builds an endpoint from a base URL, classifying its locality.
func NewEndpoint(role Role, rawURL string, priority int) (*Endpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("provider: invalid %s endpoint URL %q", role, rawURL)
	}
	host := u.Hostname()
	loc := LocalityRemote
	if localHosts[host] {
		loc = LocalityLocal
	}
	return &Endpoint{
		ID:       u.Host,
		URL:      strings.TrimRight(rawURL, "/"),
		Role:     role,
		Priority: priority,
		locality: loc,
	}, nil
}

// Locality reports whether the endpoint is local or remote.
func (e *Endpoint) Locality() Locality { return e.locality }

// Local is shorthand for Locality() == LocalityLocal.
func (e *Endpoint) Local() bool { return e.locality == LocalityLocal }

// MarkHealthy records a successful call.
func (e *Endpoint) MarkHealthy() {
	e.lastHealthy.Store(time.Now().UnixNano())
	e.lastError.Store(nil)
}

// MarkFailed records the most recent error message.
func (e *Endpoint) MarkFailed(msg string) {
	e.lastError.Store(&msg)
}

// LastHealthy returns when the endpoint last served a successful call, or the
// zero time if it never has.
func (e *Endpoint) LastHealthy() time.Time {
	ns := e.lastHealthy.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// LastError returns the most recent failure message, or "" when healthy.
func (e *Endpoint) LastError() string {
	if p := e.lastError.Load(); p != nil {
		return *p
	}
	return ""
}

// Registry holds the ordered endpoint lists for each role.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[Role][]*Endpoint
}

// NewRegistry creates an empty registry. Seed it from configuration with
// [Registry.Seed] before use.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[Role][]*Endpoint)}
}

// Seed replaces the endpoint list for role with one endpoint per URL, in the
// given order. Invalid URLs abort the seed.
func (r *Registry) Seed(role Role, urls []string) error {
	eps := make([]*Endpoint, 0, len(urls))
	for i, raw := range urls {
		ep, err := NewEndpoint(role, raw, i)
		if err != nil {
			return err
		}
		eps = append(eps, ep)
	}
	r.mu.Lock()
	r.endpoints[role] = eps
	r.mu.Unlock()
	return nil
}

// Endpoints returns the role's endpoints in priority order. The returned
// slice is a copy; the endpoints themselves are shared handles.
func (r *Registry) Endpoints(role Role) []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	eps := r.endpoints[role]
	out := make([]*Endpoint, len(eps))
	copy(out, eps)
	return out
}

// FirstLocal reports whether the role's first (highest priority) endpoint is
// local. The compression policy keys off this.
func (r *Registry) FirstLocal(role Role) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	eps := r.endpoints[role]
	return len(eps) > 0 && eps[0].Local()
}

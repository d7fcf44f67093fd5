// Package admission is the policy-driven rate limiter in front of the API.
//
// A request is classified into an ordered set of tiers (global per-address,
// per-user, per-operation, and tier-dependent ceilings for expensive
// operations); each tier charges a fixed-window counter in a sharded
// in-process store, and the first tier to deny wins. Counters are a cache,
// not a system of record: state is per instance, and any limiter-internal
// fault fails open so traffic is never blocked by the limiter's own
// problems.
//
// The package exposes the pieces separately (store, engine, composer,
// evictor, middleware) so tests and alternative frontends can compose them,
// but the typical wiring is NewGate(...).Middleware in the server's
// middleware chain.
package admission

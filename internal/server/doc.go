// Package server hosts the Fiber HTTP service that exposes the guide, link
// liveness and pack progress caches to the mobile client. It wires the
// request middleware chain (panic recovery, request IDs, access logging) and
// the /api handlers; diagnostics live under /-/ and are registered by the
// routes subpackage. Keep exports narrow and accept explicit dependencies.
package server

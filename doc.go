// Package session reconciles a third-party identity-platform session with a
// first-party backend user record and exposes the resulting authentication
// state to consuming application code.
//
// Session lifecycle:
//   - A Controller owns a single State value that moves through a fixed
//     transition graph (initializing, verifying, syncing, authenticated,
//     session_only, product_not_enabled, unauthenticated, auth_error). All
//     mutation happens through the controller's transition function; consumers
//     read state via Snapshot and trigger changes only through the exposed
//     actions.
//   - Reconcile runs on every identity session-change callback. It is guarded
//     against duplicate callback delivery, bounded by a watchdog timer, and
//     resolves every ambiguity to signed-out rather than silently
//     authenticated.
//   - Product memberships gate access to individual product surfaces. A sync
//     rejected for a missing membership keeps the identity session intact so
//     the user can activate a product instead of being bounced to login.
//
// Transition sinks:
//   - TransitionSink is a light-weight audit emitter fed with every state
//     transition (from, to, reason, principal ref). Sinks run best-effort
//     (errors are logged) so you can forward transitions to metrics or audit
//     storage without blocking the state machine.
//
// Collaborators:
//   - IdentityClient wraps the identity platform SDK (session-change
//     callbacks, token issuance, sign-out). See provider/oidc for a
//     JWKS-backed implementation.
//   - BackendClient wraps the backend sync, logout, and product-activation
//     endpoints. See the backend package for the HTTP implementation.
package session

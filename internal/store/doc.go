// Package store provides SQLite-backed persistence for caseguide.
//
// Tables cover accounts and RBAC (roles, users, sessions, audit_logs),
// guidance templates and their version history, workflows and executions,
// saved searches, search history, saved queries, scraped documents,
// analytics metrics, the LLM translation cache and uploaded artifacts.
//
// # Conventions
//
//   - Identifiers are UUIDv7 text, so ORDER BY id is creation order.
//   - Timestamps are fixed-width UTC text and compare lexicographically.
//   - JSON columns never hold "null"; empty maps and lists are stored as
//     "{}" and "[]".
//   - Paged listings end in a deterministic tiebreaker on id.
//   - Lookups of missing rows return ErrNotFound; uniqueness violations
//     return ErrConflict. Both are wrapped, so use errors.Is.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - REGEXP: registered per connection for regex field search
package store

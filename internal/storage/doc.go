// Package storage persists listings, push subscriptions and scheduler job state.
//
// Drivers:
//   - sqlite: single-file database (default, pure Go)
//   - postgres: pgx connection pool for shared deployments
//
// Each batch upsert runs in one transaction, so readers never observe a
// partially applied batch.
package storage

// Package durable holds the SQL-backed session tier and the user directory read by
// the WebSocket gateway.
//
// Two backends implement [session.Durable] and [UserDirectory]: [PostgresStore] on
// pgxpool for multi-instance deployments, and [SQLiteStore] on modernc.org/sqlite
// for single-node installs and tests. Both share the same guarded upsert, so a
// delayed write can never turn an invalidated row back into an active one.
package durable

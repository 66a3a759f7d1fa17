/*
Package metastore persists small provider metadata records, grouped by
provider id.

The engine core is an in-memory cache; the only state that survives a
restart is what lives here: cached validation results and coarse provider
state such as "importing" or "ready". Two backends are provided, a
sqlite-backed store for deployments and an in-memory store for tests, both
satisfying the same Store interface.
*/
package metastore
